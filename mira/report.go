/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package mira

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/maruel/natural"
)

// Report aggregates the contents of the store.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`

	Total           int `json:"total"`
	Images          int `json:"images"`
	Videos          int `json:"videos"`
	WithLocation    int `json:"with_location"`
	WithoutLocation int `json:"without_location"`
	WithNotes       int `json:"with_notes"`

	// percentages of Total; 0 when there are no records
	ImagePercent    float64 `json:"image_percent"`
	VideoPercent    float64 `json:"video_percent"`
	LocationPercent float64 `json:"location_percent"`

	Groups       []GroupCount  `json:"groups"`
	Observations []Observation `json:"observations"`
}

// GroupCount is the number of records in a group.
type GroupCount struct {
	Group string `json:"group"`
	Count int    `json:"count"`
}

// Observation is a record the operator annotated.
type Observation struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Group      string `json:"group"`
	CapturedAt string `json:"captured_at,omitempty"`
	Note       string `json:"note"`
}

// BuildReport computes a report over records.
func BuildReport(records []MediaRecord, now time.Time) Report {
	r := Report{
		GeneratedAt:  now,
		Total:        len(records),
		Groups:       []GroupCount{},
		Observations: []Observation{},
	}

	groups := make(map[string]int)
	for _, rec := range records {
		switch rec.Kind {
		case KindImage:
			r.Images++
		case KindVideo:
			r.Videos++
		}
		if rec.HasLocation {
			r.WithLocation++
		} else {
			r.WithoutLocation++
		}
		groups[rec.Group]++

		if strings.TrimSpace(rec.Note) != "" {
			obs := Observation{ID: rec.ID, Name: rec.Name, Group: rec.Group, Note: rec.Note}
			if rec.CapturedAt != nil {
				obs.CapturedAt = *rec.CapturedAt
			}
			r.Observations = append(r.Observations, obs)
		}
	}
	r.WithNotes = len(r.Observations)

	r.ImagePercent = percent(r.Images, r.Total)
	r.VideoPercent = percent(r.Videos, r.Total)
	r.LocationPercent = percent(r.WithLocation, r.Total)

	for g, n := range groups {
		r.Groups = append(r.Groups, GroupCount{Group: g, Count: n})
	}
	sort.Slice(r.Groups, func(i, j int) bool {
		return natural.Less(r.Groups[i].Group, r.Groups[j].Group)
	})

	return r
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// RenderReport writes r as plain text.
func RenderReport(w io.Writer, r Report) error {
	if err := reportTemplate.Execute(w, r); err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}
	return nil
}

var reportTemplate = template.Must(template.New("report").Funcs(sprig.TxtFuncMap()).Parse(
	`MIRA field report
Generated {{ .GeneratedAt | date "2006-01-02 15:04:05 MST" }}
{{ repeat 48 "=" }}
Files:            {{ .Total }}
  images:         {{ .Images }} ({{ printf "%.0f" .ImagePercent }}%)
  videos:         {{ .Videos }} ({{ printf "%.0f" .VideoPercent }}%)
Geo-tagged:       {{ .WithLocation }} ({{ printf "%.0f" .LocationPercent }}%)
Missing location: {{ .WithoutLocation }}
Observations:     {{ .WithNotes }}
{{- if .Groups }}

Groups
{{ repeat 48 "-" }}
{{- range .Groups }}
{{ .Group | trunc 32 | printf "%-32s" }} {{ .Count }}
{{- end }}
{{- end }}
{{- if .Observations }}

Observations
{{ repeat 48 "-" }}
{{- range .Observations }}
[{{ .Group }}] {{ .Name }}{{ with .CapturedAt }} ({{ . }}){{ end }}
{{ .Note | trim | indent 4 }}
{{- end }}
{{- end }}
`))
