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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/maruel/natural"
)

// Location filter values.
const (
	LocationAny     = "all"
	LocationOK      = "ok"
	LocationMissing = "missing"
)

// Sort orders.
const (
	SortNone   = "none"
	SortNewest = "newest"
	SortOldest = "oldest"
)

// Filter narrows and orders a view of the store. Zero values match
// everything and keep upload order.
type Filter struct {
	Text     string `json:"text,omitempty"`     // case-insensitive substring of the name
	Kind     Kind   `json:"kind,omitempty"`     // image or video
	Location string `json:"location,omitempty"` // all, ok or missing
	Group    string `json:"group,omitempty"`

	// capture date filters; records without a capture time never match
	Year  string `json:"year,omitempty"`  // e.g. "2024"
	Month string `json:"month,omitempty"` // "1".."12" or "01".."12"
	Date  string `json:"date,omitempty"`  // YYYY-MM-DD

	Sort string `json:"sort,omitempty"` // none, newest or oldest
}

// Filter returns the records matching f, ordered as f requests.
func (s *Store) Filter(f Filter) []MediaRecord {
	all := s.Records()
	out := all[:0]
	for _, r := range all {
		if f.matches(r) {
			out = append(out, r)
		}
	}

	switch f.Sort {
	case SortNewest, SortOldest:
		newestFirst := f.Sort == SortNewest
		sort.SliceStable(out, func(i, j int) bool {
			ti, tj := captureTime(out[i]), captureTime(out[j])
			// untimed records go last in either order
			if ti.IsZero() != tj.IsZero() {
				return tj.IsZero()
			}
			if !ti.Equal(tj) {
				if newestFirst {
					return ti.After(tj)
				}
				return ti.Before(tj)
			}
			return natural.Less(out[i].Name, out[j].Name)
		})
	}

	return out
}

func (f Filter) matches(r MediaRecord) bool {
	if f.Text != "" && !strings.Contains(strings.ToLower(r.Name), strings.ToLower(f.Text)) {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	switch f.Location {
	case LocationOK:
		if !r.HasLocation {
			return false
		}
	case LocationMissing:
		if r.HasLocation {
			return false
		}
	}
	if f.Group != "" && r.Group != f.Group {
		return false
	}

	if f.Year == "" && f.Month == "" && f.Date == "" {
		return true
	}
	year, month, day, ok := captureDate(r)
	if !ok {
		return false
	}
	if f.Year != "" && year != strings.TrimSpace(f.Year) {
		return false
	}
	if f.Month != "" && !sameNumber(month, f.Month) {
		return false
	}
	if f.Date != "" && year+"-"+month+"-"+day != strings.TrimSpace(f.Date) {
		return false
	}
	return true
}

// captureDate splits the date part of a record's capture time, which may
// use EXIF ("2024:05:01 10:20:30"), plain ("2024-05-01 10:20:30") or
// ISO 8601 ("2024-05-01T10:20:30.000Z") notation.
func captureDate(r MediaRecord) (year, month, day string, ok bool) {
	if r.CapturedAt == nil {
		return "", "", "", false
	}
	datePart, _, _ := strings.Cut(strings.TrimSpace(*r.CapturedAt), " ")
	datePart, _, _ = strings.Cut(datePart, "T")
	parts := strings.Split(strings.ReplaceAll(datePart, ":", "-"), "-")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func sameNumber(a, b string) bool {
	x, err1 := strconv.Atoi(strings.TrimSpace(a))
	y, err2 := strconv.Atoi(strings.TrimSpace(b))
	return err1 == nil && err2 == nil && x == y
}

var captureLayouts = []string{
	"2006:01:02 15:04:05",
	CapturedAtFormat,
	time.RFC3339Nano,
}

// captureTime parses a record's capture time. It returns the zero time for
// records without a parseable capture time.
func captureTime(r MediaRecord) time.Time {
	if r.CapturedAt == nil {
		return time.Time{}
	}
	s := strings.TrimSpace(*r.CapturedAt)
	for _, layout := range captureLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
