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

package metadata

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/abema/go-mp4"
)

// isMP4 reports whether head starts with an ISO base media "ftyp" box.
func isMP4(head []byte) bool {
	return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
}

// readMP4Metadata walks the box structure of an MP4/QuickTime file and
// returns container facts: brands, creation time, duration and track
// dimensions. Media data boxes are skipped.
func readMP4Metadata(rs io.ReadSeeker) (Metadata, error) {
	meta := make(Metadata)

	_, err := mp4.ReadBoxStructure(rs, func(h *mp4.ReadHandle) (any, error) {
		if !h.BoxInfo.IsSupportedType() || h.BoxInfo.Type.String() == "mdat" {
			return nil, nil
		}

		box, _, err := h.ReadPayload()
		if err != nil {
			return nil, fmt.Errorf("reading payload from handle: %w", err)
		}

		switch b := box.(type) {
		case *mp4.Ftyp:
			meta["Major Brand"] = strings.TrimSpace(string(b.MajorBrand[:]))

			brands := make([]string, 0, len(b.CompatibleBrands))
			for _, brand := range b.CompatibleBrands {
				brands = append(brands, strings.TrimSpace(string(brand.CompatibleBrand[:])))
			}
			if len(brands) > 0 {
				meta["Compatible Brands"] = strings.Join(brands, ", ")
			}

		case *mp4.Mvhd:
			if ct := b.GetCreationTime(); ct != 0 {
				if ts := isoIEC14496Timestamp(ct); !ts.IsZero() {
					meta["Creation Time"] = ts.UTC().Format(time.RFC3339)
				}
			}
			if b.Timescale > 0 {
				meta["Duration"] = float64(b.GetDuration()) / float64(b.Timescale)
			}

		case *mp4.Tkhd:
			if width := b.GetWidthInt(); width > 0 {
				meta[fmt.Sprintf("Track %d Width", b.TrackID)] = width
			}
			if height := b.GetHeightInt(); height > 0 {
				meta[fmt.Sprintf("Track %d Height", b.TrackID)] = height
			}
		}

		return h.Expand()
	})

	return meta, err
}

// isoIEC14496Timestamp converts the number of seconds since January 1, 1904
// (the MP4 epoch) to a time.Time. The epoch itself means "unset".
func isoIEC14496Timestamp(ts uint64) time.Time {
	if ts <= mp4EpochToUnixEpochSeconds {
		return time.Time{}
	}
	return time.Unix(int64(ts-mp4EpochToUnixEpochSeconds), 0) //nolint:gosec
}

// seconds between 1904-01-01 and 1970-01-01
const mp4EpochToUnixEpochSeconds uint64 = 2082844800
