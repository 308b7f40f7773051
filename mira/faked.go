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
	"bytes"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"
)

// demo records are scattered around this point (Fortaleza, Brazil)
const (
	demoCenterLat = -3.7319
	demoCenterLng = -38.5267
	demoSpread    = 0.08
)

// SeedDemoRecords fills the store with n fake drone captures for
// demonstrations: small generated JPEGs and a few videos, spread over
// three missions, most of them geo-tagged and some with notes.
func SeedDemoRecords(logger *zap.Logger, store *Store, previews PreviewStore, n int) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	end := time.Now().UTC()
	start := end.AddDate(0, -6, 0)

	recs := make([]MediaRecord, 0, n)
	for i := range n {
		id := newRecordID()

		rec := MediaRecord{
			ID:    id,
			Group: fmt.Sprintf("mission-%d", gofakeit.Number(1, 3)),
		}

		var content []byte
		if gofakeit.Number(1, 5) == 5 {
			rec.Kind = KindVideo
			rec.Name = fmt.Sprintf("DJI_%04d.MP4", i+1)
			rec.ContentType = "video/mp4"
			content = []byte(gofakeit.Word())
		} else {
			rec.Kind = KindImage
			rec.Name = fmt.Sprintf("DJI_%04d.JPG", i+1)
			rec.ContentType = "image/jpeg"
			content = gofakeit.ImageJpeg(64, 48)
		}

		stored, err := previews.Put(id, rec.ContentType, bytes.NewReader(content))
		if err != nil {
			return fmt.Errorf("storing demo preview %d: %w", i, err)
		}
		rec.Preview = stored.Handle
		rec.Size = stored.Size
		rec.Checksum = stored.Checksum
		rec.ThumbHash = stored.ThumbHash

		captured := gofakeit.DateRange(start, end).Format("2006:01:02 15:04:05")
		rec.CapturedAt = &captured

		if gofakeit.Number(1, 10) <= 7 {
			lat := demoCenterLat + gofakeit.Float64Range(-demoSpread, demoSpread)
			lng := demoCenterLng + gofakeit.Float64Range(-demoSpread, demoSpread)
			alt := gofakeit.Float64Range(20, 120)
			rec.Latitude, rec.Longitude, rec.Altitude = &lat, &lng, &alt
			rec.HasLocation = true
		}
		if gofakeit.Number(1, 4) == 4 {
			rec.Note = fmt.Sprintf("Check the %s near %s", gofakeit.Noun(), gofakeit.Street())
		}

		recs = append(recs, rec)
	}

	if err := store.Append(recs...); err != nil {
		for _, r := range recs {
			_ = previews.Release(r.ID)
		}
		return fmt.Errorf("adding demo records: %w", err)
	}
	logger.Info("seeded demo records", zap.Int("count", len(recs)))
	return nil
}
