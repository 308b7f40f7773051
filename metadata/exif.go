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
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/cozy/goexif2/exif"
	"github.com/cozy/goexif2/mknote"
	"github.com/cozy/goexif2/tiff"
	"go.uber.org/zap"
)

func init() {
	exif.RegisterParsers(mknote.All...)
}

type exifWalkerFunc func(exif.FieldName, *tiff.Tag) error

func (w exifWalkerFunc) Walk(name exif.FieldName, tag *tiff.Tag) error {
	return w(name, tag)
}

// maxImageBuffer is how much of a non-seekable image we hold in memory
// to look for EXIF and XMP.
const maxImageBuffer = 1024 * 1024 * 50

func extractImage(logger *zap.Logger, f File) Result {
	rs, release, err := openSeeker(f, maxImageBuffer)
	if err != nil {
		logger.Warn("unable to open image", zap.Error(err))
		return Result{}
	}
	defer release()

	res, err := extractEXIF(logger, rs)
	if err != nil {
		logger.Debug("no usable EXIF metadata", zap.Error(err))
	}
	if res.Metadata == nil {
		res.Metadata = make(Metadata)
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		logger.Warn("could not rewind file after EXIF", zap.Error(err))
		return res
	}
	droneMeta, err := extractDroneXMP(logger, rs)
	if err != nil {
		logger.Warn("processing XMP metadata", zap.Error(err))
	}
	for k, v := range droneMeta.fields {
		res.Metadata[k] = v
	}
	if res.Altitude == nil {
		res.Altitude = droneMeta.absoluteAltitude
	}

	return res
}

// extractEXIF decodes the EXIF block of an image. A location is only
// resolved when all four GPS tags (latitude, latitude reference, longitude,
// longitude reference) are present; otherwise no timestamp is returned.
func extractEXIF(logger *zap.Logger, r io.Reader) (Result, error) {
	ex, err := exif.Decode(r)
	if err != nil && (ex == nil || exif.IsCriticalError(err)) {
		return Result{}, fmt.Errorf("decoding exif from file: %w", err)
	}

	var res Result

	// the capture time only counts alongside a location
	lat, lng, err := gpsCoordinates(ex)
	if err != nil {
		logger.Debug("no GPS coordinates in EXIF", zap.Error(err))
	} else {
		res.Latitude, res.Longitude = &lat, &lng
		if tag, err := ex.Get(exif.DateTimeOriginal); err == nil {
			if ts, err := tag.StringVal(); err == nil {
				res.Timestamp = strings.TrimSpace(strings.TrimRight(ts, "\x00"))
			}
		}
	}

	res.Metadata, res.Altitude = walkEXIF(logger, ex)

	return res, nil
}

func gpsCoordinates(ex *exif.Exif) (lat, lng float64, err error) {
	latTag, err := ex.Get(exif.GPSLatitude)
	if err != nil {
		return 0, 0, err
	}
	latRefTag, err := ex.Get(exif.GPSLatitudeRef)
	if err != nil {
		return 0, 0, err
	}
	lngTag, err := ex.Get(exif.GPSLongitude)
	if err != nil {
		return 0, 0, err
	}
	lngRefTag, err := ex.Get(exif.GPSLongitudeRef)
	if err != nil {
		return 0, 0, err
	}

	latRef, err := latRefTag.StringVal()
	if err != nil {
		return 0, 0, fmt.Errorf("latitude reference: %w", err)
	}
	lngRef, err := lngRefTag.StringVal()
	if err != nil {
		return 0, 0, fmt.Errorf("longitude reference: %w", err)
	}

	lat, err = dmsTagToDecimal(latTag, latRef)
	if err != nil {
		return 0, 0, fmt.Errorf("latitude: %w", err)
	}
	lng, err = dmsTagToDecimal(lngTag, lngRef)
	if err != nil {
		return 0, 0, fmt.Errorf("longitude: %w", err)
	}
	return lat, lng, nil
}

// dmsTagToDecimal converts a degrees/minutes/seconds triple of rationals
// to decimal degrees, negated in the southern and western hemispheres.
func dmsTagToDecimal(tag *tiff.Tag, ref string) (float64, error) {
	if tag.Count < 3 {
		return 0, fmt.Errorf("expected 3 rationals, got %d", tag.Count)
	}
	var parts [3]float64
	for i := range parts {
		num, den, err := tag.Rat2(i)
		if err != nil {
			return 0, err
		}
		if den == 0 {
			return 0, errors.New("zero denominator")
		}
		parts[i] = float64(num) / float64(den)
	}
	return DMSToDecimal(parts[0], parts[1], parts[2], ref), nil
}

// DMSToDecimal converts degrees, minutes and seconds to decimal degrees.
// The result is negative if ref is "S" or "W".
func DMSToDecimal(deg, minutes, sec float64, ref string) float64 {
	dd := deg + minutes/60 + sec/3600
	switch strings.ToUpper(strings.TrimSpace(strings.TrimRight(ref, "\x00"))) {
	case "S", "W":
		dd = -dd
	}
	return dd
}

// walkEXIF collects every readable EXIF field into a metadata map keyed by
// the field name split into words. It also returns the GPS altitude, if any.
func walkEXIF(logger *zap.Logger, ex *exif.Exif) (Metadata, *float64) {
	meta := make(Metadata)
	var altitude *float64
	belowSeaLevel := false

	err := ex.Walk(exifWalkerFunc(func(name exif.FieldName, tag *tiff.Tag) error {
		key := splitCamelCaseIntoWords(string(name))
		multiKey := func(i int) string {
			if tag.Count > 1 {
				return fmt.Sprintf("%s %d", key, i+1)
			}
			return key
		}

		switch tag.Format() {
		case tiff.IntVal:
			for i := range int(tag.Count) {
				v, err := tag.Int(i)
				if err != nil {
					logger.Debug("unable to get int from TIFF tag",
						zap.Error(err),
						zap.String("field_name", string(name)),
						zap.Int("index", i))
					continue
				}
				meta[multiKey(i)] = v
				if name == exif.GPSAltitudeRef && v == 1 {
					belowSeaLevel = true
				}
			}

		case tiff.FloatVal:
			for i := range int(tag.Count) {
				v, err := tag.Float(i)
				if err != nil {
					logger.Debug("unable to get float from TIFF tag",
						zap.Error(err),
						zap.String("field_name", string(name)),
						zap.Int("index", i))
					continue
				}
				meta[multiKey(i)] = v
			}

		case tiff.RatVal:
			for i := range int(tag.Count) {
				num, den, err := tag.Rat2(i)
				if err != nil || den == 0 {
					logger.Debug("unable to get rational from TIFF tag",
						zap.Error(err),
						zap.String("field_name", string(name)),
						zap.Int("index", i))
					continue
				}
				v := float64(num) / float64(den)
				meta[multiKey(i)] = v
				if name == exif.GPSAltitude && altitude == nil && !math.IsInf(v, 0) {
					altitude = &v
				}
			}

		case tiff.StringVal:
			s, err := tag.StringVal()
			if err != nil {
				logger.Debug("unable to get string from TIFF tag",
					zap.Error(err),
					zap.String("field_name", string(name)))
				return nil
			}
			meta[key] = strings.TrimRight(s, "\x00")

		default:
			logger.Debug("skipping EXIF field of other or undefined type",
				zap.String("name", string(name)),
				zap.Int("length", len(tag.Val)))
		}
		return nil
	}))
	if err != nil {
		logger.Debug("walking EXIF fields", zap.Error(err))
	}

	if altitude != nil && belowSeaLevel {
		neg := -*altitude
		altitude = &neg
	}

	return meta, altitude
}

// splitCamelCaseIntoWords splits camel-cased strings into words by inserting
// spaces at the most sensible places. This algorithm isn't perfect as it doesn't
// use a dictionary, but it's pretty good for EXIF and drone XMP tag names.
func splitCamelCaseIntoWords(s string) string {
	var sb strings.Builder
	for i, ch := range s {
		u := upper(ch)
		l := lower(ch)

		// previous is upper, next is upper, next is lower
		// (defaults depend on if we're at beginning or end of string)
		pu, nu, nl := i == 0, i >= len(s)-1, i >= len(s)-1
		if i > 0 {
			pu = upper(rune(s[i-1]))
		}
		if i < len(s)-1 {
			nu = upper(rune(s[i+1]))
			nl = lower(rune(s[i+1]))
		}

		// a space goes before the current char if it starts a new upper-case
		// run, ends an acronym, or is a non-letter followed by a non-letter
		if i > 0 && ((u && !pu) || (u && !nu) || (!u && !l && !nu && !nl)) {
			sb.WriteRune(' ')
		}

		sb.WriteRune(ch)
	}
	return sb.String()
}

func upper(ch rune) bool { return ch >= 'A' && ch <= 'Z' }

func lower(ch rune) bool { return ch >= 'a' && ch <= 'z' }
