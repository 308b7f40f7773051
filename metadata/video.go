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
	"errors"
	"io"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// VideoScanLimit is how many leading bytes of a video are searched for
// embedded coordinates.
const VideoScanLimit = 512 * 1024

// VideoTimestampFormat is the layout of timestamps derived from a video's
// modification time.
const VideoTimestampFormat = "2006-01-02T15:04:05.000Z"

func extractVideo(logger *zap.Logger, f File) Result {
	if f.Open == nil {
		logger.Warn("video cannot be opened")
		return Result{}
	}
	rc, err := f.Open()
	if err != nil {
		logger.Warn("unable to open video", zap.Error(err))
		return Result{}
	}
	defer rc.Close()

	head := make([]byte, VideoScanLimit)
	n, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		logger.Warn("reading video header", zap.Error(err))
		return Result{}
	}
	head = head[:n]

	var res Result
	if lat, lng, ok := scanVideoCoordinates(head); ok {
		res.Latitude, res.Longitude = &lat, &lng
		res.Timestamp = f.ModTime.UTC().Format(VideoTimestampFormat)
	}

	if isMP4(head) {
		var rs io.ReadSeeker = bytes.NewReader(head)
		if seeker, ok := rc.(io.ReadSeeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err == nil {
				rs = seeker
			}
		}
		meta, err := readMP4Metadata(rs)
		if err != nil {
			// a truncated head routinely ends mid-box
			logger.Debug("reading MP4 metadata", zap.Error(err))
		}
		if len(meta) > 0 {
			res.Metadata = meta
		}
	}

	return res
}

// scanVideoCoordinates looks for coordinates written as text in a video's
// header. The DJI subtitle-style pair "[lat : x] ... [long : y]" is tried
// first, then an ISO 6709 style "+DD.DDDD-DDD.DDDD" pair. Both numbers of a
// pair must be present.
func scanVideoCoordinates(head []byte) (lat, lng float64, ok bool) {
	latMatch := djiLatRegex.FindSubmatch(head)
	lngMatch := djiLngRegex.FindSubmatch(head)
	if latMatch != nil && lngMatch != nil {
		lat, err1 := strconv.ParseFloat(string(latMatch[1]), 64)
		lng, err2 := strconv.ParseFloat(string(lngMatch[1]), 64)
		if err1 == nil && err2 == nil {
			return lat, lng, true
		}
	}

	if m := isoPairRegex.FindSubmatch(head); m != nil {
		lat, err1 := strconv.ParseFloat(string(m[1]), 64)
		lng, err2 := strconv.ParseFloat(string(m[2]), 64)
		if err1 == nil && err2 == nil {
			return lat, lng, true
		}
	}

	return 0, 0, false
}

var (
	djiLatRegex  = regexp.MustCompile(`\[lat\s*:\s*(-?\d+\.\d+)\]`)
	djiLngRegex  = regexp.MustCompile(`\[long\s*:\s*(-?\d+\.\d+)\]`)
	isoPairRegex = regexp.MustCompile(`([+-]\d+\.\d+)([+-]\d+\.\d+)`)
)
