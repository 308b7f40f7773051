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

// Package metadata extracts locations, capture times, and other technical
// metadata from drone photos and videos. Extraction is best-effort: the
// absence of a location is a normal outcome, not an error, so the exported
// API never returns errors.
package metadata

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// File is a media file to extract metadata from. Open may be called
// more than once; each call must return a reader positioned at the
// start of the file.
type File struct {
	Name        string
	ContentType string
	ModTime     time.Time
	Open        func() (io.ReadCloser, error)
}

// Metadata is arbitrary technical metadata keyed by a human-readable name.
type Metadata map[string]any

// Result is the outcome of extracting metadata from one file. Latitude and
// Longitude are either both set or both nil.
type Result struct {
	Latitude  *float64
	Longitude *float64
	Altitude  *float64 // meters

	// Timestamp is the capture time candidate, verbatim as found (EXIF) or
	// derived from the file modification time (videos). Empty if unknown.
	Timestamp string

	Metadata Metadata
}

// HasLocation returns true if both coordinates were resolved.
func (r Result) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// normalize upholds the both-or-neither rule for coordinates.
func (r Result) normalize() Result {
	if !r.HasLocation() {
		r.Latitude, r.Longitude = nil, nil
	}
	return r
}

// Extractor extracts metadata from media files. The zero value is usable
// and logs nowhere.
type Extractor struct {
	Logger *zap.Logger
}

// Extract returns the location and capture time found in f. It never fails:
// any problem reading or parsing the file is logged and results in an empty
// Result.
func (e Extractor) Extract(f File) (res Result) {
	logger := e.logger().With(
		zap.String("filename", f.Name),
		zap.String("content_type", f.ContentType))

	// the EXIF and MP4 parsers have been known to panic on malformed input
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered from panic while extracting metadata", zap.Any("panic", r))
			res = Result{}
		}
	}()

	switch {
	case strings.Contains(f.ContentType, "image"):
		res = extractImage(logger, f)
	case strings.Contains(f.ContentType, "video"):
		res = extractVideo(logger, f)
	default:
		logger.Debug("not an image or video; no metadata to extract")
	}

	return res.normalize()
}

func (e Extractor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// openSeeker opens f and makes it seekable. If the underlying reader cannot
// seek, up to maxBuffer bytes are read into memory; metadata is usually near
// the beginning of the file anyway.
func openSeeker(f File, maxBuffer int64) (io.ReadSeeker, func(), error) {
	if f.Open == nil {
		return nil, nil, fmt.Errorf("file %s cannot be opened", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	if rs, ok := rc.(io.ReadSeeker); ok {
		return rs, func() { rc.Close() }, nil
	}

	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	release := func() {
		rc.Close()
		bufPool.Put(buf)
	}
	if _, err := io.Copy(buf, io.LimitReader(rc, maxBuffer)); err != nil {
		release()
		return nil, nil, fmt.Errorf("buffering %s: %w", f.Name, err)
	}
	return bytes.NewReader(buf.Bytes()), release, nil
}

var bufPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}
