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

// Package mira is the core of the drone media dashboard: the in-memory
// media store, the batched upload pipeline, the geo-assignment workflow,
// operators, and reports.
package mira

import (
	"errors"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Kind is the kind of media a record holds.
type Kind string

// Kinds of media.
const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// KindOf returns the kind of media for a content type, or "" if the content
// type is neither an image nor a video.
func KindOf(contentType string) Kind {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return KindImage
	case strings.HasPrefix(contentType, "video/"):
		return KindVideo
	}
	return ""
}

// DefaultGroup is the group of files uploaded without a folder.
const DefaultGroup = "unassigned"

// CapturedAtFormat is the layout of capture times derived from a file's
// modification time.
const CapturedAtFormat = "2006-01-02 15:04:05"

// MediaRecord is one uploaded photo or video.
type MediaRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Preview     string `json:"preview"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	ThumbHash   []byte `json:"thumbhash,omitempty"`

	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Altitude    *float64 `json:"altitude,omitempty"`
	HasLocation bool     `json:"has_location"`

	CapturedAt *string `json:"captured_at"`
	Note       string  `json:"note"`
	Group      string  `json:"group"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// clone returns a copy of r that shares no mutable memory with it.
func (r MediaRecord) clone() MediaRecord {
	if r.Latitude != nil {
		lat := *r.Latitude
		r.Latitude = &lat
	}
	if r.Longitude != nil {
		lng := *r.Longitude
		r.Longitude = &lng
	}
	if r.Altitude != nil {
		alt := *r.Altitude
		r.Altitude = &alt
	}
	if r.CapturedAt != nil {
		c := *r.CapturedAt
		r.CapturedAt = &c
	}
	if r.ThumbHash != nil {
		r.ThumbHash = append([]byte(nil), r.ThumbHash...)
	}
	if r.Metadata != nil {
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		r.Metadata = meta
	}
	return r
}

func newRecordID() string {
	return strings.ToLower(ulid.Make().String())
}

// ValidCoordinates returns true if lat and lng are finite and within
// -90..90 and -180..180 respectively.
func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Errors returned by the store and workflows.
var (
	ErrNotFound           = errors.New("media record not found")
	ErrDuplicateID        = errors.New("duplicate media record ID")
	ErrInvalidCoordinates = errors.New("invalid coordinates: latitude must be between -90 and 90 and longitude between -180 and 180")
)
