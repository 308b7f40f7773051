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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mira-gis/mira/geocode"
	"github.com/mira-gis/mira/metadata"
	"go.uber.org/zap"
)

// Options configures a Dashboard.
type Options struct {
	// CacheDir is where preview blobs are kept while the process runs.
	CacheDir string

	Geocoder   geocode.Options
	BatchDelay time.Duration

	// the operator account that exists at startup
	AdminName     string
	AdminBadge    string
	AdminPassword string
	BcryptCost    int

	// DemoRecords is how many fake records to seed at startup.
	DemoRecords int

	Clock clock.Clock
}

// Dashboard owns all state of a running dashboard: the media store and
// selection, the upload pipeline, the geo-assignment workflow, and the
// operators. Nothing else mutates that state.
type Dashboard struct {
	Store    *Store
	Pipeline *Pipeline
	Assigner *Assigner
	Users    *Users
	Previews *DiskPreviews
	Geocoder *geocode.Client

	clock clock.Clock
	log   *zap.Logger
}

// NewDashboard returns a dashboard configured by opts.
func NewDashboard(opts Options) (*Dashboard, error) {
	if opts.CacheDir == "" {
		return nil, errors.New("cache directory is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	opts.Geocoder.Clock = opts.Clock

	logger := Log

	previews, err := NewDiskPreviews(logger.Named("previews"), opts.CacheDir)
	if err != nil {
		return nil, err
	}
	store := NewStore(func(r MediaRecord) {
		if err := previews.Release(r.ID); err != nil {
			logger.Warn("releasing preview", zap.String("id", r.ID), zap.Error(err))
		}
	})

	geocoder := geocode.NewClient(logger.Named("geocode"), opts.Geocoder)

	pipeline := NewPipeline(logger.Named("upload"), store,
		metadata.Extractor{Logger: logger.Named("metadata")},
		previews,
		PipelineOptions{BatchDelay: opts.BatchDelay, Clock: opts.Clock})

	assigner := NewAssigner(logger.Named("assign"), store, AssignerOptions{
		Geocoder: geocoder,
		Searcher: geocoder,
		Zones:    new(geocode.TimeZones),
		Clock:    opts.Clock,
	})

	users := NewUsers(opts.BcryptCost)
	if opts.AdminBadge != "" {
		name := opts.AdminName
		if name == "" {
			name = "Administrator"
		}
		if _, err := users.Add(name, opts.AdminBadge, opts.AdminPassword, RoleAdmin); err != nil {
			return nil, fmt.Errorf("adding admin operator: %w", err)
		}
	}

	d := &Dashboard{
		Store:    store,
		Pipeline: pipeline,
		Assigner: assigner,
		Users:    users,
		Previews: previews,
		Geocoder: geocoder,
		clock:    opts.Clock,
		log:      logger,
	}

	if opts.DemoRecords > 0 {
		if err := SeedDemoRecords(logger.Named("demo"), store, previews, opts.DemoRecords); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Report builds a report over every record.
func (d *Dashboard) Report() Report {
	return BuildReport(d.Store.Records(), d.clock.Now())
}

// RecordAddress returns the short address of a record's location, or an
// empty string if it has no location. Lookup failures are described, not
// returned.
func (d *Dashboard) RecordAddress(ctx context.Context, id string) (string, error) {
	rec, ok := d.Store.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !rec.HasLocation {
		return "", nil
	}
	addr, err := d.Geocoder.Reverse(ctx, *rec.Latitude, *rec.Longitude)
	if err != nil {
		d.log.Warn("looking up record address", zap.String("id", id), zap.Error(err))
	}
	return geocode.DescribeShort(addr, err), nil
}

// Close stops background work and deletes all previews.
func (d *Dashboard) Close() error {
	d.Assigner.Close()
	return d.Previews.Clear()
}
