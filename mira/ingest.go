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
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/mira-gis/mira/metadata"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Errors returned by the upload pipeline.
var (
	ErrRunInProgress     = errors.New("an upload is already in progress")
	ErrNoActiveRun       = errors.New("no upload in progress")
	ErrNoCancelRequested = errors.New("cancellation of the upload was not requested")
)

// Extractor extracts location and capture time from a media file.
type Extractor interface {
	Extract(metadata.File) metadata.Result
}

// UploadFile is one file given to the pipeline.
type UploadFile struct {
	Name string

	// RelativePath is the path of the file relative to the uploaded folder
	// (or archive), using forward slashes. Its first element becomes the
	// record's group.
	RelativePath string

	ContentType string
	ModTime     time.Time
	Size        int64

	// Open returns the content of the file; it may be called more than once.
	Open func() (io.ReadCloser, error)
}

// Progress describes the current or last upload run.
type Progress struct {
	RunID           string `json:"run_id,omitempty"`
	Active          bool   `json:"active"`
	CancelRequested bool   `json:"cancel_requested"`
	Current         int    `json:"current"`
	Total           int    `json:"total"`
	Added           int    `json:"added"`
}

// BatchReport is passed to the OnBatch hook after each batch is appended.
type BatchReport struct {
	Index    int      // 0-based
	Added    []string // IDs of records appended, in order
	Dropped  []string // names of files that could not be ingested
	Progress Progress
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	// BatchSize is how many files are processed concurrently. Default 3.
	BatchSize int

	// BatchDelay is waited before each batch, giving observers a chance to
	// catch up. Zero means no delay.
	BatchDelay time.Duration

	Clock clock.Clock

	// OnBatch, if set, is called after each batch, outside of any lock.
	OnBatch func(BatchReport)
}

// DefaultBatchSize is how many files are processed at once.
const DefaultBatchSize = 3

// DefaultBatchDelay is the default pause before each batch.
const DefaultBatchDelay = 200 * time.Millisecond

// Pipeline ingests uploaded files into a Store in sequential batches. Only
// one run may be active at a time. A run can be cancelled between batches,
// and its records kept or rolled back.
type Pipeline struct {
	store     *Store
	extractor Extractor
	previews  PreviewStore
	opts      PipelineOptions
	log       *zap.Logger
	statusLog *zap.Logger

	mu sync.Mutex
	// running stays true from the start of a run until it ends without a
	// cancellation request, or until the requested cancellation is resolved
	running  bool
	cancel   bool
	done     chan struct{}
	runIDs   []string
	progress Progress
}

// NewPipeline returns a pipeline that adds records to store.
func NewPipeline(logger *zap.Logger, store *Store, extractor Extractor, previews PreviewStore, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Pipeline{
		store:     store,
		extractor: extractor,
		previews:  previews,
		opts:      opts,
		log:       logger,
		statusLog: logger.Named("status"),
	}
}

// Ingest runs the pipeline over files and blocks until the run ends. Files
// that are not images or videos are ignored; if none remain, Ingest does
// nothing. Files that fail to ingest are dropped and logged; they do not
// fail the run. If ctx is cancelled, the run stops between batches and
// keeps what it added.
func (p *Pipeline) Ingest(ctx context.Context, files []UploadFile) error {
	run, err := p.Start(files)
	if err != nil || run == nil {
		return err
	}
	return run(ctx)
}

// Start reserves the pipeline for a run over files and returns the function
// that performs it, which must be called exactly once. It returns
// ErrRunInProgress if the pipeline is busy, and a nil function if files
// holds no images or videos.
func (p *Pipeline) Start(files []UploadFile) (func(context.Context) error, error) {
	media := make([]UploadFile, 0, len(files))
	for _, f := range files {
		if KindOf(f.ContentType) != "" {
			media = append(media, f)
		}
	}
	if len(media) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, ErrRunInProgress
	}
	runID := uuid.New().String()
	done := make(chan struct{})
	p.running = true
	p.cancel = false
	p.done = done
	p.runIDs = nil
	p.progress = Progress{RunID: runID, Active: true, Total: len(media)}
	p.mu.Unlock()

	logger := p.log.With(zap.String("run_id", runID))
	ignored := len(files) - len(media)

	return func(ctx context.Context) error {
		return p.finish(ctx, logger, media, ignored, done)
	}, nil
}

func (p *Pipeline) finish(ctx context.Context, logger *zap.Logger, media []UploadFile, ignored int, done chan struct{}) error {
	logger.Info("upload started", zap.Int("files", len(media)), zap.Int("ignored", ignored))

	err := p.run(ctx, logger, media)

	p.mu.Lock()
	p.progress.Active = false
	if !p.cancel {
		p.running = false
		p.runIDs = nil
	}
	final := p.progress
	p.mu.Unlock()
	close(done)

	logger.Info("upload finished",
		zap.Int("processed", final.Current),
		zap.Int("total", final.Total),
		zap.Int("added", final.Added),
		zap.Bool("cancel_requested", final.CancelRequested),
		zap.Error(err))

	return err
}

func (p *Pipeline) run(ctx context.Context, logger *zap.Logger, files []UploadFile) error {
	size := p.opts.BatchSize
	for batchIdx, start := 0, 0; start < len(files); batchIdx, start = batchIdx+1, start+size {
		if p.opts.BatchDelay > 0 {
			timer := p.opts.Clock.Timer(p.opts.BatchDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.cancelRequested() {
			logger.Info("upload cancelled between batches", zap.Int("next_batch", batchIdx))
			return nil
		}

		batch := files[start:min(start+size, len(files))]
		recs, dropped := p.processBatch(logger, batch)

		added := make([]string, 0, len(recs))
		if len(recs) > 0 {
			if err := p.store.Append(recs...); err != nil {
				logger.Error("appending batch to store", zap.Int("batch", batchIdx), zap.Error(err))
				for _, r := range recs {
					p.releasePreview(logger, r.ID)
					dropped = append(dropped, r.Name)
				}
			} else {
				for _, r := range recs {
					added = append(added, r.ID)
				}
			}
		}

		p.mu.Lock()
		p.runIDs = append(p.runIDs, added...)
		p.progress.Current = min(p.progress.Total, start+len(batch))
		p.progress.Added += len(added)
		prog := p.progress
		p.mu.Unlock()

		p.statusLog.Info("batch complete",
			zap.String("run_id", prog.RunID),
			zap.Int("batch", batchIdx),
			zap.Int("current", prog.Current),
			zap.Int("total", prog.Total),
			zap.Int("added", len(added)),
			zap.Strings("dropped", dropped))

		if p.opts.OnBatch != nil {
			p.opts.OnBatch(BatchReport{Index: batchIdx, Added: added, Dropped: dropped, Progress: prog})
		}
	}
	return nil
}

// processBatch builds the records of a batch concurrently. The returned
// records are in the order of the batch; files that failed are left out
// and their names returned.
func (p *Pipeline) processBatch(logger *zap.Logger, batch []UploadFile) ([]MediaRecord, []string) {
	results := make([]*MediaRecord, len(batch))

	var g errgroup.Group
	for i, f := range batch {
		g.Go(func() error {
			rec, err := p.buildRecord(f)
			if err != nil {
				logger.Warn("dropping file from upload",
					zap.String("filename", f.Name),
					zap.Error(err))
				return nil
			}
			results[i] = &rec
			return nil
		})
	}
	_ = g.Wait()

	recs := make([]MediaRecord, 0, len(batch))
	var dropped []string
	for i, r := range results {
		if r == nil {
			dropped = append(dropped, batch[i].Name)
			continue
		}
		recs = append(recs, *r)
	}
	return recs, dropped
}

func (p *Pipeline) buildRecord(f UploadFile) (MediaRecord, error) {
	if f.Open == nil {
		return MediaRecord{}, fmt.Errorf("file %s has no content", f.Name)
	}

	res := p.extractor.Extract(metadata.File{
		Name:        f.Name,
		ContentType: f.ContentType,
		ModTime:     f.ModTime,
		Open:        f.Open,
	})

	id := newRecordID()
	rc, err := f.Open()
	if err != nil {
		return MediaRecord{}, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	stored, err := p.previews.Put(id, f.ContentType, rc)
	rc.Close()
	if err != nil {
		return MediaRecord{}, fmt.Errorf("storing preview of %s: %w", f.Name, err)
	}

	capturedAt := res.Timestamp
	if capturedAt == "" {
		mod := f.ModTime
		if mod.IsZero() {
			mod = p.opts.Clock.Now()
		}
		capturedAt = mod.UTC().Format(CapturedAtFormat)
	}

	return MediaRecord{
		ID:          id,
		Name:        f.Name,
		Kind:        KindOf(f.ContentType),
		Preview:     stored.Handle,
		ContentType: f.ContentType,
		Size:        stored.Size,
		Checksum:    stored.Checksum,
		ThumbHash:   stored.ThumbHash,
		Latitude:    res.Latitude,
		Longitude:   res.Longitude,
		Altitude:    res.Altitude,
		HasLocation: res.HasLocation(),
		CapturedAt:  &capturedAt,
		Group:       GroupOf(f.RelativePath),
		Metadata:    res.Metadata,
	}, nil
}

func (p *Pipeline) releasePreview(logger *zap.Logger, id string) {
	if err := p.previews.Release(id); err != nil {
		logger.Warn("releasing preview", zap.String("id", id), zap.Error(err))
	}
}

// GroupOf returns the group of a file from its path relative to the upload
// root: the first path element if there is more than one, otherwise
// DefaultGroup.
func GroupOf(relativePath string) string {
	p := strings.Trim(path.Clean("/"+strings.ReplaceAll(relativePath, "\\", "/")), "/")
	first, rest, found := strings.Cut(p, "/")
	if !found || first == "" || rest == "" {
		return DefaultGroup
	}
	return first
}

func (p *Pipeline) cancelRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel
}

// RequestCancel asks the active run to stop before its next batch. The
// batch in flight, if any, still completes.
func (p *Pipeline) RequestCancel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNoActiveRun
	}
	p.cancel = true
	p.progress.CancelRequested = true
	return nil
}

// ResolveCancel waits for the cancelled run to stop, then either keeps the
// records it added (keepPartial) or removes exactly those records. It
// returns how many records were removed. Afterwards the pipeline is idle.
func (p *Pipeline) ResolveCancel(ctx context.Context, keepPartial bool) (int, error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return 0, ErrNoActiveRun
	}
	if !p.cancel {
		p.mu.Unlock()
		return 0, ErrNoCancelRequested
	}
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	p.mu.Lock()
	ids := p.runIDs
	p.runIDs = nil
	p.running = false
	p.cancel = false
	runID := p.progress.RunID
	p.mu.Unlock()

	removed := 0
	if !keepPartial {
		removed = p.store.DeleteMany(ids)
	}
	p.log.Info("upload cancellation resolved",
		zap.String("run_id", runID),
		zap.Bool("keep_partial", keepPartial),
		zap.Int("run_records", len(ids)),
		zap.Int("removed", removed))
	return removed, nil
}

// Cancel requests cancellation of the active run and resolves it.
func (p *Pipeline) Cancel(ctx context.Context, keepPartial bool) (int, error) {
	if err := p.RequestCancel(); err != nil {
		return 0, err
	}
	return p.ResolveCancel(ctx, keepPartial)
}

// Busy reports whether a run is active or awaits resolution of its
// cancellation; a new run cannot start until it is not.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Progress returns the progress of the current or last run.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}
