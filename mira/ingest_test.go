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
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mira-gis/mira/internal/testhelpers"
	"github.com/mira-gis/mira/metadata"
)

// memPreviews is a PreviewStore that keeps blobs in memory.
type memPreviews struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	released []string
}

func newMemPreviews() *memPreviews {
	return &memPreviews{blobs: make(map[string][]byte)}
}

func (m *memPreviews) Put(id, _ string, r io.Reader) (StoredPreview, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return StoredPreview{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = b
	return StoredPreview{Handle: Handle(id), Size: int64(len(b))}, nil
}

func (m *memPreviews) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	m.released = append(m.released, id)
	return nil
}

func (m *memPreviews) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// fakeExtractor returns canned results by file name, optionally after a
// per-file delay.
type fakeExtractor struct {
	results map[string]metadata.Result
	delays  map[string]time.Duration
}

func (f fakeExtractor) Extract(file metadata.File) metadata.Result {
	time.Sleep(f.delays[file.Name])
	return f.results[file.Name]
}

func uploadFile(name, contentType string, content []byte) UploadFile {
	return UploadFile{
		Name:         name,
		RelativePath: name,
		ContentType:  contentType,
		ModTime:      time.Date(2024, 3, 2, 14, 4, 5, 0, time.UTC),
		Size:         int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(content)), nil
		},
	}
}

func imageFiles(names ...string) []UploadFile {
	files := make([]UploadFile, 0, len(names))
	for _, n := range names {
		files = append(files, uploadFile(n, "image/jpeg", []byte("content of "+n)))
	}
	return files
}

func recordNames(recs []MediaRecord) []string {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Name)
	}
	return names
}

// waitFor polls cond until it is true or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIngestBatchesInOrder(t *testing.T) {
	store := NewStore(nil)
	var batches [][]string
	p := NewPipeline(nil, store, fakeExtractor{
		// the first file of each batch finishes last
		delays: map[string]time.Duration{"a.jpg": 30 * time.Millisecond, "d.jpg": 20 * time.Millisecond},
	}, newMemPreviews(), PipelineOptions{
		OnBatch: func(b BatchReport) {
			var names []string
			for _, id := range b.Added {
				r, _ := store.Get(id)
				names = append(names, r.Name)
			}
			batches = append(batches, names)
		},
	})

	if err := p.Ingest(context.Background(), imageFiles("a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	wantBatches := [][]string{{"a.jpg", "b.jpg", "c.jpg"}, {"d.jpg", "e.jpg"}}
	if !reflect.DeepEqual(batches, wantBatches) {
		t.Errorf("Expected batches %v, got %v", wantBatches, batches)
	}
	if got, want := recordNames(store.Records()), []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected store order %v, got %v", want, got)
	}

	prog := p.Progress()
	if prog.Active || prog.Current != 5 || prog.Total != 5 || prog.Added != 5 {
		t.Errorf("Expected finished progress 5/5 with 5 added, got %+v", prog)
	}
}

func TestIngestIgnoresNonMedia(t *testing.T) {
	store := NewStore(nil)
	p := NewPipeline(nil, store, fakeExtractor{}, newMemPreviews(), PipelineOptions{})

	files := []UploadFile{
		uploadFile("notes.txt", "text/plain", []byte("hi")),
		uploadFile("a.jpg", "image/jpeg", []byte("jpeg")),
	}
	if err := p.Ingest(context.Background(), files); err != nil {
		t.Fatal(err)
	}
	if got := recordNames(store.Records()); !reflect.DeepEqual(got, []string{"a.jpg"}) {
		t.Errorf("Expected only a.jpg to be ingested, got %v", got)
	}

	if err := p.Ingest(context.Background(), files[:1]); err != nil {
		t.Errorf("Expected no error for an upload without media, got %v", err)
	}
	if p.Progress().Total != 1 {
		t.Errorf("Expected an upload without media to leave progress alone, got %+v", p.Progress())
	}
}

func TestIngestBuildsRecords(t *testing.T) {
	store := NewStore(nil)
	previews := newMemPreviews()
	p := NewPipeline(nil, store, fakeExtractor{
		results: map[string]metadata.Result{
			"located.jpg": {
				Latitude:  ptr(-3.71),
				Longitude: ptr(-38.52),
				Altitude:  ptr(80.0),
				Timestamp: "2024:03:02 11:00:00",
				Metadata:  metadata.Metadata{"Make": "DJI"},
			},
		},
	}, previews, PipelineOptions{})

	files := imageFiles("located.jpg")
	files = append(files, uploadFile("clip.mp4", "video/mp4", []byte("video")))
	files[0].RelativePath = "mission-1/located.jpg"
	if err := p.Ingest(context.Background(), files); err != nil {
		t.Fatal(err)
	}

	recs := store.Records()
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}

	located := recs[0]
	if !validPreviewID.MatchString(located.ID) {
		t.Errorf("Expected a ULID record ID, got %q", located.ID)
	}
	if located.Kind != KindImage || located.Preview != Handle(located.ID) {
		t.Errorf("Expected image with preview %q, got kind %q preview %q", Handle(located.ID), located.Kind, located.Preview)
	}
	if !located.HasLocation || *located.Latitude != -3.71 || *located.Longitude != -38.52 {
		t.Errorf("Expected location -3.71,-38.52, got %+v", located)
	}
	if located.CapturedAt == nil || *located.CapturedAt != "2024:03:02 11:00:00" {
		t.Errorf("Expected EXIF capture time, got %v", located.CapturedAt)
	}
	if located.Group != "mission-1" {
		t.Errorf("Expected group mission-1, got %q", located.Group)
	}
	if located.Metadata["Make"] != "DJI" {
		t.Errorf("Expected metadata to be kept, got %v", located.Metadata)
	}
	if located.Size != int64(len("content of located.jpg")) {
		t.Errorf("Expected size %d, got %d", len("content of located.jpg"), located.Size)
	}

	clip := recs[1]
	if clip.Kind != KindVideo || clip.HasLocation || clip.Latitude != nil {
		t.Errorf("Expected video without location, got %+v", clip)
	}
	if clip.CapturedAt == nil || *clip.CapturedAt != "2024-03-02 14:04:05" {
		t.Errorf("Expected capture time from modification time, got %v", clip.CapturedAt)
	}
	if clip.Group != DefaultGroup {
		t.Errorf("Expected group %q, got %q", DefaultGroup, clip.Group)
	}
	if previews.count() != 2 {
		t.Errorf("Expected 2 stored previews, got %d", previews.count())
	}
}

func TestIngestDropsUnreadableFiles(t *testing.T) {
	store := NewStore(nil)
	var dropped []string
	p := NewPipeline(nil, store, fakeExtractor{}, newMemPreviews(), PipelineOptions{
		OnBatch: func(b BatchReport) { dropped = append(dropped, b.Dropped...) },
	})

	files := imageFiles("a.jpg", "broken.jpg", "c.jpg")
	files[1].Open = func() (io.ReadCloser, error) { return nil, errors.New("disk on fire") }
	if err := p.Ingest(context.Background(), files); err != nil {
		t.Fatal(err)
	}

	if got := recordNames(store.Records()); !reflect.DeepEqual(got, []string{"a.jpg", "c.jpg"}) {
		t.Errorf("Expected a.jpg and c.jpg, got %v", got)
	}
	if !reflect.DeepEqual(dropped, []string{"broken.jpg"}) {
		t.Errorf("Expected broken.jpg to be dropped, got %v", dropped)
	}
	if prog := p.Progress(); prog.Current != 3 || prog.Added != 2 {
		t.Errorf("Expected 3 processed and 2 added, got %+v", prog)
	}
}

func TestIngestCancelDiscard(t *testing.T) {
	store := NewStore(nil)
	previews := newMemPreviews()
	store.release = func(r MediaRecord) { _ = previews.Release(r.ID) }
	if err := store.Append(testRecord("existing", "existing.jpg")); err != nil {
		t.Fatal(err)
	}

	var p *Pipeline
	p = NewPipeline(nil, store, fakeExtractor{}, previews, PipelineOptions{
		OnBatch: func(b BatchReport) {
			if b.Index == 0 {
				if err := p.RequestCancel(); err != nil {
					t.Errorf("Unexpected error requesting cancel: %v", err)
				}
			}
		},
	})

	if err := p.Ingest(context.Background(), imageFiles("a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg")); err != nil {
		t.Fatal(err)
	}

	if got := recordNames(store.Records()); !reflect.DeepEqual(got, []string{"existing.jpg", "a.jpg", "b.jpg", "c.jpg"}) {
		t.Errorf("Expected ingestion to stop after the first batch, got %v", got)
	}
	prog := p.Progress()
	if prog.Active || !prog.CancelRequested || prog.Current != 3 {
		t.Errorf("Expected stopped run with cancel requested at 3, got %+v", prog)
	}
	if err := p.Ingest(context.Background(), imageFiles("f.jpg")); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress before cancellation is resolved, got %v", err)
	}

	removed, err := p.ResolveCancel(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Errorf("Expected 3 records removed, got %d", removed)
	}
	if got := recordNames(store.Records()); !reflect.DeepEqual(got, []string{"existing.jpg"}) {
		t.Errorf("Expected only the pre-existing record to remain, got %v", got)
	}
	if previews.count() != 0 {
		t.Errorf("Expected discarded previews to be released, %d remain", previews.count())
	}

	if _, err := p.ResolveCancel(context.Background(), false); !errors.Is(err, ErrNoActiveRun) {
		t.Errorf("Expected ErrNoActiveRun after resolving, got %v", err)
	}
	if err := p.Ingest(context.Background(), imageFiles("f.jpg")); err != nil {
		t.Errorf("Expected a new upload to be allowed, got %v", err)
	}
}

func TestIngestCancelKeepPartial(t *testing.T) {
	store := NewStore(nil)
	var p *Pipeline
	p = NewPipeline(nil, store, fakeExtractor{}, newMemPreviews(), PipelineOptions{
		OnBatch: func(b BatchReport) {
			if b.Index == 0 {
				_ = p.RequestCancel()
			}
		},
	})

	if err := p.Ingest(context.Background(), imageFiles("a.jpg", "b.jpg", "c.jpg", "d.jpg")); err != nil {
		t.Fatal(err)
	}
	removed, err := p.ResolveCancel(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("Expected nothing removed, got %d", removed)
	}
	if got := recordNames(store.Records()); !reflect.DeepEqual(got, []string{"a.jpg", "b.jpg", "c.jpg"}) {
		t.Errorf("Expected the first batch to be kept, got %v", got)
	}
}

func TestIngestCancelAfterLastBatch(t *testing.T) {
	store := NewStore(nil)
	var p *Pipeline
	p = NewPipeline(nil, store, fakeExtractor{}, newMemPreviews(), PipelineOptions{
		OnBatch: func(BatchReport) { _ = p.RequestCancel() },
	})

	if err := p.Ingest(context.Background(), imageFiles("a.jpg", "b.jpg")); err != nil {
		t.Fatal(err)
	}
	if err := p.Ingest(context.Background(), imageFiles("c.jpg")); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress until the late cancellation is resolved, got %v", err)
	}
	removed, err := p.Cancel(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 || store.Len() != 0 {
		t.Errorf("Expected the whole run to be discarded, removed %d and %d remain", removed, store.Len())
	}
}

func TestCancelWithoutRun(t *testing.T) {
	p := NewPipeline(nil, NewStore(nil), fakeExtractor{}, newMemPreviews(), PipelineOptions{})
	if err := p.RequestCancel(); !errors.Is(err, ErrNoActiveRun) {
		t.Errorf("Expected ErrNoActiveRun, got %v", err)
	}
	if _, err := p.ResolveCancel(context.Background(), true); !errors.Is(err, ErrNoActiveRun) {
		t.Errorf("Expected ErrNoActiveRun, got %v", err)
	}
}

func TestIngestRejectsConcurrentRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	p := NewPipeline(nil, NewStore(nil), fakeExtractor{}, newMemPreviews(), PipelineOptions{
		OnBatch: func(b BatchReport) {
			if b.Index == 0 {
				close(entered)
				<-release
			}
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Ingest(context.Background(), imageFiles("a.jpg", "b.jpg", "c.jpg", "d.jpg")) }()
	<-entered

	if err := p.Ingest(context.Background(), imageFiles("x.jpg")); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress, got %v", err)
	}
	if _, err := p.ResolveCancel(context.Background(), true); !errors.Is(err, ErrNoCancelRequested) {
		t.Errorf("Expected ErrNoCancelRequested, got %v", err)
	}
	if prog := p.Progress(); !prog.Active || prog.Current != 3 || prog.Total != 4 {
		t.Errorf("Expected active run at 3/4, got %+v", prog)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestIngestBatchDelay(t *testing.T) {
	mock := clock.NewMock()
	store := NewStore(nil)
	p := NewPipeline(nil, store, fakeExtractor{}, newMemPreviews(), PipelineOptions{
		BatchDelay: 200 * time.Millisecond,
		Clock:      mock,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- p.Ingest(context.Background(), imageFiles("a.jpg", "b.jpg", "c.jpg", "d.jpg")) }()
	waitFor(t, "run to start", func() bool { return p.Progress().Active })
	time.Sleep(10 * time.Millisecond)

	mock.Add(199 * time.Millisecond)
	if store.Len() != 0 {
		t.Errorf("Expected nothing ingested before the delay elapsed, got %d", store.Len())
	}
	mock.Add(time.Millisecond)
	waitFor(t, "first batch", func() bool { return store.Len() == 3 })

	waitFor(t, "second batch", func() bool {
		mock.Add(50 * time.Millisecond)
		return store.Len() == 4
	})
	if err := <-errCh; err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestIngestContextCancelled(t *testing.T) {
	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPipeline(nil, store, fakeExtractor{}, newMemPreviews(), PipelineOptions{
		OnBatch: func(BatchReport) { cancel() },
	})

	err := p.Ingest(ctx, imageFiles("a.jpg", "b.jpg", "c.jpg", "d.jpg"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if store.Len() != 3 {
		t.Errorf("Expected the first batch to be kept, got %d records", store.Len())
	}
	if err := p.Ingest(context.Background(), imageFiles("e.jpg")); err != nil {
		t.Errorf("Expected pipeline to be idle after a cancelled context, got %v", err)
	}
}

func TestIngestDroneFlight(t *testing.T) {
	store := NewStore(nil)
	p := NewPipeline(nil, store, metadata.Extractor{}, newMemPreviews(), PipelineOptions{})

	var files []UploadFile
	for i, name := range []string{"DJI_0001.JPG", "DJI_0002.JPG", "DJI_0003.JPG", "DJI_0004.JPG"} {
		jpeg := testhelpers.JPEG(testhelpers.EXIF{
			Make:             "DJI",
			DateTimeOriginal: "2024:03:02 10:00:0" + string(rune('0'+i)),
			Latitude:         []float64{3, 42, 36},
			LatitudeRef:      "S",
			Longitude:        []float64{38, 31, 12},
			LongitudeRef:     "W",
		})
		f := uploadFile(name, "image/jpeg", jpeg)
		f.RelativePath = "survey/" + name
		files = append(files, f)
	}
	files = append(files, uploadFile("DJI_0005.MP4", "video/mp4", testhelpers.VideoWithText("no location here", 100)))

	if err := p.Ingest(context.Background(), files); err != nil {
		t.Fatal(err)
	}

	recs := store.Records()
	if len(recs) != 5 {
		t.Fatalf("Expected 5 records, got %d", len(recs))
	}
	for _, r := range recs[:4] {
		if !r.HasLocation {
			t.Errorf("Expected %s to have a location", r.Name)
			continue
		}
		if *r.Latitude > -3.70 || *r.Latitude < -3.72 || *r.Longitude > -38.51 || *r.Longitude < -38.53 {
			t.Errorf("Expected %s near -3.71,-38.52, got %v,%v", r.Name, *r.Latitude, *r.Longitude)
		}
		if r.Group != "survey" {
			t.Errorf("Expected group survey, got %q", r.Group)
		}
	}
	if recs[4].HasLocation {
		t.Errorf("Expected video without location, got %v,%v", recs[4].Latitude, recs[4].Longitude)
	}

	report := BuildReport(recs, time.Now())
	if report.WithLocation != 4 || report.WithoutLocation != 1 || report.Videos != 1 {
		t.Errorf("Expected 4 located, 1 missing, 1 video, got %+v", report)
	}
}

func TestGroupOf(t *testing.T) {
	for input, want := range map[string]string{
		"":                        DefaultGroup,
		"a.jpg":                   DefaultGroup,
		"mission/a.jpg":           "mission",
		"mission/day1/a.jpg":      "mission",
		`mission\a.jpg`:           "mission",
		"/mission/a.jpg":          "mission",
		"./mission/../other/a.jp": "other",
	} {
		if got := GroupOf(input); got != want {
			t.Errorf("GroupOf(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestIngestImageWithoutGPSUsesModTime(t *testing.T) {
	store := NewStore(nil)
	p := NewPipeline(nil, store, metadata.Extractor{}, newMemPreviews(), PipelineOptions{})

	jpeg := testhelpers.JPEG(testhelpers.EXIF{Make: "DJI", DateTimeOriginal: "2020:01:01 00:00:00"})
	f := uploadFile("DJI_0009.JPG", "image/jpeg", jpeg)
	if err := p.Ingest(context.Background(), []UploadFile{f}); err != nil {
		t.Fatal(err)
	}

	recs := store.Records()
	if len(recs) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(recs))
	}
	expect := f.ModTime.UTC().Format(CapturedAtFormat)
	if recs[0].CapturedAt == nil || *recs[0].CapturedAt != expect {
		t.Errorf("Expected capture time %q from the file, got %v", expect, recs[0].CapturedAt)
	}
	if recs[0].HasLocation {
		t.Error("Expected no location")
	}
}

func TestStartReservesPipeline(t *testing.T) {
	store := NewStore(nil)
	p := NewPipeline(nil, store, fakeExtractor{}, newMemPreviews(), PipelineOptions{})

	run, err := p.Start(imageFiles("a.jpg", "b.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Busy() {
		t.Error("Expected the pipeline to be busy as soon as a run is reserved")
	}
	if _, err := p.Start(imageFiles("c.jpg")); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress for a second run, got %v", err)
	}

	if err := run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Busy() {
		t.Error("Expected the pipeline to be free after the run")
	}
	if n := len(store.Records()); n != 2 {
		t.Errorf("Expected 2 records, got %d", n)
	}

	run, err = p.Start([]UploadFile{uploadFile("notes.txt", "text/plain", []byte("x"))})
	if err != nil || run != nil {
		t.Errorf("Expected no run for files without media, got %v", err)
	}
}
