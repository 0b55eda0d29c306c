package importer

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/catalog"
	"github.com/bilisong/bilisong/internal/errs"
	"github.com/bilisong/bilisong/internal/playlist"
)

type fakeSource struct {
	mu          sync.Mutex
	pages       [][]catalog.Item
	listErr     error
	failing     map[string]bool
	block       chan struct{}
	delay       time.Duration
	inFlight    int
	maxInFlight int
	lastDone    time.Time
}

func (s *fakeSource) ListCollectionPage(ctx context.Context, fid string, page int) ([]catalog.Item, bool, error) {
	if s.listErr != nil {
		return nil, false, s.listErr
	}
	if page < 1 || page > len(s.pages) {
		return nil, false, nil
	}
	return s.pages[page-1], page < len(s.pages), nil
}

func (s *fakeSource) ResolveItem(ctx context.Context, bvid string) (playlist.Track, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	block := s.block
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return playlist.Track{}, ctx.Err()
		}
	} else {
		delay := s.delay
		if delay == 0 {
			// Lets the pool fill so the concurrency bound is observable.
			delay = 5 * time.Millisecond
		}
		time.Sleep(delay)
	}

	s.mu.Lock()
	s.lastDone = time.Now()
	s.mu.Unlock()

	if s.failing[bvid] {
		return playlist.Track{}, errs.Newf(errs.NotFound, "no item for %s", bvid)
	}
	return playlist.Track{Bvid: bvid, Cid: "c-" + bvid, Title: "t-" + bvid, Owner: "o-" + bvid}, nil
}

type recorder struct {
	mu           sync.Mutex
	all          []Progress
	firstRunning time.Time
	terminal     chan Progress
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan Progress, 4)}
}

func (r *recorder) observe(p Progress) {
	r.mu.Lock()
	r.all = append(r.all, p)
	if p.Resolved > 0 && r.firstRunning.IsZero() {
		r.firstRunning = time.Now()
	}
	r.mu.Unlock()
	if p.Done() {
		r.terminal <- p
	}
}

func (r *recorder) wait(t *testing.T) Progress {
	t.Helper()
	select {
	case p := <-r.terminal:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("import job did not finish")
		return Progress{}
	}
}

type mergeSink struct {
	mu     sync.Mutex
	calls  int
	jobID  string
	tracks []playlist.Track
}

func (m *mergeSink) merge(jobID string, tracks []playlist.Track) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.jobID = jobID
	m.tracks = tracks
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func items(bvids ...string) []catalog.Item {
	out := make([]catalog.Item, len(bvids))
	for i, b := range bvids {
		out[i] = catalog.Item{Bvid: b, Title: "t-" + b}
	}
	return out
}

func TestImportMergesResolvedTracks(t *testing.T) {
	src := &fakeSource{pages: [][]catalog.Item{items("BV1", "BV2"), items("BV3")}}
	rec := newRecorder()
	sink := &mergeSink{}

	im := New(src, Options{}, rec.observe, quietLog())
	jobID := im.Start(context.Background(), "fav9", nil, sink.merge)

	final := rec.wait(t)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.JobID != jobID || final.Fid != "fav9" {
		t.Fatalf("progress identity = %s/%s", final.JobID, final.Fid)
	}
	if final.Total != 3 || final.Resolved != 3 || final.Skipped != 0 || final.Duplicates != 0 {
		t.Fatalf("counts = %+v", final)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 1 {
		t.Fatalf("merge calls = %d, want 1", sink.calls)
	}
	if len(sink.tracks) != 3 {
		t.Fatalf("merged %d tracks, want 3", len(sink.tracks))
	}
	for i, want := range []string{"BV1", "BV2", "BV3"} {
		if sink.tracks[i].Bvid != want {
			t.Fatalf("track %d = %s, want %s (collection order)", i, sink.tracks[i].Bvid, want)
		}
		if sink.tracks[i].Cid == "" {
			t.Fatalf("track %s was not resolved", want)
		}
		if sink.tracks[i].Fid != "fav9" {
			t.Fatalf("track %s fid = %q, want fav9", want, sink.tracks[i].Fid)
		}
	}
}

func TestImportReportsRunningCountsInFlight(t *testing.T) {
	src := &fakeSource{
		pages: [][]catalog.Item{items("BV1", "BV2", "BV3")},
		delay: 150 * time.Millisecond,
	}
	rec := newRecorder()
	sink := &mergeSink{}

	// One worker serializes the resolutions, so the first running count must
	// surface while the later items are still being resolved.
	im := New(src, Options{Workers: 1}, rec.observe, quietLog())
	im.Start(context.Background(), "fav9", nil, sink.merge)

	rec.wait(t)

	rec.mu.Lock()
	firstRunning := rec.firstRunning
	rec.mu.Unlock()
	src.mu.Lock()
	lastDone := src.lastDone
	src.mu.Unlock()

	if firstRunning.IsZero() {
		t.Fatal("no progress with a running resolved count was reported")
	}
	if !firstRunning.Before(lastDone) {
		t.Fatalf("first running count arrived %v after the last resolution", firstRunning.Sub(lastDone))
	}
}

func TestImportStartsPending(t *testing.T) {
	src := &fakeSource{pages: [][]catalog.Item{items("BV1")}}
	rec := newRecorder()
	sink := &mergeSink{}

	im := New(src, Options{}, rec.observe, quietLog())
	im.Start(context.Background(), "fav9", nil, sink.merge)
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.all) < 2 {
		t.Fatalf("got %d progress reports", len(rec.all))
	}
	if rec.all[0].Status != StatusPending {
		t.Fatalf("first status = %s, want pending", rec.all[0].Status)
	}
	if rec.all[1].Status != StatusFetching {
		t.Fatalf("second status = %s, want fetching", rec.all[1].Status)
	}
}

func TestProgressDone(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:   false,
		StatusFetching:  false,
		StatusResolving: false,
		StatusMerging:   false,
		StatusCompleted: true,
		StatusFailed:    true,
	}
	for status, want := range terminal {
		if got := (Progress{Status: status}).Done(); got != want {
			t.Errorf("Done() with %s = %v, want %v", status, got, want)
		}
	}
}

func TestImportSkipsUnresolvableItems(t *testing.T) {
	src := &fakeSource{
		pages:   [][]catalog.Item{items("BV1", "BV2", "BV3")},
		failing: map[string]bool{"BV2": true},
	}
	rec := newRecorder()
	sink := &mergeSink{}

	im := New(src, Options{}, rec.observe, quietLog())
	im.Start(context.Background(), "fav9", nil, sink.merge)

	final := rec.wait(t)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Resolved != 2 || final.Skipped != 1 || final.Duplicates != 0 {
		t.Fatalf("counts = %+v", final)
	}
	if len(final.Errors) != 1 {
		t.Fatalf("errors = %v, want one entry", final.Errors)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.tracks) != 2 || sink.tracks[0].Bvid != "BV1" || sink.tracks[1].Bvid != "BV3" {
		t.Fatalf("merged tracks = %v", sink.tracks)
	}
}

func TestImportDropsDuplicates(t *testing.T) {
	src := &fakeSource{pages: [][]catalog.Item{items("BV1", "BV2", "BV2", "BV3")}}
	rec := newRecorder()
	sink := &mergeSink{}

	im := New(src, Options{}, rec.observe, quietLog())
	im.Start(context.Background(), "fav9", []string{"BV1"}, sink.merge)

	final := rec.wait(t)
	if final.Duplicates != 2 {
		t.Fatalf("duplicates = %d, want 2", final.Duplicates)
	}
	if final.Resolved != 2 {
		t.Fatalf("resolved = %d, want 2", final.Resolved)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.tracks) != 2 || sink.tracks[0].Bvid != "BV2" || sink.tracks[1].Bvid != "BV3" {
		t.Fatalf("merged tracks = %v", sink.tracks)
	}
}

func TestImportListingFailure(t *testing.T) {
	src := &fakeSource{listErr: errs.New(errs.NetworkError, "listing unreachable")}
	rec := newRecorder()
	sink := &mergeSink{}

	im := New(src, Options{}, rec.observe, quietLog())
	im.Start(context.Background(), "fav9", nil, sink.merge)

	final := rec.wait(t)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 0 {
		t.Fatal("merge must not run for a failed listing")
	}
}

func TestImportBoundsConcurrency(t *testing.T) {
	src := &fakeSource{pages: [][]catalog.Item{items("BV1", "BV2", "BV3", "BV4", "BV5", "BV6")}}
	rec := newRecorder()
	sink := &mergeSink{}

	im := New(src, Options{Workers: 2}, rec.observe, quietLog())
	im.Start(context.Background(), "fav9", nil, sink.merge)

	rec.wait(t)
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.maxInFlight > 2 {
		t.Fatalf("max in-flight resolutions = %d, want at most 2", src.maxInFlight)
	}
}

func TestImportSupersededJobIsCanceled(t *testing.T) {
	blocked := &fakeSource{
		pages: [][]catalog.Item{items("BV1")},
		block: make(chan struct{}),
	}
	rec := newRecorder()
	sink := &mergeSink{}

	im := New(blocked, Options{}, rec.observe, quietLog())
	im.Start(context.Background(), "fav1", nil, sink.merge)

	// Give the first job time to park in resolution, then supersede it.
	time.Sleep(20 * time.Millisecond)
	blocked.mu.Lock()
	blocked.block = nil
	blocked.pages = [][]catalog.Item{items("BV9")}
	blocked.mu.Unlock()
	second := im.Start(context.Background(), "fav2", nil, sink.merge)

	first := rec.wait(t)
	other := rec.wait(t)
	if first.Status != StatusFailed && other.Status != StatusFailed {
		t.Fatalf("expected the superseded job to fail, got %s and %s", first.Status, other.Status)
	}

	var completed Progress
	if first.Status == StatusCompleted {
		completed = first
	} else {
		completed = other
	}
	if completed.JobID != second || completed.Fid != "fav2" {
		t.Fatalf("completed job = %s/%s, want the superseding one", completed.JobID, completed.Fid)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 1 || sink.jobID != second {
		t.Fatalf("merge ran for job %s (%d calls), want only %s", sink.jobID, sink.calls, second)
	}
}
