package daemon

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/catalog"
	"github.com/bilisong/bilisong/internal/errs"
	"github.com/bilisong/bilisong/internal/importer"
	"github.com/bilisong/bilisong/internal/player"
	"github.com/bilisong/bilisong/internal/playlist"
)

type stubEngine struct {
	mu    sync.Mutex
	plays int
	stops int
}

func (e *stubEngine) Play(url string, headers map[string]string, ev player.Events) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plays++
	return nil
}

func (e *stubEngine) Pause() error  { return nil }
func (e *stubEngine) Resume() error { return nil }
func (e *stubEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}
func (e *stubEngine) Close() error { return nil }

type stubCatalog struct {
	mu    sync.Mutex
	pages [][]catalog.Item
}

func (c *stubCatalog) ResolveItem(ctx context.Context, bvid string) (playlist.Track, error) {
	return playlist.Track{Bvid: bvid, Cid: "c-" + bvid, Title: "t-" + bvid, Owner: "o-" + bvid}, nil
}

func (c *stubCatalog) StreamURL(ctx context.Context, bvid, cid string) (string, error) {
	return "https://cdn.example/" + bvid, nil
}

func (c *stubCatalog) StreamHeaders() map[string]string {
	return map[string]string{"Referer": "https://example.com"}
}

func (c *stubCatalog) ListCollectionPage(ctx context.Context, fid string, page int) ([]catalog.Item, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if page < 1 || page > len(c.pages) {
		return nil, false, nil
	}
	return c.pages[page-1], page < len(c.pages), nil
}

type stubNotes struct {
	mu        sync.Mutex
	changed   []string
	errored   []string
	exhausted int
	progress  []importer.Progress
}

func (n *stubNotes) TrackChanged(track playlist.Track, index int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, track.Bvid)
}

func (n *stubNotes) PlaybackError(bvid, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errored = append(n.errored, bvid)
}

func (n *stubNotes) QueueExhausted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exhausted++
}

func (n *stubNotes) ImportProgress(p importer.Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *stubNotes) lastStatus() importer.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.progress) == 0 {
		return ""
	}
	return n.progress[len(n.progress)-1].Status
}

type fixture struct {
	core  *Core
	store *playlist.Store
	cat   *stubCatalog
	eng   *stubEngine
	notes *stubNotes
}

func newFixture(t *testing.T, tracks []playlist.Track) *fixture {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store := playlist.NewStore(filepath.Join(t.TempDir(), "playlist.toml"))
	if len(tracks) > 0 {
		if err := store.Save(tracks); err != nil {
			t.Fatal(err)
		}
	}
	queue := playlist.NewQueue()
	queue.Append(tracks)

	f := &fixture{
		store: store,
		cat:   &stubCatalog{},
		eng:   &stubEngine{},
		notes: &stubNotes{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f.core = NewCore(ctx, store, queue, f.cat, f.eng, f.notes, importer.Options{}, log)
	go f.core.Run()
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedTracks() []playlist.Track {
	return []playlist.Track{
		{Bvid: "BV1", Cid: "11", Title: "first", Owner: "a"},
		{Bvid: "BV2", Cid: "22", Title: "second", Owner: "b"},
		{Bvid: "BV3", Cid: "33", Title: "third", Owner: "c"},
	}
}

func (f *fixture) status(t *testing.T) Status {
	t.Helper()
	st, err := f.core.GetStatus()
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestPlayPauseResume(t *testing.T) {
	f := newFixture(t, seedTracks())

	if err := f.core.Play(""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "playback to start", func() bool {
		return f.status(t).State == "playing"
	})
	if st := f.status(t); st.Bvid != "BV1" || st.Index != 0 {
		t.Fatalf("status = %+v, want BV1 at 0", st)
	}

	if err := f.core.Pause(); err != nil {
		t.Fatal(err)
	}
	if st := f.status(t); st.State != "paused" {
		t.Fatalf("state = %s, want paused", st.State)
	}

	if err := f.core.Resume(); err != nil {
		t.Fatal(err)
	}
	if st := f.status(t); st.State != "playing" {
		t.Fatalf("state = %s, want playing", st.State)
	}
}

func TestPlayByBvidAndNext(t *testing.T) {
	f := newFixture(t, seedTracks())

	if err := f.core.Play("BV2"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "BV2 to play", func() bool {
		st := f.status(t)
		return st.State == "playing" && st.Bvid == "BV2"
	})

	if err := f.core.Next(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "BV3 to play", func() bool {
		st := f.status(t)
		return st.State == "playing" && st.Bvid == "BV3"
	})
}

func TestSetMode(t *testing.T) {
	f := newFixture(t, seedTracks())

	if err := f.core.SetMode("shuffle"); err != nil {
		t.Fatal(err)
	}
	if st := f.status(t); st.Mode != "shuffle" {
		t.Fatalf("mode = %s, want shuffle", st.Mode)
	}

	if err := f.core.SetMode("bogus"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound for bogus mode, got %v", err)
	}
}

func TestAddTrackAppendsAndPersists(t *testing.T) {
	f := newFixture(t, seedTracks())

	track, err := f.core.AddTrack(context.Background(), "BV9")
	if err != nil {
		t.Fatal(err)
	}
	if track.Title != "t-BV9" || track.Cid != "c-BV9" {
		t.Fatalf("resolved track = %+v", track)
	}

	tracks, err := f.core.Tracks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 4 || tracks[3].Bvid != "BV9" {
		t.Fatalf("queue = %v", tracks)
	}

	saved, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 4 || saved[3].Bvid != "BV9" {
		t.Fatalf("persisted = %v", saved)
	}

	if _, err := f.core.AddTrack(context.Background(), "BV9"); !errs.Is(err, errs.InvalidState) {
		t.Fatalf("duplicate add: expected InvalidState, got %v", err)
	}
}

func TestDeleteRemovesAndPersists(t *testing.T) {
	f := newFixture(t, seedTracks())

	if err := f.core.Delete([]string{"BV2"}, false); err != nil {
		t.Fatal(err)
	}
	saved, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 2 || saved[0].Bvid != "BV1" || saved[1].Bvid != "BV3" {
		t.Fatalf("persisted = %v", saved)
	}

	if err := f.core.Delete([]string{"BVnope"}, false); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteCurrentStopsPlayback(t *testing.T) {
	f := newFixture(t, seedTracks())

	if err := f.core.Play("BV1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "playback to start", func() bool {
		return f.status(t).State == "playing"
	})

	if err := f.core.Delete([]string{"BV1"}, false); err != nil {
		t.Fatal(err)
	}
	if st := f.status(t); st.State != "idle" {
		t.Fatalf("state = %s, want idle after deleting the playing track", st.State)
	}
}

func TestDeleteAll(t *testing.T) {
	f := newFixture(t, seedTracks())

	if err := f.core.Delete(nil, true); err != nil {
		t.Fatal(err)
	}
	tracks, err := f.core.Tracks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 0 {
		t.Fatalf("queue = %v, want empty", tracks)
	}
	saved, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 0 {
		t.Fatalf("persisted = %v, want empty", saved)
	}
}

func TestAddCollectionMergesAndPersists(t *testing.T) {
	f := newFixture(t, seedTracks())
	f.cat.pages = [][]catalog.Item{
		{{Bvid: "BV1"}, {Bvid: "BV7"}},
		{{Bvid: "BV8"}},
	}

	jobID, err := f.core.AddCollection("fav42")
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	waitFor(t, "import to complete", func() bool {
		return f.notes.lastStatus() == importer.StatusCompleted
	})

	tracks, err := f.core.Tracks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 5 || tracks[3].Bvid != "BV7" || tracks[4].Bvid != "BV8" {
		t.Fatalf("queue after import = %v", tracks)
	}

	saved, err := f.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 5 {
		t.Fatalf("persisted %d tracks, want 5", len(saved))
	}
}

func TestFind(t *testing.T) {
	f := newFixture(t, seedTracks())

	matches, err := f.core.Find("SECOND")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Track.Bvid != "BV2" {
		t.Fatalf("matches = %v", matches)
	}
}

func TestReloadTracks(t *testing.T) {
	f := newFixture(t, seedTracks())

	if err := f.core.Play("BV2"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "playback to start", func() bool {
		return f.status(t).State == "playing"
	})

	// External edit that keeps the playing track
	edited := []playlist.Track{
		{Bvid: "BV2", Cid: "22", Title: "second", Owner: "b"},
		{Bvid: "BV5", Cid: "55", Title: "fifth", Owner: "e"},
	}
	if err := f.core.ReloadTracks(edited); err != nil {
		t.Fatal(err)
	}
	st := f.status(t)
	if st.State != "playing" || st.Bvid != "BV2" || st.Index != 0 {
		t.Fatalf("status after reload = %+v", st)
	}

	// External edit that drops it
	if err := f.core.ReloadTracks([]playlist.Track{{Bvid: "BV5", Cid: "55"}}); err != nil {
		t.Fatal(err)
	}
	if st := f.status(t); st.State != "idle" {
		t.Fatalf("state = %s, want idle after losing the playing track", st.State)
	}
}
