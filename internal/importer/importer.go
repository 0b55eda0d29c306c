// Package importer pulls remote collections into the playlist. A job walks
// the collection pages sequentially, resolves the listed items through a
// bounded worker pool, drops duplicates against the current playlist, and
// hands the surviving tracks to the daemon for a single atomic merge.
package importer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/catalog"
	"github.com/bilisong/bilisong/internal/playlist"
)

// Status is the lifecycle stage of an import job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFetching  Status = "fetching"
	StatusResolving Status = "resolving"
	StatusMerging   Status = "merging"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Progress is a snapshot of a running job, delivered to the progress
// callback as the job moves through its stages.
type Progress struct {
	JobID      string
	Fid        string
	Status     Status
	Total      int
	Resolved   int
	Skipped    int
	Duplicates int
	Errors     []string
}

// Done reports whether the job reached a terminal status.
func (p Progress) Done() bool {
	return p.Status == StatusCompleted || p.Status == StatusFailed
}

// Source lists collection contents and resolves individual items.
type Source interface {
	ListCollectionPage(ctx context.Context, fid string, page int) ([]catalog.Item, bool, error)
	ResolveItem(ctx context.Context, bvid string) (playlist.Track, error)
}

const (
	defaultWorkers     = 5
	defaultItemTimeout = 15 * time.Second
)

// Options configures an Importer. Zero values take defaults.
type Options struct {
	Workers     int           // concurrent item resolutions
	ItemTimeout time.Duration // budget per item resolution
}

// Importer runs collection import jobs. At most one job is live at a time;
// starting a new one cancels its predecessor.
type Importer struct {
	src        Source
	log        *logrus.Logger
	workers    int
	timeout    time.Duration
	onProgress func(Progress)

	mu     sync.Mutex
	cancel context.CancelFunc
	liveID string
}

// New creates an Importer. onProgress is invoked from the job goroutine and
// must be safe to call concurrently with daemon work.
func New(src Source, opts Options, onProgress func(Progress), log *logrus.Logger) *Importer {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := opts.ItemTimeout
	if timeout <= 0 {
		timeout = defaultItemTimeout
	}
	return &Importer{
		src:        src,
		log:        log,
		workers:    workers,
		timeout:    timeout,
		onProgress: onProgress,
	}
}

// Start begins importing the collection fid. existing is the set of track
// identifiers already in the playlist; items matching it are counted as
// duplicates and never re-resolved. merge receives the new tracks exactly
// once, after all resolutions finish. Returns the job id.
func (im *Importer) Start(ctx context.Context, fid string, existing []string, merge func(jobID string, tracks []playlist.Track)) string {
	jobID := uuid.NewString()

	im.mu.Lock()
	if im.cancel != nil {
		im.log.WithField("job", im.liveID).Info("superseding running import")
		im.cancel()
	}
	jobCtx, cancel := context.WithCancel(ctx)
	im.cancel = cancel
	im.liveID = jobID
	im.mu.Unlock()

	known := make(map[string]struct{}, len(existing))
	for _, bvid := range existing {
		known[bvid] = struct{}{}
	}

	go im.run(jobCtx, jobID, fid, known, merge)
	return jobID
}

// Cancel stops the live job, if any.
func (im *Importer) Cancel() {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.cancel != nil {
		im.cancel()
		im.cancel = nil
	}
}

func (im *Importer) run(ctx context.Context, jobID, fid string, known map[string]struct{}, merge func(string, []playlist.Track)) {
	defer im.release(jobID)

	log := im.log.WithFields(logrus.Fields{"job": jobID, "fid": fid})
	prog := Progress{JobID: jobID, Fid: fid, Status: StatusPending}
	im.report(prog)

	prog.Status = StatusFetching
	im.report(prog)

	items, err := im.fetchAll(ctx, fid)
	if err != nil {
		log.WithError(err).Error("collection listing failed")
		prog.Status = StatusFailed
		prog.Errors = append(prog.Errors, err.Error())
		im.report(prog)
		return
	}

	// Duplicates against the playlist snapshot and within the collection
	// itself are dropped before any resolution work is spent on them.
	fresh := make([]catalog.Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := known[it.Bvid]; dup {
			prog.Duplicates++
			continue
		}
		if _, dup := seen[it.Bvid]; dup {
			prog.Duplicates++
			continue
		}
		seen[it.Bvid] = struct{}{}
		fresh = append(fresh, it)
	}

	prog.Total = len(items)
	prog.Status = StatusResolving
	im.report(prog)

	tracks, resolved, skipped, errors := im.resolveAll(ctx, fid, fresh, func(done Progress) {
		p := prog
		p.Resolved = done.Resolved
		p.Skipped = done.Skipped
		p.Errors = done.Errors
		im.report(p)
	})
	prog.Resolved = resolved
	prog.Skipped = skipped
	prog.Errors = errors

	if ctx.Err() != nil {
		log.Info("import canceled")
		prog.Status = StatusFailed
		prog.Errors = append(prog.Errors, "canceled")
		im.report(prog)
		return
	}

	prog.Status = StatusMerging
	im.report(prog)
	merge(jobID, tracks)

	prog.Status = StatusCompleted
	im.report(prog)
	log.WithFields(logrus.Fields{
		"resolved":   resolved,
		"skipped":    skipped,
		"duplicates": prog.Duplicates,
	}).Info("import finished")
}

// fetchAll walks the collection pages in order until the listing reports
// no further pages.
func (im *Importer) fetchAll(ctx context.Context, fid string) ([]catalog.Item, error) {
	var all []catalog.Item
	for page := 1; ; page++ {
		items, more, err := im.src.ListCollectionPage(ctx, fid, page)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if !more {
			return all, nil
		}
	}
}

// resolveAll resolves items through a bounded pool, preserving collection
// order in the returned tracks. Items that fail resolution are skipped and
// recorded, never aborting the job.
func (im *Importer) resolveAll(ctx context.Context, fid string, items []catalog.Item, tick func(Progress)) ([]playlist.Track, int, int, []string) {
	type outcome struct {
		idx   int
		track playlist.Track
		err   error
	}

	sem := make(chan struct{}, im.workers)
	results := make(chan outcome, len(items))

	for i, it := range items {
		go func(idx int, item catalog.Item) {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- outcome{idx: idx, err: ctx.Err()}
				return
			}

			itemCtx, cancel := context.WithTimeout(ctx, im.timeout)
			defer cancel()
			track, err := im.src.ResolveItem(itemCtx, item.Bvid)
			if err != nil {
				results <- outcome{idx: idx, err: err}
				return
			}
			track.Fid = fid
			results <- outcome{idx: idx, track: track}
		}(i, it)
	}

	// Collect as outcomes land so running counts reach the progress callback
	// while resolutions are still in flight. Every worker sends exactly one
	// outcome, so receiving len(items) joins them all.
	var (
		done     []outcome
		resolved int
		skipped  int
		errors   []string
	)
	for range items {
		res := <-results
		if res.err != nil {
			skipped++
			errors = append(errors, items[res.idx].Bvid+": "+res.err.Error())
			im.log.WithFields(logrus.Fields{
				"bvid":  items[res.idx].Bvid,
				"error": res.err,
			}).Warn("skipping unresolvable item")
		} else {
			resolved++
			done = append(done, res)
		}
		tick(Progress{Resolved: resolved, Skipped: skipped, Errors: errors})
	}

	sort.Slice(done, func(a, b int) bool { return done[a].idx < done[b].idx })
	tracks := make([]playlist.Track, 0, len(done))
	for _, res := range done {
		tracks = append(tracks, res.track)
	}
	return tracks, resolved, skipped, errors
}

func (im *Importer) release(jobID string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.liveID == jobID {
		im.cancel = nil
		im.liveID = ""
	}
}

func (im *Importer) report(p Progress) {
	if im.onProgress != nil {
		im.onProgress(p)
	}
}
