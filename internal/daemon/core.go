// Package daemon ties the queue, playback machine and importer together
// behind a single serialized command loop, and exposes the whole thing on
// the session bus.
package daemon

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/errs"
	"github.com/bilisong/bilisong/internal/importer"
	"github.com/bilisong/bilisong/internal/player"
	"github.com/bilisong/bilisong/internal/playlist"
)

// Catalog is the remote source the daemon resolves tracks and collections
// through.
type Catalog interface {
	player.Resolver
	importer.Source
}

// Notifier receives daemon events for broadcast to listeners.
type Notifier interface {
	player.Notifier
	ImportProgress(p importer.Progress)
}

// Status is the snapshot returned by GetStatus.
type Status struct {
	State       string
	Bvid        string
	Title       string
	Owner       string
	Index       int
	PositionMs  int64
	Mode        string
	QueueLength int
}

type cmdResult struct {
	val any
	err error
}

type command struct {
	fn    func() (any, error)
	reply chan cmdResult
}

// Core owns all mutable playback state. Every operation is a closure mailed
// to the single Run loop, so queue, machine and persistence never race.
type Core struct {
	log     *logrus.Logger
	store   *playlist.Store
	queue   *playlist.Queue
	catalog Catalog
	machine *player.Machine
	imp     *importer.Importer

	ctx  context.Context
	cmds chan command
	msgs chan player.Msg
}

// NewCore wires the daemon core. ctx bounds all daemon work, including the
// async resolutions the machine and importer spawn.
func NewCore(
	ctx context.Context,
	store *playlist.Store,
	queue *playlist.Queue,
	cat Catalog,
	engine player.Engine,
	notify Notifier,
	impOpts importer.Options,
	log *logrus.Logger,
) *Core {
	c := &Core{
		log:     log,
		store:   store,
		queue:   queue,
		catalog: cat,
		ctx:     ctx,
		cmds:    make(chan command),
		msgs:    make(chan player.Msg, 64),
	}
	c.machine = player.NewMachine(ctx, queue, cat, engine, c.postMsg, notify, log)
	c.imp = importer.New(cat, impOpts, notify.ImportProgress, log)
	return c
}

// Run consumes the mailbox until ctx is canceled. It must be the only
// goroutine touching the queue and machine.
func (c *Core) Run() {
	for {
		select {
		case cmd := <-c.cmds:
			val, err := cmd.fn()
			cmd.reply <- cmdResult{val: val, err: err}
		case msg := <-c.msgs:
			c.machine.Handle(msg)
		case <-c.ctx.Done():
			c.machine.Stop()
			c.log.Info("daemon core stopped")
			return
		}
	}
}

// postMsg hands an async playback message to the loop. Dropped on shutdown.
func (c *Core) postMsg(msg player.Msg) {
	select {
	case c.msgs <- msg:
	case <-c.ctx.Done():
	}
}

// do runs fn on the core loop and waits for its result.
func (c *Core) do(fn func() (any, error)) (any, error) {
	reply := make(chan cmdResult, 1)
	select {
	case c.cmds <- command{fn: fn, reply: reply}:
	case <-c.ctx.Done():
		return nil, errs.New(errs.InvalidState, "daemon is shutting down")
	}
	res := <-reply
	return res.val, res.err
}

func (c *Core) doErr(fn func() error) error {
	_, err := c.do(func() (any, error) { return nil, fn() })
	return err
}

// Play starts or resumes playback. With a bvid it jumps to that queue entry
// first.
func (c *Core) Play(bvid string) error {
	return c.doErr(func() error {
		if bvid == "" {
			return c.machine.Play()
		}
		return c.machine.PlayTrack(bvid)
	})
}

// Pause suspends playback.
func (c *Core) Pause() error {
	return c.doErr(c.machine.Pause)
}

// Resume continues paused playback.
func (c *Core) Resume() error {
	return c.doErr(c.machine.Resume)
}

// Stop tears down the playback session.
func (c *Core) Stop() error {
	return c.doErr(c.machine.Stop)
}

// Next skips to the next track per the play mode.
func (c *Core) Next() error {
	return c.doErr(c.machine.Next)
}

// Previous moves to the preceding queue entry.
func (c *Core) Previous() error {
	return c.doErr(c.machine.Previous)
}

// SetMode switches the play mode by wire name.
func (c *Core) SetMode(name string) error {
	mode, err := playlist.ParseMode(name)
	if err != nil {
		return err
	}
	return c.doErr(func() error {
		c.queue.SetMode(mode)
		c.log.WithField("mode", mode.String()).Info("play mode changed")
		return nil
	})
}

// GetStatus reports the current session and queue snapshot.
func (c *Core) GetStatus() (Status, error) {
	val, err := c.do(func() (any, error) {
		st := c.machine.Status()
		out := Status{
			State:       st.State.String(),
			PositionMs:  st.PositionMs,
			Index:       -1,
			Mode:        c.queue.Mode().String(),
			QueueLength: c.queue.Len(),
		}
		if st.HasTrack {
			out.Bvid = st.Track.Bvid
			out.Title = st.Track.Title
			out.Owner = st.Track.Owner
			out.Index = c.queue.CursorIndex()
		}
		return out, nil
	})
	if err != nil {
		return Status{}, err
	}
	return val.(Status), nil
}

// Tracks returns the queue contents in play order.
func (c *Core) Tracks() ([]playlist.Track, error) {
	val, err := c.do(func() (any, error) {
		return c.queue.Tracks(), nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]playlist.Track), nil
}

// Find returns queue entries matching the query by title or bvid.
func (c *Core) Find(query string) ([]playlist.Match, error) {
	val, err := c.do(func() (any, error) {
		return c.queue.Find(query), nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]playlist.Match), nil
}

// AddTrack resolves a single track and appends it to the queue. The network
// round trip happens on the caller's goroutine; only the append runs on the
// loop.
func (c *Core) AddTrack(ctx context.Context, bvid string) (playlist.Track, error) {
	err := c.doErr(func() error {
		if c.queue.IndexOf(bvid) >= 0 {
			return errs.Newf(errs.InvalidState, "%s is already in the playlist", bvid)
		}
		return nil
	})
	if err != nil {
		return playlist.Track{}, err
	}

	track, err := c.catalog.ResolveItem(ctx, bvid)
	if err != nil {
		return playlist.Track{}, err
	}

	err = c.doErr(func() error {
		if c.queue.IndexOf(bvid) >= 0 {
			return errs.Newf(errs.InvalidState, "%s is already in the playlist", bvid)
		}
		c.queue.Append([]playlist.Track{track})
		return c.persist()
	})
	if err != nil {
		return playlist.Track{}, err
	}
	return track, nil
}

// AddCollection starts an import job for the collection fid and returns its
// job id. Progress is delivered through the Notifier; the resolved tracks
// are merged into the queue in one atomic append when the job finishes.
func (c *Core) AddCollection(fid string) (string, error) {
	val, err := c.do(func() (any, error) {
		existing := make([]string, 0, c.queue.Len())
		for _, t := range c.queue.Tracks() {
			existing = append(existing, t.Bvid)
		}
		return c.imp.Start(c.ctx, fid, existing, c.mergeImport), nil
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// mergeImport lands a finished import on the loop. Items added to the queue
// while the job ran are deduplicated a second time here.
func (c *Core) mergeImport(jobID string, tracks []playlist.Track) {
	err := c.doErr(func() error {
		fresh := tracks[:0]
		for _, t := range tracks {
			if c.queue.IndexOf(t.Bvid) < 0 {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		c.queue.Append(fresh)
		return c.persist()
	})
	if err != nil {
		c.log.WithError(err).WithField("job", jobID).Error("import merge failed")
	}
}

// Delete removes the named tracks, or everything when all is set. Removing
// the playing track stops the session.
func (c *Core) Delete(bvids []string, all bool) error {
	return c.doErr(func() error {
		current, playing := c.queue.Current()

		if all {
			c.machine.Stop()
			c.queue.Replace(nil, "")
			return c.persist()
		}

		indices := make([]int, 0, len(bvids))
		removingCurrent := false
		for _, bvid := range bvids {
			idx := c.queue.IndexOf(bvid)
			if idx < 0 {
				return errs.Newf(errs.NotFound, "%s is not in the playlist", bvid)
			}
			if playing && bvid == current.Bvid {
				removingCurrent = true
			}
			indices = append(indices, idx)
		}

		if removingCurrent && c.machine.State() != player.StateIdle {
			c.machine.Stop()
		}
		if err := c.queue.Remove(indices); err != nil {
			return err
		}
		return c.persist()
	})
}

// ReloadTracks replaces the queue after an external playlist edit, keeping
// the current track selected when it survives the edit.
func (c *Core) ReloadTracks(tracks []playlist.Track) error {
	return c.doErr(func() error {
		if tracksEqual(tracks, c.queue.Tracks()) {
			// The daemon's own save coming back around.
			return nil
		}
		current, _ := c.queue.Current()
		active := c.machine.State() != player.StateIdle

		c.queue.Replace(tracks, current.Bvid)
		if active && c.queue.CursorIndex() < 0 {
			c.machine.Stop()
		}
		c.log.WithField("tracks", len(tracks)).Info("playlist reloaded from disk")
		return nil
	})
}

// PlaylistPath returns the path of the persisted playlist file.
func (c *Core) PlaylistPath() string {
	return c.store.Path()
}

func tracksEqual(a, b []playlist.Track) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// persist writes the queue to disk. Runs on the loop; the in-memory queue
// stays authoritative even when the write fails.
func (c *Core) persist() error {
	if err := c.store.Save(c.queue.Tracks()); err != nil {
		c.log.WithError(err).Error("failed to persist playlist")
		return err
	}
	return nil
}
