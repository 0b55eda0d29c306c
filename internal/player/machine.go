package player

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/errs"
	"github.com/bilisong/bilisong/internal/playlist"
)

// State is the playback session state.
type State int

const (
	StateIdle      State = iota // no session
	StateResolving              // awaiting a stream locator for the selected track
	StatePlaying
	StatePaused
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "idle"
	}
}

// Resolver turns a track into a playable stream locator.
type Resolver interface {
	ResolveItem(ctx context.Context, bvid string) (playlist.Track, error)
	StreamURL(ctx context.Context, bvid, cid string) (string, error)
	StreamHeaders() map[string]string
}

// Notifier receives state-change notifications for broadcast to listeners.
// Called from the daemon core loop.
type Notifier interface {
	TrackChanged(track playlist.Track, index int)
	PlaybackError(bvid, message string)
	QueueExhausted()
}

// Msg is an asynchronous playback message. Resolution goroutines and engine
// callbacks produce them; the daemon core loop feeds them back into the
// machine via Handle, preserving the single serialized command path.
type Msg interface {
	isPlayerMsg()
}

type resolvedMsg struct {
	gen  uint64
	bvid string
	url  string
	err  error
}

type positionMsg struct {
	gen uint64
	ms  int64
}

type endOfStreamMsg struct {
	gen uint64
}

type engineErrorMsg struct {
	gen uint64
	msg string
}

func (resolvedMsg) isPlayerMsg()    {}
func (positionMsg) isPlayerMsg()    {}
func (endOfStreamMsg) isPlayerMsg() {}
func (engineErrorMsg) isPlayerMsg() {}

// Status is a snapshot of the session for GetStatus.
type Status struct {
	State      State
	Track      playlist.Track
	HasTrack   bool
	PositionMs int64
}

// Machine owns the single live playback session and drives the decode
// engine, consuming its events and advancing the queue. All methods must be
// called from the daemon core loop; Machine does no locking of its own.
// Every transition bumps the session generation so completions of work made
// obsolete by a later command are discarded instead of applied.
type Machine struct {
	ctx      context.Context
	queue    *playlist.Queue
	resolver Resolver
	engine   Engine
	post     func(Msg)
	notify   Notifier
	log      *logrus.Logger

	state    State
	gen      uint64
	position int64
	failures int // consecutive unplayable tracks, bounds auto-advance
}

// NewMachine creates the playback state machine. post is used by async work
// to hand results back to the owning loop.
func NewMachine(
	ctx context.Context,
	queue *playlist.Queue,
	resolver Resolver,
	engine Engine,
	post func(Msg),
	notify Notifier,
	log *logrus.Logger,
) *Machine {
	return &Machine{
		ctx:      ctx,
		queue:    queue,
		resolver: resolver,
		engine:   engine,
		post:     post,
		notify:   notify,
		log:      log,
	}
}

// Status reports the current session snapshot.
func (m *Machine) Status() Status {
	track, ok := m.queue.Current()
	return Status{
		State:      m.state,
		Track:      track,
		HasTrack:   ok && m.state != StateIdle,
		PositionMs: m.position,
	}
}

// State returns the current playback state.
func (m *Machine) State() State {
	return m.state
}

// Play resumes a paused session or starts playback of the current track
// (or the first track when nothing is selected).
func (m *Machine) Play() error {
	switch m.state {
	case StatePaused:
		return m.Resume()
	case StatePlaying, StateResolving:
		return nil
	}
	if m.queue.Len() == 0 {
		return errs.New(errs.InvalidState, "queue is empty")
	}
	if _, ok := m.queue.Current(); !ok {
		if _, ok := m.queue.Advance(); !ok {
			return errs.New(errs.InvalidState, "queue is empty")
		}
	}
	m.failures = 0
	m.startCurrent()
	return nil
}

// PlayTrack starts playback of the queue entry with the given identifier.
func (m *Machine) PlayTrack(bvid string) error {
	idx := m.queue.IndexOf(bvid)
	if idx < 0 {
		return errs.Newf(errs.NotFound, "%s is not in the queue", bvid)
	}
	return m.PlayIndex(idx)
}

// PlayIndex starts playback of the queue entry at the given index.
func (m *Machine) PlayIndex(index int) error {
	if err := m.queue.JumpTo(index); err != nil {
		return err
	}
	m.failures = 0
	m.startCurrent()
	return nil
}

// Pause suspends playback. Valid only while playing.
func (m *Machine) Pause() error {
	if m.state != StatePlaying {
		return errs.Newf(errs.InvalidState, "cannot pause while %s", m.state)
	}
	if err := m.engine.Pause(); err != nil {
		return err
	}
	m.state = StatePaused
	return nil
}

// Resume continues a paused session. Valid only while paused.
func (m *Machine) Resume() error {
	if m.state != StatePaused {
		return errs.Newf(errs.InvalidState, "cannot resume while %s", m.state)
	}
	if err := m.engine.Resume(); err != nil {
		return err
	}
	m.state = StatePlaying
	return nil
}

// Next skips to the next track per the play mode. Valid from any non-idle
// state; an exhausted queue settles the session into idle.
func (m *Machine) Next() error {
	if m.state == StateIdle {
		return errs.New(errs.InvalidState, "nothing is playing")
	}
	m.failures = 0
	if _, ok := m.queue.Advance(); !ok {
		m.settleIdle(true)
		return nil
	}
	m.startCurrent()
	return nil
}

// Previous moves to the immediately preceding queue entry, ignoring
// play-mode wrap rules.
func (m *Machine) Previous() error {
	if m.state == StateIdle {
		return errs.New(errs.InvalidState, "nothing is playing")
	}
	if _, err := m.queue.Retreat(); err != nil {
		return err
	}
	m.failures = 0
	m.startCurrent()
	return nil
}

// Stop tears down the session. A no-op when already idle.
func (m *Machine) Stop() error {
	m.settleIdle(false)
	return nil
}

// Handle applies an asynchronous playback message. Messages tagged with a
// stale generation are discarded.
func (m *Machine) Handle(msg Msg) {
	switch msg := msg.(type) {
	case resolvedMsg:
		if msg.gen != m.gen || m.state != StateResolving {
			m.log.WithField("bvid", msg.bvid).Debug("discarding stale resolution")
			return
		}
		m.handleResolved(msg)
	case positionMsg:
		if msg.gen != m.gen {
			return
		}
		m.position = msg.ms
	case endOfStreamMsg:
		if msg.gen != m.gen {
			return
		}
		m.handleEndOfStream()
	case engineErrorMsg:
		if msg.gen != m.gen {
			return
		}
		track, _ := m.queue.Current()
		m.failTrack(track.Bvid, msg.msg)
	}
}

// startCurrent begins a new session generation for the track under the
// cursor: stop the engine, resolve the locator off-loop, continue in
// handleResolved.
func (m *Machine) startCurrent() {
	track, ok := m.queue.Current()
	if !ok {
		m.settleIdle(true)
		return
	}

	m.gen++
	gen := m.gen
	m.state = StateResolving
	m.position = 0
	m.engine.Stop()

	m.log.WithFields(logrus.Fields{
		"bvid":  track.Bvid,
		"title": track.Title,
	}).Info("resolving track")

	go func() {
		t := track
		if t.Cid == "" {
			resolved, err := m.resolver.ResolveItem(m.ctx, t.Bvid)
			if err != nil {
				m.post(resolvedMsg{gen: gen, bvid: t.Bvid, err: err})
				return
			}
			t = resolved
		}
		url, err := m.resolver.StreamURL(m.ctx, t.Bvid, t.Cid)
		m.post(resolvedMsg{gen: gen, bvid: t.Bvid, url: url, err: err})
	}()
}

func (m *Machine) handleResolved(msg resolvedMsg) {
	if msg.err != nil {
		m.failTrack(msg.bvid, msg.err.Error())
		return
	}

	if err := m.engine.Play(msg.url, m.resolver.StreamHeaders(), m.eventsFor(m.gen)); err != nil {
		m.failTrack(msg.bvid, err.Error())
		return
	}

	m.state = StatePlaying
	m.failures = 0
	track, _ := m.queue.Current()
	m.log.WithFields(logrus.Fields{
		"bvid":  track.Bvid,
		"title": track.Title,
	}).Info("playing track")
	m.notify.TrackChanged(track, m.queue.CursorIndex())
}

// failTrack records a per-track failure and auto-advances. The failure
// budget is the queue length, so a queue where every track is unplayable
// settles into idle instead of looping forever.
func (m *Machine) failTrack(bvid, message string) {
	m.log.WithFields(logrus.Fields{
		"bvid":  bvid,
		"error": message,
	}).Warn("track is unplayable, advancing")
	m.notify.PlaybackError(bvid, message)

	m.failures++
	if m.failures >= m.queue.Len() {
		m.settleIdle(true)
		return
	}
	if _, ok := m.queue.Advance(); !ok {
		m.settleIdle(true)
		return
	}
	m.startCurrent()
}

// handleEndOfStream behaves like an implicit Next, settling into idle when
// the queue is exhausted.
func (m *Machine) handleEndOfStream() {
	if _, ok := m.queue.Advance(); !ok {
		m.settleIdle(true)
		return
	}
	m.startCurrent()
}

// settleIdle tears down the session. exhausted selects whether listeners
// are told the queue ran out.
func (m *Machine) settleIdle(exhausted bool) {
	m.gen++
	m.engine.Stop()
	m.state = StateIdle
	m.position = 0
	m.failures = 0
	if exhausted {
		m.notify.QueueExhausted()
	}
}

// eventsFor adapts engine callbacks into generation-tagged messages on the
// serialized path.
func (m *Machine) eventsFor(gen uint64) Events {
	return &genEvents{gen: gen, post: m.post}
}

type genEvents struct {
	gen  uint64
	post func(Msg)
}

func (g *genEvents) OnPosition(ms int64) {
	g.post(positionMsg{gen: g.gen, ms: ms})
}

func (g *genEvents) OnEndOfStream() {
	g.post(endOfStreamMsg{gen: g.gen})
}

func (g *genEvents) OnError(msg string) {
	g.post(engineErrorMsg{gen: g.gen, msg: msg})
}
