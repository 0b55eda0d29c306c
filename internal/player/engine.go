// Package player drives the decode engine and owns the playback state
// machine: the single live session, its generation counter and the
// transitions between idle, resolving, playing and paused.
package player

// Events receives asynchronous callbacks from the decode engine. Callbacks
// arrive on engine-owned goroutines; implementations must hand them off to
// the daemon's serialized command path rather than mutating state directly.
type Events interface {
	OnPosition(ms int64)
	OnEndOfStream()
	OnError(msg string)
}

// Engine is the decode engine collaborator. Play replaces whatever was
// playing with the given stream; the engine's behavior is trusted, not
// re-verified.
type Engine interface {
	Play(url string, headers map[string]string, ev Events) error
	Pause() error
	Resume() error
	Stop() error
	Close() error
}
