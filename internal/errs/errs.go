// Package errs defines the daemon's structured error taxonomy. Every error
// that crosses a component boundary carries a Kind so the control surface
// can map it to a named bus error and the CLI can print something useful.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind string

const (
	// InvalidState means the operation is not valid in the current playback state.
	InvalidState Kind = "InvalidState"
	// NotFound means an index or identifier is unknown.
	NotFound Kind = "NotFound"
	// NetworkError is a transient network failure, retryable.
	NetworkError Kind = "NetworkError"
	// RateLimited means the remote catalog rejected us for sending too much.
	RateLimited Kind = "RateLimited"
	// EngineError is a decode or engine-start failure, track-level.
	EngineError Kind = "EngineError"
	// StorageError is a persistence failure, process-level.
	StorageError Kind = "StorageError"
	// Corrupt means persisted state could not be read.
	Corrupt Kind = "Corrupt"
	// NoPreviousTrack is returned for Previous at the start of a sequential queue.
	NoPreviousTrack Kind = "NoPreviousTrack"
	// Internal is everything that escaped classification.
	Internal Kind = "Internal"
)

// E is a classified error.
type E struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *E) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *E {
	return &E{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *E {
	return &E{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *E {
	return &E{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or Internal if it carries none.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error is worth retrying.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == NetworkError || k == RateLimited
}
