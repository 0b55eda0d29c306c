package playlist

import (
	"math/rand"
	"strings"
	"time"

	"github.com/bilisong/bilisong/internal/errs"
)

// Mode governs how Advance selects the next track.
type Mode int

const (
	Sequential Mode = iota
	Shuffle
	RepeatOne
	RepeatAll
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case Shuffle:
		return "shuffle"
	case RepeatOne:
		return "repeat"
	case RepeatAll:
		return "loop"
	default:
		return "sequential"
	}
}

// ParseMode parses a wire name into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "sequential":
		return Sequential, nil
	case "shuffle":
		return Shuffle, nil
	case "repeat":
		return RepeatOne, nil
	case "loop":
		return RepeatAll, nil
	}
	return Sequential, errs.Newf(errs.NotFound, "unknown play mode %q", s)
}

// Queue is the ordered collection of tracks plus the play-mode policy and a
// cursor marking the current track. It is the single source of truth for
// what plays next.
//
// Queue is not safe for concurrent use: it is owned by the daemon core loop
// and must only be touched from there.
type Queue struct {
	tracks []Track
	mode   Mode
	cursor int // index into tracks, -1 when nothing is selected

	// Shuffle traversal order, regenerated on every structural change so a
	// stale permutation is never reused.
	order []int
	opos  int // position of cursor within order, -1 when unset

	rng *rand.Rand
}

// NewQueue creates an empty queue in Sequential mode.
func NewQueue() *Queue {
	return &Queue{
		cursor: -1,
		opos:   -1,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Len returns the number of tracks in the queue.
func (q *Queue) Len() int {
	return len(q.tracks)
}

// Mode returns the current play mode.
func (q *Queue) Mode() Mode {
	return q.mode
}

// CursorIndex returns the current track index, or -1 when none is selected.
func (q *Queue) CursorIndex() int {
	return q.cursor
}

// Tracks returns a copy of the queue contents in play order.
func (q *Queue) Tracks() []Track {
	out := make([]Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}

// Current returns the track under the cursor.
func (q *Queue) Current() (Track, bool) {
	if q.cursor < 0 || q.cursor >= len(q.tracks) {
		return Track{}, false
	}
	return q.tracks[q.cursor], true
}

// SetMode changes the play mode. Entering Shuffle generates a fresh
// traversal order starting from the current track.
func (q *Queue) SetMode(mode Mode) {
	if q.mode == mode {
		return
	}
	q.mode = mode
	if mode == Shuffle {
		q.reshuffle()
	} else {
		q.order = nil
		q.opos = -1
	}
}

// Append adds tracks to the end of the queue, preserving their relative
// order. The cursor does not move.
func (q *Queue) Append(tracks []Track) {
	if len(tracks) == 0 {
		return
	}
	q.tracks = append(q.tracks, tracks...)
	if q.mode == Shuffle {
		q.reshuffle()
	}
}

// Replace swaps the queue contents wholesale, as after an external edit of
// the persisted playlist. The cursor follows the track with keepBvid to its
// new index, or clears when that track is gone.
func (q *Queue) Replace(tracks []Track, keepBvid string) {
	q.tracks = make([]Track, len(tracks))
	copy(q.tracks, tracks)
	q.cursor = -1
	if keepBvid != "" {
		q.cursor = q.IndexOf(keepBvid)
	}
	if q.mode == Shuffle {
		q.reshuffle()
	}
}

// Remove deletes the tracks at the given indices. Survivors keep their
// relative order. If the current track is removed, the cursor moves to the
// next remaining track at the same position, or clears when the queue
// empties. Unknown indices are rejected.
func (q *Queue) Remove(indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	doomed := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(q.tracks) {
			return errs.Newf(errs.NotFound, "index %d out of range", i)
		}
		doomed[i] = true
	}

	cursorRemoved := q.cursor >= 0 && doomed[q.cursor]
	removedBefore := 0
	for i := range doomed {
		if q.cursor >= 0 && i < q.cursor {
			removedBefore++
		}
	}

	survivors := q.tracks[:0]
	for i, t := range q.tracks {
		if !doomed[i] {
			survivors = append(survivors, t)
		}
	}
	q.tracks = survivors

	switch {
	case len(q.tracks) == 0:
		q.cursor = -1
	case q.cursor < 0:
		// nothing selected, nothing to fix
	case cursorRemoved:
		pos := q.cursor - removedBefore
		if pos >= len(q.tracks) {
			pos = len(q.tracks) - 1
		}
		q.cursor = pos
	default:
		q.cursor -= removedBefore
	}

	if q.mode == Shuffle {
		q.reshuffle()
	}
	return nil
}

// Find returns all tracks whose title or bvid contains the query,
// case-insensitive, with their current indices.
func (q *Queue) Find(query string) []Match {
	needle := strings.ToLower(query)
	var out []Match
	for i, t := range q.tracks {
		if strings.Contains(strings.ToLower(t.Title), needle) ||
			strings.Contains(strings.ToLower(t.Bvid), needle) {
			out = append(out, Match{Index: i, Track: t})
		}
	}
	return out
}

// IndexOf returns the index of the track with the given bvid, or -1.
func (q *Queue) IndexOf(bvid string) int {
	for i, t := range q.tracks {
		if t.Bvid == bvid {
			return i
		}
	}
	return -1
}

// JumpTo moves the cursor to an explicit index.
func (q *Queue) JumpTo(index int) error {
	if index < 0 || index >= len(q.tracks) {
		return errs.Newf(errs.NotFound, "index %d out of range", index)
	}
	q.cursor = index
	if q.mode == Shuffle {
		q.syncShufflePos()
	}
	return nil
}

// Advance moves the cursor according to the play mode and returns the new
// current track. It returns false when the queue is exhausted (empty, or
// past the last entry in Sequential mode).
func (q *Queue) Advance() (Track, bool) {
	if len(q.tracks) == 0 {
		q.cursor = -1
		return Track{}, false
	}

	switch q.mode {
	case RepeatOne:
		if q.cursor < 0 {
			q.cursor = 0
		}
	case RepeatAll:
		q.cursor = (q.cursor + 1) % len(q.tracks)
	case Shuffle:
		q.advanceShuffle()
	default: // Sequential
		if q.cursor+1 >= len(q.tracks) {
			return Track{}, false
		}
		q.cursor++
	}
	return q.tracks[q.cursor], true
}

// Retreat moves to the immediately preceding index, ignoring play-mode wrap
// rules. At the start of the queue it wraps only in RepeatAll mode and is
// rejected otherwise.
func (q *Queue) Retreat() (Track, error) {
	if len(q.tracks) == 0 {
		return Track{}, errs.New(errs.NotFound, "queue is empty")
	}
	if q.cursor <= 0 {
		if q.mode == RepeatAll {
			q.cursor = len(q.tracks) - 1
		} else {
			return Track{}, errs.New(errs.NoPreviousTrack, "already at the first track")
		}
	} else {
		q.cursor--
	}
	if q.mode == Shuffle {
		q.syncShufflePos()
	}
	return q.tracks[q.cursor], nil
}

// advanceShuffle walks the current permutation and regenerates it when
// exhausted, never landing on the track just played unless the queue has a
// single entry.
func (q *Queue) advanceShuffle() {
	if len(q.order) != len(q.tracks) {
		q.reshuffle()
	}
	prev := q.cursor
	q.opos++
	if q.opos >= len(q.order) {
		q.regenerateOrder(prev)
		q.opos = 0
	}
	q.cursor = q.order[q.opos]
	if q.cursor == prev && len(q.tracks) > 1 {
		// Only possible right after a regeneration; the regeneration
		// avoids it, but guard against a stale cursor position.
		q.opos++
		if q.opos >= len(q.order) {
			q.opos = 0
		}
		q.cursor = q.order[q.opos]
	}
}

// reshuffle rebuilds the traversal order after a structural change and
// re-anchors the cursor inside it.
func (q *Queue) reshuffle() {
	q.regenerateOrder(-1)
	q.syncShufflePos()
}

// regenerateOrder builds a fresh permutation. If avoid is a valid index and
// there is more than one track, the permutation does not start with it.
func (q *Queue) regenerateOrder(avoid int) {
	n := len(q.tracks)
	q.order = make([]int, n)
	for i := range q.order {
		q.order[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := q.rng.Intn(i + 1)
		q.order[i], q.order[j] = q.order[j], q.order[i]
	}
	if n > 1 && avoid >= 0 && q.order[0] == avoid {
		j := 1 + q.rng.Intn(n-1)
		q.order[0], q.order[j] = q.order[j], q.order[0]
	}
}

// syncShufflePos points opos at the cursor's slot in the current order.
func (q *Queue) syncShufflePos() {
	q.opos = -1
	for i, idx := range q.order {
		if idx == q.cursor {
			q.opos = i
			return
		}
	}
}
