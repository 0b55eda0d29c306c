// Package playlist holds the track model, the in-memory play queue and its
// on-disk persistence.
package playlist

// Track identifies one playable item from the remote catalog. Bvid is the
// stable identifier; Cid selects the audio stream within it. The stream URL
// itself expires and is never stored here.
type Track struct {
	Bvid  string `toml:"bvid"`
	Cid   string `toml:"cid"`
	Title string `toml:"title"`
	Owner string `toml:"owner"`
	Fid   string `toml:"fid,omitempty"`
}

// Match is a Find result: a track and its queue index at the time of the
// call. Indices are stable only until the next queue mutation.
type Match struct {
	Index int
	Track Track
}
