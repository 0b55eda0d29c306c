package playlist

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/bilisong/bilisong/internal/errs"
)

// persistedPlaylist is the on-disk projection of the queue: ordered track
// records without transient stream locators.
type persistedPlaylist struct {
	Tracks []Track `toml:"tracks"`
}

// Store persists the queue contents to a TOML file. Save is crash-safe: the
// new contents are written to a temporary file, flushed, then renamed over
// the live file, so a reader never observes a partially-written playlist.
//
// Store is written only from the daemon core loop; it carries no locking of
// its own beyond the atomic rename.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the playlist file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted queue. A missing file yields an empty queue. An
// unreadable or unparsable file yields errs.Corrupt so the caller can
// degrade to an empty queue instead of refusing to start.
func (s *Store) Load() ([]Track, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.StorageError, "read playlist file", err)
	}

	var p persistedPlaylist
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, errs.Wrap(errs.Corrupt, "parse playlist file", err)
	}
	return p.Tracks, nil
}

// Save atomically replaces the playlist file with the given tracks.
func (s *Store) Save(tracks []Track) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errs.Wrap(errs.StorageError, "create playlist directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".playlist-*.toml")
	if err != nil {
		return errs.Wrap(errs.StorageError, "create temp playlist file", err)
	}
	defer os.Remove(tmp.Name())

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(persistedPlaylist{Tracks: tracks}); err != nil {
		tmp.Close()
		return errs.Wrap(errs.StorageError, "encode playlist", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.StorageError, "flush playlist", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.StorageError, "close temp playlist file", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errs.Wrap(errs.StorageError, "replace playlist file", err)
	}
	return nil
}
