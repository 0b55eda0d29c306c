package daemon

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/bilisong/bilisong/internal/errs"
	"github.com/bilisong/bilisong/internal/importer"
	"github.com/bilisong/bilisong/internal/playlist"
)

const (
	// BusName is the well-known session bus name the daemon claims.
	BusName = "org.bilisong.Player"
	// ObjectPath is where the player object lives.
	ObjectPath = "/org/bilisong/Player"
	// Interface is the control interface name.
	Interface = "org.bilisong.Player"

	errPrefix = "org.bilisong.Error."
)

// wireTrack is a playlist entry as carried over the bus.
type wireTrack struct {
	Bvid  string
	Cid   string
	Title string
	Owner string
}

// wireMatch is a search hit as carried over the bus.
type wireMatch struct {
	Index int32
	Bvid  string
	Title string
	Owner string
}

// Service exposes the daemon core on the session bus. It also implements
// Notifier, turning core events into bus signals.
type Service struct {
	ctx  context.Context
	conn *dbus.Conn
	core *Core
	log  *logrus.Logger
}

// NewService connects to the session bus and claims the player name. The
// core is attached separately because the core needs the service as its
// Notifier.
func NewService(ctx context.Context, log *logrus.Logger) (*Service, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("another instance already owns %s", BusName)
	}

	return &Service{ctx: ctx, conn: conn, log: log}, nil
}

// Attach binds the core and exports the control interface.
func (s *Service) Attach(core *Core) error {
	s.core = core
	return s.conn.Export(s, dbus.ObjectPath(ObjectPath), Interface)
}

// Close releases the bus connection.
func (s *Service) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Control methods, invoked by bus clients.

func (s *Service) Play(bvid string) *dbus.Error {
	return busErr(s.core.Play(bvid))
}

func (s *Service) Pause() *dbus.Error {
	return busErr(s.core.Pause())
}

func (s *Service) Resume() *dbus.Error {
	return busErr(s.core.Resume())
}

func (s *Service) Stop() *dbus.Error {
	return busErr(s.core.Stop())
}

func (s *Service) Next() *dbus.Error {
	return busErr(s.core.Next())
}

func (s *Service) Previous() *dbus.Error {
	return busErr(s.core.Previous())
}

func (s *Service) SetMode(mode string) *dbus.Error {
	return busErr(s.core.SetMode(mode))
}

// AddTrack resolves and appends one track, returning its title.
func (s *Service) AddTrack(bvid string) (string, *dbus.Error) {
	track, err := s.core.AddTrack(s.ctx, bvid)
	if err != nil {
		return "", busErr(err)
	}
	return track.Title, nil
}

// AddCollection starts an import job and returns its id. Progress arrives
// as ImportProgress signals.
func (s *Service) AddCollection(fid string) (string, *dbus.Error) {
	jobID, err := s.core.AddCollection(fid)
	if err != nil {
		return "", busErr(err)
	}
	return jobID, nil
}

func (s *Service) Delete(bvids []string) *dbus.Error {
	return busErr(s.core.Delete(bvids, false))
}

func (s *Service) DeleteAll() *dbus.Error {
	return busErr(s.core.Delete(nil, true))
}

func (s *Service) Find(query string) ([]wireMatch, *dbus.Error) {
	matches, err := s.core.Find(query)
	if err != nil {
		return nil, busErr(err)
	}
	out := make([]wireMatch, len(matches))
	for i, m := range matches {
		out[i] = wireMatch{
			Index: int32(m.Index),
			Bvid:  m.Track.Bvid,
			Title: m.Track.Title,
			Owner: m.Track.Owner,
		}
	}
	return out, nil
}

func (s *Service) Playlist() ([]wireTrack, *dbus.Error) {
	tracks, err := s.core.Tracks()
	if err != nil {
		return nil, busErr(err)
	}
	out := make([]wireTrack, len(tracks))
	for i, t := range tracks {
		out[i] = wireTrack{Bvid: t.Bvid, Cid: t.Cid, Title: t.Title, Owner: t.Owner}
	}
	return out, nil
}

func (s *Service) GetStatus() (map[string]dbus.Variant, *dbus.Error) {
	st, err := s.core.GetStatus()
	if err != nil {
		return nil, busErr(err)
	}
	return map[string]dbus.Variant{
		"State":       dbus.MakeVariant(st.State),
		"Bvid":        dbus.MakeVariant(st.Bvid),
		"Title":       dbus.MakeVariant(st.Title),
		"Owner":       dbus.MakeVariant(st.Owner),
		"Index":       dbus.MakeVariant(int32(st.Index)),
		"PositionMs":  dbus.MakeVariant(st.PositionMs),
		"Mode":        dbus.MakeVariant(st.Mode),
		"QueueLength": dbus.MakeVariant(int32(st.QueueLength)),
	}, nil
}

// Notifier implementation, fanning core events out as bus signals.

func (s *Service) TrackChanged(track playlist.Track, index int) {
	s.emit("TrackChanged", track.Bvid, track.Title, track.Owner, int32(index))
}

func (s *Service) PlaybackError(bvid, message string) {
	s.emit("PlaybackError", bvid, message)
}

func (s *Service) QueueExhausted() {
	s.emit("QueueExhausted")
}

func (s *Service) ImportProgress(p importer.Progress) {
	s.emit("ImportProgress",
		p.JobID,
		p.Fid,
		string(p.Status),
		int32(p.Total),
		int32(p.Resolved),
		int32(p.Skipped),
		int32(p.Duplicates),
		p.Done(),
	)
}

func (s *Service) emit(name string, values ...interface{}) {
	if err := s.conn.Emit(dbus.ObjectPath(ObjectPath), Interface+"."+name, values...); err != nil {
		s.log.WithError(err).WithField("signal", name).Warn("failed to emit signal")
	}
}

// busErr maps a daemon error onto a named bus error so clients can
// distinguish failure kinds.
func busErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(errPrefix+string(errs.KindOf(err)), []interface{}{err.Error()})
}
