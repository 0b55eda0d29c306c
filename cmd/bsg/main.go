// Package main is the bsg command line client. It is a thin shell around
// the daemon's session bus interface; all state lives in bilisongd.
package main

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	flag "github.com/spf13/pflag"

	"github.com/bilisong/bilisong/internal/daemon"
)

const usage = `bsg controls a running bilisongd daemon.

Usage:
  bsg play [bvid]          start or resume playback
  bsg pause                pause playback
  bsg resume               resume paused playback
  bsg stop                 stop playback
  bsg next                 skip to the next track
  bsg prev                 go back to the previous track
  bsg mode <name>          set play mode: sequential, shuffle, repeat, loop
  bsg add <bvid>           add one track to the playlist
  bsg import <fid>         import a whole collection
  bsg delete <bvid>...     remove tracks from the playlist
  bsg delete --all         clear the playlist
  bsg find <query>         search the playlist by title or bvid
  bsg list                 print the playlist
  bsg status               print the playback status
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	conn, err := dbus.SessionBus()
	if err != nil {
		fail("cannot connect to the session bus: %v", err)
	}
	defer conn.Close()
	player := conn.Object(daemon.BusName, dbus.ObjectPath(daemon.ObjectPath))

	cmd, args := os.Args[1], os.Args[2:]
	if err := dispatch(player, cmd, args); err != nil {
		fail("%v", err)
	}
}

func dispatch(player dbus.BusObject, cmd string, args []string) error {
	switch cmd {
	case "play":
		bvid := ""
		if len(args) > 0 {
			bvid = args[0]
		}
		return call(player, "Play", bvid)
	case "pause":
		return call(player, "Pause")
	case "resume":
		return call(player, "Resume")
	case "stop":
		return call(player, "Stop")
	case "next":
		return call(player, "Next")
	case "prev", "previous":
		return call(player, "Previous")
	case "mode":
		if len(args) != 1 {
			return fmt.Errorf("usage: bsg mode <name>")
		}
		return call(player, "SetMode", args[0])
	case "add":
		if len(args) != 1 {
			return fmt.Errorf("usage: bsg add <bvid>")
		}
		var title string
		if err := player.Call(daemon.Interface+".AddTrack", 0, args[0]).Store(&title); err != nil {
			return err
		}
		fmt.Printf("added %s (%s)\n", title, args[0])
		return nil
	case "import":
		if len(args) != 1 {
			return fmt.Errorf("usage: bsg import <fid>")
		}
		var jobID string
		if err := player.Call(daemon.Interface+".AddCollection", 0, args[0]).Store(&jobID); err != nil {
			return err
		}
		fmt.Printf("import started, job %s\n", jobID)
		return nil
	case "delete":
		return runDelete(player, args)
	case "find":
		if len(args) != 1 {
			return fmt.Errorf("usage: bsg find <query>")
		}
		return runFind(player, args[0])
	case "list":
		return runList(player)
	case "status":
		return runStatus(player)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	}
	return fmt.Errorf("unknown command %q, run bsg help", cmd)
}

func runDelete(player dbus.BusObject, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	all := fs.Bool("all", false, "clear the whole playlist")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *all {
		return call(player, "DeleteAll")
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: bsg delete <bvid>... | --all")
	}
	return call(player, "Delete", fs.Args())
}

func runFind(player dbus.BusObject, query string) error {
	var matches []struct {
		Index int32
		Bvid  string
		Title string
		Owner string
	}
	if err := player.Call(daemon.Interface+".Find", 0, query).Store(&matches); err != nil {
		return err
	}
	if len(matches) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, m := range matches {
		fmt.Printf("%3d  %s  %s - %s\n", m.Index, m.Bvid, m.Title, m.Owner)
	}
	return nil
}

func runList(player dbus.BusObject) error {
	var tracks []struct {
		Bvid  string
		Cid   string
		Title string
		Owner string
	}
	if err := player.Call(daemon.Interface+".Playlist", 0).Store(&tracks); err != nil {
		return err
	}
	if len(tracks) == 0 {
		fmt.Println("playlist is empty")
		return nil
	}
	for i, t := range tracks {
		fmt.Printf("%3d  %s  %s - %s\n", i, t.Bvid, t.Title, t.Owner)
	}
	return nil
}

func runStatus(player dbus.BusObject) error {
	var status map[string]dbus.Variant
	if err := player.Call(daemon.Interface+".GetStatus", 0).Store(&status); err != nil {
		return err
	}

	state, _ := status["State"].Value().(string)
	mode, _ := status["Mode"].Value().(string)
	length, _ := status["QueueLength"].Value().(int32)
	fmt.Printf("state: %s  mode: %s  queue: %d tracks\n", state, mode, length)

	if bvid, _ := status["Bvid"].Value().(string); bvid != "" {
		title, _ := status["Title"].Value().(string)
		owner, _ := status["Owner"].Value().(string)
		pos, _ := status["PositionMs"].Value().(int64)
		fmt.Printf("track: %s  %s - %s  at %s\n", bvid, title, owner, formatMs(pos))
	}
	return nil
}

func formatMs(ms int64) string {
	sec := ms / 1000
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}

func call(player dbus.BusObject, method string, args ...interface{}) error {
	return player.Call(daemon.Interface+"."+method, 0, args...).Err
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "bsg: "+format+"\n", args...)
	os.Exit(1)
}
