// Package main is the entry point for the bilisong daemon.
// bilisongd is a headless audio playback daemon that streams tracks from
// the remote catalog and is controlled over the session bus by clients
// like bsg.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/bilisong/bilisong/internal/catalog"
	"github.com/bilisong/bilisong/internal/config"
	"github.com/bilisong/bilisong/internal/daemon"
	"github.com/bilisong/bilisong/internal/errs"
	"github.com/bilisong/bilisong/internal/importer"
	"github.com/bilisong/bilisong/internal/player"
	"github.com/bilisong/bilisong/internal/playlist"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	var (
		configDir string
		verbose   bool
	)
	flag.StringVar(&configDir, "config", "", "configuration directory (default: ~/.config/bilisong)")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if configDir == "" {
		dir, err := config.DefaultDir()
		if err != nil {
			log.WithError(err).Fatal("cannot determine config directory")
		}
		configDir = dir
	}

	// Credentials live outside the config file
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	if err := run(ctx, configDir, verbose, log); err != nil {
		log.WithError(err).Fatal("daemon failed")
	}
}

func run(ctx context.Context, configDir string, verbose bool, log *logrus.Logger) error {
	configMgr := config.NewManager(configDir)
	if err := configMgr.Load(); err != nil {
		return err
	}
	cfg := configMgr.Get()

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(level)
	}
	log.WithField("version", Version).Info("bilisongd starting")

	store := playlist.NewStore(configMgr.PlaylistPath())
	tracks, err := store.Load()
	if err != nil {
		if !errs.Is(err, errs.Corrupt) {
			return err
		}
		log.WithError(err).Warn("playlist file is corrupt, starting empty")
		tracks = nil
	}

	queue := playlist.NewQueue()
	queue.Append(tracks)
	if mode, err := playlist.ParseMode(cfg.Playback.Mode); err == nil {
		queue.SetMode(mode)
	} else {
		log.WithField("mode", cfg.Playback.Mode).Warn("unknown play mode in config, using sequential")
	}
	log.WithField("tracks", queue.Len()).Info("playlist loaded")

	client := catalog.NewClient(catalog.Options{
		Sessdata: os.Getenv("BILISONG_SESSDATA"),
		Timeout:  cfg.NetworkTimeout(),
		Retries:  cfg.Network.Retries,
		MinDelay: cfg.RetryDelay(),
		PageSize: cfg.Network.PageSize,
	}, log)

	engine, err := player.NewFFmpegEngine(log)
	if err != nil {
		return err
	}
	defer engine.Close()

	service, err := daemon.NewService(ctx, log)
	if err != nil {
		return err
	}
	defer service.Close()

	core := daemon.NewCore(ctx, store, queue, client, engine, service, importer.Options{
		Workers:     cfg.Import.Workers,
		ItemTimeout: cfg.ItemTimeout(),
	}, log)

	if err := service.Attach(core); err != nil {
		return err
	}

	watcher, err := daemon.NewWatcher(core, store, log)
	if err != nil {
		log.WithError(err).Warn("continuing without playlist file watching")
	} else {
		go watcher.Run(ctx)
	}

	log.WithField("bus", daemon.BusName).Info("listening on the session bus")
	core.Run()
	return nil
}
