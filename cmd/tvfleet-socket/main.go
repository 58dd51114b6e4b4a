// tvfleet-socket is the socket server: it holds the TV and admin WebSocket
// connections and turns notifications from producers into pushes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/markus-barta/tvfleet/internal/config"
	"github.com/markus-barta/tvfleet/internal/dispatch"
	"github.com/markus-barta/tvfleet/internal/logging"
	"github.com/markus-barta/tvfleet/internal/notify"
	"github.com/markus-barta/tvfleet/internal/registry"
	"github.com/markus-barta/tvfleet/internal/server"
	"github.com/markus-barta/tvfleet/internal/status"
	"github.com/markus-barta/tvfleet/internal/store"
	"github.com/markus-barta/tvfleet/internal/supervisor"
	"github.com/markus-barta/tvfleet/internal/version"
	"github.com/rs/zerolog"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", os.Getenv(config.PathEnvVar), "path to YAML config file")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tvfleet-socket %s\n", version.Info())
		os.Exit(0)
	}

	// Bootstrap logger until the configured one exists
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log = logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log.Info().
		Str("version", version.Info()).
		Str("listen", cfg.Server.ListenAddr).
		Str("channel", cfg.Channel.Backend).
		Msg("tvfleet socket server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() { _ = st.Close() }()

	// No socket can be live before this process is.
	if _, err := st.MarkAllOffline(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reset online status on startup")
	}

	ch, err := notify.OpenChannel(ctx, cfg.Channel, true, "tvfleet-socket", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open notification channel")
	}
	defer ch.Close()

	reg := registry.New()
	disp := dispatch.New(reg, st, log)
	syncer := status.New(st, disp, status.Config{Timeout: cfg.Status.Timeout}, log)
	srv := server.New(cfg.Server, reg, syncer, log)

	tree := supervisor.New(log, supervisor.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddChannel(ch.Consumer("tvfleet-socket", disp))
	tree.AddGateway(srv)

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("supervisor stopped")
	}
	log.Info().Msg("shut down")
}
