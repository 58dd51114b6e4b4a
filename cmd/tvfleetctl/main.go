// tvfleetctl is the producer: it edits TVs and groups in the database and
// enqueues notifications that the socket server turns into pushes.
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
	"github.com/markus-barta/tvfleet/internal/logging"
	"github.com/markus-barta/tvfleet/internal/notify"
	"github.com/markus-barta/tvfleet/internal/store"
	"github.com/markus-barta/tvfleet/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", os.Getenv(config.PathEnvVar), "path to YAML config file")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("tvfleetctl %s\n", version.Info())
		os.Exit(0)
	}

	os.Exit(run(*configPath, flag.Args()))
}

func run(configPath string, args []string) int {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	// Only warnings and errors from the libraries; command output goes to stdout.
	log := logging.New(logging.Config{Level: "warn", Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	ch, err := notify.OpenChannel(ctx, cfg.Channel, false, "tvfleetctl", log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open channel: %v\n", err)
		return 1
	}
	defer ch.Close()

	a := &app{
		store:    st,
		producer: notify.NewProducer(ch.Publisher(), st),
		out:      os.Stdout,
	}
	if err := a.run(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			printUsage()
			return 2
		}
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: tvfleetctl [options] <command> [args]

tvfleet producer %s - edits TVs and groups and notifies the socket server.

Commands:
  push-tv <tvId>                 Tell one TV to refresh
  push-group [--raw] <groupId>   Tell every TV in a group to refresh
  status <tvId> online|offline   Set a TV's online flag and refresh admins
  refresh-admins                 Tell every admin dashboard to refresh
  add-tv <tvId> [name]           Create or rename a TV
  remove-tv <tvId>               Delete a TV
  add-group <groupId> [name]     Create or rename a group
  assign <tvId> <groupId>        Add a TV to a group
  unassign <tvId> <groupId>      Remove a TV from a group
  list                           Show TVs and groups

Options:
  -v, --version   Print version and exit
  --config        YAML config file (default: $TVFLEET_CONFIG)

Environment variables:
  TVFLEET_DATA_DIR        Data directory (default: /data)
  TVFLEET_DB_PATH         SQLite database (default: <data>/tvfleet.db)
  TVFLEET_CHANNEL         Notification channel: spool, nats (default: spool)
  TVFLEET_SPOOL_DIR       Spool directory (default: <data>/notifications)
  TVFLEET_NATS_URL        NATS server URL (nats channel)
`, version.Info())
}
