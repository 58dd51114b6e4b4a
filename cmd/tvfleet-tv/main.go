// tvfleet-tv is a reference TV client: it registers with the socket server,
// stays connected and logs every REFRESH_STATE push.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/tvfleet/internal/config"
	"github.com/markus-barta/tvfleet/internal/logging"
	"github.com/markus-barta/tvfleet/internal/tvclient"
	"github.com/markus-barta/tvfleet/internal/version"
	"github.com/rs/zerolog"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("tvfleet-tv %s\n", version.Info())
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadClientFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))

	log.Info().
		Str("version", version.Info()).
		Str("tv_id", cfg.TvID).
		Str("url", cfg.ServerURL).
		Msg("tvfleet TV client starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tvclient.New(cfg, &screen{log: log}, log).Run(ctx)
	log.Info().Msg("stopped")
}

// screen stands in for the display: it logs what a real TV would do.
type screen struct {
	log zerolog.Logger
}

func (s *screen) OnRegistered(tvID string) {
	s.log.Info().Str("tv_id", tvID).Msg("registered with socket server")
}

func (s *screen) OnRefreshState() {
	s.log.Info().Msg("REFRESH_STATE: re-fetching content")
}

func (s *screen) OnDisconnected() {
	s.log.Warn().Msg("connection lost")
}

func printUsage() {
	fmt.Printf(`Usage: tvfleet-tv [options]

tvfleet TV client %s - registers a TV with the socket server and logs pushes.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  TVFLEET_URL           Socket server WebSocket URL (required)
  TVFLEET_TV_ID         TV identity (default: hostname)
  TVFLEET_MAX_BACKOFF   Reconnect backoff ceiling in seconds (default: 60)
  TVFLEET_LOG_LEVEL     Log level: debug, info, warn, error
`, version.Info())
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadClientFromEnv()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  TV id:   %s\n", cfg.TvID)
	fmt.Printf("  Server:  %s\n", cfg.ServerURL)
	fmt.Println()

	fmt.Print("Testing socket server connectivity... ")

	// Convert WebSocket URL to the HTTP health endpoint
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		fmt.Printf("❌ Invalid URL: %v\n", err)
		return 1
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path, u.RawQuery = "/health", ""

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(u.String())
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
