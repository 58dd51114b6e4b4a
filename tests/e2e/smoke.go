// Smoke test against a running socket server.
// Run with: go run ./tests/e2e -url ws://localhost:8080/ws -tv lobby
//
// It registers an admin and a TV, checks that /connections lists the TV and,
// with -wait-push, waits for a REFRESH_STATE (trigger it with
// `tvfleetctl push-tv <id>` on the server host).
package main

import (
	"flag"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/tvfleet/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	wsURL    = flag.String("url", "ws://localhost:8080/ws", "Socket server WebSocket URL")
	tvID     = flag.String("tv", "smoke-test-tv", "TV id to register")
	waitPush = flag.Bool("wait-push", false, "Wait for a REFRESH_STATE push")
	timeout  = flag.Duration("timeout", 30*time.Second, "Test timeout")
	verbose  = flag.Bool("v", false, "Log every received frame")
)

var log zerolog.Logger

func main() {
	flag.Parse()
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().Timestamp().Logger()

	log.Info().Str("url", *wsURL).Str("tv", *tvID).Dur("timeout", *timeout).Msg("🧪 tvfleet smoke test")

	admin := connect(`{"type":"register","clientType":"admin"}`)
	defer func() { _ = admin.Close() }()
	expect(admin, protocol.TypeRegistered, 5*time.Second)
	log.Info().Msg("✅ admin registered")

	tv := connect(`{"type":"register","tvId":"` + *tvID + `"}`)
	defer func() { _ = tv.Close() }()
	if msg := expect(tv, protocol.TypeRegistered, 5*time.Second); msg.TvID != *tvID {
		log.Fatal().Str("got", msg.TvID).Msg("❌ registered under the wrong id")
	}
	log.Info().Msg("✅ TV registered")

	checkConnections()

	if *waitPush {
		log.Info().Msgf("⏳ waiting for REFRESH_STATE, run: tvfleetctl push-tv %s", *tvID)
		expect(tv, protocol.TypeRefreshState, *timeout)
		log.Info().Msg("✅ REFRESH_STATE received")
	}

	log.Info().Msg("🎉 smoke test passed")
}

func connect(register string) *websocket.Conn {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(*wsURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ connect failed")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(register)); err != nil {
		log.Fatal().Err(err).Msg("❌ register failed")
	}
	return conn
}

// expect reads frames until one of msgType arrives or wait elapses.
func expect(conn *websocket.Conn, msgType string, wait time.Duration) *protocol.Message {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Fatal().Err(err).Str("waiting_for", msgType).Msg("❌ read failed")
		}
		if *verbose {
			log.Debug().RawJSON("frame", data).Msg("received")
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable frame")
			continue
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func checkConnections() {
	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ bad url")
	}
	u.Scheme = strings.Replace(u.Scheme, "ws", "http", 1)
	u.Path = "/connections"

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(u.String())
	if err != nil {
		log.Fatal().Err(err).Msg("❌ /connections failed")
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Tvs    []string `json:"tvs"`
		Admins int      `json:"admins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Fatal().Err(err).Msg("❌ decode /connections")
	}
	if !slices.Contains(body.Tvs, *tvID) || body.Admins < 1 {
		log.Fatal().Strs("tvs", body.Tvs).Int("admins", body.Admins).Msg("❌ connection not listed")
	}
	log.Info().Int("tvs", len(body.Tvs)).Int("admins", body.Admins).Msg("✅ /connections lists the TV")
}
