// Package integration runs the socket server, the spool channel and the
// producer together, the way the three binaries run in production.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/tvfleet/internal/config"
	"github.com/markus-barta/tvfleet/internal/dispatch"
	"github.com/markus-barta/tvfleet/internal/notify"
	"github.com/markus-barta/tvfleet/internal/protocol"
	"github.com/markus-barta/tvfleet/internal/registry"
	"github.com/markus-barta/tvfleet/internal/server"
	"github.com/markus-barta/tvfleet/internal/status"
	"github.com/markus-barta/tvfleet/internal/store"
	"github.com/markus-barta/tvfleet/internal/supervisor"
	"github.com/rs/zerolog"
)

// Stack is a socket server consuming a spool directory, plus a producer
// writing into that directory through its own store handle.
type Stack struct {
	Store    *store.Store
	Registry *registry.Registry
	Producer *notify.Producer
	SpoolDir string
	url      string
}

// NewStack starts the socket side under a supervisor tree and returns once
// the HTTP endpoint is reachable.
func NewStack(t *testing.T) *Stack {
	t.Helper()

	dir := t.TempDir()
	log := zerolog.Nop()

	st, err := store.Open(filepath.Join(dir, "tvfleet.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Server.RateLimit = 0
	spoolDir := filepath.Join(dir, "notifications")

	reg := registry.New()
	disp := dispatch.New(reg, st, log)
	syncer := status.New(st, disp, status.DefaultConfig(), log)
	srv := server.New(cfg.Server, reg, syncer, log)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	tree := supervisor.New(log, supervisor.TreeConfig{ShutdownTimeout: 2 * time.Second})
	tree.AddChannel(notify.NewWatcher(spoolDir, disp, log))

	ctx, cancel := context.WithCancel(context.Background())
	errc := tree.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})

	return &Stack{
		Store:    st,
		Registry: reg,
		Producer: notify.NewProducer(notify.NewSpool(spoolDir, log), st),
		SpoolDir: spoolDir,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.WSPath,
	}
}

// URL returns the WebSocket endpoint.
func (s *Stack) URL() string {
	return s.url
}

// AddTv creates a known TV, optionally inside groups.
func (s *Stack) AddTv(t *testing.T, tvID string, groups ...string) {
	t.Helper()
	ctx := context.Background()
	if err := s.Store.UpsertTv(ctx, tvID, "TV "+tvID); err != nil {
		t.Fatalf("upsert tv: %v", err)
	}
	for _, g := range groups {
		if err := s.Store.UpsertGroup(ctx, g, ""); err != nil {
			t.Fatalf("upsert group: %v", err)
		}
		if err := s.Store.AddTvToGroup(ctx, g, tvID); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
}

// Online reports the persisted online flag of a TV.
func (s *Stack) Online(t *testing.T, tvID string) bool {
	t.Helper()
	tv, err := s.Store.GetTvByID(context.Background(), tvID)
	if err != nil {
		t.Fatalf("get tv: %v", err)
	}
	return tv.IsOnline
}

// Dial opens a raw WebSocket to the stack.
func (s *Stack) Dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ConnectTv dials and registers as tvID, waiting for the acknowledgement.
func (s *Stack) ConnectTv(t *testing.T, tvID string) *websocket.Conn {
	t.Helper()
	conn := s.Dial(t)
	send(t, conn, `{"type":"register","tvId":"`+tvID+`"}`)
	if msg := readUntil(t, conn, protocol.TypeRegistered); msg.TvID != tvID {
		t.Fatalf("registered as %q, want %q", msg.TvID, tvID)
	}
	return conn
}

// ConnectAdmin dials and registers as an admin dashboard.
func (s *Stack) ConnectAdmin(t *testing.T) *websocket.Conn {
	t.Helper()
	conn := s.Dial(t)
	send(t, conn, `{"type":"register","clientType":"admin"}`)
	if msg := readUntil(t, conn, protocol.TypeRegistered); msg.ClientType != protocol.ClientTypeAdmin {
		t.Fatalf("registered as %+v, want admin", msg)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads frames, skipping others, until one of msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

// expectNoFrame asserts silence for wait. A timed-out gorilla connection
// cannot be read again, so this must be the last read on conn.
func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected frame %q", data)
	}
	if ne, ok := err.(interface{ Timeout() bool }); !ok || !ne.Timeout() {
		t.Fatalf("connection failed instead of staying quiet: %v", err)
	}
}

// expectClosed waits for the server to end the connection.
func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
			t.Fatal("connection was not closed")
		}
		return
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
