package tvclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markus-barta/tvfleet/internal/config"
	"github.com/markus-barta/tvfleet/internal/dispatch"
	"github.com/markus-barta/tvfleet/internal/registry"
	"github.com/markus-barta/tvfleet/internal/server"
	"github.com/rs/zerolog"
)

type recorder struct {
	registered  atomic.Int32
	refreshes   atomic.Int32
	disconnects atomic.Int32
	lastTvID    atomic.Value
}

func (r *recorder) OnRegistered(tvID string) {
	r.lastTvID.Store(tvID)
	r.registered.Add(1)
}

func (r *recorder) OnRefreshState() { r.refreshes.Add(1) }
func (r *recorder) OnDisconnected() { r.disconnects.Add(1) }

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

type fixture struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	url  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	reg := registry.New()
	cfg := config.Default().Server
	cfg.RateLimit = 0
	srv := server.New(cfg, reg, nil, zerolog.Nop())

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &fixture{
		reg:  reg,
		disp: dispatch.New(reg, nil, zerolog.Nop()),
		url:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func (f *fixture) startClient(t *testing.T, tvID string) (*recorder, *Client, context.CancelFunc, <-chan struct{}) {
	t.Helper()

	cfg := config.DefaultClientConfig()
	cfg.ServerURL = f.url
	cfg.TvID = tvID
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond

	rec := &recorder{}
	c := New(cfg, rec, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec, c, cancel, done
}

func TestClient_RegistersAndReceivesRefresh(t *testing.T) {
	f := newFixture(t)
	rec, c, _, _ := f.startClient(t, "lobby")

	waitFor(t, 5*time.Second, func() bool { return rec.registered.Load() == 1 })
	if got := rec.lastTvID.Load(); got != "lobby" {
		t.Errorf("registered as %v", got)
	}
	if !c.IsConnected() {
		t.Error("client reports disconnected")
	}

	if !f.disp.PushToTv("lobby") {
		t.Fatal("push failed")
	}
	waitFor(t, 5*time.Second, func() bool { return rec.refreshes.Load() == 1 })
}

func TestClient_ReconnectsAfterServerClose(t *testing.T) {
	f := newFixture(t)
	rec, _, _, _ := f.startClient(t, "lobby")

	waitFor(t, 5*time.Second, func() bool { return rec.registered.Load() == 1 })

	conn, ok := f.reg.LookupTv("lobby")
	if !ok {
		t.Fatal("tv not bound")
	}
	conn.Close()

	waitFor(t, 5*time.Second, func() bool { return rec.registered.Load() == 2 })
	if rec.disconnects.Load() < 1 {
		t.Error("disconnect not reported")
	}

	// The new socket replaced the old binding.
	waitFor(t, 5*time.Second, func() bool {
		cur, ok := f.reg.LookupTv("lobby")
		return ok && cur != conn
	})
}

func TestClient_RetriesUntilServerIsUp(t *testing.T) {
	cfg := config.DefaultClientConfig()
	cfg.ServerURL = "ws://127.0.0.1:1/ws"
	cfg.TvID = "lobby"
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond

	rec := &recorder{}
	c := New(cfg, rec, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	c.Run(ctx)

	if time.Since(start) > 3*time.Second {
		t.Error("Run did not stop when the context expired")
	}
	if rec.registered.Load() != 0 || c.IsConnected() {
		t.Error("client claims a connection to a dead server")
	}
}

func TestClient_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	rec, _, cancel, done := f.startClient(t, "lobby")

	waitFor(t, 5*time.Second, func() bool { return rec.registered.Load() == 1 })
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	waitFor(t, 5*time.Second, func() bool {
		_, ok := f.reg.LookupTv("lobby")
		return !ok
	})
}
