package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/markus-barta/tvfleet/internal/notify"
	"github.com/markus-barta/tvfleet/internal/store"
	"github.com/rs/zerolog"
)

// collector records published events.
type collector struct {
	events []notify.Event
}

func (c *collector) Publish(_ context.Context, e notify.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	c.events = append(c.events, e)
	return nil
}

func (c *collector) kinds() []string {
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = string(e.Type) + ":" + e.Target()
	}
	return out
}

func newApp(t *testing.T) (*app, *collector, *bytes.Buffer) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tvfleet.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pub := &collector{}
	out := &bytes.Buffer{}
	return &app{store: st, producer: notify.NewProducer(pub, st), out: out}, pub, out
}

func mustRun(t *testing.T, a *app, args ...string) {
	t.Helper()
	if err := a.run(context.Background(), args); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
}

func TestCommands_GroupWorkflow(t *testing.T) {
	a, pub, out := newApp(t)

	mustRun(t, a, "add-tv", "t1", "Lobby")
	mustRun(t, a, "add-tv", "t2")
	mustRun(t, a, "add-group", "g1", "Ground floor")
	mustRun(t, a, "assign", "t1", "g1")
	mustRun(t, a, "assign", "t2", "g1")

	pub.events = nil
	mustRun(t, a, "push-group", "g1")
	if got := strings.Join(pub.kinds(), ","); got != "tv:t1,tv:t2" {
		t.Errorf("push-group events = %s", got)
	}

	pub.events = nil
	mustRun(t, a, "push-group", "--raw", "g1")
	if got := strings.Join(pub.kinds(), ","); got != "group:g1" {
		t.Errorf("push-group --raw events = %s", got)
	}

	pub.events = nil
	mustRun(t, a, "unassign", "t2", "g1")
	if got := strings.Join(pub.kinds(), ","); got != "tv:t2,all-admins:" {
		t.Errorf("unassign events = %s", got)
	}

	out.Reset()
	mustRun(t, a, "list")
	if !strings.Contains(out.String(), "Lobby") || !strings.Contains(out.String(), "Ground floor") {
		t.Errorf("list output:\n%s", out.String())
	}
}

func TestCommands_Status(t *testing.T) {
	a, pub, _ := newApp(t)
	mustRun(t, a, "add-tv", "t1")

	pub.events = nil
	mustRun(t, a, "status", "t1", "online")

	tv, err := a.store.GetTvByID(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !tv.IsOnline {
		t.Error("tv not marked online")
	}
	if len(pub.events) != 1 || pub.events[0].Type != notify.KindStatusChange || !pub.events[0].Payload.IsOnline {
		t.Errorf("events = %+v", pub.events)
	}

	if err := a.run(context.Background(), []string{"status", "ghost", "online"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("status of unknown tv: %v", err)
	}
}

func TestCommands_Usage(t *testing.T) {
	a, pub, _ := newApp(t)

	for _, args := range [][]string{
		{},
		{"reboot"},
		{"push-tv"},
		{"status", "t1", "sideways"},
		{"assign", "t1"},
		{"push-group", "--bogus", "g1"},
	} {
		if err := a.run(context.Background(), args); !errors.Is(err, errUsage) {
			t.Errorf("%v: got %v, want usage error", args, err)
		}
	}
	if len(pub.events) != 0 {
		t.Errorf("usage errors published %v", pub.kinds())
	}
}

func TestCommands_PushAndRefresh(t *testing.T) {
	a, pub, _ := newApp(t)

	mustRun(t, a, "push-tv", "t9")
	mustRun(t, a, "refresh-admins")
	if got := strings.Join(pub.kinds(), ","); got != "tv:t9,all-admins:" {
		t.Errorf("events = %s", got)
	}

	if err := a.run(context.Background(), []string{"remove-tv", "t9"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("remove unknown tv: %v", err)
	}
}
