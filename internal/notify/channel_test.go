package notify

import (
	"context"
	"testing"
	"time"

	"github.com/markus-barta/tvfleet/internal/config"
	"github.com/rs/zerolog"
)

func runConsumer(t *testing.T, svc Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestChannel_Spool(t *testing.T) {
	cfg := config.Default().Channel
	cfg.SpoolDir = t.TempDir()

	ch, err := OpenChannel(context.Background(), cfg, true, "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(ch.Close)

	if _, ok := ch.Publisher().(*Spool); !ok {
		t.Fatalf("publisher = %T, want *Spool", ch.Publisher())
	}

	rec := &recorder{}
	runConsumer(t, ch.Consumer("socket", rec))

	if err := ch.Publisher().Publish(context.Background(), TvEvent("t1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(rec.Events()) == 1 })
}

func TestChannel_EmbeddedNATS(t *testing.T) {
	cfg := config.Default().Channel
	cfg.Backend = config.BackendNATS
	cfg.NATSEmbedded = true
	cfg.NATSPort = -1
	cfg.NATSStoreDir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := OpenChannel(ctx, cfg, true, "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(ch.Close)

	rec := &recorder{}
	runConsumer(t, ch.Consumer("socket", rec))

	if err := ch.Publisher().Publish(ctx, AllAdminsEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return len(rec.Events()) == 1 })
	if got := rec.Events()[0].Type; got != KindAllAdmins {
		t.Errorf("event = %s", got)
	}
}

func TestChannel_UnknownBackend(t *testing.T) {
	cfg := config.Default().Channel
	cfg.Backend = "kafka"
	if _, err := OpenChannel(context.Background(), cfg, false, "test", zerolog.Nop()); err == nil {
		t.Error("expected error")
	}
}
