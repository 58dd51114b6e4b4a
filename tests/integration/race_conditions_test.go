// Race scenarios: many sockets or producers acting at once.
package integration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/tvfleet/internal/protocol"
)

func TestRaceCondition_ConcurrentRegistrationSameTv(t *testing.T) {
	s := NewStack(t)
	s.AddTv(t, "t1")

	const n = 8
	var closed atomic.Int32
	var wg sync.WaitGroup
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = s.Dial(t)
	}

	for _, conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"register","tvId":"t1"}`))
			_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if ne, ok := err.(interface{ Timeout() bool }); !ok || !ne.Timeout() {
						closed.Add(1)
					}
					return
				}
			}
		}(conn)
	}

	// Exactly one binding survives; every other socket is closed.
	waitFor(t, 5*time.Second, func() bool { return closed.Load() == n-1 })
	if tvs, _ := s.Registry.Counts(); tvs != 1 {
		t.Errorf("registry holds %d tvs, want 1", tvs)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Online(t, "t1") })
	wg.Wait()
}

func TestRaceCondition_ConcurrentProducers(t *testing.T) {
	s := NewStack(t)
	tv := s.ConnectTv(t, "t1")

	const producers, perProducer = 5, 10
	var wg sync.WaitGroup
	errs := make(chan error, producers*perProducer)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := s.Producer.NotifyTv(context.Background(), "t1"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("publish: %v", err)
	}

	// Unique entry names: nothing overwritten, every event delivered.
	for i := 0; i < producers*perProducer; i++ {
		readUntil(t, tv, protocol.TypeRefreshState)
	}
	waitFor(t, 2*time.Second, spoolEmpty(t, s.SpoolDir))
}
