package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedBroker is an in-process NATS server with JetStream enabled, for
// single-host deployments that want the broker channel without running one.
type EmbeddedBroker struct {
	ns *server.Server
}

// StartEmbeddedBroker starts the broker and waits until it accepts clients.
// A port of -1 picks a random free port.
func StartEmbeddedBroker(host string, port int, storeDir string) (*EmbeddedBroker, error) {
	opts := &server.Options{
		ServerName: "tvfleet",
		Host:       host,
		Port:       port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoSigs:     true,
		NoLog:      true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("NATS server not ready within timeout")
	}

	return &EmbeddedBroker{ns: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (b *EmbeddedBroker) ClientURL() string {
	return b.ns.ClientURL()
}

// Shutdown stops the broker and waits for it to exit.
func (b *EmbeddedBroker) Shutdown() {
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
}
