// Package supervisor runs the socket server's long-lived services under a
// suture tree so a crashed consumer or listener is restarted with backoff
// instead of taking the process down.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// TreeConfig tunes restart behaviour.
type TreeConfig struct {
	FailureThreshold float64       // failures before backing off
	FailureDecay     float64       // seconds for the failure count to decay
	FailureBackoff   time.Duration // pause once the threshold is hit
	ShutdownTimeout  time.Duration // per-service stop timeout
}

// DefaultTreeConfig returns production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the root supervisor with one layer for the notification channel
// and one for the HTTP gateway.
type Tree struct {
	root    *suture.Supervisor
	channel *suture.Supervisor
	gateway *suture.Supervisor
}

// New builds the tree. Zero config fields take defaults.
func New(log zerolog.Logger, cfg TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = eventHook(log.With().Str("component", "supervisor").Logger())

	t := &Tree{
		root:    suture.New("tvfleet", rootSpec),
		channel: suture.New("channel", spec),
		gateway: suture.New("gateway", spec),
	}
	t.root.Add(t.channel)
	t.root.Add(t.gateway)
	return t
}

// AddChannel supervises a notification consumer.
func (t *Tree) AddChannel(svc suture.Service) suture.ServiceToken {
	return t.channel.Add(svc)
}

// AddGateway supervises an HTTP-facing service.
func (t *Tree) AddGateway(svc suture.Service) suture.ServiceToken {
	return t.gateway.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func eventHook(log zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		ev := log.Warn()
		switch e.Type() {
		case suture.EventTypeServicePanic:
			ev = log.Error()
		case suture.EventTypeResume:
			ev = log.Info()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}
