// Package status keeps the durable online flag of each TV in line with the
// lifecycle of its socket and tells admin dashboards when it changes.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/tvfleet/internal/metrics"
	"github.com/markus-barta/tvfleet/internal/store"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Store is the persistence collaborator.
type Store interface {
	GetTvByID(ctx context.Context, id string) (*store.Tv, error)
	SetTvOnlineStatus(ctx context.Context, id string, online bool, socketID *string) error
	MarkTvOffline(ctx context.Context, id, socketID string) (bool, error)
}

// AdminNotifier fans a refresh out to admin dashboards.
type AdminNotifier interface {
	RefreshAdmins() int
}

// Config tunes the store calls.
type Config struct {
	Timeout          time.Duration // per store call
	FailureThreshold uint32        // consecutive failures before the breaker opens
	OpenTimeout      time.Duration // how long the breaker stays open
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Synchronizer marks TVs online and offline. Persistence failures are logged
// and swallowed: the socket is the source of truth and connection handling
// never waits on, or fails because of, the store.
type Synchronizer struct {
	store   Store
	admins  AdminNotifier
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a synchronizer.
func New(st Store, admins AdminNotifier, cfg Config, log zerolog.Logger) *Synchronizer {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	logger := log.With().Str("component", "status").Logger()

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "status-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// A missing record is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, store.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state changed")
		},
	})

	return &Synchronizer{
		store:   st,
		admins:  admins,
		breaker: breaker,
		timeout: cfg.Timeout,
		log:     logger,
	}
}

// OnConnect marks a known TV online under a fresh correlation id and refreshes
// admins. An unknown TV stays "pending": connected, but not marked online.
// It returns the correlation id that was stored ("" if none was) and whether
// the TV is known.
func (s *Synchronizer) OnConnect(ctx context.Context, tvID string) (socketID string, known bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (any, error) {
		return s.store.GetTvByID(ctx, tvID)
	})
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info().Str("tv_id", tvID).Msg("tv connected but not registered (pending)")
		return "", false
	}
	if err != nil {
		s.log.Error().Err(err).Str("tv_id", tvID).Msg("failed to look up tv, not marking online")
		metrics.StatusWritesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
		return "", false
	}

	id := uuid.NewString()
	if s.setStatus(ctx, tvID, true, &id) {
		s.log.Info().Str("tv_id", tvID).Str("socket_id", id).Msg("tv online")
		socketID = id
	}
	s.admins.RefreshAdmins()
	return socketID, true
}

// OnDisconnect marks the TV offline and refreshes admins. The write only
// applies while the TV is still held under socketID, so a late disconnect
// never overrides a newer connection's online flag. It is not tied to ctx
// cancellation so TVs still go offline during shutdown.
func (s *Synchronizer) OnDisconnect(ctx context.Context, tvID, socketID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	res, err := s.breaker.Execute(func() (any, error) {
		return s.store.MarkTvOffline(ctx, tvID, socketID)
	})
	switch {
	case err != nil:
		s.log.Error().Err(err).Str("tv_id", tvID).Msg("failed to store offline status")
		metrics.StatusWritesTotal.WithLabelValues(metrics.ResultError).Inc()
	case res.(bool):
		s.log.Info().Str("tv_id", tvID).Msg("tv offline")
		metrics.StatusWritesTotal.WithLabelValues(metrics.ResultOK).Inc()
	default:
		s.log.Debug().Str("tv_id", tvID).Str("socket_id", socketID).
			Msg("offline not stored: tv unknown or held by a newer connection")
		metrics.StatusWritesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
	}
	s.admins.RefreshAdmins()
}

func (s *Synchronizer) setStatus(ctx context.Context, tvID string, online bool, socketID *string) bool {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.store.SetTvOnlineStatus(ctx, tvID, online, socketID)
	})

	switch {
	case err == nil:
		metrics.StatusWritesTotal.WithLabelValues(metrics.ResultOK).Inc()
		return true
	case errors.Is(err, store.ErrNotFound):
		s.log.Debug().Str("tv_id", tvID).Bool("online", online).Msg("tv not registered, status not stored")
		metrics.StatusWritesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
	default:
		s.log.Error().Err(err).Str("tv_id", tvID).Bool("online", online).Msg("failed to store online status")
		metrics.StatusWritesTotal.WithLabelValues(metrics.ResultError).Inc()
	}
	return false
}
