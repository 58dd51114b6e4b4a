// Package dispatch delivers push frames to TVs and admin dashboards through
// the connection registry, whether triggered in-process or by a notification
// event from another process.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/markus-barta/tvfleet/internal/metrics"
	"github.com/markus-barta/tvfleet/internal/notify"
	"github.com/markus-barta/tvfleet/internal/protocol"
	"github.com/markus-barta/tvfleet/internal/registry"
	"github.com/markus-barta/tvfleet/internal/store"
	"github.com/rs/zerolog"
)

// GroupResolver resolves a group to its member TVs.
type GroupResolver interface {
	GetTvsByGroupID(ctx context.Context, groupID string) ([]store.Tv, error)
}

// Dispatcher sends REFRESH_STATE to TVs and refresh-request to admins.
type Dispatcher struct {
	reg    *registry.Registry
	groups GroupResolver
	log    zerolog.Logger
}

// New creates a dispatcher. groups may be nil when group events are always
// resolved by producers.
func New(reg *registry.Registry, groups GroupResolver, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reg:    reg,
		groups: groups,
		log:    log.With().Str("component", "dispatch").Logger(),
	}
}

// PushToTv sends REFRESH_STATE to the TV's current connection. A TV that is
// not connected is not an error: it fetches fresh state when it reconnects.
// Reports whether the frame was queued.
func (d *Dispatcher) PushToTv(tvID string) bool {
	conn, ok := d.reg.LookupTv(tvID)
	if !ok || conn.Closed() {
		d.log.Debug().Str("tv_id", tvID).Msg("tv not connected, skipping push")
		metrics.PushesTotal.WithLabelValues("tv", metrics.ResultSkipped).Inc()
		return false
	}

	if !conn.Send(protocol.RefreshState()) {
		d.log.Warn().Str("tv_id", tvID).Msg("failed to queue REFRESH_STATE")
		metrics.PushesTotal.WithLabelValues("tv", metrics.ResultError).Inc()
		return false
	}

	d.log.Debug().Str("tv_id", tvID).Msg("sent REFRESH_STATE")
	metrics.PushesTotal.WithLabelValues("tv", metrics.ResultOK).Inc()
	return true
}

// PushToGroup pushes to every member of groupID independently and returns the
// number of members reached.
func (d *Dispatcher) PushToGroup(ctx context.Context, groupID string) (int, error) {
	if d.groups == nil {
		return 0, errors.New("push to group: no group resolver configured")
	}

	tvs, err := d.groups.GetTvsByGroupID(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("resolve group %s: %w", groupID, err)
	}

	delivered := 0
	for _, tv := range tvs {
		if d.PushToTv(tv.ID) {
			delivered++
		}
	}

	d.log.Debug().
		Str("group_id", groupID).
		Int("members", len(tvs)).
		Int("delivered", delivered).
		Msg("group push")
	return delivered, nil
}

// BroadcastToAdmins queues msg on every open admin connection. Closed
// connections are skipped and one failure does not affect the others.
// Returns the number of admins reached.
func (d *Dispatcher) BroadcastToAdmins(msg []byte) int {
	delivered := 0
	for _, conn := range d.reg.Admins() {
		if conn.Closed() {
			metrics.PushesTotal.WithLabelValues("admin", metrics.ResultSkipped).Inc()
			continue
		}
		if !conn.Send(msg) {
			metrics.PushesTotal.WithLabelValues("admin", metrics.ResultError).Inc()
			continue
		}
		metrics.PushesTotal.WithLabelValues("admin", metrics.ResultOK).Inc()
		delivered++
	}
	return delivered
}

// RefreshAdmins tells every admin dashboard its data may be stale.
func (d *Dispatcher) RefreshAdmins() int {
	n := d.BroadcastToAdmins(protocol.RefreshRequest())
	d.log.Debug().Int("admins", n).Msg("sent refresh-request")
	return n
}

// HandleEvent routes a notification event. It implements notify.Handler.
func (d *Dispatcher) HandleEvent(ctx context.Context, e notify.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	switch e.Type {
	case notify.KindTv:
		d.PushToTv(e.ID)
	case notify.KindGroup:
		if _, err := d.PushToGroup(ctx, e.ID); err != nil {
			return err
		}
	case notify.KindStatusChange:
		d.log.Debug().
			Str("tv_id", e.Payload.TvID).
			Bool("online", e.Payload.IsOnline).
			Msg("status change")
		d.RefreshAdmins()
	case notify.KindAllAdmins:
		d.RefreshAdmins()
	}
	return nil
}
