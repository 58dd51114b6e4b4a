// Package metrics holds the Prometheus collectors for the socket server and
// the notification channel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection kinds used as label values.
const (
	KindTV           = "tv"
	KindAdmin        = "admin"
	KindUnclassified = "unclassified"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	// ConnectionsActive tracks open sockets by classification.
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tvfleet_connections_active",
			Help: "Open WebSocket connections by kind",
		},
		[]string{"kind"},
	)

	// RegistrationsTotal counts successful register handshakes.
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvfleet_registrations_total",
			Help: "Successful register handshakes by kind",
		},
		[]string{"kind"},
	)

	// SupersededTotal counts TV connections closed because the same tvId
	// registered again on a new socket.
	SupersededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tvfleet_superseded_connections_total",
			Help: "TV connections replaced by a newer connection for the same tvId",
		},
	)

	// RegisterTimeoutsTotal counts sockets closed for never registering.
	RegisterTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tvfleet_register_timeouts_total",
			Help: "Connections closed while still unclassified",
		},
	)

	// ProtocolErrorsTotal counts ignored malformed or unexpected frames.
	ProtocolErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tvfleet_protocol_errors_total",
			Help: "Malformed or unexpected client frames",
		},
	)

	// PushesTotal counts push attempts by target and result.
	PushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvfleet_pushes_total",
			Help: "Push attempts by target (tv, admin) and result",
		},
		[]string{"target", "result"},
	)

	// NotificationsTotal counts notification events by type and result, on
	// both the producing and the consuming side.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvfleet_notifications_total",
			Help: "Notification events by side (published, consumed), type and result",
		},
		[]string{"side", "type", "result"},
	)

	// StatusWritesTotal counts online/offline persistence attempts.
	StatusWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tvfleet_status_writes_total",
			Help: "Online status writes by result",
		},
		[]string{"result"},
	)
)
