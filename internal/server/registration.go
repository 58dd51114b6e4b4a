package server

import (
	"github.com/markus-barta/tvfleet/internal/metrics"
	"github.com/markus-barta/tvfleet/internal/protocol"
)

// handleMessage runs the registration state machine for one inbound frame.
// A socket is classified once; anything that is not a valid first register
// is logged and ignored, and the connection stays open.
func (c *Client) handleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("ignoring malformed message")
		metrics.ProtocolErrorsTotal.Inc()
		return
	}

	if msg.Type != protocol.TypeRegister {
		c.log.Debug().Str("type", msg.Type).Msg("ignoring unexpected message")
		return
	}

	reg, err := msg.Registration()
	if err != nil {
		c.log.Warn().Err(err).Msg("ignoring invalid register")
		metrics.ProtocolErrorsTotal.Inc()
		return
	}

	c.mu.Lock()
	if c.kind != "" {
		kind := c.kind
		c.mu.Unlock()
		c.log.Warn().Str("kind", kind).Msg("ignoring register on classified socket")
		metrics.ProtocolErrorsTotal.Inc()
		return
	}
	if reg.IsAdmin() {
		c.kind = metrics.KindAdmin
	} else {
		c.kind = metrics.KindTV
		c.tvID = reg.TvID
	}
	if c.registerTimer != nil {
		c.registerTimer.Stop()
	}
	c.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(metrics.KindUnclassified).Dec()

	if reg.IsAdmin() {
		c.registerAdmin()
	} else {
		c.registerTv(reg.TvID)
	}
}

func (c *Client) registerAdmin() {
	c.server.reg.RegisterAdmin(c)
	metrics.ConnectionsActive.WithLabelValues(metrics.KindAdmin).Inc()
	metrics.RegistrationsTotal.WithLabelValues(metrics.KindAdmin).Inc()

	c.Send(protocol.RegisteredAdmin())
	c.log.Info().Msg("admin registered")
}

func (c *Client) registerTv(tvID string) {
	if prev := c.server.reg.RegisterTv(tvID, c); prev != nil {
		c.log.Info().Str("tv_id", tvID).Msg("superseded previous connection")
		metrics.SupersededTotal.Inc()
	}
	metrics.ConnectionsActive.WithLabelValues(metrics.KindTV).Inc()
	metrics.RegistrationsTotal.WithLabelValues(metrics.KindTV).Inc()

	c.Send(protocol.RegisteredTv(tvID))
	c.log.Info().Str("tv_id", tvID).Msg("tv registered")

	socketID, _ := c.server.status.OnConnect(c.server.ctx, tvID)
	c.mu.Lock()
	c.socketID = socketID
	c.mu.Unlock()
}

// registerTimeout closes a socket that never registered.
func (c *Client) registerTimeout() {
	c.mu.Lock()
	classified := c.kind != ""
	c.mu.Unlock()
	if classified || c.Closed() {
		return
	}

	c.log.Info().Dur("timeout", c.server.cfg.RegisterTimeout).Msg("closing socket that never registered")
	metrics.RegisterTimeoutsTotal.Inc()
	c.Close()
}

// disconnected undoes the socket's registration. Only the connection still
// bound to its tvId marks the TV offline; a superseded one leaves the newer
// binding alone.
func (c *Client) disconnected() {
	c.mu.Lock()
	kind, tvID, socketID := c.kind, c.tvID, c.socketID
	c.mu.Unlock()

	switch kind {
	case metrics.KindAdmin:
		c.server.reg.UnregisterAdmin(c)
		metrics.ConnectionsActive.WithLabelValues(metrics.KindAdmin).Dec()
		c.log.Info().Msg("admin disconnected")
	case metrics.KindTV:
		metrics.ConnectionsActive.WithLabelValues(metrics.KindTV).Dec()
		if !c.server.reg.UnregisterTv(tvID, c) {
			c.log.Debug().Str("tv_id", tvID).Msg("superseded connection closed")
			return
		}
		c.log.Info().Str("tv_id", tvID).Msg("tv disconnected")
		c.server.status.OnDisconnect(c.server.ctx, tvID, socketID)
	default:
		metrics.ConnectionsActive.WithLabelValues(metrics.KindUnclassified).Dec()
		c.log.Debug().Msg("unregistered socket closed")
	}
}
