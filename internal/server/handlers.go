package server

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/markus-barta/tvfleet/internal/metrics"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// handleConnections lists connected TVs and the number of admin dashboards.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	tvs := s.reg.TvIDs()
	_, admins := s.reg.Counts()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tvs":    tvs,
		"admins": admins,
	})
}

// handleWebSocket upgrades the request and starts the connection's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(s, conn, r.RemoteAddr)
	s.track(c)
	metrics.ConnectionsActive.WithLabelValues(metrics.KindUnclassified).Inc()
	c.log.Debug().Msg("socket connected")

	s.wg.Add(1)
	go c.writePump()
	go c.readPump()
}
