// Package server mounts the WebSocket endpoints and the health probe on a
// plain HTTP mux.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/bus"
	"github.com/spk364/procomp/internal/hub"
	"github.com/spk364/procomp/internal/store"
	"github.com/spk364/procomp/pkg/json"
)

const (
	matchWSPrefix      = "/api/v1/ws/match/"
	tournamentWSPrefix = "/api/v1/ws/tournament/"

	healthProbeTimeout = 500 * time.Millisecond
)

// Server wires the control-plane HTTP surface.
type Server struct {
	hub      *hub.Hub
	verifier *auth.Verifier
	bus      bus.Bus
	store    store.Store
	log      *zap.Logger
}

func New(h *hub.Hub, v *auth.Verifier, b bus.Bus, s store.Store, log *zap.Logger) *Server {
	return &Server{
		hub:      h,
		verifier: v,
		bus:      b,
		store:    s,
		log:      log.With(zap.String("module", "server")),
	}
}

// Handler builds the mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(matchWSPrefix, s.handleMatchWS)
	mux.HandleFunc(tournamentWSPrefix, s.handleTournamentWS)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// NewHTTPServer wraps the handler in an http.Server. Read/write timeouts
// stay unset because WebSocket connections are long-lived;
// ReadHeaderTimeout mitigates Slowloris.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) handleMatchWS(w http.ResponseWriter, r *http.Request) {
	matchID := strings.TrimPrefix(r.URL.Path, matchWSPrefix)
	if matchID == "" || strings.Contains(matchID, "/") {
		http.NotFound(w, r)
		return
	}
	s.hub.ServeMatch(w, r, s.verifier, matchID)
}

func (s *Server) handleTournamentWS(w http.ResponseWriter, r *http.Request) {
	tournamentID := strings.TrimPrefix(r.URL.Path, tournamentWSPrefix)
	if tournamentID == "" || strings.Contains(tournamentID, "/") {
		http.NotFound(w, r)
		return
	}
	s.hub.ServeTournament(w, r, s.verifier, tournamentID)
}

// handleHealth reports OK iff the bus answers a ping and the store answers a
// trivial query, each within 500ms.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type probe struct {
		name  string
		check func(context.Context) error
	}
	probes := []probe{
		{"pubsub", s.bus.Ping},
		{"store", s.store.Ping},
	}

	status := map[string]interface{}{
		"status":      "ok",
		"connections": s.hub.ConnectionCount(),
		"channels":    s.hub.ChannelsSnapshot(),
	}
	healthy := true
	for _, p := range probes {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		err := p.check(ctx)
		cancel()
		if err != nil {
			s.log.Warn("health probe failed", zap.String("probe", p.name), zap.Error(err))
			status[p.name] = "unavailable"
			healthy = false
		} else {
			status[p.name] = "ok"
		}
	}
	if !healthy {
		status["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("failed to encode health response", zap.Error(err))
	}
}
