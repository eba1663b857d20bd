package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Pinger checks a dependency, e.g. *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server answers liveness and readiness probes for Kubernetes and load balancers.
type Server struct {
	db      Pinger
	timeout time.Duration
}

// NewServer returns a health Server. db may be nil; then readiness only reports the process is up.
func NewServer(db Pinger) *Server {
	return &Server{db: db, timeout: 2 * time.Second}
}

type status struct {
	Status string `json:"status"`
}

// Register mounts /healthz (liveness) and /readyz (database reachable) on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.live)
	mux.HandleFunc("GET /readyz", s.ready)
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "SERVING")
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			slog.Warn("health: database ping failed", "error", err)
			writeStatus(w, http.StatusServiceUnavailable, "NOT_SERVING")
			return
		}
	}
	writeStatus(w, http.StatusOK, "SERVING")
}

func writeStatus(w http.ResponseWriter, code int, s string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status{Status: s})
}
