// Package api serves the locator's HTTP surface: JSON endpoints for the
// anchor layout, latest and recorded positions and loop statistics, live
// WebSocket and SSE position feeds, and Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/db"
	"github.com/banshee-data/position.report/internal/monitoring"
	"github.com/banshee-data/position.report/internal/position"
)

const (
	defaultPositionsLimit = 100
	feedBuffer            = 16
)

// StatsFunc returns a JSON-encodable snapshot of the loop counters.
type StatsFunc func() any

// Config holds the dependencies a Server reads from. DB, Stats and Metrics
// are optional; their endpoints report 503 when unset.
type Config struct {
	Layout  *anchors.Layout
	Stream  *position.Stream
	DB      *db.DB
	Stats   StatsFunc
	Metrics *monitoring.Collector
	// PingInterval paces WebSocket pings and SSE keep-alives. Defaults to 30s.
	PingInterval time.Duration
}

type Server struct {
	cfg Config
}

func NewServer(cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Server{cfg: cfg}
}

// ServeMux returns a mux with every public route registered.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/anchors", s.showAnchors)
	mux.HandleFunc("/api/position", s.showPosition)
	mux.HandleFunc("/api/positions", s.listPositions)
	mux.HandleFunc("/api/stats", s.showStats)
	mux.HandleFunc("/ws", s.serveWebSocket)
	mux.HandleFunc("/events", s.serveEvents)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: failed to encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) showAnchors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anchors":        s.cfg.Layout,
		"solver_anchors": s.cfg.Layout.SolverIDs(),
		"collinear":      s.cfg.Layout.Collinear(),
	})
}

func (s *Server) showPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	p, ok := s.cfg.Stream.Latest()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "No position yet")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.cfg.DB == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Recording disabled")
		return
	}

	limit := defaultPositionsLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = min(parsed, db.MaxPositions)
	}

	records, err := s.cfg.DB.Positions(limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve positions: %v", err))
		return
	}
	if records == nil {
		records = []db.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.cfg.Stats == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Stats())
}
