// Package api provides the HTTP API for querying the phase diagram.
// GET endpoints are public and read-only. POST /api/v1/snapshot requires
// a bearer token; POST /api/v1/profile is rate-limited per client.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/hhe-demix/internal/persistence"
	"github.com/talgya/hhe-demix/internal/phase"
	"github.com/talgya/hhe-demix/internal/table"
)

// Limits on profile requests.
const (
	maxProfilePoints = 100_000
	maxProfileBody   = 8 << 20
)

// Server serves the phase diagram over HTTP.
type Server struct {
	Engine   *phase.Engine
	Samples  []table.Sample // table the engine was built from, for snapshots
	Source   string         // where the table came from (file path or db)
	DB       *persistence.DB
	Port     int
	AdminKey string // Bearer token for POST /snapshot. Empty = snapshot disabled.
	Workers  int    // profile evaluation goroutines; 0 = unbounded

	// ProfileRate is profile requests per client per hour (default 60).
	ProfileRate int

	started time.Time
	stop    chan struct{}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	if s.stop == nil {
		s.stop = make(chan struct{})
	}
	rate := s.ProfileRate
	if rate == 0 {
		rate = 60
	}
	profileLimiter := NewRateLimiter(rate, time.Hour, s.stop)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/nodes", s.handleNodes)
	mux.HandleFunc("/api/v1/gap", s.handleGap)
	mux.HandleFunc("/api/v1/tcrit", s.handleTCrit)
	mux.HandleFunc("/api/v1/profile", RateLimitMiddleware(profileLimiter, "profile", s.handleProfile))
	mux.HandleFunc("/api/v1/profile/", s.handleProfileDetail)
	mux.HandleFunc("/api/v1/profiles", s.handleProfiles)
	mux.Handle("/metrics", promhttp.Handler())

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/snapshot", s.adminOnly(s.handleSnapshot))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine. The returned server
// can be shut down by the caller.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "db", s.DB != nil)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}

// Shutdown stops the server and the limiter sweeps.
func (s *Server) Shutdown(ctx context.Context, srv *http.Server) error {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Set CORS_ORIGINS env var to a comma-separated list of allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no DEMIX_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pmin, pmax := s.Engine.PressureRange()
	writeJSON(w, map[string]any{
		"name":      "hhe-demix",
		"source":    s.Source,
		"nodes":     len(s.Engine.Pressures()),
		"pressures": s.Engine.Pressures(),
		"p_min":     pmin,
		"p_max":     pmax,
		"db":        s.DB != nil,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Engine.Nodes())
}

// gapResult is one evaluated point; mass fractions accompany TwoPhase only.
type gapResult struct {
	P      float64      `json:"p"`
	T      float64      `json:"t"`
	Status phase.Status `json:"status"`
	XPoor  *float64     `json:"x_poor,omitempty"`
	XRich  *float64     `json:"x_rich,omitempty"`
	YPoor  *float64     `json:"y_poor,omitempty"`
	YRich  *float64     `json:"y_rich,omitempty"`
}

func newGapResult(pt phase.PT, g phase.Gap) gapResult {
	res := gapResult{P: pt.P, T: pt.T, Status: g.Status}
	if g.Status == phase.TwoPhase {
		yPoor, yRich := g.MassFractions()
		res.XPoor, res.XRich = &g.XPoor, &g.XRich
		res.YPoor, res.YRich = &yPoor, &yRich
	}
	return res
}

func (s *Server) handleGap(w http.ResponseWriter, r *http.Request) {
	p, err := floatParam(r, "p")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := floatParam(r, "t")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	g := s.Engine.MiscibilityGap(p, t)
	gapQueries.WithLabelValues("point", g.Status.String()).Inc()
	writeJSON(w, newGapResult(phase.PT{P: p, T: t}, g))
}

func (s *Server) handleTCrit(w http.ResponseWriter, r *http.Request) {
	p, err := floatParam(r, "p")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tc, err := s.Engine.CriticalTemperature(p)
	if errors.Is(err, phase.ErrOutOfRange) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]float64{"p": p, "tcrit": tc})
}

type profileRequest struct {
	Points []phase.PT `json:"points"`
	// Save stores the run when a database is configured.
	Save bool `json:"save"`
}

type profileResponse struct {
	RunID   string      `json:"run_id,omitempty"`
	Results []gapResult `json:"results"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req profileRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProfileBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Points) == 0 {
		http.Error(w, "no points", http.StatusBadRequest)
		return
	}
	if len(req.Points) > maxProfilePoints {
		http.Error(w, fmt.Sprintf("at most %d points per profile", maxProfilePoints), http.StatusRequestEntityTooLarge)
		return
	}
	profilePoints.Observe(float64(len(req.Points)))

	start := time.Now()
	gaps, err := s.Engine.Profile(r.Context(), req.Points, s.Workers)
	if err != nil {
		slog.Warn("profile aborted", "points", len(req.Points), "error", err)
		http.Error(w, "profile aborted", http.StatusServiceUnavailable)
		return
	}
	profileDuration.Observe(time.Since(start).Seconds())

	resp := profileResponse{Results: make([]gapResult, len(gaps))}
	for i, g := range gaps {
		gapQueries.WithLabelValues("profile", g.Status.String()).Inc()
		resp.Results[i] = newGapResult(req.Points[i], g)
	}

	if req.Save {
		if s.DB == nil {
			http.Error(w, "database not available", http.StatusServiceUnavailable)
			return
		}
		id, err := s.DB.SaveProfile(req.Points, gaps)
		if err != nil {
			slog.Error("profile save failed", "error", err)
			http.Error(w, "profile save failed", http.StatusInternalServerError)
			return
		}
		resp.RunID = id
	}
	writeJSON(w, resp)
}

// handleProfileDetail serves GET /api/v1/profile/{id}.
func (s *Server) handleProfileDetail(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/profile/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	run, points, gaps, err := s.DB.LoadProfile(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "profile not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("load profile failed", "id", id, "error", err)
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	results := make([]gapResult, len(points))
	for i := range points {
		results[i] = newGapResult(points[i], gaps[i])
	}
	writeJSON(w, map[string]any{
		"run":     run,
		"results": results,
	})
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	runs, err := s.DB.RecentProfiles(limit)
	if err != nil {
		slog.Error("list profiles failed", "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}

	if err := s.DB.SaveDiagram(s.Samples, s.Engine, s.Source); err != nil {
		slog.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"samples": len(s.Samples),
		"nodes":   len(s.Engine.Pressures()),
		"message": "snapshot saved",
	})
}

// floatParam parses a required finite query parameter. NaN and infinities
// are rejected here rather than passed on as out-of-range queries.
func floatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("parameter %q: %q is not a finite number", name, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
