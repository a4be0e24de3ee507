// Package server exposes the pipeline over HTTP: trigger, status, history,
// stop, plus health, metrics, and the websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dugoutlabs/linedrive/pkg/events"
	"github.com/dugoutlabs/linedrive/pkg/metrics"
	"github.com/dugoutlabs/linedrive/pkg/pipeline/registry"
)

// Server is the HTTP front end over the run registry.
type Server struct {
	registry *registry.Registry
	hub      *events.Hub
	metrics  *metrics.PipelineMetrics
	log      zerolog.Logger

	defaultBankroll decimal.Decimal

	httpServer *http.Server
}

// New creates the server. defaultBankroll is used when a trigger request
// omits the bankroll.
func New(reg *registry.Registry, hub *events.Hub, m *metrics.PipelineMetrics,
	defaultBankroll decimal.Decimal, port int, log zerolog.Logger) *Server {

	s := &Server{
		registry:        reg,
		hub:             hub,
		metrics:         m,
		log:             log.With().Str("component", "server").Logger(),
		defaultBankroll: defaultBankroll,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/api/pipeline", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/trigger", s.handleTrigger)
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Post("/stop", s.handleStop)
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"ws_clients": s.hub.ClientCount(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req registry.TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.TargetDate == "" {
		req.TargetDate = time.Now().Format("2006-01-02")
	}
	if req.Bankroll.IsZero() {
		req.Bankroll = s.defaultBankroll
	}

	snap, err := s.registry.Trigger(req)
	switch {
	case errors.Is(err, registry.ErrRunInFlight):
		s.metrics.RecordTrigger("rejected")
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.metrics.RecordTrigger("invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.metrics.RecordTrigger("accepted")
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.registry.Status()
	if !ok {
		if hist := s.registry.History(1); len(hist) > 0 {
			writeJSON(w, http.StatusOK, map[string]any{
				"in_flight": false,
				"last_run":  hist[0],
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"in_flight": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"in_flight": true,
		"run":       snap,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs := s.registry.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(runs),
		"runs":  runs,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.registry.Stop()
	if !stopped {
		writeError(w, http.StatusConflict, "no pipeline run in flight")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"stopping": true,
		"detail":   "cancellation takes effect before the next stage starts",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
