// SPDX-License-Identifier: MIT

// Package api serves the machine-facing operational surface: trigger and
// reset endpoints, state/event projections, and liveness/readiness probes.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/fleetsafe/estopd/internal/estop"
	"github.com/fleetsafe/estopd/internal/health"
	xlog "github.com/fleetsafe/estopd/internal/log"
)

// SnapshotSink receives a state snapshot after every mutating operation.
type SnapshotSink interface {
	Write(snap any) error
}

// HeartbeatSink receives liveness signals reported by the units.
type HeartbeatSink interface {
	Signal(t time.Time)
}

// Server wires the controller into an HTTP router.
type Server struct {
	controller   *estop.Controller
	health       *health.Manager
	snapshots    SnapshotSink  // optional
	heartbeats   HeartbeatSink // optional
	rateLimitRPM int
	logger       zerolog.Logger
}

// Options configures the API server.
type Options struct {
	Controller *estop.Controller
	Health     *health.Manager
	Snapshots  SnapshotSink  // optional
	Heartbeats HeartbeatSink // optional
	// RateLimitRPM bounds mutating requests per client IP per minute;
	// 0 disables rate limiting.
	RateLimitRPM int
	Logger       zerolog.Logger
}

// NewServer builds the server and its router.
func NewServer(opts Options) *Server {
	return &Server{
		controller:   opts.Controller,
		health:       opts.Health,
		snapshots:    opts.Snapshots,
		heartbeats:   opts.Heartbeats,
		rateLimitRPM: opts.RateLimitRPM,
		logger:       opts.Logger,
	}
}

// Router constructs the chi router with the canonical middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer(s.logger))
	r.Use(RequestID)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/v1", func(r chi.Router) {
		// Heartbeats arrive once per interval per unit; they bypass the
		// rate limit applied to operator endpoints.
		r.Post("/heartbeat", s.handleHeartbeat)

		r.Group(func(r chi.Router) {
			if s.rateLimitRPM > 0 {
				r.Use(httprate.LimitByIP(s.rateLimitRPM, time.Minute))
			}
			r.Post("/stop", s.handleStop)
			r.Post("/reset", s.handleReset)
			r.Get("/state", s.handleState)
			r.Get("/events", s.handleEvents)
			r.Get("/procedures", s.handleProcedures)
		})
	})
	return r
}

type stopRequest struct {
	Trigger          string `json:"trigger"`
	Description      string `json:"description"`
	RobotID          string `json:"robot_id,omitempty"`
	Severity         string `json:"severity,omitempty"`
	RecoveryRequired *bool  `json:"recovery_required,omitempty"`
}

type stopResponse struct {
	EventID string      `json:"event_id"`
	State   estop.State `json:"state"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	logger := xlog.WithComponentFromContext(r.Context(), "api")

	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	trigger := estop.Trigger(req.Trigger)
	if !trigger.Valid() {
		writeError(w, http.StatusBadRequest, "unknown trigger kind")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	var opts []estop.EventOption
	if req.RobotID != "" {
		opts = append(opts, estop.WithRobotID(req.RobotID))
	}
	if req.Severity != "" {
		opts = append(opts, estop.WithSeverity(req.Severity))
	}
	if req.RecoveryRequired != nil {
		opts = append(opts, estop.WithRecoveryRequired(*req.RecoveryRequired))
	}

	eventID := s.controller.TriggerStop(r.Context(), trigger, req.Description, opts...)
	logger.Info().
		Str("event", "api.stop").
		Str("event_id", eventID).
		Str("trigger", req.Trigger).
		Msg("stop request handled")

	s.exportSnapshot()
	writeJSON(w, http.StatusOK, stopResponse{
		EventID: eventID,
		State:   s.controller.State(),
	})
}

type resetRequest struct {
	EventID string `json:"event_id,omitempty"`
}

type resetResponse struct {
	Success bool        `json:"success"`
	State   estop.State `json:"state"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	logger := xlog.WithComponentFromContext(r.Context(), "api")

	var req resetRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ok := s.controller.Reset(r.Context(), req.EventID)
	logger.Info().
		Str("event", "api.reset").
		Str("event_id", req.EventID).
		Bool("success", ok).
		Msg("reset request handled")

	s.exportSnapshot()
	status := http.StatusOK
	if !ok {
		// Not eligible: wrong state or recovery already in flight.
		status = http.StatusConflict
	}
	writeJSON(w, status, resetResponse{
		Success: ok,
		State:   s.controller.State(),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if s.heartbeats == nil {
		writeError(w, http.StatusNotFound, "heartbeat monitoring not enabled")
		return
	}
	s.heartbeats.Signal(time.Now())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": s.controller.Events().Query(limit),
	})
}

func (s *Server) handleProcedures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"procedures": s.controller.Catalog().All(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Health(r.Context())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Ready(r.Context())
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) exportSnapshot() {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.Write(s.controller.Snapshot()); err != nil {
		s.logger.Warn().
			Err(err).
			Str("event", "api.snapshot_failed").
			Msg("state snapshot export failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
