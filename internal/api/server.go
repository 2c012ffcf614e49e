package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/pilar-systems/autopilot/internal/autopilot"
	"github.com/pilar-systems/autopilot/internal/budget"
	"github.com/pilar-systems/autopilot/internal/config"
	"github.com/pilar-systems/autopilot/internal/eventbus"
	"github.com/pilar-systems/autopilot/internal/jobqueue"
	"github.com/pilar-systems/autopilot/internal/models"
	"github.com/pilar-systems/autopilot/internal/ratelimit"
	"github.com/pilar-systems/autopilot/internal/store"
	"github.com/pilar-systems/autopilot/internal/telemetry"
)

// Server wires the HTTP surface over the autopilot core.
type Server struct {
	cfg     config.Config
	bus     *eventbus.Bus
	queue   *jobqueue.Queue
	budget  *budget.Tracker
	runtime *autopilot.Runtime
	limiter *ratelimit.TokenBucket
	logger  *zap.Logger
}

// New constructs the API server. limiter may be nil when Redis is not
// deployed; enqueue requests then skip rate limiting and rely on budgets
// alone.
func New(cfg config.Config, bus *eventbus.Bus, queue *jobqueue.Queue, tracker *budget.Tracker, runtime *autopilot.Runtime, limiter *ratelimit.TokenBucket, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		bus:     bus,
		queue:   queue,
		budget:  tracker,
		runtime: runtime,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.HTTPRateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.HTTPRateLimit, time.Minute))
		}
		if s.cfg.JWTSecret != "" {
			r.Use(RequireAuth(s.cfg.JWTSecret))
		}
		r.Use(s.requestLogger)

		r.Post("/events", s.handlePublishEvent)
		r.Get("/events/{id}", s.handleGetEvent)
		r.Post("/jobs", s.handleEnqueueJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/progress", s.handleJobProgress)

		r.Post("/process", s.handleProcess)
		r.Get("/status", s.handleStatus)
		r.Get("/workspaces/{id}/budget", s.handleBudget)

		r.Get("/runtime", s.handleRuntimeStatus)
		r.Post("/runtime/start", s.handleRuntimeStart)
		r.Post("/runtime/stop", s.handleRuntimeStop)
	})
	return r
}

type publishEventRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	MaxAttempts int            `json:"max_attempts"`
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if req.WorkspaceID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "workspace_id and type are required")
		return
	}
	if !s.admit(w, r, req.WorkspaceID, budget.ResourceEvents) {
		return
	}

	opts := eventbus.PublishOptions{
		WorkspaceID: req.WorkspaceID,
		Type:        req.Type,
		Payload:     req.Payload,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledAt != nil {
		opts.ScheduledAt = *req.ScheduledAt
	}
	evt, err := s.bus.Publish(r.Context(), opts)
	if err != nil {
		s.logger.Error("publish event", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to enqueue event")
		return
	}
	if err := s.budget.Consume(r.Context(), req.WorkspaceID, budget.ResourceEvents, 1); err != nil {
		// The event is already accepted; budget drift self-corrects at the
		// period boundary. Log and move on.
		s.logger.Warn("consume event budget", zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, evt)
}

type enqueueJobRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	MaxAttempts int            `json:"max_attempts"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if req.WorkspaceID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "workspace_id and type are required")
		return
	}
	if !s.admit(w, r, req.WorkspaceID, budget.ResourceJobs) {
		return
	}

	opts := jobqueue.EnqueueOptions{
		WorkspaceID: req.WorkspaceID,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if req.ScheduledAt != nil {
		opts.ScheduledAt = *req.ScheduledAt
	}
	job, err := s.queue.Enqueue(r.Context(), opts)
	if err != nil {
		s.logger.Error("enqueue job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "failed to enqueue job")
		return
	}
	if err := s.budget.Consume(r.Context(), req.WorkspaceID, budget.ResourceJobs, 1); err != nil {
		s.logger.Warn("consume job budget", zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, job)
}

// admit runs the edge gates for an enqueue: token bucket first (request
// rate), then workspace budget (monthly volume). Both rejections are
// deliberate 429s distinguishable from internal errors so callers can show
// "quota reached" instead of a generic failure.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, workspaceID, resourceType string) bool {
	if ws := WorkspaceFromContext(r.Context()); ws != "" && ws != workspaceID {
		writeError(w, http.StatusForbidden, "forbidden", "token workspace does not match request")
		return false
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.WorkspaceKey(workspaceID))
		if err != nil {
			s.logger.Error("rate limiter", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "rate limiter unavailable")
			return false
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return false
		}
	}
	ok, err := s.budget.Check(r.Context(), workspaceID, resourceType, 1)
	if err != nil {
		s.logger.Error("budget check", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "budget check failed")
		return false
	}
	if !ok {
		telemetry.BudgetRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "quota_exceeded", "workspace "+resourceType+" budget exhausted")
		return false
	}
	return true
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	evt, err := s.bus.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "event not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type progressRequest struct {
	Progress int `json:"progress"`
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid json")
		return
	}
	if err := s.queue.UpdateProgress(r.Context(), chi.URLParam(r, "id"), req.Progress); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to update progress")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProcess triggers one processing cycle. A contended lock is reported
// as skipped with 200, not as an error.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	report, err := s.runtime.RunCycle(r.Context())
	if err != nil {
		s.logger.Error("processing cycle", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "processing cycle failed")
		return
	}
	if report.Skipped {
		writeJSON(w, http.StatusOK, map[string]bool{"skipped": true})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type statusResponse struct {
	Events     models.StatusCounts `json:"events"`
	Jobs       models.StatusCounts `json:"jobs"`
	QueueDepth int                 `json:"queue_depth"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	eventCounts, err := s.bus.Stats(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read event stats")
		return
	}
	jobCounts, err := s.queue.Stats(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read job stats")
		return
	}
	depth, err := s.queue.Depth(r.Context(), workspaceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read queue depth")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Events: eventCounts, Jobs: jobCounts, QueueDepth: depth})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	stats, err := s.budget.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to read budget")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRuntimeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Status())
}

func (s *Server) handleRuntimeStart(w http.ResponseWriter, _ *http.Request) {
	// The ticker must outlive this request; Stop cancels it.
	if err := s.runtime.Start(context.Background()); err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.runtime.Status())
}

func (s *Server) handleRuntimeStop(w http.ResponseWriter, _ *http.Request) {
	s.runtime.Stop()
	writeJSON(w, http.StatusOK, s.runtime.Status())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
