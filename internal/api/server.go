// Package api exposes the JSON surface consumed by the management UI and
// by external worker pools (the callback endpoint). All validation happens
// here, before anything reaches the scheduling core.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"medflow/internal/alert"
	"medflow/internal/catalog"
	"medflow/internal/domain"
	"medflow/internal/schedule"
	"medflow/internal/store"
	"medflow/internal/tracker"
	"medflow/internal/worker"
)

type Server struct {
	store   store.Store
	catalog *catalog.Service
	tracker *tracker.Tracker
	pool    worker.Enqueuer
	alerts  *alert.Manager
}

func NewServer(st store.Store, cat *catalog.Service, trk *tracker.Tracker, pool worker.Enqueuer, alerts *alert.Manager) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{store: st, catalog: cat, tracker: trk, pool: pool, alerts: alerts}

	r.Get("/health", s.health)

	r.Post("/api/catalog", s.registerEntry)
	r.Get("/api/catalog", s.listEntries)
	r.Get("/api/catalog/{id}", s.getEntry)
	r.Post("/api/catalog/{id}/deactivate", s.deactivateEntry)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)
	r.Post("/api/schedules/{id}/pause", s.pauseSchedule)
	r.Post("/api/schedules/{id}/resume", s.resumeSchedule)
	r.Post("/api/schedules/{id}/run", s.runNow)

	r.Get("/api/executions", s.listExecutions)
	r.Get("/api/executions/{id}", s.getExecution)
	r.Post("/api/executions/{id}/cancel", s.cancelExecution)
	r.Post("/api/callbacks", s.workerCallback)

	r.Get("/api/alerts", s.listAlerts)
	r.Post("/api/alerts/{id}/resolve", s.resolveAlert)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type registerEntryReq struct {
	Name          string                      `json:"name"`
	ExecutableRef string                      `json:"executable_ref"`
	DefaultParams json.RawMessage             `json:"default_params"`
	ParamsSpec    map[string]domain.ParamType `json:"params_spec"`
	Queue         string                      `json:"queue"`
	MaxDuration   string                      `json:"max_duration"`
}

func (s *Server) registerEntry(w http.ResponseWriter, r *http.Request) {
	var req registerEntryReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	var maxDur time.Duration
	if req.MaxDuration != "" {
		var err error
		maxDur, err = time.ParseDuration(req.MaxDuration)
		if err != nil || maxDur < 0 {
			http.Error(w, "invalid max_duration", 400)
			return
		}
	}
	id, err := s.catalog.Register(r.Context(), domain.CatalogEntry{
		Name:          req.Name,
		ExecutableRef: req.ExecutableRef,
		DefaultParams: req.DefaultParams,
		ParamsSpec:    req.ParamsSpec,
		Queue:         req.Queue,
		Active:        true,
		MaxDuration:   maxDur,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	entries, err := s.catalog.List(r.Context(), activeOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, entries)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, e)
}

func (s *Server) deactivateEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createScheduleReq struct {
	EntryID     string          `json:"entry_id"`
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Spec        string          `json:"spec"`
	Priority    int             `json:"priority"`
	WindowStart *time.Time      `json:"window_start"`
	WindowEnd   *time.Time      `json:"window_end"`
	Params      json.RawMessage `json:"params"`
	MaxRetries  int             `json:"max_retries"`
	BaseDelay   string          `json:"base_delay"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.EntryID == "" {
		http.Error(w, "name and entry_id are required", 400)
		return
	}
	kind := domain.ScheduleKind(req.Kind)
	if err := schedule.Validate(kind, req.Spec); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	entry, err := s.catalog.RequireActive(r.Context(), req.EntryID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := catalog.ValidateParams(entry, req.Params); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	baseDelay := time.Second
	if req.BaseDelay != "" {
		baseDelay, err = time.ParseDuration(req.BaseDelay)
		if err != nil || baseDelay <= 0 {
			http.Error(w, "invalid base_delay", 400)
			return
		}
	}

	sched := domain.Schedule{
		EntryID:     entry.ID,
		Name:        req.Name,
		Kind:        kind,
		Spec:        req.Spec,
		Status:      domain.ScheduleActive,
		Priority:    req.Priority,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Params:      req.Params,
		MaxRetries:  req.MaxRetries,
		BaseDelay:   baseDelay,
	}
	next, err := schedule.NextRun(sched, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	sched.NextRunAt = next
	if next == nil {
		sched.Status = domain.ScheduleExpired
	}

	id, err := s.store.CreateSchedule(r.Context(), sched)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "next_run_at": next})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, sched)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SetScheduleStatus(r.Context(), chi.URLParam(r, "id"), domain.SchedulePaused); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resumeSchedule reactivates a paused schedule and recomputes its next
// fire from now, so a long pause does not produce a stale due instant.
func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	next, err := schedule.NextRun(sched, time.Now().UTC())
	if err != nil {
		writeErr(w, err)
		return
	}
	status := domain.ScheduleActive
	if next == nil {
		status = domain.ScheduleExpired
	}
	if err := s.store.SetScheduleNextRun(r.Context(), id, next, status); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"status": status, "next_run_at": next})
}

// runNow creates a manual execution for the schedule's entry, outside the
// schedule's own cadence. The execution has no schedule back-reference and
// therefore no retry budget.
func (s *Server) runNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	entry, err := s.catalog.RequireActive(r.Context(), sched.EntryID)
	if err != nil {
		writeErr(w, err)
		return
	}
	execID, err := s.store.CreateExecution(r.Context(), domain.Execution{
		EntryID: entry.ID,
		Params:  catalog.ResolveParams(entry, sched.Params),
		Queue:   entry.Queue,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	exec, err := s.store.GetExecution(r.Context(), execID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.pool.Enqueue(r.Context(), worker.Job{
		ExecutionID:   exec.ID,
		ExecutableRef: entry.ExecutableRef,
		Params:        exec.Params,
		Queue:         exec.Queue,
		Priority:      sched.Priority,
	}); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": execID})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	execs, err := s.store.ListRecentExecutions(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, execs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, e)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type callbackReq struct {
	ExecutionID string          `json:"execution_id"`
	Outcome     string          `json:"outcome"` // running | success | failed
	WorkerID    string          `json:"worker_id"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error"`
	Retriable   *bool           `json:"retriable"`
}

// workerCallback is the entry point for external worker pools reporting
// execution progress and outcomes.
func (s *Server) workerCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ExecutionID == "" {
		http.Error(w, "execution_id is required", 400)
		return
	}
	var err error
	switch req.Outcome {
	case "running":
		err = s.tracker.MarkRunning(r.Context(), req.ExecutionID, req.WorkerID)
	case "success":
		err = s.tracker.MarkSuccess(r.Context(), req.ExecutionID, req.Result)
	case "failed":
		retriable := true
		if req.Retriable != nil {
			retriable = *req.Retriable
		}
		err = s.tracker.MarkFailed(r.Context(), req.ExecutionID, req.Error, retriable)
	default:
		http.Error(w, "outcome must be running, success or failed", 400)
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	unresolved := r.URL.Query().Get("unresolved") == "true"
	alerts, err := s.alerts.List(r.Context(), unresolved, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, 200, alerts)
}

type resolveReq struct {
	By   string `json:"by"`
	Note string `json:"note"`
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.alerts.Resolve(r.Context(), chi.URLParam(r, "id"), req.By, req.Note); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), 404)
	case errors.Is(err, domain.ErrDuplicateName),
		errors.Is(err, domain.ErrAlreadyResolved),
		errors.Is(err, domain.ErrInvalidTransition):
		http.Error(w, err.Error(), 409)
	case errors.Is(err, domain.ErrInvalidSchedule),
		errors.Is(err, domain.ErrInactiveEntry):
		http.Error(w, err.Error(), 400)
	case errors.Is(err, domain.ErrDispatch):
		http.Error(w, err.Error(), 503)
	default:
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
