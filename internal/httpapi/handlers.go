// Package httpapi implements the HTTP control plane: task
// submission, listing, inspection and mutation, plus the
// supplemented /healthz liveness probe and /metrics endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jaakkos/ccsched/internal/domain"
	"github.com/jaakkos/ccsched/internal/metrics"
	"github.com/jaakkos/ccsched/internal/store"
)

// Server wires the Store and an optional Metrics sink to an
// http.Handler. It carries no agent/scheduler dependency: the core
// only ever observes the writes this layer makes to the Store.
type Server struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	started time.Time
}

// New builds a Server. m may be nil to disable /metrics.
func New(st store.Store, m *metrics.Metrics, logger zerolog.Logger) *Server {
	return &Server{store: st, metrics: m, logger: logger, started: time.Now()}
}

// Handler builds the routed http.Handler, using the standard
// library's method-aware ServeMux patterns (Go 1.22+) rather than a
// third-party router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", s.submitTask)
	mux.HandleFunc("GET /list", s.listTasks)
	mux.HandleFunc("GET /task/session/{session_id}", s.getTaskBySession)
	mux.HandleFunc("GET /task/{id}", s.getTask)
	mux.HandleFunc("DELETE /task/{id}", s.deleteTask)
	mux.HandleFunc("PUT /task/{id}/rename", s.renameTask)
	mux.HandleFunc("PUT /task/{id}/edit", s.editTask)
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
	return s.withRequestID(mux)
}

// withRequestID attaches a correlation id (google/uuid) to every
// request's logger, the idiom the corpus's other HTTP services use
// for request-scoped logging.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)
		logger := s.logger.With().Str("request_id", reqID).Logger()
		ctx := logger.WithContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
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

func statusForStoreError(err error) int {
	var notFound *domain.TaskNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, domain.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, domain.ErrCircularDependency) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseIDParam(r *http.Request) (int64, bool) {
	return parsePathInt64(r.PathValue("id"))
}

func parsePathInt64(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.Prompt == "" || req.Cwd == "" {
		writeError(w, http.StatusBadRequest, "name, prompt and cwd are required")
		return
	}

	if err := s.store.ValidateDependencies(r.Context(), req.DependsOn); err != nil {
		writeError(w, http.StatusBadRequest, "invalid dependencies: "+err.Error())
		return
	}
	if err := s.store.CheckNoCycle(r.Context(), 0, req.DependsOn); err != nil {
		writeError(w, http.StatusBadRequest, "circular dependency detected: "+err.Error())
		return
	}

	id, err := s.store.CreateTask(r.Context(), req.Name, req.Prompt, req.Cwd, req.DependsOn)
	if err != nil {
		writeError(w, statusForStoreError(err), "failed to create task: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, domain.CreateTaskResponse{TaskID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks: "+err.Error())
		return
	}
	infos := make([]domain.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.ToInfo())
	}
	writeJSON(w, http.StatusOK, domain.TaskListResponse{Tasks: infos})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, statusForStoreError(err), "task not found: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task.ToInfoWithPrompt())
}

func (s *Server) getTaskBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	task, err := s.store.GetTaskBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusForStoreError(err), "task not found: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task.ToInfo())
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, statusForStoreError(err), "failed to delete task: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) renameTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req domain.RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing 'name' field")
		return
	}
	if err := s.store.UpdateName(r.Context(), id, req.Name); err != nil {
		writeError(w, statusForStoreError(err), "failed to rename task: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// editTask updates the prompt. If the task is already Done or Failed,
// editing resets it to Pending and clears output/result/finished_at/
// resume_at via EditAndReset; otherwise it's a plain prompt write.
func (s *Server) editTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	var req domain.EditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "missing 'prompt' field")
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, statusForStoreError(err), "task not found: "+err.Error())
		return
	}

	if task.Status == domain.StatusDone || task.Status == domain.StatusFailed {
		err = s.store.EditAndReset(r.Context(), id, req.Prompt)
	} else {
		err = s.store.UpdatePrompt(r.Context(), id, req.Prompt)
	}
	if err != nil {
		writeError(w, statusForStoreError(err), "failed to edit task: "+err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// healthz is a supplemented liveness probe, absent from both the
// distilled spec and the original implementation.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.started).Seconds()),
	})
}
