package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ytget/dlsched/internal/download"
	"github.com/ytget/dlsched/internal/model"
	"github.com/ytget/dlsched/internal/platform"
	"github.com/ytget/dlsched/internal/queue"
)

// Server timeouts
const (
	ShutdownTimeout   = 10 * time.Second
	ReadHeaderTimeout = 5 * time.Second
	maxBodyBytes      = 1 << 20
)

// Server is the HTTP API
type Server struct {
	sched    download.Scheduler
	registry *prometheus.Registry
	logger   *slog.Logger
	handler  http.Handler
}

// NewServer creates a server for sched
func NewServer(sched download.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sched:    sched,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}
	registerGauges(s.registry, sched)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("POST /tasks", s.submitHandler)
	mux.HandleFunc("GET /tasks/{id}", s.taskHandler)
	mux.HandleFunc("DELETE /tasks/{id}", s.withdrawHandler)
	mux.HandleFunc("PUT /tasks/{id}/priority", s.priorityHandler)
	mux.HandleFunc("POST /batches", s.submitBatchHandler)
	mux.HandleFunc("GET /batches/{id}", s.batchHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.handler = otelhttp.NewHandler(mux, "dlsched-api")
	return s
}

// Handler returns the instrumented handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the Prometheus registry behind /metrics
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server startup failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("API server stopped")
		return nil
	}
}

// TaskRequest is the body of POST /tasks and an element of POST /batches
type TaskRequest struct {
	ID           string          `json:"id,omitempty"`
	URL          string          `json:"url"`
	Title        string          `json:"title,omitempty"`
	Group        string          `json:"group,omitempty"`
	Priority     *model.Priority `json:"priority,omitempty"` // normal when omitted
	Dependencies []string        `json:"dependencies,omitempty"`
	Destination  string          `json:"destination,omitempty"` // relative to the download directory
	ContentID    string          `json:"content_id,omitempty"`
	ExpectedSize int64           `json:"expected_size,omitempty"`
	Checksum     string          `json:"checksum,omitempty"`
}

func (r TaskRequest) task() (model.Task, error) {
	if r.URL == "" {
		return model.Task{}, errors.New("url is required")
	}
	if err := platform.CheckDestination(r.Destination); err != nil {
		return model.Task{}, err
	}
	priority := model.PriorityNormal
	if r.Priority != nil {
		priority = *r.Priority
	}
	t := model.NewTask(r.URL, priority)
	if r.ID != "" {
		t.ID = r.ID
	}
	t.Title = r.Title
	t.Group = r.Group
	t.Dependencies = r.Dependencies
	t.Destination = r.Destination
	t.ContentID = r.ContentID
	t.ExpectedSize = r.ExpectedSize
	t.Checksum = r.Checksum
	return t, nil
}

// BatchRequest is the body of POST /batches
type BatchRequest struct {
	ID    string        `json:"id,omitempty"`
	Title string        `json:"title,omitempty"`
	Tasks []TaskRequest `json:"tasks"`
}

// TaskView is the JSON form of a task
type TaskView struct {
	ID           string           `json:"id"`
	URL          string           `json:"url"`
	Title        string           `json:"title,omitempty"`
	Group        string           `json:"group,omitempty"`
	Priority     model.Priority   `json:"priority"`
	Status       model.TaskStatus `json:"status"`
	Progress     int              `json:"progress"`
	BatchID      string           `json:"batch_id,omitempty"`
	TotalItems   int              `json:"total_items"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Dependents   []string         `json:"dependents,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
}

func viewOf(t model.Task) TaskView {
	v := TaskView{
		ID:           t.ID,
		URL:          t.URL,
		Title:        t.Title,
		Group:        t.Group,
		Priority:     t.Priority,
		Status:       t.Status,
		Progress:     t.Progress,
		BatchID:      t.BatchID,
		TotalItems:   t.TotalItems,
		Dependencies: t.Dependencies,
		Dependents:   t.Dependents,
		LastError:    t.LastError,
		CreatedAt:    t.CreatedAt,
	}
	if !t.StartedAt.IsZero() {
		v.StartedAt = &t.StartedAt
	}
	if !t.FinishedAt.IsZero() {
		v.FinishedAt = &t.FinishedAt
	}
	return v
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

func (s *Server) taskHandler(w http.ResponseWriter, r *http.Request) {
	task, ok := s.sched.Task(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := req.task()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sched.Submit(task); err != nil {
		writeError(w, admissionStatus(err), err.Error())
		return
	}
	s.logger.Info("task submitted", "task_id", task.ID, "url", task.URL)

	created, _ := s.sched.Task(task.ID)
	writeJSON(w, http.StatusCreated, viewOf(created))
}

func (s *Server) withdrawHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sched.Withdraw(id) {
		if _, ok := s.sched.Task(id); ok {
			writeError(w, http.StatusConflict, "task is not pending")
			return
		}
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) priorityHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority model.Priority `json:"priority"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if !s.sched.Reprioritize(id, body.Priority) {
		writeError(w, http.StatusConflict, "task is not pending")
		return
	}
	task, _ := s.sched.Task(id)
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) submitBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks := make([]model.Task, 0, len(req.Tasks))
	for i, tr := range req.Tasks {
		task, err := tr.task()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("task %d: %v", i, err))
			return
		}
		tasks = append(tasks, task)
	}
	id, err := s.sched.SubmitBatch(req.ID, req.Title, tasks)
	if err != nil {
		writeError(w, admissionStatus(err), err.Error())
		return
	}
	s.logger.Info("batch submitted", "batch_id", id, "tasks", len(tasks))

	progress, _ := s.sched.BatchProgress(id)
	writeJSON(w, http.StatusCreated, progress)
}

func (s *Server) batchHandler(w http.ResponseWriter, r *http.Request) {
	progress, ok := s.sched.BatchProgress(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func admissionStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrDuplicateTask), errors.Is(err, queue.ErrDuplicateBatch):
		return http.StatusConflict
	case errors.Is(err, queue.ErrDependencyFailed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
