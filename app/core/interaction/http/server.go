package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"switchboard/app/core/interaction/gateway"
	"switchboard/app/core/orchestrator/runner"
	"switchboard/app/core/orchestrator/task"
	"switchboard/app/core/scheduler"
)

const (
	defaultMessageLimit = 100
	maxRequestBody      = 1 << 20
)

// Orchestrator is the slice of *runner.Orchestrator the admin API drives.
type Orchestrator interface {
	HandleInboundEvent(ctx context.Context, ev runner.Event) runner.ProcessingResult
	CreateTask(ctx context.Context, req runner.CreateRequest) (task.Task, runner.KickoffResult, error)
	RunPolicySweeps(ctx context.Context) (runner.SweepResult, error)
	Violations() []runner.Violation
}

// JobRunner exposes the periodic jobs for inspection and manual runs.
type JobRunner interface {
	Snapshot() []scheduler.JobStatus
	Trigger(ctx context.Context, name string) error
}

// TraceReader returns recent gateway trace events.
type TraceReader interface {
	Tail(filter gateway.TraceFilter, limit int) ([]gateway.TraceEvent, error)
}

// Server is the operator-facing admin API. Channel webhooks are mounted on
// the same listener.
type Server struct {
	port            int
	server          *http.Server
	store           *task.Store
	orchestrator    Orchestrator
	jobs            JobRunner
	traces          TraceReader
	statusProvider  func(context.Context) map[string]interface{}
	shutdownTimeout time.Duration
	webhooks        map[string]http.Handler
	now             func() time.Time

	startedUnix atomic.Int64
}

func NewServer(port int, store *task.Store, orchestrator Orchestrator) *Server {
	return &Server{
		port:            port,
		store:           store,
		orchestrator:    orchestrator,
		shutdownTimeout: 5 * time.Second,
		webhooks:        map[string]http.Handler{},
		now:             time.Now,
	}
}

func (s *Server) SetStatusProvider(provider func(context.Context) map[string]interface{}) {
	s.statusProvider = provider
}

func (s *Server) SetJobRunner(jobs JobRunner) {
	s.jobs = jobs
}

func (s *Server) SetTraceReader(traces TraceReader) {
	s.traces = traces
}

func (s *Server) SetShutdownTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.shutdownTimeout = timeout
}

// Mount registers a channel webhook. Call before Start.
func (s *Server) Mount(path string, handler http.Handler) {
	path = strings.TrimSpace(path)
	if path == "" || handler == nil {
		return
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	s.webhooks[path] = handler
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTask)
	mux.HandleFunc("/api/sweeps", s.handleSweeps)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/violations", s.handleViolations)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobRun)
	for path, handler := range s.webhooks {
		mux.Handle(path, handler)
	}
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.startedUnix.Store(s.now().Unix())
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown error: %v", err)
		}
	}()

	log.Printf("[HTTP] Listening on port %d...", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type statusResponse struct {
	StartedAt string                 `json:"started_at,omitempty"`
	UptimeSec int64                  `json:"uptime_sec"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
}

type taskListResponse struct {
	Tasks []task.Task `json:"tasks"`
}

type taskDetailResponse struct {
	Task          task.Task           `json:"task"`
	Messages      []task.Message      `json:"messages"`
	Checkpoints   []task.Checkpoint   `json:"checkpoints"`
	ScriptResults []task.ScriptResult `json:"script_results"`
}

type createTaskResponse struct {
	Task    task.Task             `json:"task"`
	Kickoff *runner.KickoffResult `json:"kickoff,omitempty"`
}

type metricsResponse struct {
	Filter     task.Filter    `json:"filter"`
	Aggregate  task.Aggregate `json:"aggregate"`
	Violations int            `json:"violations"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{}
	if started := s.startedUnix.Load(); started > 0 {
		startedAt := time.Unix(started, 0).UTC()
		resp.StartedAt = startedAt.Format(time.RFC3339)
		resp.UptimeSec = int64(s.now().Sub(startedAt).Seconds())
	}
	if s.statusProvider != nil {
		resp.Runtime = s.statusProvider(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := task.Filter(r.URL.Query().Get("filter"))
		if filter == "" {
			filter = task.FilterOpen
		}
		items, err := s.store.List(r.Context(), filter)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskListResponse{Tasks: items})
	case http.MethodPost:
		var req runner.CreateRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, kickoff, err := s.orchestrator.CreateTask(r.Context(), req)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		resp := createTaskResponse{Task: created}
		if req.StartImmediately {
			resp.Kickoff = &kickoff
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if taskID, ok := strings.CutSuffix(id, "/trace"); ok && taskID != "" && !strings.Contains(taskID, "/") {
		s.handleTaskTrace(w, r, taskID)
		return
	}
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		current, err := s.store.Get(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		limit := parseListLimit(r.URL.Query().Get("messages"), defaultMessageLimit)
		messages, err := s.store.GetMessages(r.Context(), id, limit)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		checkpoints, err := s.store.GetCheckpoints(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		scripts, err := s.store.GetScriptResults(r.Context(), id, 0)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskDetailResponse{
			Task:          current,
			Messages:      messages,
			Checkpoints:   checkpoints,
			ScriptResults: scripts,
		})
	case http.MethodPatch:
		var fields task.Fields
		if err := decodeBody(r, &fields); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := s.store.Update(r.Context(), id, fields)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskTrace serves GET /api/tasks/{id}/trace from the gateway journal.
func (s *Server) handleTaskTrace(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.traces == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway trace not configured")
		return
	}
	if _, err := s.store.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	limit := parseListLimit(r.URL.Query().Get("limit"), defaultMessageLimit)
	days := parseListLimit(r.URL.Query().Get("days"), 0)
	events, err := s.traces.Tail(gateway.TraceFilter{TaskID: id, MaxDays: days}, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": id, "events": events})
}

func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.orchestrator.RunPolicySweeps(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ev runner.Event
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch ev.Channel {
	case task.ChannelTelegram, task.ChannelSMS, task.ChannelEmail:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown channel %q", ev.Channel))
		return
	}
	if strings.TrimSpace(ev.Sender) == "" {
		writeError(w, http.StatusBadRequest, "sender is required")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	writeJSON(w, http.StatusOK, s.orchestrator.HandleInboundEvent(r.Context(), ev))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	filter := task.Filter(r.URL.Query().Get("filter"))
	if filter == "" {
		filter = task.FilterAll
	}
	agg, err := s.store.AggregateMetrics(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		Filter:     filter,
		Aggregate:  agg,
		Violations: len(s.orchestrator.Violations()),
	})
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	violations := s.orchestrator.Violations()
	if violations == nil {
		violations = []runner.Violation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"violations": violations})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.jobs.Snapshot()})
}

// handleJobRun serves POST /api/jobs/{name}/run.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	name, action, ok := strings.Cut(rest, "/")
	if !ok || action != "run" || strings.TrimSpace(name) == "" {
		writeError(w, http.StatusNotFound, "unknown job route")
		return
	}
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	started := s.now()
	err := s.jobs.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job":         name,
			"status":      "ok",
			"duration_ms": s.now().Sub(started).Milliseconds(),
		})
	}
}

func decodeBody(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("bad request")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("invalid JSON")
	}
	return nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrTerminal), errors.Is(err, task.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrInvalidField), errors.Is(err, task.ErrMissingField), errors.Is(err, task.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case strings.HasPrefix(err.Error(), "invalid filter"):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseListLimit(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
