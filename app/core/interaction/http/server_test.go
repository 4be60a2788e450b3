package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"switchboard/app/core/interaction/gateway"
	"switchboard/app/core/orchestrator/db"
	"switchboard/app/core/orchestrator/runner"
	"switchboard/app/core/orchestrator/task"
	"switchboard/app/core/scheduler"
)

type fakeOrchestrator struct {
	store      *task.Store
	events     []runner.Event
	sweeps     int
	violations []runner.Violation
}

func (f *fakeOrchestrator) HandleInboundEvent(_ context.Context, ev runner.Event) runner.ProcessingResult {
	f.events = append(f.events, ev)
	return runner.ProcessingResult{ActionTaken: runner.ActionNoMatch, Success: true}
}

func (f *fakeOrchestrator) CreateTask(ctx context.Context, req runner.CreateRequest) (task.Task, runner.KickoffResult, error) {
	created, err := f.store.Create(ctx, task.CreateParams{Name: req.Name, Plan: req.Plan, Contacts: req.Contacts})
	if err != nil {
		return task.Task{}, runner.KickoffResult{}, err
	}
	if !req.StartImmediately {
		return created, runner.KickoffResult{TaskID: created.ID}, nil
	}
	return created, runner.KickoffResult{TaskID: created.ID, Success: true, ActionTaken: runner.ActionSendMessage, MessageSent: true}, nil
}

func (f *fakeOrchestrator) RunPolicySweeps(context.Context) (runner.SweepResult, error) {
	f.sweeps++
	return runner.SweepResult{Paused: []string{"jorb_aaaaaaaa"}, Failed: []string{}}, nil
}

func (f *fakeOrchestrator) Violations() []runner.Violation {
	return f.violations
}

func newTestServer(t *testing.T) (*Server, *fakeOrchestrator) {
	t.Helper()
	database, err := db.NewSQLiteDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open db failed: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	store := task.NewStore(database)
	orch := &fakeOrchestrator{store: store}
	return NewServer(8080, store, orch), orch
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSetShutdownTimeout(t *testing.T) {
	srv, _ := newTestServer(t)
	if srv.shutdownTimeout != 5*time.Second {
		t.Fatalf("unexpected default shutdown timeout: %s", srv.shutdownTimeout)
	}
	srv.SetShutdownTimeout(12 * time.Second)
	srv.SetShutdownTimeout(0)
	if srv.shutdownTimeout != 12*time.Second {
		t.Fatalf("zero timeout should be ignored, got: %s", srv.shutdownTimeout)
	}
}

func TestHandleStatusReturnsJSONSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.startedUnix.Store(time.Now().Add(-5 * time.Second).Unix())
	srv.SetStatusProvider(func(ctx context.Context) map[string]interface{} {
		return map[string]interface{}{"ok": true}
	})

	rr := do(t, srv.Handler(), http.MethodGet, "/api/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rr.Code)
	}
	if !strings.Contains(rr.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("unexpected content type: %s", rr.Header().Get("Content-Type"))
	}
	var payload statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if payload.StartedAt == "" || payload.UptimeSec <= 0 {
		t.Fatalf("expected uptime fields, got %+v", payload)
	}
	if ok, _ := payload.Runtime["ok"].(bool); !ok {
		t.Fatalf("unexpected runtime payload: %+v", payload.Runtime)
	}
}

func TestCreateListAndFetchTask(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rr := do(t, h, http.MethodPost, "/api/tasks", `{"name":"Book plumber","plan":"Get a quote","contacts":[{"identifier":"+15550100199","channel":"sms"}],"start_immediately":true}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", rr.Code, rr.Body.String())
	}
	var created createTaskResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create failed: %v", err)
	}
	if !strings.HasPrefix(created.Task.ID, "jorb_") || created.Kickoff == nil || !created.Kickoff.MessageSent {
		t.Fatalf("unexpected create response: %+v", created)
	}

	rr = do(t, h, http.MethodGet, "/api/tasks?filter=open", "")
	var list taskListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list failed: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != created.Task.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	rr = do(t, h, http.MethodGet, "/api/tasks/"+created.Task.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("detail failed: %d %s", rr.Code, rr.Body.String())
	}
	var detail taskDetailResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail failed: %v", err)
	}
	if detail.Task.Name != "Book plumber" || detail.Messages == nil || detail.ScriptResults == nil {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	if rr := do(t, h, http.MethodGet, "/api/tasks?filter=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad filter, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/api/tasks/jorb_missing0", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	if rr := do(t, h, http.MethodPost, "/api/tasks", `{nope`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid JSON, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/tasks", `{"name":"No plan"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing plan, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPatchTaskMapsStoreErrors(t *testing.T) {
	srv, orch := newTestServer(t)
	h := srv.Handler()
	created, err := orch.store.Create(context.Background(), task.CreateParams{Name: "x", Plan: "y"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	path := "/api/tasks/" + created.ID

	if rr := do(t, h, http.MethodPatch, path, `{"status":"running","progress_summary":"started"}`); rr.Code != http.StatusOK {
		t.Fatalf("expected update to succeed, got %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPatch, path, `{"bogus":"x"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPatch, path, `{"status":"planning"}`); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for illegal transition, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPatch, path, `{"status":"cancelled"}`); rr.Code != http.StatusOK {
		t.Fatalf("expected cancel to succeed, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPatch, path, `{"progress_summary":"late"}`); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal task, got %d", rr.Code)
	}
}

func TestInjectEvent(t *testing.T) {
	srv, orch := newTestServer(t)
	h := srv.Handler()

	rr := do(t, h, http.MethodPost, "/api/events", `{"channel":"sms","sender":"+15550100199","content":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("inject failed: %d %s", rr.Code, rr.Body.String())
	}
	if len(orch.events) != 1 || orch.events[0].Timestamp.IsZero() {
		t.Fatalf("expected event with default timestamp, got %+v", orch.events)
	}
	if rr := do(t, h, http.MethodPost, "/api/events", `{"channel":"fax","sender":"x"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown channel, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/events", `{"channel":"sms"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without sender, got %d", rr.Code)
	}
}

func TestSweepsMetricsAndViolations(t *testing.T) {
	srv, orch := newTestServer(t)
	orch.violations = []runner.Violation{{TaskID: "jorb_aaaaaaaa", Type: runner.ViolationRateLimit}}
	h := srv.Handler()

	if rr := do(t, h, http.MethodGet, "/api/sweeps", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/api/sweeps", "")
	if rr.Code != http.StatusOK || orch.sweeps != 1 || !strings.Contains(rr.Body.String(), "jorb_aaaaaaaa") {
		t.Fatalf("unexpected sweep response: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodGet, "/api/metrics", "")
	var metrics metricsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &metrics); err != nil {
		t.Fatalf("decode metrics failed: %v", err)
	}
	if metrics.Filter != task.FilterAll || metrics.Violations != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}

	rr = do(t, h, http.MethodGet, "/api/violations", "")
	if !strings.Contains(rr.Body.String(), runner.ViolationRateLimit) {
		t.Fatalf("unexpected violations body: %s", rr.Body.String())
	}
}

func TestMountedWebhookIsServed(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Mount("webhooks/sms", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	if rr := do(t, srv.Handler(), http.MethodPost, "/webhooks/sms", "{}"); rr.Code != http.StatusAccepted {
		t.Fatalf("expected mounted handler, got %d", rr.Code)
	}
	if rr := do(t, srv.Handler(), http.MethodGet, "/health", ""); rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("unexpected health: %d %s", rr.Code, rr.Body.String())
	}
}

func TestJobRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if rr := do(t, h, http.MethodGet, "/api/jobs", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without scheduler, got %d", rr.Code)
	}

	jobs := scheduler.New()
	runs := 0
	if err := jobs.Register(scheduler.JobSpec{
		Name:     "policy-sweeps",
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs++
			return nil
		},
	}); err != nil {
		t.Fatalf("register job failed: %v", err)
	}
	srv.SetJobRunner(jobs)
	h = srv.Handler()

	rr := do(t, h, http.MethodPost, "/api/jobs/policy-sweeps/run", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if runs != 1 {
		t.Fatalf("expected job to run once, got %d", runs)
	}

	var listed struct {
		Jobs []scheduler.JobStatus `json:"jobs"`
	}
	rr = do(t, h, http.MethodGet, "/api/jobs", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode jobs failed: %v", err)
	}
	if len(listed.Jobs) != 1 || listed.Jobs[0].Runs != 1 {
		t.Fatalf("unexpected job listing: %+v", listed.Jobs)
	}

	if rr := do(t, h, http.MethodPost, "/api/jobs/missing/run", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodPost, "/api/jobs/policy-sweeps/stop", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/api/jobs/policy-sweeps/run", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestTaskTraceRoute(t *testing.T) {
	srv, orch := newTestServer(t)
	created, err := orch.store.Create(context.Background(), task.CreateParams{Name: "Return parcel", Plan: "Arrange pickup"})
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}

	if rr := do(t, srv.Handler(), http.MethodGet, "/api/tasks/"+created.ID+"/trace", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without trace reader, got %d", rr.Code)
	}

	recorder, err := gateway.NewTraceRecorder(t.TempDir())
	if err != nil {
		t.Fatalf("new trace recorder failed: %v", err)
	}
	for _, ev := range []gateway.TraceEvent{
		{MessageID: "m1", TaskID: created.ID, Event: "handled"},
		{MessageID: "m2", TaskID: "jorb_ffffffff", Event: "handled"},
	} {
		if err := recorder.Record(ev); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	srv.SetTraceReader(recorder)
	h := srv.Handler()

	rr := do(t, h, http.MethodGet, "/api/tasks/"+created.ID+"/trace", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body struct {
		TaskID string               `json:"task_id"`
		Events []gateway.TraceEvent `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode trace failed: %v", err)
	}
	if body.TaskID != created.ID || len(body.Events) != 1 || body.Events[0].MessageID != "m1" {
		t.Fatalf("unexpected trace body: %+v", body)
	}

	if rr := do(t, h, http.MethodGet, "/api/tasks/jorb_00000000/trace", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", rr.Code)
	}
}
