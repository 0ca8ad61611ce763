package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dispatchd/internal/backend"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/store"
	"dispatchd/internal/task"
	"dispatchd/internal/worker"
	logx "dispatchd/pkg/logx"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	st := store.New(store.Config{}, nil, logx.Nop())
	reg := worker.NewRegistry(worker.DefaultRoster())
	svc := dispatch.New(dispatch.Config{}, st, reg, backend.NewRegistry(), eventbus.New(), logx.Nop())
	return NewServer(svc, logx.Nop())
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("content-type"), "application/json") {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestCreateAndGetTask(t *testing.T) {
	h := newTestServer(t)

	rec, resp := doJSON(t, h, http.MethodPost, "/api/tasks",
		`{"name": "uptime check", "kind": "monitoring", "priority": "high", "max_retries": 2}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := resp["id"].(string)
	if !strings.HasPrefix(id, "tsk_") {
		t.Fatalf("id = %q", id)
	}

	rec, got := doJSON(t, h, http.MethodGet, "/api/tasks/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	if got["status"] != string(task.StatusPending) || got["priority"] != "high" {
		t.Fatalf("task = %v", got)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/tasks/tsk_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing get = %d, want 404", rec.Code)
	}
}

func TestCreateTaskValidationErrors(t *testing.T) {
	h := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing name", `{"kind": "custom"}`},
		{"missing kind", `{"name": "x"}`},
		{"bad json", `{`},
		{"bad scheduled_for", `{"name": "x", "kind": "custom", "scheduled_for": "tomorrow"}`},
		{"unknown dependency", `{"name": "x", "kind": "custom", "dependencies": ["tsk_nope"]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := doJSON(t, h, http.MethodPost, "/api/tasks", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("code = %d, want 400", rec.Code)
			}
		})
	}
}

func TestScheduledTaskLifecycle(t *testing.T) {
	h := newTestServer(t)

	rec, resp := doJSON(t, h, http.MethodPost, "/api/scheduled-tasks", `{
		"name": "nightly sweep",
		"kind": "data-extraction",
		"schedule": {
			"frequency": "daily",
			"time_of_day": "02:30",
			"timezone": "UTC"
		}
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := resp["id"].(string)

	rec, got := doJSON(t, h, http.MethodGet, "/api/scheduled-tasks/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	if got["status"] != string(task.StatusActive) {
		t.Fatalf("status = %v, want active", got["status"])
	}
	if got["next_execution"] == nil {
		t.Fatal("next_execution not set")
	}

	// pause -> resume -> cancel through the toggle routes.
	for _, action := range []string{"pause", "resume", "cancel"} {
		rec, _ = doJSON(t, h, http.MethodPost, "/api/tasks/"+id+"/"+action, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", action, rec.Code)
		}
	}
	_, got = doJSON(t, h, http.MethodGet, "/api/scheduled-tasks/"+id, "")
	if got["status"] != string(task.StatusCancelled) {
		t.Fatalf("status = %v, want cancelled", got["status"])
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/tasks/tsk_missing/pause", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pause missing = %d, want 404", rec.Code)
	}
}

func TestCreateDailyTask(t *testing.T) {
	h := newTestServer(t)

	rec, resp := doJSON(t, h, http.MethodPost, "/api/scheduled-tasks/daily", `{
		"name": "digest",
		"description": "daily digest",
		"kind": "content-creation",
		"payload": {"template": "digest"},
		"duration": {"weeks": 1},
		"time_of_day": "08:00",
		"options": {"priority": "low", "timezone": "UTC"}
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create daily = %d: %s", rec.Code, rec.Body.String())
	}
	id, _ := resp["id"].(string)

	_, got := doJSON(t, h, http.MethodGet, "/api/scheduled-tasks/"+id, "")
	sched, _ := got["schedule"].(map[string]any)
	if sched["frequency"] != "daily" || sched["time_of_day"] != "08:00" {
		t.Fatalf("schedule = %v", sched)
	}
	if sched["end_date"] == nil {
		t.Fatal("end_date not derived from duration")
	}
}

func TestStatusAndWorkersEndpoints(t *testing.T) {
	h := newTestServer(t)

	rec, got := doJSON(t, h, http.MethodGet, "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := got["tasks"]; !ok {
		t.Fatalf("status body = %v", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workers", nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	var workers []map[string]any
	if err := json.Unmarshal(rec2.Body.Bytes(), &workers); err != nil {
		t.Fatalf("decode workers: %v", err)
	}
	if len(workers) != len(worker.DefaultRoster()) {
		t.Fatalf("workers = %d", len(workers))
	}

	rec3, _ := doJSON(t, h, http.MethodGet, "/health", "")
	if rec3.Code != http.StatusOK || rec3.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec3.Code, rec3.Body.String())
	}
}

func TestKindsEndpoint(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/kinds", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var kinds []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &kinds); err != nil {
		t.Fatalf("decode kinds: %v", err)
	}
	byKind := make(map[string]map[string]any, len(kinds))
	for _, k := range kinds {
		byKind[k["kind"].(string)] = k
	}
	va, ok := byKind["visual-analysis"]
	if !ok {
		t.Fatal("visual-analysis missing")
	}
	caps, _ := va["capabilities"].([]any)
	if len(caps) != 2 {
		t.Fatalf("capabilities = %v", caps)
	}
	// No backends registered in the test service.
	if va["has_backend"] != false {
		t.Fatalf("has_backend = %v", va["has_backend"])
	}
}
