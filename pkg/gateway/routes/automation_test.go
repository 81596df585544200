package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/medofficehq/automation/pkg/automation"
	"github.com/medofficehq/automation/pkg/gateway/httpclient"
	"github.com/medofficehq/automation/pkg/runstore"
)

type fakeRuns struct {
	started   []automation.Batch
	startErr  error
	stopped   []automation.ExecutionHandle
	outcomes  map[automation.ExecutionHandle]automation.Outcome
	inFlight  map[automation.ExecutionHandle]bool
	rolledID  string
	rollErr   error
	reapplied string
}

func (f *fakeRuns) Start(ctx context.Context, batch automation.Batch) (*automation.Run, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, batch)
	return &automation.Run{Handle: "exec-1", ProjectID: batch.ProjectID, ProjectName: batch.Name}, nil
}

func (f *fakeRuns) Stop(handle automation.ExecutionHandle) error {
	if _, ok := f.outcomes[handle]; !ok && !f.inFlight[handle] {
		return automation.ErrRunNotFound
	}
	f.stopped = append(f.stopped, handle)
	return nil
}

func (f *fakeRuns) Progress(ctx context.Context, handle automation.ExecutionHandle) (automation.Snapshot, error) {
	if !f.inFlight[handle] {
		return automation.Snapshot{}, automation.ErrRunNotFound
	}
	return automation.Snapshot{ExecutionID: handle, Seq: 2, Status: automation.StatusRunning}, nil
}

func (f *fakeRuns) Results(ctx context.Context, handle automation.ExecutionHandle) (automation.Outcome, error) {
	if f.inFlight[handle] {
		return automation.Outcome{}, automation.ErrRunInProgress
	}
	outcome, ok := f.outcomes[handle]
	if !ok {
		return automation.Outcome{}, runstore.ErrRunNotFound
	}
	return outcome, nil
}

func (f *fakeRuns) RollbackRecord(ctx context.Context, handle automation.ExecutionHandle, appointmentID string) (automation.ResultRecord, error) {
	if f.rollErr != nil {
		return automation.ResultRecord{}, f.rollErr
	}
	f.rolledID = appointmentID
	return automation.ResultRecord{AppointmentID: appointmentID}, nil
}

func (f *fakeRuns) Reapply(ctx context.Context, handle automation.ExecutionHandle, appointmentID string) (*automation.Run, error) {
	f.reapplied = appointmentID
	return &automation.Run{Handle: "exec-2", ProjectName: "daily"}, nil
}

type fakeCatalog struct {
	assignErr error
	from, to  time.Time
}

func (c *fakeCatalog) ListRules(ctx context.Context) ([]automation.RuleInfo, error) {
	return []automation.RuleInfo{{RuleNumber: "21", Name: "Telehealth"}}, nil
}

func (c *fakeCatalog) ListPatients(ctx context.Context, from, to time.Time) ([]automation.PatientRecord, error) {
	c.from, c.to = from, to
	return []automation.PatientRecord{{AppointmentID: "A1"}}, nil
}

func (c *fakeCatalog) AssignProjectID(ctx context.Context, batch automation.Batch) (automation.Batch, error) {
	if c.assignErr != nil {
		return batch, c.assignErr
	}
	if batch.ProjectID == "" {
		batch.ProjectID = "10000001"
	}
	return batch, nil
}

type fakeHistory struct{}

func (fakeHistory) List(ctx context.Context, limit int) ([]runstore.Run, error) {
	return []runstore.Run{{ExecutionID: "exec-0", Status: runstore.StatusCompleted}}, nil
}

func (fakeHistory) Get(ctx context.Context, handle automation.ExecutionHandle) (runstore.Run, error) {
	if handle != "exec-0" {
		return runstore.Run{}, runstore.ErrRunNotFound
	}
	return runstore.Run{ExecutionID: "exec-0", Status: runstore.StatusCompleted}, nil
}

func newRouter(runs *fakeRuns, catalog *fakeCatalog, history RunHistory) *mux.Router {
	router := mux.NewRouter()
	NewAutomationHandler(runs, catalog, history).Register(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestStartRunAssignsProjectID(t *testing.T) {
	runs := &fakeRuns{}
	router := newRouter(runs, &fakeCatalog{}, nil)

	rr := do(t, router, http.MethodPost, "/api/v1/automation/runs",
		`{"project_name": "daily", "patients": [{"appointment_id": "A1"}], "rules": [{"rule_number": 21}]}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp startResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ExecutionID != "exec-1" || resp.ProjectID != "10000001" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(runs.started) != 1 || runs.started[0].Rules[0].RuleNumber != "21" {
		t.Fatalf("unexpected batch %+v", runs.started)
	}
}

func TestStartRunSurvivesProjectIDFailure(t *testing.T) {
	runs := &fakeRuns{}
	router := newRouter(runs, &fakeCatalog{assignErr: errors.New("runs unavailable")}, nil)

	rr := do(t, router, http.MethodPost, "/api/v1/automation/runs", `{"project_name": "daily"}`)
	if rr.Code != http.StatusAccepted || runs.started[0].ProjectID != "" {
		t.Fatalf("expected submission without project id, got %d %+v", rr.Code, runs.started)
	}
}

func TestStartRunErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&automation.SubmissionError{Err: &httpclient.APIError{StatusCode: 500}}, http.StatusBadGateway},
		{&automation.SubmissionError{Err: automation.ErrNoHandle}, http.StatusBadGateway},
		{fmt.Errorf("submit: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		router := newRouter(&fakeRuns{startErr: tc.err}, &fakeCatalog{}, nil)
		rr := do(t, router, http.MethodPost, "/api/v1/automation/runs", `{"project_name": "daily"}`)
		if rr.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, rr.Code)
		}
	}

	rr := do(t, newRouter(&fakeRuns{}, &fakeCatalog{}, nil), http.MethodPost, "/api/v1/automation/runs", `{`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body should be 400, got %d", rr.Code)
	}
}

func TestResultsStatusCodes(t *testing.T) {
	runs := &fakeRuns{
		inFlight: map[automation.ExecutionHandle]bool{"live": true},
		outcomes: map[automation.ExecutionHandle]automation.Outcome{
			"done": {ExecutionID: "done", Status: automation.OutcomeCompleted, Results: []automation.ResultRecord{}},
		},
	}
	router := newRouter(runs, &fakeCatalog{}, nil)

	if rr := do(t, router, http.MethodGet, "/api/v1/automation/runs/live/results", ""); rr.Code != http.StatusConflict {
		t.Fatalf("running run should be 409, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodGet, "/api/v1/automation/runs/nope/results", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown run should be 404, got %d", rr.Code)
	}
	rr := do(t, router, http.MethodGet, "/api/v1/automation/runs/done/results", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"completed"`) {
		t.Fatalf("unexpected results response %d %s", rr.Code, rr.Body.String())
	}
}

func TestProgressAndStop(t *testing.T) {
	runs := &fakeRuns{inFlight: map[automation.ExecutionHandle]bool{"live": true}}
	router := newRouter(runs, &fakeCatalog{}, nil)

	rr := do(t, router, http.MethodGet, "/api/v1/automation/runs/live/progress", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"seq":2`) {
		t.Fatalf("unexpected progress %d %s", rr.Code, rr.Body.String())
	}

	for i := 0; i < 2; i++ {
		if rr := do(t, router, http.MethodDelete, "/api/v1/automation/runs/live", ""); rr.Code != http.StatusAccepted {
			t.Fatalf("stop should be accepted every time, got %d", rr.Code)
		}
	}
	if rr := do(t, router, http.MethodDelete, "/api/v1/automation/runs/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("stopping an unknown run should be 404, got %d", rr.Code)
	}
}

func TestRollbackAndReapply(t *testing.T) {
	runs := &fakeRuns{}
	router := newRouter(runs, &fakeCatalog{}, nil)

	if rr := do(t, router, http.MethodPost, "/api/v1/automation/runs/done/rollback", `{"appointment_id": " A1 "}`); rr.Code != http.StatusOK {
		t.Fatalf("rollback failed: %d %s", rr.Code, rr.Body.String())
	}
	if runs.rolledID != "A1" {
		t.Fatalf("appointment id should be trimmed, got %q", runs.rolledID)
	}
	if rr := do(t, router, http.MethodPost, "/api/v1/automation/runs/done/rollback", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing appointment id should be 400, got %d", rr.Code)
	}

	runs.rollErr = automation.ErrNothingToRollback
	if rr := do(t, router, http.MethodPost, "/api/v1/automation/runs/done/rollback", `{"appointment_id": "A1"}`); rr.Code != http.StatusConflict {
		t.Fatalf("nothing to roll back should be 409, got %d", rr.Code)
	}

	rr := do(t, router, http.MethodPost, "/api/v1/automation/runs/done/reapply", `{"appointment_id": "A2"}`)
	if rr.Code != http.StatusAccepted || !strings.Contains(rr.Body.String(), "exec-2") || runs.reapplied != "A2" {
		t.Fatalf("unexpected reapply %d %s", rr.Code, rr.Body.String())
	}
}

func TestCatalogRoutes(t *testing.T) {
	catalog := &fakeCatalog{}
	router := newRouter(&fakeRuns{}, catalog, fakeHistory{})

	if rr := do(t, router, http.MethodGet, "/api/v1/automation/rules", ""); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Telehealth") {
		t.Fatalf("unexpected rules %d %s", rr.Code, rr.Body.String())
	}

	rr := do(t, router, http.MethodGet, "/api/v1/automation/patients?from=2025-01-01&to=01/31/2025", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected patients status %d %s", rr.Code, rr.Body.String())
	}
	if catalog.from.Day() != 1 || catalog.to.Day() != 31 {
		t.Fatalf("dates not parsed: %v %v", catalog.from, catalog.to)
	}
	if rr := do(t, router, http.MethodGet, "/api/v1/automation/patients?from=yesterday&to=01/31/2025", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad date should be 400, got %d", rr.Code)
	}

	if rr := do(t, router, http.MethodGet, "/api/v1/automation/runs?limit=5", ""); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "exec-0") {
		t.Fatalf("unexpected history %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, newRouter(&fakeRuns{}, catalog, nil), http.MethodGet, "/api/v1/automation/runs", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("history without a store should be 503, got %d", rr.Code)
	}
}

func TestHistoryEntry(t *testing.T) {
	router := newRouter(&fakeRuns{}, &fakeCatalog{}, fakeHistory{})

	rr := do(t, router, http.MethodGet, "/api/v1/automation/runs/exec-0", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"execution_id":"exec-0"`) {
		t.Fatalf("unexpected history entry %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, router, http.MethodGet, "/api/v1/automation/runs/missing", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown run should be 404, got %d", rr.Code)
	}
	if rr := do(t, newRouter(&fakeRuns{}, &fakeCatalog{}, nil), http.MethodGet, "/api/v1/automation/runs/exec-0", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("history entry without a store should be 503, got %d", rr.Code)
	}
}
