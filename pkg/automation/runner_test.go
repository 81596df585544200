package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medofficehq/automation/pkg/gateway/httpclient"
)

type memoryStore struct {
	mu          sync.Mutex
	submissions map[ExecutionHandle]RunRecord
	outcomes    map[ExecutionHandle]Outcome
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		submissions: make(map[ExecutionHandle]RunRecord),
		outcomes:    make(map[ExecutionHandle]Outcome),
	}
}

func (s *memoryStore) SaveSubmission(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[rec.ExecutionID] = rec
	return nil
}

func (s *memoryStore) SaveOutcome(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o.ExecutionID] = o
	return nil
}

func (s *memoryStore) LoadOutcome(_ context.Context, h ExecutionHandle) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[h]
	if !ok {
		return Outcome{}, ErrRunNotFound
	}
	return o, nil
}

type memoryCache struct {
	mu    sync.Mutex
	saves int
	last  map[ExecutionHandle]Snapshot
}

func (c *memoryCache) SaveProgress(_ context.Context, s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		c.last = make(map[ExecutionHandle]Snapshot)
	}
	c.saves++
	c.last[s.ExecutionID] = s
	return nil
}

func (c *memoryCache) LoadProgress(_ context.Context, h ExecutionHandle) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.last[h]
	if !ok {
		return Snapshot{}, ErrRunNotFound
	}
	return s, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishEvent(_ context.Context, eventType, source string, data map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

// backend scripts the rules API for one execution.
type backend struct {
	progress     func() string
	results      string
	resultsErr   int32
	resultsCalls int32
}

func (b *backend) caller() *fakeCaller {
	return &fakeCaller{handler: func(method, path string, body []byte) (string, error) {
		switch {
		case path == "/rules/run":
			return `{"execution_id": "exec-1"}`, nil
		case strings.HasPrefix(path, "/rules/progress/"):
			return b.progress(), nil
		case strings.HasPrefix(path, "/rules/results/"):
			n := atomic.AddInt32(&b.resultsCalls, 1)
			if n <= atomic.LoadInt32(&b.resultsErr) {
				return "", &httpclient.APIError{StatusCode: 503, Detail: "results not ready"}
			}
			return b.results, nil
		case strings.HasSuffix(path, "/rollback"):
			return `{}`, nil
		}
		return "", errors.New("unexpected path " + path)
	}}
}

const completedProgress = `{"rule_1": {"status": "completed", "percentage": 100}, "rule_2": {"status": "completed", "percentage": 100}, "status": "completed"}`

const duplicateResults = `{"results": [
	{"appointment_id": "1001", "status_1_changes_made": 1, "details": [{"rule_number": 1, "status": 1}]},
	{"appointment_id": "1001", "status_1_changes_made": 2, "details": [{"rule_number": 1, "status": 3}, {"rule_number": 2, "status": 1}]},
	{"appointment_id": "1002", "status_3_condition_not_met": 1, "details": [{"rule_number": 1, "status": 3}]}
]}`

func newTestRunner(b *backend, opts ...RunnerOption) *Runner {
	client := NewClient(b.caller(), nil, time.Second, time.Second)
	return NewRunner(client, RunnerConfig{
		PollInterval:         5 * time.Millisecond,
		ResultsFetchAttempts: 3,
		ResultsRetryDelay:    time.Millisecond,
	}, opts...)
}

func waitOutcome(t *testing.T, run *Run) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return outcome
}

func TestRunnerCompletesWithReconciledResults(t *testing.T) {
	b := &backend{
		progress: sequence(
			`{"rule_1": {"status": "running", "percentage": 50}, "rule_2": {"status": "pending"}, "status": "running"}`,
			completedProgress,
		),
		results: duplicateResults,
	}
	store := newMemoryStore()
	cache := &memoryCache{}
	events := &recordingPublisher{}
	runner := newTestRunner(b, WithRunStore(store), WithProgressCache(cache), WithEventPublisher(events))
	defer runner.Close()

	run, err := runner.Start(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	outcome := waitOutcome(t, run)

	if outcome.Status != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%s)", outcome.Status, outcome.Reason)
	}
	if len(outcome.Results) != 2 || outcome.Results[0].ChangesMade != 3 || len(outcome.Results[0].Details) != 2 {
		t.Fatalf("results not reconciled: %+v", outcome.Results)
	}
	if !outcome.Progress.Complete() {
		t.Fatal("final progress should be complete")
	}

	if _, ok := store.submissions["exec-1"]; !ok {
		t.Fatal("submission not recorded")
	}
	if stored, err := store.LoadOutcome(context.Background(), "exec-1"); err != nil || stored.Status != OutcomeCompleted {
		t.Fatalf("outcome not persisted: %+v %v", stored, err)
	}
	if cache.saves != 2 {
		t.Fatalf("expected every snapshot mirrored, got %d saves", cache.saves)
	}
	got := strings.Join(events.types(), ",")
	if got != EventRunSubmitted+","+EventRunCompleted {
		t.Fatalf("unexpected events %s", got)
	}
}

func TestRunnerRetriesResultsFetch(t *testing.T) {
	b := &backend{progress: sequence(completedProgress), results: duplicateResults, resultsErr: 2}
	runner := newTestRunner(b)
	defer runner.Close()

	run, err := runner.Start(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	outcome := waitOutcome(t, run)
	if outcome.Status != OutcomeCompleted {
		t.Fatalf("expected completed after retries, got %s (%s)", outcome.Status, outcome.Reason)
	}
	if n := atomic.LoadInt32(&b.resultsCalls); n != 3 {
		t.Fatalf("expected 3 results attempts, got %d", n)
	}
}

func TestRunnerFailsWhenResultsUnavailable(t *testing.T) {
	b := &backend{progress: sequence(completedProgress), resultsErr: 100}
	runner := newTestRunner(b)
	defer runner.Close()

	run, err := runner.Start(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	outcome := waitOutcome(t, run)
	if outcome.Status != OutcomeFailed || !strings.Contains(outcome.Reason, "results unavailable") {
		t.Fatalf("unexpected outcome %s (%s)", outcome.Status, outcome.Reason)
	}
}

func TestRunnerBackendErrorIsFailure(t *testing.T) {
	b := &backend{
		progress: sequence(`{"rule_1": {"status": "error"}, "rule_2": {"status": "completed"}, "status": "error"}`),
		results:  duplicateResults,
	}
	runner := newTestRunner(b)
	defer runner.Close()

	run, err := runner.Start(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	outcome := waitOutcome(t, run)
	if outcome.Status != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome.Status)
	}
	if len(outcome.Results) != 2 {
		t.Fatalf("results should still be attached, got %d", len(outcome.Results))
	}
}

func TestRunnerStopResolvesAsStopped(t *testing.T) {
	b := &backend{progress: sequence(`{"rule_1": {"status": "running"}, "status": "running"}`)}
	runner := newTestRunner(b)
	defer runner.Close()

	run, err := runner.Start(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := run.Outcome(); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress before completion, got %v", err)
	}

	if err := runner.Stop(run.Handle); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := runner.Stop(run.Handle); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	outcome := waitOutcome(t, run)
	if outcome.Status != OutcomeFailed || outcome.Reason != "stopped" {
		t.Fatalf("unexpected outcome %s (%s)", outcome.Status, outcome.Reason)
	}
	if err := runner.Stop("unknown"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunnerSubmissionFailureStartsNothing(t *testing.T) {
	caller := &fakeCaller{handler: func(string, string, []byte) (string, error) { return `{}`, nil }}
	store := newMemoryStore()
	runner := NewRunner(NewClient(caller, nil, time.Second, time.Second), RunnerConfig{}, WithRunStore(store))
	defer runner.Close()

	if _, err := runner.Start(context.Background(), sampleBatch()); !errors.Is(err, ErrNoHandle) {
		t.Fatalf("expected ErrNoHandle, got %v", err)
	}
	if len(store.submissions) != 0 {
		t.Fatal("failed submission must not be recorded")
	}
	if len(caller.Calls()) != 1 {
		t.Fatalf("expected a single submission call, got %d", len(caller.Calls()))
	}
}

func TestRunnerRollbackUpdatesOutcome(t *testing.T) {
	b := &backend{progress: sequence(completedProgress), results: duplicateResults}
	store := newMemoryStore()
	events := &recordingPublisher{}
	runner := newTestRunner(b, WithRunStore(store), WithEventPublisher(events))
	defer runner.Close()

	run, err := runner.Start(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitOutcome(t, run)

	rec, err := runner.RollbackRecord(context.Background(), run.Handle, "1001")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rec.ChangesMade != 0 {
		t.Fatalf("changes_made not zeroed: %+v", rec)
	}

	outcome, err := runner.Results(context.Background(), run.Handle)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	updated, _ := FindRecord(outcome.Results, "1001")
	if updated.Details[1].Status != DetailRolledBack {
		t.Fatalf("outcome not updated: %+v", updated.Details)
	}
	stored, _ := store.LoadOutcome(context.Background(), run.Handle)
	if r, _ := FindRecord(stored.Results, "1001"); r.ChangesMade != 0 {
		t.Fatal("rolled back outcome not persisted")
	}
	types := events.types()
	if types[len(types)-1] != EventRunRolledBack {
		t.Fatalf("expected rollback event, got %v", types)
	}

	if _, err := runner.RollbackRecord(context.Background(), run.Handle, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected not found for unknown appointment, got %v", err)
	}
}

func TestRunnerFallsBackToStoreAndCache(t *testing.T) {
	store := newMemoryStore()
	cache := &memoryCache{}
	_ = store.SaveOutcome(context.Background(), Outcome{ExecutionID: "old", Status: OutcomeCompleted})
	_ = cache.SaveProgress(context.Background(), Snapshot{ExecutionID: "old", Seq: 9})

	runner := NewRunner(NewClient(&fakeCaller{}, nil, 0, 0), RunnerConfig{}, WithRunStore(store), WithProgressCache(cache))
	defer runner.Close()

	if o, err := runner.Results(context.Background(), "old"); err != nil || o.Status != OutcomeCompleted {
		t.Fatalf("expected stored outcome, got %+v %v", o, err)
	}
	if s, err := runner.Progress(context.Background(), "old"); err != nil || s.Seq != 9 {
		t.Fatalf("expected cached progress, got %+v %v", s, err)
	}
	if _, err := runner.Results(context.Background(), "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunnerCloseStopsLiveRuns(t *testing.T) {
	b := &backend{progress: sequence(`{"status": "running"}`)}
	runner := newTestRunner(b)

	run, err := runner.Start(context.Background(), sampleBatch())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	runner.Close()

	select {
	case <-run.Done():
	default:
		t.Fatal("Close must resolve live runs")
	}
	if _, err := runner.Start(context.Background(), sampleBatch()); err == nil {
		t.Fatal("closed runner must refuse new runs")
	}
}

func TestRunnerCloseWaitsForInFlightSubmission(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	caller := &fakeCaller{handler: func(method, path string, body []byte) (string, error) {
		if path == "/rules/run" {
			close(entered)
			<-release
			return `{"execution_id": "exec-slow"}`, nil
		}
		if strings.HasPrefix(path, "/rules/progress") {
			return `{"status": "running"}`, nil
		}
		return `{"results": []}`, nil
	}}
	runner := NewRunner(NewClient(caller, nil, 0, 0), RunnerConfig{PollInterval: 10 * time.Millisecond})

	type started struct {
		run *Run
		err error
	}
	startDone := make(chan started, 1)
	go func() {
		run, err := runner.Start(context.Background(), sampleBatch())
		startDone <- started{run, err}
	}()
	<-entered

	closed := make(chan struct{})
	go func() {
		runner.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a submission was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := runner.Start(context.Background(), sampleBatch()); !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("expected ErrRunnerClosed once closing, got %v", err)
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the submission finished")
	}

	res := <-startDone
	if res.run != nil {
		select {
		case <-res.run.Done():
		default:
			t.Fatal("a run accepted during Close must be resolved when Close returns")
		}
	}
}
