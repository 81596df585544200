package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/gateway/httpclient"
	"github.com/medofficehq/automation/pkg/observability/metrics"
)

const (
	EventRunSubmitted  = "automation.run.submitted"
	EventRunCompleted  = "automation.run.completed"
	EventRunFailed     = "automation.run.failed"
	EventRunRolledBack = "automation.run.rolled_back"

	eventSource      = "automation-runner"
	reasonStopped    = "stopped"
	sideEffectBudget = 10 * time.Second
)

type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is the final state of a run. It is resolved exactly once.
type Outcome struct {
	ExecutionID ExecutionHandle `json:"execution_id"`
	ProjectID   string          `json:"project_id,omitempty"`
	ProjectName string          `json:"project_name,omitempty"`
	Status      OutcomeStatus   `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Results     []ResultRecord  `json:"results"`
	Progress    Snapshot        `json:"progress"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// RunRecord describes an accepted submission.
type RunRecord struct {
	ExecutionID ExecutionHandle `json:"execution_id"`
	ProjectID   string          `json:"project_id,omitempty"`
	ProjectName string          `json:"project_name"`
	Rules       []RuleNumber    `json:"rules"`
	Patients    []PatientRecord `json:"patients"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// RunStore persists submissions and outcomes. Lookups of unknown executions
// return an error wrapping ErrRunNotFound.
type RunStore interface {
	SaveSubmission(ctx context.Context, rec RunRecord) error
	SaveOutcome(ctx context.Context, outcome Outcome) error
	LoadOutcome(ctx context.Context, handle ExecutionHandle) (Outcome, error)
}

// ProgressCache keeps the latest snapshot of each execution.
type ProgressCache interface {
	SaveProgress(ctx context.Context, snap Snapshot) error
	LoadProgress(ctx context.Context, handle ExecutionHandle) (Snapshot, error)
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type RunnerConfig struct {
	PollInterval         time.Duration
	PollRequestTimeout   time.Duration
	ResultsTimeout       time.Duration
	ResultsFetchAttempts int
	ResultsRetryDelay    time.Duration
}

type RunnerOption func(*Runner)

func WithRunStore(s RunStore) RunnerOption {
	return func(r *Runner) { r.store = s }
}

func WithProgressCache(c ProgressCache) RunnerOption {
	return func(r *Runner) { r.cache = c }
}

func WithEventPublisher(p EventPublisher) RunnerOption {
	return func(r *Runner) { r.events = p }
}

// Runner drives submissions through polling and result reconciliation to an
// Outcome, and keeps the runs of this process addressable by handle.
type Runner struct {
	client *Client
	cfg    RunnerConfig
	store  RunStore
	cache  ProgressCache
	events EventPublisher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	runs   map[ExecutionHandle]*Run
	closed bool
}

func NewRunner(client *Client, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.ResultsFetchAttempts < 1 {
		cfg.ResultsFetchAttempts = 1
	}
	if cfg.ResultsRetryDelay <= 0 {
		cfg.ResultsRetryDelay = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		client: client,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[ExecutionHandle]*Run),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run is one tracked execution.
type Run struct {
	Handle      ExecutionHandle
	ProjectID   string
	ProjectName string

	poller *Poller
	done   chan struct{}

	mu      sync.RWMutex
	outcome Outcome
}

// Progress returns the latest merged snapshot.
func (run *Run) Progress() Snapshot {
	return run.poller.Snapshot()
}

// Done is closed once the outcome is resolved.
func (run *Run) Done() <-chan struct{} {
	return run.done
}

// Wait blocks until the run resolves or ctx ends.
func (run *Run) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-run.done:
		return run.Outcome()
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Outcome returns the resolved outcome, or ErrRunInProgress.
func (run *Run) Outcome() (Outcome, error) {
	select {
	case <-run.done:
	default:
		return Outcome{}, ErrRunInProgress
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	return copyOutcome(run.outcome), nil
}

// Start submits batch and begins tracking it. It returns once the backend
// has accepted the batch; use Run.Wait for the outcome.
func (r *Runner) Start(ctx context.Context, batch Batch) (*Run, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	tracked := false
	defer func() {
		if !tracked {
			r.wg.Done()
		}
	}()

	handle, err := r.client.Submit(ctx, batch)
	if err != nil {
		return nil, err
	}

	rules := make([]RuleNumber, 0, len(batch.Rules))
	for _, sel := range batch.Rules {
		rules = append(rules, sel.RuleNumber)
	}

	run := &Run{
		Handle:      handle,
		ProjectID:   batch.ProjectID,
		ProjectName: batch.Name,
		done:        make(chan struct{}),
	}

	poller, err := NewPoller(r.client.caller, handle, rules, PollOptions{
		Interval:       r.cfg.PollInterval,
		RequestTimeout: r.cfg.PollRequestTimeout,
		TotalPatients:  len(batch.Patients),
		OnUpdate:       r.mirrorProgress,
	})
	if err != nil {
		return nil, err
	}
	run.poller = poller

	r.recordSubmission(RunRecord{
		ExecutionID: handle,
		ProjectID:   batch.ProjectID,
		ProjectName: batch.Name,
		Rules:       poller.Rules(),
		Patients:    batch.Patients,
		SubmittedAt: time.Now().UTC(),
	})

	r.mu.Lock()
	r.runs[handle] = run
	r.mu.Unlock()

	if err := poller.Start(r.ctx); err != nil {
		return nil, err
	}

	tracked = true
	go r.finish(run)

	return run, nil
}

// acquire registers a start with the wait group before any work is done, so
// Close cannot return while a submission is in flight.
func (r *Runner) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: %v", ErrRunnerClosed, context.Canceled)
	}
	r.wg.Add(1)
	return nil
}

// Lookup returns a run started by this runner.
func (r *Runner) Lookup(handle ExecutionHandle) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[handle]
	return run, ok
}

// Stop cancels polling of a live run; the run resolves as failed.
func (r *Runner) Stop(handle ExecutionHandle) error {
	run, ok := r.Lookup(handle)
	if !ok {
		return ErrRunNotFound
	}
	run.poller.Stop()
	return nil
}

// Progress returns the live snapshot of handle, falling back to the cache.
func (r *Runner) Progress(ctx context.Context, handle ExecutionHandle) (Snapshot, error) {
	if run, ok := r.Lookup(handle); ok {
		return run.Progress(), nil
	}
	if r.cache == nil {
		return Snapshot{}, ErrRunNotFound
	}
	return r.cache.LoadProgress(ctx, handle)
}

// Results returns the outcome of handle from memory or the run store.
func (r *Runner) Results(ctx context.Context, handle ExecutionHandle) (Outcome, error) {
	if run, ok := r.Lookup(handle); ok {
		return run.Outcome()
	}
	if r.store == nil {
		return Outcome{}, ErrRunNotFound
	}
	return r.store.LoadOutcome(ctx, handle)
}

// RollbackRecord rolls back one appointment of a finished run and records the
// updated outcome.
func (r *Runner) RollbackRecord(ctx context.Context, handle ExecutionHandle, appointmentID string) (ResultRecord, error) {
	outcome, err := r.Results(ctx, handle)
	if err != nil {
		return ResultRecord{}, err
	}
	rec, ok := FindRecord(outcome.Results, appointmentID)
	if !ok {
		return ResultRecord{}, fmt.Errorf("appointment %s in run %s: %w", appointmentID, handle, ErrRunNotFound)
	}

	rolled, err := r.client.RollbackRecord(ctx, rec)
	if err != nil {
		return ResultRecord{}, err
	}

	for i := range outcome.Results {
		if outcome.Results[i].AppointmentID == appointmentID {
			outcome.Results[i] = rolled
		}
	}
	if run, ok := r.Lookup(handle); ok {
		run.mu.Lock()
		run.outcome = copyOutcome(outcome)
		run.mu.Unlock()
	}

	r.persistOutcome(outcome)
	r.publish(EventRunRolledBack, map[string]interface{}{
		"execution_id":   string(handle),
		"appointment_id": appointmentID,
		"rules":          len(rolled.Details),
	})
	return rolled, nil
}

// Reapply starts a new single-patient run with the rules of one appointment
// of a finished run.
func (r *Runner) Reapply(ctx context.Context, handle ExecutionHandle, appointmentID string) (*Run, error) {
	outcome, err := r.Results(ctx, handle)
	if err != nil {
		return nil, err
	}
	rec, ok := FindRecord(outcome.Results, appointmentID)
	if !ok {
		return nil, fmt.Errorf("appointment %s in run %s: %w", appointmentID, handle, ErrRunNotFound)
	}

	batch, err := ReapplyBatch(outcome.ProjectName, rec)
	if err != nil {
		return nil, err
	}
	return r.Start(ctx, batch)
}

// Close stops every live run and waits for their outcomes to resolve.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Runner) finish(run *Run) {
	defer r.wg.Done()
	<-run.poller.Done()

	log := logger.WithExecution(string(run.Handle))
	snap := run.poller.Snapshot()
	outcome := Outcome{
		ExecutionID: run.Handle,
		ProjectID:   run.ProjectID,
		ProjectName: run.ProjectName,
		Results:     []ResultRecord{},
		Progress:    snap,
	}

	if run.poller.State() == PollStopped {
		outcome.Status = OutcomeFailed
		outcome.Reason = reasonStopped
	} else {
		results, err := r.fetchResults(run.Handle)
		switch {
		case snap.Status == StatusError:
			outcome.Status = OutcomeFailed
			outcome.Reason = "backend reported execution error"
			if err == nil {
				outcome.Results = results
			}
		case err != nil:
			outcome.Status = OutcomeFailed
			outcome.Reason = fmt.Sprintf("results unavailable: %v", err)
		default:
			outcome.Status = OutcomeCompleted
			outcome.Results = results
		}
	}
	outcome.FinishedAt = time.Now().UTC()

	run.mu.Lock()
	run.outcome = outcome
	run.mu.Unlock()

	metrics.RecordRunOutcome(string(outcome.Status))
	r.persistOutcome(outcome)

	eventType := EventRunCompleted
	if outcome.Status == OutcomeFailed {
		eventType = EventRunFailed
	}
	r.publish(eventType, map[string]interface{}{
		"execution_id": string(outcome.ExecutionID),
		"project_id":   outcome.ProjectID,
		"project_name": outcome.ProjectName,
		"status":       string(outcome.Status),
		"reason":       outcome.Reason,
		"records":      len(outcome.Results),
	})

	log.WithFields(map[string]interface{}{
		"status":  outcome.Status,
		"reason":  outcome.Reason,
		"records": len(outcome.Results),
	}).Info("run resolved")

	close(run.done)
}

// fetchResults is a read, so it is retried, unlike submission.
func (r *Runner) fetchResults(handle ExecutionHandle) ([]ResultRecord, error) {
	var fragments []Fragment
	err := httpclient.RetryIf(context.Background(), r.cfg.ResultsFetchAttempts, r.cfg.ResultsRetryDelay, httpclient.IsRetriable, func() error {
		var err error
		fragments, err = r.client.FetchResults(context.Background(), handle, r.cfg.ResultsTimeout)
		if err != nil {
			logger.WithExecution(string(handle)).WithError(err).Warn("results fetch failed")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return Reconcile(fragments), nil
}

func (r *Runner) mirrorProgress(snap Snapshot) {
	if r.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectBudget)
	defer cancel()
	if err := r.cache.SaveProgress(ctx, snap); err != nil {
		logger.WithExecution(string(snap.ExecutionID)).WithError(err).Warn("failed to cache progress")
	}
}

func (r *Runner) recordSubmission(rec RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectBudget)
	defer cancel()

	if r.store != nil {
		if err := r.store.SaveSubmission(ctx, rec); err != nil {
			logger.WithExecution(string(rec.ExecutionID)).WithError(err).Error("failed to record submission")
		}
	}
	r.publish(EventRunSubmitted, map[string]interface{}{
		"execution_id": string(rec.ExecutionID),
		"project_id":   rec.ProjectID,
		"project_name": rec.ProjectName,
		"patients":     len(rec.Patients),
		"rules":        len(rec.Rules),
	})
}

func (r *Runner) persistOutcome(outcome Outcome) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectBudget)
	defer cancel()
	if err := r.store.SaveOutcome(ctx, outcome); err != nil {
		logger.WithExecution(string(outcome.ExecutionID)).WithError(err).Error("failed to persist outcome")
	}
}

func (r *Runner) publish(eventType string, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectBudget)
	defer cancel()
	if err := r.events.PublishEvent(ctx, eventType, eventSource, data); err != nil {
		logger.WithField("event_type", eventType).WithError(err).Warn("failed to publish run event")
	}
}

func copyOutcome(o Outcome) Outcome {
	out := o
	out.Progress = o.Progress.clone()
	out.Results = make([]ResultRecord, len(o.Results))
	for i, rec := range o.Results {
		rec.Details = append(make([]ResultDetail, 0, len(rec.Details)), rec.Details...)
		out.Results[i] = rec
	}
	return out
}

// IsNotFound reports whether err means the execution is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
