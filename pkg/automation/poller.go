package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/observability/metrics"
)

// PollState is the lifecycle of one poller.
type PollState int

const (
	PollIdle PollState = iota
	PollPolling
	PollCompleted
	PollErrored
	PollStopped
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollPolling:
		return "polling"
	case PollCompleted:
		return "completed"
	case PollErrored:
		return "errored"
	case PollStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	DefaultPollInterval       = 1500 * time.Millisecond
	DefaultPollRequestTimeout = time.Second
)

type PollOptions struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	// TotalPatients fills total_patients for rules the backend has not
	// reported yet.
	TotalPatients int
	// OnUpdate receives a copy of every merged snapshot, from the polling
	// goroutine.
	OnUpdate func(Snapshot)
}

// Poller tracks the progress of one execution. At most one progress request
// is in flight: the next tick is armed only after the previous response has
// been handled.
type Poller struct {
	caller         Caller
	handle         ExecutionHandle
	rules          []RuleNumber
	interval       time.Duration
	requestTimeout time.Duration
	totalPatients  int
	onUpdate       func(Snapshot)

	mu       sync.RWMutex
	state    PollState
	snapshot Snapshot

	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	inCallback atomic.Bool
}

func NewPoller(caller Caller, handle ExecutionHandle, rules []RuleNumber, opts PollOptions) (*Poller, error) {
	if strings.TrimSpace(string(handle)) == "" {
		return nil, ErrNoHandle
	}

	unique := make([]RuleNumber, 0, len(rules))
	seen := make(map[RuleNumber]struct{}, len(rules))
	for _, r := range rules {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		unique = append(unique, r)
	}
	if len(unique) == 0 {
		return nil, ValidationError{reason: errNoRules}
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 || timeout >= interval {
		timeout = interval * 2 / 3
	}

	initial := make([]RuleProgress, len(unique))
	for i, r := range unique {
		initial[i] = RuleProgress{RuleNumber: r, Status: StatusPending, TotalPatients: opts.TotalPatients}
	}

	return &Poller{
		caller:         caller,
		handle:         handle,
		rules:          unique,
		interval:       interval,
		requestTimeout: timeout,
		totalPatients:  opts.TotalPatients,
		onUpdate:       opts.OnUpdate,
		snapshot: Snapshot{
			ExecutionID: handle,
			Status:      StatusPending,
			Rules:       initial,
		},
		done: make(chan struct{}),
	}, nil
}

// Watch creates a poller and starts it.
func Watch(ctx context.Context, caller Caller, handle ExecutionHandle, rules []RuleNumber, opts PollOptions) (*Poller, error) {
	p, err := NewPoller(caller, handle, rules, opts)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Start issues the first poll immediately and keeps polling until the
// execution completes, Stop is called, or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != PollIdle {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.state = PollPolling
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	go p.loop(ctx)
	return nil
}

// Stop cancels polling. No tick fires after it returns, unless it is called
// from inside OnUpdate, where it only cancels. Safe to call repeatedly.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.state != PollIdle
		if p.state == PollPolling || p.state == PollIdle {
			p.state = PollStopped
		}
		cancel := p.cancel
		p.mu.Unlock()

		if !started {
			close(p.done)
			return
		}
		cancel()
		if !p.inCallback.Load() {
			<-p.done
		}
	})
}

// Done is closed when the poller leaves the polling state.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) State() PollState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Snapshot returns a copy of the latest merged progress.
func (p *Poller) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot.clone()
}

func (p *Poller) Handle() ExecutionHandle { return p.handle }

// Rules returns the rules being tracked.
func (p *Poller) Rules() []RuleNumber {
	return append([]RuleNumber(nil), p.rules...)
}

// Wait blocks until polling ends and returns the final snapshot. It returns
// ErrPollingStopped when polling was cancelled before completion.
func (p *Poller) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return p.Snapshot(), ctx.Err()
	}
	if p.State() == PollStopped {
		return p.Snapshot(), ErrPollingStopped
	}
	return p.Snapshot(), nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	metrics.RunStarted()
	defer metrics.RunFinished()

	log := logger.WithExecution(string(p.handle))
	log.WithField("rules", len(p.rules)).Debug("progress polling started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.markStopped()
			log.Debug("progress polling stopped")
			return
		case <-timer.C:
		}

		if p.tick(ctx) {
			return
		}
		timer.Reset(p.interval)
	}
}

// tick performs one poll. It reports whether polling is over.
func (p *Poller) tick(ctx context.Context) bool {
	log := logger.WithExecution(string(p.handle))

	reqCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	started := time.Now()
	var raw map[string]json.RawMessage
	err := p.caller.Do(reqCtx, http.MethodGet, "/rules/progress/"+url.PathEscape(string(p.handle)), nil, &raw)
	cancel()

	if ctx.Err() != nil {
		p.markStopped()
		return true
	}
	if err != nil {
		metrics.RecordPoll("error", time.Since(started))
		log.WithError(err).WithField("seq", p.Snapshot().Seq+1).Warn("progress poll failed; will retry on next tick")
		return false
	}

	resp, err := decodeProgress(raw)
	if err != nil {
		metrics.RecordPoll("malformed", time.Since(started))
		log.WithError(err).Warn("discarding malformed progress response")
		return false
	}
	metrics.RecordPoll("ok", time.Since(started))

	snap, finished := p.merge(resp)
	p.notify(snap)

	if finished {
		log.WithFields(map[string]interface{}{
			"status": snap.Status,
			"seq":    snap.Seq,
		}).Info("execution finished")
	}
	return finished
}

func (p *Poller) notify(snap Snapshot) {
	if p.onUpdate == nil {
		return
	}
	p.inCallback.Store(true)
	defer p.inCallback.Store(false)
	p.onUpdate(snap)
}

func (p *Poller) markStopped() {
	p.mu.Lock()
	if p.state == PollPolling {
		p.state = PollStopped
	}
	p.mu.Unlock()
}

// merge folds one response into the snapshot. Each response is treated as a
// full snapshot, with two exceptions: a rule that reached a terminal status
// keeps it, and a running rule's percentage never moves backwards.
func (p *Poller) merge(resp progressResponse) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PollPolling {
		return p.snapshot.clone(), true
	}

	next := Snapshot{
		ExecutionID: p.handle,
		Seq:         p.snapshot.Seq + 1,
		Status:      resp.status,
		Overall:     resp.overall,
		Rules:       make([]RuleProgress, len(p.rules)),
		UpdatedAt:   time.Now().UTC(),
	}

	for i, rule := range p.rules {
		prev := p.snapshot.Rules[i]
		if prev.Done() {
			next.Rules[i] = prev
			continue
		}
		next.Rules[i] = mergeRule(prev, resp.rules[rule], p.totalPatients)
	}

	p.snapshot = next
	finished := next.Complete()
	if finished {
		if next.Status == StatusError {
			p.state = PollErrored
		} else {
			p.state = PollCompleted
		}
	}
	return next.clone(), finished
}

func mergeRule(prev RuleProgress, frag *ruleFragment, defaultTotal int) RuleProgress {
	out := RuleProgress{RuleNumber: prev.RuleNumber, Status: StatusPending, TotalPatients: defaultTotal}
	if frag == nil {
		return out
	}

	if frag.Status != "" {
		out.Status = frag.Status
	}
	if frag.Percentage.set {
		out.Percentage = frag.Percentage.value
	} else if out.Status == StatusCompleted {
		out.Percentage = 100
	}
	if frag.PatientsProcessed.set {
		out.PatientsProcessed = int(frag.PatientsProcessed.value)
	}
	if frag.TotalPatients.set {
		out.TotalPatients = int(frag.TotalPatients.value)
	}

	if out.Percentage < 0 {
		out.Percentage = 0
	}
	if out.Percentage > 100 {
		out.Percentage = 100
	}
	if out.Status == StatusRunning && prev.Status == StatusRunning && out.Percentage < prev.Percentage {
		out.Percentage = prev.Percentage
	}
	if out.PatientsProcessed < 0 {
		out.PatientsProcessed = 0
	}
	if out.TotalPatients > 0 && out.PatientsProcessed > out.TotalPatients {
		out.PatientsProcessed = out.TotalPatients
	}
	return out
}

type progressResponse struct {
	status  RunStatus
	overall *OverallProgress
	rules   map[RuleNumber]*ruleFragment
}

type ruleFragment struct {
	Status            RunStatus  `json:"status"`
	Percentage        flexNumber `json:"percentage"`
	PatientsProcessed flexNumber `json:"patients_processed"`
	TotalPatients     flexNumber `json:"total_patients"`
}

type overallFragment struct {
	Percentage  flexNumber `json:"percentage"`
	CurrentRule RuleNumber `json:"current_rule"`
}

// decodeProgress reads the progress document, whose per-rule entries sit
// beside the aggregate fields under rule_<n> keys.
func decodeProgress(raw map[string]json.RawMessage) (progressResponse, error) {
	resp := progressResponse{
		status: StatusPending,
		rules:  make(map[RuleNumber]*ruleFragment),
	}

	for key, value := range raw {
		switch {
		case key == "status":
			if err := json.Unmarshal(value, &resp.status); err != nil {
				return progressResponse{}, fmt.Errorf("status: %w", err)
			}
		case key == "overall":
			if isNull(value) {
				continue
			}
			var o overallFragment
			if err := json.Unmarshal(value, &o); err != nil {
				return progressResponse{}, fmt.Errorf("overall: %w", err)
			}
			resp.overall = &OverallProgress{Percentage: o.Percentage.value, CurrentRule: o.CurrentRule}
		case strings.HasPrefix(strings.ToLower(key), "rule_"):
			if isNull(value) {
				continue
			}
			var f ruleFragment
			if err := json.Unmarshal(value, &f); err != nil {
				return progressResponse{}, fmt.Errorf("%s: %w", key, err)
			}
			resp.rules[ParseRuleNumber(key)] = &f
		}
	}
	return resp, nil
}

func isNull(value json.RawMessage) bool {
	return strings.TrimSpace(string(value)) == "null"
}

// flexNumber accepts numbers, numeric strings and percentages like "45%".
type flexNumber struct {
	value float64
	set   bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s, _, err := decodeFlexible(data)
	if err != nil {
		return err
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	n.value = v
	n.set = true
	return nil
}
