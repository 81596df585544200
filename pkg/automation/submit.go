package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/observability/metrics"
)

// Caller performs one authenticated JSON call against the rules API. body is
// encoded as the request payload when non-nil; out receives the decoded
// response when non-nil.
type Caller interface {
	Do(ctx context.Context, method, path string, body, out interface{}) error
}

type wirePatient struct {
	AppointmentID   string `json:"appointmentid"`
	AppointmentDate string `json:"appointmentdate"`
	PatientID       string `json:"patientid"`
	FirstName       string `json:"firstname"`
	LastName        string `json:"lastname"`
	DateOfBirth     string `json:"dob"`
}

type runRequest struct {
	ProjectName  string        `json:"project_name"`
	ProjectID    string        `json:"project_id,omitempty"`
	AddModifiers bool          `json:"add_modifiers"`
	IsRollback   bool          `json:"is_rollback"`
	Patients     []wirePatient `json:"patients"`
	Rules        []RuleNumber  `json:"rules"`
}

type runResponse struct {
	ExecutionID string `json:"execution_id"`
}

// Client submits batches and talks to the non-polling rules endpoints.
type Client struct {
	caller         Caller
	policy         *ModifierPolicy
	submitTimeout  time.Duration
	catalogTimeout time.Duration
}

func NewClient(caller Caller, policy *ModifierPolicy, submitTimeout, catalogTimeout time.Duration) *Client {
	if policy == nil {
		policy = DefaultModifierPolicy()
	}
	if submitTimeout <= 0 {
		submitTimeout = 3 * time.Minute
	}
	if catalogTimeout <= 0 {
		catalogTimeout = time.Minute
	}
	return &Client{
		caller:         caller,
		policy:         policy,
		submitTimeout:  submitTimeout,
		catalogTimeout: catalogTimeout,
	}
}

// Submit sends batch to the rules engine and returns as soon as the backend
// has accepted it. There is no retry: a failed call must be resubmitted by
// the caller.
func (c *Client) Submit(ctx context.Context, batch Batch) (ExecutionHandle, error) {
	req, err := c.buildRunRequest(batch)
	if err == nil {
		err = encodable(req)
	}
	if err != nil {
		metrics.RecordSubmission("rejected", len(batch.Patients))
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	log := logger.WithFields(map[string]interface{}{
		"project_name": req.ProjectName,
		"patients":     len(req.Patients),
		"rules":        len(req.Rules),
	})

	var resp runResponse
	if err := c.caller.Do(ctx, http.MethodPost, "/rules/run", req, &resp); err != nil {
		metrics.RecordSubmission("failed", len(req.Patients))
		log.WithError(err).Error("batch submission failed")
		return "", &SubmissionError{Err: err}
	}

	handle := ExecutionHandle(strings.TrimSpace(resp.ExecutionID))
	if handle == "" {
		metrics.RecordSubmission("no_handle", len(req.Patients))
		log.Error("batch accepted without execution id")
		return "", &SubmissionError{Err: ErrNoHandle}
	}

	metrics.RecordSubmission("accepted", len(req.Patients))
	log.WithField("execution_id", handle).Info("batch submitted")
	return handle, nil
}

func (c *Client) buildRunRequest(batch Batch) (runRequest, error) {
	name := strings.TrimSpace(batch.Name)
	if name == "" {
		return runRequest{}, ValidationError{reason: errMissingName}
	}
	patients, err := wirePatients(batch.Patients)
	if err != nil {
		return runRequest{}, err
	}
	if len(batch.Rules) == 0 {
		return runRequest{}, ValidationError{reason: errNoRules}
	}

	rules := make([]RuleNumber, 0, len(batch.Rules))
	seen := make(map[RuleNumber]struct{}, len(batch.Rules))
	for _, r := range batch.Rules {
		if r.RuleNumber == "" {
			return runRequest{}, ValidationError{reason: fmt.Errorf("rule selection %q has no rule number", r.Name)}
		}
		if _, dup := seen[r.RuleNumber]; dup {
			continue
		}
		seen[r.RuleNumber] = struct{}{}
		rules = append(rules, r.RuleNumber)
	}

	addModifiers := c.policy.DefaultAddModifiers
	if batch.AddModifiers != nil {
		addModifiers = *batch.AddModifiers
	}

	return runRequest{
		ProjectName:  name,
		ProjectID:    strings.TrimSpace(batch.ProjectID),
		AddModifiers: addModifiers,
		IsRollback:   false,
		Patients:     patients,
		Rules:        rules,
	}, nil
}

// encodable reports a payload that cannot be serialized as a validation
// error, before anything is sent.
func encodable(v interface{}) error {
	if _, err := json.Marshal(v); err != nil {
		return ValidationError{reason: fmt.Errorf("encoding request: %w", err)}
	}
	return nil
}

// wirePatients normalizes patients for transmission. The first record for an
// appointment wins; later duplicates are not sent.
func wirePatients(patients []PatientRecord) ([]wirePatient, error) {
	if len(patients) == 0 {
		return nil, ValidationError{reason: errEmptyBatch}
	}

	out := make([]wirePatient, 0, len(patients))
	seen := make(map[string]struct{}, len(patients))
	for i, p := range patients {
		n := normalizePatient(p)
		if n.AppointmentID == "" {
			return nil, ValidationError{reason: fmt.Errorf("patient %d: %w", i, errMissingApptID)}
		}
		if _, dup := seen[n.AppointmentID]; dup {
			logger.WithField("appointment_id", n.AppointmentID).Warn("dropping duplicate appointment from batch")
			continue
		}
		seen[n.AppointmentID] = struct{}{}
		out = append(out, wirePatient{
			AppointmentID:   n.AppointmentID,
			AppointmentDate: n.AppointmentDate,
			PatientID:       n.PatientID,
			FirstName:       n.FirstName,
			LastName:        n.LastName,
			DateOfBirth:     n.DateOfBirth,
		})
	}
	return out, nil
}
