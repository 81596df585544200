package automation

import (
	"errors"
	"fmt"
)

var (
	ErrNoHandle          = errors.New("backend returned no execution id")
	ErrRunNotFound       = errors.New("run not found")
	ErrRunInProgress     = errors.New("run still in progress")
	ErrNothingToRollback = errors.New("record has no rules to roll back")
	ErrPollingStopped    = errors.New("polling stopped before completion")
	ErrAlreadyStarted    = errors.New("poller already started")

	errEmptyBatch    = errors.New("batch has no patients")
	errNoRules       = errors.New("batch has no rules")
	errMissingApptID = errors.New("patient is missing appointment_id")
	errMissingName   = errors.New("batch is missing project_name")
)

// SubmissionError means a batch was not accepted. It is never retried
// automatically; resubmitting would process the patients twice.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
