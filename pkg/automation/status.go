package automation

import (
	"encoding/json"
	"strings"
)

// RunStatus is the lifecycle state of a rule or of a whole execution.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusError     RunStatus = "error"
)

// ParseRunStatus maps the spellings the backend uses onto RunStatus.
// Unknown or empty values read as pending.
func ParseRunStatus(raw string) RunStatus {
	switch normalizeToken(raw) {
	case "completed", "complete", "done", "success", "succeeded", "finished":
		return StatusCompleted
	case "error", "errored", "failed", "failure":
		return StatusError
	case "running", "in_progress", "processing", "started", "active":
		return StatusRunning
	default:
		return StatusPending
	}
}

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseRunStatus(raw)
	return nil
}

// DetailStatus is the outcome of one rule for one patient.
type DetailStatus int

const (
	DetailUnknown DetailStatus = iota
	DetailChangesMade
	DetailConditionMetNoChange
	DetailConditionNotMet
	DetailError
	DetailRolledBack
)

var detailNames = map[DetailStatus]string{
	DetailUnknown:              "unknown",
	DetailChangesMade:          "changes_made",
	DetailConditionMetNoChange: "condition_met_no_changes",
	DetailConditionNotMet:      "condition_not_met",
	DetailError:                "error",
	DetailRolledBack:           "rolled_back",
}

func (s DetailStatus) String() string {
	if name, ok := detailNames[s]; ok {
		return name
	}
	return detailNames[DetailUnknown]
}

// ParseDetailStatus accepts the numeric codes 1-4, the snake_case names and
// the display labels the backend emits.
func ParseDetailStatus(raw string) DetailStatus {
	switch normalizeToken(raw) {
	case "1", "changes_made", "condition_met_made_changes", "condition_met_changes_made", "made_changes":
		return DetailChangesMade
	case "2", "condition_met_no_changes", "condition_met_no_change", "no_changes":
		return DetailConditionMetNoChange
	case "3", "condition_not_met", "not_met":
		return DetailConditionNotMet
	case "4", "error", "errors", "failed":
		return DetailError
	case "rolled_back", "rollback":
		return DetailRolledBack
	default:
		return DetailUnknown
	}
}

func (s DetailStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DetailStatus) UnmarshalJSON(data []byte) error {
	raw, _, err := decodeFlexible(data)
	if err != nil {
		return err
	}
	*s = ParseDetailStatus(raw)
	return nil
}

func normalizeToken(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	return s
}
