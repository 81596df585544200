package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RuleNumber identifies a backend rule. The backend uses both numeric and
// string identifiers, so the canonical form is the bare text ("21").
type RuleNumber string

// ParseRuleNumber strips the "rule", "rule_" and "rule-" prefixes used in
// progress keys and rollback paths.
func ParseRuleNumber(raw string) RuleNumber {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"rule_", "rule-", "rule"} {
		if strings.HasPrefix(lower, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	return RuleNumber(strings.TrimSpace(s))
}

func (n RuleNumber) String() string { return string(n) }

// ProgressKey is the key the progress endpoint uses for this rule.
func (n RuleNumber) ProgressKey() string { return "rule_" + string(n) }

// PathID is the identifier the rollback endpoint expects.
func (n RuleNumber) PathID() string { return "rule" + string(n) }

// MarshalJSON writes canonical integers ("21") as numbers and anything else,
// including "05" or "+5", as a string.
func (n RuleNumber) MarshalJSON() ([]byte, error) {
	if v, err := strconv.ParseInt(string(n), 10, 64); err == nil && strconv.FormatInt(v, 10) == string(n) {
		return []byte(n), nil
	}
	return json.Marshal(string(n))
}

func (n *RuleNumber) UnmarshalJSON(data []byte) error {
	s, quoted, err := decodeFlexible(data)
	if err != nil {
		return fmt.Errorf("rule number: %w", err)
	}
	if quoted {
		*n = ParseRuleNumber(s)
		return nil
	}
	*n = RuleNumber(s)
	return nil
}

// RunID identifies a run in the backend history; it is numeric for readable
// project ids and a string otherwise.
type RunID string

func (id *RunID) UnmarshalJSON(data []byte) error {
	s, _, err := decodeFlexible(data)
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	*id = RunID(s)
	return nil
}

// decodeFlexible reads a JSON string or number as text.
func decodeFlexible(data []byte) (string, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", false, nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", true, err
		}
		return s, true, nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return "", false, err
	}
	return num.String(), false, nil
}

// PatientRecord is one selected encounter.
type PatientRecord struct {
	AppointmentID   string `json:"appointment_id"`
	AppointmentDate string `json:"appointment_date"`
	PatientID       string `json:"patient_id"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	DateOfBirth     string `json:"dob,omitempty"`
}

// RuleSelection is a rule chosen for a run. Name is display only.
type RuleSelection struct {
	RuleNumber RuleNumber `json:"rule_number"`
	Name       string     `json:"name,omitempty"`
}

// Batch is the input of one submission.
type Batch struct {
	Name         string          `json:"project_name"`
	ProjectID    string          `json:"project_id,omitempty"`
	Patients     []PatientRecord `json:"patients"`
	Rules        []RuleSelection `json:"rules"`
	AddModifiers *bool           `json:"add_modifiers,omitempty"`
}

// ExecutionHandle is the opaque id the backend returns for a submitted run.
type ExecutionHandle string

func (h ExecutionHandle) String() string { return string(h) }

// RuleProgress is the status snapshot of one rule.
type RuleProgress struct {
	RuleNumber        RuleNumber `json:"rule_number"`
	Status            RunStatus  `json:"status"`
	Percentage        float64    `json:"percentage"`
	PatientsProcessed int        `json:"patients_processed"`
	TotalPatients     int        `json:"total_patients"`
}

// Done reports whether the rule reached a terminal status.
func (p RuleProgress) Done() bool { return p.Status.Terminal() }

// OverallProgress is the backend's aggregate view. It is informational only.
type OverallProgress struct {
	Percentage  float64    `json:"percentage"`
	CurrentRule RuleNumber `json:"current_rule,omitempty"`
}

// Snapshot is the merged progress view after one poll.
type Snapshot struct {
	ExecutionID ExecutionHandle  `json:"execution_id"`
	Seq         int              `json:"seq"`
	Status      RunStatus        `json:"status"`
	Overall     *OverallProgress `json:"overall,omitempty"`
	Rules       []RuleProgress   `json:"rules"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// AllRulesDone reports whether every selected rule is terminal.
func (s Snapshot) AllRulesDone() bool {
	if len(s.Rules) == 0 {
		return false
	}
	for _, r := range s.Rules {
		if !r.Done() {
			return false
		}
	}
	return true
}

// Complete reports whether polling may stop: all rules terminal and the
// aggregate status terminal too.
func (s Snapshot) Complete() bool {
	return s.AllRulesDone() && s.Status.Terminal()
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Rules = append([]RuleProgress(nil), s.Rules...)
	if s.Overall != nil {
		overall := *s.Overall
		out.Overall = &overall
	}
	return out
}

// Count is an outcome tally. The backend sends tallies as numbers, numeric
// strings or booleans; true reads as 1, false and "" as 0.
type Count int

func (c *Count) UnmarshalJSON(data []byte) error {
	switch s := string(bytes.TrimSpace(data)); s {
	case "true":
		*c = 1
		return nil
	case "false", "null":
		*c = 0
		return nil
	}
	s, _, err := decodeFlexible(data)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "false":
		*c = 0
		return nil
	case "true":
		*c = 1
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("count: not a number: %q", s)
	}
	*c = Count(v)
	return nil
}

// Counters are the four per-patient outcome tallies.
type Counters struct {
	ChangesMade          Count `json:"status_1_changes_made"`
	ConditionMetNoChange Count `json:"status_2_condition_met_no_changes"`
	ConditionNotMet      Count `json:"status_3_condition_not_met"`
	Errors               Count `json:"status_4_errors"`
}

func (c Counters) add(o Counters) Counters {
	return Counters{
		ChangesMade:          c.ChangesMade + o.ChangesMade,
		ConditionMetNoChange: c.ConditionMetNoChange + o.ConditionMetNoChange,
		ConditionNotMet:      c.ConditionNotMet + o.ConditionNotMet,
		Errors:               c.Errors + o.Errors,
	}
}

// ResultDetail is one rule's outcome for one patient.
type ResultDetail struct {
	RuleNumber RuleNumber   `json:"rule_number"`
	Status     DetailStatus `json:"status"`
	Reason     string       `json:"reason,omitempty"`
}

// ResultRecord is the reconciled outcome for one appointment.
type ResultRecord struct {
	AppointmentID   string         `json:"appointment_id"`
	AppointmentDate string         `json:"appointment_date,omitempty"`
	PatientID       string         `json:"patient_id,omitempty"`
	FirstName       string         `json:"first_name,omitempty"`
	LastName        string         `json:"last_name,omitempty"`
	DateOfBirth     string         `json:"dob,omitempty"`
	Counters
	Details []ResultDetail `json:"details"`
}

// Patient returns the encounter this record describes.
func (r ResultRecord) Patient() PatientRecord {
	return PatientRecord{
		AppointmentID:   r.AppointmentID,
		AppointmentDate: r.AppointmentDate,
		PatientID:       r.PatientID,
		FirstName:       r.FirstName,
		LastName:        r.LastName,
		DateOfBirth:     r.DateOfBirth,
	}
}

// Fragment converts a reconciled record back into raw form.
func (r ResultRecord) Fragment() Fragment {
	return Fragment{
		AppointmentID:   r.AppointmentID,
		AppointmentDate: r.AppointmentDate,
		PatientID:       r.PatientID,
		FirstName:       r.FirstName,
		LastName:        r.LastName,
		DateOfBirth:     r.DateOfBirth,
		Counters:        r.Counters,
		Details:         append([]ResultDetail(nil), r.Details...),
	}
}

// Fragment is a raw result row as the backend returns it. Rows may repeat an
// appointment and use either id spelling.
type Fragment struct {
	AppointmentID    string `json:"appointment_id,omitempty"`
	AltAppointmentID string `json:"appointmentid,omitempty"`
	AppointmentDate  string `json:"appointment_date,omitempty"`
	PatientID        string `json:"patientid,omitempty"`
	AltPatientID     string `json:"patient_id,omitempty"`
	FirstName        string `json:"first_name,omitempty"`
	LastName         string `json:"last_name,omitempty"`
	DateOfBirth      string `json:"dob,omitempty"`
	Counters
	Details []ResultDetail `json:"details,omitempty"`
}

// Key returns the natural key, falling back to the alternate spelling.
func (f Fragment) Key() string {
	if id := strings.TrimSpace(f.AppointmentID); id != "" {
		return id
	}
	return strings.TrimSpace(f.AltAppointmentID)
}

func (f Fragment) patientID() string {
	if f.PatientID != "" {
		return f.PatientID
	}
	return f.AltPatientID
}

// RuleInfo is an entry of the backend rule catalog.
type RuleInfo struct {
	RuleNumber  RuleNumber `json:"rule_number"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
}

// RunSummary is an entry of the backend run history.
type RunSummary struct {
	ID          RunID  `json:"id"`
	ProjectName string `json:"project_name"`
	CreatedAt   string `json:"created_at,omitempty"`
	Status      string `json:"status,omitempty"`
}

// ProjectResults is a historic run with its raw result rows.
type ProjectResults struct {
	ProjectID   string     `json:"project_id"`
	ProjectName string     `json:"project_name"`
	Results     []Fragment `json:"results"`
}
