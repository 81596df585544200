package automation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	firstProjectID = 10000001
	lastProjectID  = 19999999
)

type rulesListResponse struct {
	Rules []RuleInfo `json:"rules"`
}

// listedPatient is a patient row of the encounter list, whose ids may be
// numbers or strings.
type listedPatient struct {
	AppointmentID   flexString `json:"appointmentid"`
	AppointmentDate string     `json:"appointmentdate"`
	PatientID       flexString `json:"patientid"`
	FirstName       string     `json:"firstname"`
	LastName        string     `json:"lastname"`
	DateOfBirth     string     `json:"dob"`
}

type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	v, _, err := decodeFlexible(data)
	if err != nil {
		return err
	}
	*s = flexString(v)
	return nil
}

type projectResultsRequest struct {
	ProjectID string `json:"project_id"`
}

type resultsResponse struct {
	ProjectID   string     `json:"project_id,omitempty"`
	ProjectName string     `json:"project_name,omitempty"`
	Results     []Fragment `json:"results"`
}

func (c *Client) catalogContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.catalogTimeout)
}

// ListRules returns the rule catalog.
func (c *Client) ListRules(ctx context.Context) ([]RuleInfo, error) {
	ctx, cancel := c.catalogContext(ctx)
	defer cancel()

	var resp rulesListResponse
	if err := c.caller.Do(ctx, http.MethodGet, "/rules/list", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	return resp.Rules, nil
}

// ListPatients returns the encounters scheduled between from and to, with
// dates normalized.
func (c *Client) ListPatients(ctx context.Context, from, to time.Time) ([]PatientRecord, error) {
	if from.IsZero() || to.IsZero() {
		return nil, ValidationError{reason: fmt.Errorf("date range needs both start and end")}
	}
	if to.Before(from) {
		return nil, ValidationError{reason: fmt.Errorf("end date %s is before start date %s", FormatDate(to), FormatDate(from))}
	}

	ctx, cancel := c.catalogContext(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("start_date", FormatDate(from))
	q.Set("end_date", FormatDate(to))

	var listed []listedPatient
	if err := c.caller.Do(ctx, http.MethodGet, "/patients/list?"+q.Encode(), nil, &listed); err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}

	out := make([]PatientRecord, 0, len(listed))
	for _, w := range listed {
		out = append(out, normalizePatient(PatientRecord{
			AppointmentID:   string(w.AppointmentID),
			AppointmentDate: w.AppointmentDate,
			PatientID:       string(w.PatientID),
			FirstName:       w.FirstName,
			LastName:        w.LastName,
			DateOfBirth:     w.DateOfBirth,
		}))
	}
	return out, nil
}

// ListRuns returns the backend run history.
func (c *Client) ListRuns(ctx context.Context) ([]RunSummary, error) {
	ctx, cancel := c.catalogContext(ctx)
	defer cancel()

	var runs []RunSummary
	if err := c.caller.Do(ctx, http.MethodGet, "/rules/runs", nil, &runs); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (c *Client) ArchiveRun(ctx context.Context, id RunID) error {
	if strings.TrimSpace(string(id)) == "" {
		return ValidationError{reason: fmt.Errorf("archive needs a run id")}
	}
	ctx, cancel := c.catalogContext(ctx)
	defer cancel()

	if err := c.caller.Do(ctx, http.MethodPost, "/rules/runs/"+url.PathEscape(string(id))+"/archive", nil, nil); err != nil {
		return fmt.Errorf("archiving run %s: %w", id, err)
	}
	return nil
}

// ProjectResults loads a historic run and reconciles its rows.
func (c *Client) ProjectResults(ctx context.Context, projectID string) (ProjectResults, []ResultRecord, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return ProjectResults{}, nil, ValidationError{reason: fmt.Errorf("project results need a project id")}
	}
	ctx, cancel := c.catalogContext(ctx)
	defer cancel()

	q := url.Values{}
	q.Set("project_id", projectID)

	var resp resultsResponse
	body := projectResultsRequest{ProjectID: projectID}
	if err := c.caller.Do(ctx, http.MethodPost, "/rules/project-results?"+q.Encode(), body, &resp); err != nil {
		return ProjectResults{}, nil, fmt.Errorf("loading project %s: %w", projectID, err)
	}

	project := ProjectResults{
		ProjectID:   projectID,
		ProjectName: resp.ProjectName,
		Results:     resp.Results,
	}
	return project, Reconcile(resp.Results), nil
}

// FetchResults reads the raw result rows of an execution.
func (c *Client) FetchResults(ctx context.Context, handle ExecutionHandle, timeout time.Duration) ([]Fragment, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var resp resultsResponse
	if err := c.caller.Do(ctx, http.MethodGet, "/rules/results/"+url.PathEscape(string(handle)), nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching results of %s: %w", handle, err)
	}
	return resp.Results, nil
}

// NextProjectID returns the next readable project id: one past the highest
// id in [10000001, 19999999], or 10000001 when there is none.
func NextProjectID(runs []RunSummary) string {
	highest := 0
	for _, r := range runs {
		n, err := strconv.Atoi(strings.TrimSpace(string(r.ID)))
		if err != nil || n < firstProjectID || n > lastProjectID {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	if highest == 0 {
		return strconv.Itoa(firstProjectID)
	}
	return strconv.Itoa(highest + 1)
}

// AssignProjectID fills in a readable project id when the batch has none.
func (c *Client) AssignProjectID(ctx context.Context, batch Batch) (Batch, error) {
	if strings.TrimSpace(batch.ProjectID) != "" {
		return batch, nil
	}
	runs, err := c.ListRuns(ctx)
	if err != nil {
		return batch, err
	}
	batch.ProjectID = NextProjectID(runs)
	return batch, nil
}

// Results fetches and reconciles the result rows of an execution.
func (c *Client) Results(ctx context.Context, handle ExecutionHandle) ([]ResultRecord, error) {
	fragments, err := c.FetchResults(ctx, handle, c.catalogTimeout)
	if err != nil {
		return nil, err
	}
	return Reconcile(fragments), nil
}

// Watch polls an execution submitted elsewhere.
func (c *Client) Watch(ctx context.Context, handle ExecutionHandle, rules []RuleNumber, opts PollOptions) (*Poller, error) {
	return Watch(ctx, c.caller, handle, rules, opts)
}
