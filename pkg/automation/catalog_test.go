package automation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestListPatientsFormatsRangeAndNormalizes(t *testing.T) {
	caller := &fakeCaller{handler: func(method, path string, body []byte) (string, error) {
		return `[{"appointmentid": 77, "appointmentdate": "2025-01-05", "patientid": "P7", "firstname": "Ada", "lastname": "L", "dob": "1990-02-03T00:00:00Z"}]`, nil
	}}
	client := NewClient(caller, nil, time.Second, time.Second)

	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	patients, err := client.ListPatients(context.Background(), from, to)
	if err != nil {
		t.Fatalf("list patients: %v", err)
	}
	if len(patients) != 1 || patients[0].AppointmentID != "77" || patients[0].AppointmentDate != "01/05/2025" || patients[0].DateOfBirth != "02/03/1990" {
		t.Fatalf("unexpected patients %+v", patients)
	}

	path := caller.Calls()[0].Path
	if path != "/patients/list?end_date=01%2F31%2F2025&start_date=01%2F01%2F2025" {
		t.Fatalf("unexpected path %s", path)
	}

	if _, err := client.ListPatients(context.Background(), to, from); !IsValidationError(err) {
		t.Fatalf("expected validation error for reversed range, got %v", err)
	}
}

func TestListRulesAndRuns(t *testing.T) {
	caller := &fakeCaller{handler: func(method, path string, body []byte) (string, error) {
		switch path {
		case "/rules/list":
			return `{"rules": [{"rule_number": 21, "name": "Telehealth modifier"}, {"rule_number": "rule_5", "name": "Bundling"}]}`, nil
		case "/rules/runs":
			return `[{"id": 10000007, "project_name": "Jan"}, {"id": "abc-1", "project_name": "Legacy"}]`, nil
		}
		return "", nil
	}}
	client := NewClient(caller, nil, time.Second, time.Second)

	rules, err := client.ListRules(context.Background())
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 2 || rules[0].RuleNumber != "21" || rules[1].RuleNumber != "5" {
		t.Fatalf("unexpected rules %+v", rules)
	}

	runs, err := client.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "10000007" || runs[1].ID != "abc-1" {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if next := NextProjectID(runs); next != "10000008" {
		t.Fatalf("unexpected next project id %s", next)
	}
}

func TestNextProjectID(t *testing.T) {
	cases := []struct {
		ids  []RunID
		want string
	}{
		{nil, "10000001"},
		{[]RunID{"9999999", "20000000", "x"}, "10000001"},
		{[]RunID{"10000001", "10000010", "10000003"}, "10000011"},
		{[]RunID{" 19999998 "}, "19999999"},
	}
	for _, tc := range cases {
		runs := make([]RunSummary, 0, len(tc.ids))
		for _, id := range tc.ids {
			runs = append(runs, RunSummary{ID: id})
		}
		if got := NextProjectID(runs); got != tc.want {
			t.Errorf("NextProjectID(%v) = %s, want %s", tc.ids, got, tc.want)
		}
	}
}

func TestProjectResultsReconciles(t *testing.T) {
	caller := &fakeCaller{handler: func(method, path string, body []byte) (string, error) {
		return `{"project_name": "Jan", "results": [
			{"appointmentid": "A1", "status_4_errors": 1, "details": [{"rule_number": 3, "status": "Error"}]},
			{"appointment_id": "A1", "status_4_errors": 1, "details": [{"rule_number": 3, "status": "error"}]},
			{"first_name": "no key"}
		]}`, nil
	}}
	client := NewClient(caller, nil, time.Second, time.Second)

	project, records, err := client.ProjectResults(context.Background(), "10000002")
	if err != nil {
		t.Fatalf("project results: %v", err)
	}
	if project.ProjectName != "Jan" || len(project.Results) != 3 {
		t.Fatalf("unexpected project %+v", project)
	}
	if len(records) != 1 || records[0].Errors != 2 || len(records[0].Details) != 1 {
		t.Fatalf("unexpected records %+v", records)
	}

	call := caller.Calls()[0]
	if call.Method != "POST" || !strings.HasSuffix(call.Path, "project_id=10000002") {
		t.Fatalf("unexpected call %+v", call)
	}
	var body map[string]string
	if err := json.Unmarshal(call.Body, &body); err != nil || body["project_id"] != "10000002" {
		t.Fatalf("unexpected body %s", call.Body)
	}
}

func TestArchiveRun(t *testing.T) {
	caller := &fakeCaller{handler: func(string, string, []byte) (string, error) { return `{"success": true}`, nil }}
	client := NewClient(caller, nil, time.Second, time.Second)
	if err := client.ArchiveRun(context.Background(), "10000004"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if p := caller.Calls()[0].Path; p != "/rules/runs/10000004/archive" {
		t.Fatalf("unexpected path %s", p)
	}
	if err := client.ArchiveRun(context.Background(), ""); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAssignProjectID(t *testing.T) {
	caller := &fakeCaller{handler: func(method, path string, body []byte) (string, error) {
		return `[{"id": 10000041, "project_name": "a"}, {"id": 99, "project_name": "b"}]`, nil
	}}
	client := NewClient(caller, nil, time.Second, time.Second)

	batch, err := client.AssignProjectID(context.Background(), Batch{Name: "x"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if batch.ProjectID != "10000042" {
		t.Fatalf("unexpected project id %q", batch.ProjectID)
	}

	kept, err := client.AssignProjectID(context.Background(), Batch{Name: "x", ProjectID: "custom"})
	if err != nil || kept.ProjectID != "custom" {
		t.Fatalf("explicit project id must be kept, got %q (%v)", kept.ProjectID, err)
	}
	if len(caller.Calls()) != 1 {
		t.Fatalf("explicit id should not list runs, calls=%d", len(caller.Calls()))
	}
}

func TestClientResultsReconciles(t *testing.T) {
	caller := &fakeCaller{handler: func(method, path string, body []byte) (string, error) {
		if path != "/rules/results/exec-3" {
			t.Errorf("unexpected path %s", path)
		}
		return `{"results": [{"appointment_id": "A1", "status_1_changes_made": 1}, {"appointmentid": "A1", "status_4_errors": 1}]}`, nil
	}}
	records, err := NewClient(caller, nil, time.Second, time.Second).Results(context.Background(), "exec-3")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(records) != 1 || records[0].ChangesMade != 1 || records[0].Errors != 1 {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestClientResultsAcceptsMixedCounterTypes(t *testing.T) {
	caller := &fakeCaller{handler: func(string, string, []byte) (string, error) {
		return `{"results": [
			{"appointment_id": "A1", "status_1_changes_made": "1", "status_2_condition_met_no_changes": true},
			{"appointment_id": "A1", "status_1_changes_made": true, "status_3_condition_not_met": "", "status_4_errors": false},
			{"appointment_id": "A1", "status_1_changes_made": 2, "status_3_condition_not_met": "3", "status_4_errors": null}
		]}`, nil
	}}
	records, err := NewClient(caller, nil, time.Second, time.Second).Results(context.Background(), "exec-4")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	want := Counters{ChangesMade: 4, ConditionMetNoChange: 1, ConditionNotMet: 3, Errors: 0}
	if len(records) != 1 || records[0].Counters != want {
		t.Fatalf("unexpected records %+v", records)
	}
}
