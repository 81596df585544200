package automation

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/observability/metrics"
)

const rollbackReason = "rollback"

type rollbackRequest struct {
	AddModifiers bool          `json:"add_modifiers"`
	IsRollback   bool          `json:"is_rollback"`
	Patients     []wirePatient `json:"patients"`
}

// Rollback reverts one rule's changes for the given patients.
func (c *Client) Rollback(ctx context.Context, rule RuleNumber, patients []PatientRecord) error {
	if rule == "" {
		return ValidationError{reason: fmt.Errorf("rollback needs a rule number")}
	}
	wire, err := wirePatients(patients)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	req := rollbackRequest{
		AddModifiers: c.policy.ForRule(rule),
		IsRollback:   true,
		Patients:     wire,
	}
	if err := encodable(req); err != nil {
		return err
	}
	if err := c.caller.Do(ctx, http.MethodPost, "/rules/"+rule.PathID()+"/rollback", req, nil); err != nil {
		metrics.RecordRollback("failed")
		return fmt.Errorf("rollback of rule %s: %w", rule, err)
	}
	metrics.RecordRollback("ok")

	logger.WithFields(map[string]interface{}{
		"rule_number":   rule,
		"patients":      len(wire),
		"add_modifiers": req.AddModifiers,
	}).Info("rule rolled back")
	return nil
}

// RollbackRecord reverts a reconciled record. Rules that made changes are
// rolled back; when none did, every rule in the record is. The calls run
// concurrently and the returned record reflects the rollback only if all of
// them succeeded.
func (c *Client) RollbackRecord(ctx context.Context, rec ResultRecord) (ResultRecord, error) {
	rules := rollbackTargets(rec)
	if len(rules) == 0 {
		return rec, ErrNothingToRollback
	}

	patient := []PatientRecord{rec.Patient()}
	g, gctx := errgroup.WithContext(ctx)
	for _, rule := range rules {
		rule := rule
		g.Go(func() error {
			return c.Rollback(gctx, rule, patient)
		})
	}
	if err := g.Wait(); err != nil {
		return rec, fmt.Errorf("rolling back appointment %s: %w", rec.AppointmentID, err)
	}

	rolled := make(map[RuleNumber]struct{}, len(rules))
	for _, r := range rules {
		rolled[r] = struct{}{}
	}

	out := rec
	out.Details = make([]ResultDetail, len(rec.Details))
	for i, d := range rec.Details {
		if _, ok := rolled[d.RuleNumber]; ok {
			d.Status = DetailRolledBack
			d.Reason = rollbackReason
		}
		out.Details[i] = d
	}
	out.ChangesMade = 0
	return out, nil
}

// ReapplyBatch is a single-patient batch running the record's rules again.
func ReapplyBatch(projectName string, rec ResultRecord) (Batch, error) {
	rules := detailRules(rec.Details)
	if len(rules) == 0 {
		return Batch{}, ValidationError{reason: errNoRules}
	}

	selections := make([]RuleSelection, 0, len(rules))
	for _, r := range rules {
		selections = append(selections, RuleSelection{RuleNumber: r})
	}
	return Batch{
		Name:     projectName,
		Patients: []PatientRecord{rec.Patient()},
		Rules:    selections,
	}, nil
}

// Reapply submits the record's rules again for its patient as a new run.
func (c *Client) Reapply(ctx context.Context, projectName string, rec ResultRecord) (ExecutionHandle, error) {
	batch, err := ReapplyBatch(projectName, rec)
	if err != nil {
		return "", err
	}
	return c.Submit(ctx, batch)
}

func rollbackTargets(rec ResultRecord) []RuleNumber {
	var changed []ResultDetail
	for _, d := range rec.Details {
		if d.Status == DetailChangesMade {
			changed = append(changed, d)
		}
	}
	if len(changed) > 0 {
		return detailRules(changed)
	}
	return detailRules(rec.Details)
}

func detailRules(details []ResultDetail) []RuleNumber {
	out := make([]RuleNumber, 0, len(details))
	seen := make(map[RuleNumber]struct{}, len(details))
	for _, d := range details {
		if d.RuleNumber == "" {
			continue
		}
		if _, dup := seen[d.RuleNumber]; dup {
			continue
		}
		seen[d.RuleNumber] = struct{}{}
		out = append(out, d.RuleNumber)
	}
	return out
}
