package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medofficehq/automation/pkg/automation"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrRunNotFound = fmt.Errorf("runstore: %w", automation.ErrRunNotFound)

// Run is the history view of a stored run.
type Run struct {
	ExecutionID  string                  `json:"execution_id"`
	ProjectID    string                  `json:"project_id,omitempty"`
	ProjectName  string                  `json:"project_name"`
	Status       string                  `json:"status"`
	Reason       string                  `json:"reason,omitempty"`
	PatientCount int                     `json:"patient_count"`
	Rules        []automation.RuleNumber `json:"rules"`
	SubmittedAt  time.Time               `json:"submitted_at"`
	FinishedAt   *time.Time              `json:"finished_at,omitempty"`
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&RunModel{})
}

func (r *Repository) SaveSubmission(ctx context.Context, rec automation.RunRecord) error {
	model, err := submissionModel(rec)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(&model).Error
}

// SaveOutcome records the resolved outcome. A run submitted by another
// process gets its row created here.
func (r *Repository) SaveOutcome(ctx context.Context, outcome automation.Outcome) error {
	updates, err := outcomeUpdates(outcome)
	if err != nil {
		return err
	}

	result := r.db.WithContext(ctx).Model(&RunModel{}).
		Where("execution_id = ?", string(outcome.ExecutionID)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	model := RunModel{
		ExecutionID: string(outcome.ExecutionID),
		ProjectID:   outcome.ProjectID,
		ProjectName: outcome.ProjectName,
		SubmittedAt: outcome.FinishedAt,
	}
	applyOutcome(&model, updates)
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *Repository) LoadOutcome(ctx context.Context, handle automation.ExecutionHandle) (automation.Outcome, error) {
	model, err := r.get(ctx, string(handle))
	if err != nil {
		return automation.Outcome{}, err
	}
	return decodeOutcome(model)
}

func (r *Repository) Get(ctx context.Context, handle automation.ExecutionHandle) (Run, error) {
	model, err := r.get(ctx, string(handle))
	if err != nil {
		return Run{}, err
	}
	return toRun(model), nil
}

func (r *Repository) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []RunModel
	result := r.db.WithContext(ctx).
		Omit("patients", "outcome").
		Order("submitted_at desc").
		Limit(limit).
		Find(&models)
	if result.Error != nil {
		return nil, result.Error
	}

	runs := make([]Run, 0, len(models))
	for _, m := range models {
		runs = append(runs, toRun(m))
	}
	return runs, nil
}

func (r *Repository) get(ctx context.Context, executionID string) (RunModel, error) {
	var model RunModel
	result := r.db.WithContext(ctx).First(&model, "execution_id = ?", executionID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return RunModel{}, ErrRunNotFound
	}
	return model, result.Error
}

func submissionModel(rec automation.RunRecord) (RunModel, error) {
	rules, err := json.Marshal(rec.Rules)
	if err != nil {
		return RunModel{}, fmt.Errorf("encode rules: %w", err)
	}
	patients, err := json.Marshal(rec.Patients)
	if err != nil {
		return RunModel{}, fmt.Errorf("encode patients: %w", err)
	}
	return RunModel{
		ExecutionID:  string(rec.ExecutionID),
		ProjectID:    rec.ProjectID,
		ProjectName:  rec.ProjectName,
		Status:       StatusSubmitted,
		PatientCount: len(rec.Patients),
		Rules:        datatypes.JSON(rules),
		Patients:     datatypes.JSON(patients),
		SubmittedAt:  rec.SubmittedAt.UTC(),
	}, nil
}

func outcomeUpdates(outcome automation.Outcome) (map[string]interface{}, error) {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("encode outcome: %w", err)
	}
	finished := outcome.FinishedAt.UTC()
	return map[string]interface{}{
		"status":      string(outcome.Status),
		"reason":      outcome.Reason,
		"outcome":     datatypes.JSON(raw),
		"finished_at": &finished,
		"updated_at":  time.Now().UTC(),
	}, nil
}

func applyOutcome(model *RunModel, updates map[string]interface{}) {
	model.Status, _ = updates["status"].(string)
	model.Reason, _ = updates["reason"].(string)
	model.Outcome, _ = updates["outcome"].(datatypes.JSON)
	model.FinishedAt, _ = updates["finished_at"].(*time.Time)
}

func decodeOutcome(model RunModel) (automation.Outcome, error) {
	if len(model.Outcome) == 0 || string(model.Outcome) == "null" {
		return automation.Outcome{}, automation.ErrRunInProgress
	}
	var outcome automation.Outcome
	if err := json.Unmarshal(model.Outcome, &outcome); err != nil {
		return automation.Outcome{}, fmt.Errorf("decode outcome of %s: %w", model.ExecutionID, err)
	}
	if outcome.Results == nil {
		outcome.Results = []automation.ResultRecord{}
	}
	return outcome, nil
}

func toRun(model RunModel) Run {
	run := Run{
		ExecutionID:  model.ExecutionID,
		ProjectID:    model.ProjectID,
		ProjectName:  model.ProjectName,
		Status:       model.Status,
		Reason:       model.Reason,
		PatientCount: model.PatientCount,
		Rules:        []automation.RuleNumber{},
		SubmittedAt:  model.SubmittedAt,
		FinishedAt:   model.FinishedAt,
	}
	if len(model.Rules) > 0 {
		var rules []automation.RuleNumber
		if err := json.Unmarshal(model.Rules, &rules); err == nil && rules != nil {
			run.Rules = rules
		}
	}
	return run
}
