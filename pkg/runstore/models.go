package runstore

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusSubmitted = "submitted"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunModel is one row of run history. Outcome stays null until the run
// resolves.
type RunModel struct {
	ExecutionID  string         `gorm:"primaryKey;column:execution_id"`
	ProjectID    string         `gorm:"column:project_id;index"`
	ProjectName  string         `gorm:"column:project_name"`
	Status       string         `gorm:"column:status;index"`
	Reason       string         `gorm:"column:reason"`
	PatientCount int            `gorm:"column:patient_count"`
	Rules        datatypes.JSON `gorm:"column:rules"`
	Patients     datatypes.JSON `gorm:"column:patients"`
	Outcome      datatypes.JSON `gorm:"column:outcome"`
	SubmittedAt  time.Time      `gorm:"column:submitted_at"`
	FinishedAt   *time.Time     `gorm:"column:finished_at"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (RunModel) TableName() string {
	return "automation_runs"
}
