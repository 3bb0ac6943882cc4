package models

import "time"

type ProgressStatus string

const (
	ProgressPending    ProgressStatus = "PENDING"
	ProgressInProgress ProgressStatus = "IN_PROGRESS"
	ProgressCompleted  ProgressStatus = "COMPLETED"
)

// StageProgress tracks one cycle-flow step of a batch on one line.
// LineID 0 means no line has been assigned yet.
type StageProgress struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	BatchID         uint           `gorm:"uniqueIndex:idx_progress_key,priority:1;not null" json:"batch_id"`
	CycleFlowStepID uint           `gorm:"uniqueIndex:idx_progress_key,priority:2;not null" json:"cycle_flow_step_id"`
	LineID          uint           `gorm:"uniqueIndex:idx_progress_key,priority:3;not null" json:"line_id"`
	Status          ProgressStatus `gorm:"size:20;not null;index" json:"status"`
	StartedBy       uint           `json:"started_by"`
	StartedAt       *time.Time     `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`

	Step  CycleFlowStep       `gorm:"foreignKey:CycleFlowStepID" json:"step"`
	Rolls []StageProgressRoll `gorm:"foreignKey:StageProgressID;constraint:OnDelete:CASCADE" json:"rolls"`
}

type StageProgressRoll struct {
	StageProgressID uint `gorm:"primaryKey" json:"stage_progress_id"`
	RollID          uint `gorm:"primaryKey;index" json:"roll_id"`
}

// RollIDs returns the ids of the rolls selected for this progress.
func (p StageProgress) RollIDs() []uint {
	ids := make([]uint, 0, len(p.Rolls))
	for _, r := range p.Rolls {
		ids = append(ids, r.RollID)
	}
	return ids
}
