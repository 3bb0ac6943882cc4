package models

import "time"

type Outcome string

const (
	OutcomeValidated Outcome = "VALIDATED"
	OutcomePrepared  Outcome = "PREPARED"
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeAlter     Outcome = "ALTER"
	OutcomeRepaired  Outcome = "REPAIRED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeApproved  Outcome = "APPROVED"

	// OutcomeCut only appears in the movement journal for cut intake.
	OutcomeCut Outcome = "CUT"
)

// QuantityRecord is the quantity-of-record row for one (roll, part, size).
// BatchID is denormalized so a whole batch tree loads with one indexed query.
type QuantityRecord struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	BatchID uint   `gorm:"index:idx_qty_batch_roll,priority:1;not null" json:"batch_id"`
	RollID  uint   `gorm:"uniqueIndex:idx_qty_key,priority:1;index:idx_qty_batch_roll,priority:2;not null" json:"roll_id"`
	PartID  uint   `gorm:"uniqueIndex:idx_qty_key,priority:2;not null" json:"part_id"`
	Size    string `gorm:"uniqueIndex:idx_qty_key,priority:3;size:20;not null" json:"size"`

	Cut               int `gorm:"not null" json:"cut"`
	Validated         int `gorm:"not null" json:"validated"`
	Prepared          int `gorm:"not null" json:"prepared"`
	Completed         int `gorm:"not null" json:"completed"`
	Unloaded          int `gorm:"not null" json:"unloaded"`
	Altered           int `gorm:"not null" json:"altered"`
	Repaired          int `gorm:"not null" json:"repaired"`
	Rejected          int `gorm:"not null" json:"rejected"`            // tüm ıskarta
	RejectedFromAlter int `gorm:"not null" json:"rejected_from_alter"` // rötuştan ıskartaya düşenler

	Version   int       `gorm:"not null" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingAlter is the number of pieces currently sitting in alteration.
func (r QuantityRecord) PendingAlter() int {
	return r.Altered - r.Repaired - r.RejectedFromAlter
}

// CheckRejected is the number of cut pieces scrapped at checking.
func (r QuantityRecord) CheckRejected() int {
	return r.Rejected - r.RejectedFromAlter
}
