package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchInProgress BatchStatus = "IN_PROGRESS"
	BatchCompleted  BatchStatus = "COMPLETED"
)

type ProductionBatch struct {
	ID          uint        `gorm:"primaryKey" json:"id"`
	ProductID   uint        `gorm:"index;not null" json:"product_id"`
	Product     Product     `json:"-"`
	Code        string      `gorm:"size:50;not null;uniqueIndex" json:"code"`
	Status      BatchStatus `gorm:"size:20;not null;index" json:"status"`
	StartedAt   *time.Time  `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	Rolls []FabricRoll `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE" json:"rolls"`
}

// FabricRoll belongs to exactly one batch.
type FabricRoll struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	BatchID     uint            `gorm:"index;not null" json:"batch_id"`
	Code        string          `gorm:"size:50;not null" json:"code"`
	TotalLength decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_length"` // metre
	IsCut       bool            `gorm:"not null;default:false" json:"is_cut"`            // kesim kaydı kapandı mı?
	CutAt       *time.Time      `json:"cut_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
