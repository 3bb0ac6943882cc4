package models

import "time"

type StageType string

const (
	StageCutting     StageType = "CUTTING"
	StageChecking    StageType = "CHECKING"
	StagePreparation StageType = "PREPARATION"
	StageSewing      StageType = "SEWING"
	StageAssembly    StageType = "ASSEMBLY"
	StageUnload      StageType = "UNLOAD"
)

type PartKind string

const (
	PartPrimary    PartKind = "PRIMARY"    // gövde parçaları, set sayısını sınırlar
	PartSupporting PartKind = "SUPPORTING" // tela, aksesuar
)

type Product struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"size:50;not null;uniqueIndex" json:"code"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Parts []PiecePart     `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" json:"parts"`
	Steps []CycleFlowStep `gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE" json:"steps"`
}

type PiecePart struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	ProductID uint     `gorm:"index;not null" json:"product_id"`
	Name      string   `gorm:"size:100;not null" json:"name"`
	Kind      PartKind `gorm:"size:20;not null" json:"kind"`
}

// CycleFlowStep is one position in a product's ordered stage list.
type CycleFlowStep struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ProductID    uint      `gorm:"uniqueIndex:idx_flow_step_position,priority:1;not null" json:"product_id"`
	Position     int       `gorm:"uniqueIndex:idx_flow_step_position,priority:2;not null" json:"position"`
	StageType    StageType `gorm:"size:20;not null" json:"stage_type"`
	RequiresLine bool      `gorm:"not null;default:false" json:"requires_line"`
}
