package models

import (
	"time"

	"gorm.io/datatypes"
)

// Movement: defterdeki her başarılı değişikliğin değiştirilemez kaydı
type Movement struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	// İstemcinin gönderdiği istek kimliği, tekrar gönderimlerde çift sayımı engeller
	RequestID string `gorm:"size:36;not null;uniqueIndex" json:"request_id"`

	OperatorID   uint   `gorm:"index" json:"operator_id"`
	OperatorName string `gorm:"size:100" json:"operator_name"`

	BatchID  uint      `gorm:"index;not null" json:"batch_id"`
	RollID   uint      `gorm:"index;not null" json:"roll_id"`
	PartID   uint      `json:"part_id"`
	Size     string    `gorm:"size:20" json:"size"`
	Stage    StageType `gorm:"size:20;not null" json:"stage"`
	Outcome  Outcome   `gorm:"size:20;not null" json:"outcome"`
	Quantity int       `gorm:"not null" json:"quantity"`

	Description string `gorm:"size:255" json:"description"`

	// Önceki ve sonraki sayaçlar (JSON)
	BeforeData datatypes.JSON `json:"before_data"`
	AfterData  datatypes.JSON `json:"after_data"`
}
