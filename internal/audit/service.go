package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"pieceflow-backend/internal/models"
)

type MovementOptions struct {
	RequestID    string
	OperatorID   uint
	OperatorName string
	BatchID      uint
	RollID       uint
	PartID       uint
	Size         string
	Stage        models.StageType
	Outcome      models.Outcome
	Quantity     int
	Description  string
	Before       any
	After        any
}

// WriteMovement appends a journal row. It must be called with the same
// transaction that changed the counters so both commit or neither does.
func WriteMovement(ctx context.Context, tx *gorm.DB, opts MovementOptions) (*models.Movement, error) {
	// jsonb için boş string yerine "null" kullanılmalı
	m := &models.Movement{
		RequestID:    opts.RequestID,
		OperatorID:   opts.OperatorID,
		OperatorName: opts.OperatorName,
		BatchID:      opts.BatchID,
		RollID:       opts.RollID,
		PartID:       opts.PartID,
		Size:         opts.Size,
		Stage:        opts.Stage,
		Outcome:      opts.Outcome,
		Quantity:     opts.Quantity,
		Description:  opts.Description,
		BeforeData:   toJSON(opts.Before),
		AfterData:    toJSON(opts.After),
	}
	if err := tx.WithContext(ctx).Create(m).Error; err != nil {
		return nil, fmt.Errorf("movement kaydedilemedi: %w", err)
	}
	return m, nil
}

// FindByRequestID returns the movement recorded for requestID, or nil.
func FindByRequestID(ctx context.Context, tx *gorm.DB, requestID string) (*models.Movement, error) {
	if requestID == "" {
		return nil, nil
	}
	var m models.Movement
	err := tx.WithContext(ctx).Where("request_id = ?", requestID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type ListFilter struct {
	BatchID    uint
	RollID     uint
	OperatorID uint
	Limit      int
}

func List(ctx context.Context, db *gorm.DB, f ListFilter) ([]models.Movement, error) {
	q := db.WithContext(ctx).Model(&models.Movement{})
	if f.BatchID != 0 {
		q = q.Where("batch_id = ?", f.BatchID)
	}
	if f.RollID != 0 {
		q = q.Where("roll_id = ?", f.RollID)
	}
	if f.OperatorID != 0 {
		q = q.Where("operator_id = ?", f.OperatorID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.Movement
	if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func toJSON(v any) datatypes.JSON {
	if v == nil {
		return datatypes.JSON("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}
