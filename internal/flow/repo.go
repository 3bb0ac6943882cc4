package flow

import (
	"errors"
	"sync"

	"gorm.io/gorm"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/dbctx"
	"pieceflow-backend/internal/models"
)

// Repo loads cycle flows and caches them per product. A flow never changes
// once its product has batches, so cached entries are never invalidated.
type Repo struct {
	db *gorm.DB

	mu        sync.RWMutex
	byProduct map[uint]*Flow
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, byProduct: map[uint]*Flow{}}
}

func (r *Repo) ForProduct(dbc dbctx.Context, productID uint) (*Flow, error) {
	r.mu.RLock()
	f, ok := r.byProduct[productID]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	var steps []models.CycleFlowStep
	if err := dbc.DB(r.db).
		Where("product_id = ?", productID).
		Order("position ASC").
		Find(&steps).Error; err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "no cycle flow for product %d", productID).With("product_id", productID)
	}
	f, err := New(productID, steps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.byProduct[productID] = f
	r.mu.Unlock()
	return f, nil
}

func (r *Repo) ForBatch(dbc dbctx.Context, batchID uint) (*Flow, error) {
	var batch models.ProductionBatch
	err := dbc.DB(r.db).Select("id", "product_id").First(&batch, "id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "batch %d not found", batchID).With("batch_id", batchID)
	}
	if err != nil {
		return nil, err
	}
	return r.ForProduct(dbc, batch.ProductID)
}
