package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"pieceflow-backend/internal/models"
)

// PartSpec describes a part for SeedProduct.
type PartSpec struct {
	Name string
	Kind models.PartKind
}

// SeedProduct creates a product whose flow follows stages in order. Sewing,
// assembly and unload steps require a line.
func SeedProduct(tb testing.TB, ctx context.Context, db *gorm.DB, code string, stages []models.StageType, parts ...PartSpec) *models.Product {
	tb.Helper()
	p := &models.Product{Code: code, Name: "Ürün " + code}
	for i, s := range stages {
		p.Steps = append(p.Steps, models.CycleFlowStep{
			Position:     i + 1,
			StageType:    s,
			RequiresLine: s == models.StageSewing || s == models.StageAssembly || s == models.StageUnload,
		})
	}
	for _, ps := range parts {
		kind := ps.Kind
		if kind == "" {
			kind = models.PartPrimary
		}
		p.Parts = append(p.Parts, models.PiecePart{Name: ps.Name, Kind: kind})
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed product: %v", err)
	}
	return p
}

func SeedLine(tb testing.TB, ctx context.Context, db *gorm.DB, code string) *models.ProductionLine {
	tb.Helper()
	l := &models.ProductionLine{Code: code, Name: "Hat " + code}
	if err := db.WithContext(ctx).Create(l).Error; err != nil {
		tb.Fatalf("seed line: %v", err)
	}
	return l
}

// SeedBatch creates a PENDING batch with rolls rolls of 50m each.
func SeedBatch(tb testing.TB, ctx context.Context, db *gorm.DB, productID uint, code string, rolls int) *models.ProductionBatch {
	tb.Helper()
	b := &models.ProductionBatch{ProductID: productID, Code: code, Status: models.BatchPending}
	for i := 0; i < rolls; i++ {
		b.Rolls = append(b.Rolls, models.FabricRoll{
			Code:        fmt.Sprintf("%s-R%d", code, i+1),
			TotalLength: decimal.NewFromInt(50),
		})
	}
	if err := db.WithContext(ctx).Create(b).Error; err != nil {
		tb.Fatalf("seed batch: %v", err)
	}
	return b
}

// SeedRecord inserts a quantity record with the given counters already set.
func SeedRecord(tb testing.TB, ctx context.Context, db *gorm.DB, rec models.QuantityRecord) *models.QuantityRecord {
	tb.Helper()
	if rec.BatchID == 0 {
		var roll models.FabricRoll
		if err := db.WithContext(ctx).First(&roll, "id = ?", rec.RollID).Error; err != nil {
			tb.Fatalf("seed record: roll %d: %v", rec.RollID, err)
		}
		rec.BatchID = roll.BatchID
	}
	if err := db.WithContext(ctx).Create(&rec).Error; err != nil {
		tb.Fatalf("seed record: %v", err)
	}
	return &rec
}

// MarkCut closes a roll for cutting without going through the ledger.
func MarkCut(tb testing.TB, ctx context.Context, db *gorm.DB, rollID uint) {
	tb.Helper()
	if err := db.WithContext(ctx).Model(&models.FabricRoll{}).Where("id = ?", rollID).Update("is_cut", true).Error; err != nil {
		tb.Fatalf("mark cut: %v", err)
	}
}

// SeedProgress creates a stage progress row with the given rolls selected.
func SeedProgress(tb testing.TB, ctx context.Context, db *gorm.DB, p models.StageProgress, rollIDs ...uint) *models.StageProgress {
	tb.Helper()
	for _, id := range rollIDs {
		p.Rolls = append(p.Rolls, models.StageProgressRoll{RollID: id})
	}
	if p.Status == "" {
		p.Status = models.ProgressPending
	}
	if err := db.WithContext(ctx).Create(&p).Error; err != nil {
		tb.Fatalf("seed progress: %v", err)
	}
	return &p
}

func Reload[T any](tb testing.TB, ctx context.Context, db *gorm.DB, id uint) *T {
	tb.Helper()
	var out T
	if err := db.WithContext(ctx).First(&out, "id = ?", id).Error; err != nil {
		tb.Fatalf("reload %T %d: %v", out, id, err)
	}
	return &out
}
