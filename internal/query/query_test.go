package query

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/models"
	"pieceflow-backend/internal/testutil"
)

func stepID(p *models.Product, stage models.StageType) uint {
	for _, s := range p.Steps {
		if s.StageType == stage {
			return s.ID
		}
	}
	return 0
}

func TestGetQueue(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	svc := New(db, testutil.Logger(t), flow.NewRepo(db))

	p := testutil.SeedProduct(t, ctx, db, "GML-01", []models.StageType{
		models.StageCutting, models.StageChecking, models.StagePreparation, models.StageSewing, models.StageUnload,
	}, testutil.PartSpec{Name: "Ön"})
	b := testutil.SeedBatch(t, ctx, db, p.ID, "B-7", 2)
	h1 := testutil.SeedLine(t, ctx, db, "H1")
	h2 := testutil.SeedLine(t, ctx, db, "H2")
	r0, r1 := b.Rolls[0].ID, b.Rolls[1].ID

	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: r0, PartID: p.Parts[0].ID, Size: "M", Cut: 10, Validated: 10, Prepared: 10, Completed: 6, Altered: 1})
	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: r1, PartID: p.Parts[0].ID, Size: "M", Cut: 5, Validated: 5, Prepared: 5})

	testutil.SeedProgress(t, ctx, db, models.StageProgress{
		BatchID: b.ID, CycleFlowStepID: stepID(p, models.StageChecking), LineID: h1.ID, Status: models.ProgressCompleted,
	}, r0, r1)
	sewing := testutil.SeedProgress(t, ctx, db, models.StageProgress{
		BatchID: b.ID, CycleFlowStepID: stepID(p, models.StageSewing), LineID: h1.ID, Status: models.ProgressInProgress,
	}, r0)
	unload := testutil.SeedProgress(t, ctx, db, models.StageProgress{
		BatchID: b.ID, CycleFlowStepID: stepID(p, models.StageUnload), LineID: h1.ID,
	})
	prep := testutil.SeedProgress(t, ctx, db, models.StageProgress{
		BatchID: b.ID, CycleFlowStepID: stepID(p, models.StagePreparation),
	})

	q, err := svc.GetQueue(ctx, h1.ID)
	require.NoError(t, err)
	require.Len(t, q, 2)

	assert.Equal(t, sewing.ID, q[0].ProgressID)
	assert.Equal(t, models.StageSewing, q[0].Stage)
	assert.Equal(t, "B-7", q[0].BatchCode)
	require.Len(t, q[0].Rolls, 1)
	assert.Equal(t, r0, q[0].Rolls[0].RollID)
	assert.Equal(t, 3, q[0].Remaining)
	assert.Equal(t, 1, q[0].Pending)

	// başlamamış iş partinin tüm rulolarını gösterir
	assert.Equal(t, unload.ID, q[1].ProgressID)
	assert.Equal(t, models.ProgressPending, q[1].Status)
	require.Len(t, q[1].Rolls, 2)
	assert.Equal(t, 6, q[1].Remaining)

	q, err = svc.GetQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, prep.ID, q[0].ProgressID)
	assert.Zero(t, q[0].Remaining)

	q, err = svc.GetQueue(ctx, h2.ID)
	require.NoError(t, err)
	assert.NotNil(t, q)
	assert.Empty(t, q)

	_, err = svc.GetQueue(ctx, 999)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestBatchSummary(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	svc := New(db, testutil.Logger(t), flow.NewRepo(db))

	p := testutil.SeedProduct(t, ctx, db, "GML-02", []models.StageType{
		models.StageCutting, models.StageChecking, models.StagePreparation, models.StageSewing,
	}, testutil.PartSpec{Name: "Ön"}, testutil.PartSpec{Name: "Arka"})
	b := testutil.SeedBatch(t, ctx, db, p.ID, "B-8", 2)
	r0 := b.Rolls[0].ID
	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: r0, PartID: p.Parts[0].ID, Size: "M", Cut: 10, Validated: 10, Prepared: 10, Completed: 7})
	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: r0, PartID: p.Parts[0].ID, Size: "S", Cut: 4})
	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: r0, PartID: p.Parts[1].ID, Size: "M", Cut: 10})
	testutil.SeedProgress(t, ctx, db, models.StageProgress{
		BatchID: b.ID, CycleFlowStepID: stepID(p, models.StageCutting), Status: models.ProgressInProgress,
	}, r0)

	sum, err := svc.BatchSummary(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "B-8", sum.Code)
	assert.Equal(t, models.BatchPending, sum.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(sum.TotalLength))
	assert.Len(t, sum.Steps, 4)
	require.Len(t, sum.Progress, 1)
	assert.Equal(t, []uint{r0}, sum.Progress[0].Rolls)

	require.Len(t, sum.Rolls, 2)
	roll := sum.Rolls[0]
	require.Len(t, roll.Parts, 2)
	assert.Equal(t, "Ön", roll.Parts[0].Name)
	require.Len(t, roll.Parts[0].Sizes, 2)
	assert.Equal(t, "M", roll.Parts[0].Sizes[0].Size)
	assert.Equal(t, models.StageSewing, roll.Parts[0].Sizes[0].Record.Derived.Stage)
	assert.Equal(t, 3, roll.Parts[0].Sizes[0].Record.Derived.Remaining)
	assert.Empty(t, roll.Assembly)
	assert.Empty(t, sum.Rolls[1].Parts)

	_, err = svc.BatchSummary(ctx, 999)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestAssemblyBottleneck(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	svc := New(db, testutil.Logger(t), flow.NewRepo(db))

	p := testutil.SeedProduct(t, ctx, db, "TKM-01", []models.StageType{
		models.StageCutting, models.StageChecking, models.StageAssembly,
	}, testutil.PartSpec{Name: "Ceket"}, testutil.PartSpec{Name: "Pantolon"}, testutil.PartSpec{Name: "Askı", Kind: models.PartSupporting})
	b := testutil.SeedBatch(t, ctx, db, p.ID, "B-9", 1)
	roll := b.Rolls[0].ID
	jacket, trousers, hanger := p.Parts[0].ID, p.Parts[1].ID, p.Parts[2].ID

	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: roll, PartID: jacket, Size: "50", Cut: 8, Validated: 8})
	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: roll, PartID: trousers, Size: "50", Cut: 8, Validated: 5, Rejected: 1})
	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: roll, PartID: hanger, Size: "50", Cut: 1})
	testutil.SeedRecord(t, ctx, db, models.QuantityRecord{RollID: roll, PartID: jacket, Size: "48", Cut: 2, Validated: 2})

	all, err := svc.AssemblyBottleneck(ctx, roll, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	// 48 bedeninde pantolon hiç kesilmemiş
	assert.Equal(t, "48", all[0].Size)
	assert.Equal(t, 0, all[0].MaxSets)
	assert.Equal(t, trousers, all[0].LimitingPartID)

	assert.Equal(t, "50", all[1].Size)
	assert.Equal(t, 5, all[1].MaxSets)
	assert.Equal(t, "Pantolon", all[1].LimitingPartName)
	assert.Len(t, all[1].Parts, 2)

	one, err := svc.AssemblyBottleneck(ctx, roll, " 50 ")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 5, one[0].MaxSets)

	_, err = svc.AssemblyBottleneck(ctx, roll, "52")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
	_, err = svc.AssemblyBottleneck(ctx, 999, "")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	sum, err := svc.BatchSummary(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, sum.Rolls, 1)
	require.Len(t, sum.Rolls[0].Assembly, 2)
	assert.Equal(t, 5, sum.Rolls[0].Assembly[1].MaxSets)
}

func TestGetQueue_CancelledCallerDoesNotFailOthers(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	svc := New(db, testutil.Logger(t), flow.NewRepo(db))
	h1 := testutil.SeedLine(t, ctx, db, "H1")

	// ilk okuma veritabanında bekletilir
	var taken atomic.Bool
	held, release := make(chan struct{}), make(chan struct{})
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("test:hold_first_read", func(*gorm.DB) {
		if taken.CompareAndSwap(false, true) {
			close(held)
			<-release
		}
	}))

	firstCtx, cancel := context.WithCancel(ctx)
	first := make(chan error, 1)
	go func() {
		_, err := svc.GetQueue(firstCtx, h1.ID)
		first <- err
	}()
	<-held

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	q, err := svc.GetQueue(ctx, h1.ID)
	require.NoError(t, err)
	assert.NotNil(t, q)
	assert.Empty(t, q)
}
