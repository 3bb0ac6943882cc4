package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/models"
	"pieceflow-backend/internal/testutil"
)

type recordingReconciler struct {
	mu   sync.Mutex
	reqs []ReconcileRequest
	err  error
}

func (r *recordingReconciler) Reconcile(_ context.Context, req ReconcileRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.err
}

func (r *recordingReconciler) calls() []ReconcileRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReconcileRequest(nil), r.reqs...)
}

type fixture struct {
	ctx     context.Context
	db      *gorm.DB
	ledger  *Ledger
	rec     *recordingReconciler
	product *models.Product
	batch   *models.ProductionBatch
	roll    models.FabricRoll
}

func setup(t *testing.T, stages []models.StageType, parts ...testutil.PartSpec) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.DB(t)
	if len(parts) == 0 {
		parts = []testutil.PartSpec{{Name: "Ön"}, {Name: "Arka"}}
	}
	p := testutil.SeedProduct(t, ctx, db, "P-"+uuid.NewString()[:8], stages, parts...)
	b := testutil.SeedBatch(t, ctx, db, p.ID, "B-"+uuid.NewString()[:8], 1)
	rec := &recordingReconciler{}
	l := New(db, testutil.Logger(t), flow.NewRepo(db), rec, Config{MaxRetries: 5, RetryBackoff: time.Millisecond})
	return &fixture{ctx: ctx, db: db, ledger: l, rec: rec, product: p, batch: b, roll: b.Rolls[0]}
}

var sewingStages = []models.StageType{
	models.StageCutting, models.StageChecking, models.StagePreparation, models.StageSewing, models.StageUnload,
}

func (fx *fixture) seed(t *testing.T, partIdx int, size string, rec models.QuantityRecord) *models.QuantityRecord {
	t.Helper()
	rec.RollID = fx.roll.ID
	rec.BatchID = fx.batch.ID
	rec.PartID = fx.product.Parts[partIdx].ID
	rec.Size = size
	return testutil.SeedRecord(t, fx.ctx, fx.db, rec)
}

func (fx *fixture) reload(t *testing.T, id uint) models.QuantityRecord {
	t.Helper()
	return *testutil.Reload[models.QuantityRecord](t, fx.ctx, fx.db, id)
}

func (fx *fixture) apply(t *testing.T, partIdx int, size string, stage models.StageType, outcome models.Outcome, qty int) (*Result, error) {
	t.Helper()
	return fx.ledger.ApplyOutcome(fx.ctx, Mutation{
		RollID:   fx.roll.ID,
		PartID:   fx.product.Parts[partIdx].ID,
		Size:     size,
		Stage:    stage,
		Outcome:  outcome,
		Quantity: qty,
		Operator: Operator{ID: 1, Name: "Ayşe"},
	})
}

func countMovements(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Movement{}).Count(&n).Error)
	return n
}

func TestApplyOutcome_Checking(t *testing.T) {
	fx := setup(t, sewingStages)
	r := fx.seed(t, 0, "L", models.QuantityRecord{Cut: 10})

	res, err := fx.apply(t, 0, "L", models.StageChecking, models.OutcomeValidated, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Record.Validated)
	assert.Equal(t, 4, res.Record.Derived.Remaining)
	assert.Equal(t, fx.batch.ID, res.BatchID)
	assert.False(t, res.Replayed)

	res, err = fx.apply(t, 0, "L", models.StageChecking, models.OutcomeRejected, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Record.Derived.Remaining)

	_, err = fx.apply(t, 0, "L", models.StageChecking, models.OutcomeValidated, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.InsufficientQuantity))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Details["requested"])
	assert.Equal(t, 0, ae.Details["available"])
	assert.Equal(t, "L", ae.Details["size"])

	got := fx.reload(t, r.ID)
	assert.Equal(t, 6, got.Validated)
	assert.Equal(t, 4, got.Rejected)
	assert.Equal(t, 2, got.Version)
	assert.EqualValues(t, 2, countMovements(t, fx.db))

	calls := fx.rec.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, ReconcileRequest{BatchID: fx.batch.ID, RollID: fx.roll.ID, Stage: models.StageChecking}, calls[0])
}

func TestApplyOutcome_Errors(t *testing.T) {
	fx := setup(t, sewingStages)
	fx.seed(t, 0, "M", models.QuantityRecord{Cut: 5})

	cases := []struct {
		name string
		m    Mutation
		code apperr.Code
	}{
		{"zero quantity", Mutation{PartID: fx.product.Parts[0].ID, Size: "M", Stage: models.StageChecking, Outcome: models.OutcomeValidated}, apperr.CodeInvalidQuantity},
		{"negative quantity", Mutation{PartID: fx.product.Parts[0].ID, Size: "M", Stage: models.StageChecking, Outcome: models.OutcomeValidated, Quantity: -2}, apperr.CodeInvalidQuantity},
		{"unknown size", Mutation{PartID: fx.product.Parts[0].ID, Size: "XXL", Stage: models.StageChecking, Outcome: models.OutcomeValidated, Quantity: 1}, apperr.CodeNotFound},
		{"unknown part", Mutation{PartID: 9999, Size: "M", Stage: models.StageChecking, Outcome: models.OutcomeValidated, Quantity: 1}, apperr.CodeNotFound},
		{"wrong outcome", Mutation{PartID: fx.product.Parts[0].ID, Size: "M", Stage: models.StageChecking, Outcome: models.OutcomeCompleted, Quantity: 1}, apperr.CodeInvalidOutcomeForStage},
		{"stage not in flow", Mutation{PartID: fx.product.Parts[0].ID, Size: "M", Stage: models.StageAssembly, Outcome: models.OutcomeCompleted, Quantity: 1}, apperr.CodeInvalidOutcomeForStage},
		{"bad request id", Mutation{PartID: fx.product.Parts[0].ID, Size: "M", Stage: models.StageChecking, Outcome: models.OutcomeValidated, Quantity: 1, RequestID: "not-a-uuid"}, apperr.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.m.RollID = fx.roll.ID
			_, err := fx.ledger.ApplyOutcome(fx.ctx, tc.m)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
	assert.Zero(t, countMovements(t, fx.db))
	assert.Empty(t, fx.rec.calls())
}

func TestApplyOutcome_AlterationLoop(t *testing.T) {
	fx := setup(t, sewingStages)
	r := fx.seed(t, 0, "S", models.QuantityRecord{Cut: 10, Validated: 10, Prepared: 10})

	_, err := fx.apply(t, 0, "S", models.StageSewing, models.OutcomeCompleted, 8)
	require.NoError(t, err)
	res, err := fx.apply(t, 0, "S", models.StageSewing, models.OutcomeAlter, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Record.Completed)
	assert.Equal(t, 3, res.Record.Derived.PendingAlter)
	assert.Equal(t, 2, res.Record.Derived.Remaining)

	_, err = fx.apply(t, 0, "S", models.StageSewing, models.OutcomeRepaired, 1)
	require.NoError(t, err)
	_, err = fx.apply(t, 0, "S", models.StageSewing, models.OutcomeRejected, 1)
	require.NoError(t, err)

	_, err = fx.apply(t, 0, "S", models.StageSewing, models.OutcomeRepaired, 2)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidQuantity, apperr.CodeOf(err))

	_, err = fx.apply(t, 0, "S", models.StageSewing, models.OutcomeApproved, 1)
	require.NoError(t, err)

	_, err = fx.apply(t, 0, "S", models.StageSewing, models.OutcomeRepaired, 1)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidOutcomeForStage, apperr.CodeOf(err))

	got := fx.reload(t, r.ID)
	assert.Equal(t, 5, got.Completed)
	assert.Equal(t, 3, got.Altered)
	assert.Equal(t, 2, got.Repaired)
	assert.Equal(t, 1, got.Rejected)
	assert.Equal(t, 1, got.RejectedFromAlter)
	assert.Equal(t, 0, got.PendingAlter())
	assert.Equal(t, 0, got.CheckRejected())

	// boşaltmaya onarılanlar da gelir
	res, err = fx.apply(t, 0, "S", models.StageUnload, models.OutcomeCompleted, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Record.Derived.Remaining)
}

func TestApplyOutcome_RepairOverApproval(t *testing.T) {
	fx := setup(t, sewingStages)
	r := fx.seed(t, 0, "M", models.QuantityRecord{Cut: 10, Validated: 10, Prepared: 10, Completed: 5, Altered: 4, Repaired: 1})

	_, err := fx.apply(t, 0, "M", models.StageSewing, models.OutcomeRepaired, 4)
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeInvalidQuantity, ae.Code)
	assert.Equal(t, 3, ae.Details["pending_alter"])
	got := fx.reload(t, r.ID)
	assert.Equal(t, 1, got.Repaired)
	assert.Equal(t, r.Version, got.Version)
}

func TestApplyOutcome_IdempotentReplay(t *testing.T) {
	fx := setup(t, sewingStages)
	r := fx.seed(t, 0, "M", models.QuantityRecord{Cut: 10})
	id := uuid.NewString()

	m := Mutation{
		RollID: fx.roll.ID, PartID: fx.product.Parts[0].ID, Size: "M",
		Stage: models.StageChecking, Outcome: models.OutcomeValidated, Quantity: 4, RequestID: id,
	}
	first, err := fx.ledger.ApplyOutcome(fx.ctx, m)
	require.NoError(t, err)
	second, err := fx.ledger.ApplyOutcome(fx.ctx, m)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, id, second.RequestID)
	assert.Equal(t, 4, fx.reload(t, r.ID).Validated)
	assert.EqualValues(t, 1, countMovements(t, fx.db))
	assert.Len(t, fx.rec.calls(), 1)

	m.Quantity = 5
	_, err = fx.ledger.ApplyOutcome(fx.ctx, m)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
}

// Conservation and non-negativity hold after any sequence of operations,
// accepted or rejected.
func TestApplyOutcome_RandomSequencesConserve(t *testing.T) {
	fx := setup(t, sewingStages)
	r := fx.seed(t, 0, "M", models.QuantityRecord{Cut: 40})
	f, err := flow.New(fx.product.ID, fx.product.Steps)
	require.NoError(t, err)

	type op struct {
		stage   models.StageType
		outcome models.Outcome
	}
	ops := []op{
		{models.StageChecking, models.OutcomeValidated},
		{models.StageChecking, models.OutcomeRejected},
		{models.StagePreparation, models.OutcomePrepared},
		{models.StageSewing, models.OutcomeCompleted},
		{models.StageSewing, models.OutcomeAlter},
		{models.StageSewing, models.OutcomeRepaired},
		{models.StageSewing, models.OutcomeRejected},
		{models.StageUnload, models.OutcomeCompleted},
	}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		o := ops[rng.Intn(len(ops))]
		_, err := fx.apply(t, 0, "M", o.stage, o.outcome, 1+rng.Intn(6))
		if err != nil {
			code := apperr.CodeOf(err)
			require.Contains(t, []apperr.Code{
				apperr.CodeInsufficientQuantity, apperr.CodeInvalidQuantity, apperr.CodeInvalidOutcomeForStage,
			}, code, "unexpected error: %v", err)
		}
		got := fx.reload(t, r.ID)
		require.NoError(t, Check(f, got))
		require.LessOrEqual(t, got.Completed+got.PendingAlter()+got.Repaired+got.Rejected, got.Cut)
	}
}

func TestApplyOutcome_ConcurrentTerminals(t *testing.T) {
	fx := setup(t, sewingStages)
	r := fx.seed(t, 0, "M", models.QuantityRecord{Cut: 50})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.apply(t, 0, "M", models.StageChecking, models.OutcomeValidated, 3)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case apperr.CodeOf(err) == apperr.CodeInsufficientQuantity:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, succeeded)
	assert.Equal(t, 4, rejected)
	got := fx.reload(t, r.ID)
	assert.Equal(t, 48, got.Validated)
	assert.EqualValues(t, 16, countMovements(t, fx.db))
}

func TestAssembleSets(t *testing.T) {
	fx := setup(t,
		[]models.StageType{models.StageCutting, models.StageChecking, models.StageAssembly},
		testutil.PartSpec{Name: "A"}, testutil.PartSpec{Name: "B"}, testutil.PartSpec{Name: "Tela", Kind: models.PartSupporting},
	)
	a := fx.seed(t, 0, "M", models.QuantityRecord{Cut: 5, Validated: 5})
	b := fx.seed(t, 1, "M", models.QuantityRecord{Cut: 3, Validated: 3})
	fx.seed(t, 2, "M", models.QuantityRecord{Cut: 1})

	_, err := fx.ledger.AssembleSets(fx.ctx, AssembleRequest{RollID: fx.roll.ID, Size: "M", Sets: 4})
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeInsufficientQuantity, ae.Code)
	assert.Equal(t, 3, ae.Details["available"])
	assert.Equal(t, "B", ae.Details["limiting_part_name"])
	assert.Equal(t, 0, fx.reload(t, a.ID).Completed)
	assert.Equal(t, 0, fx.reload(t, b.ID).Completed)

	res, err := fx.ledger.AssembleSets(fx.ctx, AssembleRequest{RollID: fx.roll.ID, Size: "M", Sets: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sets)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 0, res.Bottleneck.MaxSets)
	assert.Equal(t, b.PartID, res.Bottleneck.LimitingPartID)

	assert.Equal(t, 3, fx.reload(t, a.ID).Completed)
	assert.Equal(t, 3, fx.reload(t, b.ID).Completed)
	assert.EqualValues(t, 1, countMovements(t, fx.db))
}

func TestAssembleSets_NeedsAssemblyStage(t *testing.T) {
	fx := setup(t, sewingStages)
	fx.seed(t, 0, "M", models.QuantityRecord{Cut: 5, Validated: 5, Prepared: 5})

	_, err := fx.ledger.AssembleSets(fx.ctx, AssembleRequest{RollID: fx.roll.ID, Size: "M", Sets: 1})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidOutcomeForStage, apperr.CodeOf(err))
}

func TestLogCut(t *testing.T) {
	fx := setup(t, sewingStages)
	front, back := fx.product.Parts[0].ID, fx.product.Parts[1].ID

	res, err := fx.ledger.LogCut(fx.ctx, CutRequest{
		RollID: fx.roll.ID,
		Entries: []CutEntry{
			{PartID: front, Size: "M", Quantity: 6},
			{PartID: back, Size: "M", Quantity: 6},
			{PartID: front, Size: "M", Quantity: 2},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, 8, res.Records[0].Cut)
	assert.Equal(t, 6, res.Records[1].Cut)
	assert.False(t, res.Roll.IsCut)

	res, err = fx.ledger.LogCut(fx.ctx, CutRequest{
		RollID:  fx.roll.ID,
		Entries: []CutEntry{{PartID: back, Size: "M", Quantity: 1}},
		Close:   true,
	})
	require.NoError(t, err)
	assert.True(t, res.Roll.IsCut)
	assert.Equal(t, 7, res.Records[1].Cut)

	_, err = fx.ledger.LogCut(fx.ctx, CutRequest{RollID: fx.roll.ID, Entries: []CutEntry{{PartID: back, Size: "M", Quantity: 1}}})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))

	calls := fx.rec.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, models.StageCutting, calls[1].Stage)
}

func TestLogCut_Rejects(t *testing.T) {
	fx := setup(t, sewingStages)
	other := testutil.SeedProduct(t, fx.ctx, fx.db, "OTHER", sewingStages, testutil.PartSpec{Name: "Yaka"})

	cases := []struct {
		name string
		req  CutRequest
		code apperr.Code
	}{
		{"empty", CutRequest{RollID: fx.roll.ID}, apperr.CodeInvalidArgument},
		{"zero quantity", CutRequest{RollID: fx.roll.ID, Entries: []CutEntry{{PartID: fx.product.Parts[0].ID, Size: "M"}}}, apperr.CodeInvalidQuantity},
		{"foreign part", CutRequest{RollID: fx.roll.ID, Entries: []CutEntry{{PartID: other.Parts[0].ID, Size: "M", Quantity: 1}}}, apperr.CodeInvalidArgument},
		{"unknown roll", CutRequest{RollID: 9999, Entries: []CutEntry{{PartID: fx.product.Parts[0].ID, Size: "M", Quantity: 1}}}, apperr.CodeNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.ledger.LogCut(fx.ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, apperr.CodeOf(err))
		})
	}
	var n int64
	require.NoError(t, fx.db.Model(&models.QuantityRecord{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestInTx_RetriesConflicts(t *testing.T) {
	fx := setup(t, sewingStages)

	attempts := 0
	err := fx.ledger.inTx(fx.ctx, func(tx *gorm.DB) error {
		attempts++
		if attempts < 3 {
			return errVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = fx.ledger.inTx(fx.ctx, func(tx *gorm.DB) error {
		attempts++
		return errVersionConflict
	})
	require.Error(t, err)
	assert.Equal(t, 6, attempts)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.CodeConcurrentConflict, ae.Code)
	assert.True(t, ae.Retryable())

	attempts = 0
	err = fx.ledger.inTx(fx.ctx, func(tx *gorm.DB) error {
		attempts++
		return apperr.New(apperr.CodeInvalidQuantity, "nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRecord_Read(t *testing.T) {
	fx := setup(t, sewingStages)
	fx.seed(t, 1, "XL", models.QuantityRecord{Cut: 9, Validated: 4})

	v, err := fx.ledger.Record(fx.ctx, fx.roll.ID, fx.product.Parts[1].ID, "XL", models.StageChecking)
	require.NoError(t, err)
	assert.Equal(t, 5, v.Derived.Remaining)

	_, err = fx.ledger.Record(fx.ctx, fx.roll.ID, fx.product.Parts[1].ID, "XS", "")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}
