package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/audit"
	"pieceflow-backend/internal/dbctx"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/models"
	"pieceflow-backend/internal/observability"
)

// ReconcileRequest asks the cascade evaluator to re-check a batch after a
// committed mutation touched one of its rolls.
type ReconcileRequest struct {
	BatchID uint
	RollID  uint
	Stage   models.StageType
}

type Reconciler interface {
	Reconcile(ctx context.Context, req ReconcileRequest) error
}

type Operator struct {
	ID   uint
	Name string
}

type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Ledger is the only writer of quantity records.
type Ledger struct {
	db         *gorm.DB
	log        *logger.Logger
	flows      *flow.Repo
	reconciler Reconciler
	cfg        Config
}

func New(db *gorm.DB, log *logger.Logger, flows *flow.Repo, reconciler Reconciler, cfg Config) *Ledger {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	return &Ledger{
		db:         db,
		log:        log.With("component", "Ledger"),
		flows:      flows,
		reconciler: reconciler,
		cfg:        cfg,
	}
}

type Mutation struct {
	RollID    uint
	PartID    uint
	Size      string
	Stage     models.StageType
	Quantity  int
	Outcome   models.Outcome
	RequestID string
	Operator  Operator
}

type Result struct {
	RequestID string     `json:"request_id"`
	BatchID   uint       `json:"batch_id"`
	Record    RecordView `json:"record"`
	Replayed  bool       `json:"replayed"`
}

// ApplyOutcome is the single mutation entry point for per-key outcomes. The
// call either commits every counter change or none.
func (l *Ledger) ApplyOutcome(ctx context.Context, m Mutation) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.ApplyOutcome",
		attribute.Int64("roll_id", int64(m.RollID)),
		attribute.Int64("part_id", int64(m.PartID)),
		attribute.String("size", m.Size),
		attribute.String("stage", string(m.Stage)),
		attribute.String("outcome", string(m.Outcome)),
		attribute.Int("quantity", m.Quantity),
	)
	defer func() { observability.EndSpan(span, err) }()

	m.Size = strings.TrimSpace(m.Size)
	if m.RollID == 0 || m.PartID == 0 || m.Size == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "roll_id, part_id and size are required")
	}
	if m.Quantity <= 0 {
		return nil, apperr.New(apperr.CodeInvalidQuantity, "quantity must be positive, got %d", m.Quantity).With("quantity", m.Quantity)
	}
	requestID, err := normalizeRequestID(m.RequestID)
	if err != nil {
		return nil, err
	}

	err = l.inTx(ctx, func(tx *gorm.DB) error {
		res = nil
		prior, err := audit.FindByRequestID(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.RollID != m.RollID || prior.PartID != m.PartID || prior.Size != m.Size ||
				prior.Stage != m.Stage || prior.Outcome != m.Outcome || prior.Quantity != m.Quantity {
				return apperr.New(apperr.CodeInvalidArgument, "request_id %s was already used for a different mutation", requestID)
			}
			rec, err := findRecord(ctx, tx, m.RollID, m.PartID, m.Size, false)
			if err != nil {
				return err
			}
			f, err := l.flows.ForBatch(dbctx.Context{Ctx: ctx, Tx: tx}, rec.BatchID)
			if err != nil {
				return err
			}
			res = &Result{RequestID: requestID, BatchID: rec.BatchID, Record: View(f, rec, m.Stage), Replayed: true}
			return nil
		}

		rec, err := findRecord(ctx, tx, m.RollID, m.PartID, m.Size, true)
		if err != nil {
			return err
		}
		f, err := l.flows.ForBatch(dbctx.Context{Ctx: ctx, Tx: tx}, rec.BatchID)
		if err != nil {
			return err
		}
		next, err := apply(f, rec, m.Stage, m.Outcome, m.Quantity)
		if err != nil {
			return err
		}
		if err := Check(f, next); err != nil {
			l.log.Error("ledger invariant violated, mutation aborted",
				"roll_id", rec.RollID, "part_id", rec.PartID, "size", rec.Size,
				"stage", m.Stage, "outcome", m.Outcome, "quantity", m.Quantity, "error", err)
			return err
		}
		if err := casUpdate(ctx, tx, rec, &next); err != nil {
			return err
		}
		if _, err := audit.WriteMovement(ctx, tx, audit.MovementOptions{
			RequestID:    requestID,
			OperatorID:   m.Operator.ID,
			OperatorName: m.Operator.Name,
			BatchID:      rec.BatchID,
			RollID:       rec.RollID,
			PartID:       rec.PartID,
			Size:         rec.Size,
			Stage:        m.Stage,
			Outcome:      m.Outcome,
			Quantity:     m.Quantity,
			Description:  fmt.Sprintf("%s %s x%d", m.Stage, m.Outcome, m.Quantity),
			Before:       rec,
			After:        next,
		}); err != nil {
			return err
		}
		res = &Result{RequestID: requestID, BatchID: rec.BatchID, Record: View(f, next, m.Stage)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		l.reconcile(ctx, ReconcileRequest{BatchID: res.BatchID, RollID: m.RollID, Stage: m.Stage})
	}
	return res, nil
}

type CutEntry struct {
	PartID   uint   `json:"part_id"`
	Size     string `json:"size"`
	Quantity int    `json:"quantity"`
}

type CutRequest struct {
	RollID    uint
	Entries   []CutEntry
	Close     bool // kesim bitti, rulo kapatılır
	RequestID string
	Operator  Operator
}

type CutResult struct {
	RequestID string            `json:"request_id"`
	Roll      models.FabricRoll `json:"roll"`
	Records   []RecordView      `json:"records"`
	Replayed  bool              `json:"replayed"`
}

// LogCut records cutting intake for a roll. Cut counts only ever grow, and a
// closed roll accepts no more cut entries.
func (l *Ledger) LogCut(ctx context.Context, req CutRequest) (res *CutResult, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.LogCut", attribute.Int64("roll_id", int64(req.RollID)))
	defer func() { observability.EndSpan(span, err) }()

	if req.RollID == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "roll_id is required")
	}
	if len(req.Entries) == 0 && !req.Close {
		return nil, apperr.New(apperr.CodeInvalidArgument, "at least one cut entry or close is required")
	}
	merged := map[recordKey]int{}
	total := 0
	for _, e := range req.Entries {
		size := strings.TrimSpace(e.Size)
		if e.PartID == 0 || size == "" {
			return nil, apperr.New(apperr.CodeInvalidArgument, "every cut entry needs part_id and size")
		}
		if e.Quantity <= 0 {
			return nil, apperr.New(apperr.CodeInvalidQuantity, "cut quantity must be positive, got %d", e.Quantity).
				With("part_id", e.PartID).With("size", size)
		}
		merged[recordKey{partID: e.PartID, size: size}] += e.Quantity
		total += e.Quantity
	}
	keys := make([]recordKey, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	requestID, err := normalizeRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}

	var batchID uint
	err = l.inTx(ctx, func(tx *gorm.DB) error {
		res = nil
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		prior, err := audit.FindByRequestID(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if prior != nil {
			res, err = l.rollState(dbc, req.RollID, "")
			if res != nil {
				res.RequestID = requestID
				res.Replayed = true
			}
			return err
		}

		var roll models.FabricRoll
		err = tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&roll, "id = ?", req.RollID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.CodeNotFound, "roll %d not found", req.RollID).With("roll_id", req.RollID)
		}
		if err != nil {
			return err
		}
		if roll.IsCut {
			return apperr.New(apperr.CodeInvalidTransition, "roll %d is already closed for cutting", roll.ID).With("roll_id", roll.ID)
		}
		batchID = roll.BatchID

		var batch models.ProductionBatch
		if err := tx.WithContext(ctx).Select("id", "product_id").First(&batch, "id = ?", roll.BatchID).Error; err != nil {
			return err
		}
		f, err := l.flows.ForProduct(dbc, batch.ProductID)
		if err != nil {
			return err
		}
		var parts []models.PiecePart
		if err := tx.WithContext(ctx).Where("product_id = ?", batch.ProductID).Find(&parts).Error; err != nil {
			return err
		}
		known := map[uint]bool{}
		for _, p := range parts {
			known[p.ID] = true
		}

		before := make([]models.QuantityRecord, 0, len(keys))
		after := make([]models.QuantityRecord, 0, len(keys))
		for _, k := range keys {
			if !known[k.partID] {
				return apperr.New(apperr.CodeInvalidArgument, "part %d does not belong to product %d", k.partID, batch.ProductID).
					With("part_id", k.partID)
			}
			qty := merged[k]
			rec, err := findRecord(ctx, tx, roll.ID, k.partID, k.size, true)
			if apperr.CodeOf(err) == apperr.CodeNotFound {
				rec = models.QuantityRecord{BatchID: roll.BatchID, RollID: roll.ID, PartID: k.partID, Size: k.size, Cut: qty}
				if err := tx.WithContext(ctx).Create(&rec).Error; err != nil {
					return err
				}
				after = append(after, rec)
				continue
			}
			if err != nil {
				return err
			}
			next := rec
			next.Cut += qty
			if err := Check(f, next); err != nil {
				return err
			}
			if err := casUpdate(ctx, tx, rec, &next); err != nil {
				return err
			}
			before = append(before, rec)
			after = append(after, next)
		}

		if req.Close {
			now := time.Now()
			if err := tx.WithContext(ctx).Model(&models.FabricRoll{}).Where("id = ?", roll.ID).
				Updates(map[string]interface{}{"is_cut": true, "cut_at": now, "updated_at": now}).Error; err != nil {
				return err
			}
		}

		desc := fmt.Sprintf("Kesim: %d parça", total)
		if req.Close {
			desc += ", rulo kapatıldı"
		}
		if _, err := audit.WriteMovement(ctx, tx, audit.MovementOptions{
			RequestID:    requestID,
			OperatorID:   req.Operator.ID,
			OperatorName: req.Operator.Name,
			BatchID:      roll.BatchID,
			RollID:       roll.ID,
			Stage:        models.StageCutting,
			Outcome:      models.OutcomeCut,
			Quantity:     total,
			Description:  desc,
			Before:       before,
			After:        after,
		}); err != nil {
			return err
		}

		res, err = l.rollState(dbc, roll.ID, "")
		if res != nil {
			res.RequestID = requestID
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		l.reconcile(ctx, ReconcileRequest{BatchID: batchID, RollID: req.RollID, Stage: models.StageCutting})
	}
	return res, nil
}

type AssembleRequest struct {
	RollID    uint
	Size      string
	Sets      int
	RequestID string
	Operator  Operator
}

type AssembleResult struct {
	RequestID  string       `json:"request_id"`
	Sets       int          `json:"sets"`
	Records    []RecordView `json:"records"`
	Bottleneck Bottleneck   `json:"bottleneck"`
	Replayed   bool         `json:"replayed"`
}

// AssembleSets consumes one piece of every PRIMARY part per set for a
// (roll, size). Rows are locked in ascending id order.
func (l *Ledger) AssembleSets(ctx context.Context, req AssembleRequest) (res *AssembleResult, err error) {
	ctx, span := observability.StartSpan(ctx, "ledger.AssembleSets",
		attribute.Int64("roll_id", int64(req.RollID)),
		attribute.String("size", req.Size),
		attribute.Int("sets", req.Sets),
	)
	defer func() { observability.EndSpan(span, err) }()

	req.Size = strings.TrimSpace(req.Size)
	if req.RollID == 0 || req.Size == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "roll_id and size are required")
	}
	if req.Sets <= 0 {
		return nil, apperr.New(apperr.CodeInvalidQuantity, "sets must be positive, got %d", req.Sets).With("quantity", req.Sets)
	}
	requestID, err := normalizeRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}

	var batchID uint
	err = l.inTx(ctx, func(tx *gorm.DB) error {
		res = nil
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		prior, err := audit.FindByRequestID(ctx, tx, requestID)
		if err != nil {
			return err
		}

		roll, productID, err := loadRoll(ctx, tx, req.RollID)
		if err != nil {
			return err
		}
		batchID = roll.BatchID
		f, err := l.flows.ForProduct(dbc, productID)
		if err != nil {
			return err
		}
		if prod, ok := f.Production(); !ok || prod != models.StageAssembly {
			return apperr.New(apperr.CodeInvalidOutcomeForStage, "product %d has no %s stage", productID, models.StageAssembly).
				With("roll_id", roll.ID).With("stage", models.StageAssembly)
		}
		var primary []models.PiecePart
		if err := tx.WithContext(ctx).
			Where("product_id = ? AND kind = ?", productID, models.PartPrimary).
			Order("id ASC").
			Find(&primary).Error; err != nil {
			return err
		}
		if len(primary) == 0 {
			return apperr.New(apperr.CodeInvalidOutcomeForStage, "product %d has no PRIMARY parts to assemble", productID)
		}
		partIDs := make([]uint, 0, len(primary))
		for _, p := range primary {
			partIDs = append(partIDs, p.ID)
		}

		q := tx.WithContext(ctx)
		if prior == nil {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var recs []models.QuantityRecord
		if err := q.Where("roll_id = ? AND size = ? AND part_id IN ?", roll.ID, req.Size, partIDs).
			Order("id ASC").
			Find(&recs).Error; err != nil {
			return err
		}

		if prior != nil {
			res = &AssembleResult{
				RequestID:  requestID,
				Sets:       prior.Quantity,
				Records:    views(f, recs, models.StageAssembly),
				Bottleneck: ComputeBottleneck(f, roll.ID, req.Size, primary, recs),
				Replayed:   true,
			}
			return nil
		}

		b := ComputeBottleneck(f, roll.ID, req.Size, primary, recs)
		if req.Sets > b.MaxSets {
			return apperr.New(apperr.CodeInsufficientQuantity, "requested %d sets but only %d can be assembled, limited by %s",
				req.Sets, b.MaxSets, b.LimitingPartName).
				With("roll_id", roll.ID).
				With("size", req.Size).
				With("requested", req.Sets).
				With("available", b.MaxSets).
				With("limiting_part_id", b.LimitingPartID).
				With("limiting_part_name", b.LimitingPartName)
		}

		after := make([]models.QuantityRecord, 0, len(recs))
		for _, rec := range recs {
			next, err := apply(f, rec, models.StageAssembly, models.OutcomeCompleted, req.Sets)
			if err != nil {
				return err
			}
			if err := Check(f, next); err != nil {
				l.log.Error("ledger invariant violated, assembly aborted",
					"roll_id", rec.RollID, "part_id", rec.PartID, "size", rec.Size, "sets", req.Sets, "error", err)
				return err
			}
			if err := casUpdate(ctx, tx, rec, &next); err != nil {
				return err
			}
			after = append(after, next)
		}

		if _, err := audit.WriteMovement(ctx, tx, audit.MovementOptions{
			RequestID:    requestID,
			OperatorID:   req.Operator.ID,
			OperatorName: req.Operator.Name,
			BatchID:      roll.BatchID,
			RollID:       roll.ID,
			Size:         req.Size,
			Stage:        models.StageAssembly,
			Outcome:      models.OutcomeCompleted,
			Quantity:     req.Sets,
			Description:  fmt.Sprintf("Montaj: %d set", req.Sets),
			Before:       recs,
			After:        after,
		}); err != nil {
			return err
		}

		res = &AssembleResult{
			RequestID:  requestID,
			Sets:       req.Sets,
			Records:    views(f, after, models.StageAssembly),
			Bottleneck: ComputeBottleneck(f, roll.ID, req.Size, primary, after),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Replayed {
		l.reconcile(ctx, ReconcileRequest{BatchID: batchID, RollID: req.RollID, Stage: models.StageAssembly})
	}
	return res, nil
}

// Record reads one key with its derived pools at stage.
func (l *Ledger) Record(ctx context.Context, rollID, partID uint, size string, stage models.StageType) (*RecordView, error) {
	rec, err := findRecord(ctx, l.db, rollID, partID, strings.TrimSpace(size), false)
	if err != nil {
		return nil, err
	}
	f, err := l.flows.ForBatch(dbctx.Context{Ctx: ctx}, rec.BatchID)
	if err != nil {
		return nil, err
	}
	v := View(f, rec, stage)
	return &v, nil
}

func (l *Ledger) reconcile(ctx context.Context, req ReconcileRequest) {
	if l.reconciler == nil {
		return
	}
	// hata mutasyonu geri almaz; değerlendirme seviye tetiklemeli, bir sonraki çağrıda toparlanır
	if err := l.reconciler.Reconcile(ctx, req); err != nil {
		l.log.Warn("post-mutation reconcile failed", "batch_id", req.BatchID, "roll_id", req.RollID, "stage", req.Stage, "error", err)
	}
}

func (l *Ledger) rollState(dbc dbctx.Context, rollID uint, stage models.StageType) (*CutResult, error) {
	roll, productID, err := loadRoll(dbc.Ctx, dbc.DB(l.db), rollID)
	if err != nil {
		return nil, err
	}
	f, err := l.flows.ForProduct(dbc, productID)
	if err != nil {
		return nil, err
	}
	var recs []models.QuantityRecord
	if err := dbc.DB(l.db).Where("roll_id = ?", rollID).Order("part_id ASC, size ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return &CutResult{Roll: roll, Records: views(f, recs, stage)}, nil
}

func loadRoll(ctx context.Context, tx *gorm.DB, rollID uint) (models.FabricRoll, uint, error) {
	var roll models.FabricRoll
	err := tx.WithContext(ctx).First(&roll, "id = ?", rollID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return roll, 0, apperr.New(apperr.CodeNotFound, "roll %d not found", rollID).With("roll_id", rollID)
	}
	if err != nil {
		return roll, 0, err
	}
	var batch models.ProductionBatch
	if err := tx.WithContext(ctx).Select("id", "product_id").First(&batch, "id = ?", roll.BatchID).Error; err != nil {
		return roll, 0, err
	}
	return roll, batch.ProductID, nil
}

func findRecord(ctx context.Context, tx *gorm.DB, rollID, partID uint, size string, lock bool) (models.QuantityRecord, error) {
	var rec models.QuantityRecord
	q := tx.WithContext(ctx)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("roll_id = ? AND part_id = ? AND size = ?", rollID, partID, size).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, apperr.New(apperr.CodeNotFound, "no quantity record for roll %d, part %d, size %s", rollID, partID, size).
			With("roll_id", rollID).
			With("part_id", partID).
			With("size", size)
	}
	return rec, err
}

// casUpdate writes next only if the row still has prev's version.
func casUpdate(ctx context.Context, tx *gorm.DB, prev models.QuantityRecord, next *models.QuantityRecord) error {
	now := time.Now()
	res := tx.WithContext(ctx).Model(&models.QuantityRecord{}).
		Where("id = ? AND version = ?", prev.ID, prev.Version).
		Updates(map[string]interface{}{
			"cut":                 next.Cut,
			"validated":           next.Validated,
			"prepared":            next.Prepared,
			"completed":           next.Completed,
			"unloaded":            next.Unloaded,
			"altered":             next.Altered,
			"repaired":            next.Repaired,
			"rejected":            next.Rejected,
			"rejected_from_alter": next.RejectedFromAlter,
			"version":             prev.Version + 1,
			"updated_at":          now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errVersionConflict
	}
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return nil
}

func normalizeRequestID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return uuid.NewString(), nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidArgument, err, "request_id must be a UUID")
	}
	return parsed.String(), nil
}

func views(f *flow.Flow, recs []models.QuantityRecord, stage models.StageType) []RecordView {
	out := make([]RecordView, 0, len(recs))
	for _, r := range recs {
		out = append(out, View(f, r, stage))
	}
	return out
}

type recordKey struct {
	partID uint
	size   string
}

func (k recordKey) less(o recordKey) bool {
	if k.partID != o.partID {
		return k.partID < o.partID
	}
	return k.size < o.size
}
