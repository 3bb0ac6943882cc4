package tracker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/dbctx"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/models"
	"pieceflow-backend/internal/notify"
	"pieceflow-backend/internal/observability"
)

// Tracker owns the StageProgress state machine:
// PENDING -> IN_PROGRESS (StartStage) -> COMPLETED (Complete, cascade only).
type Tracker struct {
	db     *gorm.DB
	log    *logger.Logger
	flows  *flow.Repo
	events notify.Publisher
}

func New(db *gorm.DB, log *logger.Logger, flows *flow.Repo, events notify.Publisher) *Tracker {
	if events == nil {
		events = notify.Nop{}
	}
	return &Tracker{
		db:     db,
		log:    log.With("component", "Tracker"),
		flows:  flows,
		events: events,
	}
}

// EnsurePending creates the PENDING progress for (batch, step, line) unless a
// row with that key already exists. It reports whether a row was created.
func (t *Tracker) EnsurePending(dbc dbctx.Context, batchID, stepID, lineID uint) (*models.StageProgress, bool, error) {
	p := models.StageProgress{
		BatchID:         batchID,
		CycleFlowStepID: stepID,
		LineID:          lineID,
		Status:          models.ProgressPending,
	}
	res := dbc.DB(t.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}, {Name: "cycle_flow_step_id"}, {Name: "line_id"}},
			DoNothing: true,
		}).
		Omit("Step", "Rolls").
		Create(&p)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return &p, true, nil
	}
	var existing models.StageProgress
	if err := dbc.DB(t.db).
		Where("batch_id = ? AND cycle_flow_step_id = ? AND line_id = ?", batchID, stepID, lineID).
		First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// StartRequest begins work on a PENDING progress for the given rolls.
type StartRequest struct {
	BatchID    uint
	StepID     uint
	LineID     uint
	RollIDs    []uint
	OperatorID uint
}

// StartStage moves the matching progress to IN_PROGRESS. Starting an
// IN_PROGRESS progress again adds the new rolls to its selection.
func (t *Tracker) StartStage(ctx context.Context, req StartRequest) (p *models.StageProgress, err error) {
	ctx, span := observability.StartSpan(ctx, "tracker.StartStage",
		attribute.Int64("batch_id", int64(req.BatchID)),
		attribute.Int64("step_id", int64(req.StepID)),
		attribute.Int64("line_id", int64(req.LineID)),
	)
	defer func() { observability.EndSpan(span, err) }()

	rollIDs := dedupe(req.RollIDs)
	var events []notify.Event
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events = nil
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		if err := lockBatch(dbc, req.BatchID); err != nil {
			return err
		}
		f, err := t.flows.ForBatch(dbc, req.BatchID)
		if err != nil {
			return err
		}
		step, ok := f.Step(req.StepID)
		if !ok {
			return apperr.New(apperr.CodeNotFound, "step %d is not part of batch %d's flow", req.StepID, req.BatchID).
				With("batch_id", req.BatchID).With("step_id", req.StepID)
		}

		if req.LineID != 0 {
			var line models.ProductionLine
			if err := tx.First(&line, "id = ?", req.LineID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apperr.New(apperr.CodeNotFound, "line %d not found", req.LineID).With("line_id", req.LineID)
				}
				return err
			}
		}

		progress, err := findForStart(dbc, req, step)
		if err != nil {
			return err
		}
		if step.RequiresLine && progress.LineID == 0 {
			return apperr.New(apperr.CodeLineNotAssigned, "%s of batch %d needs a line before it can start", step.StageType, req.BatchID).
				With("batch_id", req.BatchID).With("step_id", step.ID).With("progress_id", progress.ID)
		}
		if len(rollIDs) == 0 {
			return apperr.New(apperr.CodeNoRollsSelected, "select at least one roll to start %s", step.StageType).
				With("batch_id", req.BatchID).With("step_id", step.ID)
		}
		if progress.Status == models.ProgressCompleted {
			return apperr.New(apperr.CodeInvalidTransition, "progress %d is already COMPLETED", progress.ID).
				With("progress_id", progress.ID).With("status", progress.Status)
		}

		var count int64
		if err := tx.Model(&models.FabricRoll{}).
			Where("batch_id = ? AND id IN ?", req.BatchID, rollIDs).
			Count(&count).Error; err != nil {
			return err
		}
		if int(count) != len(rollIDs) {
			return apperr.New(apperr.CodeNotFound, "some selected rolls do not belong to batch %d", req.BatchID).
				With("batch_id", req.BatchID).With("roll_ids", rollIDs)
		}

		// aynı adımda başka bir hatta seçili rulo iki kez sayılamaz
		var taken []models.StageProgressRoll
		if err := tx.Table("stage_progress_rolls").
			Select("stage_progress_rolls.*").
			Joins("JOIN stage_progresses ON stage_progresses.id = stage_progress_rolls.stage_progress_id").
			Where("stage_progresses.batch_id = ? AND stage_progresses.cycle_flow_step_id = ? AND stage_progresses.id <> ?",
				req.BatchID, step.ID, progress.ID).
			Where("stage_progress_rolls.roll_id IN ?", rollIDs).
			Find(&taken).Error; err != nil {
			return err
		}
		if len(taken) > 0 {
			return apperr.New(apperr.CodeInvalidArgument, "roll %d is already selected for %s on another line", taken[0].RollID, step.StageType).
				With("roll_id", taken[0].RollID).With("progress_id", taken[0].StageProgressID)
		}

		links := make([]models.StageProgressRoll, 0, len(rollIDs))
		for _, id := range rollIDs {
			links = append(links, models.StageProgressRoll{StageProgressID: progress.ID, RollID: id})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&links).Error; err != nil {
			return err
		}

		if progress.Status == models.ProgressPending {
			now := time.Now()
			upd := map[string]interface{}{
				"status":     models.ProgressInProgress,
				"started_by": req.OperatorID,
				"started_at": now,
				"updated_at": now,
			}
			if progress.LineID != req.LineID && req.LineID != 0 {
				upd["line_id"] = req.LineID
				progress.LineID = req.LineID
			}
			res := tx.Model(&models.StageProgress{}).
				Where("id = ? AND status = ?", progress.ID, models.ProgressPending).
				Updates(upd)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return apperr.New(apperr.CodeConcurrentConflict, "progress %d changed while starting", progress.ID).
					With("progress_id", progress.ID)
			}
			if err := markBatchInProgress(dbc, req.BatchID); err != nil {
				return err
			}
			events = append(events, notify.Event{
				Type:       notify.StageStarted,
				BatchID:    req.BatchID,
				ProgressID: progress.ID,
				StepID:     step.ID,
				Stage:      step.StageType,
				LineID:     progress.LineID,
			})
		}

		p, err = loadProgress(dbc, progress.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	t.log.Info("stage started", "batch_id", req.BatchID, "step_id", req.StepID, "line_id", p.LineID, "rolls", len(p.Rolls))
	notify.PublishAll(ctx, t.events, t.log, events)
	return p, nil
}

// findForStart picks the progress StartStage acts on. An unassigned row is
// used when the step does not need a line.
func findForStart(dbc dbctx.Context, req StartRequest, step models.CycleFlowStep) (*models.StageProgress, error) {
	var rows []models.StageProgress
	if err := dbc.Tx.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("batch_id = ? AND cycle_flow_step_id = ?", req.BatchID, step.ID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	var unassigned *models.StageProgress
	for i := range rows {
		if rows[i].LineID == req.LineID {
			return &rows[i], nil
		}
		if rows[i].LineID == 0 {
			unassigned = &rows[i]
		}
	}
	if unassigned != nil {
		if step.RequiresLine {
			return nil, apperr.New(apperr.CodeLineNotAssigned, "%s of batch %d has no line assigned yet", step.StageType, req.BatchID).
				With("batch_id", req.BatchID).With("step_id", step.ID).With("progress_id", unassigned.ID)
		}
		return unassigned, nil
	}
	if step.RequiresLine && req.LineID == 0 {
		return nil, apperr.New(apperr.CodeLineNotAssigned, "%s requires a line", step.StageType).
			With("batch_id", req.BatchID).With("step_id", step.ID)
	}
	return nil, apperr.New(apperr.CodeInvalidTransition, "%s of batch %d has not been unlocked on line %d", step.StageType, req.BatchID, req.LineID).
		With("batch_id", req.BatchID).With("step_id", step.ID).With("line_id", req.LineID)
}

// AssignLine gives an unassigned PENDING progress to a line.
func (t *Tracker) AssignLine(ctx context.Context, progressID, lineID uint) (*models.StageProgress, error) {
	if lineID == 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "line_id is required")
	}
	var out *models.StageProgress
	var ev notify.Event
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		var p models.StageProgress
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Preload("Step").First(&p, "id = ?", progressID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.CodeNotFound, "progress %d not found", progressID).With("progress_id", progressID)
		}
		if err != nil {
			return err
		}
		var line models.ProductionLine
		if err := tx.First(&line, "id = ?", lineID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.New(apperr.CodeNotFound, "line %d not found", lineID).With("line_id", lineID)
			}
			return err
		}
		if p.Status != models.ProgressPending {
			return apperr.New(apperr.CodeInvalidTransition, "progress %d is %s, only PENDING progress can be assigned", p.ID, p.Status).
				With("progress_id", p.ID).With("status", p.Status)
		}
		if p.LineID == lineID {
			out, err = loadProgress(dbc, p.ID)
			return err
		}
		if p.LineID != 0 {
			return apperr.New(apperr.CodeInvalidTransition, "progress %d is already assigned to line %d", p.ID, p.LineID).
				With("progress_id", p.ID).With("line_id", p.LineID)
		}
		// hedef hatta aynı adım zaten varsa birleştirme yok, çakışma olarak bildir
		if err := tx.Model(&models.StageProgress{}).
			Where("id = ?", p.ID).
			Updates(map[string]interface{}{"line_id": lineID, "updated_at": time.Now()}).Error; err != nil {
			return err
		}
		ev = notify.Event{
			Type:       notify.LineAssigned,
			BatchID:    p.BatchID,
			ProgressID: p.ID,
			StepID:     p.CycleFlowStepID,
			Stage:      p.Step.StageType,
			LineID:     lineID,
		}
		out, err = loadProgress(dbc, p.ID)
		return err
	})
	if err != nil {
		if apperr.CodeOf(err) == "" && isUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.CodeInvalidTransition, err, "line %d already has this step of the batch", lineID).
				With("progress_id", progressID).With("line_id", lineID)
		}
		return nil, err
	}
	if ev.Type != "" {
		t.log.Info("line assigned", "progress_id", progressID, "line_id", lineID)
		notify.PublishAll(ctx, t.events, t.log, []notify.Event{ev})
	}
	return out, nil
}

// Complete marks an IN_PROGRESS progress COMPLETED inside the caller's
// transaction. It returns false when the progress was already completed.
func (t *Tracker) Complete(dbc dbctx.Context, progressID uint) (bool, error) {
	now := time.Now()
	res := dbc.DB(t.db).Model(&models.StageProgress{}).
		Where("id = ? AND status = ?", progressID, models.ProgressInProgress).
		Updates(map[string]interface{}{
			"status":       models.ProgressCompleted,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var p models.StageProgress
	if err := dbc.DB(t.db).Select("id", "status").First(&p, "id = ?", progressID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, apperr.New(apperr.CodeNotFound, "progress %d not found", progressID).With("progress_id", progressID)
		}
		return false, err
	}
	if p.Status == models.ProgressCompleted {
		return false, nil
	}
	return false, apperr.New(apperr.CodeInvalidTransition, "progress %d is %s and cannot complete", progressID, p.Status).
		With("progress_id", progressID).With("status", p.Status)
}

// CompleteBatch marks the batch COMPLETED. It returns false if it already was.
func (t *Tracker) CompleteBatch(dbc dbctx.Context, batchID uint) (bool, error) {
	now := time.Now()
	res := dbc.DB(t.db).Model(&models.ProductionBatch{}).
		Where("id = ? AND status <> ?", batchID, models.BatchCompleted).
		Updates(map[string]interface{}{
			"status":       models.BatchCompleted,
			"completed_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected == 1, res.Error
}

// ForBatch lists every progress of a batch with its step and rolls.
func (t *Tracker) ForBatch(dbc dbctx.Context, batchID uint) ([]models.StageProgress, error) {
	var out []models.StageProgress
	err := dbc.DB(t.db).
		Preload("Step").
		Preload("Rolls").
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

func (t *Tracker) Get(ctx context.Context, progressID uint) (*models.StageProgress, error) {
	return loadProgress(dbctx.Context{Ctx: ctx, Tx: t.db}, progressID)
}

// LockBatch takes the batch row lock for the rest of the transaction.
func LockBatch(dbc dbctx.Context, batchID uint) error {
	return lockBatch(dbc, batchID)
}

func lockBatch(dbc dbctx.Context, batchID uint) error {
	var b models.ProductionBatch
	err := dbc.Tx.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "status").
		First(&b, "id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.CodeNotFound, "batch %d not found", batchID).With("batch_id", batchID)
	}
	return err
}

func markBatchInProgress(dbc dbctx.Context, batchID uint) error {
	now := time.Now()
	return dbc.Tx.Model(&models.ProductionBatch{}).
		Where("id = ? AND status = ?", batchID, models.BatchPending).
		Updates(map[string]interface{}{
			"status":     models.BatchInProgress,
			"started_at": now,
			"updated_at": now,
		}).Error
}

func loadProgress(dbc dbctx.Context, id uint) (*models.StageProgress, error) {
	var p models.StageProgress
	err := dbc.Tx.WithContext(dbc.Ctx).Preload("Step").Preload("Rolls").First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "progress %d not found", id).With("progress_id", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]bool, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
