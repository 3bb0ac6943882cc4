package cascade

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"pieceflow-backend/internal/dbctx"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/ledger"
	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/models"
	"pieceflow-backend/internal/notify"
	"pieceflow-backend/internal/observability"
	"pieceflow-backend/internal/tracker"
)

// Trigger narrows a reconciliation. Zero fields mean "any".
type Trigger struct {
	BatchID uint
	RollID  uint
	LineID  uint
}

// Report lists what one reconciliation changed.
type Report struct {
	BatchID        uint     `json:"batch_id"`
	Completed      []uint   `json:"completed_progress_ids"`
	Unlocked       []uint   `json:"unlocked_progress_ids"`
	BatchCompleted bool     `json:"batch_completed"`
	Blocked        []string `json:"blocked,omitempty"` // neden tamamlanamadı
}

// Evaluator decides when stage progress completes. Every run recomputes from
// the ledger, so a missed or repeated trigger converges to the same state.
type Evaluator struct {
	db      *gorm.DB
	log     *logger.Logger
	flows   *flow.Repo
	tracker *tracker.Tracker
	events  notify.Publisher
}

var _ ledger.Reconciler = (*Evaluator)(nil)

func New(db *gorm.DB, log *logger.Logger, flows *flow.Repo, tr *tracker.Tracker, events notify.Publisher) *Evaluator {
	if events == nil {
		events = notify.Nop{}
	}
	return &Evaluator{
		db:      db,
		log:     log.With("component", "CascadeEvaluator"),
		flows:   flows,
		tracker: tr,
		events:  events,
	}
}

// Reconcile is the post-mutation hook the ledger calls after commit.
func (e *Evaluator) Reconcile(ctx context.Context, req ledger.ReconcileRequest) error {
	_, err := e.Run(ctx, Trigger{BatchID: req.BatchID, RollID: req.RollID})
	return err
}

// CheckAndCompleteStages is the explicit client-triggered re-evaluation.
func (e *Evaluator) CheckAndCompleteStages(ctx context.Context, rollID, batchID, lineID uint) (*Report, error) {
	if batchID == 0 && rollID != 0 {
		var roll models.FabricRoll
		if err := e.db.WithContext(ctx).Select("id", "batch_id").First(&roll, "id = ?", rollID).Error; err != nil {
			return nil, notFoundOr(err, "roll", rollID)
		}
		batchID = roll.BatchID
	}
	if batchID == 0 {
		return nil, invalidArg("batch_id or roll_id is required")
	}
	return e.Run(ctx, Trigger{BatchID: batchID, RollID: rollID, LineID: lineID})
}

// Run reconciles one batch. Runs for a batch are serialized by the batch row
// lock and each one reads the ledger after taking it, so a trigger never gets
// a result computed before its own commit.
func (e *Evaluator) Run(ctx context.Context, trig Trigger) (*Report, error) {
	return e.run(ctx, trig)
}

func (e *Evaluator) run(ctx context.Context, trig Trigger) (rep *Report, err error) {
	ctx, span := observability.StartSpan(ctx, "cascade.Run",
		attribute.Int64("batch_id", int64(trig.BatchID)),
		attribute.Int64("roll_id", int64(trig.RollID)),
		attribute.Int64("line_id", int64(trig.LineID)),
	)
	defer func() { observability.EndSpan(span, err) }()

	var events []notify.Event
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events = nil
		rep = &Report{BatchID: trig.BatchID}
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		if err := tracker.LockBatch(dbc, trig.BatchID); err != nil {
			return err
		}
		f, err := e.flows.ForBatch(dbc, trig.BatchID)
		if err != nil {
			return err
		}
		snap, err := loadSnapshot(dbc, f, trig.BatchID)
		if err != nil {
			return err
		}

		for i := range snap.progress {
			p := &snap.progress[i]
			if p.Status != models.ProgressInProgress || !trig.matches(p) {
				continue
			}
			ok, why := snap.reconciled(p)
			if !ok {
				rep.Blocked = append(rep.Blocked, fmt.Sprintf("progress %d (%s): %s", p.ID, p.Step.StageType, why))
				continue
			}
			done, err := e.tracker.Complete(dbc, p.ID)
			if err != nil {
				return err
			}
			p.Status = models.ProgressCompleted
			if done {
				rep.Completed = append(rep.Completed, p.ID)
				events = append(events, notify.Event{
					Type: notify.StageCompleted, BatchID: p.BatchID, ProgressID: p.ID,
					StepID: p.CycleFlowStepID, Stage: p.Step.StageType, LineID: p.LineID,
				})
			}
		}

		// sonraki adımı her COMPLETED satır için garanti et; kaçan tetikleme burada toparlanır
		var unlocked []models.StageProgress
		for _, p := range snap.progress {
			if p.Status != models.ProgressCompleted {
				continue
			}
			next, ok := f.Next(p.CycleFlowStepID)
			if !ok {
				continue
			}
			line := uint(0)
			if next.RequiresLine {
				line = p.LineID
			}
			np, created, err := e.tracker.EnsurePending(dbc, p.BatchID, next.ID, line)
			if err != nil {
				return err
			}
			if created {
				np.Step = next
				unlocked = append(unlocked, *np)
				rep.Unlocked = append(rep.Unlocked, np.ID)
				events = append(events, notify.Event{
					Type: notify.StagePending, BatchID: p.BatchID, ProgressID: np.ID,
					StepID: next.ID, Stage: next.StageType, LineID: line,
				})
			}
		}

		snap.progress = append(snap.progress, unlocked...)

		if snap.lastStepCovered(f) {
			done, err := e.tracker.CompleteBatch(dbc, trig.BatchID)
			if err != nil {
				return err
			}
			if done {
				rep.BatchCompleted = true
				events = append(events, notify.Event{Type: notify.BatchCompleted, BatchID: trig.BatchID})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(rep.Completed) > 0 || len(rep.Unlocked) > 0 || rep.BatchCompleted {
		e.log.Info("cascade advanced",
			"batch_id", trig.BatchID,
			"completed", rep.Completed,
			"unlocked", rep.Unlocked,
			"batch_completed", rep.BatchCompleted)
	}
	notify.PublishAll(ctx, e.events, e.log, events)
	return rep, nil
}

func (t Trigger) matches(p *models.StageProgress) bool {
	if t.LineID != 0 && p.LineID != t.LineID {
		return false
	}
	if t.RollID == 0 {
		return true
	}
	for _, r := range p.Rolls {
		if r.RollID == t.RollID {
			return true
		}
	}
	return false
}
