package query

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/dbctx"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/ledger"
	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/models"
)

// Service is the read-only projection over ledger and tracker state. Every
// derived number comes from ledger.Derive; nothing here re-checks invariants.
type Service struct {
	db    *gorm.DB
	log   *logger.Logger
	flows *flow.Repo

	queues singleflight.Group
}

func New(db *gorm.DB, log *logger.Logger, flows *flow.Repo) *Service {
	return &Service{db: db, log: log.With("component", "Query"), flows: flows}
}

type RollQueue struct {
	RollID    uint                `json:"roll_id"`
	RollCode  string              `json:"roll_code"`
	IsCut     bool                `json:"is_cut"`
	Remaining int                 `json:"remaining"`
	Pending   int                 `json:"pending_alter"`
	Records   []ledger.RecordView `json:"records"`
}

type QueueEntry struct {
	ProgressID uint                  `json:"progress_id"`
	BatchID    uint                  `json:"batch_id"`
	BatchCode  string                `json:"batch_code"`
	ProductID  uint                  `json:"product_id"`
	StepID     uint                  `json:"step_id"`
	Stage      models.StageType      `json:"stage"`
	Status     models.ProgressStatus `json:"status"`
	LineID     uint                  `json:"line_id"`
	Remaining  int                   `json:"remaining"`
	Pending    int                   `json:"pending_alter"`
	Rolls      []RollQueue           `json:"rolls"`
}

// GetQueue lists the PENDING and IN_PROGRESS work on a line. Line 0 lists
// progress still waiting for a line. Concurrent calls for one line share a
// single read. The shared read does not inherit any one caller's
// cancellation; each caller still stops waiting when its own ctx ends.
func (s *Service) GetQueue(ctx context.Context, lineID uint) ([]QueueEntry, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.queues.DoChan(strconv.FormatUint(uint64(lineID), 10), func() (interface{}, error) {
		readCtx, cancel := context.WithTimeout(shared, queueReadTimeout)
		defer cancel()
		return s.queue(readCtx, lineID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]QueueEntry), nil
	}
}

const queueReadTimeout = 10 * time.Second

func (s *Service) queue(ctx context.Context, lineID uint) ([]QueueEntry, error) {
	db := s.db.WithContext(ctx)
	if lineID != 0 {
		var line models.ProductionLine
		if err := db.Select("id").First(&line, "id = ?", lineID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, apperr.New(apperr.CodeNotFound, "line %d not found", lineID).With("line_id", lineID)
			}
			return nil, err
		}
	}

	var progress []models.StageProgress
	if err := db.Preload("Step").Preload("Rolls").
		Where("line_id = ? AND status IN ?", lineID, []models.ProgressStatus{models.ProgressPending, models.ProgressInProgress}).
		Order("id ASC").
		Find(&progress).Error; err != nil {
		return nil, err
	}
	if len(progress) == 0 {
		return []QueueEntry{}, nil
	}

	batchIDs := make([]uint, 0, len(progress))
	for _, p := range progress {
		batchIDs = append(batchIDs, p.BatchID)
	}
	var batches []models.ProductionBatch
	if err := db.Preload("Rolls").Where("id IN ?", batchIDs).Find(&batches).Error; err != nil {
		return nil, err
	}
	byBatch := make(map[uint]models.ProductionBatch, len(batches))
	for _, b := range batches {
		byBatch[b.ID] = b
	}
	var recs []models.QuantityRecord
	if err := db.Where("batch_id IN ?", batchIDs).Order("roll_id ASC, part_id ASC, size ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	byRoll := map[uint][]models.QuantityRecord{}
	for _, r := range recs {
		byRoll[r.RollID] = append(byRoll[r.RollID], r)
	}

	out := make([]QueueEntry, 0, len(progress))
	for _, p := range progress {
		b, ok := byBatch[p.BatchID]
		if !ok {
			continue
		}
		f, err := s.flows.ForProduct(dbctx.Context{Ctx: ctx}, b.ProductID)
		if err != nil {
			return nil, err
		}
		e := QueueEntry{
			ProgressID: p.ID,
			BatchID:    b.ID,
			BatchCode:  b.Code,
			ProductID:  b.ProductID,
			StepID:     p.CycleFlowStepID,
			Stage:      p.Step.StageType,
			Status:     p.Status,
			LineID:     p.LineID,
		}
		// başlamamış işte seçim yok; partinin tüm ruloları aday
		selected := map[uint]bool{}
		for _, r := range p.Rolls {
			selected[r.RollID] = true
		}
		for _, roll := range b.Rolls {
			if p.Status == models.ProgressInProgress && !selected[roll.ID] {
				continue
			}
			rq := RollQueue{RollID: roll.ID, RollCode: roll.Code, IsCut: roll.IsCut}
			for _, r := range byRoll[roll.ID] {
				v := ledger.View(f, r, e.Stage)
				rq.Records = append(rq.Records, v)
				rq.Remaining += v.Derived.Remaining
				rq.Pending += v.Derived.PendingAlter
			}
			e.Remaining += rq.Remaining
			e.Pending += rq.Pending
			e.Rolls = append(e.Rolls, rq)
		}
		out = append(out, e)
	}
	return out, nil
}

type SizeNode struct {
	Size   string            `json:"size"`
	Record ledger.RecordView `json:"record"`
}

type PartNode struct {
	PartID uint            `json:"part_id"`
	Name   string          `json:"name"`
	Kind   models.PartKind `json:"kind"`
	Sizes  []SizeNode      `json:"sizes"`
}

type RollNode struct {
	ID          uint                `json:"id"`
	Code        string              `json:"code"`
	TotalLength decimal.Decimal     `json:"total_length"`
	IsCut       bool                `json:"is_cut"`
	Parts       []PartNode          `json:"parts"`
	Assembly    []ledger.Bottleneck `json:"assembly,omitempty"`
}

type ProgressNode struct {
	ID     uint                  `json:"id"`
	StepID uint                  `json:"step_id"`
	Stage  models.StageType      `json:"stage"`
	LineID uint                  `json:"line_id"`
	Status models.ProgressStatus `json:"status"`
	Rolls  []uint                `json:"roll_ids"`
}

type BatchSummary struct {
	ID          uint                   `json:"id"`
	Code        string                 `json:"code"`
	ProductID   uint                   `json:"product_id"`
	Status      models.BatchStatus     `json:"status"`
	TotalLength decimal.Decimal        `json:"total_length"`
	Steps       []models.CycleFlowStep `json:"steps"`
	Progress    []ProgressNode         `json:"progress"`
	Rolls       []RollNode             `json:"rolls"`
}

// BatchSummary builds the batch -> rolls -> parts -> sizes tree from one
// indexed read of the quantity table.
func (s *Service) BatchSummary(ctx context.Context, batchID uint) (*BatchSummary, error) {
	db := s.db.WithContext(ctx)
	var b models.ProductionBatch
	err := db.Preload("Rolls", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).First(&b, "id = ?", batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.CodeNotFound, "batch %d not found", batchID).With("batch_id", batchID)
	}
	if err != nil {
		return nil, err
	}
	f, err := s.flows.ForProduct(dbctx.Context{Ctx: ctx}, b.ProductID)
	if err != nil {
		return nil, err
	}
	var parts []models.PiecePart
	if err := db.Where("product_id = ?", b.ProductID).Order("id ASC").Find(&parts).Error; err != nil {
		return nil, err
	}
	partByID := make(map[uint]models.PiecePart, len(parts))
	for _, p := range parts {
		partByID[p.ID] = p
	}
	var recs []models.QuantityRecord
	if err := db.Where("batch_id = ?", batchID).Order("roll_id ASC, part_id ASC, size ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	var progress []models.StageProgress
	if err := db.Preload("Step").Preload("Rolls").Where("batch_id = ?", batchID).Order("id ASC").Find(&progress).Error; err != nil {
		return nil, err
	}

	out := &BatchSummary{
		ID:          b.ID,
		Code:        b.Code,
		ProductID:   b.ProductID,
		Status:      b.Status,
		TotalLength: decimal.Zero,
		Steps:       f.Steps(),
	}
	for _, p := range progress {
		out.Progress = append(out.Progress, ProgressNode{
			ID: p.ID, StepID: p.CycleFlowStepID, Stage: p.Step.StageType,
			LineID: p.LineID, Status: p.Status, Rolls: p.RollIDs(),
		})
	}

	byRoll := map[uint][]models.QuantityRecord{}
	for _, r := range recs {
		byRoll[r.RollID] = append(byRoll[r.RollID], r)
	}
	_, hasAssembly := f.StepFor(models.StageAssembly)
	for _, roll := range b.Rolls {
		out.TotalLength = out.TotalLength.Add(roll.TotalLength)
		node := RollNode{ID: roll.ID, Code: roll.Code, TotalLength: roll.TotalLength, IsCut: roll.IsCut}
		idx := map[uint]int{}
		sizes := map[string][]models.QuantityRecord{}
		for _, r := range byRoll[roll.ID] {
			i, ok := idx[r.PartID]
			if !ok {
				p := partByID[r.PartID]
				node.Parts = append(node.Parts, PartNode{PartID: r.PartID, Name: p.Name, Kind: p.Kind})
				i = len(node.Parts) - 1
				idx[r.PartID] = i
			}
			node.Parts[i].Sizes = append(node.Parts[i].Sizes, SizeNode{Size: r.Size, Record: ledger.View(f, r, "")})
			sizes[r.Size] = append(sizes[r.Size], r)
		}
		if hasAssembly {
			for _, size := range sortedKeys(sizes) {
				node.Assembly = append(node.Assembly, ledger.ComputeBottleneck(f, roll.ID, size, parts, sizes[size]))
			}
		}
		out.Rolls = append(out.Rolls, node)
	}
	return out, nil
}

// AssemblyBottleneck reports max sets per size for a roll. An empty size
// reports every size the roll has records for.
func (s *Service) AssemblyBottleneck(ctx context.Context, rollID uint, size string) ([]ledger.Bottleneck, error) {
	db := s.db.WithContext(ctx)
	var roll models.FabricRoll
	if err := db.First(&roll, "id = ?", rollID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.CodeNotFound, "roll %d not found", rollID).With("roll_id", rollID)
		}
		return nil, err
	}
	f, err := s.flows.ForBatch(dbctx.Context{Ctx: ctx}, roll.BatchID)
	if err != nil {
		return nil, err
	}
	var parts []models.PiecePart
	if err := db.Where("product_id = ? AND kind = ?", f.ProductID, models.PartPrimary).Order("id ASC").Find(&parts).Error; err != nil {
		return nil, err
	}
	q := db.Where("roll_id = ?", rollID)
	if size = strings.TrimSpace(size); size != "" {
		q = q.Where("size = ?", size)
	}
	var recs []models.QuantityRecord
	if err := q.Order("size ASC, part_id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	bySize := map[string][]models.QuantityRecord{}
	for _, r := range recs {
		bySize[r.Size] = append(bySize[r.Size], r)
	}
	if size != "" && len(bySize) == 0 {
		return nil, apperr.New(apperr.CodeNotFound, "roll %d has no records for size %s", rollID, size).
			With("roll_id", rollID).With("size", size)
	}
	out := make([]ledger.Bottleneck, 0, len(bySize))
	for _, sz := range sortedKeys(bySize) {
		out = append(out, ledger.ComputeBottleneck(f, rollID, sz, parts, bySize[sz]))
	}
	return out, nil
}

func sortedKeys(m map[string][]models.QuantityRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
