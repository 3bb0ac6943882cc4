package cascade

import (
	"errors"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/dbctx"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/ledger"
	"pieceflow-backend/internal/models"
)

// snapshot is everything one reconciliation reads, loaded inside the
// transaction that holds the batch lock.
type snapshot struct {
	flow     *flow.Flow
	progress []models.StageProgress
	rolls    map[uint]models.FabricRoll
	records  map[uint][]models.QuantityRecord // roll -> kayıtlar
	primary  []models.PiecePart
}

func loadSnapshot(dbc dbctx.Context, f *flow.Flow, batchID uint) (*snapshot, error) {
	tx := dbc.Tx.WithContext(dbc.Ctx)
	s := &snapshot{
		flow:    f,
		rolls:   map[uint]models.FabricRoll{},
		records: map[uint][]models.QuantityRecord{},
	}
	if err := tx.Preload("Step").Preload("Rolls").
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&s.progress).Error; err != nil {
		return nil, err
	}

	var rolls []models.FabricRoll
	if err := tx.Where("batch_id = ?", batchID).Find(&rolls).Error; err != nil {
		return nil, err
	}
	for _, r := range rolls {
		s.rolls[r.ID] = r
	}

	var recs []models.QuantityRecord
	if err := tx.Where("batch_id = ?", batchID).Order("roll_id ASC, part_id ASC, size ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	for _, r := range recs {
		s.records[r.RollID] = append(s.records[r.RollID], r)
	}

	if err := tx.Where("product_id = ? AND kind = ?", f.ProductID, models.PartPrimary).
		Order("id ASC").
		Find(&s.primary).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// reconciled reports whether every selected roll of p has nothing left to do
// at p's stage. The second result says why not.
func (s *snapshot) reconciled(p *models.StageProgress) (bool, string) {
	if len(p.Rolls) == 0 {
		return false, "no rolls selected"
	}
	stage := p.Step.StageType
	for _, link := range p.Rolls {
		roll, ok := s.rolls[link.RollID]
		if !ok {
			return false, fmt.Sprintf("roll %d is not in the batch", link.RollID)
		}
		// kesim kapanmadan sonraki aşamalara yeni parça gelebilir
		if !roll.IsCut {
			return false, fmt.Sprintf("roll %d is still being cut", roll.ID)
		}
		if stage == models.StageCutting {
			continue
		}
		if stage == models.StageAssembly {
			if ok, why := s.assemblyDone(roll.ID); !ok {
				return false, why
			}
			continue
		}
		for _, r := range s.records[roll.ID] {
			if rem := s.flow.Remaining(stage, r); rem != 0 {
				return false, fmt.Sprintf("roll %d part %d size %s has %d remaining", r.RollID, r.PartID, r.Size, rem)
			}
			if s.flow.AtOrAfterProduction(stage) && r.PendingAlter() > 0 {
				return false, fmt.Sprintf("roll %d part %d size %s has %d pending alteration", r.RollID, r.PartID, r.Size, r.PendingAlter())
			}
		}
	}
	return true, ""
}

// assemblyDone: no further set can be made for any size and no PRIMARY part
// is waiting in alteration.
func (s *snapshot) assemblyDone(rollID uint) (bool, string) {
	isPrimary := make(map[uint]bool, len(s.primary))
	for _, p := range s.primary {
		isPrimary[p.ID] = true
	}
	bySize := map[string][]models.QuantityRecord{}
	for _, r := range s.records[rollID] {
		if !isPrimary[r.PartID] {
			continue
		}
		if r.PendingAlter() > 0 {
			return false, fmt.Sprintf("roll %d part %d size %s has %d pending alteration", r.RollID, r.PartID, r.Size, r.PendingAlter())
		}
		bySize[r.Size] = append(bySize[r.Size], r)
	}
	sizes := make([]string, 0, len(bySize))
	for size := range bySize {
		sizes = append(sizes, size)
	}
	sort.Strings(sizes)
	for _, size := range sizes {
		b := ledger.ComputeBottleneck(s.flow, rollID, size, s.primary, bySize[size])
		if b.MaxSets > 0 {
			return false, fmt.Sprintf("roll %d size %s can still assemble %d sets", rollID, size, b.MaxSets)
		}
	}
	return true, ""
}

// lastStepCovered: every progress of the final step is COMPLETED and together
// they cover every roll of the batch.
func (s *snapshot) lastStepCovered(f *flow.Flow) bool {
	last := f.Last()
	if len(s.rolls) == 0 {
		return false
	}
	covered := map[uint]bool{}
	found := false
	for _, p := range s.progress {
		if p.CycleFlowStepID != last.ID {
			continue
		}
		found = true
		if p.Status != models.ProgressCompleted {
			return false
		}
		for _, r := range p.Rolls {
			covered[r.RollID] = true
		}
	}
	if !found {
		return false
	}
	for id := range s.rolls {
		if !covered[id] {
			return false
		}
	}
	return true
}

func notFoundOr(err error, what string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.CodeNotFound, "%s %d not found", what, id).With(what+"_id", id)
	}
	return err
}

func invalidArg(msg string) error {
	return apperr.New(apperr.CodeInvalidArgument, "%s", msg)
}
