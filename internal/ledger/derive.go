package ledger

import (
	"sort"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/flow"
	"pieceflow-backend/internal/models"
)

// Derived holds the computed pools for one record. Every caller that shows or
// checks these numbers goes through Derive.
type Derived struct {
	Stage                models.StageType `json:"stage,omitempty"`
	Remaining            int              `json:"remaining"`
	PendingAlter         int              `json:"pending_alter"`
	AvailableForAssembly int              `json:"available_for_assembly"`
}

// RecordView is a record together with its derived pools.
type RecordView struct {
	models.QuantityRecord
	Derived Derived `json:"derived"`
}

// Derive computes the pools of r as seen from stage. An empty stage reports
// remaining at the production stage.
func Derive(f *flow.Flow, r models.QuantityRecord, stage models.StageType) Derived {
	d := Derived{Stage: stage, PendingAlter: r.PendingAlter()}
	if prod, ok := f.Production(); ok {
		d.AvailableForAssembly = nonNegative(f.Remaining(prod, r))
		if stage == "" {
			d.Stage = prod
		}
	}
	if d.Stage != "" {
		d.Remaining = nonNegative(f.Remaining(d.Stage, r))
	}
	return d
}

func View(f *flow.Flow, r models.QuantityRecord, stage models.StageType) RecordView {
	return RecordView{QuantityRecord: r, Derived: Derive(f, r, stage)}
}

// Check verifies every quantity invariant of r against the flow.
func Check(f *flow.Flow, r models.QuantityRecord) error {
	counters := map[string]int{
		"cut":                 r.Cut,
		"validated":           r.Validated,
		"prepared":            r.Prepared,
		"completed":           r.Completed,
		"unloaded":            r.Unloaded,
		"altered":             r.Altered,
		"repaired":            r.Repaired,
		"rejected":            r.Rejected,
		"rejected_from_alter": r.RejectedFromAlter,
	}
	for name, v := range counters {
		if v < 0 {
			return integrity(r, "counter %s is negative (%d)", name, v)
		}
	}
	if r.RejectedFromAlter > r.Rejected {
		return integrity(r, "rejected_from_alter %d exceeds rejected %d", r.RejectedFromAlter, r.Rejected)
	}
	if r.PendingAlter() < 0 {
		return integrity(r, "pending_alter is negative (%d)", r.PendingAlter())
	}
	for _, step := range f.Steps() {
		if step.StageType == models.StageCutting {
			continue
		}
		if rem := f.Remaining(step.StageType, r); rem < 0 {
			return integrity(r, "stage %s over-processed by %d", step.StageType, -rem)
		}
	}
	return nil
}

func integrity(r models.QuantityRecord, format string, args ...any) *apperr.Error {
	return apperr.New(apperr.CodeIntegrityViolation, format, args...).
		With("roll_id", r.RollID).
		With("part_id", r.PartID).
		With("size", r.Size)
}

// apply computes the record that results from one outcome. It never touches
// storage; the caller writes the result only if Check passes.
func apply(f *flow.Flow, r models.QuantityRecord, stage models.StageType, outcome models.Outcome, qty int) (models.QuantityRecord, error) {
	if qty <= 0 {
		return r, apperr.New(apperr.CodeInvalidQuantity, "quantity must be positive, got %d", qty).With("quantity", qty)
	}
	if stage == models.StageCutting || !f.Contains(stage) {
		return r, invalidOutcome(r, stage, outcome, "stage %s does not accept outcomes for this product", stage)
	}

	remaining := f.Remaining(stage, r)
	next := r
	switch {
	case stage == models.StageChecking:
		switch outcome {
		case models.OutcomeValidated:
			if err := need(r, stage, qty, remaining); err != nil {
				return r, err
			}
			next.Validated += qty
		case models.OutcomeRejected:
			if err := need(r, stage, qty, remaining); err != nil {
				return r, err
			}
			next.Rejected += qty
		default:
			return r, invalidOutcome(r, stage, outcome, "%s is not valid at %s", outcome, stage)
		}

	case stage == models.StagePreparation:
		if outcome != models.OutcomePrepared {
			return r, invalidOutcome(r, stage, outcome, "%s is not valid at %s", outcome, stage)
		}
		if err := need(r, stage, qty, remaining); err != nil {
			return r, err
		}
		next.Prepared += qty

	case flow.IsProduction(stage):
		switch outcome {
		case models.OutcomeCompleted:
			if err := need(r, stage, qty, remaining); err != nil {
				return r, err
			}
			next.Completed += qty
		case models.OutcomeAlter:
			// yalnızca henüz bir sonraki aşamaya geçmemiş tamamlanmış parçalar rötuşa alınabilir
			available := r.Completed
			if after, ok := f.After(stage); ok {
				available = min(available, f.Remaining(after, r))
			}
			if err := need(r, stage, qty, available); err != nil {
				return r, err
			}
			next.Completed -= qty
			next.Altered += qty
		case models.OutcomeRepaired, models.OutcomeApproved, models.OutcomeRejected:
			pending := r.PendingAlter()
			if pending == 0 {
				return r, invalidOutcome(r, stage, outcome, "nothing is pending alteration")
			}
			if qty > pending {
				return r, apperr.New(apperr.CodeInvalidQuantity, "requested %d but only %d pending alteration", qty, pending).
					With("roll_id", r.RollID).
					With("part_id", r.PartID).
					With("size", r.Size).
					With("requested", qty).
					With("pending_alter", pending)
			}
			if outcome == models.OutcomeRejected {
				next.Rejected += qty
				next.RejectedFromAlter += qty
			} else {
				next.Repaired += qty
			}
		default:
			return r, invalidOutcome(r, stage, outcome, "%s is not valid at %s", outcome, stage)
		}

	case stage == models.StageUnload:
		if outcome != models.OutcomeCompleted {
			return r, invalidOutcome(r, stage, outcome, "%s is not valid at %s", outcome, stage)
		}
		if err := need(r, stage, qty, remaining); err != nil {
			return r, err
		}
		next.Unloaded += qty

	default:
		return r, invalidOutcome(r, stage, outcome, "unknown stage %s", stage)
	}
	return next, nil
}

func need(r models.QuantityRecord, stage models.StageType, requested, available int) error {
	if requested <= available {
		return nil
	}
	return apperr.New(apperr.CodeInsufficientQuantity, "requested %d but only %d available at %s", requested, nonNegative(available), stage).
		With("roll_id", r.RollID).
		With("part_id", r.PartID).
		With("size", r.Size).
		With("stage", stage).
		With("requested", requested).
		With("available", nonNegative(available))
}

func invalidOutcome(r models.QuantityRecord, stage models.StageType, outcome models.Outcome, format string, args ...any) error {
	return apperr.New(apperr.CodeInvalidOutcomeForStage, format, args...).
		With("roll_id", r.RollID).
		With("part_id", r.PartID).
		With("size", r.Size).
		With("stage", stage).
		With("outcome", outcome)
}

// PartAvailability is one PRIMARY part's contribution to a set.
type PartAvailability struct {
	PartID    uint   `json:"part_id"`
	PartName  string `json:"part_name"`
	Available int    `json:"available"`
}

// Bottleneck describes how many sets a (roll, size) can still produce and
// which part limits it.
type Bottleneck struct {
	RollID           uint               `json:"roll_id"`
	Size             string             `json:"size"`
	MaxSets          int                `json:"max_sets"`
	LimitingPartID   uint               `json:"limiting_part_id"`
	LimitingPartName string             `json:"limiting_part_name"`
	Parts            []PartAvailability `json:"parts"`
}

// ComputeBottleneck takes the records of one (roll, size). PRIMARY parts
// without a record count as zero available. Ties go to the lowest part id.
func ComputeBottleneck(f *flow.Flow, rollID uint, size string, parts []models.PiecePart, recs []models.QuantityRecord) Bottleneck {
	b := Bottleneck{RollID: rollID, Size: size}
	byPart := make(map[uint]models.QuantityRecord, len(recs))
	for _, r := range recs {
		byPart[r.PartID] = r
	}
	primary := make([]models.PiecePart, 0, len(parts))
	for _, p := range parts {
		if p.Kind == models.PartPrimary {
			primary = append(primary, p)
		}
	}
	sort.Slice(primary, func(i, j int) bool { return primary[i].ID < primary[j].ID })

	first := true
	for _, p := range primary {
		avail := 0
		if r, ok := byPart[p.ID]; ok {
			avail = Derive(f, r, "").AvailableForAssembly
		}
		b.Parts = append(b.Parts, PartAvailability{PartID: p.ID, PartName: p.Name, Available: avail})
		if first || avail < b.MaxSets {
			b.MaxSets = avail
			b.LimitingPartID = p.ID
			b.LimitingPartName = p.Name
			first = false
		}
	}
	return b
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
