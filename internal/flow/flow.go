package flow

import (
	"sort"

	"pieceflow-backend/internal/apperr"
	"pieceflow-backend/internal/models"
)

// Flow is a product's ordered cycle flow. It is immutable once built.
type Flow struct {
	ProductID uint
	steps     []models.CycleFlowStep
}

var knownStages = map[models.StageType]bool{
	models.StageCutting:     true,
	models.StageChecking:    true,
	models.StagePreparation: true,
	models.StageSewing:      true,
	models.StageAssembly:    true,
	models.StageUnload:      true,
}

// New sorts the steps by position and validates them.
func New(productID uint, steps []models.CycleFlowStep) (*Flow, error) {
	sorted := make([]models.CycleFlowStep, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })
	if err := Validate(sorted); err != nil {
		return nil, err
	}
	return &Flow{ProductID: productID, steps: sorted}, nil
}

// Validate checks an already position-ordered step list.
func Validate(steps []models.CycleFlowStep) error {
	if len(steps) == 0 {
		return apperr.New(apperr.CodeInvalidCycleFlow, "cycle flow has no steps")
	}
	if steps[0].StageType != models.StageCutting {
		return apperr.New(apperr.CodeInvalidCycleFlow, "cycle flow must start with %s, got %s", models.StageCutting, steps[0].StageType)
	}
	seen := map[models.StageType]bool{}
	positions := map[int]bool{}
	production := 0
	for _, s := range steps {
		if !knownStages[s.StageType] {
			return apperr.New(apperr.CodeInvalidCycleFlow, "unknown stage type %q", s.StageType)
		}
		if seen[s.StageType] {
			return apperr.New(apperr.CodeInvalidCycleFlow, "stage %s appears more than once", s.StageType)
		}
		if positions[s.Position] {
			return apperr.New(apperr.CodeInvalidCycleFlow, "duplicate step position %d", s.Position)
		}
		seen[s.StageType] = true
		positions[s.Position] = true
		if IsProduction(s.StageType) {
			production++
		}
	}
	if production > 1 {
		return apperr.New(apperr.CodeInvalidCycleFlow, "a flow may contain only one of %s or %s", models.StageSewing, models.StageAssembly)
	}
	return nil
}

func (f *Flow) Steps() []models.CycleFlowStep {
	out := make([]models.CycleFlowStep, len(f.steps))
	copy(out, f.steps)
	return out
}

func (f *Flow) First() models.CycleFlowStep { return f.steps[0] }

func (f *Flow) Step(stepID uint) (models.CycleFlowStep, bool) {
	for _, s := range f.steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return models.CycleFlowStep{}, false
}

func (f *Flow) StepFor(stage models.StageType) (models.CycleFlowStep, bool) {
	for _, s := range f.steps {
		if s.StageType == stage {
			return s, true
		}
	}
	return models.CycleFlowStep{}, false
}

func (f *Flow) Contains(stage models.StageType) bool {
	_, ok := f.StepFor(stage)
	return ok
}

// Next returns the step after stepID, or false if stepID is the last one.
func (f *Flow) Next(stepID uint) (models.CycleFlowStep, bool) {
	for i, s := range f.steps {
		if s.ID == stepID && i+1 < len(f.steps) {
			return f.steps[i+1], true
		}
	}
	return models.CycleFlowStep{}, false
}

// After returns the stage that draws from stage, if any.
func (f *Flow) After(stage models.StageType) (models.StageType, bool) {
	i := f.index(stage)
	if i < 0 || i+1 >= len(f.steps) {
		return "", false
	}
	return f.steps[i+1].StageType, true
}

func (f *Flow) IsLast(stepID uint) bool {
	return f.steps[len(f.steps)-1].ID == stepID
}

// Production returns the sewing or assembly stage of the flow, if any.
func (f *Flow) Production() (models.StageType, bool) {
	for _, s := range f.steps {
		if IsProduction(s.StageType) {
			return s.StageType, true
		}
	}
	return "", false
}

// AtOrAfterProduction reports whether stage is the production step or comes
// after it. Alterations can only be pending at such stages.
func (f *Flow) AtOrAfterProduction(stage models.StageType) bool {
	prod, ok := f.Production()
	if !ok {
		return false
	}
	i := f.index(stage)
	return i >= 0 && i >= f.index(prod)
}

// Last returns the final step of the flow.
func (f *Flow) Last() models.CycleFlowStep { return f.steps[len(f.steps)-1] }

func (f *Flow) index(stage models.StageType) int {
	for i, s := range f.steps {
		if s.StageType == stage {
			return i
		}
	}
	return -1
}

// Upstream is the quantity the stage may draw from: the good output of the
// previous step, or the cut count for the first step after cutting.
func (f *Flow) Upstream(stage models.StageType, r models.QuantityRecord) int {
	i := f.index(stage)
	if i <= 0 {
		return r.Cut
	}
	return GoodOutput(f.steps[i-1].StageType, r)
}

// Remaining is what is still waiting to be processed at the stage.
func (f *Flow) Remaining(stage models.StageType, r models.QuantityRecord) int {
	if stage == models.StageCutting {
		return 0
	}
	return f.Upstream(stage, r) - Processed(stage, r)
}

func IsProduction(stage models.StageType) bool {
	return stage == models.StageSewing || stage == models.StageAssembly
}

// GoodOutput is what a stage hands on to the next one.
func GoodOutput(stage models.StageType, r models.QuantityRecord) int {
	switch stage {
	case models.StageCutting:
		return r.Cut
	case models.StageChecking:
		return r.Validated
	case models.StagePreparation:
		return r.Prepared
	case models.StageSewing, models.StageAssembly:
		return r.Completed + r.Repaired
	case models.StageUnload:
		return r.Unloaded
	}
	return 0
}

// Processed counts every piece that has received an outcome at the stage,
// including pieces still in alteration.
func Processed(stage models.StageType, r models.QuantityRecord) int {
	switch stage {
	case models.StageCutting:
		return r.Cut
	case models.StageChecking:
		return r.Validated + r.CheckRejected()
	case models.StagePreparation:
		return r.Prepared
	case models.StageSewing, models.StageAssembly:
		return r.Completed + r.PendingAlter() + r.Repaired + r.RejectedFromAlter
	case models.StageUnload:
		return r.Unloaded
	}
	return 0
}
