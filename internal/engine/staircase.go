package engine

import (
	"math/rand"

	"caliber/internal/config"
	"caliber/internal/domain"
)

// Staircase thresholds: a total at or above stepUpScore raises the tier, at
// or below stepDownScore lowers it, anything strictly between holds.
const (
	stepUpScore   = 7
	stepDownScore = 3
)

// TransitionStep is the pure staircase step function. A nil lastTotal
// (no graded answer yet) holds the current tier.
func TransitionStep(step domain.Step, lastTotal *int) domain.Step {
	if lastTotal == nil {
		return step
	}
	switch {
	case *lastTotal >= stepUpScore:
		switch step {
		case domain.StepEasy:
			return domain.StepMedium
		case domain.StepMedium:
			return domain.StepHard
		}
		return domain.StepHard
	case *lastTotal <= stepDownScore:
		switch step {
		case domain.StepHard:
			return domain.StepMedium
		case domain.StepMedium:
			return domain.StepEasy
		}
		return domain.StepEasy
	default:
		return step
	}
}

// PickBankItem draws uniformly from bank items matching the target tier,
// excluding already-asked ids. Returns nil when the pool is empty; the
// caller decides fallback behavior.
func PickBankItem(bank []config.BankItem, step domain.Step, asked map[string]bool, rng *rand.Rand) *config.BankItem {
	var pool []config.BankItem
	for _, item := range bank {
		if domain.Step(item.Difficulty) != step {
			continue
		}
		if asked[item.ID] {
			continue
		}
		pool = append(pool, item)
	}
	if len(pool) == 0 {
		return nil
	}
	var idx int
	if rng != nil {
		idx = rng.Intn(len(pool))
	} else {
		idx = rand.Intn(len(pool))
	}
	item := pool[idx]
	return &item
}
