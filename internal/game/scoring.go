package game

import (
	"math"

	"quidle-live-service/internal/domain"
)

// Score computes the award for one submission. Half of maxPoints is a flat
// correctness bonus; the other half decays linearly with the fraction of
// the time window consumed, floored at zero. An instant correct answer
// earns maxPoints exactly; one at the limit earns round(maxPoints/2).
func Score(correct bool, timeTakenMs, timeLimitMs int64, maxPoints int) int {
	if !correct {
		return 0
	}
	ratio := 0.0
	if timeLimitMs > 0 {
		ratio = 1 - float64(timeTakenMs)/float64(timeLimitMs)
	}
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	base := float64(maxPoints) * 0.5
	return int(math.Round(base + base*ratio))
}

// EvaluateSelection decides correctness for a submission. Single and
// boolean questions accept exactly one option id matching the unique
// correct option. Multi questions require the submitted set to equal the
// correct set exactly; subsets, supersets, and disjoint sets all fail.
// Any option id outside the question yields ErrOptionNotFound.
func EvaluateSelection(q domain.Question, optionIDs []string) (bool, error) {
	if len(optionIDs) == 0 {
		return false, domain.ErrOptionNotFound
	}

	known := make(map[string]bool, len(q.Options))
	correct := make(map[string]bool)
	for _, opt := range q.Options {
		known[opt.ID] = true
		if opt.Correct {
			correct[opt.ID] = true
		}
	}
	for _, id := range optionIDs {
		if !known[id] {
			return false, domain.ErrOptionNotFound
		}
	}

	if q.Type == domain.QuestionMulti {
		if len(optionIDs) != len(correct) {
			return false, nil
		}
		seen := make(map[string]bool, len(optionIDs))
		for _, id := range optionIDs {
			if seen[id] {
				return false, nil // duplicate selection can never match the set
			}
			seen[id] = true
			if !correct[id] {
				return false, nil
			}
		}
		return true, nil
	}

	if len(optionIDs) != 1 {
		return false, nil
	}
	return correct[optionIDs[0]], nil
}
