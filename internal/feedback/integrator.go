// Package feedback integrates explicit helpfulness signals into memory
// scores and evolves the per-principal weight vector from the accumulated
// feedback statistics.
package feedback

import (
	"math"
	"time"

	"memoryd/internal/logging"
	"memoryd/internal/store"
	"memoryd/internal/types"
)

// Smoothing factor for the satisfaction EMA and score deltas.
const (
	emaAlpha      = 0.3
	positiveDelta = 0.10
	negativeDelta = 0.05
)

// Signal is one explicit feedback event on a memory.
type Signal struct {
	Helpful      bool
	Satisfaction *float64 // optional, [0,1]
	Context      string
}

// Integrator applies feedback to memories and weight records.
type Integrator struct {
	store *store.Store
}

// NewIntegrator creates a feedback integrator over the store.
func NewIntegrator(s *store.Store) *Integrator {
	return &Integrator{store: s}
}

// Apply updates the memory's helpfulness score from the signal and returns
// the new score. Side effects: the principal's feedback counters move, a
// provided satisfaction feeds the avg_search_satisfaction EMA, and the
// weight vector re-evaluates when an adaptation epoch boundary is due.
func (i *Integrator) Apply(principalID, memoryID string, sig Signal) (float64, error) {
	timer := logging.StartTimer(logging.CategoryFeedback, "Apply")
	defer timer.Stop()

	if sig.Satisfaction != nil && (*sig.Satisfaction < 0 || *sig.Satisfaction > 1) {
		return 0, types.InvalidInputf("satisfaction %f outside [0,1]", *sig.Satisfaction)
	}

	newScore, err := i.store.ApplyHelpfulness(principalID, memoryID, func(s float64) float64 {
		return nextScore(s, sig)
	})
	if err != nil {
		return 0, err
	}

	_, err = i.store.MutateWeights(principalID, func(w *types.LearningWeights) {
		if sig.Helpful {
			w.PositiveFeedbackCount++
		} else {
			w.NegativeFeedbackCount++
		}
		if sig.Satisfaction != nil {
			w.AvgSearchSatisfaction = emaAlpha**sig.Satisfaction + (1-emaAlpha)*w.AvgSearchSatisfaction
		}
		maybeAdapt(w, time.Now().UTC())
	})
	if err != nil {
		return 0, err
	}

	logging.FeedbackDebug("Applied feedback on %s: helpful=%v score=%.3f", memoryID, sig.Helpful, newScore)
	return newScore, nil
}

// nextScore evaluates the update rule on the current score.
func nextScore(current float64, sig Signal) float64 {
	if sig.Satisfaction != nil {
		return emaAlpha**sig.Satisfaction + (1-emaAlpha)*current
	}
	if sig.Helpful {
		return math.Min(1.0, current+positiveDelta)
	}
	return math.Max(0.0, current-negativeDelta)
}

// NoteSearch bumps total_searches for the principal and re-evaluates the
// weights on epoch boundaries. Called by the ranker once per search.
func (i *Integrator) NoteSearch(principalID string) (types.LearningWeights, error) {
	return i.store.MutateWeights(principalID, func(w *types.LearningWeights) {
		w.TotalSearches++
		maybeAdapt(w, time.Now().UTC())
	})
}

// maybeAdapt re-evaluates the weight vector once every 10 searches. The
// LastAdaptedSearches guard keeps an epoch from firing twice when both the
// search and feedback paths observe the same counter value.
func maybeAdapt(w *types.LearningWeights, now time.Time) {
	if w.TotalSearches == 0 || w.TotalSearches%10 != 0 || w.TotalSearches == w.LastAdaptedSearches {
		return
	}

	total := float64(w.TotalSearches)
	negRatio := float64(w.NegativeFeedbackCount) / math.Max(1, total)
	posRatio := float64(w.PositiveFeedbackCount) / math.Max(1, total)

	before := *w
	if negRatio > 0.30 {
		w.HelpfulnessWeight = math.Min(0.80, w.HelpfulnessWeight+0.05)
	}
	if posRatio > 0.70 {
		w.UsageWeight = math.Max(0.20, w.UsageWeight-0.05)
	}
	w.LastWeightUpdate = now
	w.LastAdaptedSearches = w.TotalSearches

	if before.HelpfulnessWeight != w.HelpfulnessWeight || before.UsageWeight != w.UsageWeight {
		logging.Feedback("Adapted weights for %s at %d searches: helpfulness %.2f->%.2f usage %.2f->%.2f (neg_ratio=%.2f pos_ratio=%.2f)",
			w.PrincipalID, w.TotalSearches,
			before.HelpfulnessWeight, w.HelpfulnessWeight,
			before.UsageWeight, w.UsageWeight,
			negRatio, posRatio)
	}
}
