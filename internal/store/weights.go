package store

import (
	"database/sql"
	"errors"
	"time"

	"memoryd/internal/logging"
	"memoryd/internal/types"
)

// =============================================================================
// LEARNING WEIGHTS COLLECTION
// =============================================================================

const weightsColumns = `principal_id, usage_weight, recency_weight, helpfulness_weight,
	relationship_weight, total_searches, positive_feedback_count, negative_feedback_count,
	avg_search_satisfaction, last_weight_update, last_adapted_searches`

// GetWeights returns the principal's weight record, creating it lazily with
// defaults on first access.
func (s *Store) GetWeights(principalID string) (types.LearningWeights, error) {
	w, err := s.readWeights(principalID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return types.LearningWeights{}, err
	}

	w = types.DefaultLearningWeights(principalID)
	w.LastWeightUpdate = time.Now().UTC()
	if err := s.saveWeightsLocked(&w, true); err != nil {
		// A concurrent first access may have won the insert; re-read.
		if isUniqueViolation(err) {
			return s.readWeights(principalID)
		}
		return types.LearningWeights{}, err
	}
	logging.StoreDebug("Created default learning weights for principal %s", principalID)
	return w, nil
}

// MutateWeights runs a read-modify-write on the weight record under
// per-principal serialization. The mutate function receives the current
// record (defaults if none exists) and edits it in place.
func (s *Store) MutateWeights(principalID string, mutate func(*types.LearningWeights)) (types.LearningWeights, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w, err := s.readWeights(principalID)
	if errors.Is(err, sql.ErrNoRows) {
		w = types.DefaultLearningWeights(principalID)
		w.LastWeightUpdate = time.Now().UTC()
	} else if err != nil {
		return types.LearningWeights{}, err
	}

	mutate(&w)
	clampWeights(&w)

	if err := s.saveWeightsLocked(&w, false); err != nil {
		return types.LearningWeights{}, err
	}
	return w, nil
}

// IncrementSearches bumps total_searches by 1 and returns the updated record.
func (s *Store) IncrementSearches(principalID string) (types.LearningWeights, error) {
	return s.MutateWeights(principalID, func(w *types.LearningWeights) {
		w.TotalSearches++
	})
}

func (s *Store) readWeights(principalID string) (types.LearningWeights, error) {
	var w types.LearningWeights
	err := s.db.QueryRow(
		"SELECT "+weightsColumns+" FROM learning_weights WHERE principal_id = ?",
		principalID,
	).Scan(
		&w.PrincipalID, &w.UsageWeight, &w.RecencyWeight, &w.HelpfulnessWeight,
		&w.RelationshipWeight, &w.TotalSearches, &w.PositiveFeedbackCount,
		&w.NegativeFeedbackCount, &w.AvgSearchSatisfaction, &w.LastWeightUpdate,
		&w.LastAdaptedSearches,
	)
	return w, err
}

// saveWeightsLocked persists the record. insertOnly guards lazy creation
// against racing first accesses.
func (s *Store) saveWeightsLocked(w *types.LearningWeights, insertOnly bool) error {
	if insertOnly {
		_, err := s.db.Exec(`
			INSERT INTO learning_weights (`+weightsColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.PrincipalID, w.UsageWeight, w.RecencyWeight, w.HelpfulnessWeight,
			w.RelationshipWeight, w.TotalSearches, w.PositiveFeedbackCount,
			w.NegativeFeedbackCount, w.AvgSearchSatisfaction, w.LastWeightUpdate,
			w.LastAdaptedSearches,
		)
		return err
	}
	_, err := s.db.Exec(`
		INSERT INTO learning_weights (`+weightsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			usage_weight = excluded.usage_weight,
			recency_weight = excluded.recency_weight,
			helpfulness_weight = excluded.helpfulness_weight,
			relationship_weight = excluded.relationship_weight,
			total_searches = excluded.total_searches,
			positive_feedback_count = excluded.positive_feedback_count,
			negative_feedback_count = excluded.negative_feedback_count,
			avg_search_satisfaction = excluded.avg_search_satisfaction,
			last_weight_update = excluded.last_weight_update,
			last_adapted_searches = excluded.last_adapted_searches`,
		w.PrincipalID, w.UsageWeight, w.RecencyWeight, w.HelpfulnessWeight,
		w.RelationshipWeight, w.TotalSearches, w.PositiveFeedbackCount,
		w.NegativeFeedbackCount, w.AvgSearchSatisfaction, w.LastWeightUpdate,
		w.LastAdaptedSearches,
	)
	return err
}

// clampWeights keeps every weight and the satisfaction EMA inside [0,1].
func clampWeights(w *types.LearningWeights) {
	clamp := func(v *float64) {
		if *v < 0 {
			*v = 0
		}
		if *v > 1 {
			*v = 1
		}
	}
	clamp(&w.UsageWeight)
	clamp(&w.RecencyWeight)
	clamp(&w.HelpfulnessWeight)
	clamp(&w.RelationshipWeight)
	clamp(&w.AvgSearchSatisfaction)
}
