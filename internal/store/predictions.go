package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"memoryd/internal/logging"
	"memoryd/internal/types"
)

// =============================================================================
// PREDICTION CACHE COLLECTION
// =============================================================================

// GetCachedPredictions returns a live cache entry for (principal, key), or
// nil when absent or expired. A hit increments hit_count.
func (s *Store) GetCachedPredictions(principalID, cacheKey string, now time.Time) (*types.PredictionCacheEntry, error) {
	var (
		entry           types.PredictionCacheEntry
		predictionsJSON string
	)
	err := s.db.QueryRow(`
		SELECT principal_id, cache_key, predictions, context_hash, expires_at, hit_count
		FROM prediction_cache
		WHERE principal_id = ? AND cache_key = ?`,
		principalID, cacheKey,
	).Scan(&entry.PrincipalID, &entry.CacheKey, &predictionsJSON,
		&entry.ContextHash, &entry.ExpiresAt, &entry.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !entry.ExpiresAt.After(now) {
		// Lazy expiry: delete on observation.
		s.writeMu.Lock()
		_, _ = s.db.Exec(
			"DELETE FROM prediction_cache WHERE principal_id = ? AND cache_key = ?",
			principalID, cacheKey,
		)
		s.writeMu.Unlock()
		return nil, nil
	}

	if err := json.Unmarshal([]byte(predictionsJSON), &entry.Predictions); err != nil {
		return nil, fmt.Errorf("corrupt cached predictions for %s: %w", cacheKey, err)
	}

	s.writeMu.Lock()
	_, _ = s.db.Exec(
		"UPDATE prediction_cache SET hit_count = hit_count + 1 WHERE principal_id = ? AND cache_key = ?",
		principalID, cacheKey,
	)
	s.writeMu.Unlock()
	entry.HitCount++

	logging.PredictorDebug("Prediction cache hit for %s/%s (hits=%d)", principalID, cacheKey, entry.HitCount)
	return &entry, nil
}

// PutCachedPredictions stores or replaces a cache entry.
func (s *Store) PutCachedPredictions(entry *types.PredictionCacheEntry) error {
	predictionsJSON, err := json.Marshal(entry.Predictions)
	if err != nil {
		return fmt.Errorf("failed to marshal predictions: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO prediction_cache (principal_id, cache_key, predictions, context_hash, expires_at, hit_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(principal_id, cache_key) DO UPDATE SET
			predictions = excluded.predictions,
			context_hash = excluded.context_hash,
			expires_at = excluded.expires_at,
			hit_count = 0`,
		entry.PrincipalID, entry.CacheKey, string(predictionsJSON),
		entry.ContextHash, entry.ExpiresAt,
	)
	return err
}

// InvalidatePredictions drops every cached prediction for a principal.
// Called on memory update and delete.
func (s *Store) InvalidatePredictions(principalID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(
		"DELETE FROM prediction_cache WHERE principal_id = ?", principalID,
	)
	if err != nil {
		return err
	}
	dropped, _ := result.RowsAffected()
	if dropped > 0 {
		logging.PredictorDebug("Invalidated %d cached predictions for %s", dropped, principalID)
	}
	return nil
}

// EvictExpiredPredictions removes every entry past its TTL. Called by the
// scheduler to bound cache growth.
func (s *Store) EvictExpiredPredictions(now time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(
		"DELETE FROM prediction_cache WHERE expires_at <= ?", now,
	)
	if err != nil {
		return 0, err
	}
	evicted, _ := result.RowsAffected()
	if evicted > 0 {
		logging.Predictor("Evicted %d expired prediction cache entries", evicted)
	}
	return evicted, nil
}
