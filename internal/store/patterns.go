package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"memoryd/internal/logging"
	"memoryd/internal/types"
)

// =============================================================================
// TEMPORAL PATTERN COLLECTION
// =============================================================================

const patternColumns = `id, principal_id, pattern_type, pattern_data, confidence, occurrences, first_seen, last_seen`

// UpsertPattern applies the idempotent merge rule: a candidate already known
// under its identity key (principal, type, canonical data) gains one
// occurrence, a fresh last_seen, and confidence +0.05 capped at 1.0; an
// unknown candidate is inserted with occurrences=1, confidence=0.5.
func (s *Store) UpsertPattern(principalID string, patternType types.PatternType, data types.Attr, now time.Time) error {
	return s.UpsertPatternKeyed(principalID, patternType, data, data, now)
}

// UpsertPatternKeyed is UpsertPattern with the identity key decoupled from
// the stored data. Attributes outside the key, such as observed counts, are
// refreshed on every merge without changing which row the candidate hits.
func (s *Store) UpsertPatternKeyed(principalID string, patternType types.PatternType, key, data types.Attr, now time.Time) error {
	timer := logging.StartTimer(logging.CategoryPatterns, "UpsertPattern")
	defer timer.Stop()

	canonicalKey := key.Canonical()
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern data: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO temporal_patterns (id, principal_id, pattern_type, pattern_key, pattern_data,
			confidence, occurrences, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, 0.5, 1, ?, ?)
		ON CONFLICT(principal_id, pattern_type, pattern_key) DO UPDATE SET
			occurrences = occurrences + 1,
			last_seen = excluded.last_seen,
			confidence = MIN(1.0, confidence + 0.05),
			pattern_data = excluded.pattern_data`,
		uuid.NewString(), principalID, string(patternType), canonicalKey, string(dataJSON),
		now, now,
	)
	if err != nil {
		logging.Get(logging.CategoryPatterns).Error("UpsertPattern failed for %s/%s: %v", principalID, patternType, err)
		return err
	}
	logging.PatternsDebug("Upserted %s pattern for %s (key=%s)", patternType, principalID, canonicalKey)
	return nil
}

// PatternsByType returns a principal's patterns of one type, most confident
// first.
func (s *Store) PatternsByType(principalID string, patternType types.PatternType) ([]*types.TemporalPattern, error) {
	return s.queryPatterns(
		"SELECT "+patternColumns+" FROM temporal_patterns WHERE principal_id = ? AND pattern_type = ? ORDER BY confidence DESC, id",
		principalID, string(patternType),
	)
}

// Patterns returns all patterns of a principal.
func (s *Store) Patterns(principalID string) ([]*types.TemporalPattern, error) {
	return s.queryPatterns(
		"SELECT "+patternColumns+" FROM temporal_patterns WHERE principal_id = ? ORDER BY pattern_type, confidence DESC, id",
		principalID,
	)
}

// GetPattern looks a pattern up by its identity key.
func (s *Store) GetPattern(principalID string, patternType types.PatternType, data types.Attr) (*types.TemporalPattern, error) {
	row := s.db.QueryRow(
		"SELECT "+patternColumns+" FROM temporal_patterns WHERE principal_id = ? AND pattern_type = ? AND pattern_key = ?",
		principalID, string(patternType), data.Canonical(),
	)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("pattern %s/%s", principalID, patternType)
	}
	return p, err
}

func (s *Store) queryPatterns(query string, args ...interface{}) ([]*types.TemporalPattern, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*types.TemporalPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func scanPattern(row rowScanner) (*types.TemporalPattern, error) {
	var p types.TemporalPattern
	var patternType, dataJSON string
	err := row.Scan(&p.ID, &p.PrincipalID, &patternType, &dataJSON,
		&p.Confidence, &p.Occurrences, &p.FirstSeen, &p.LastSeen)
	if err != nil {
		return nil, err
	}
	p.PatternType = types.PatternType(patternType)
	if err := json.Unmarshal([]byte(dataJSON), &p.PatternData); err != nil {
		return nil, fmt.Errorf("corrupt pattern_data on %s: %w", p.ID, err)
	}
	return &p, nil
}

// =============================================================================
// ACCESS HISTORY
// =============================================================================

// AccessEventsSince returns a principal's access history from oldest to
// newest, starting at the given time. The miner consumes this to detect
// sequences and co-access pairs.
func (s *Store) AccessEventsSince(principalID string, since time.Time, limit int) ([]types.AccessEvent, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.Query(`
		SELECT principal_id, memory_id, context, accessed_at
		FROM access_log
		WHERE principal_id = ? AND accessed_at >= ?
		ORDER BY accessed_at, id
		LIMIT ?`,
		principalID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.AccessEvent
	for rows.Next() {
		var e types.AccessEvent
		if err := rows.Scan(&e.PrincipalID, &e.MemoryID, &e.Context, &e.AccessedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneAccessLog removes history older than the cutoff. Called by the
// scheduler so the log does not grow without bound.
func (s *Store) PruneAccessLog(cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec("DELETE FROM access_log WHERE accessed_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	pruned, _ := result.RowsAffected()
	if pruned > 0 {
		logging.Store("Pruned %d access log rows older than %s", pruned, cutoff.Format(time.RFC3339))
	}
	return pruned, nil
}
