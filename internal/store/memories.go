package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"memoryd/internal/embedding"
	"memoryd/internal/logging"
	"memoryd/internal/types"
)

// =============================================================================
// MEMORY COLLECTION
// =============================================================================

const memoryColumns = `id, principal_id, text, tags, metadata, source, project_id,
	created_at, updated_at, usage_count, last_accessed, helpfulness_score,
	access_pattern, embedding`

// InsertMemory persists a new memory record.
func (s *Store) InsertMemory(m *types.Memory) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertMemory")
	defer timer.Stop()

	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	patternJSON, err := json.Marshal(m.AccessPattern)
	if err != nil {
		return fmt.Errorf("failed to marshal access pattern: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO memories (id, principal_id, text, tags, metadata, source, project_id,
			created_at, updated_at, usage_count, last_accessed, helpfulness_score,
			access_pattern, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PrincipalID, m.Text, string(tagsJSON), string(metaJSON),
		m.Source, m.ProjectID, m.CreatedAt, m.UpdatedAt,
		m.UsageCount, m.LastAccessed, m.HelpfulnessScore, string(patternJSON), encodeVector(m.Embedding),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("InsertMemory %s failed: %v", m.ID, err)
		return err
	}
	logging.StoreDebug("Inserted memory %s for principal %s", m.ID, m.PrincipalID)
	return nil
}

// GetMemory returns the memory by id, scoped to the principal.
func (s *Store) GetMemory(principalID, id string) (*types.Memory, error) {
	row := s.db.QueryRow(
		"SELECT "+memoryColumns+" FROM memories WHERE principal_id = ? AND id = ?",
		principalID, id,
	)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("memory %s", id)
	}
	return m, err
}

// UpdateMemory rewrites the content-bearing fields of a memory. Learning
// state (usage count, helpfulness, access pattern) is untouched; those
// fields are mutated only through RecordAccess and ApplyHelpfulness.
func (s *Store) UpdateMemory(m *types.Memory) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpdateMemory")
	defer timer.Stop()

	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(`
		UPDATE memories
		SET text = ?, tags = ?, metadata = ?, source = ?, project_id = ?,
			updated_at = ?, embedding = ?
		WHERE principal_id = ? AND id = ?`,
		m.Text, string(tagsJSON), string(metaJSON), m.Source, m.ProjectID,
		m.UpdatedAt, encodeVector(m.Embedding), m.PrincipalID, m.ID,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return types.NotFoundf("memory %s", m.ID)
	}
	return nil
}

// DeleteMemory removes a memory. Relationships cascade via foreign keys;
// access history and cached predictions for the principal are cleared too.
func (s *Store) DeleteMemory(principalID, id string) error {
	timer := logging.StartTimer(logging.CategoryStore, "DeleteMemory")
	defer timer.Stop()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(
		"DELETE FROM memories WHERE principal_id = ? AND id = ?",
		principalID, id,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return types.NotFoundf("memory %s", id)
	}

	// Relationship rows without FK enforcement would linger; sweep both
	// directions explicitly so the cascade holds regardless of pragma state.
	if _, err := s.db.Exec(
		"DELETE FROM relationships WHERE from_id = ? OR to_id = ?", id, id,
	); err != nil {
		logging.Get(logging.CategoryStore).Warn("Relationship sweep for %s failed: %v", id, err)
	}
	if _, err := s.db.Exec("DELETE FROM access_log WHERE memory_id = ?", id); err != nil {
		logging.Get(logging.CategoryStore).Warn("Access log sweep for %s failed: %v", id, err)
	}
	if _, err := s.db.Exec(
		"DELETE FROM prediction_cache WHERE principal_id = ?", principalID,
	); err != nil {
		logging.Get(logging.CategoryStore).Warn("Prediction cache invalidation for %s failed: %v", principalID, err)
	}

	logging.StoreDebug("Deleted memory %s for principal %s", id, principalID)
	return nil
}

// ListMemories returns memories for a principal, optionally filtered by
// project, with limit/offset paging. A limit <= 0 means no limit.
func (s *Store) ListMemories(principalID, projectID string, limit, offset int) ([]*types.Memory, error) {
	query := "SELECT " + memoryColumns + " FROM memories WHERE principal_id = ?"
	args := []interface{}{principalID}
	if projectID != "" {
		query += " AND project_id = ?"
		args = append(args, projectID)
	}
	query += " ORDER BY created_at DESC, id"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// CountMemories returns the number of memories owned by a principal.
func (s *Store) CountMemories(principalID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM memories WHERE principal_id = ?", principalID,
	).Scan(&count)
	return count, err
}

// =============================================================================
// USAGE TRACKING
// =============================================================================

// RecordAccess atomically increments usage_count, stamps last_accessed, and
// bumps the per-context tally. One call equals exactly one increment; the
// count bump is a single SQL-side operation so concurrent calls never lose
// updates. Also appends one access_log row for the pattern miner.
func (s *Store) RecordAccess(principalID, memoryID, context string, now time.Time) error {
	timer := logging.StartTimer(logging.CategoryTracker, "RecordAccess")
	defer timer.StopWithThreshold(100 * time.Millisecond)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(`
		UPDATE memories
		SET usage_count = usage_count + 1, last_accessed = ?
		WHERE principal_id = ? AND id = ?`,
		now, principalID, memoryID,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return types.NotFoundf("memory %s", memoryID)
	}

	if context != "" {
		if err := s.bumpAccessContext(principalID, memoryID, context); err != nil {
			// The counter already moved; a lost context tally is logged, not fatal.
			logging.Get(logging.CategoryTracker).Warn("Context tally for %s/%s failed: %v", memoryID, context, err)
		}
	}

	if _, err := s.db.Exec(
		"INSERT INTO access_log (principal_id, memory_id, context, accessed_at) VALUES (?, ?, ?, ?)",
		principalID, memoryID, context, now,
	); err != nil {
		logging.Get(logging.CategoryTracker).Warn("Access log append for %s failed: %v", memoryID, err)
	}

	return nil
}

// bumpAccessContext increments access_pattern.contexts[label] by 1.
// Callers hold writeMu.
func (s *Store) bumpAccessContext(principalID, memoryID, label string) error {
	var raw string
	err := s.db.QueryRow(
		"SELECT access_pattern FROM memories WHERE principal_id = ? AND id = ?",
		principalID, memoryID,
	).Scan(&raw)
	if err != nil {
		return err
	}

	var pattern types.AccessPattern
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &pattern); err != nil {
			return fmt.Errorf("corrupt access_pattern on %s: %w", memoryID, err)
		}
	}
	if pattern.Contexts == nil {
		pattern.Contexts = make(map[string]int64)
	}
	pattern.Contexts[label]++

	updated, err := json.Marshal(pattern)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		"UPDATE memories SET access_pattern = ? WHERE principal_id = ? AND id = ?",
		string(updated), principalID, memoryID,
	)
	return err
}

// ApplyHelpfulness runs an atomic read-modify-write on the helpfulness
// score. The update function receives the current score and returns the new
// one; the result is persisted and returned.
func (s *Store) ApplyHelpfulness(principalID, memoryID string, update func(current float64) float64) (float64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var current float64
	err := s.db.QueryRow(
		"SELECT helpfulness_score FROM memories WHERE principal_id = ? AND id = ?",
		principalID, memoryID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, types.NotFoundf("memory %s", memoryID)
	}
	if err != nil {
		return 0, err
	}
	if current < 0 || current > 1 {
		logging.Get(logging.CategoryStore).Error("helpfulness_score out of range on %s: %f", memoryID, current)
		return 0, types.Internalf("helpfulness_score out of range on %s: %f", memoryID, current)
	}

	next := update(current)
	_, err = s.db.Exec(
		"UPDATE memories SET helpfulness_score = ? WHERE principal_id = ? AND id = ?",
		next, principalID, memoryID,
	)
	if err != nil {
		return 0, err
	}
	return next, nil
}

// =============================================================================
// EMBEDDINGS AND KNN
// =============================================================================

// SetEmbedding stores a freshly generated embedding for a memory.
func (s *Store) SetEmbedding(principalID, memoryID string, vec []float32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(
		"UPDATE memories SET embedding = ? WHERE principal_id = ? AND id = ?",
		encodeVector(vec), principalID, memoryID,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return types.NotFoundf("memory %s", memoryID)
	}
	return nil
}

// MemoriesWithoutEmbedding returns up to limit memories that have no stored
// embedding, for the re-embed backfill.
func (s *Store) MemoriesWithoutEmbedding(principalID string, limit int) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		"SELECT "+memoryColumns+" FROM memories WHERE principal_id = ? AND embedding IS NULL LIMIT ?",
		principalID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// ScoredMemory is a memory with its cosine similarity to a query vector.
type ScoredMemory struct {
	Memory     *types.Memory
	Similarity float64
}

// NearestMemories returns up to limit memories of a principal ranked by
// cosine similarity to the query vector. Uses sqlite-vec's distance
// function when the extension is loaded, otherwise falls back to an
// in-process scan. Memories without an embedding are skipped.
func (s *Store) NearestMemories(principalID string, query []float32, limit int) ([]ScoredMemory, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NearestMemories")
	defer timer.StopWithThreshold(500 * time.Millisecond)

	if limit <= 0 {
		limit = 10
	}

	if s.vectorExt {
		return s.nearestMemoriesVec(principalID, query, limit)
	}
	return s.nearestMemoriesScan(principalID, query, limit)
}

// nearestMemoriesVec ranks SQL-side via vec_distance_cosine.
func (s *Store) nearestMemoriesVec(principalID string, query []float32, limit int) ([]ScoredMemory, error) {
	rows, err := s.db.Query(`
		SELECT `+memoryColumns+`, vec_distance_cosine(embedding, ?) AS distance
		FROM memories
		WHERE principal_id = ? AND embedding IS NOT NULL
		ORDER BY distance ASC, id
		LIMIT ?`,
		encodeVector(query), principalID, limit,
	)
	if err != nil {
		// The extension may reject mismatched dimensions; degrade to the scan.
		logging.Get(logging.CategoryStore).Warn("vec KNN failed, falling back to scan: %v", err)
		return s.nearestMemoriesScan(principalID, query, limit)
	}
	defer rows.Close()

	var results []ScoredMemory
	for rows.Next() {
		m, distance, err := scanMemoryWithDistance(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredMemory{Memory: m, Similarity: 1 - distance})
	}
	return results, rows.Err()
}

// nearestMemoriesScan is the full-scan cosine fallback.
func (s *Store) nearestMemoriesScan(principalID string, query []float32, limit int) ([]ScoredMemory, error) {
	rows, err := s.db.Query(
		"SELECT "+memoryColumns+" FROM memories WHERE principal_id = ? AND embedding IS NOT NULL",
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []ScoredMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		sim, err := embedding.CosineSimilarity(query, m.Embedding)
		if err != nil {
			// Dimension mismatch: skip, never block the query.
			continue
		}
		candidates = append(candidates, ScoredMemory{Memory: m, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Partial selection sort for the top results.
	for i := 0; i < len(candidates) && i < limit; i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].Similarity > candidates[i].Similarity ||
				(candidates[j].Similarity == candidates[i].Similarity &&
					candidates[j].Memory.ID < candidates[i].Memory.ID) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// =============================================================================
// ROW SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		m            types.Memory
		tagsJSON     string
		metaJSON     sql.NullString
		lastAccessed sql.NullTime
		patternJSON  string
		embeddingRaw []byte
	)
	err := row.Scan(
		&m.ID, &m.PrincipalID, &m.Text, &tagsJSON, &metaJSON, &m.Source,
		&m.ProjectID, &m.CreatedAt, &m.UpdatedAt, &m.UsageCount,
		&lastAccessed, &m.HelpfulnessScore, &patternJSON, &embeddingRaw,
	)
	if err != nil {
		return nil, err
	}
	return finishMemoryScan(&m, tagsJSON, metaJSON, lastAccessed, patternJSON, embeddingRaw)
}

func scanMemoryWithDistance(row rowScanner) (*types.Memory, float64, error) {
	var (
		m            types.Memory
		tagsJSON     string
		metaJSON     sql.NullString
		lastAccessed sql.NullTime
		patternJSON  string
		embeddingRaw []byte
		distance     float64
	)
	err := row.Scan(
		&m.ID, &m.PrincipalID, &m.Text, &tagsJSON, &metaJSON, &m.Source,
		&m.ProjectID, &m.CreatedAt, &m.UpdatedAt, &m.UsageCount,
		&lastAccessed, &m.HelpfulnessScore, &patternJSON, &embeddingRaw,
		&distance,
	)
	if err != nil {
		return nil, 0, err
	}
	mem, err := finishMemoryScan(&m, tagsJSON, metaJSON, lastAccessed, patternJSON, embeddingRaw)
	return mem, distance, err
}

func finishMemoryScan(m *types.Memory, tagsJSON string, metaJSON sql.NullString, lastAccessed sql.NullTime, patternJSON string, embeddingRaw []byte) (*types.Memory, error) {
	if m.HelpfulnessScore < 0 || m.HelpfulnessScore > 1 {
		logging.Get(logging.CategoryStore).Error("helpfulness_score out of range on %s: %f", m.ID, m.HelpfulnessScore)
		return nil, types.Internalf("helpfulness_score out of range on %s: %f", m.ID, m.HelpfulnessScore)
	}
	if m.UsageCount < 0 {
		logging.Get(logging.CategoryStore).Error("usage_count negative on %s: %d", m.ID, m.UsageCount)
		return nil, types.Internalf("usage_count negative on %s: %d", m.ID, m.UsageCount)
	}

	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags on %s: %w", m.ID, err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata on %s: %w", m.ID, err)
		}
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		m.LastAccessed = &t
	}
	if patternJSON != "" && patternJSON != "{}" {
		if err := json.Unmarshal([]byte(patternJSON), &m.AccessPattern); err != nil {
			return nil, fmt.Errorf("corrupt access_pattern on %s: %w", m.ID, err)
		}
	}
	vec, err := decodeVector(embeddingRaw)
	if err != nil {
		return nil, fmt.Errorf("corrupt embedding on %s: %w", m.ID, err)
	}
	m.Embedding = vec
	return m, nil
}
