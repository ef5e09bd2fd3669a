package store

import (
	"database/sql"
	"errors"
	"strings"

	"memoryd/internal/logging"
	"memoryd/internal/types"
)

// =============================================================================
// RELATIONSHIP COLLECTION
// =============================================================================

const relationshipColumns = `id, principal_id, from_id, to_id, type, strength, explanation, created_at`

// InsertRelationship persists a new edge. Both endpoints must exist and
// belong to the principal. A duplicate (from, to) pair is a Conflict.
func (s *Store) InsertRelationship(r *types.Relationship) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertRelationship")
	defer timer.Stop()

	if err := s.checkEndpoints(r); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO relationships (id, principal_id, from_id, to_id, type, strength, explanation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PrincipalID, r.FromID, r.ToID, string(r.Type), r.Strength,
		r.Explanation, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.Conflictf("relationship %s -> %s already exists", r.FromID, r.ToID)
		}
		return err
	}
	logging.StoreDebug("Inserted relationship %s -> %s (%s)", r.FromID, r.ToID, r.Type)
	return nil
}

// UpsertRelationship inserts an edge or, when the (from, to) pair already
// exists, reinforces it: strength rises by 0.1 capped at 1.0. Used by the
// relationship suggester's auto-apply so repeated application is idempotent
// in edge set.
func (s *Store) UpsertRelationship(r *types.Relationship) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertRelationship")
	defer timer.Stop()

	if err := s.checkEndpoints(r); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO relationships (id, principal_id, from_id, to_id, type, strength, explanation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id) DO UPDATE SET
			strength = MIN(1.0, strength + 0.1)`,
		r.ID, r.PrincipalID, r.FromID, r.ToID, string(r.Type), r.Strength,
		r.Explanation, r.CreatedAt,
	)
	return err
}

// checkEndpoints verifies both endpoints exist and share the principal.
func (s *Store) checkEndpoints(r *types.Relationship) error {
	if r.FromID == r.ToID {
		return types.InvalidInputf("relationship endpoints must differ")
	}
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM memories WHERE principal_id = ? AND id IN (?, ?)",
		r.PrincipalID, r.FromID, r.ToID,
	).Scan(&count)
	if err != nil {
		return err
	}
	if count != 2 {
		return types.NotFoundf("relationship endpoint missing for %s -> %s", r.FromID, r.ToID)
	}
	return nil
}

// GetRelationship returns an edge by id.
func (s *Store) GetRelationship(principalID, id string) (*types.Relationship, error) {
	row := s.db.QueryRow(
		"SELECT "+relationshipColumns+" FROM relationships WHERE principal_id = ? AND id = ?",
		principalID, id,
	)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("relationship %s", id)
	}
	return r, err
}

// RelationshipsFrom returns outbound edges of a memory.
func (s *Store) RelationshipsFrom(principalID, fromID string) ([]*types.Relationship, error) {
	return s.queryRelationships(
		"SELECT "+relationshipColumns+" FROM relationships WHERE principal_id = ? AND from_id = ? ORDER BY strength DESC, id",
		principalID, fromID,
	)
}

// RelationshipsOf returns all edges touching a memory in either direction.
func (s *Store) RelationshipsOf(principalID, memoryID string) ([]*types.Relationship, error) {
	return s.queryRelationships(
		"SELECT "+relationshipColumns+" FROM relationships WHERE principal_id = ? AND (from_id = ? OR to_id = ?) ORDER BY strength DESC, id",
		principalID, memoryID, memoryID,
	)
}

// Relationships returns all edges of a principal.
func (s *Store) Relationships(principalID string) ([]*types.Relationship, error) {
	return s.queryRelationships(
		"SELECT "+relationshipColumns+" FROM relationships WHERE principal_id = ? ORDER BY created_at, id",
		principalID,
	)
}

// DeleteRelationship removes an edge by id.
func (s *Store) DeleteRelationship(principalID, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(
		"DELETE FROM relationships WHERE principal_id = ? AND id = ?",
		principalID, id,
	)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return types.NotFoundf("relationship %s", id)
	}
	return nil
}

// CountBrokenReferences counts edges whose from or to no longer resolves to
// a memory. With cascades enforced this stays zero; the maintenance
// analyzer still reports it for databases written before enforcement.
func (s *Store) CountBrokenReferences(principalID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM relationships r
		LEFT JOIN memories mf ON mf.id = r.from_id
		LEFT JOIN memories mt ON mt.id = r.to_id
		WHERE r.principal_id = ? AND (mf.id IS NULL OR mt.id IS NULL)`,
		principalID,
	).Scan(&count)
	return count, err
}

func (s *Store) queryRelationships(query string, args ...interface{}) ([]*types.Relationship, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relationships []*types.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		relationships = append(relationships, r)
	}
	return relationships, rows.Err()
}

func scanRelationship(row rowScanner) (*types.Relationship, error) {
	var r types.Relationship
	var relType string
	err := row.Scan(&r.ID, &r.PrincipalID, &r.FromID, &r.ToID, &relType,
		&r.Strength, &r.Explanation, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Type = types.RelationshipType(relType)
	return &r, nil
}

// isUniqueViolation detects SQLite unique constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
