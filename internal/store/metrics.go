package store

import (
	"time"

	"memoryd/internal/types"
)

// =============================================================================
// LEARNING METRICS COLLECTION (append-only)
// =============================================================================

// RecordMetric appends one sample to the learning metrics series.
func (s *Store) RecordMetric(m *types.LearningMetric) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.Exec(`
		INSERT INTO learning_metrics (principal_id, metric_type, value, context, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.PrincipalID, string(m.MetricType), m.Value, m.Context, m.RecordedAt,
	)
	if err != nil {
		return err
	}
	m.ID, _ = result.LastInsertId()
	return nil
}

// MetricsSince returns a principal's samples recorded at or after the given
// time, oldest first. An empty metricType matches all types.
func (s *Store) MetricsSince(principalID string, metricType types.MetricType, since time.Time) ([]types.LearningMetric, error) {
	query := `
		SELECT id, principal_id, metric_type, value, context, recorded_at
		FROM learning_metrics
		WHERE principal_id = ? AND recorded_at >= ?`
	args := []interface{}{principalID, since}
	if metricType != "" {
		query += " AND metric_type = ?"
		args = append(args, string(metricType))
	}
	query += " ORDER BY recorded_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []types.LearningMetric
	for rows.Next() {
		var m types.LearningMetric
		var metricType string
		if err := rows.Scan(&m.ID, &m.PrincipalID, &metricType, &m.Value, &m.Context, &m.RecordedAt); err != nil {
			return nil, err
		}
		m.MetricType = types.MetricType(metricType)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// AverageHelpfulness returns the mean helpfulness score across a principal's
// memories, 0 when there are none.
func (s *Store) AverageHelpfulness(principalID string) (float64, error) {
	var avg float64
	err := s.db.QueryRow(
		"SELECT COALESCE(AVG(helpfulness_score), 0) FROM memories WHERE principal_id = ?",
		principalID,
	).Scan(&avg)
	return avg, err
}
