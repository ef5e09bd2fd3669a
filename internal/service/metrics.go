package service

import (
	"context"
	"time"

	"memoryd/internal/types"
)

// Trend labels for a metric series.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// trendEpsilon is the minimum half-over-half delta that counts as movement.
const trendEpsilon = 0.05

// MetricSeries is one metric type's samples over the report window.
type MetricSeries struct {
	Type    types.MetricType       `json:"type"`
	Points  []types.LearningMetric `json:"points"`
	Average float64                `json:"average"`
	Trend   string                 `json:"trend"`
}

// LearningReport is the learning_metrics operation result: per-type time
// series with trends, the current weight vector, and the live average
// helpfulness across the principal's memories.
type LearningReport struct {
	PrincipalID    string                `json:"principal_id"`
	Days           int                   `json:"days"`
	Series         []MetricSeries        `json:"series"`
	Weights        types.LearningWeights `json:"weights"`
	AvgHelpfulness float64               `json:"avg_helpfulness"`
}

// LearningMetrics builds the learning report over the trailing window.
func (s *Service) LearningMetrics(ctx context.Context, principalID string, days int) (*LearningReport, error) {
	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 30
	}

	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	samples, err := s.deps.Store.MetricsSince(principalID, "", since)
	if err != nil {
		return nil, err
	}

	byType := make(map[types.MetricType][]types.LearningMetric)
	var order []types.MetricType
	for _, m := range samples {
		if _, seen := byType[m.MetricType]; !seen {
			order = append(order, m.MetricType)
		}
		byType[m.MetricType] = append(byType[m.MetricType], m)
	}

	report := &LearningReport{PrincipalID: principalID, Days: days}
	for _, mt := range order {
		points := byType[mt]
		report.Series = append(report.Series, MetricSeries{
			Type:    mt,
			Points:  points,
			Average: average(points),
			Trend:   trend(points),
		})
	}

	weights, err := s.deps.Store.GetWeights(principalID)
	if err != nil {
		return nil, err
	}
	report.Weights = weights

	avg, err := s.deps.Store.AverageHelpfulness(principalID)
	if err != nil {
		return nil, err
	}
	report.AvgHelpfulness = avg
	return report, nil
}

func average(points []types.LearningMetric) float64 {
	if len(points) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range points {
		sum += p.Value
	}
	return sum / float64(len(points))
}

// trend compares the first and second half of the series; the points arrive
// oldest first.
func trend(points []types.LearningMetric) string {
	if len(points) < 2 {
		return TrendStable
	}
	mid := len(points) / 2
	early := average(points[:mid])
	late := average(points[mid:])
	switch {
	case late-early > trendEpsilon:
		return TrendImproving
	case early-late > trendEpsilon:
		return TrendDeclining
	default:
		return TrendStable
	}
}
