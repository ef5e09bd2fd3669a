// Package analytics derives read-only usage analytics from a memory's raw
// learning state. The projection is a pure function of the record and a
// reference time; it never mutates the record.
package analytics

import (
	"time"

	"memoryd/internal/types"
)

// Frequency buckets for usage_count.
const (
	FrequencyUnused   = "unused"
	FrequencyLow      = "low"
	FrequencyMedium   = "medium"
	FrequencyHigh     = "high"
	FrequencyVeryHigh = "very_high"
)

// Projection is the derived analytics view attached to a memory on read.
type Projection struct {
	AccessFrequency string   `json:"access_frequency"`
	RecencyScore    float64  `json:"recency_score"`
	DaysSinceAccess *int64   `json:"days_since_access,omitempty"`
}

// Project computes the analytics view of a memory at the given time.
// Two calls at different times may disagree; this is a snapshot read.
func Project(m *types.Memory, now time.Time) Projection {
	p := Projection{
		AccessFrequency: frequencyBucket(m.UsageCount),
		RecencyScore:    0.0,
	}

	if m.LastAccessed == nil {
		return p
	}

	days := int64(now.Sub(*m.LastAccessed).Hours() / 24)
	if days < 0 {
		days = 0
	}
	p.DaysSinceAccess = &days
	p.RecencyScore = recencyScore(days)
	return p
}

func frequencyBucket(usageCount int64) string {
	switch {
	case usageCount == 0:
		return FrequencyUnused
	case usageCount <= 5:
		return FrequencyLow
	case usageCount <= 20:
		return FrequencyMedium
	case usageCount <= 50:
		return FrequencyHigh
	default:
		return FrequencyVeryHigh
	}
}

func recencyScore(daysSinceAccess int64) float64 {
	switch {
	case daysSinceAccess <= 7:
		return 1.0
	case daysSinceAccess <= 30:
		return 0.8
	case daysSinceAccess <= 90:
		return 0.5
	default:
		return 0.3
	}
}
