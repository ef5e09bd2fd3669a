// Package types defines the core data model for the adaptive memory store:
// memories, relationships, temporal patterns, per-principal learning weights,
// prediction cache entries, and learning metrics.
package types

import (
	"time"
)

// MaxTextCodepoints is the upper bound on memory text length.
const MaxTextCodepoints = 10000

// Memory is a single stored memory owned by exactly one principal.
// The record carries both content and learning state: usage counters and the
// helpfulness score are mutated by the tracker and feedback integrator, never
// the text or embedding.
type Memory struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	Text        string    `json:"text"`
	Tags        []string  `json:"tags,omitempty"`
	Metadata    Attr      `json:"metadata,omitempty"`
	Source      string    `json:"source,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Learning state
	UsageCount       int64         `json:"usage_count"`
	LastAccessed     *time.Time    `json:"last_accessed,omitempty"`
	HelpfulnessScore float64       `json:"helpfulness_score"`
	AccessPattern    AccessPattern `json:"access_pattern"`

	// Embedding is produced externally at create/update time. A nil embedding
	// means the provider was unavailable at ingest; the ranker skips such
	// records and ReembedAll backfills them.
	Embedding []float32 `json:"embedding,omitempty"`
}

// AccessPattern is the structured portion of a memory's access bag.
// Contexts maps a context label to the number of accesses under it.
type AccessPattern struct {
	Contexts map[string]int64 `json:"contexts,omitempty"`
	Extra    Attr             `json:"extra,omitempty"`
}

// RelationshipType enumerates the typed edges between memories.
type RelationshipType string

const (
	RelRelatedTo       RelationshipType = "related_to"
	RelCausedBy        RelationshipType = "caused_by"
	RelSimilarTo       RelationshipType = "similar_to"
	RelFollows         RelationshipType = "follows"
	RelContradicts     RelationshipType = "contradicts"
	RelSynthesizedFrom RelationshipType = "synthesized_from"
)

// ValidRelationshipType reports whether t is one of the known edge types.
func ValidRelationshipType(t RelationshipType) bool {
	switch t {
	case RelRelatedTo, RelCausedBy, RelSimilarTo, RelFollows, RelContradicts, RelSynthesizedFrom:
		return true
	}
	return false
}

// Relationship is a directed edge between two distinct memories of the same
// principal. (FromID, ToID) is unique; the edge is deleted when either
// endpoint is deleted.
type Relationship struct {
	ID          string           `json:"id"`
	PrincipalID string           `json:"principal_id"`
	FromID      string           `json:"from"`
	ToID        string           `json:"to"`
	Type        RelationshipType `json:"type"`
	Strength    float64          `json:"strength"`
	Explanation string           `json:"explanation,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// PatternType enumerates detected temporal pattern kinds.
type PatternType string

const (
	PatternHourly   PatternType = "hourly"
	PatternDaily    PatternType = "daily"
	PatternWeekly   PatternType = "weekly"
	PatternSequence PatternType = "sequence"
	PatternCoAccess PatternType = "co_access"
)

// TemporalPattern is a detected regularity in access over time or across
// memories. Identity key: (principal, type, canonicalized pattern data).
type TemporalPattern struct {
	ID          string      `json:"id"`
	PrincipalID string      `json:"principal_id"`
	PatternType PatternType `json:"pattern_type"`
	PatternData Attr        `json:"pattern_data"`
	Confidence  float64     `json:"confidence"`
	Occurrences int64       `json:"occurrences"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
}

// Default learning weights, applied lazily on first access.
const (
	DefaultUsageWeight        = 0.3
	DefaultRecencyWeight      = 0.2
	DefaultHelpfulnessWeight  = 0.5
	DefaultRelationshipWeight = 0.2
	DefaultSatisfaction       = 0.5
)

// LearningWeights is the per-principal weight vector plus feedback counters.
// Weights are independent multipliers in [0,1], not a probability simplex.
type LearningWeights struct {
	PrincipalID           string    `json:"principal_id"`
	UsageWeight           float64   `json:"usage_weight"`
	RecencyWeight         float64   `json:"recency_weight"`
	HelpfulnessWeight     float64   `json:"helpfulness_weight"`
	RelationshipWeight    float64   `json:"relationship_weight"`
	TotalSearches         int64     `json:"total_searches"`
	PositiveFeedbackCount int64     `json:"positive_feedback_count"`
	NegativeFeedbackCount int64     `json:"negative_feedback_count"`
	AvgSearchSatisfaction float64   `json:"avg_search_satisfaction"`
	LastWeightUpdate      time.Time `json:"last_weight_update"`

	// LastAdaptedSearches is the total_searches value at which the weights
	// were last re-evaluated. Guards the every-10-searches adaptation against
	// firing more than once per epoch.
	LastAdaptedSearches int64 `json:"-"`
}

// DefaultLearningWeights returns the lazily-created weight record for a
// principal.
func DefaultLearningWeights(principalID string) LearningWeights {
	return LearningWeights{
		PrincipalID:           principalID,
		UsageWeight:           DefaultUsageWeight,
		RecencyWeight:         DefaultRecencyWeight,
		HelpfulnessWeight:     DefaultHelpfulnessWeight,
		RelationshipWeight:    DefaultRelationshipWeight,
		AvgSearchSatisfaction: DefaultSatisfaction,
	}
}

// Prediction is a single likely-next memory with the reasons it was selected.
type Prediction struct {
	MemoryID   string   `json:"memory_id"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

// Prediction reason tags, one per contributing source.
const (
	ReasonCoAccess     = "frequently_accessed_with"
	ReasonRelationship = "related_to_relationship"
	ReasonHourly       = "temporal_pattern_hourly"
	ReasonDaily        = "temporal_pattern_daily"
	ReasonSequence     = "temporal_pattern_sequence"
	ReasonSemantic     = "semantic_context"
)

// PredictionCacheEntry is a cached predictor result keyed by
// (principal, cache_key) with a TTL.
type PredictionCacheEntry struct {
	PrincipalID string       `json:"principal_id"`
	CacheKey    string       `json:"cache_key"`
	Predictions []Prediction `json:"predictions"`
	ContextHash string       `json:"context_hash"`
	ExpiresAt   time.Time    `json:"expires_at"`
	HitCount    int64        `json:"hit_count"`
}

// MetricType enumerates the append-only learning metric kinds.
type MetricType string

const (
	MetricSearchAccuracy      MetricType = "search_accuracy"
	MetricPredictionAccuracy  MetricType = "prediction_accuracy"
	MetricAvgHelpfulness      MetricType = "avg_helpfulness"
	MetricUserSatisfaction    MetricType = "user_satisfaction"
	MetricRelationshipQuality MetricType = "relationship_quality"
)

// LearningMetric is one append-only time-series sample.
type LearningMetric struct {
	ID          int64      `json:"id"`
	PrincipalID string     `json:"principal_id"`
	MetricType  MetricType `json:"metric_type"`
	Value       float64    `json:"value"`
	RecordedAt  time.Time  `json:"recorded_at"`
	Context     string     `json:"context,omitempty"`
}

// AccessEvent is one row of the per-principal access history consumed by the
// pattern miner. Each successful record_access call appends one event.
type AccessEvent struct {
	PrincipalID string    `json:"principal_id"`
	MemoryID    string    `json:"memory_id"`
	AccessedAt  time.Time `json:"accessed_at"`
	Context     string    `json:"context,omitempty"`
}
