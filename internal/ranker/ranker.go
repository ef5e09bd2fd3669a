// Package ranker implements weighted semantic search: candidates fetched
// by embedding similarity are re-ranked by fusing usage, recency, and
// helpfulness signals under the principal's learned weight vector.
package ranker

import (
	"context"
	"math"
	"sort"
	"time"

	"memoryd/internal/analytics"
	"memoryd/internal/config"
	"memoryd/internal/embedding"
	"memoryd/internal/feedback"
	"memoryd/internal/logging"
	"memoryd/internal/store"
	"memoryd/internal/tracker"
	"memoryd/internal/types"
)

// Recency decay multipliers.
const (
	freshBoost = 1.20 // accessed within the last 7 days
	staleDecay = 0.70 // not accessed for 90+ days
)

// Options control one search call.
type Options struct {
	K                int
	WeightByUsage    bool
	DecayOldMemories bool
	MinHelpfulness   *float64
	AdaptiveWeights  bool
	LearningMode     bool
	Tags             []string
	ProjectID        string
}

// Result is one ranked search hit with its score breakdown.
type Result struct {
	Memory         *types.Memory        `json:"memory"`
	Analytics      analytics.Projection `json:"analytics"`
	BaseSimilarity float64              `json:"base_similarity"`
	Score          float64              `json:"score"`
	UsageBoosted   bool                 `json:"usage_boosted"`
	RecencyBoosted bool                 `json:"recency_boosted"`
	Decayed        bool                 `json:"decayed"`
}

// Ranker performs weighted searches over a principal's memories.
type Ranker struct {
	store      *store.Store
	engine     embedding.Engine
	feedback   *feedback.Integrator
	dispatcher *tracker.Dispatcher
	cfg        config.RankerConfig
}

// New creates a ranker. The dispatcher may be nil; learning mode is then a
// no-op.
func New(s *store.Store, engine embedding.Engine, fb *feedback.Integrator, d *tracker.Dispatcher, cfg config.RankerConfig) *Ranker {
	return &Ranker{store: s, engine: engine, feedback: fb, dispatcher: d, cfg: cfg}
}

// Search embeds the query, fetches a candidate pool, and returns the top K
// re-ranked results. The boolean reports degraded mode: when the embedding
// provider is unavailable the result is empty with degraded=true, never an
// error.
func (r *Ranker) Search(ctx context.Context, principalID, query string, opts Options) ([]Result, bool, error) {
	timer := logging.StartTimer(logging.CategoryRanker, "Search")
	defer timer.StopWithThreshold(time.Second)

	k := r.clampK(opts.K)

	// Every search moves the principal's counter, adaptive or not; the
	// adaptation epoch is defined over total searches.
	weights, err := r.feedback.NoteSearch(principalID)
	if err != nil {
		return nil, false, err
	}
	if !opts.AdaptiveWeights {
		weights = types.DefaultLearningWeights(principalID)
	}

	queryVec, err := r.engine.Embed(ctx, query)
	if err != nil {
		// Provider down: the search path degrades to empty rather than failing.
		logging.Get(logging.CategoryRanker).Warn("query embedding failed, degrading to empty result: %v", err)
		return nil, true, nil
	}

	poolSize := r.poolSize(k)
	candidates, err := r.store.NearestMemories(principalID, queryVec, poolSize)
	if err != nil {
		return nil, false, err
	}
	logging.RankerDebug("Search %q: %d candidates (pool=%d, k=%d)", query, len(candidates), poolSize, k)

	now := time.Now().UTC()
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !r.passesFilters(c.Memory, opts) {
			continue
		}
		results = append(results, r.score(c, weights, opts, now))
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].BaseSimilarity != results[j].BaseSimilarity {
			return results[i].BaseSimilarity > results[j].BaseSimilarity
		}
		if !results[i].Memory.CreatedAt.Equal(results[j].Memory.CreatedAt) {
			return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})

	if len(results) > k {
		results = results[:k]
	}

	if opts.LearningMode && r.dispatcher != nil {
		for _, res := range results {
			r.dispatcher.Enqueue(tracker.Event{
				PrincipalID: principalID,
				MemoryID:    res.Memory.ID,
				Context:     "search",
				At:          now,
			})
		}
	}

	return results, false, nil
}

// score computes the fused ranking score for one candidate.
// The ranker never touches the helpfulness score itself.
func (r *Ranker) score(c store.ScoredMemory, w types.LearningWeights, opts Options, now time.Time) Result {
	proj := analytics.Project(c.Memory, now)
	res := Result{
		Memory:         c.Memory,
		Analytics:      proj,
		BaseSimilarity: c.Similarity,
	}

	score := c.Similarity

	if opts.WeightByUsage && c.Memory.UsageCount > 0 {
		usageBoost := 1 + math.Log(1+float64(c.Memory.UsageCount))
		score *= 1 + w.UsageWeight*(usageBoost-1)
		res.UsageBoosted = true
	}

	score *= w.HelpfulnessWeight*c.Memory.HelpfulnessScore + (1 - w.HelpfulnessWeight)

	if opts.DecayOldMemories && proj.DaysSinceAccess != nil {
		switch {
		case *proj.DaysSinceAccess <= 7:
			score *= freshBoost
			res.RecencyBoosted = true
		case *proj.DaysSinceAccess >= 90:
			score *= staleDecay
			res.Decayed = true
		}
	}

	res.Score = score
	return res
}

// passesFilters applies the helpfulness floor and the tag/project filters.
// Every requested tag must be present on the memory.
func (r *Ranker) passesFilters(m *types.Memory, opts Options) bool {
	if opts.MinHelpfulness != nil && m.HelpfulnessScore < *opts.MinHelpfulness {
		return false
	}
	if opts.ProjectID != "" && m.ProjectID != opts.ProjectID {
		return false
	}
	if len(opts.Tags) > 0 {
		have := make(map[string]bool, len(m.Tags))
		for _, t := range m.Tags {
			have[t] = true
		}
		for _, t := range opts.Tags {
			if !have[t] {
				return false
			}
		}
	}
	return true
}

// clampK bounds k to the configured [min, max] window.
func (r *Ranker) clampK(k int) int {
	min := r.cfg.MinCandidates
	if min <= 0 {
		min = 1
	}
	max := r.cfg.MaxCandidates
	if max <= 0 {
		max = 100
	}
	if k < min {
		return min
	}
	if k > max {
		return max
	}
	return k
}

// poolSize is the candidate pool fetched from the store: multiplier times k,
// capped at the configured maximum.
func (r *Ranker) poolSize(k int) int {
	mult := r.cfg.TopCandidateMultiplier
	if mult <= 0 {
		mult = 3
	}
	max := r.cfg.MaxCandidates
	if max <= 0 {
		max = 100
	}
	pool := mult * k
	if pool > max {
		pool = max
	}
	return pool
}
