package patterns

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"memoryd/internal/logging"
	"memoryd/internal/store"
	"memoryd/internal/types"
)

// Suggestion scoring: a pair starts at the base confidence and gains a bonus
// per shared tag and per co-access observation beyond the minimum.
const (
	suggestionBase     = 0.5
	tagBonus           = 0.03
	coAccessBonus      = 0.02
	coAccessBonusCap   = 20
	orderingConsistent = 0.8
	autoApplyThreshold = 0.75
)

// Suggestion is a proposed typed edge between two memories.
type Suggestion struct {
	FromID        string                 `json:"from"`
	ToID          string                 `json:"to"`
	Type          types.RelationshipType `json:"type"`
	Confidence    float64                `json:"confidence"`
	Explanation   string                 `json:"explanation"`
	CommonTags    int                    `json:"common_tags"`
	CoAccessCount int64                  `json:"co_access_count"`
	Applied       bool                   `json:"applied"`
}

// Suggester turns co-access statistics into relationship suggestions.
type Suggester struct {
	store            *store.Store
	minCoAccessCount int
}

// NewSuggester creates a relationship suggester. minCoAccessCount matches the
// miner's co-access threshold.
func NewSuggester(s *store.Store, minCoAccessCount int) *Suggester {
	return &Suggester{store: s, minCoAccessCount: minCoAccessCount}
}

// Suggest scores each qualifying co-access pair and, when autoApply is set,
// writes edges for suggestions at or above the auto-apply threshold.
// Application is idempotent: an existing (from, to) edge only gains strength.
func (g *Suggester) Suggest(principalID string, stats []CoAccessStat, autoApply bool, now time.Time) ([]Suggestion, error) {
	timer := logging.StartTimer(logging.CategoryPatterns, "Suggest")
	defer timer.Stop()

	var out []Suggestion
	for _, st := range stats {
		if st.Count < int64(g.minCoAccessCount) {
			continue
		}

		memA, err := g.store.GetMemory(principalID, st.A)
		if types.IsNotFound(err) {
			continue // endpoint deleted since the events were logged
		}
		if err != nil {
			return nil, err
		}
		memB, err := g.store.GetMemory(principalID, st.B)
		if types.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}

		sug := g.score(memA, memB, st)
		if autoApply && sug.Confidence >= autoApplyThreshold {
			if err := g.apply(principalID, &sug, now); err != nil {
				return nil, err
			}
		}
		out = append(out, sug)
	}
	logging.Patterns("Suggested %d relationships for %s (auto_apply=%v)", len(out), principalID, autoApply)
	return out, nil
}

// score computes the suggestion for one pair. The edge direction follows the
// dominant access ordering when it is consistent enough, otherwise the pair
// stays an undirected related_to in ascending-id order.
func (g *Suggester) score(memA, memB *types.Memory, st CoAccessStat) Suggestion {
	common := commonTagCount(memA.Tags, memB.Tags)

	extra := st.Count - int64(g.minCoAccessCount)
	if extra < 0 {
		extra = 0
	}
	confidence := suggestionBase +
		tagBonus*float64(common) +
		coAccessBonus*math.Min(coAccessBonusCap, float64(extra))
	confidence = math.Max(0, math.Min(1, confidence))

	sug := Suggestion{
		FromID:        st.A,
		ToID:          st.B,
		Type:          types.RelRelatedTo,
		Confidence:    confidence,
		CommonTags:    common,
		CoAccessCount: st.Count,
	}

	forwardRatio := float64(st.ForwardCount) / float64(st.Count)
	switch {
	case forwardRatio >= orderingConsistent:
		sug.Type = types.RelFollows
		sug.FromID, sug.ToID = st.A, st.B
	case 1-forwardRatio >= orderingConsistent:
		sug.Type = types.RelFollows
		sug.FromID, sug.ToID = st.B, st.A
	}

	sug.Explanation = fmt.Sprintf("co-accessed %d times with %d shared tags", st.Count, common)
	return sug
}

func (g *Suggester) apply(principalID string, sug *Suggestion, now time.Time) error {
	err := g.store.UpsertRelationship(&types.Relationship{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		FromID:      sug.FromID,
		ToID:        sug.ToID,
		Type:        sug.Type,
		Strength:    sug.Confidence,
		Explanation: sug.Explanation,
		CreatedAt:   now,
	})
	if err != nil {
		return err
	}
	sug.Applied = true
	return nil
}

func commonTagCount(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	n := 0
	for _, t := range b {
		if set[t] {
			n++
		}
	}
	return n
}
