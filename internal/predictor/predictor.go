// Package predictor produces ranked likely-next memories from recent access
// context. Candidates come from four sources (co-access patterns, outbound
// relationships, currently-matching temporal patterns, and semantic
// neighbours of the context text); contributions are summed per candidate
// and capped at 1.0.
package predictor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"memoryd/internal/config"
	"memoryd/internal/embedding"
	"memoryd/internal/logging"
	"memoryd/internal/store"
	"memoryd/internal/types"
)

// Per-source contribution weights.
const (
	coAccessWeight       = 0.5  // scaled by min(1, count/20)
	coAccessSaturation   = 20.0 // observed co-access count at which the signal saturates
	relationshipWeight   = 0.4  // scaled by edge strength
	temporalBase         = 0.2  // hourly/daily match: base + slope*confidence
	temporalSlope        = 0.2
	sequenceBase         = 0.3 // sequence suffix match: base + slope*confidence
	sequenceSlope        = 0.2
	semanticWeight       = 0.5 // scaled by max(0, cosine similarity)
	semanticCandidateCap = 50
)

// Predictor computes and caches likely-next-memory predictions.
type Predictor struct {
	store  *store.Store
	engine embedding.Engine
	cfg    config.PredictorConfig
}

// New creates a predictor.
func New(s *store.Store, engine embedding.Engine, cfg config.PredictorConfig) *Predictor {
	return &Predictor{store: s, engine: engine, cfg: cfg}
}

// Predict returns up to k predictions for the principal, consulting the TTL
// cache first. A degraded embedding provider silently drops the semantic
// source; the other sources still contribute.
func (p *Predictor) Predict(ctx context.Context, principalID string, recentIDs []string, contextText string, k int) ([]types.Prediction, error) {
	timer := logging.StartTimer(logging.CategoryPredictor, "Predict")
	defer timer.StopWithThreshold(time.Second)

	if k <= 0 {
		k = 5
	}
	now := time.Now().UTC()
	key := cacheKey(principalID, contextText, recentIDs, k)

	if entry, err := p.store.GetCachedPredictions(principalID, key, now); err != nil {
		logging.Get(logging.CategoryPredictor).Warn("cache lookup failed: %v", err)
	} else if entry != nil {
		logging.PredictorDebug("Cache hit for %s (key=%s, hits=%d)", principalID, key[:8], entry.HitCount)
		return entry.Predictions, nil
	}

	preds, err := p.compute(ctx, principalID, recentIDs, contextText, k, now)
	if err != nil {
		return nil, err
	}

	entry := &types.PredictionCacheEntry{
		PrincipalID: principalID,
		CacheKey:    key,
		Predictions: preds,
		ContextHash: hashText(contextText),
		ExpiresAt:   now.Add(time.Duration(p.cfg.CacheTTLSeconds) * time.Second),
	}
	if err := p.store.PutCachedPredictions(entry); err != nil {
		logging.Get(logging.CategoryPredictor).Warn("cache store failed: %v", err)
	}
	return preds, nil
}

// scoreboard accumulates per-candidate contributions across sources.
type scoreboard struct {
	mu      sync.Mutex
	scores  map[string]float64
	reasons map[string]map[string]bool
}

func newScoreboard() *scoreboard {
	return &scoreboard{scores: make(map[string]float64), reasons: make(map[string]map[string]bool)}
}

func (b *scoreboard) add(memoryID string, contribution float64, reason string) {
	if contribution <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scores[memoryID] += contribution
	if b.reasons[memoryID] == nil {
		b.reasons[memoryID] = make(map[string]bool)
	}
	b.reasons[memoryID][reason] = true
}

func (p *Predictor) compute(ctx context.Context, principalID string, recentIDs []string, contextText string, k int, now time.Time) ([]types.Prediction, error) {
	recent := make(map[string]bool, len(recentIDs))
	for _, id := range recentIDs {
		recent[id] = true
	}
	board := newScoreboard()

	// The store-backed sources and the semantic source are independent; the
	// semantic one blocks on the embedding provider so it runs concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.storeSources(principalID, recentIDs, recent, board, now) })
	if contextText != "" {
		g.Go(func() error { return p.semanticSource(gctx, principalID, contextText, recent, board, k) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	preds := make([]types.Prediction, 0, len(board.scores))
	for id, score := range board.scores {
		confidence := math.Min(1.0, score)
		if confidence < p.cfg.MinConfidence {
			continue
		}
		reasons := make([]string, 0, len(board.reasons[id]))
		for r := range board.reasons[id] {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		preds = append(preds, types.Prediction{MemoryID: id, Confidence: confidence, Reasons: reasons})
	}

	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Confidence != preds[j].Confidence {
			return preds[i].Confidence > preds[j].Confidence
		}
		return preds[i].MemoryID < preds[j].MemoryID
	})
	if len(preds) > k {
		preds = preds[:k]
	}
	logging.PredictorDebug("Computed %d predictions for %s (recent=%d)", len(preds), principalID, len(recentIDs))
	return preds, nil
}

// storeSources feeds the co-access, relationship, and temporal contributions.
func (p *Predictor) storeSources(principalID string, recentIDs []string, recent map[string]bool, board *scoreboard, now time.Time) error {
	if err := p.coAccessSource(principalID, recent, board); err != nil {
		return err
	}
	if err := p.relationshipSource(principalID, recentIDs, recent, board); err != nil {
		return err
	}
	return p.temporalSource(principalID, recentIDs, recent, board, now)
}

// coAccessSource promotes the other endpoint of co-access pairs that include
// a recent memory, weighted by how often the pair was actually co-accessed.
// The miner stores that count in pattern_data; occurrences only says how many
// mining passes re-confirmed the pair.
func (p *Predictor) coAccessSource(principalID string, recent map[string]bool, board *scoreboard) error {
	pats, err := p.store.PatternsByType(principalID, types.PatternCoAccess)
	if err != nil {
		return err
	}
	for _, pat := range pats {
		ids := patternMemberIDs(pat.PatternData)
		if len(ids) != 2 {
			continue
		}
		count, ok := numberField(pat.PatternData, "count")
		if !ok {
			count = float64(pat.Occurrences)
		}
		for i, id := range ids {
			other := ids[1-i]
			if recent[id] && !recent[other] {
				strength := math.Min(1.0, count/coAccessSaturation)
				board.add(other, coAccessWeight*strength, types.ReasonCoAccess)
			}
		}
	}
	return nil
}

// relationshipSource promotes the targets of outbound edges from recent
// memories, weighted by edge strength.
func (p *Predictor) relationshipSource(principalID string, recentIDs []string, recent map[string]bool, board *scoreboard) error {
	for _, id := range recentIDs {
		rels, err := p.store.RelationshipsFrom(principalID, id)
		if err != nil {
			return err
		}
		for _, r := range rels {
			if recent[r.ToID] {
				continue
			}
			board.add(r.ToID, relationshipWeight*r.Strength, types.ReasonRelationship)
		}
	}
	return nil
}

// temporalSource promotes members of hourly/daily patterns matching the
// current time, and the third step of sequence patterns whose first two
// steps match the tail of the recent accesses.
func (p *Predictor) temporalSource(principalID string, recentIDs []string, recent map[string]bool, board *scoreboard, now time.Time) error {
	hourly, err := p.store.PatternsByType(principalID, types.PatternHourly)
	if err != nil {
		return err
	}
	for _, pat := range hourly {
		if hour, ok := numberField(pat.PatternData, "hour"); ok && int(hour) == now.Hour() {
			for _, id := range patternMemberIDs(pat.PatternData) {
				if !recent[id] {
					board.add(id, temporalBase+temporalSlope*pat.Confidence, types.ReasonHourly)
				}
			}
		}
	}

	daily, err := p.store.PatternsByType(principalID, types.PatternDaily)
	if err != nil {
		return err
	}
	for _, pat := range daily {
		if day, ok := numberField(pat.PatternData, "day"); ok && time.Weekday(int(day)) == now.Weekday() {
			for _, id := range patternMemberIDs(pat.PatternData) {
				if !recent[id] {
					board.add(id, temporalBase+temporalSlope*pat.Confidence, types.ReasonDaily)
				}
			}
		}
	}

	if len(recentIDs) < 2 {
		return nil
	}
	prev, last := recentIDs[len(recentIDs)-2], recentIDs[len(recentIDs)-1]
	sequences, err := p.store.PatternsByType(principalID, types.PatternSequence)
	if err != nil {
		return err
	}
	for _, pat := range sequences {
		seq := sequenceIDs(pat.PatternData)
		if len(seq) != 3 || seq[0] != prev || seq[1] != last || recent[seq[2]] {
			continue
		}
		board.add(seq[2], sequenceBase+sequenceSlope*pat.Confidence, types.ReasonSequence)
	}
	return nil
}

// semanticSource embeds the context text and promotes its nearest memories.
// Provider failures degrade this source to a no-op.
func (p *Predictor) semanticSource(ctx context.Context, principalID, contextText string, recent map[string]bool, board *scoreboard, k int) error {
	vec, err := p.engine.Embed(ctx, contextText)
	if err != nil {
		logging.Get(logging.CategoryPredictor).Warn("context embedding failed, skipping semantic source: %v", err)
		return nil
	}
	limit := 2 * k
	if limit > semanticCandidateCap {
		limit = semanticCandidateCap
	}
	scored, err := p.store.NearestMemories(principalID, vec, limit)
	if err != nil {
		return err
	}
	for _, sm := range scored {
		if recent[sm.Memory.ID] {
			continue
		}
		board.add(sm.Memory.ID, semanticWeight*math.Max(0, sm.Similarity), types.ReasonSemantic)
	}
	return nil
}

// cacheKey hashes the prediction inputs; recent ids are order-insensitive.
func cacheKey(principalID, contextText string, recentIDs []string, k int) string {
	sorted := append([]string(nil), recentIDs...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(principalID))
	h.Write([]byte{0})
	h.Write([]byte(contextText))
	h.Write([]byte{0})
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	h.Write([]byte(strconv.Itoa(k)))
	return hex.EncodeToString(h.Sum(nil))
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// patternMemberIDs pulls the "memories" id list out of pattern data.
func patternMemberIDs(data types.Attr) []string {
	list, ok := data.Get("memories")
	if !ok {
		return nil
	}
	return attrStrings(list)
}

func sequenceIDs(data types.Attr) []string {
	list, ok := data.Get("sequence")
	if !ok {
		return nil
	}
	return attrStrings(list)
}

func attrStrings(list types.Attr) []string {
	out := make([]string, 0, len(list.List))
	for _, item := range list.List {
		s, ok := item.Scalar.(string)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
	return out
}

func numberField(data types.Attr, key string) (float64, bool) {
	attr, ok := data.Get(key)
	if !ok {
		return 0, false
	}
	switch v := attr.Scalar.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
