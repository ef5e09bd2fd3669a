package patterns

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"memoryd/internal/config"
	"memoryd/internal/store"
	"memoryd/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPatternsConfig() config.PatternsConfig {
	return config.PatternsConfig{
		SequenceWindowMinutes: 30,
		MinHourlyMemories:     3,
		MinCoAccessCount:      5,
		MinSequenceCount:      2,
	}
}

func seedMemory(t *testing.T, s *store.Store, principalID string, tags ...string) *types.Memory {
	t.Helper()
	now := time.Now().UTC()
	m := &types.Memory{
		ID: uuid.NewString(), PrincipalID: principalID, Text: "seed",
		Tags: tags, CreatedAt: now, UpdatedAt: now, HelpfulnessScore: 0.5,
	}
	if err := s.InsertMemory(m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}
	return m
}

func access(t *testing.T, s *store.Store, principalID, memoryID string, at time.Time) {
	t.Helper()
	if err := s.RecordAccess(principalID, memoryID, "", at); err != nil {
		t.Fatalf("RecordAccess failed: %v", err)
	}
}

func TestMinerHourlyPattern(t *testing.T) {
	s := newTestStore(t)
	m := NewMiner(s, testPatternsConfig())
	ctx := context.Background()

	now := time.Now().UTC()
	// Three distinct memories accessed within the same hour-of-day, on
	// different days so the accesses are spread out.
	base := time.Date(now.Year(), now.Month(), now.Day(), 14, 0, 0, 0, time.UTC).AddDate(0, 0, -10)
	var ids []string
	for i := 0; i < 3; i++ {
		mem := seedMemory(t, s, "p1")
		ids = append(ids, mem.ID)
		access(t, s, "p1", mem.ID, base.AddDate(0, 0, i))
	}

	result, err := m.Mine(ctx, "p1", now)
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}

	var hourly *types.TemporalPattern
	for _, p := range result.Patterns {
		if p.PatternType == types.PatternHourly {
			hourly = p
		}
	}
	if hourly == nil {
		t.Fatal("expected an hourly pattern")
	}
	if hourly.Confidence != 0.5 || hourly.Occurrences != 1 {
		t.Errorf("fresh pattern should start at confidence 0.5 occurrences 1, got %f/%d",
			hourly.Confidence, hourly.Occurrences)
	}
	hour, _ := hourly.PatternData.Get("hour")
	if hour.Scalar != 14.0 {
		t.Errorf("expected hour 14, got %v", hour.Scalar)
	}

	// Re-mining the same history merges, never duplicates.
	result, err = m.Mine(ctx, "p1", now)
	if err != nil {
		t.Fatalf("second Mine failed: %v", err)
	}
	count := 0
	for _, p := range result.Patterns {
		if p.PatternType == types.PatternHourly {
			count++
			if p.Occurrences != 2 || math.Abs(p.Confidence-0.55) > 1e-9 {
				t.Errorf("merge should bump to occurrences 2 confidence 0.55, got %d/%f",
					p.Occurrences, p.Confidence)
			}
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one hourly pattern after re-mine, got %d", count)
	}
}

func TestMinerBelowHourlyThreshold(t *testing.T) {
	s := newTestStore(t)
	m := NewMiner(s, testPatternsConfig())

	now := time.Now().UTC()
	base := now.Add(-48 * time.Hour).Truncate(time.Hour)
	for i := 0; i < 2; i++ {
		mem := seedMemory(t, s, "p1")
		access(t, s, "p1", mem.ID, base.Add(time.Duration(i)*time.Minute))
	}

	result, err := m.Mine(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}
	for _, p := range result.Patterns {
		if p.PatternType == types.PatternHourly {
			t.Error("two distinct memories must not form an hourly pattern")
		}
	}
}

func TestMinerSequencePattern(t *testing.T) {
	s := newTestStore(t)
	m := NewMiner(s, testPatternsConfig())

	a := seedMemory(t, s, "p1")
	b := seedMemory(t, s, "p1")
	c := seedMemory(t, s, "p1")

	now := time.Now().UTC()
	// The A->B->C walk twice, steps 5 minutes apart, runs a day apart.
	for day := 0; day < 2; day++ {
		start := now.Add(-time.Duration(day+1) * 24 * time.Hour)
		access(t, s, "p1", a.ID, start)
		access(t, s, "p1", b.ID, start.Add(5*time.Minute))
		access(t, s, "p1", c.ID, start.Add(10*time.Minute))
	}

	result, err := m.Mine(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}

	found := false
	for _, p := range result.Patterns {
		if p.PatternType != types.PatternSequence {
			continue
		}
		seq, ok := p.PatternData.Get("sequence")
		if !ok || len(seq.List) != 3 {
			t.Fatalf("malformed sequence data: %+v", p.PatternData)
		}
		if seq.List[0].Scalar == a.ID && seq.List[1].Scalar == b.ID && seq.List[2].Scalar == c.ID {
			found = true
		}
	}
	if !found {
		t.Error("expected the A->B->C sequence pattern")
	}
}

func TestMinerSequenceRespectsWindow(t *testing.T) {
	s := newTestStore(t)
	m := NewMiner(s, testPatternsConfig())

	a := seedMemory(t, s, "p1")
	b := seedMemory(t, s, "p1")
	c := seedMemory(t, s, "p1")

	now := time.Now().UTC()
	// The B step arrives 2 hours after A, outside the 30-minute window.
	for day := 0; day < 2; day++ {
		start := now.Add(-time.Duration(day+1) * 24 * time.Hour)
		access(t, s, "p1", a.ID, start)
		access(t, s, "p1", b.ID, start.Add(2*time.Hour))
		access(t, s, "p1", c.ID, start.Add(2*time.Hour+5*time.Minute))
	}

	result, err := m.Mine(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}
	for _, p := range result.Patterns {
		if p.PatternType == types.PatternSequence {
			t.Error("steps outside the window must not form a sequence")
		}
	}
}

func TestMinerCoAccessStats(t *testing.T) {
	s := newTestStore(t)
	m := NewMiner(s, testPatternsConfig())

	a := seedMemory(t, s, "p1")
	b := seedMemory(t, s, "p1")
	lo, hi := a.ID, b.ID
	if hi < lo {
		lo, hi = hi, lo
	}

	now := time.Now().UTC()
	// Five joint accesses, always the ascending-id endpoint first, well
	// separated so each run contributes exactly one pair observation.
	for i := 0; i < 5; i++ {
		start := now.Add(-time.Duration(i+1) * 2 * time.Hour)
		access(t, s, "p1", lo, start)
		access(t, s, "p1", hi, start.Add(time.Minute))
	}

	result, err := m.Mine(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}

	if len(result.CoAccess) != 1 {
		t.Fatalf("expected one co-access pair, got %d", len(result.CoAccess))
	}
	st := result.CoAccess[0]
	if st.A != lo || st.B != hi {
		t.Errorf("pair not in canonical order: %s,%s", st.A, st.B)
	}
	if st.Count != 5 || st.ForwardCount != 5 {
		t.Errorf("expected count=5 forward=5, got %d/%d", st.Count, st.ForwardCount)
	}

	var stored *types.TemporalPattern
	for _, p := range result.Patterns {
		if p.PatternType == types.PatternCoAccess {
			stored = p
		}
	}
	if stored == nil {
		t.Fatal("expected a stored co_access pattern at the threshold")
	}
	if count, ok := stored.PatternData.Get("count"); !ok || count.Scalar != float64(5) {
		t.Errorf("stored pattern should carry the observed count, got %+v", stored.PatternData)
	}

	// Re-mining the same history merges into the same row and refreshes the
	// count instead of forking a new pattern per count value.
	result, err = m.Mine(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Mine failed: %v", err)
	}
	var coAccess []*types.TemporalPattern
	for _, p := range result.Patterns {
		if p.PatternType == types.PatternCoAccess {
			coAccess = append(coAccess, p)
		}
	}
	if len(coAccess) != 1 {
		t.Fatalf("expected exactly one co_access pattern after re-mining, got %d", len(coAccess))
	}
	if coAccess[0].Occurrences != 2 {
		t.Errorf("expected 2 occurrences after re-mining, got %d", coAccess[0].Occurrences)
	}
	if count, ok := coAccess[0].PatternData.Get("count"); !ok || count.Scalar != float64(5) {
		t.Errorf("re-mining should refresh the observed count, got %+v", coAccess[0].PatternData)
	}
}

func TestSuggesterConfidenceAndType(t *testing.T) {
	s := newTestStore(t)
	g := NewSuggester(s, 5)

	a := seedMemory(t, s, "p1", "go", "db")
	b := seedMemory(t, s, "p1", "go", "db", "infra")
	lo, hi := a.ID, b.ID
	if hi < lo {
		lo, hi = hi, lo
	}

	// Mixed ordering: 6 of 10 forward is below the 80% consistency bar.
	stats := []CoAccessStat{{A: lo, B: hi, Count: 10, ForwardCount: 6}}
	sugs, err := g.Suggest("p1", stats, false, time.Now().UTC())
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(sugs) != 1 {
		t.Fatalf("expected one suggestion, got %d", len(sugs))
	}
	sug := sugs[0]
	if sug.Type != types.RelRelatedTo {
		t.Errorf("inconsistent ordering should yield related_to, got %s", sug.Type)
	}
	// 0.5 + 0.03*2 + 0.02*(10-5) = 0.66
	if math.Abs(sug.Confidence-0.66) > 1e-9 {
		t.Errorf("expected confidence 0.66, got %f", sug.Confidence)
	}
	if sug.Applied {
		t.Error("suggestion must not apply without auto_apply")
	}

	// Consistent ordering flips the type to follows.
	stats[0].ForwardCount = 9
	sugs, err = g.Suggest("p1", stats, false, time.Now().UTC())
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if sugs[0].Type != types.RelFollows || sugs[0].FromID != lo || sugs[0].ToID != hi {
		t.Errorf("expected follows %s->%s, got %s %s->%s", lo, hi, sugs[0].Type, sugs[0].FromID, sugs[0].ToID)
	}

	// Reverse-consistent ordering points the edge the other way.
	stats[0].ForwardCount = 1
	sugs, _ = g.Suggest("p1", stats, false, time.Now().UTC())
	if sugs[0].Type != types.RelFollows || sugs[0].FromID != hi || sugs[0].ToID != lo {
		t.Errorf("expected follows %s->%s, got %s->%s", hi, lo, sugs[0].FromID, sugs[0].ToID)
	}
}

func TestSuggesterAutoApplyIdempotent(t *testing.T) {
	s := newTestStore(t)
	g := NewSuggester(s, 5)

	a := seedMemory(t, s, "p1", "x", "y", "z", "w", "v")
	b := seedMemory(t, s, "p1", "x", "y", "z", "w", "v")
	lo, hi := a.ID, b.ID
	if hi < lo {
		lo, hi = hi, lo
	}

	// 0.5 + 0.03*5 + 0.02*15 = 0.95, above the auto-apply threshold.
	stats := []CoAccessStat{{A: lo, B: hi, Count: 20, ForwardCount: 10}}
	sugs, err := g.Suggest("p1", stats, true, time.Now().UTC())
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if !sugs[0].Applied {
		t.Fatal("high-confidence suggestion should auto-apply")
	}

	rels, err := s.Relationships("p1")
	if err != nil {
		t.Fatalf("Relationships failed: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected one relationship, got %d", len(rels))
	}
	if math.Abs(rels[0].Strength-0.95) > 1e-9 {
		t.Errorf("expected strength 0.95, got %f", rels[0].Strength)
	}

	// A second application merges into the existing edge.
	if _, err := g.Suggest("p1", stats, true, time.Now().UTC()); err != nil {
		t.Fatalf("second Suggest failed: %v", err)
	}
	rels, _ = s.Relationships("p1")
	if len(rels) != 1 {
		t.Errorf("re-apply must not duplicate the edge, got %d", len(rels))
	}
	if rels[0].Strength <= 0.95 {
		t.Errorf("re-apply should strengthen the edge, got %f", rels[0].Strength)
	}
}

func TestSuggesterSkipsDeletedEndpoints(t *testing.T) {
	s := newTestStore(t)
	g := NewSuggester(s, 5)

	a := seedMemory(t, s, "p1")
	stats := []CoAccessStat{{A: a.ID, B: "gone", Count: 8, ForwardCount: 8}}
	sugs, err := g.Suggest("p1", stats, true, time.Now().UTC())
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if len(sugs) != 0 {
		t.Errorf("pairs with a missing endpoint must be skipped, got %d", len(sugs))
	}
}
