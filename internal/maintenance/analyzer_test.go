package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"memoryd/internal/config"
	"memoryd/internal/store"
	"memoryd/internal/types"
)

func newTestAnalyzer(t *testing.T) (*Analyzer, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	cfg := config.MaintenanceConfig{DuplicateThreshold: 0.85, OutdatedDays: 90, ArchiveDays: 180}
	return New(s, cfg), s
}

type seedOpts struct {
	text         string
	helpfulness  float64
	usageCount   int64
	createdAt    time.Time
	lastAccessed *time.Time
}

func seed(t *testing.T, s *store.Store, principalID string, o seedOpts) *types.Memory {
	t.Helper()
	if o.helpfulness == 0 {
		o.helpfulness = 0.5
	}
	if o.createdAt.IsZero() {
		o.createdAt = time.Now().UTC()
	}
	m := &types.Memory{
		ID: uuid.NewString(), PrincipalID: principalID, Text: o.text,
		CreatedAt: o.createdAt, UpdatedAt: o.createdAt,
		HelpfulnessScore: o.helpfulness, UsageCount: o.usageCount,
		LastAccessed: o.lastAccessed,
	}
	if err := s.InsertMemory(m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}
	return m
}

func timePtr(t time.Time) *time.Time { return &t }

func TestDuplicateDetection(t *testing.T) {
	a, s := newTestAnalyzer(t)
	now := time.Now().UTC()

	d1 := seed(t, s, "p1", seedOpts{text: "Use PostgreSQL for the billing database, not MySQL."})
	d2 := seed(t, s, "p1", seedOpts{text: "use postgresql for the billing database not mysql"})
	seed(t, s, "p1", seedOpts{text: "Entirely unrelated note about deployment windows."})

	report, err := a.Analyze(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(report.Duplicates) != 1 {
		t.Fatalf("expected one duplicate pair, got %d", len(report.Duplicates))
	}
	pair := report.Duplicates[0]
	got := map[string]bool{pair.AID: true, pair.BID: true}
	if !got[d1.ID] || !got[d2.ID] {
		t.Errorf("wrong pair: %+v", pair)
	}
	if pair.Similarity < 0.85 {
		t.Errorf("similarity below threshold: %f", pair.Similarity)
	}
}

func TestOutdatedBucket(t *testing.T) {
	a, s := newTestAnalyzer(t)
	now := time.Now().UTC()

	stale := seed(t, s, "p1", seedOpts{
		text: "old and unloved", helpfulness: 0.1, usageCount: 3,
		createdAt:    now.Add(-200 * 24 * time.Hour),
		lastAccessed: timePtr(now.Add(-120 * 24 * time.Hour)),
	})
	// Low score but recently accessed: not outdated.
	seed(t, s, "p1", seedOpts{
		text: "low score fresh access", helpfulness: 0.1, usageCount: 3,
		lastAccessed: timePtr(now.Add(-time.Hour)),
	})
	// Old access but decent score: not outdated.
	seed(t, s, "p1", seedOpts{
		text: "good score old access", helpfulness: 0.8, usageCount: 3,
		lastAccessed: timePtr(now.Add(-120 * 24 * time.Hour)),
	})

	report, err := a.Analyze(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(report.Outdated) != 1 || report.Outdated[0] != stale.ID {
		t.Errorf("expected only the stale memory, got %v", report.Outdated)
	}
}

func TestArchiveBucket(t *testing.T) {
	a, s := newTestAnalyzer(t)
	now := time.Now().UTC()

	archivable := seed(t, s, "p1", seedOpts{
		text: "never touched", createdAt: now.Add(-200 * 24 * time.Hour),
	})
	// Old but used: stays.
	seed(t, s, "p1", seedOpts{
		text: "old but used", usageCount: 1, createdAt: now.Add(-200 * 24 * time.Hour),
	})
	// Unused but young: stays.
	seed(t, s, "p1", seedOpts{text: "young and unused"})

	report, err := a.Analyze(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(report.ArchiveCandidates) != 1 || report.ArchiveCandidates[0] != archivable.ID {
		t.Errorf("expected only the untouched old memory, got %v", report.ArchiveCandidates)
	}
	if report.StaleCount() != 1 {
		t.Errorf("expected stale count 1, got %d", report.StaleCount())
	}
}

func TestBucketsAreDisjoint(t *testing.T) {
	a, s := newTestAnalyzer(t)
	now := time.Now().UTC()

	// Both memories qualify as duplicates AND as outdated/archivable; the
	// duplicate bucket must claim them.
	old := now.Add(-200 * 24 * time.Hour)
	seed(t, s, "p1", seedOpts{
		text: "identical maintenance candidate text", helpfulness: 0.1,
		createdAt: old, lastAccessed: timePtr(now.Add(-120 * 24 * time.Hour)),
	})
	seed(t, s, "p1", seedOpts{
		text: "identical maintenance candidate text", createdAt: old,
	})

	report, err := a.Analyze(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(report.Duplicates) != 1 {
		t.Fatalf("expected one duplicate pair, got %d", len(report.Duplicates))
	}
	if len(report.Outdated) != 0 || len(report.ArchiveCandidates) != 0 {
		t.Errorf("duplicate members leaked into other buckets: outdated=%v archive=%v",
			report.Outdated, report.ArchiveCandidates)
	}
}

func TestBrokenReferenceCount(t *testing.T) {
	a, s := newTestAnalyzer(t)
	now := time.Now().UTC()

	m1 := seed(t, s, "p1", seedOpts{text: "from endpoint"})
	m2 := seed(t, s, "p1", seedOpts{text: "to endpoint"})
	rel := &types.Relationship{
		ID: uuid.NewString(), PrincipalID: "p1", FromID: m1.ID, ToID: m2.ID,
		Type: types.RelRelatedTo, Strength: 0.5, CreatedAt: now,
	}
	if err := s.InsertRelationship(rel); err != nil {
		t.Fatalf("InsertRelationship failed: %v", err)
	}

	report, err := a.Analyze(context.Background(), "p1", now)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if report.BrokenReferences != 0 {
		t.Errorf("expected no broken references, got %d", report.BrokenReferences)
	}
}

func TestTokenization(t *testing.T) {
	toks := tokenize("Hello, WORLD!  foo-bar_baz")
	for _, want := range []string{"hello", "world", "foo", "bar_baz"} {
		if !toks[want] {
			t.Errorf("missing token %q in %v", want, toks)
		}
	}
	if toks[""] {
		t.Error("empty tokens must be dropped")
	}
}

func TestJaccard(t *testing.T) {
	a := map[string]bool{"a": true, "b": true, "c": true}
	b := map[string]bool{"b": true, "c": true, "d": true}
	if got := jaccard(a, b); got != 0.5 {
		t.Errorf("expected 0.5, got %f", got)
	}
	if got := jaccard(a, a); got != 1.0 {
		t.Errorf("expected 1.0, got %f", got)
	}
	if got := jaccard(a, map[string]bool{}); got != 0.0 {
		t.Errorf("expected 0.0, got %f", got)
	}
}
