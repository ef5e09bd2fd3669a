package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"memoryd/internal/config"
	"memoryd/internal/maintenance"
	"memoryd/internal/patterns"
	"memoryd/internal/store"
	"memoryd/internal/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pcfg := config.PatternsConfig{
		SequenceWindowMinutes: 30, MinHourlyMemories: 3,
		MinCoAccessCount: 5, MinSequenceCount: 2,
	}
	mcfg := config.MaintenanceConfig{DuplicateThreshold: 0.85, OutdatedDays: 90, ArchiveDays: 180}
	scfg := config.SchedulerConfig{
		Enabled: true, IntervalHours: 1,
		AutoApplyRelationships: true, HighWaterQueueDepth: 768,
	}

	sched := New(s,
		patterns.NewMiner(s, pcfg),
		patterns.NewSuggester(s, pcfg.MinCoAccessCount),
		maintenance.New(s, mcfg),
		nil,
		scfg,
	)
	return sched, s
}

func seedAccessedPair(t *testing.T, s *store.Store, principalID string) (string, string) {
	t.Helper()
	now := time.Now().UTC()
	var ids []string
	for i := 0; i < 2; i++ {
		m := &types.Memory{
			ID: uuid.NewString(), PrincipalID: principalID, Text: "cycle seed",
			Tags:      []string{"alpha", "beta", "gamma", "delta", "epsilon"},
			CreatedAt: now, UpdatedAt: now, HelpfulnessScore: 0.5,
		}
		if err := s.InsertMemory(m); err != nil {
			t.Fatalf("InsertMemory failed: %v", err)
		}
		ids = append(ids, m.ID)
	}
	lo, hi := ids[0], ids[1]
	if hi < lo {
		lo, hi = hi, lo
	}
	// Twenty well-separated joint accesses, ascending endpoint first.
	for i := 0; i < 20; i++ {
		start := now.Add(-time.Duration(i+1) * 2 * time.Hour)
		if err := s.RecordAccess(principalID, lo, "", start); err != nil {
			t.Fatalf("RecordAccess failed: %v", err)
		}
		if err := s.RecordAccess(principalID, hi, "", start.Add(time.Minute)); err != nil {
			t.Fatalf("RecordAccess failed: %v", err)
		}
	}
	return lo, hi
}

func TestRunCycleMinesAndApplies(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedAccessedPair(t, s, "p1")

	stats, err := sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if stats.Principals != 1 {
		t.Errorf("expected 1 principal, got %d", stats.Principals)
	}
	if stats.Patterns == 0 {
		t.Error("expected mined patterns")
	}
	if stats.Suggestions == 0 {
		t.Error("expected relationship suggestions")
	}
	// 5 shared tags and 20 co-accesses clear the auto-apply bar.
	if stats.Applied == 0 {
		t.Error("expected an auto-applied relationship")
	}

	rels, err := s.Relationships("p1")
	if err != nil {
		t.Fatalf("Relationships failed: %v", err)
	}
	if len(rels) == 0 {
		t.Error("expected a persisted relationship after the cycle")
	}
}

func TestTickStateMachine(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedAccessedPair(t, s, "p1")

	if sched.State() != StateIdle {
		t.Fatalf("expected idle before first tick, got %s", sched.State())
	}

	sched.tick()

	// A completed run cools down for a full interval; the next tick skips.
	if sched.State() != StateCoolingDown {
		t.Fatalf("expected cooling_down after tick, got %s", sched.State())
	}
	before, err := sched.LastCycle()
	if err != nil {
		t.Fatalf("cycle reported error: %v", err)
	}
	sched.tick()
	after, _ := sched.LastCycle()
	if after.StartedAt != before.StartedAt {
		t.Error("tick during cooling_down must not run another cycle")
	}
}

func TestCycleCancellation(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedAccessedPair(t, s, "p1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sched.RunCycle(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	_ = s
}

func TestPrincipalGuardSkips(t *testing.T) {
	sched, s := newTestScheduler(t)
	seedAccessedPair(t, s, "p1")

	if !sched.TryLockPrincipal("p1") {
		t.Fatal("guard should be free")
	}
	stats, err := sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if stats.Skipped != 1 {
		t.Errorf("held guard should skip the principal, got skipped=%d", stats.Skipped)
	}
	sched.UnlockPrincipal("p1")

	stats, err = sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if stats.Skipped != 0 {
		t.Errorf("released guard should not skip, got skipped=%d", stats.Skipped)
	}
	_ = s
}

func TestHousekeepingEvictsExpiredPredictions(t *testing.T) {
	sched, s := newTestScheduler(t)

	entry := &types.PredictionCacheEntry{
		PrincipalID: "p1", CacheKey: "k1",
		Predictions: []types.Prediction{{MemoryID: "m", Confidence: 0.5}},
		ExpiresAt:   time.Now().UTC().Add(-time.Hour),
	}
	if err := s.PutCachedPredictions(entry); err != nil {
		t.Fatalf("PutCachedPredictions failed: %v", err)
	}

	if _, err := sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	got, err := s.GetCachedPredictions("p1", "k1", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetCachedPredictions failed: %v", err)
	}
	if got != nil {
		t.Error("expired entry should have been evicted by housekeeping")
	}
}

func TestReloadTogglesEnabled(t *testing.T) {
	sched, _ := newTestScheduler(t)
	sched.cfg.Enabled = false

	if err := sched.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sched.cron != nil {
		t.Fatal("disabled scheduler must not create a cron loop")
	}

	sched.Reload(config.SchedulerConfig{Enabled: true, IntervalHours: 1})
	if sched.cron == nil {
		t.Fatal("reload to enabled must start the cron loop")
	}

	sched.Reload(config.SchedulerConfig{Enabled: false, IntervalHours: 1})
	// A second disable is a no-op, not a double stop.
	sched.Reload(config.SchedulerConfig{Enabled: false, IntervalHours: 1})

	// Let the startup cycle finish before the store closes under it.
	deadline := time.Now().Add(2 * time.Second)
	for sched.State() == StateRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sched.State() == StateRunning {
		t.Error("cycle still running after reload disabled the scheduler")
	}
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	sched, _ := newTestScheduler(t)
	sched.cfg.Enabled = false
	if err := sched.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sched.cron != nil {
		t.Error("disabled scheduler must not create a cron loop")
	}
}
