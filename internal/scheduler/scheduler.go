// Package scheduler drives the periodic learning cycle: pattern mining,
// relationship suggestion, and maintenance analysis per principal, plus
// store housekeeping. One cycle runs at startup, then on a cron cadence with
// a cooling-down interval guaranteeing non-overlapping runs.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"memoryd/internal/config"
	"memoryd/internal/logging"
	"memoryd/internal/maintenance"
	"memoryd/internal/patterns"
	"memoryd/internal/store"
	"memoryd/internal/tracker"
)

// JobState is the lifecycle state of the learning cycle job.
type JobState string

const (
	StateIdle        JobState = "idle"
	StateRunning     JobState = "running"
	StateCoolingDown JobState = "cooling_down"
)

// accessLogRetention bounds how long raw access history is kept.
const accessLogRetention = 90 * 24 * time.Hour

// CycleStats summarizes one completed learning cycle.
type CycleStats struct {
	Principals     int
	Skipped        int
	Patterns       int
	Suggestions    int
	Applied        int
	StaleFlagged   int
	BackpressureOn bool
	StartedAt      time.Time
	Duration       time.Duration
}

// Scheduler owns the cron loop and the per-principal learning cycle.
type Scheduler struct {
	store      *store.Store
	miner      *patterns.Miner
	suggester  *patterns.Suggester
	analyzer   *maintenance.Analyzer
	dispatcher *tracker.Dispatcher
	cfg        config.SchedulerConfig

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       JobState
	cycleCancel context.CancelFunc
	lastStats   CycleStats
	lastErr     error

	// guards prevents overlapping learning work on the same principal when a
	// cycle races an on-demand analyze call. Contention skips, never waits.
	guardsMu sync.Mutex
	guards   map[string]bool
}

// New wires a scheduler. The dispatcher may be nil; backpressure is then
// never applied.
func New(s *store.Store, m *patterns.Miner, g *patterns.Suggester, a *maintenance.Analyzer, d *tracker.Dispatcher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:      s,
		miner:      m,
		suggester:  g,
		analyzer:   a,
		dispatcher: d,
		cfg:        cfg,
		state:      StateIdle,
		guards:     make(map[string]bool),
	}
}

// Start launches the cron loop and kicks off an immediate first cycle.
func (s *Scheduler) Start() error {
	if !s.cfg.Enabled {
		logging.Scheduler("Scheduler disabled by configuration")
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	interval := time.Duration(s.cfg.IntervalHours * float64(time.Hour))
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every "+interval.String(), s.tick); err != nil {
		return err
	}
	s.cron.Start()
	logging.Scheduler("Scheduler started (interval=%s)", interval)

	go s.tick()
	return nil
}

// Reload applies a runtime configuration change. Only the Enabled toggle is
// honored hot; interval and threshold changes take effect after a restart.
// The flag flips under the state lock, but Start/Stop run outside it: Stop
// waits for a running tick, and a tick takes the same lock on its way out.
func (s *Scheduler) Reload(cfg config.SchedulerConfig) {
	s.mu.Lock()
	wasEnabled := s.cfg.Enabled
	s.cfg.Enabled = cfg.Enabled
	s.mu.Unlock()

	switch {
	case cfg.Enabled && !wasEnabled:
		if err := s.Start(); err != nil {
			logging.Get(logging.CategoryScheduler).Error("Restart after config reload failed: %v", err)
		}
	case !cfg.Enabled && wasEnabled:
		s.Stop()
	}
}

// Stop cancels any running cycle and halts the cron loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	logging.Scheduler("Scheduler stopped")
}

// Cancel interrupts a running cycle. The in-flight store write completes;
// the job transitions back to idle before the next step. Future ticks are
// unaffected.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cycleCancel != nil {
		s.cycleCancel()
	}
}

// State returns the job state.
func (s *Scheduler) State() JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastCycle returns the stats and error of the most recent cycle.
func (s *Scheduler) LastCycle() (CycleStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats, s.lastErr
}

// tick attempts one cycle. A job still running or cooling down skips the
// tick; a completed run cools down for one full interval.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.state != StateIdle {
		logging.SchedulerDebug("Tick skipped: job is %s", s.state)
		s.mu.Unlock()
		return
	}
	base := s.ctx
	if base == nil {
		base = context.Background()
	}
	cctx, ccancel := context.WithCancel(base)
	s.state = StateRunning
	s.cycleCancel = ccancel
	s.mu.Unlock()

	stats, err := s.RunCycle(cctx)
	ccancel()

	s.mu.Lock()
	s.lastStats = stats
	s.lastErr = err
	s.cycleCancel = nil
	if err != nil {
		// Log and retry on the next tick.
		logging.Get(logging.CategoryScheduler).Error("Learning cycle failed: %v", err)
		s.state = StateIdle
		s.mu.Unlock()
		return
	}
	s.state = StateCoolingDown
	s.mu.Unlock()

	interval := time.Duration(s.cfg.IntervalHours * float64(time.Hour))
	time.AfterFunc(interval, func() {
		s.mu.Lock()
		if s.state == StateCoolingDown {
			s.state = StateIdle
		}
		s.mu.Unlock()
	})
}

// RunCycle runs one learning cycle over every principal: mining, then
// suggestions, then maintenance, then housekeeping. Under backpressure the
// per-principal work is skipped and only housekeeping runs.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleStats, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "RunCycle")
	defer timer.StopWithThreshold(time.Minute)

	start := time.Now().UTC()
	stats := CycleStats{StartedAt: start}

	if s.dispatcher != nil && s.cfg.HighWaterQueueDepth > 0 &&
		s.dispatcher.QueueDepth() > s.cfg.HighWaterQueueDepth {
		logging.Scheduler("Backpressure: queue depth %d above high water %d, skipping mining and maintenance",
			s.dispatcher.QueueDepth(), s.cfg.HighWaterQueueDepth)
		stats.BackpressureOn = true
	} else {
		principals, err := s.store.Principals()
		if err != nil {
			return stats, err
		}
		stats.Principals = len(principals)

		for _, principal := range principals {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if !s.tryAcquire(principal) {
				logging.SchedulerDebug("Principal %s busy, skipping this cycle", principal)
				stats.Skipped++
				continue
			}
			err := s.runPrincipal(ctx, principal, &stats)
			s.release(principal)
			if err != nil {
				return stats, err
			}
		}
	}

	s.housekeep(start)
	stats.Duration = time.Since(start)
	logging.Scheduler("Cycle done in %s: %d principals (%d skipped), %d patterns, %d suggestions (%d applied), %d stale",
		stats.Duration.Round(time.Millisecond), stats.Principals, stats.Skipped,
		stats.Patterns, stats.Suggestions, stats.Applied, stats.StaleFlagged)
	return stats, nil
}

func (s *Scheduler) runPrincipal(ctx context.Context, principal string, stats *CycleStats) error {
	now := time.Now().UTC()

	mined, err := s.miner.Mine(ctx, principal, now)
	if err != nil {
		return err
	}
	stats.Patterns += len(mined.Patterns)

	suggestions, err := s.suggester.Suggest(principal, mined.CoAccess, s.cfg.AutoApplyRelationships, now)
	if err != nil {
		return err
	}
	stats.Suggestions += len(suggestions)
	for _, sug := range suggestions {
		if sug.Applied {
			stats.Applied++
		}
	}

	report, err := s.analyzer.Analyze(ctx, principal, now)
	if err != nil {
		return err
	}
	stats.StaleFlagged += report.StaleCount()
	return nil
}

// housekeep evicts expired prediction cache entries and prunes old access
// history. Failures are logged, not fatal: the next cycle retries.
func (s *Scheduler) housekeep(now time.Time) {
	if n, err := s.store.EvictExpiredPredictions(now); err != nil {
		logging.Get(logging.CategoryScheduler).Warn("Prediction cache eviction failed: %v", err)
	} else if n > 0 {
		logging.SchedulerDebug("Evicted %d expired prediction entries", n)
	}
	if _, err := s.store.PruneAccessLog(now.Add(-accessLogRetention)); err != nil {
		logging.Get(logging.CategoryScheduler).Warn("Access log pruning failed: %v", err)
	}
}

// TryLockPrincipal acquires the per-principal learning guard for an
// on-demand analyze call. Returns false when a cycle already holds it.
func (s *Scheduler) TryLockPrincipal(principal string) bool {
	return s.tryAcquire(principal)
}

// UnlockPrincipal releases the guard taken by TryLockPrincipal.
func (s *Scheduler) UnlockPrincipal(principal string) {
	s.release(principal)
}

func (s *Scheduler) tryAcquire(principal string) bool {
	s.guardsMu.Lock()
	defer s.guardsMu.Unlock()
	if s.guards[principal] {
		return false
	}
	s.guards[principal] = true
	return true
}

func (s *Scheduler) release(principal string) {
	s.guardsMu.Lock()
	defer s.guardsMu.Unlock()
	delete(s.guards, principal)
}
