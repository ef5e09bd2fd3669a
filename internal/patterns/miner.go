// Package patterns detects temporal regularities in a principal's access
// history (hourly, daily, sequence, co-access) and derives typed relationship
// suggestions from the co-access pairs.
package patterns

import (
	"context"
	"sort"
	"time"

	"memoryd/internal/config"
	"memoryd/internal/logging"
	"memoryd/internal/store"
	"memoryd/internal/types"
)

// minerLookback bounds how far back the miner reads the access log.
const minerLookback = 30 * 24 * time.Hour

// maxEventsPerRun caps one mining pass; older history is simply not scanned.
const maxEventsPerRun = 50000

// CoAccessStat is an observed co-access pair in canonical ascending-id order,
// with the count of observations where A preceded B.
type CoAccessStat struct {
	A            string
	B            string
	Count        int64
	ForwardCount int64
}

// Result is the outcome of one mining pass.
type Result struct {
	// Patterns is the stored pattern set after the run's upserts.
	Patterns []*types.TemporalPattern
	// CoAccess carries the raw pair statistics, ordering included, for the
	// suggester; the stored co_access patterns keep the pair identity plus
	// the observed count.
	CoAccess []CoAccessStat
}

// Miner scans access history and persists candidate patterns through the
// idempotent merge rule.
type Miner struct {
	store *store.Store
	cfg   config.PatternsConfig
}

// NewMiner creates a pattern miner.
func NewMiner(s *store.Store, cfg config.PatternsConfig) *Miner {
	return &Miner{store: s, cfg: cfg}
}

// Mine runs one pass over the principal's recent access history. Candidates
// found are merged into the pattern store; re-mining the same history bumps
// occurrences and confidence but never duplicates a pattern.
func (m *Miner) Mine(ctx context.Context, principalID string, now time.Time) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPatterns, "Mine")
	defer timer.StopWithThreshold(5 * time.Second)

	events, err := m.store.AccessEventsSince(principalID, now.Add(-minerLookback), maxEventsPerRun)
	if err != nil {
		return nil, err
	}
	logging.PatternsDebug("Mining %d access events for %s", len(events), principalID)

	candidates := make([]candidate, 0, 16)
	candidates = append(candidates, m.hourlyCandidates(events)...)
	candidates = append(candidates, m.dailyCandidates(events)...)
	candidates = append(candidates, m.sequenceCandidates(events)...)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := m.store.UpsertPattern(principalID, c.patternType, c.data, now); err != nil {
			return nil, err
		}
	}

	// Co-access pairs keep their identity on the memory pair alone; the
	// observed count lives in pattern_data outside the key, refreshed each
	// pass, so the predictor sees the real pair frequency after one run.
	coAccess := m.coAccessStats(events)
	for _, st := range coAccess {
		if st.Count < int64(m.cfg.MinCoAccessCount) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := types.MapAttr(map[string]types.Attr{
			"memories": types.ListAttr(types.String(st.A), types.String(st.B)),
		})
		data := types.MapAttr(map[string]types.Attr{
			"memories": types.ListAttr(types.String(st.A), types.String(st.B)),
			"count":    types.Number(float64(st.Count)),
		})
		if err := m.store.UpsertPatternKeyed(principalID, types.PatternCoAccess, key, data, now); err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{patternType: types.PatternCoAccess, data: data})
	}

	stored, err := m.store.Patterns(principalID)
	if err != nil {
		return nil, err
	}
	logging.Patterns("Mined %d candidates for %s (%d stored patterns)", len(candidates), principalID, len(stored))
	return &Result{Patterns: stored, CoAccess: coAccess}, nil
}

type candidate struct {
	patternType types.PatternType
	data        types.Attr
}

// hourlyCandidates emits one candidate per hour-of-day in which at least
// min_hourly_memories distinct memories were accessed.
func (m *Miner) hourlyCandidates(events []types.AccessEvent) []candidate {
	byHour := make(map[int]map[string]bool)
	for _, e := range events {
		h := e.AccessedAt.UTC().Hour()
		if byHour[h] == nil {
			byHour[h] = make(map[string]bool)
		}
		byHour[h][e.MemoryID] = true
	}

	var out []candidate
	for h := 0; h < 24; h++ {
		ids := byHour[h]
		if len(ids) < m.cfg.MinHourlyMemories {
			continue
		}
		out = append(out, candidate{
			patternType: types.PatternHourly,
			data: types.MapAttr(map[string]types.Attr{
				"hour":     types.Number(float64(h)),
				"memories": idListAttr(ids),
			}),
		})
	}
	return out
}

// dailyCandidates is the day-of-week analogue of hourlyCandidates.
func (m *Miner) dailyCandidates(events []types.AccessEvent) []candidate {
	byDay := make(map[time.Weekday]map[string]bool)
	for _, e := range events {
		d := e.AccessedAt.UTC().Weekday()
		if byDay[d] == nil {
			byDay[d] = make(map[string]bool)
		}
		byDay[d][e.MemoryID] = true
	}

	var out []candidate
	for d := time.Sunday; d <= time.Saturday; d++ {
		ids := byDay[d]
		if len(ids) < m.cfg.MinHourlyMemories {
			continue
		}
		out = append(out, candidate{
			patternType: types.PatternDaily,
			data: types.MapAttr(map[string]types.Attr{
				"day":      types.Number(float64(d)),
				"memories": idListAttr(ids),
			}),
		})
	}
	return out
}

// sequenceCandidates finds (A,B,C) triples of distinct memories accessed in
// order, each step within the sequence window, observed at least
// min_sequence_count times.
func (m *Miner) sequenceCandidates(events []types.AccessEvent) []candidate {
	window := time.Duration(m.cfg.SequenceWindowMinutes) * time.Minute

	// Collapse consecutive accesses to the same memory; a burst of reads on
	// one record is a single step.
	steps := make([]types.AccessEvent, 0, len(events))
	for _, e := range events {
		if n := len(steps); n > 0 && steps[n-1].MemoryID == e.MemoryID {
			steps[n-1].AccessedAt = e.AccessedAt
			continue
		}
		steps = append(steps, e)
	}

	counts := make(map[[3]string]int)
	for i := 0; i+2 < len(steps); i++ {
		a, b, c := steps[i], steps[i+1], steps[i+2]
		if b.AccessedAt.Sub(a.AccessedAt) > window || c.AccessedAt.Sub(b.AccessedAt) > window {
			continue
		}
		if a.MemoryID == c.MemoryID {
			continue
		}
		counts[[3]string{a.MemoryID, b.MemoryID, c.MemoryID}]++
	}

	var out []candidate
	for triple, n := range counts {
		if n < m.cfg.MinSequenceCount {
			continue
		}
		out = append(out, candidate{
			patternType: types.PatternSequence,
			data: types.MapAttr(map[string]types.Attr{
				"sequence": types.ListAttr(
					types.String(triple[0]), types.String(triple[1]), types.String(triple[2])),
			}),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].data.Canonical() < out[j].data.Canonical() })
	return out
}

// coAccessStats counts unordered pairs of distinct memories accessed within
// the sequence window of each other, tracking how often the ascending-id
// endpoint came first.
func (m *Miner) coAccessStats(events []types.AccessEvent) []CoAccessStat {
	window := time.Duration(m.cfg.SequenceWindowMinutes) * time.Minute

	type pairKey struct{ a, b string }
	stats := make(map[pairKey]*CoAccessStat)
	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			if events[j].AccessedAt.Sub(events[i].AccessedAt) > window {
				break
			}
			first, second := events[i].MemoryID, events[j].MemoryID
			if first == second {
				continue
			}
			a, b := first, second
			forward := true
			if b < a {
				a, b = b, a
				forward = false
			}
			key := pairKey{a, b}
			st := stats[key]
			if st == nil {
				st = &CoAccessStat{A: a, B: b}
				stats[key] = st
			}
			st.Count++
			if forward {
				st.ForwardCount++
			}
		}
	}

	out := make([]CoAccessStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

func idListAttr(ids map[string]bool) types.Attr {
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	items := make([]types.Attr, len(sorted))
	for i, id := range sorted {
		items[i] = types.String(id)
	}
	return types.ListAttr(items...)
}
