// Package maintenance analyzes a principal's memory set for hygiene issues:
// near-duplicate texts, outdated low-value memories, archive candidates, and
// dangling relationship endpoints.
package maintenance

import (
	"context"
	"regexp"
	"strings"
	"time"

	"memoryd/internal/analytics"
	"memoryd/internal/config"
	"memoryd/internal/logging"
	"memoryd/internal/store"
	"memoryd/internal/types"
)

// outdatedScoreCeiling is the helpfulness level below which an unaccessed
// memory counts as outdated.
const outdatedScoreCeiling = 0.30

// scanPageSize is the memory listing page size for one analysis pass.
const scanPageSize = 500

// DuplicatePair is a near-duplicate candidate with its token similarity.
type DuplicatePair struct {
	AID        string  `json:"a"`
	BID        string  `json:"b"`
	Similarity float64 `json:"similarity"`
}

// Report holds the four analysis buckets. A memory appears in at most one of
// the three memory buckets; duplicates win over outdated, outdated over
// archive candidates.
type Report struct {
	PrincipalID       string          `json:"principal_id"`
	Duplicates        []DuplicatePair `json:"duplicates"`
	Outdated          []string        `json:"outdated"`
	ArchiveCandidates []string        `json:"archive_candidates"`
	BrokenReferences  int64           `json:"broken_references"`
	MemoriesScanned   int             `json:"memories_scanned"`
	GeneratedAt       time.Time       `json:"generated_at"`
}

// StaleCount is the number of memories flagged as outdated or archivable.
func (r *Report) StaleCount() int {
	return len(r.Outdated) + len(r.ArchiveCandidates)
}

// Analyzer produces maintenance reports.
type Analyzer struct {
	store *store.Store
	cfg   config.MaintenanceConfig
}

// New creates a maintenance analyzer.
func New(s *store.Store, cfg config.MaintenanceConfig) *Analyzer {
	return &Analyzer{store: s, cfg: cfg}
}

// Analyze scans the principal's memories and returns the bucketed report.
// The scan is read-only; acting on the report is the caller's decision.
func (a *Analyzer) Analyze(ctx context.Context, principalID string, now time.Time) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryMaintenance, "Analyze")
	defer timer.StopWithThreshold(5 * time.Second)

	memories, err := a.listAll(ctx, principalID)
	if err != nil {
		return nil, err
	}

	report := &Report{PrincipalID: principalID, MemoriesScanned: len(memories), GeneratedAt: now}

	// Duplicates claim their members first; the remaining memories compete
	// for the outdated and archive buckets in that order.
	claimed := make(map[string]bool)
	tokens := make([]map[string]bool, len(memories))
	for i, m := range memories {
		tokens[i] = tokenize(m.Text)
	}
	for i := 0; i < len(memories); i++ {
		for j := i + 1; j < len(memories); j++ {
			sim := jaccard(tokens[i], tokens[j])
			if sim < a.cfg.DuplicateThreshold {
				continue
			}
			report.Duplicates = append(report.Duplicates, DuplicatePair{
				AID: memories[i].ID, BID: memories[j].ID, Similarity: sim,
			})
			claimed[memories[i].ID] = true
			claimed[memories[j].ID] = true
		}
	}

	for _, m := range memories {
		if claimed[m.ID] {
			continue
		}
		switch {
		case a.isOutdated(m, now):
			report.Outdated = append(report.Outdated, m.ID)
			claimed[m.ID] = true
		case a.isArchivable(m, now):
			report.ArchiveCandidates = append(report.ArchiveCandidates, m.ID)
			claimed[m.ID] = true
		}
	}

	broken, err := a.store.CountBrokenReferences(principalID)
	if err != nil {
		return nil, err
	}
	report.BrokenReferences = broken

	logging.Maintenance("Report for %s: %d duplicates, %d outdated, %d archivable, %d broken refs (%d scanned)",
		principalID, len(report.Duplicates), len(report.Outdated),
		len(report.ArchiveCandidates), report.BrokenReferences, report.MemoriesScanned)
	return report, nil
}

func (a *Analyzer) listAll(ctx context.Context, principalID string) ([]*types.Memory, error) {
	var all []*types.Memory
	for offset := 0; ; offset += scanPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := a.store.ListMemories(principalID, "", scanPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < scanPageSize {
			return all, nil
		}
	}
}

func (a *Analyzer) isOutdated(m *types.Memory, now time.Time) bool {
	if m.HelpfulnessScore >= outdatedScoreCeiling {
		return false
	}
	proj := analytics.Project(m, now)
	return proj.DaysSinceAccess != nil && *proj.DaysSinceAccess >= int64(a.cfg.OutdatedDays)
}

func (a *Analyzer) isArchivable(m *types.Memory, now time.Time) bool {
	if m.UsageCount != 0 {
		return false
	}
	age := now.Sub(m.CreatedAt)
	return age >= time.Duration(a.cfg.ArchiveDays)*24*time.Hour
}

var nonWord = regexp.MustCompile(`\W+`)

// tokenize lowercases the text and splits on non-word characters, dropping
// empty tokens.
func tokenize(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range nonWord.Split(strings.ToLower(text), -1) {
		if tok != "" {
			out[tok] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
