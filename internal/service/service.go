// Package service exposes the core operations of the memory store: ingest,
// retrieval, weighted search, feedback, prediction, analysis, and
// maintenance. It orchestrates the store, the embedding engine, the learning
// components, and the optional auto-save classifier; transports sit on top
// of this package.
package service

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"memoryd/internal/analytics"
	"memoryd/internal/classifier"
	"memoryd/internal/config"
	"memoryd/internal/embedding"
	"memoryd/internal/feedback"
	"memoryd/internal/logging"
	"memoryd/internal/maintenance"
	"memoryd/internal/patterns"
	"memoryd/internal/predictor"
	"memoryd/internal/ranker"
	"memoryd/internal/scheduler"
	"memoryd/internal/store"
	"memoryd/internal/tracker"
	"memoryd/internal/types"
)

// reembedBatchSize is how many missing embeddings one backfill round fetches.
const reembedBatchSize = 32

// Deps wires the service's collaborators. Classifier, Validator, Dispatcher,
// and Scheduler are optional; the operations needing them degrade gracefully.
type Deps struct {
	Store      *store.Store
	Engine     embedding.Engine
	Ranker     *ranker.Ranker
	Feedback   *feedback.Integrator
	Predictor  *predictor.Predictor
	Miner      *patterns.Miner
	Suggester  *patterns.Suggester
	Analyzer   *maintenance.Analyzer
	Dispatcher *tracker.Dispatcher
	Scheduler  *scheduler.Scheduler
	Classifier classifier.Classifier
	Validator  *classifier.IdentityValidator
	Config     *config.Config
}

// Service implements the core-exposed operations.
type Service struct {
	deps Deps
}

// New creates the service.
func New(deps Deps) *Service {
	return &Service{deps: deps}
}

// MemoryView is a memory with its projected analytics.
type MemoryView struct {
	Memory    *types.Memory        `json:"memory"`
	Analytics analytics.Projection `json:"analytics"`
}

// CreateRequest carries the ingest fields.
type CreateRequest struct {
	Text      string         `json:"text"`
	Source    string         `json:"source,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  types.Attr     `json:"metadata,omitempty"`
	Context   map[string]any `json:"-"`
}

// CreateMemory validates and stores a new memory, embedding its text. A
// degraded embedding provider leaves the embedding nil; ReembedAll backfills
// it later.
func (s *Service) CreateMemory(ctx context.Context, principalID string, req CreateRequest) (*types.Memory, error) {
	timer := logging.StartTimer(logging.CategoryService, "CreateMemory")
	defer timer.Stop()

	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	if err := validateText(req.Text); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	m := &types.Memory{
		ID:               uuid.NewString(),
		PrincipalID:      principalID,
		Text:             req.Text,
		Tags:             req.Tags,
		Metadata:         req.Metadata,
		Source:           req.Source,
		ProjectID:        req.ProjectID,
		CreatedAt:        now,
		UpdatedAt:        now,
		HelpfulnessScore: 0.5,
	}

	vec, err := s.deps.Engine.Embed(ctx, req.Text)
	if err != nil {
		logging.Get(logging.CategoryService).Warn("Embedding unavailable at ingest, storing %s without vector: %v", m.ID, err)
	} else {
		m.Embedding = vec
	}

	if err := s.deps.Store.InsertMemory(m); err != nil {
		return nil, err
	}
	logging.Service("Created memory %s for %s (embedded=%v)", m.ID, principalID, m.Embedding != nil)
	return m, nil
}

// GetMemory returns the memory with projected analytics. The read fires an
// async usage-tracking event; its failure never fails this call.
func (s *Service) GetMemory(ctx context.Context, principalID, id, accessContext string) (*MemoryView, error) {
	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	m, err := s.deps.Store.GetMemory(principalID, id)
	if err != nil {
		return nil, err
	}

	if s.deps.Dispatcher != nil {
		s.deps.Dispatcher.Enqueue(tracker.Event{
			PrincipalID: principalID,
			MemoryID:    id,
			Context:     accessContext,
			At:          time.Now().UTC(),
		})
	}
	return &MemoryView{Memory: m, Analytics: analytics.Project(m, time.Now().UTC())}, nil
}

// UpdatePatch is a partial memory update; nil fields are left unchanged.
type UpdatePatch struct {
	Text      *string     `json:"text,omitempty"`
	Tags      *[]string   `json:"tags,omitempty"`
	Metadata  *types.Attr `json:"metadata,omitempty"`
	Source    *string     `json:"source,omitempty"`
	ProjectID *string     `json:"project_id,omitempty"`
}

// UpdateMemory applies the patch, re-embedding when the text changed, and
// invalidates the principal's cached predictions.
func (s *Service) UpdateMemory(ctx context.Context, principalID, id string, patch UpdatePatch) (*types.Memory, error) {
	timer := logging.StartTimer(logging.CategoryService, "UpdateMemory")
	defer timer.Stop()

	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	m, err := s.deps.Store.GetMemory(principalID, id)
	if err != nil {
		return nil, err
	}

	textChanged := false
	if patch.Text != nil && *patch.Text != m.Text {
		if err := validateText(*patch.Text); err != nil {
			return nil, err
		}
		m.Text = *patch.Text
		textChanged = true
	}
	if patch.Tags != nil {
		m.Tags = *patch.Tags
	}
	if patch.Metadata != nil {
		m.Metadata = *patch.Metadata
	}
	if patch.Source != nil {
		m.Source = *patch.Source
	}
	if patch.ProjectID != nil {
		m.ProjectID = *patch.ProjectID
	}
	m.UpdatedAt = time.Now().UTC()

	if textChanged {
		vec, err := s.deps.Engine.Embed(ctx, m.Text)
		if err != nil {
			logging.Get(logging.CategoryService).Warn("Re-embedding failed for %s, clearing stale vector: %v", id, err)
			m.Embedding = nil
		} else {
			m.Embedding = vec
		}
	}

	if err := s.deps.Store.UpdateMemory(m); err != nil {
		return nil, err
	}
	if err := s.deps.Store.InvalidatePredictions(principalID); err != nil {
		logging.Get(logging.CategoryService).Warn("Prediction invalidation failed after update: %v", err)
	}
	return m, nil
}

// DeleteMemory removes the memory; relationships cascade and cached
// predictions are invalidated by the store.
func (s *Service) DeleteMemory(ctx context.Context, principalID, id string) error {
	if err := validatePrincipal(principalID); err != nil {
		return err
	}
	return s.deps.Store.DeleteMemory(principalID, id)
}

// Search runs the weighted semantic search. The boolean reports degraded
// mode (empty result because the embedding provider is down).
func (s *Service) Search(ctx context.Context, principalID, query string, opts ranker.Options) ([]ranker.Result, bool, error) {
	if err := validatePrincipal(principalID); err != nil {
		return nil, false, err
	}
	if query == "" {
		return nil, false, types.InvalidInputf("query must not be empty")
	}
	return s.deps.Ranker.Search(ctx, principalID, query, opts)
}

// ApplyFeedback integrates a feedback signal and returns the new score. A
// provided satisfaction is also recorded as a user_satisfaction metric.
func (s *Service) ApplyFeedback(ctx context.Context, principalID, id string, sig feedback.Signal) (float64, error) {
	if err := validatePrincipal(principalID); err != nil {
		return 0, err
	}
	score, err := s.deps.Feedback.Apply(principalID, id, sig)
	if err != nil {
		return 0, err
	}

	if sig.Satisfaction != nil {
		metric := &types.LearningMetric{
			PrincipalID: principalID,
			MetricType:  types.MetricUserSatisfaction,
			Value:       *sig.Satisfaction,
			RecordedAt:  time.Now().UTC(),
			Context:     sig.Context,
		}
		if err := s.deps.Store.RecordMetric(metric); err != nil {
			logging.Get(logging.CategoryService).Warn("Satisfaction metric write failed: %v", err)
		}
	}
	return score, nil
}

// Predict returns likely-next memories for the recent-access context.
func (s *Service) Predict(ctx context.Context, principalID string, recentIDs []string, contextText string, k int) ([]types.Prediction, error) {
	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	return s.deps.Predictor.Predict(ctx, principalID, recentIDs, contextText, k)
}

// AnalysisResult is the outcome of an on-demand learning pass.
type AnalysisResult struct {
	Patterns    []*types.TemporalPattern `json:"patterns"`
	Suggestions []patterns.Suggestion    `json:"suggestions"`
	StaleCount  int                      `json:"stale_count"`
}

// Analyze runs mining, suggestion, and staleness analysis for one principal
// on demand. Contention with a scheduler cycle on the same principal yields
// Conflict rather than waiting.
func (s *Service) Analyze(ctx context.Context, principalID string, autoApply bool) (*AnalysisResult, error) {
	timer := logging.StartTimer(logging.CategoryService, "Analyze")
	defer timer.StopWithThreshold(10 * time.Second)

	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	if s.deps.Scheduler != nil {
		if !s.deps.Scheduler.TryLockPrincipal(principalID) {
			return nil, types.Conflictf("a learning cycle is already running for %s", principalID)
		}
		defer s.deps.Scheduler.UnlockPrincipal(principalID)
	}

	now := time.Now().UTC()
	mined, err := s.deps.Miner.Mine(ctx, principalID, now)
	if err != nil {
		return nil, err
	}
	suggestions, err := s.deps.Suggester.Suggest(principalID, mined.CoAccess, autoApply, now)
	if err != nil {
		return nil, err
	}
	report, err := s.deps.Analyzer.Analyze(ctx, principalID, now)
	if err != nil {
		return nil, err
	}
	return &AnalysisResult{
		Patterns:    mined.Patterns,
		Suggestions: suggestions,
		StaleCount:  report.StaleCount(),
	}, nil
}

// MaintenanceReport returns the bucketed hygiene report.
func (s *Service) MaintenanceReport(ctx context.Context, principalID string) (*maintenance.Report, error) {
	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	return s.deps.Analyzer.Analyze(ctx, principalID, time.Now().UTC())
}

// AutoSaveResult reports what the classifier decided and what, if anything,
// was stored.
type AutoSaveResult struct {
	Saved          bool                       `json:"saved"`
	Memory         *types.Memory              `json:"memory,omitempty"`
	Classification *classifier.Classification `json:"classification,omitempty"`
}

// AutoSave classifies the text and stores it when the verdict says so. With
// no classifier configured every text is saved as an unclassified memory.
func (s *Service) AutoSave(ctx context.Context, principalID, text, contextText string) (*AutoSaveResult, error) {
	if err := validatePrincipal(principalID); err != nil {
		return nil, err
	}
	if err := validateText(text); err != nil {
		return nil, err
	}

	req := CreateRequest{Text: text, Source: "auto_save"}
	if s.deps.Classifier == nil {
		m, err := s.CreateMemory(ctx, principalID, req)
		if err != nil {
			return nil, err
		}
		return &AutoSaveResult{Saved: true, Memory: m}, nil
	}

	verdict, err := s.deps.Classifier.Classify(ctx, text, contextText)
	if err != nil {
		return nil, err
	}
	if !verdict.ShouldSave {
		logging.ServiceDebug("AutoSave declined (%s): %s", verdict.Category, verdict.Reasoning)
		return &AutoSaveResult{Saved: false, Classification: verdict}, nil
	}

	req.Tags = []string{string(verdict.Category)}
	req.Metadata = types.MapAttr(map[string]types.Attr{
		"category":   types.String(string(verdict.Category)),
		"confidence": types.Number(verdict.Confidence),
	})
	m, err := s.CreateMemory(ctx, principalID, req)
	if err != nil {
		return nil, err
	}
	return &AutoSaveResult{Saved: true, Memory: m, Classification: verdict}, nil
}

// ValidateIdentity scans a response for base-model identity leaks.
func (s *Service) ValidateIdentity(agentIdentity, responseText string) *classifier.ValidationResult {
	if s.deps.Validator == nil {
		return &classifier.ValidationResult{}
	}
	return s.deps.Validator.Validate(agentIdentity, responseText)
}

// ReembedAll backfills embeddings for memories stored while the provider was
// degraded. Returns how many were embedded.
func (s *Service) ReembedAll(ctx context.Context, principalID string) (int, error) {
	timer := logging.StartTimer(logging.CategoryService, "ReembedAll")
	defer timer.StopWithThreshold(time.Minute)

	if err := validatePrincipal(principalID); err != nil {
		return 0, err
	}

	total := 0
	for {
		batch, err := s.deps.Store.MemoriesWithoutEmbedding(principalID, reembedBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		texts := make([]string, len(batch))
		for i, m := range batch {
			texts[i] = m.Text
		}
		vecs, err := s.deps.Engine.EmbedBatch(ctx, texts)
		if err != nil {
			return total, err
		}
		embedded := 0
		for i, m := range batch {
			if i >= len(vecs) || vecs[i] == nil {
				continue
			}
			if err := s.deps.Store.SetEmbedding(principalID, m.ID, vecs[i]); err != nil {
				return total, err
			}
			embedded++
		}
		total += embedded
		// No progress means the provider returned nothing usable; stop
		// rather than refetching the same batch forever.
		if embedded == 0 || len(batch) < reembedBatchSize {
			return total, nil
		}
	}
}

// Stats returns store row counts plus dispatcher counters.
func (s *Service) Stats() (map[string]int64, error) {
	stats, err := s.deps.Store.Stats()
	if err != nil {
		return nil, err
	}
	if s.deps.Dispatcher != nil {
		stats["tracker_processed"] = s.deps.Dispatcher.Processed()
		stats["tracker_dropped"] = s.deps.Dispatcher.Dropped()
		stats["tracker_failed"] = s.deps.Dispatcher.Failed()
		stats["tracker_queue_depth"] = int64(s.deps.Dispatcher.QueueDepth())
	}
	return stats, nil
}

func validatePrincipal(principalID string) error {
	if principalID == "" {
		return types.InvalidInputf("principal must not be empty")
	}
	return nil
}

func validateText(text string) error {
	if text == "" {
		return types.InvalidInputf("text must not be empty")
	}
	if n := utf8.RuneCountInString(text); n > types.MaxTextCodepoints {
		return types.InvalidInputf("text length %d exceeds the %d codepoint limit", n, types.MaxTextCodepoints)
	}
	return nil
}
