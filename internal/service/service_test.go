package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"memoryd/internal/classifier"
	"memoryd/internal/config"
	"memoryd/internal/feedback"
	"memoryd/internal/maintenance"
	"memoryd/internal/patterns"
	"memoryd/internal/predictor"
	"memoryd/internal/ranker"
	"memoryd/internal/scheduler"
	"memoryd/internal/store"
	"memoryd/internal/tracker"
	"memoryd/internal/types"
)

type stubEngine struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := s.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEngine) Dimensions() int { return 3 }
func (s *stubEngine) Name() string    { return "stub" }

type stubClassifier struct {
	verdict *classifier.Classification
	err     error
}

func (c *stubClassifier) Classify(ctx context.Context, text, contextText string) (*classifier.Classification, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.verdict, nil
}

type fixture struct {
	service    *Service
	store      *store.Store
	engine     *stubEngine
	dispatcher *tracker.Dispatcher
	classifier *stubClassifier
	scheduler  *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.DefaultConfig()
	engine := &stubEngine{vec: []float32{1, 0, 0}}
	fb := feedback.NewIntegrator(s)
	d := tracker.New(s, 64, 1)
	d.Start()
	t.Cleanup(d.Stop)

	miner := patterns.NewMiner(s, cfg.Patterns)
	suggester := patterns.NewSuggester(s, cfg.Patterns.MinCoAccessCount)
	analyzer := maintenance.New(s, cfg.Maintenance)
	sched := scheduler.New(s, miner, suggester, analyzer, d, cfg.Scheduler)
	cls := &stubClassifier{}

	svc := New(Deps{
		Store:      s,
		Engine:     engine,
		Ranker:     ranker.New(s, engine, fb, d, cfg.Ranker),
		Feedback:   fb,
		Predictor:  predictor.New(s, engine, cfg.Predictor),
		Miner:      miner,
		Suggester:  suggester,
		Analyzer:   analyzer,
		Dispatcher: d,
		Scheduler:  sched,
		Classifier: cls,
		Validator:  classifier.NewIdentityValidator(map[string][]string{"base_model_reference": {"Gemini"}}),
		Config:     cfg,
	})
	return &fixture{service: svc, store: s, engine: engine, dispatcher: d, classifier: cls, scheduler: sched}
}

func TestCreateMemoryValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.CreateMemory(ctx, "", CreateRequest{Text: "x"}); !types.IsInvalidInput(err) {
		t.Errorf("empty principal should be invalid, got %v", err)
	}
	if _, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: ""}); !types.IsInvalidInput(err) {
		t.Errorf("empty text should be invalid, got %v", err)
	}
	long := strings.Repeat("x", types.MaxTextCodepoints+1)
	if _, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: long}); !types.IsInvalidInput(err) {
		t.Errorf("oversized text should be invalid, got %v", err)
	}

	m, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: "a valid memory", Tags: []string{"t"}})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	if m.Embedding == nil {
		t.Error("expected the memory to be embedded at ingest")
	}
	if m.HelpfulnessScore != 0.5 {
		t.Errorf("fresh memory should start at 0.5, got %f", m.HelpfulnessScore)
	}
}

func TestCreateMemoryDegradedThenReembed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.err = errors.New("provider down")
	m, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: "stored without vector"})
	if err != nil {
		t.Fatalf("ingest must not fail on a degraded provider: %v", err)
	}
	if m.Embedding != nil {
		t.Fatal("expected nil embedding under degradation")
	}

	f.engine.err = nil
	n, err := f.service.ReembedAll(ctx, "p1")
	if err != nil {
		t.Fatalf("ReembedAll failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 backfilled embedding, got %d", n)
	}
	got, err := f.store.GetMemory("p1", m.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if got.Embedding == nil {
		t.Error("embedding should be backfilled")
	}
}

func TestGetMemoryTracksAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: "tracked"})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	view, err := f.service.GetMemory(ctx, "p1", m.ID, "debugging")
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	if view.Analytics.AccessFrequency == "" {
		t.Error("expected projected analytics")
	}

	f.dispatcher.Stop() // drain
	got, _ := f.store.GetMemory("p1", m.ID)
	if got.UsageCount != 1 {
		t.Errorf("read should have fired one tracking event, usage_count=%d", got.UsageCount)
	}
	if got.AccessPattern.Contexts["debugging"] != 1 {
		t.Errorf("expected context tally, got %+v", got.AccessPattern.Contexts)
	}
}

func TestUpdateMemoryReembedsAndInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: "original"})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	entry := &types.PredictionCacheEntry{
		PrincipalID: "p1", CacheKey: "k",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if err := f.store.PutCachedPredictions(entry); err != nil {
		t.Fatalf("PutCachedPredictions failed: %v", err)
	}

	embedsBefore := f.engine.calls
	text := "rewritten"
	updated, err := f.service.UpdateMemory(ctx, "p1", m.ID, UpdatePatch{Text: &text})
	if err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}
	if updated.Text != "rewritten" {
		t.Errorf("text not updated: %q", updated.Text)
	}
	if f.engine.calls != embedsBefore+1 {
		t.Error("text change must trigger a re-embed")
	}

	cached, err := f.store.GetCachedPredictions("p1", "k", time.Now().UTC())
	if err != nil {
		t.Fatalf("GetCachedPredictions failed: %v", err)
	}
	if cached != nil {
		t.Error("update must invalidate cached predictions")
	}

	// A tags-only patch does not re-embed.
	embedsBefore = f.engine.calls
	tags := []string{"a"}
	if _, err := f.service.UpdateMemory(ctx, "p1", m.ID, UpdatePatch{Tags: &tags}); err != nil {
		t.Fatalf("UpdateMemory failed: %v", err)
	}
	if f.engine.calls != embedsBefore {
		t.Error("metadata-only patches must not re-embed")
	}
}

func TestAutoSaveVerdicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.classifier.verdict = &classifier.Classification{
		Category: classifier.CategoryDecision, ShouldSave: true, Confidence: 0.9,
	}
	res, err := f.service.AutoSave(ctx, "p1", "we will use sqlite", "")
	if err != nil {
		t.Fatalf("AutoSave failed: %v", err)
	}
	if !res.Saved || res.Memory == nil {
		t.Fatal("decision verdict should save")
	}
	if res.Memory.Source != "auto_save" || res.Memory.Tags[0] != "decision" {
		t.Errorf("unexpected saved memory: %+v", res.Memory)
	}
	cat, _ := res.Memory.Metadata.Get("category")
	if cat.Scalar != "decision" {
		t.Errorf("expected category metadata, got %+v", res.Memory.Metadata)
	}

	f.classifier.verdict = &classifier.Classification{
		Category: classifier.CategoryBrainstorming, ShouldSave: false, Confidence: 0.8,
	}
	res, err = f.service.AutoSave(ctx, "p1", "what if we tried...", "")
	if err != nil {
		t.Fatalf("AutoSave failed: %v", err)
	}
	if res.Saved {
		t.Error("brainstorming must not be saved")
	}

	f.classifier.err = errors.New("classifier down")
	if _, err := f.service.AutoSave(ctx, "p1", "text", ""); err == nil {
		t.Error("classifier failure should surface")
	}
}

func TestAutoSaveWithoutClassifier(t *testing.T) {
	f := newFixture(t)
	f.service.deps.Classifier = nil

	res, err := f.service.AutoSave(context.Background(), "p1", "save me anyway", "")
	if err != nil {
		t.Fatalf("AutoSave failed: %v", err)
	}
	if !res.Saved || res.Classification != nil {
		t.Errorf("expected unconditional save, got %+v", res)
	}
}

func TestApplyFeedbackRecordsSatisfactionMetric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: "rated"})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	sat := 0.9
	if _, err := f.service.ApplyFeedback(ctx, "p1", m.ID, feedback.Signal{Helpful: true, Satisfaction: &sat}); err != nil {
		t.Fatalf("ApplyFeedback failed: %v", err)
	}

	metrics, err := f.store.MetricsSince("p1", types.MetricUserSatisfaction, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("MetricsSince failed: %v", err)
	}
	if len(metrics) != 1 || metrics[0].Value != 0.9 {
		t.Errorf("expected one satisfaction sample at 0.9, got %+v", metrics)
	}
}

func TestAnalyzeGuardConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: "m"}); err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}

	if !f.scheduler.TryLockPrincipal("p1") {
		t.Fatal("guard should be free")
	}
	_, err := f.service.Analyze(ctx, "p1", false)
	if !types.IsConflict(err) {
		t.Errorf("expected Conflict while the guard is held, got %v", err)
	}
	f.scheduler.UnlockPrincipal("p1")

	res, err := f.service.Analyze(ctx, "p1", false)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if res == nil {
		t.Fatal("expected an analysis result")
	}
}

func TestLearningMetricsTrend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().UTC()
	values := []float64{0.2, 0.25, 0.8, 0.85}
	for i, v := range values {
		err := f.store.RecordMetric(&types.LearningMetric{
			PrincipalID: "p1", MetricType: types.MetricUserSatisfaction,
			Value: v, RecordedAt: now.Add(time.Duration(i-10) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordMetric failed: %v", err)
		}
	}

	report, err := f.service.LearningMetrics(ctx, "p1", 30)
	if err != nil {
		t.Fatalf("LearningMetrics failed: %v", err)
	}
	if len(report.Series) != 1 {
		t.Fatalf("expected one series, got %d", len(report.Series))
	}
	series := report.Series[0]
	if series.Trend != TrendImproving {
		t.Errorf("expected improving trend, got %s", series.Trend)
	}
	if len(series.Points) != 4 {
		t.Errorf("expected 4 points, got %d", len(series.Points))
	}
	if report.Weights.HelpfulnessWeight != types.DefaultHelpfulnessWeight {
		t.Errorf("expected default weights, got %+v", report.Weights)
	}
}

func TestValidateIdentity(t *testing.T) {
	f := newFixture(t)
	res := f.service.ValidateIdentity("Max", "Gemini reporting in")
	if len(res.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", res.Violations)
	}
	if res.CorrectedText != "Max reporting in" {
		t.Errorf("unexpected correction: %q", res.CorrectedText)
	}
}

func TestDeleteMemoryCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.service.CreateMemory(ctx, "p1", CreateRequest{Text: "doomed"})
	if err != nil {
		t.Fatalf("CreateMemory failed: %v", err)
	}
	if err := f.service.DeleteMemory(ctx, "p1", m.ID); err != nil {
		t.Fatalf("DeleteMemory failed: %v", err)
	}
	if _, err := f.store.GetMemory("p1", m.ID); !types.IsNotFound(err) {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}
