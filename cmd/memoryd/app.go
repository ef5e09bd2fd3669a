package main

import (
	"fmt"
	"time"

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
	"memoryd/internal/service"
	"memoryd/internal/store"
	"memoryd/internal/tracker"
)

// app holds the wired daemon components.
type app struct {
	cfg       *config.Config
	store     *store.Store
	service   *service.Service
	scheduler *scheduler.Scheduler
	tracker   *tracker.Dispatcher
}

// buildApp loads configuration and wires every component. withBackground
// starts the tracker and scheduler; one-shot CLI commands leave them off.
func buildApp(withBackground bool) (*app, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Initialize(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	st, err := store.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}
	resilient := embedding.NewResilientEngine(engine, embedding.ResilientConfig{
		MaxRetries:       cfg.Embedding.MaxRetries,
		CallTimeout:      cfg.EmbeddingTimeout(),
		BreakerThreshold: uint32(cfg.CircuitBreaker.Threshold),
		BreakerTimeout:   cfg.BreakerTimeout(),
	})

	fb := feedback.NewIntegrator(st)
	dispatcher := tracker.New(st, cfg.Tracker.QueueSize, cfg.Tracker.Workers)
	miner := patterns.NewMiner(st, cfg.Patterns)
	suggester := patterns.NewSuggester(st, cfg.Patterns.MinCoAccessCount)
	analyzer := maintenance.New(st, cfg.Maintenance)
	sched := scheduler.New(st, miner, suggester, analyzer, dispatcher, cfg.Scheduler)

	var cls classifier.Classifier
	if cfg.Classifier.Enabled && cfg.Classifier.APIKey != "" {
		cls, err = classifier.NewGenAIClassifier(cfg.Classifier)
		if err != nil {
			logging.Get(logging.CategoryClassifier).Warn("Classifier unavailable, auto-save will store unconditionally: %v", err)
			cls = nil
		}
	}

	svc := service.New(service.Deps{
		Store:      st,
		Engine:     resilient,
		Ranker:     ranker.New(st, resilient, fb, dispatcher, cfg.Ranker),
		Feedback:   fb,
		Predictor:  predictor.New(st, resilient, cfg.Predictor),
		Miner:      miner,
		Suggester:  suggester,
		Analyzer:   analyzer,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Classifier: cls,
		Validator:  classifier.NewIdentityValidator(identityTable()),
		Config:     cfg,
	})

	a := &app{cfg: cfg, store: st, service: svc, scheduler: sched, tracker: dispatcher}
	if withBackground {
		dispatcher.Start()
		if err := sched.Start(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}
	return a, nil
}

func (a *app) close() {
	a.scheduler.Stop()
	a.tracker.Stop()
	a.store.Close()
	logging.CloseAll()
}

// identityTable is the built-in substring table for identity validation.
// Deployments extend it through the validate endpoint's table parameter.
func identityTable() map[string][]string {
	return map[string][]string{
		"base_model_reference": {
			"as an ai language model",
			"as a large language model",
			"i am an ai assistant",
		},
	}
}

// shortTimeout bounds one-shot CLI operations.
const shortTimeout = 30 * time.Second
