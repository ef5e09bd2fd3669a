// Package config loads and validates memoryd configuration.
// Configuration lives in <data_dir>/config.yaml; environment variables
// override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all memoryd configuration.
type Config struct {
	// DataDir is the root for the database, logs, and config file.
	DataDir string `yaml:"data_dir"`

	Store          StoreConfig          `yaml:"store"`
	Embedding      EmbeddingConfig      `yaml:"embedding"`
	Classifier     ClassifierConfig     `yaml:"classifier"`
	Ranker         RankerConfig         `yaml:"ranker"`
	Tracker        TrackerConfig        `yaml:"tracker"`
	Patterns       PatternsConfig       `yaml:"patterns"`
	Predictor      PredictorConfig      `yaml:"predictor"`
	Maintenance    MaintenanceConfig    `yaml:"maintenance"`
	Scheduler      SchedulerConfig      `yaml:"scheduler"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "ollama" or "genai"
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // default 30
	MaxRetries     int    `yaml:"max_retries"`     // default 3
}

// ClassifierConfig configures the auto-save LLM classifier.
type ClassifierConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // default 30
}

// RankerConfig configures the weighted search ranker.
type RankerConfig struct {
	TopCandidateMultiplier int `yaml:"top_candidate_multiplier"` // default 3
	MinCandidates          int `yaml:"min_candidates"`           // default 1
	MaxCandidates          int `yaml:"max_candidates"`           // default 100
}

// TrackerConfig configures the async usage-tracking dispatcher.
type TrackerConfig struct {
	QueueSize int `yaml:"queue_size"` // default 1024
	Workers   int `yaml:"workers"`    // default 2
}

// PatternsConfig configures the pattern miner.
type PatternsConfig struct {
	SequenceWindowMinutes int `yaml:"sequence_window_minutes"` // default 30
	MinHourlyMemories     int `yaml:"min_hourly_memories"`     // default 3
	MinCoAccessCount      int `yaml:"min_co_access_count"`     // default 5
	MinSequenceCount      int `yaml:"min_sequence_count"`      // default 2
}

// PredictorConfig configures prediction and its cache.
type PredictorConfig struct {
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"` // default 3600
	MinConfidence   float64 `yaml:"min_confidence"`    // default 0.30
}

// MaintenanceConfig configures the maintenance analyzer.
type MaintenanceConfig struct {
	DuplicateThreshold float64 `yaml:"duplicate_threshold"` // default 0.85
	OutdatedDays       int     `yaml:"outdated_days"`       // default 90
	ArchiveDays        int     `yaml:"archive_days"`        // default 180
}

// SchedulerConfig configures the background learning cycle.
type SchedulerConfig struct {
	Enabled                bool    `yaml:"enabled"`
	IntervalHours          float64 `yaml:"interval_hours"` // default 1
	AutoApplyRelationships bool    `yaml:"auto_apply_relationships"`
	HighWaterQueueDepth    int     `yaml:"high_water_queue_depth"` // default 768
}

// CircuitBreakerConfig configures the per-upstream circuit breakers.
type CircuitBreakerConfig struct {
	Threshold      int `yaml:"threshold"`       // consecutive failures before opening; default 5
	TimeoutSeconds int `yaml:"timeout_seconds"` // default 60
}

// LoggingConfig mirrors the categorized logging settings.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Store:   StoreConfig{},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Classifier: ClassifierConfig{
			Model:          "gemini-2.0-flash",
			TimeoutSeconds: 30,
		},
		Ranker: RankerConfig{
			TopCandidateMultiplier: 3,
			MinCandidates:          1,
			MaxCandidates:          100,
		},
		Tracker: TrackerConfig{
			QueueSize: 1024,
			Workers:   2,
		},
		Patterns: PatternsConfig{
			SequenceWindowMinutes: 30,
			MinHourlyMemories:     3,
			MinCoAccessCount:      5,
			MinSequenceCount:      2,
		},
		Predictor: PredictorConfig{
			CacheTTLSeconds: 3600,
			MinConfidence:   0.30,
		},
		Maintenance: MaintenanceConfig{
			DuplicateThreshold: 0.85,
			OutdatedDays:       90,
			ArchiveDays:        180,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			IntervalHours:       1,
			HighWaterQueueDepth: 768,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:      5,
			TimeoutSeconds: 60,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memoryd"
	}
	return filepath.Join(home, ".memoryd")
}

// Load reads configuration from <dataDir>/config.yaml, fills defaults, and
// applies environment overrides. A missing file yields the defaults.
func Load(dataDir string) (*Config, error) {
	cfg := DefaultConfig()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	path := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.fillDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to <dataDir>/config.yaml.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.DataDir, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the config file under the data directory.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

// DatabasePath returns the effective database path.
func (c *Config) DatabasePath() string {
	if c.Store.DatabasePath != "" {
		return c.Store.DatabasePath
	}
	return filepath.Join(c.DataDir, "memoryd.db")
}

// EmbeddingTimeout returns the embedding call timeout.
func (c *Config) EmbeddingTimeout() time.Duration {
	return time.Duration(c.Embedding.TimeoutSeconds) * time.Second
}

// SchedulerInterval returns the learning-cycle cadence.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalHours * float64(time.Hour))
}

// PredictionTTL returns the prediction cache TTL.
func (c *Config) PredictionTTL() time.Duration {
	return time.Duration(c.Predictor.CacheTTLSeconds) * time.Second
}

// SequenceWindow returns the sequence-pattern detection window.
func (c *Config) SequenceWindow() time.Duration {
	return time.Duration(c.Patterns.SequenceWindowMinutes) * time.Minute
}

// BreakerTimeout returns the circuit breaker open duration.
func (c *Config) BreakerTimeout() time.Duration {
	return time.Duration(c.CircuitBreaker.TimeoutSeconds) * time.Second
}

// fillDefaults backfills zero values that the YAML file may have omitted.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = d.Embedding.Provider
	}
	if c.Embedding.OllamaEndpoint == "" {
		c.Embedding.OllamaEndpoint = d.Embedding.OllamaEndpoint
	}
	if c.Embedding.OllamaModel == "" {
		c.Embedding.OllamaModel = d.Embedding.OllamaModel
	}
	if c.Embedding.GenAIModel == "" {
		c.Embedding.GenAIModel = d.Embedding.GenAIModel
	}
	if c.Embedding.TimeoutSeconds <= 0 {
		c.Embedding.TimeoutSeconds = d.Embedding.TimeoutSeconds
	}
	if c.Embedding.MaxRetries <= 0 {
		c.Embedding.MaxRetries = d.Embedding.MaxRetries
	}
	if c.Classifier.Model == "" {
		c.Classifier.Model = d.Classifier.Model
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		c.Classifier.TimeoutSeconds = d.Classifier.TimeoutSeconds
	}
	if c.Ranker.TopCandidateMultiplier <= 0 {
		c.Ranker.TopCandidateMultiplier = d.Ranker.TopCandidateMultiplier
	}
	if c.Ranker.MinCandidates <= 0 {
		c.Ranker.MinCandidates = d.Ranker.MinCandidates
	}
	if c.Ranker.MaxCandidates <= 0 {
		c.Ranker.MaxCandidates = d.Ranker.MaxCandidates
	}
	if c.Tracker.QueueSize <= 0 {
		c.Tracker.QueueSize = d.Tracker.QueueSize
	}
	if c.Tracker.Workers <= 0 {
		c.Tracker.Workers = d.Tracker.Workers
	}
	if c.Patterns.SequenceWindowMinutes <= 0 {
		c.Patterns.SequenceWindowMinutes = d.Patterns.SequenceWindowMinutes
	}
	if c.Patterns.MinHourlyMemories <= 0 {
		c.Patterns.MinHourlyMemories = d.Patterns.MinHourlyMemories
	}
	if c.Patterns.MinCoAccessCount <= 0 {
		c.Patterns.MinCoAccessCount = d.Patterns.MinCoAccessCount
	}
	if c.Patterns.MinSequenceCount <= 0 {
		c.Patterns.MinSequenceCount = d.Patterns.MinSequenceCount
	}
	if c.Predictor.CacheTTLSeconds <= 0 {
		c.Predictor.CacheTTLSeconds = d.Predictor.CacheTTLSeconds
	}
	if c.Predictor.MinConfidence <= 0 {
		c.Predictor.MinConfidence = d.Predictor.MinConfidence
	}
	if c.Maintenance.DuplicateThreshold <= 0 {
		c.Maintenance.DuplicateThreshold = d.Maintenance.DuplicateThreshold
	}
	if c.Maintenance.OutdatedDays <= 0 {
		c.Maintenance.OutdatedDays = d.Maintenance.OutdatedDays
	}
	if c.Maintenance.ArchiveDays <= 0 {
		c.Maintenance.ArchiveDays = d.Maintenance.ArchiveDays
	}
	if c.Scheduler.IntervalHours <= 0 {
		c.Scheduler.IntervalHours = d.Scheduler.IntervalHours
	}
	if c.Scheduler.HighWaterQueueDepth <= 0 {
		c.Scheduler.HighWaterQueueDepth = d.Scheduler.HighWaterQueueDepth
	}
	if c.CircuitBreaker.Threshold <= 0 {
		c.CircuitBreaker.Threshold = d.CircuitBreaker.Threshold
	}
	if c.CircuitBreaker.TimeoutSeconds <= 0 {
		c.CircuitBreaker.TimeoutSeconds = d.CircuitBreaker.TimeoutSeconds
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
		if c.Classifier.APIKey == "" {
			c.Classifier.APIKey = key
		}
	}
	if v := os.Getenv("MEMORYD_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("MEMORYD_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("MEMORYD_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("MEMORYD_SCHEDULER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scheduler.Enabled = b
		}
	}
	if v := os.Getenv("MEMORYD_SCHEDULER_INTERVAL_HOURS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Scheduler.IntervalHours = f
		}
	}
	if v := os.Getenv("MEMORYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MEMORYD_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// Validate rejects configurations the core cannot honor.
func (c *Config) Validate() error {
	if c.Ranker.MinCandidates > c.Ranker.MaxCandidates {
		return fmt.Errorf("ranker.min_candidates (%d) exceeds ranker.max_candidates (%d)",
			c.Ranker.MinCandidates, c.Ranker.MaxCandidates)
	}
	if c.Predictor.MinConfidence < 0 || c.Predictor.MinConfidence > 1 {
		return fmt.Errorf("predictor.min_confidence must be in [0,1], got %v", c.Predictor.MinConfidence)
	}
	if c.Maintenance.DuplicateThreshold < 0 || c.Maintenance.DuplicateThreshold > 1 {
		return fmt.Errorf("maintenance.duplicate_threshold must be in [0,1], got %v", c.Maintenance.DuplicateThreshold)
	}
	switch c.Embedding.Provider {
	case "ollama", "genai", "none":
	default:
		return fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai' or 'none')", c.Embedding.Provider)
	}
	return nil
}
