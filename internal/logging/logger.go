// Package logging provides config-driven categorized file-based logging for
// memoryd. Logs are written to <data_dir>/logs/ with separate files per
// category. Logging is controlled by the logging section of the config file;
// when debug_mode is false, no files are written.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and wiring
	CategoryStore       Category = "store"       // SQLite store operations
	CategoryEmbedding   Category = "embedding"   // Embedding provider calls
	CategoryClassifier  Category = "classifier"  // Auto-save LLM classifier
	CategoryRanker      Category = "ranker"      // Weighted search ranking
	CategoryTracker     Category = "tracker"     // Async usage tracking
	CategoryFeedback    Category = "feedback"    // Feedback integration, weight adaptation
	CategoryPatterns    Category = "patterns"    // Pattern mining, relationship suggestions
	CategoryPredictor   Category = "predictor"   // Next-memory prediction
	CategoryMaintenance Category = "maintenance" // Duplicate/stale/broken-ref analysis
	CategoryScheduler   Category = "scheduler"   // Learning cycle scheduler
	CategoryService     Category = "service"     // Core-exposed operations
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports.
type loggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

type configFile struct {
	Logging loggingConfig `yaml:"logging"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	dataDir   string
	config    loggingConfig
	configMu  sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the data directory.
func Initialize(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory required")
	}

	dataDir = dir
	logsDir = filepath.Join(dataDir, "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	// Silent no-op in production mode.
	if !config.DebugMode {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== memoryd logging initialized ===")
	boot.Info("Data directory: %s", dataDir)
	boot.Info("Log level: %s", config.Level)
	return nil
}

// loadConfig reads the logging section from <data_dir>/config.yaml.
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging)
			config.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	config = cf.Logging

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	return nil
}

// ReloadConfig reloads the logging config from disk. Called by the config
// watcher when the file changes at runtime.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()
	if !config.DebugMode {
		return false
	}
	if len(config.Categories) == 0 {
		return true
	}
	enabled, ok := config.Categories[string(category)]
	return ok && enabled
}

// Get returns the logger for a category, creating its log file on first use.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix for easy rotation.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Embedding logs to the embedding category.
func Embedding(format string, args ...interface{}) {
	Get(CategoryEmbedding).Info(format, args...)
}

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) {
	Get(CategoryEmbedding).Debug(format, args...)
}

// Classifier logs to the classifier category.
func Classifier(format string, args ...interface{}) {
	Get(CategoryClassifier).Info(format, args...)
}

// ClassifierDebug logs debug to the classifier category.
func ClassifierDebug(format string, args ...interface{}) {
	Get(CategoryClassifier).Debug(format, args...)
}

// Ranker logs to the ranker category.
func Ranker(format string, args ...interface{}) {
	Get(CategoryRanker).Info(format, args...)
}

// RankerDebug logs debug to the ranker category.
func RankerDebug(format string, args ...interface{}) {
	Get(CategoryRanker).Debug(format, args...)
}

// Tracker logs to the tracker category.
func Tracker(format string, args ...interface{}) {
	Get(CategoryTracker).Info(format, args...)
}

// TrackerDebug logs debug to the tracker category.
func TrackerDebug(format string, args ...interface{}) {
	Get(CategoryTracker).Debug(format, args...)
}

// Feedback logs to the feedback category.
func Feedback(format string, args ...interface{}) {
	Get(CategoryFeedback).Info(format, args...)
}

// FeedbackDebug logs debug to the feedback category.
func FeedbackDebug(format string, args ...interface{}) {
	Get(CategoryFeedback).Debug(format, args...)
}

// Patterns logs to the patterns category.
func Patterns(format string, args ...interface{}) {
	Get(CategoryPatterns).Info(format, args...)
}

// PatternsDebug logs debug to the patterns category.
func PatternsDebug(format string, args ...interface{}) {
	Get(CategoryPatterns).Debug(format, args...)
}

// Predictor logs to the predictor category.
func Predictor(format string, args ...interface{}) {
	Get(CategoryPredictor).Info(format, args...)
}

// PredictorDebug logs debug to the predictor category.
func PredictorDebug(format string, args ...interface{}) {
	Get(CategoryPredictor).Debug(format, args...)
}

// Maintenance logs to the maintenance category.
func Maintenance(format string, args ...interface{}) {
	Get(CategoryMaintenance).Info(format, args...)
}

// Scheduler logs to the scheduler category.
func Scheduler(format string, args ...interface{}) {
	Get(CategoryScheduler).Info(format, args...)
}

// SchedulerDebug logs debug to the scheduler category.
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debug(format, args...)
}

// Service logs to the service category.
func Service(format string, args ...interface{}) {
	Get(CategoryService).Info(format, args...)
}

// ServiceDebug logs debug to the service category.
func ServiceDebug(format string, args ...interface{}) {
	Get(CategoryService).Debug(format, args...)
}

// =============================================================================
// PERFORMANCE TIMING
// =============================================================================

// Timer measures the duration of an operation.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
