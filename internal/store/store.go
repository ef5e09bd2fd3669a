// Package store implements SQLite persistence for the adaptive memory
// engine: memories with learning state, typed relationships, temporal
// patterns, per-principal learning weights, the prediction cache, and the
// append-only learning metrics series.
//
// Concurrency model: a single connection (SetMaxOpenConns(1)) with WAL and
// a busy timeout. Counter increments happen SQL-side so concurrent
// record_access calls never lose updates. Read-modify-write operations
// (helpfulness, weights, access pattern bags) serialize on a write mutex;
// readers never take it.
package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"memoryd/internal/logging"
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db        *sql.DB
	writeMu   sync.Mutex
	dbPath    string
	vectorExt bool // sqlite-vec available
}

// New opens (or creates) the database at the given path and initializes
// the schema.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("Initializing store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// PRAGMA synchronous=NORMAL provides a large write speedup with WAL mode.
	// Safe because WAL already provides crash recovery.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	// Relationship rows cascade when either memory endpoint is deleted.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected, using SQL-side KNN")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; falling back to in-process cosine scan")
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	memoriesTable := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		text TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		metadata TEXT,
		source TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
		last_accessed DATETIME,
		helpfulness_score REAL NOT NULL DEFAULT 0.5 CHECK (helpfulness_score >= 0.0 AND helpfulness_score <= 1.0),
		access_pattern TEXT NOT NULL DEFAULT '{}',
		embedding BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_memories_principal ON memories(principal_id);
	CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(principal_id, project_id);
	CREATE INDEX IF NOT EXISTS idx_memories_last_accessed ON memories(principal_id, last_accessed);
	`

	relationshipsTable := `
	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		from_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		to_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		strength REAL NOT NULL CHECK (strength >= 0.0 AND strength <= 1.0),
		explanation TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(from_id, to_id)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_principal ON relationships(principal_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_id);
	`

	patternsTable := `
	CREATE TABLE IF NOT EXISTS temporal_patterns (
		id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		pattern_type TEXT NOT NULL,
		pattern_key TEXT NOT NULL,
		pattern_data TEXT NOT NULL,
		confidence REAL NOT NULL CHECK (confidence >= 0.0 AND confidence <= 1.0),
		occurrences INTEGER NOT NULL CHECK (occurrences >= 1),
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		UNIQUE(principal_id, pattern_type, pattern_key)
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_principal_type ON temporal_patterns(principal_id, pattern_type);
	`

	weightsTable := `
	CREATE TABLE IF NOT EXISTS learning_weights (
		principal_id TEXT PRIMARY KEY,
		usage_weight REAL NOT NULL,
		recency_weight REAL NOT NULL,
		helpfulness_weight REAL NOT NULL,
		relationship_weight REAL NOT NULL,
		total_searches INTEGER NOT NULL DEFAULT 0,
		positive_feedback_count INTEGER NOT NULL DEFAULT 0,
		negative_feedback_count INTEGER NOT NULL DEFAULT 0,
		avg_search_satisfaction REAL NOT NULL DEFAULT 0.5,
		last_weight_update DATETIME NOT NULL,
		last_adapted_searches INTEGER NOT NULL DEFAULT 0
	);
	`

	cacheTable := `
	CREATE TABLE IF NOT EXISTS prediction_cache (
		principal_id TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		predictions TEXT NOT NULL,
		context_hash TEXT NOT NULL DEFAULT '',
		expires_at DATETIME NOT NULL,
		hit_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY(principal_id, cache_key)
	);
	CREATE INDEX IF NOT EXISTS idx_prediction_cache_expiry ON prediction_cache(expires_at);
	`

	metricsTable := `
	CREATE TABLE IF NOT EXISTS learning_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		principal_id TEXT NOT NULL,
		metric_type TEXT NOT NULL,
		value REAL NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_principal ON learning_metrics(principal_id, metric_type, recorded_at);
	`

	// Raw access history consumed by the pattern miner. One row per
	// successful record_access call.
	accessLogTable := `
	CREATE TABLE IF NOT EXISTS access_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		principal_id TEXT NOT NULL,
		memory_id TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		accessed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_log_principal ON access_log(principal_id, accessed_at);
	CREATE INDEX IF NOT EXISTS idx_access_log_memory ON access_log(memory_id);
	`

	for _, table := range []string{
		memoriesTable,
		relationshipsTable,
		patternsTable,
		weightsTable,
		cacheTable,
		metricsTable,
		accessLogTable,
	} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// DB returns the underlying SQL database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// HasVectorExt reports whether SQL-side KNN is available.
func (s *Store) HasVectorExt() bool {
	return s.vectorExt
}

// Principals returns the distinct principals that own at least one memory.
// The scheduler iterates this set each learning cycle.
func (s *Store) Principals() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT principal_id FROM memories ORDER BY principal_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var principals []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	return principals, rows.Err()
}

// Stats returns per-collection row counts.
func (s *Store) Stats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	stats := make(map[string]int64)
	tables := []string{
		"memories", "relationships", "temporal_patterns",
		"learning_weights", "prediction_cache", "learning_metrics", "access_log",
	}

	for _, table := range tables {
		var count int64
		err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}

// =============================================================================
// EMBEDDING BLOB ENCODING
// =============================================================================

// encodeVector serializes a float32 vector as a little-endian blob, the
// layout sqlite-vec expects.
func encodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	out := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// decodeVector parses a little-endian float32 blob.
func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
