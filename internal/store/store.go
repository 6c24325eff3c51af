// Package store owns the single SQLite database behind both tracks: the
// append-only event log, decisions, contracts, protocol flow, provider
// routes, the MVCC version row, commit windows, and the memory, governance,
// and safety tables. All writers share one connection; SQLite serializes.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"azimind/internal/logging"
)

// Store wraps the runtime database.
type Store struct {
	db   *sql.DB
	path string
	log  *logging.Logger
}

const dsnOptions = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000"

// Open connects to the database at path and ensures the schema. A malformed
// database file is quarantined under a .corrupt_<ts> name and the store is
// re-initialized once.
func Open(path string) (*Store, error) {
	s := &Store{path: path, log: logging.Get(logging.CategoryStore)}
	db, err := openAndEnsure(path)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if !strings.Contains(msg, "malformed") && !strings.Contains(msg, "not a database") {
			return nil, err
		}
		s.log.Warn("database malformed, quarantining: %s", path)
		quarantineCorruptDB(path)
		db, err = openAndEnsure(path)
		if err != nil {
			return nil, err
		}
	}
	s.db = db
	return s, nil
}

func openAndEnsure(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps writes serialized and avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA wal_autocheckpoint=1000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func quarantineCorruptDB(path string) {
	ts := time.Now().Format("20060102_150405")
	backup := fmt.Sprintf("%s.corrupt_%s", path, ts)
	if err := os.Rename(path, backup); err != nil {
		return
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		sidecar := path + suffix
		if _, err := os.Stat(sidecar); err != nil {
			continue
		}
		os.Rename(sidecar, backup+suffix)
	}
}

// DB exposes the underlying handle for the memory subsystem, which manages
// its own statements over the shared tables.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func nowISO() string {
	return time.Now().Format("2006-01-02T15:04:05")
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		source TEXT NOT NULL,
		event_type TEXT NOT NULL,
		content TEXT NOT NULL,
		meta_json TEXT NOT NULL DEFAULT '{}',
		brain_done INTEGER NOT NULL DEFAULT 0,
		worker_done INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_brain ON events(brain_done, id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_worker ON events(worker_done, event_type, id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source, id)`,

	`CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL,
		ts TEXT NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		summary TEXT NOT NULL,
		meta_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_event ON decisions(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts)`,

	`CREATE TABLE IF NOT EXISTS health (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		service TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_health_service ON health(service, id)`,

	`CREATE TABLE IF NOT EXISTS protocol_flow (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_protocol_event ON protocol_flow(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_protocol_kind ON protocol_flow(kind, id)`,

	`CREATE TABLE IF NOT EXISTS provider_routes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		provider_group TEXT NOT NULL,
		detail_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_provider_routes_event ON provider_routes(event_id)`,

	`CREATE TABLE IF NOT EXISTS contracts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contracts_event ON contracts(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_contracts_kind ON contracts(kind, id)`,

	`CREATE TABLE IF NOT EXISTS state_versions (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		version INTEGER NOT NULL DEFAULT 0,
		updated_ts TEXT NOT NULL,
		actor TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS commit_windows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		actor TEXT NOT NULL,
		base_version INTEGER NOT NULL,
		observed_version INTEGER NOT NULL,
		status TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commit_windows_event ON commit_windows(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_commit_windows_status ON commit_windows(status, id)`,

	`CREATE TABLE IF NOT EXISTS fact_memory (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		claim_key TEXT NOT NULL UNIQUE,
		claim_text TEXT NOT NULL,
		subject TEXT,
		predicate TEXT,
		object_text TEXT,
		confidence REAL NOT NULL DEFAULT 0.5,
		support_count INTEGER NOT NULL DEFAULT 1,
		conflict_count INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		first_seen_event_id INTEGER NOT NULL DEFAULT 0,
		last_seen_event_id INTEGER NOT NULL DEFAULT 0,
		first_seen_ts TEXT NOT NULL,
		last_seen_ts TEXT NOT NULL,
		tier TEXT NOT NULL DEFAULT 'warm',
		lifecycle_score REAL NOT NULL DEFAULT 0.0,
		meta_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fact_memory_last_event ON fact_memory(last_seen_event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_fact_memory_tier ON fact_memory(tier)`,

	`CREATE TABLE IF NOT EXISTS fact_conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		claim_key TEXT NOT NULL,
		existing_fact_id INTEGER NOT NULL,
		incoming_claim TEXT NOT NULL,
		existing_claim TEXT NOT NULL,
		source TEXT NOT NULL,
		note TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fact_conflicts_key ON fact_conflicts(claim_key)`,

	`CREATE TABLE IF NOT EXISTS memory_vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id INTEGER NOT NULL,
		source TEXT NOT NULL,
		content TEXT NOT NULL,
		vector_json TEXT NOT NULL,
		norm REAL NOT NULL,
		score REAL NOT NULL DEFAULT 0.0,
		tier TEXT NOT NULL DEFAULT 'short',
		ts TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_vectors_event ON memory_vectors(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_vectors_ts ON memory_vectors(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_vectors_tier ON memory_vectors(tier)`,

	`CREATE TABLE IF NOT EXISTS source_trust (
		source TEXT PRIMARY KEY,
		trust_score REAL NOT NULL DEFAULT 0.5,
		sample_count INTEGER NOT NULL DEFAULT 0,
		updated_ts TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS causal_edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object_text TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 0.5,
		source TEXT NOT NULL,
		last_event_id INTEGER NOT NULL DEFAULT 0,
		updated_ts TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_causal_subject ON causal_edges(subject)`,
	`CREATE INDEX IF NOT EXISTS idx_causal_last_event ON causal_edges(last_event_id)`,

	`CREATE TABLE IF NOT EXISTS risk_gate (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		requires_approval INTEGER NOT NULL DEFAULT 0,
		approved INTEGER NOT NULL DEFAULT 0,
		reason_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_risk_gate_event ON risk_gate(event_id)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		risk_gate_id INTEGER NOT NULL,
		approver TEXT NOT NULL,
		decision TEXT NOT NULL,
		note TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_gate ON approvals(risk_gate_id)`,

	`CREATE TABLE IF NOT EXISTS guard_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		guard_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		detail TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_guard_events_type ON guard_events(guard_type)`,

	`CREATE TABLE IF NOT EXISTS deep_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		detail_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deep_runs_event ON deep_runs(event_id)`,

	`CREATE TABLE IF NOT EXISTS canary_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		snapshot_path TEXT NOT NULL,
		status TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_canary_event ON canary_snapshots(event_id)`,

	`CREATE TABLE IF NOT EXISTS eval_gates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_id INTEGER NOT NULL,
		gate_name TEXT NOT NULL,
		status TEXT NOT NULL,
		blocking INTEGER NOT NULL DEFAULT 1,
		detail_json TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_eval_gates_event ON eval_gates(event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_eval_gates_status ON eval_gates(status, id)`,
}

func ensureSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO state_versions(id, version, updated_ts, actor, note)
		 VALUES(1, 0, ?, 'bootstrap', 'init')`, nowISO()); err != nil {
		return fmt.Errorf("seed version row: %w", err)
	}
	return nil
}

// GC trims oversized tables, dropping the oldest rows first. Thresholds are
// generous; this only matters on long-lived installs.
func (s *Store) GC() error {
	thresholds := []struct {
		table string
		keep  int
	}{
		{"events", 120000},
		{"decisions", 120000},
		{"protocol_flow", 120000},
		{"provider_routes", 120000},
		{"memory_vectors", 240000},
		{"causal_edges", 120000},
		{"deep_runs", 120000},
		{"eval_gates", 120000},
		{"commit_windows", 120000},
		{"guard_events", 120000},
		{"contracts", 120000},
	}
	for _, th := range thresholds {
		var total int
		if err := s.db.QueryRow("SELECT COUNT(1) FROM " + th.table).Scan(&total); err != nil {
			return fmt.Errorf("gc count %s: %w", th.table, err)
		}
		if total <= th.keep {
			continue
		}
		drop := total - th.keep
		query := fmt.Sprintf(
			"DELETE FROM %s WHERE id IN (SELECT id FROM %s ORDER BY id ASC LIMIT ?)",
			th.table, th.table)
		if _, err := s.db.Exec(query, drop); err != nil {
			return fmt.Errorf("gc trim %s: %w", th.table, err)
		}
		s.log.Info("gc trimmed %d rows from %s", drop, th.table)
	}
	return nil
}
