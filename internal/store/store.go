// Package store persists everything the pipeline produces in SQLite: result
// buckets and records, model snapshots, quantiles, data counts. Writes are
// idempotent upserts under the natural keys, so the at-least-once result
// stream can replay without duplicating rows.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps one SQLite database in WAL mode. Safe for concurrent use by
// multiple jobs' processors and the renormalizer.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and brings the schema up.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS buckets (
		job_id                TEXT    NOT NULL,
		timestamp             INTEGER NOT NULL,
		bucket_span           INTEGER NOT NULL DEFAULT 0,
		anomaly_score         REAL    NOT NULL DEFAULT 0,
		initial_anomaly_score REAL    NOT NULL DEFAULT 0,
		event_count           INTEGER NOT NULL DEFAULT 0,
		is_interim            INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_buckets_interim ON buckets(job_id, is_interim);

	CREATE TABLE IF NOT EXISTS records (
		job_id               TEXT    NOT NULL,
		timestamp            INTEGER NOT NULL,
		detector_index       INTEGER NOT NULL,
		by_field_value       TEXT    NOT NULL DEFAULT '',
		bucket_span          INTEGER NOT NULL DEFAULT 0,
		probability          REAL    NOT NULL DEFAULT 0,
		record_score         REAL    NOT NULL DEFAULT 0,
		initial_record_score REAL    NOT NULL DEFAULT 0,
		field_name           TEXT    NOT NULL DEFAULT '',
		is_interim           INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, timestamp, detector_index, by_field_value)
	);
	CREATE INDEX IF NOT EXISTS idx_records_interim ON records(job_id, is_interim);

	CREATE TABLE IF NOT EXISTS categories (
		job_id      TEXT    NOT NULL,
		category_id INTEGER NOT NULL,
		terms       TEXT    NOT NULL DEFAULT '',
		regex       TEXT    NOT NULL DEFAULT '',
		examples    TEXT    NOT NULL DEFAULT '[]',
		PRIMARY KEY (job_id, category_id)
	);

	CREATE TABLE IF NOT EXISTS model_size_stats (
		job_id    TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		doc       TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS model_snapshots (
		job_id      TEXT    NOT NULL,
		snapshot_id TEXT    NOT NULL,
		timestamp   INTEGER NOT NULL,
		retain      INTEGER NOT NULL DEFAULT 0,
		doc         TEXT    NOT NULL,
		PRIMARY KEY (job_id, snapshot_id)
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_time ON model_snapshots(job_id, timestamp);

	CREATE TABLE IF NOT EXISTS quantiles (
		job_id    TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		version   INTEGER NOT NULL DEFAULT 0,
		state     TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS data_counts (
		job_id             TEXT PRIMARY KEY,
		processed_records  INTEGER NOT NULL DEFAULT 0,
		processed_bytes    INTEGER NOT NULL DEFAULT 0,
		invalid_records    INTEGER NOT NULL DEFAULT 0,
		latest_record_time INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
