package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/droverlab/anomalyd/internal/model"
)

// PersistModelSnapshot upserts the snapshot under (job_id, snapshot_id).
// Snapshots are immutable in content; the upsert only makes replays of the
// result stream harmless.
func (s *Store) PersistModelSnapshot(ctx context.Context, snap *model.ModelSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding model snapshot: %w", err)
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO model_snapshots (job_id, snapshot_id, timestamp, retain, doc)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, snapshot_id) DO UPDATE SET
			   timestamp = excluded.timestamp, retain = excluded.retain, doc = excluded.doc`,
			snap.JobID, snap.SnapshotID, snap.Timestamp, snap.Retain, string(doc))
		return err
	})
}

// LoadLatestSnapshot returns the newest snapshot of the job, or nil when the
// job has none (a fresh job starting from scratch).
func (s *Store) LoadLatestSnapshot(ctx context.Context, jobID string) (*model.ModelSnapshot, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM model_snapshots WHERE job_id = ?
		 ORDER BY timestamp DESC, snapshot_id DESC LIMIT 1`, jobID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.ModelSnapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("decoding model snapshot: %w", err)
	}
	return &snap, nil
}

// SetSnapshotRetain flags or unflags one snapshot as exempt from pruning.
func (s *Store) SetSnapshotRetain(ctx context.Context, jobID, snapshotID string, retain bool) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE model_snapshots SET retain = ? WHERE job_id = ? AND snapshot_id = ?`,
			retain, jobID, snapshotID)
		return err
	})
}

// PruneSnapshots deletes snapshots older than the retention horizon. The
// retained set always includes flagged snapshots and keepID (the snapshot a
// reopened job would restore from). Returns how many rows went away.
func (s *Store) PruneSnapshots(ctx context.Context, jobID string, olderThan time.Time, keepID string) (int64, error) {
	var pruned int64
	err := retryOnContention(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM model_snapshots
			 WHERE job_id = ? AND timestamp < ? AND retain = 0 AND snapshot_id != ?`,
			jobID, olderThan.Unix(), keepID)
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}

// PersistQuantiles keeps one quantiles document per job, latest wins.
func (s *Store) PersistQuantiles(ctx context.Context, q *model.Quantiles) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO quantiles (job_id, timestamp, version, state) VALUES (?, ?, ?, ?)
			 ON CONFLICT(job_id) DO UPDATE SET
			   timestamp = excluded.timestamp, version = excluded.version, state = excluded.state`,
			q.JobID, q.Timestamp, q.Version, q.State)
		return err
	})
}

// LoadQuantiles returns the job's quantiles, or nil when none were produced.
func (s *Store) LoadQuantiles(ctx context.Context, jobID string) (*model.Quantiles, error) {
	q := model.Quantiles{JobID: jobID}
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp, version, state FROM quantiles WHERE job_id = ?`, jobID).
		Scan(&q.Timestamp, &q.Version, &q.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// PersistDataCounts overwrites the job's input accounting.
func (s *Store) PersistDataCounts(ctx context.Context, counts model.DataCounts) error {
	var latest int64
	if !counts.LatestRecordTime.IsZero() {
		latest = counts.LatestRecordTime.Unix()
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO data_counts (job_id, processed_records, processed_bytes, invalid_records, latest_record_time)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(job_id) DO UPDATE SET
			   processed_records = excluded.processed_records,
			   processed_bytes = excluded.processed_bytes,
			   invalid_records = excluded.invalid_records,
			   latest_record_time = excluded.latest_record_time`,
			counts.JobID, counts.ProcessedRecords, counts.ProcessedBytes, counts.InvalidRecords, latest)
		return err
	})
}

// LoadDataCounts returns the job's input accounting, zero-valued when the
// job never received data.
func (s *Store) LoadDataCounts(ctx context.Context, jobID string) (model.DataCounts, error) {
	counts := model.DataCounts{JobID: jobID}
	var latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT processed_records, processed_bytes, invalid_records, latest_record_time
		 FROM data_counts WHERE job_id = ?`, jobID).
		Scan(&counts.ProcessedRecords, &counts.ProcessedBytes, &counts.InvalidRecords, &latest)
	if errors.Is(err, sql.ErrNoRows) {
		return counts, nil
	}
	if err != nil {
		return counts, err
	}
	if latest != 0 {
		counts.LatestRecordTime = time.Unix(latest, 0).UTC()
	}
	return counts, nil
}
