package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/droverlab/anomalyd/internal/model"
)

// PersistBucket upserts one bucket. A finalized bucket arriving for a
// timestamp that holds an interim one simply replaces it.
func (s *Store) PersistBucket(ctx context.Context, b *model.Bucket) error {
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO buckets (job_id, timestamp, bucket_span, anomaly_score, initial_anomaly_score, event_count, is_interim)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, timestamp) DO UPDATE SET
			   bucket_span = excluded.bucket_span,
			   anomaly_score = excluded.anomaly_score,
			   initial_anomaly_score = excluded.initial_anomaly_score,
			   event_count = excluded.event_count,
			   is_interim = excluded.is_interim`,
			b.JobID, b.Timestamp, b.BucketSpan, b.AnomalyScore, b.InitialAnomalyScore, b.EventCount, b.IsInterim)
		return err
	})
}

// PersistRecords upserts a batch of anomaly records in one transaction.
func (s *Store) PersistRecords(ctx context.Context, records []model.AnomalyRecord) error {
	if len(records) == 0 {
		return nil
	}
	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO records (job_id, timestamp, detector_index, by_field_value, bucket_span, probability, record_score, initial_record_score, field_name, is_interim)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, timestamp, detector_index, by_field_value) DO UPDATE SET
			   bucket_span = excluded.bucket_span,
			   probability = excluded.probability,
			   record_score = excluded.record_score,
			   initial_record_score = excluded.initial_record_score,
			   field_name = excluded.field_name,
			   is_interim = excluded.is_interim`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx,
				r.JobID, r.Timestamp, r.DetectorIndex, r.ByFieldValue, r.BucketSpan,
				r.Probability, r.RecordScore, r.InitialRecordScore, r.FieldName, r.IsInterim); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// PersistCategoryDefinition upserts one derived category.
func (s *Store) PersistCategoryDefinition(ctx context.Context, c *model.CategoryDefinition) error {
	examples, err := json.Marshal(c.Examples)
	if err != nil {
		return fmt.Errorf("encoding category examples: %w", err)
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO categories (job_id, category_id, terms, regex, examples)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(job_id, category_id) DO UPDATE SET
			   terms = excluded.terms, regex = excluded.regex, examples = excluded.examples`,
			c.JobID, c.CategoryID, c.Terms, c.Regex, string(examples))
		return err
	})
}

// PersistModelSizeStats keeps only the latest stats document per job.
func (s *Store) PersistModelSizeStats(ctx context.Context, stats *model.ModelSizeStats) error {
	doc, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encoding model size stats: %w", err)
	}
	return retryOnContention(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO model_size_stats (job_id, timestamp, doc) VALUES (?, ?, ?)
			 ON CONFLICT(job_id) DO UPDATE SET timestamp = excluded.timestamp, doc = excluded.doc`,
			stats.JobID, stats.Timestamp, string(doc))
		return err
	})
}

// DeleteInterimResults removes every interim bucket and record of the job.
// Called when finalized results supersede the output of an interim flush.
func (s *Store) DeleteInterimResults(ctx context.Context, jobID string) error {
	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE job_id = ? AND is_interim = 1`, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE job_id = ? AND is_interim = 1`, jobID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// BucketsSince returns the job's buckets with timestamp >= since, ascending.
func (s *Store) BucketsSince(ctx context.Context, jobID string, since int64) ([]model.Bucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, timestamp, bucket_span, anomaly_score, initial_anomaly_score, event_count, is_interim
		 FROM buckets WHERE job_id = ? AND timestamp >= ? ORDER BY timestamp`, jobID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bucket
	for rows.Next() {
		var b model.Bucket
		if err := rows.Scan(&b.JobID, &b.Timestamp, &b.BucketSpan, &b.AnomalyScore, &b.InitialAnomalyScore, &b.EventCount, &b.IsInterim); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecordsSince returns the job's records with timestamp >= since, ascending.
func (s *Store) RecordsSince(ctx context.Context, jobID string, since int64) ([]model.AnomalyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, timestamp, detector_index, by_field_value, bucket_span, probability, record_score, initial_record_score, field_name, is_interim
		 FROM records WHERE job_id = ? AND timestamp >= ? ORDER BY timestamp, detector_index, by_field_value`, jobID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AnomalyRecord
	for rows.Next() {
		var r model.AnomalyRecord
		if err := rows.Scan(&r.JobID, &r.Timestamp, &r.DetectorIndex, &r.ByFieldValue, &r.BucketSpan, &r.Probability, &r.RecordScore, &r.InitialRecordScore, &r.FieldName, &r.IsInterim); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateBucketScores rewrites anomaly_score for the given buckets, nothing
// else. Initial scores record what the first pass said and never change.
func (s *Store) UpdateBucketScores(ctx context.Context, jobID string, buckets []model.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, b := range buckets {
			if _, err := tx.ExecContext(ctx,
				`UPDATE buckets SET anomaly_score = ? WHERE job_id = ? AND timestamp = ?`,
				b.AnomalyScore, jobID, b.Timestamp); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UpdateRecordScores rewrites record_score for the given records.
func (s *Store) UpdateRecordScores(ctx context.Context, jobID string, records []model.AnomalyRecord) error {
	if len(records) == 0 {
		return nil
	}
	return retryOnContention(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, r := range records {
			if _, err := tx.ExecContext(ctx,
				`UPDATE records SET record_score = ?
				 WHERE job_id = ? AND timestamp = ? AND detector_index = ? AND by_field_value = ?`,
				r.RecordScore, jobID, r.Timestamp, r.DetectorIndex, r.ByFieldValue); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}
