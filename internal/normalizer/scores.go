package normalizer

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/droverlab/anomalyd/internal/model"
)

// scoreEpsilon bounds how much a score must move before the stored result
// is rewritten. Tiny drifts are not worth the write amplification.
const scoreEpsilon = 0.01

// minWindowBuckets is the floor of the renormalization window: even with a
// short configured window at least this many bucket spans are revisited.
const minWindowBuckets = 100

// ScoreStore is the slice of persistence the updater needs: reading recent
// results and writing back nothing but their current scores.
type ScoreStore interface {
	BucketsSince(ctx context.Context, jobID string, since int64) ([]model.Bucket, error)
	RecordsSince(ctx context.Context, jobID string, since int64) ([]model.AnomalyRecord, error)
	// UpdateBucketScores rewrites the anomaly_score of the given buckets,
	// matched by timestamp. Initial scores stay untouched.
	UpdateBucketScores(ctx context.Context, jobID string, buckets []model.Bucket) error
	// UpdateRecordScores rewrites the record_score of the given records,
	// matched by timestamp, detector index and by-field value.
	UpdateRecordScores(ctx context.Context, jobID string, records []model.AnomalyRecord) error
}

// ScoresUpdater runs one renormalization pass: load results inside the
// window, rescale their scores against the new quantiles state, persist the
// ones that actually moved.
type ScoresUpdater struct {
	job        model.Job
	normalizer Normalizer
	store      ScoreStore
}

// NewScoresUpdater returns nil when the job disables renormalization, which
// the controller treats as "never do anything".
func NewScoresUpdater(job model.Job, normalizer Normalizer, store ScoreStore) *ScoresUpdater {
	if job.RenormalizationWindowDays == 0 {
		return nil
	}
	return &ScoresUpdater{job: job, normalizer: normalizer, store: store}
}

// window is how far back scores are revisited, measured from the quantiles
// timestamp: the configured days, but never less than a minimum number of
// bucket spans.
func (u *ScoresUpdater) window() time.Duration {
	configured := time.Duration(u.job.RenormalizationWindowDays) * 24 * time.Hour
	if floor := time.Duration(minWindowBuckets) * u.job.BucketSpan; floor > configured {
		return floor
	}
	return configured
}

// Update is one full pass. Errors abort the pass; the next quantiles state
// triggers a fresh one anyway.
func (u *ScoresUpdater) Update(ctx context.Context, q *model.Quantiles) error {
	since := q.Timestamp - int64(u.window()/time.Second)

	buckets, err := u.store.BucketsSince(ctx, u.job.ID, since)
	if err != nil {
		return err
	}
	records, err := u.store.RecordsSince(ctx, u.job.ID, since)
	if err != nil {
		return err
	}
	if len(buckets) == 0 && len(records) == 0 {
		return nil
	}

	newBuckets, newRecords, err := u.normalizer.Normalize(ctx, q.State, buckets, records)
	if err != nil {
		return err
	}

	var changedBuckets []model.Bucket
	for i, b := range newBuckets {
		if math.Abs(b.AnomalyScore-buckets[i].AnomalyScore) > scoreEpsilon {
			changedBuckets = append(changedBuckets, b)
		}
	}
	var changedRecords []model.AnomalyRecord
	for i, r := range newRecords {
		if math.Abs(r.RecordScore-records[i].RecordScore) > scoreEpsilon {
			changedRecords = append(changedRecords, r)
		}
	}

	if len(changedBuckets) > 0 {
		if err := u.store.UpdateBucketScores(ctx, u.job.ID, changedBuckets); err != nil {
			return err
		}
	}
	if len(changedRecords) > 0 {
		if err := u.store.UpdateRecordScores(ctx, u.job.ID, changedRecords); err != nil {
			return err
		}
	}

	slog.DebugContext(ctx, "renormalization pass done",
		"job_id", u.job.ID,
		"since", since,
		"buckets_changed", len(changedBuckets),
		"records_changed", len(changedRecords))
	return nil
}
