package normalizer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/normalizer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore keeps results in memory, keyed the way the real store keys them.
type memStore struct {
	mx      sync.Mutex
	buckets map[int64]model.Bucket
	records []model.AnomalyRecord
}

func newMemStore() *memStore {
	return &memStore{buckets: make(map[int64]model.Bucket)}
}

func (s *memStore) putBucket(b model.Bucket) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.buckets[b.Timestamp] = b
}

func (s *memStore) bucket(ts int64) model.Bucket {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.buckets[ts]
}

func (s *memStore) BucketsSince(_ context.Context, _ string, since int64) ([]model.Bucket, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	var out []model.Bucket
	for _, b := range s.buckets {
		if b.Timestamp >= since {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) RecordsSince(_ context.Context, _ string, since int64) ([]model.AnomalyRecord, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	var out []model.AnomalyRecord
	for _, r := range s.records {
		if r.Timestamp >= since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) UpdateBucketScores(_ context.Context, _ string, buckets []model.Bucket) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, b := range buckets {
		stored, ok := s.buckets[b.Timestamp]
		if !ok {
			continue
		}
		// score-only rewrite: everything else keeps its original value
		stored.AnomalyScore = b.AnomalyScore
		s.buckets[b.Timestamp] = stored
	}
	return nil
}

func (s *memStore) UpdateRecordScores(_ context.Context, _ string, records []model.AnomalyRecord) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, upd := range records {
		for i, r := range s.records {
			if r.Timestamp == upd.Timestamp && r.DetectorIndex == upd.DetectorIndex && r.ByFieldValue == upd.ByFieldValue {
				s.records[i].RecordScore = upd.RecordScore
			}
		}
	}
	return nil
}

// scriptNormalizer rescales bucket scores by a fixed per-timestamp table and
// can block mid-pass so tests control pass boundaries.
type scriptNormalizer struct {
	mx     sync.Mutex
	scores map[int64]float64 // timestamp -> new bucket score
	states []string
	block  chan struct{} // when non-nil, each pass waits here
}

func (n *scriptNormalizer) States() []string {
	n.mx.Lock()
	defer n.mx.Unlock()
	return append([]string(nil), n.states...)
}

func (n *scriptNormalizer) Normalize(ctx context.Context, state string, buckets []model.Bucket, records []model.AnomalyRecord) ([]model.Bucket, []model.AnomalyRecord, error) {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	n.mx.Lock()
	n.states = append(n.states, state)
	n.mx.Unlock()

	out := append([]model.Bucket(nil), buckets...)
	for i := range out {
		if score, ok := n.scores[out[i].Timestamp]; ok {
			out[i].AnomalyScore = score
		}
	}
	return out, append([]model.AnomalyRecord(nil), records...), nil
}

func testJob() model.Job {
	return model.Job{
		ID:                        "job-1",
		BucketSpan:                time.Minute,
		RenormalizationWindowDays: 30,
	}
}

// A huge anomaly arriving later reshapes the score distribution: the earlier
// bucket, once the most anomalous thing ever seen, is downgraded while the
// newer, genuinely bigger anomaly ends up scored above it.
func TestLaterLargerAnomalyDowngradesEarlierBucket(t *testing.T) {
	store := newMemStore()
	store.putBucket(model.Bucket{JobID: "job-1", Timestamp: 35, AnomalyScore: 90, InitialAnomalyScore: 90})
	store.putBucket(model.Bucket{JobID: "job-1", Timestamp: 45, AnomalyScore: 95, InitialAnomalyScore: 95})

	norm := &scriptNormalizer{scores: map[int64]float64{35: 9, 45: 92}}
	ctrl := normalizer.NewController("job-1", normalizer.NewScoresUpdater(testJob(), norm, store), nil)
	defer ctrl.Shutdown()

	ctrl.Renormalize(&model.Quantiles{JobID: "job-1", Timestamp: 46, State: "q-after-spike"})
	ctrl.WaitUntilIdle()

	b35, b45 := store.bucket(35), store.bucket(45)
	require.Less(t, b35.AnomalyScore, b35.InitialAnomalyScore)
	require.Greater(t, b45.AnomalyScore, b35.AnomalyScore)
	// initial scores are immutable history
	require.Equal(t, float64(90), b35.InitialAnomalyScore)
}

func TestShortCircuitSkipsIntermediateQuantiles(t *testing.T) {
	store := newMemStore()
	store.putBucket(model.Bucket{JobID: "job-1", Timestamp: 10, AnomalyScore: 50})

	norm := &scriptNormalizer{block: make(chan struct{})}
	ctrl := normalizer.NewController("job-1", normalizer.NewScoresUpdater(testJob(), norm, store), nil)
	defer ctrl.Shutdown()

	// first submission starts a pass which blocks inside Normalize;
	// the next three pile up behind it and collapse into the latest
	ctrl.Renormalize(&model.Quantiles{Timestamp: 100, State: "q1"})
	ctrl.Renormalize(&model.Quantiles{Timestamp: 101, State: "q2"})
	ctrl.Renormalize(&model.Quantiles{Timestamp: 102, State: "q3"})
	ctrl.Renormalize(&model.Quantiles{Timestamp: 103, State: "q4"})
	close(norm.block)
	ctrl.WaitUntilIdle()

	states := norm.States()
	require.NotEmpty(t, states)
	require.Equal(t, "q4", states[len(states)-1], "the latest quantiles must win")
	require.LessOrEqual(t, len(states), 2, "intermediate quantiles must be skipped")
}

func TestWaitUntilIdleOnIdleController(t *testing.T) {
	ctrl := normalizer.NewController("job-1", normalizer.NewScoresUpdater(testJob(), &scriptNormalizer{}, newMemStore()), nil)
	defer ctrl.Shutdown()

	done := make(chan struct{})
	go func() {
		ctrl.WaitUntilIdle()
		ctrl.WaitUntilIdle()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntilIdle blocked on an idle controller")
	}
}

func TestShutdownAbortsInFlightPass(t *testing.T) {
	store := newMemStore()
	store.putBucket(model.Bucket{JobID: "job-1", Timestamp: 10, AnomalyScore: 50})

	norm := &scriptNormalizer{scores: map[int64]float64{10: 1}, block: make(chan struct{})}
	ctrl := normalizer.NewController("job-1", normalizer.NewScoresUpdater(testJob(), norm, store), nil)

	ctrl.Renormalize(&model.Quantiles{Timestamp: 100, State: "q1"})
	ctrl.Shutdown()
	ctrl.WaitUntilIdle()

	// the pass was canceled before writing anything back
	require.Equal(t, float64(50), store.bucket(10).AnomalyScore)

	// submissions after shutdown are dropped
	ctrl.Renormalize(&model.Quantiles{Timestamp: 101, State: "q2"})
	ctrl.WaitUntilIdle()
	require.Empty(t, norm.States())
}

func TestDisabledWindowIsNoOp(t *testing.T) {
	job := testJob()
	job.RenormalizationWindowDays = 0
	require.Nil(t, normalizer.NewScoresUpdater(job, &scriptNormalizer{}, newMemStore()))

	ctrl := normalizer.NewController("job-1", nil, nil)
	defer ctrl.Shutdown()
	ctrl.Renormalize(&model.Quantiles{Timestamp: 100, State: "q1"})
	ctrl.WaitUntilIdle()
}
