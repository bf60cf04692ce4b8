package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "anomalyd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPersistBucketIdempotent(t *testing.T) {
	s := openStore(t)
	b := &model.Bucket{JobID: "job-1", Timestamp: 100, BucketSpan: 300, AnomalyScore: 42, InitialAnomalyScore: 42}

	require.NoError(t, s.PersistBucket(t.Context(), b))
	// replay of the same stream position must not duplicate
	require.NoError(t, s.PersistBucket(t.Context(), b))

	got, err := s.BucketsSince(t.Context(), "job-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, *b, got[0])
}

func TestFinalizedBucketReplacesInterim(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.PersistBucket(t.Context(), &model.Bucket{JobID: "job-1", Timestamp: 100, AnomalyScore: 80, IsInterim: true}))
	require.NoError(t, s.PersistBucket(t.Context(), &model.Bucket{JobID: "job-1", Timestamp: 100, AnomalyScore: 60}))

	got, err := s.BucketsSince(t.Context(), "job-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].IsInterim)
	require.Equal(t, float64(60), got[0].AnomalyScore)
}

func TestDeleteInterimResults(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.PersistBucket(t.Context(), &model.Bucket{JobID: "job-1", Timestamp: 100}))
	require.NoError(t, s.PersistBucket(t.Context(), &model.Bucket{JobID: "job-1", Timestamp: 200, IsInterim: true}))
	require.NoError(t, s.PersistRecords(t.Context(), []model.AnomalyRecord{
		{JobID: "job-1", Timestamp: 100, DetectorIndex: 0, RecordScore: 10},
		{JobID: "job-1", Timestamp: 200, DetectorIndex: 0, RecordScore: 20, IsInterim: true},
	}))
	// another job's interim data must survive
	require.NoError(t, s.PersistBucket(t.Context(), &model.Bucket{JobID: "job-2", Timestamp: 200, IsInterim: true}))

	require.NoError(t, s.DeleteInterimResults(t.Context(), "job-1"))

	buckets, err := s.BucketsSince(t.Context(), "job-1", 0)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Equal(t, int64(100), buckets[0].Timestamp)

	records, err := s.RecordsSince(t.Context(), "job-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	other, err := s.BucketsSince(t.Context(), "job-2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestUpdateScoresTouchOnlyScores(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.PersistBucket(t.Context(), &model.Bucket{JobID: "job-1", Timestamp: 100, AnomalyScore: 90, InitialAnomalyScore: 90, EventCount: 7}))
	require.NoError(t, s.PersistRecords(t.Context(), []model.AnomalyRecord{
		{JobID: "job-1", Timestamp: 100, DetectorIndex: 1, ByFieldValue: "web-1", RecordScore: 88, InitialRecordScore: 88, Probability: 0.001},
	}))

	require.NoError(t, s.UpdateBucketScores(t.Context(), "job-1", []model.Bucket{{Timestamp: 100, AnomalyScore: 9}}))
	require.NoError(t, s.UpdateRecordScores(t.Context(), "job-1", []model.AnomalyRecord{
		{Timestamp: 100, DetectorIndex: 1, ByFieldValue: "web-1", RecordScore: 8},
	}))

	buckets, err := s.BucketsSince(t.Context(), "job-1", 0)
	require.NoError(t, err)
	require.Equal(t, float64(9), buckets[0].AnomalyScore)
	require.Equal(t, float64(90), buckets[0].InitialAnomalyScore)
	require.Equal(t, int64(7), buckets[0].EventCount)

	records, err := s.RecordsSince(t.Context(), "job-1", 0)
	require.NoError(t, err)
	require.Equal(t, float64(8), records[0].RecordScore)
	require.Equal(t, float64(88), records[0].InitialRecordScore)
	require.Equal(t, 0.001, records[0].Probability)
}

func TestBucketsSinceHonorsCutoff(t *testing.T) {
	s := openStore(t)
	for _, ts := range []int64{100, 200, 300} {
		require.NoError(t, s.PersistBucket(t.Context(), &model.Bucket{JobID: "job-1", Timestamp: ts}))
	}
	got, err := s.BucketsSince(t.Context(), "job-1", 200)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(200), got[0].Timestamp)
}

func TestSnapshotRoundTripAndLatest(t *testing.T) {
	s := openStore(t)
	require.Nil(t, mustLoadLatest(t, s, "job-1"), "fresh job has no snapshot")

	older := &model.ModelSnapshot{JobID: "job-1", SnapshotID: "s1", Timestamp: 100, Description: "first",
		Quantiles: &model.Quantiles{JobID: "job-1", State: "q1"}}
	newer := &model.ModelSnapshot{JobID: "job-1", SnapshotID: "s2", Timestamp: 200, Description: "second"}
	require.NoError(t, s.PersistModelSnapshot(t.Context(), older))
	require.NoError(t, s.PersistModelSnapshot(t.Context(), newer))

	latest := mustLoadLatest(t, s, "job-1")
	require.Equal(t, "s2", latest.SnapshotID)

	// replaying the older snapshot does not disturb latest
	require.NoError(t, s.PersistModelSnapshot(t.Context(), older))
	require.Equal(t, "s2", mustLoadLatest(t, s, "job-1").SnapshotID)
}

func mustLoadLatest(t *testing.T, s *store.Store, jobID string) *model.ModelSnapshot {
	t.Helper()
	snap, err := s.LoadLatestSnapshot(t.Context(), jobID)
	require.NoError(t, err)
	return snap
}

func TestPruneSnapshots(t *testing.T) {
	s := openStore(t)
	horizon := time.Unix(1000, 0)
	for _, snap := range []*model.ModelSnapshot{
		{JobID: "job-1", SnapshotID: "old", Timestamp: 100},
		{JobID: "job-1", SnapshotID: "flagged", Timestamp: 200, Retain: true},
		{JobID: "job-1", SnapshotID: "current", Timestamp: 300},
		{JobID: "job-1", SnapshotID: "fresh", Timestamp: 2000},
	} {
		require.NoError(t, s.PersistModelSnapshot(t.Context(), snap))
	}

	pruned, err := s.PruneSnapshots(t.Context(), "job-1", horizon, "current")
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned, "only the unflagged non-current old snapshot goes")

	require.Equal(t, "fresh", mustLoadLatest(t, s, "job-1").SnapshotID)
}

func TestQuantilesLatestWins(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.PersistQuantiles(t.Context(), &model.Quantiles{JobID: "job-1", Timestamp: 100, State: "q1"}))
	require.NoError(t, s.PersistQuantiles(t.Context(), &model.Quantiles{JobID: "job-1", Timestamp: 200, State: "q2"}))

	q, err := s.LoadQuantiles(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "q2", q.State)
	require.Equal(t, int64(200), q.Timestamp)
}

func TestDataCountsRoundTrip(t *testing.T) {
	s := openStore(t)
	zero, err := s.LoadDataCounts(t.Context(), "job-1")
	require.NoError(t, err)
	require.Zero(t, zero.ProcessedRecords)

	counts := model.DataCounts{
		JobID:            "job-1",
		ProcessedRecords: 1000,
		ProcessedBytes:   1 << 20,
		InvalidRecords:   3,
		LatestRecordTime: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.PersistDataCounts(t.Context(), counts))

	got, err := s.LoadDataCounts(t.Context(), "job-1")
	require.NoError(t, err)
	require.Equal(t, counts, got)
}
