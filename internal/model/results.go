package model

// Result is the tagged union arriving on the worker's output stream. Exactly
// one field is expected to be set per record; the result stream processor
// dispatches on whichever is non-nil.
type Result struct {
	Bucket             *Bucket               `json:"bucket,omitempty"`
	Records            []AnomalyRecord       `json:"records,omitempty"`
	ModelSizeStats     *ModelSizeStats       `json:"model_size_stats,omitempty"`
	ModelSnapshot      *ModelSnapshot        `json:"model_snapshot,omitempty"`
	Quantiles          *Quantiles            `json:"quantiles,omitempty"`
	FlushAck           *FlushAcknowledgement `json:"flush,omitempty"`
	CategoryDefinition *CategoryDefinition   `json:"category_definition,omitempty"`
}

// Bucket is one bucket-span worth of aggregated results.
type Bucket struct {
	JobID               string  `json:"job_id"`
	Timestamp           int64   `json:"timestamp"` // bucket start, epoch seconds
	BucketSpan          int64   `json:"bucket_span"`
	AnomalyScore        float64 `json:"anomaly_score"`
	InitialAnomalyScore float64 `json:"initial_anomaly_score"`
	EventCount          int64   `json:"event_count"`
	IsInterim           bool    `json:"is_interim,omitempty"`
}

// AnomalyRecord is a single anomalous entity within a bucket.
type AnomalyRecord struct {
	JobID              string  `json:"job_id"`
	Timestamp          int64   `json:"timestamp"`
	BucketSpan         int64   `json:"bucket_span"`
	DetectorIndex      int     `json:"detector_index"`
	Probability        float64 `json:"probability"`
	RecordScore        float64 `json:"record_score"`
	InitialRecordScore float64 `json:"initial_record_score"`
	FieldName          string  `json:"field_name,omitempty"`
	ByFieldValue       string  `json:"by_field_value,omitempty"`
	IsInterim          bool    `json:"is_interim,omitempty"`
}

// ModelSizeStats reports the worker's memory usage.
type ModelSizeStats struct {
	JobID                    string `json:"job_id"`
	ModelBytes               int64  `json:"model_bytes"`
	TotalByFieldCount        int64  `json:"total_by_field_count"`
	TotalOverFieldCount      int64  `json:"total_over_field_count"`
	TotalPartitionFieldCount int64  `json:"total_partition_field_count"`
	BucketAllocationFailures int64  `json:"bucket_allocation_failures"`
	MemoryStatus             string `json:"memory_status"` // "ok" | "soft_limit" | "hard_limit"
	Timestamp                int64  `json:"timestamp"`
}

// ModelSnapshot is a checkpoint of the worker's model state. Snapshots are
// immutable; a later snapshot supersedes an earlier one, it never mutates it.
type ModelSnapshot struct {
	JobID            string          `json:"job_id"`
	SnapshotID       string          `json:"snapshot_id"`
	Timestamp        int64           `json:"timestamp"`
	Description      string          `json:"description,omitempty"`
	SnapshotDocCount int64           `json:"snapshot_doc_count"`
	ModelSizeStats   *ModelSizeStats `json:"model_size_stats,omitempty"`
	LatestRecordTime int64           `json:"latest_record_time,omitempty"`
	LatestResultTime int64           `json:"latest_result_time,omitempty"`
	Quantiles        *Quantiles      `json:"quantiles,omitempty"`
	// Retain excludes this snapshot from retention pruning.
	Retain bool `json:"retain,omitempty"`
}

// Quantiles is the worker's opaque statistical summary. Its State blob is
// never interpreted on this side; producing a new one is the trigger for
// renormalization.
type Quantiles struct {
	JobID     string `json:"job_id"`
	Timestamp int64  `json:"timestamp"`
	Version   int64  `json:"version"`
	State     string `json:"state"`
}

// FlushAcknowledgement correlates to exactly one flush request by ID. The
// worker only emits it after every result produced before the flush command.
type FlushAcknowledgement struct {
	ID                     string `json:"id"`
	LastFinalizedBucketEnd int64  `json:"last_finalized_bucket_end,omitempty"`
}

// CategoryDefinition describes one category the worker derived from
// unstructured input.
type CategoryDefinition struct {
	JobID      string   `json:"job_id"`
	CategoryID int64    `json:"category_id"`
	Terms      string   `json:"terms,omitempty"`
	Regex      string   `json:"regex,omitempty"`
	Examples   []string `json:"examples,omitempty"`
}
