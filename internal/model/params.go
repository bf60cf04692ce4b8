package model

import "time"

// DataFormat names the encoding of records streamed into the worker.
type DataFormat string

const (
	DataFormatNDJSON DataFormat = "ndjson"
	DataFormatCSV    DataFormat = "csv"
)

// DataLoadParams accompanies a writeData call.
type DataLoadParams struct {
	Format DataFormat
	// ResetRange, when non-zero, makes the manager emit a reset-buckets
	// control message before streaming the data.
	ResetRange TimeRange
}

// FlushParams controls what the worker does before acknowledging a flush.
type FlushParams struct {
	// CalcInterim asks for interim results for the range below.
	CalcInterim  bool
	InterimRange TimeRange
	// AdvanceTime moves the worker's notion of "now" forward (epoch
	// seconds). Zero means no advance.
	AdvanceTime int64
	// SkipTime jumps over a gap in the data without modelling it.
	SkipTime int64
}

// UpdateParams describes a writeUpdateMessage call: explicit per-detector
// rule updates plus, optionally, a refreshed scheduled-event calendar.
// A nil ScheduledEvents slice means the calendar is unchanged; an empty
// non-nil slice clears it.
type UpdateParams struct {
	DetectorUpdates []DetectorUpdate
	ScheduledEvents []ScheduledEvent
}

// DetectorUpdate carries new rules for one detector index.
type DetectorUpdate struct {
	Index int
	Rules []DetectionRule
}

// DataCounts summarises what a writeData call pushed into the worker.
type DataCounts struct {
	JobID            string    `json:"job_id"`
	ProcessedRecords int64     `json:"processed_records"`
	ProcessedBytes   int64     `json:"processed_bytes"`
	InvalidRecords   int64     `json:"invalid_records"`
	LatestRecordTime time.Time `json:"latest_record_time,omitzero"`
}

func (d *DataCounts) Add(other DataCounts) {
	d.ProcessedRecords += other.ProcessedRecords
	d.ProcessedBytes += other.ProcessedBytes
	d.InvalidRecords += other.InvalidRecords
	if other.LatestRecordTime.After(d.LatestRecordTime) {
		d.LatestRecordTime = other.LatestRecordTime
	}
}
