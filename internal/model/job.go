package model

import (
	"time"
)

// Job is the immutable definition of one analysis job. It is loaded once when
// the job is opened and never mutated afterwards; updates to detector rules
// travel to the worker as control messages instead.
type Job struct {
	ID          string        `json:"id"`
	Description string        `json:"description,omitempty"`
	BucketSpan  time.Duration `json:"bucket_span"`
	Detectors   []Detector    `json:"detectors"`

	// RenormalizationWindowDays limits how far back historical scores are
	// recomputed. Zero disables renormalization for this job.
	RenormalizationWindowDays int `json:"renormalization_window_days,omitempty"`

	// RetentionDays prunes old model snapshots; snapshots with Retain set
	// and the current snapshot are always kept. Zero keeps everything.
	RetentionDays int `json:"retention_days,omitempty"`
}

// Detector describes a single analysis function applied by the worker.
type Detector struct {
	Index     int             `json:"index"`
	Function  string          `json:"function"` // e.g. "count", "mean", "rare"
	FieldName string          `json:"field_name,omitempty"`
	ByField   string          `json:"by_field,omitempty"`
	Rules     []DetectionRule `json:"rules,omitempty"`
}

// DetectionRule suppresses or filters results matching a condition. Rules are
// part of the worker's wire contract; this side only orders and forwards them.
type DetectionRule struct {
	Action string     `json:"action"` // "skip_result" | "skip_model_update"
	Field  string     `json:"field,omitempty"`
	Value  string     `json:"value,omitempty"`
	Window *TimeRange `json:"window,omitempty"`
}

// ScheduledEvent is a calendar window (maintenance, holiday) during which
// every detector should skip results and model updates.
type ScheduledEvent struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Rule converts the event window into the detection rule applied to every
// detector of the job. The window is widened to whole buckets so a partially
// covered bucket is skipped too.
func (e ScheduledEvent) Rule(bucketSpan time.Duration) DetectionRule {
	start := e.Start.Unix()
	end := e.End.Unix()
	if span := int64(bucketSpan / time.Second); span > 0 {
		start -= start % span
		if rem := end % span; rem != 0 {
			end += span - rem
		}
	}
	return DetectionRule{
		Action: "skip_result",
		Window: &TimeRange{Start: start, End: end},
	}
}

// TimeRange is a half-open [Start, End) interval in epoch seconds.
// The zero value means "no range".
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r TimeRange) IsZero() bool {
	return r.Start == 0 && r.End == 0
}
