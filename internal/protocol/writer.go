// Package protocol implements the byte-stream contract spoken with the
// native worker: newline-delimited JSON in both directions. Input records
// pass through verbatim; control messages are objects with a reserved
// "control" field the worker strips out of the data path.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/droverlab/anomalyd/internal/model"
)

// control message tags, fixed by the worker contract
const (
	controlResetBuckets = "reset_buckets"
	controlFlush        = "flush"
	controlUpdateRules  = "update_rules"
	controlKill         = "kill"
)

type controlMessage struct {
	Control       string                `json:"control"`
	Start         int64                 `json:"start,omitempty"`
	End           int64                 `json:"end,omitempty"`
	ID            string                `json:"id,omitempty"`
	CalcInterim   bool                  `json:"calc_interim,omitempty"`
	AdvanceTime   int64                 `json:"advance_time,omitempty"`
	SkipTime      int64                 `json:"skip_time,omitempty"`
	DetectorIndex int                   `json:"detector_index"`
	Rules         []model.DetectionRule `json:"rules,omitempty"`
}

// Writer serializes control messages and data records onto the worker's
// input stream. It is not safe for concurrent use; the lifecycle manager
// guarantees a single writer.
type Writer struct {
	w   *bufio.Writer
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{
		w:   bw,
		enc: json.NewEncoder(bw),
	}
}

func (w *Writer) writeControl(msg controlMessage) error {
	if err := w.enc.Encode(msg); err != nil {
		return fmt.Errorf("encoding %s control message: %w", msg.Control, err)
	}
	return w.w.Flush()
}

// WriteResetBuckets tells the worker to forget results in the given range
// before new data for it arrives.
func (w *Writer) WriteResetBuckets(r model.TimeRange) error {
	return w.writeControl(controlMessage{
		Control: controlResetBuckets,
		Start:   r.Start,
		End:     r.End,
	})
}

// WriteFlush requests the worker to drain all results computed so far and
// acknowledge with the given correlation id.
func (w *Writer) WriteFlush(id string, params model.FlushParams) error {
	return w.writeControl(controlMessage{
		Control:     controlFlush,
		ID:          id,
		CalcInterim: params.CalcInterim,
		Start:       params.InterimRange.Start,
		End:         params.InterimRange.End,
		AdvanceTime: params.AdvanceTime,
		SkipTime:    params.SkipTime,
	})
}

// WriteUpdateDetectorRules replaces the detection rules of one detector.
func (w *Writer) WriteUpdateDetectorRules(detectorIndex int, rules []model.DetectionRule) error {
	return w.writeControl(controlMessage{
		Control:       controlUpdateRules,
		DetectorIndex: detectorIndex,
		Rules:         rules,
	})
}

// WriteKill asks the worker to finish up and exit: flush results, write a
// final model snapshot, close its output stream. The orderly-shutdown path.
func (w *Writer) WriteKill() error {
	return w.writeControl(controlMessage{Control: controlKill})
}

// WriteRecords streams input records to the worker unmodified and counts
// what went through. Records are newline-separated; for CSV the first line
// is a header and not counted. For NDJSON records carrying a numeric "time"
// field the latest timestamp is tracked.
func (w *Writer) WriteRecords(r io.Reader, format model.DataFormat) (model.DataCounts, error) {
	var counts model.DataCounts

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		n, err := w.w.Write(line)
		counts.ProcessedBytes += int64(n)
		if err != nil {
			return counts, fmt.Errorf("writing record: %w", err)
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return counts, fmt.Errorf("writing record: %w", err)
		}
		counts.ProcessedBytes++

		if format == model.DataFormatCSV && first {
			first = false
			continue // header line
		}
		first = false
		counts.ProcessedRecords++

		if format == model.DataFormatNDJSON {
			if ts, ok := recordTime(line); ok {
				if ts.After(counts.LatestRecordTime) {
					counts.LatestRecordTime = ts
				}
			} else {
				counts.InvalidRecords++
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return counts, fmt.Errorf("reading input records: %w", err)
	}
	return counts, w.w.Flush()
}

func recordTime(line []byte) (time.Time, bool) {
	var rec struct {
		Time *int64 `json:"time"`
	}
	if err := json.Unmarshal(line, &rec); err != nil || rec.Time == nil {
		return time.Time{}, false
	}
	return time.Unix(*rec.Time, 0), true
}
