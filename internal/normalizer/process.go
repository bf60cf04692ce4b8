package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/pipes"
)

// startGrace bounds how long a freshly spawned normalizer may take to
// handshake. Normalizers load no model state, so this is short.
const startGrace = 10 * time.Second

// ProcessNormalizer shells out to the native normalizer for each pass: one
// short-lived process is spawned, fed the quantiles state and every score
// inside the window, and echoes the rescaled scores back in input order.
type ProcessNormalizer struct {
	command pipes.Command
}

func NewProcessNormalizer(command pipes.Command) *ProcessNormalizer {
	return &ProcessNormalizer{command: command}
}

type normalizeHeader struct {
	QuantilesState string `json:"quantiles_state"`
}

type scoreLine struct {
	Kind  string  `json:"type"` // "bucket" | "record"
	Score float64 `json:"score"`
}

type normalizedLine struct {
	Score float64 `json:"normalized_score"`
}

func (n *ProcessNormalizer) Normalize(ctx context.Context, quantilesState string, buckets []model.Bucket, records []model.AnomalyRecord) ([]model.Bucket, []model.AnomalyRecord, error) {
	proc, err := pipes.Spawn(ctx, n.command, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("spawning normalizer: %w", err)
	}
	defer proc.Kill()

	if err := proc.AwaitReady(ctx, startGrace); err != nil {
		return nil, nil, fmt.Errorf("normalizer handshake: %w", err)
	}

	// feed from a separate goroutine; the process streams results back
	// while still reading input
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- n.writeInput(proc.Stdin(), quantilesState, buckets, records)
	}()

	outBuckets := append([]model.Bucket(nil), buckets...)
	outRecords := append([]model.AnomalyRecord(nil), records...)

	dec := json.NewDecoder(proc.Stdout())
	for i := 0; i < len(outBuckets)+len(outRecords); i++ {
		var line normalizedLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil, fmt.Errorf("normalizer output ended early after %d of %d scores: %s",
					i, len(outBuckets)+len(outRecords), proc.Diagnostic())
			}
			return nil, nil, fmt.Errorf("parsing normalizer output: %w", err)
		}
		if i < len(outBuckets) {
			outBuckets[i].AnomalyScore = line.Score
		} else {
			outRecords[i-len(outBuckets)].RecordScore = line.Score
		}
	}

	if err := <-writeErr; err != nil {
		return nil, nil, err
	}
	if err := proc.Await(ctx); err != nil {
		return nil, nil, fmt.Errorf("normalizer exit: %w", err)
	}
	return outBuckets, outRecords, nil
}

func (n *ProcessNormalizer) writeInput(w io.WriteCloser, quantilesState string, buckets []model.Bucket, records []model.AnomalyRecord) error {
	defer w.Close()
	enc := json.NewEncoder(w)
	if err := enc.Encode(normalizeHeader{QuantilesState: quantilesState}); err != nil {
		return fmt.Errorf("writing quantiles state: %w", err)
	}
	for _, b := range buckets {
		if err := enc.Encode(scoreLine{Kind: "bucket", Score: b.AnomalyScore}); err != nil {
			return fmt.Errorf("writing bucket score: %w", err)
		}
	}
	for _, r := range records {
		if err := enc.Encode(scoreLine{Kind: "record", Score: r.RecordScore}); err != nil {
			return fmt.Errorf("writing record score: %w", err)
		}
	}
	return nil
}
