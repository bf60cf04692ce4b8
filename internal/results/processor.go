// Package results drains and dispatches the worker's output stream. One
// Processor runs per open job, on its own goroutine, for the life of the
// job's lifecycle manager.
package results

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/droverlab/anomalyd/internal/metrics"
	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/protocol"
)

// Persister is the persistence boundary consumed by the processor. Writes
// are at-least-once; implementations must be idempotent under the natural
// keys. Errors are logged and counted here, retried per the implementation's
// own policy, never retried by the processor.
type Persister interface {
	PersistBucket(ctx context.Context, b *model.Bucket) error
	PersistRecords(ctx context.Context, records []model.AnomalyRecord) error
	PersistCategoryDefinition(ctx context.Context, c *model.CategoryDefinition) error
	PersistModelSizeStats(ctx context.Context, s *model.ModelSizeStats) error
	PersistModelSnapshot(ctx context.Context, s *model.ModelSnapshot) error
	PersistQuantiles(ctx context.Context, q *model.Quantiles) error
	DeleteInterimResults(ctx context.Context, jobID string) error
}

// Renormalizer receives freshly produced quantiles. Fire-and-forget.
type Renormalizer interface {
	Renormalize(q *model.Quantiles)
	WaitUntilIdle()
}

// Processor reads the output stream of one worker and dispatches every
// result record in arrival order.
type Processor struct {
	jobID        string
	persister    Persister
	renormalizer Renormalizer
	flushes      *FlushRegistry
	pipeline     *metrics.Pipeline

	failed atomic.Bool
	killed atomic.Bool

	completion chan struct{}
	once       sync.Once

	latestMx        sync.RWMutex
	latestSizeStats *model.ModelSizeStats
	latestSnapshot  *model.ModelSnapshot
	latestQuantiles *model.Quantiles

	bucketCount int64
}

// New builds a processor. pipeline may be nil.
func New(jobID string, persister Persister, renormalizer Renormalizer, flushes *FlushRegistry, pipeline *metrics.Pipeline) *Processor {
	return &Processor{
		jobID:        jobID,
		persister:    persister,
		renormalizer: renormalizer,
		flushes:      flushes,
		pipeline:     pipeline,
		completion:   make(chan struct{}),
	}
}

// Flushes exposes the pending-wait table shared with the lifecycle manager.
func (p *Processor) Flushes() *FlushRegistry { return p.flushes }

// Process is the reader loop. It terminates on end-of-stream or on the
// first parse failure, then waits for the renormalizer to go idle and
// unblocks every pending flush wait. Runs exactly once.
func (p *Processor) Process(ctx context.Context, stream io.Reader) {
	defer p.once.Do(func() {
		p.renormalizer.WaitUntilIdle()
		p.flushes.Clear()
		close(p.completion)
	})

	// a flush may have produced interim results which must be removed
	// when the next finalized bucket supersedes them
	deleteInterimRequired := false

	reader := protocol.NewResultReader(stream)
	for {
		result, err := reader.Next()
		if errors.Is(err, io.EOF) {
			slog.DebugContext(ctx, "worker output stream ended", "job_id", p.jobID, "buckets", p.bucketCount)
			return
		}
		if err != nil {
			p.failed.Store(true)
			if p.pipeline != nil {
				p.pipeline.ParseFailures.Inc()
			}
			slog.ErrorContext(ctx, "parsing worker output", "job_id", p.jobID, "error", err)
			return
		}
		p.processResult(ctx, result, &deleteInterimRequired)
	}
}

func (p *Processor) processResult(ctx context.Context, result model.Result, deleteInterimRequired *bool) {
	discard := p.killed.Load()

	if b := result.Bucket; b != nil && !discard {
		if *deleteInterimRequired {
			p.persist(ctx, "interim results", func() error {
				return p.persister.DeleteInterimResults(ctx, p.jobID)
			})
			*deleteInterimRequired = false
		}
		p.bucketCount++
		if p.pipeline != nil {
			p.pipeline.BucketsParsed.Inc()
		}
		p.persist(ctx, "bucket", func() error { return p.persister.PersistBucket(ctx, b) })
	}
	if records := result.Records; len(records) > 0 && !discard {
		p.persist(ctx, "records", func() error { return p.persister.PersistRecords(ctx, records) })
	}
	if c := result.CategoryDefinition; c != nil && !discard {
		p.persist(ctx, "category definition", func() error { return p.persister.PersistCategoryDefinition(ctx, c) })
	}
	if s := result.ModelSizeStats; s != nil {
		p.latestMx.Lock()
		p.latestSizeStats = s
		p.latestMx.Unlock()
		if !discard {
			p.persist(ctx, "model size stats", func() error { return p.persister.PersistModelSizeStats(ctx, s) })
		}
	}
	if s := result.ModelSnapshot; s != nil {
		p.latestMx.Lock()
		p.latestSnapshot = s
		p.latestMx.Unlock()
		if !discard {
			p.persist(ctx, "model snapshot", func() error { return p.persister.PersistModelSnapshot(ctx, s) })
		}
	}
	if q := result.Quantiles; q != nil {
		p.latestMx.Lock()
		p.latestQuantiles = q
		p.latestMx.Unlock()
		if !discard {
			p.persist(ctx, "quantiles", func() error { return p.persister.PersistQuantiles(ctx, q) })
			slog.DebugContext(ctx, "quantiles parsed, triggering renormalization", "job_id", p.jobID)
			p.renormalizer.Renormalize(q)
		}
	}
	if ack := result.FlushAck; ack != nil {
		slog.DebugContext(ctx, "flush acknowledged by worker", "job_id", p.jobID, "flush_id", ack.ID)
		if !p.flushes.Acknowledge(ack) {
			slog.DebugContext(ctx, "acknowledgement with no pending wait, dropping", "job_id", p.jobID, "flush_id", ack.ID)
		}
		// interim results may follow from this flush; mark them for
		// deletion once finalized results arrive
		*deleteInterimRequired = true
	}
}

func (p *Processor) persist(ctx context.Context, what string, fn func() error) {
	if err := fn(); err != nil {
		if p.pipeline != nil {
			p.pipeline.PersistFailures.Inc()
		}
		slog.ErrorContext(ctx, "persisting "+what, "job_id", p.jobID, "error", err)
		return
	}
	if p.pipeline != nil {
		p.pipeline.ResultsPersisted.Inc()
	}
}

// IsFailed reports a non-recoverable parse failure.
func (p *Processor) IsFailed() bool { return p.failed.Load() }

// SetProcessKilled switches the processor to discard mode: results still
// drain off the stream but are no longer persisted or renormalized.
func (p *Processor) SetProcessKilled() { p.killed.Store(true) }

// AwaitCompletion blocks until the reader loop observed end-of-stream.
func (p *Processor) AwaitCompletion(ctx context.Context) error {
	select {
	case <-p.completion:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LatestModelSizeStats returns the most recent stats seen, or nil.
func (p *Processor) LatestModelSizeStats() *model.ModelSizeStats {
	p.latestMx.RLock()
	defer p.latestMx.RUnlock()
	return p.latestSizeStats
}

// LatestSnapshot returns the most recent model snapshot seen, or nil.
func (p *Processor) LatestSnapshot() *model.ModelSnapshot {
	p.latestMx.RLock()
	defer p.latestMx.RUnlock()
	return p.latestSnapshot
}

// LatestQuantiles returns the most recent quantiles seen, or nil.
func (p *Processor) LatestQuantiles() *model.Quantiles {
	p.latestMx.RLock()
	defer p.latestMx.RUnlock()
	return p.latestQuantiles
}
