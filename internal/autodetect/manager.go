// Package autodetect owns the lifecycle of one native analytics worker per
// open job: spawning and handshake, the serialized write path into the
// process, flush correlation against the result stream, and the orderly
// close versus forced kill endgame.
package autodetect

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/droverlab/anomalyd/internal/metrics"
	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/results"
)

// RenormalizationCanceler aborts outstanding renormalization work when the
// job shuts down. Shutdown must be safe to call more than once.
type RenormalizationCanceler interface {
	Shutdown()
}

// Config tunes the manager's waiting behaviour.
type Config struct {
	// StartTimeout bounds the wait for the worker's startup handshake.
	StartTimeout time.Duration
	// FlushRetryInterval is the per-attempt wait for a flush
	// acknowledgement; between attempts process liveness is re-checked.
	FlushRetryInterval time.Duration
	// FlushRetries bounds the number of wait attempts. The overall flush
	// deadline is FlushRetries * FlushRetryInterval.
	FlushRetries int
}

// DefaultConfig matches the worker contract's recommended timings.
func DefaultConfig() Config {
	return Config{
		StartTimeout:       30 * time.Second,
		FlushRetryInterval: time.Second,
		FlushRetries:       120,
	}
}

// FinishHandler runs exactly once when the job finishes, with isError true
// when the finish was caused by a failure rather than a requested close.
type FinishHandler func(isError bool)

// Manager drives one worker process from spawn to exit. All input-stream
// operations are serialized; concurrent callers queue on the writer lock
// rather than interleave bytes.
type Manager struct {
	job          model.Job
	worker       Worker
	processor    *results.Processor
	renormalizer RenormalizationCanceler
	pipeline     *metrics.Pipeline
	cfg          Config

	state   *stateMachine
	writeMx sync.Mutex

	flushPending atomic.Bool

	finishOnce sync.Once
	onFinish   FinishHandler
}

// NewManager wires a manager around an already spawned worker. onFinish may
// be nil; pipeline may be nil.
func NewManager(job model.Job, worker Worker, processor *results.Processor, renormalizer RenormalizationCanceler, cfg Config, pipeline *metrics.Pipeline, onFinish FinishHandler) *Manager {
	if cfg.FlushRetryInterval <= 0 {
		cfg.FlushRetryInterval = time.Second
	}
	if cfg.FlushRetries <= 0 {
		cfg.FlushRetries = 120
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	return &Manager{
		job:          job,
		worker:       worker,
		processor:    processor,
		renormalizer: renormalizer,
		pipeline:     pipeline,
		cfg:          cfg,
		state:        newStateMachine(),
		onFinish:     onFinish,
	}
}

// JobID identifies the job this manager runs.
func (m *Manager) JobID() string { return m.job.ID }

// State returns the current lifecycle state.
func (m *Manager) State() ProcessState { return m.state.current() }

// Processor exposes the result stream processor of this job.
func (m *Manager) Processor() *results.Processor { return m.processor }

// Start waits for the worker's startup handshake. On success the manager is
// ready for writes; on failure the caller must kill the process.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.worker.AwaitReady(ctx, m.cfg.StartTimeout); err != nil {
		return err
	}
	if err := m.state.to(StateReady); err != nil {
		return err
	}
	slog.InfoContext(ctx, "worker process ready",
		"job_id", m.job.ID, "started_at", m.worker.StartTime())
	return nil
}

// WriteData streams input records into the worker. When params carries a
// non-zero reset range the corresponding reset-buckets control message goes
// out first. Returns the counts of what went through even on error.
func (m *Manager) WriteData(ctx context.Context, r io.Reader, params model.DataLoadParams) (model.DataCounts, error) {
	m.writeMx.Lock()
	defer m.writeMx.Unlock()

	if err := m.checkWritable(); err != nil {
		return model.DataCounts{}, err
	}

	if !params.ResetRange.IsZero() {
		if err := m.worker.WriteResetBuckets(params.ResetRange); err != nil {
			return model.DataCounts{}, m.writeError(err)
		}
	}

	counts, err := m.worker.WriteRecords(r, params.Format)
	counts.JobID = m.job.ID
	if err != nil {
		return counts, m.writeError(err)
	}

	m.state.tryTo(StateAlive)
	if m.pipeline != nil {
		m.pipeline.RecordsWritten.Add(float64(counts.ProcessedRecords))
	}
	slog.DebugContext(ctx, "streamed records to worker",
		"job_id", m.job.ID, "records", counts.ProcessedRecords, "bytes", counts.ProcessedBytes)
	return counts, nil
}

// WriteUpdateMessage pushes a configuration change into the running worker.
// Scheduled events translate into one rule applicable to every detector;
// that rule is merged with any explicit per-detector updates and the result
// goes out as one update-rules control message per affected detector, in
// ascending index order. Detectors with no changes are not written.
func (m *Manager) WriteUpdateMessage(ctx context.Context, params model.UpdateParams) error {
	m.writeMx.Lock()
	defer m.writeMx.Unlock()

	if err := m.checkWritable(); err != nil {
		return err
	}

	var eventRules []model.DetectionRule
	for _, ev := range params.ScheduledEvents {
		eventRules = append(eventRules, ev.Rule(m.job.BucketSpan))
	}

	merged := make(map[int][]model.DetectionRule)
	if params.ScheduledEvents != nil {
		// a refreshed calendar touches every detector of the job
		for _, d := range m.job.Detectors {
			merged[d.Index] = append([]model.DetectionRule(nil), eventRules...)
		}
	}
	for _, u := range params.DetectorUpdates {
		merged[u.Index] = append(merged[u.Index], u.Rules...)
	}

	indexes := make([]int, 0, len(merged))
	for idx := range merged {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		if err := m.worker.WriteUpdateDetectorRules(idx, merged[idx]); err != nil {
			return m.writeError(err)
		}
		slog.DebugContext(ctx, "updated detector rules",
			"job_id", m.job.ID, "detector_index", idx, "rules", len(merged[idx]))
	}
	return nil
}

// Flush asks the worker to drain everything computed so far and blocks the
// caller until the matching acknowledgement comes back on the result stream.
// The wait repeats in short attempts so a process death is noticed between
// attempts instead of after the full deadline. At most one flush can be
// pending per manager.
func (m *Manager) Flush(ctx context.Context, params model.FlushParams) (*model.FlushAcknowledgement, error) {
	if !m.flushPending.CompareAndSwap(false, true) {
		return nil, model.ErrFlushPending
	}
	defer m.flushPending.Store(false)

	m.writeMx.Lock()
	defer m.writeMx.Unlock()

	if err := m.checkWritable(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	flushes := m.processor.Flushes()

	// register before writing so the acknowledgement cannot race past
	flushes.Register(id)
	if err := m.worker.WriteFlush(id, params); err != nil {
		flushes.Forget(id)
		return nil, m.writeError(err)
	}
	entered := m.state.tryTo(StateFlushPending)

	start := time.Now()
	defer func() {
		if entered {
			m.state.tryTo(StateAlive)
		}
	}()

	slog.DebugContext(ctx, "waiting for flush acknowledgement", "job_id", m.job.ID, "flush_id", id)
	for attempt := 0; attempt < m.cfg.FlushRetries; attempt++ {
		if ack := flushes.Await(ctx, id, m.cfg.FlushRetryInterval); ack != nil {
			if m.pipeline != nil {
				m.pipeline.FlushesAcked.Inc()
				m.pipeline.FlushSeconds.Observe(time.Since(start).Seconds())
			}
			return ack, nil
		}
		if err := ctx.Err(); err != nil {
			flushes.Forget(id)
			return nil, err
		}
		if m.processor.IsFailed() {
			flushes.Forget(id)
			return nil, model.ErrResultStreamParse
		}
		// a cleared registry means the result stream ended; waiting out
		// the remaining attempts cannot produce an acknowledgement
		if flushes.Cleared() {
			flushes.Forget(id)
			return nil, m.notAlive()
		}
		// distinguish a dead worker from a slow one before retrying
		if s := m.state.current(); !s.Writable() || !m.worker.IsAlive() {
			flushes.Forget(id)
			return nil, m.notAlive()
		}
	}

	flushes.Forget(id)
	if m.pipeline != nil {
		m.pipeline.FlushTimeouts.Inc()
	}
	slog.WarnContext(ctx, "flush not acknowledged within deadline",
		"job_id", m.job.ID, "flush_id", id, "waited", time.Since(start))
	return nil, model.ErrFlushTimeout
}

// Close shuts the job down. A process that completed its handshake gets the
// orderly path: abort renormalization, send the shutdown control message,
// close the input stream, then wait for the process to exit and the result
// stream to drain so the final model snapshot is persisted. A process that
// never became ready cannot be trusted to honor the shutdown message and is
// killed instead.
func (m *Manager) Close(ctx context.Context) error {
	if m.state.current().Terminal() {
		return model.ErrJobClosed
	}
	if !m.worker.IsReady() {
		slog.WarnContext(ctx, "closing job with a worker that never became ready, killing it",
			"job_id", m.job.ID)
		m.KillProcess(ctx, true, false)
		return nil
	}
	if err := m.state.to(StateClosing); err != nil {
		return model.ErrJobClosed
	}

	// renormalization results are pointless for a job going away
	m.renormalizer.Shutdown()

	m.writeMx.Lock()
	err := m.worker.WriteKill()
	if cerr := m.worker.CloseStdin(); err == nil {
		err = cerr
	}
	m.writeMx.Unlock()
	if err != nil {
		// the process may already be gone; the waits below sort that out
		slog.DebugContext(ctx, "writing shutdown message", "job_id", m.job.ID, "error", err)
	}

	if err := m.worker.Await(ctx); err != nil {
		if errors.Is(err, ctx.Err()) && ctx.Err() != nil {
			return err
		}
		// non-zero exit after a requested shutdown is informational
		slog.DebugContext(ctx, "worker exit status", "job_id", m.job.ID, "error", err)
	}
	if err := m.processor.AwaitCompletion(ctx); err != nil {
		return err
	}

	if err := m.state.to(StateClosed); err != nil {
		return err
	}
	m.finish(false)
	slog.InfoContext(ctx, "job closed", "job_id", m.job.ID)
	return nil
}

// KillProcess terminates the worker immediately. Results still on the
// output stream are drained but discarded. When awaitCompletion is set the
// call blocks until the stream is fully drained. The finish handler runs
// exactly once with the given error flag, no matter how often kill or close
// are invoked.
func (m *Manager) KillProcess(ctx context.Context, awaitCompletion bool, isError bool) {
	if !m.state.tryTo(StateKilling) {
		// already terminal; still make sure the finish handler ran
		m.finish(isError)
		return
	}

	m.processor.SetProcessKilled()
	m.renormalizer.Shutdown()
	m.worker.Kill()
	if err := m.worker.CloseStdin(); err != nil {
		slog.DebugContext(ctx, "closing input of killed worker", "job_id", m.job.ID, "error", err)
	}

	if awaitCompletion {
		if err := m.processor.AwaitCompletion(ctx); err != nil {
			slog.WarnContext(ctx, "result stream not drained after kill", "job_id", m.job.ID, "error", err)
		}
	}

	m.state.tryTo(StateKilled)
	if m.pipeline != nil && isError {
		m.pipeline.ProcessCrashes.Inc()
	}
	m.finish(isError)
	slog.InfoContext(ctx, "worker process killed", "job_id", m.job.ID, "is_error", isError)
}

func (m *Manager) finish(isError bool) {
	m.finishOnce.Do(func() {
		if m.onFinish != nil {
			m.onFinish(isError)
		}
	})
}

// checkWritable guards the write path: the state must accept operations and
// the process must actually be running.
func (m *Manager) checkWritable() error {
	if s := m.state.current(); !s.Writable() {
		if s.Terminal() {
			return model.ErrJobClosed
		}
		return m.notAlive()
	}
	if !m.worker.IsAlive() {
		return m.notAlive()
	}
	return nil
}

// writeError decorates an input-stream failure. A broken pipe almost always
// means the process died; report it as such with the diagnostic tail.
func (m *Manager) writeError(err error) error {
	if !m.worker.IsAlive() {
		return m.notAlive()
	}
	return err
}

func (m *Manager) notAlive() *model.ProcessNotAliveError {
	return &model.ProcessNotAliveError{
		JobID:      m.job.ID,
		Diagnostic: m.worker.Diagnostic(),
	}
}
