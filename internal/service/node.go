// Package service hosts the per-node job registry: it spawns one worker
// process per opened job, wires the write path, result stream, renormalizer
// and persistence together, and enforces the node-wide open-job limit.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/droverlab/anomalyd/internal/autodetect"
	"github.com/droverlab/anomalyd/internal/metrics"
	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/normalizer"
	"github.com/droverlab/anomalyd/internal/pipes"
	"github.com/droverlab/anomalyd/internal/results"
	"github.com/droverlab/anomalyd/internal/store"
)

var (
	// ErrTooManyOpenJobs means the node-wide limit is reached. The caller
	// can close another job or pick a different node.
	ErrTooManyOpenJobs = errors.New("too many open jobs on this node")
	// ErrJobNotFound means no open job with that id exists here.
	ErrJobNotFound = errors.New("job not open on this node")
	// ErrJobAlreadyOpen rejects opening the same job twice.
	ErrJobAlreadyOpen = errors.New("job already open on this node")
)

// Node owns every open job of one anomalyd process.
type Node struct {
	cfg      model.Config
	mgrCfg   autodetect.Config
	store    *store.Store
	registry *prometheus.Registry
	pipeline *metrics.Pipeline

	slots *semaphore.Weighted

	mx      sync.Mutex
	jobs    map[string]*openJob
	opening map[string]struct{}

	wg sync.WaitGroup
}

type openJob struct {
	job        model.Job
	manager    *autodetect.Manager
	controller *normalizer.Controller

	countsMx sync.Mutex
	counts   model.DataCounts

	quantilesFile string
}

// NewNode validates the process timings from cfg and builds an empty node.
func NewNode(cfg model.Config, st *store.Store) (*Node, error) {
	startTimeout, err := cfg.Process.StartTimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing process.start_timeout: %w", err)
	}
	retryInterval, err := cfg.Process.FlushRetryIntervalDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing process.flush_retry_interval: %w", err)
	}
	if err := ParseCron(cfg.Service.RetentionCron); err != nil {
		return nil, fmt.Errorf("parsing service.retention_cron: %w", err)
	}

	registry := prometheus.NewRegistry()
	return &Node{
		cfg: cfg,
		mgrCfg: autodetect.Config{
			StartTimeout:       startTimeout,
			FlushRetryInterval: retryInterval,
			FlushRetries:       cfg.Process.FlushRetries,
		},
		store:    st,
		registry: registry,
		pipeline: metrics.New(registry),
		slots:    semaphore.NewWeighted(int64(cfg.Process.MaxOpenJobs)),
		jobs:     make(map[string]*openJob),
		opening:  make(map[string]struct{}),
	}, nil
}

// OpenJob spawns a worker for the job, restores its latest model state and
// waits for the startup handshake. A worker that fails to come up is killed
// and its slot released.
func (n *Node) OpenJob(ctx context.Context, job model.Job) error {
	if err := n.reserve(job.ID); err != nil {
		return err
	}

	if !n.slots.TryAcquire(1) {
		n.unreserve(job.ID)
		return ErrTooManyOpenJobs
	}

	oj, err := n.spawnJob(ctx, job)
	if err != nil {
		n.unreserve(job.ID)
		n.slots.Release(1)
		return err
	}

	n.mx.Lock()
	n.jobs[job.ID] = oj
	delete(n.opening, job.ID)
	n.mx.Unlock()
	n.pipeline.OpenJobs.Inc()

	if err := oj.manager.Start(ctx); err != nil {
		slog.ErrorContext(ctx, "worker failed to start, killing it", "job_id", job.ID, "error", err)
		// kill releases the slot through the finish handler
		oj.manager.KillProcess(ctx, true, true)
		return fmt.Errorf("starting worker for job %s: %w", job.ID, err)
	}
	return nil
}

func (n *Node) spawnJob(ctx context.Context, job model.Job) (*openJob, error) {
	oj := &openJob{job: job}

	counts, err := n.store.LoadDataCounts(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("loading data counts: %w", err)
	}
	oj.counts = counts

	args, err := n.workerArgs(ctx, oj)
	if err != nil {
		return nil, err
	}

	updater := normalizer.NewScoresUpdater(job, n.newProcessNormalizer(job), n.store)
	oj.controller = normalizer.NewController(job.ID, updater, n.pipeline)

	processor := results.New(job.ID, n.store, oj.controller, results.NewFlushRegistry(), n.pipeline)

	proc, err := pipes.Spawn(ctx, pipes.Command{Path: n.cfg.Process.Binary, Args: args}, func(exitErr error) {
		n.handleProcessExit(job.ID, exitErr)
	})
	if err != nil {
		oj.cleanup()
		return nil, fmt.Errorf("spawning worker: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		processor.Process(context.WithoutCancel(ctx), proc.Stdout())
	}()

	oj.manager = autodetect.NewManager(job, autodetect.NewNativeWorker(proc), processor, oj.controller, n.mgrCfg, n.pipeline, func(isError bool) {
		n.releaseJob(job.ID, isError)
	})
	return oj, nil
}

// workerArgs assembles the spawn command line, including model state
// restoration when an earlier run left a snapshot behind.
func (n *Node) workerArgs(ctx context.Context, oj *openJob) ([]string, error) {
	job := oj.job
	args := append([]string(nil), n.cfg.Process.Args...)
	args = append(args,
		"--job-id", job.ID,
		"--bucket-span", strconv.FormatInt(int64(job.BucketSpan/time.Second), 10),
	)

	snap, err := n.store.LoadLatestSnapshot(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("loading latest snapshot: %w", err)
	}
	if snap == nil {
		return args, nil
	}

	args = append(args, "--restore-snapshot", snap.SnapshotID)
	quantiles := snap.Quantiles
	if quantiles == nil {
		// fall back to the separately persisted quantiles document
		if quantiles, err = n.store.LoadQuantiles(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("loading quantiles: %w", err)
		}
	}
	if quantiles != nil {
		f, err := os.CreateTemp("", "anomalyd-quantiles-"+job.ID+"-*")
		if err != nil {
			return nil, fmt.Errorf("creating quantiles file: %w", err)
		}
		if _, err := f.WriteString(quantiles.State); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("writing quantiles file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return nil, fmt.Errorf("closing quantiles file: %w", err)
		}
		oj.quantilesFile = f.Name()
		args = append(args, "--quantiles-file", f.Name())
	}
	slog.InfoContext(ctx, "restoring model state", "job_id", job.ID, "snapshot_id", snap.SnapshotID)
	return args, nil
}

// newProcessNormalizer builds the command for the short-lived normalizer
// runs of one job. Same binary, different mode.
func (n *Node) newProcessNormalizer(job model.Job) *normalizer.ProcessNormalizer {
	args := append([]string(nil), n.cfg.Process.Args...)
	args = append(args, "--normalize", "--job-id", job.ID)
	return normalizer.NewProcessNormalizer(pipes.Command{Path: n.cfg.Process.Binary, Args: args})
}

// handleProcessExit runs for every worker exit. An exit while the job is
// still supposed to be running is a crash: the job is torn down with the
// error flag so the failure is observable.
func (n *Node) handleProcessExit(jobID string, exitErr error) {
	n.mx.Lock()
	oj, ok := n.jobs[jobID]
	n.mx.Unlock()
	if !ok {
		return
	}
	switch oj.manager.State() {
	case autodetect.StateClosing, autodetect.StateClosed, autodetect.StateKilling, autodetect.StateKilled:
		return // expected exit
	}
	slog.Error("worker process died unexpectedly", "job_id", jobID, "error", exitErr)
	oj.manager.KillProcess(context.Background(), false, true)
}

func (n *Node) releaseJob(jobID string, isError bool) {
	n.mx.Lock()
	oj, ok := n.jobs[jobID]
	if ok {
		delete(n.jobs, jobID)
	}
	n.mx.Unlock()
	if !ok {
		return
	}
	oj.cleanup()
	n.slots.Release(1)
	n.pipeline.OpenJobs.Dec()
	slog.Info("job finished", "job_id", jobID, "is_error", isError)
}

func (oj *openJob) cleanup() {
	if oj.quantilesFile != "" {
		os.Remove(oj.quantilesFile)
		oj.quantilesFile = ""
	}
}

// reserve claims the job id before the worker spawn starts. The claim and
// the duplicate check share one critical section, so concurrent opens of
// the same id collapse to a single winner; the registry never holds a
// half-built entry.
func (n *Node) reserve(jobID string) error {
	n.mx.Lock()
	defer n.mx.Unlock()
	if _, ok := n.jobs[jobID]; ok {
		return ErrJobAlreadyOpen
	}
	if _, ok := n.opening[jobID]; ok {
		return ErrJobAlreadyOpen
	}
	n.opening[jobID] = struct{}{}
	return nil
}

func (n *Node) unreserve(jobID string) {
	n.mx.Lock()
	delete(n.opening, jobID)
	n.mx.Unlock()
}

func (n *Node) lookup(jobID string) (*openJob, error) {
	n.mx.Lock()
	defer n.mx.Unlock()
	oj, ok := n.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return oj, nil
}

// OpenJobIDs lists the jobs currently open on this node.
func (n *Node) OpenJobIDs() []string {
	n.mx.Lock()
	defer n.mx.Unlock()
	ids := make([]string, 0, len(n.jobs))
	for id := range n.jobs {
		ids = append(ids, id)
	}
	return ids
}

// WriteData streams records into the job's worker and returns the job's
// cumulative data counts, persisted after every call.
func (n *Node) WriteData(ctx context.Context, jobID string, r io.Reader, params model.DataLoadParams) (model.DataCounts, error) {
	oj, err := n.lookup(jobID)
	if err != nil {
		return model.DataCounts{}, err
	}
	counts, err := oj.manager.WriteData(ctx, r, params)
	if err != nil {
		return model.DataCounts{}, err
	}

	oj.countsMx.Lock()
	oj.counts.JobID = jobID
	oj.counts.Add(counts)
	total := oj.counts
	oj.countsMx.Unlock()

	if err := n.store.PersistDataCounts(ctx, total); err != nil {
		slog.ErrorContext(ctx, "persisting data counts", "job_id", jobID, "error", err)
	}
	return total, nil
}

// FlushJob drains the job's results and blocks until acknowledged.
func (n *Node) FlushJob(ctx context.Context, jobID string, params model.FlushParams) (*model.FlushAcknowledgement, error) {
	oj, err := n.lookup(jobID)
	if err != nil {
		return nil, err
	}
	return oj.manager.Flush(ctx, params)
}

// UpdateJob pushes rule and calendar changes into the running worker.
func (n *Node) UpdateJob(ctx context.Context, jobID string, params model.UpdateParams) error {
	oj, err := n.lookup(jobID)
	if err != nil {
		return err
	}
	return oj.manager.WriteUpdateMessage(ctx, params)
}

// CloseJob shuts one job down orderly.
func (n *Node) CloseJob(ctx context.Context, jobID string) error {
	oj, err := n.lookup(jobID)
	if err != nil {
		return err
	}
	return oj.manager.Close(ctx)
}

// KillJob terminates one job's worker without waiting for results.
func (n *Node) KillJob(ctx context.Context, jobID string) error {
	oj, err := n.lookup(jobID)
	if err != nil {
		return err
	}
	oj.manager.KillProcess(ctx, false, false)
	return nil
}

// CloseAllJobs closes every open job in parallel; an orderly close drains
// each job's result stream, so doing them serially would stack the waits.
func (n *Node) CloseAllJobs(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range n.OpenJobIDs() {
		g.Go(func() error {
			if err := n.CloseJob(ctx, id); err != nil && !errors.Is(err, ErrJobNotFound) {
				return fmt.Errorf("closing job %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// KillAllProcesses is the fast shutdown path: every worker is killed, no
// result draining.
func (n *Node) KillAllProcesses(ctx context.Context) {
	for _, id := range n.OpenJobIDs() {
		if err := n.KillJob(ctx, id); err != nil && !errors.Is(err, ErrJobNotFound) {
			slog.ErrorContext(ctx, "killing job", "job_id", id, "error", err)
		}
	}
}

// PruneExpiredSnapshots applies each open job's retention policy. The
// latest snapshot and explicitly retained ones always survive.
func (n *Node) PruneExpiredSnapshots(ctx context.Context) {
	for _, id := range n.OpenJobIDs() {
		oj, err := n.lookup(id)
		if err != nil {
			continue
		}
		retention := oj.job.RetentionDays
		if retention <= 0 {
			continue
		}
		keepID := ""
		if snap, err := n.store.LoadLatestSnapshot(ctx, id); err == nil && snap != nil {
			keepID = snap.SnapshotID
		}
		olderThan := time.Now().UTC().AddDate(0, 0, -retention)
		pruned, err := n.store.PruneSnapshots(ctx, id, olderThan, keepID)
		if err != nil {
			slog.ErrorContext(ctx, "pruning snapshots", "job_id", id, "error", err)
			continue
		}
		if pruned > 0 {
			n.pipeline.SnapshotsPruned.Add(float64(pruned))
			slog.InfoContext(ctx, "pruned expired snapshots", "job_id", id, "count", pruned)
		}
	}
}
