// Package normalizer recomputes historical anomaly scores whenever the
// worker produces a fresh quantiles state. Score distributions drift as more
// data is seen; a bucket that looked wild a week ago may be ordinary under
// today's statistics, so its stored score gets rewritten downwards.
package normalizer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/droverlab/anomalyd/internal/metrics"
	"github.com/droverlab/anomalyd/internal/model"
)

// Normalizer rescales the scores of past results against a newer quantiles
// state. Implementations must not modify the input slices; they return
// copies carrying the new scores.
type Normalizer interface {
	Normalize(ctx context.Context, quantilesState string, buckets []model.Bucket, records []model.AnomalyRecord) ([]model.Bucket, []model.AnomalyRecord, error)
}

// Controller runs at most one renormalization pass per job at a time and
// short-circuits the queue: when quantiles arrive faster than passes finish,
// intermediate states are skipped and only the latest is used. Skipping is
// safe because each quantiles state supersedes all earlier ones.
type Controller struct {
	jobID    string
	updater  *ScoresUpdater
	pipeline *metrics.Pipeline

	ctx    context.Context
	cancel context.CancelFunc

	mx     sync.Mutex
	cond   *sync.Cond
	latest *model.Quantiles
	active bool
	closed bool
}

// NewController builds a controller around one job's scores updater.
// pipeline may be nil. A nil updater (renormalization disabled for the job)
// turns every call into a no-op.
func NewController(jobID string, updater *ScoresUpdater, pipeline *metrics.Pipeline) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		jobID:    jobID,
		updater:  updater,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.cond = sync.NewCond(&c.mx)
	return c
}

// Renormalize submits a quantiles state. Never blocks: the state is stashed
// as the latest candidate and a background pass is started unless one is
// already running, in which case the running pass picks it up when done.
func (c *Controller) Renormalize(q *model.Quantiles) {
	if c.updater == nil {
		return
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return
	}
	c.latest = q
	if !c.active {
		c.active = true
		go c.run()
	}
}

func (c *Controller) run() {
	for {
		c.mx.Lock()
		q := c.latest
		c.latest = nil
		if q == nil || c.ctx.Err() != nil {
			c.latest = nil
			c.active = false
			c.cond.Broadcast()
			c.mx.Unlock()
			return
		}
		c.mx.Unlock()

		if err := c.updater.Update(c.ctx, q); err != nil {
			if c.ctx.Err() == nil {
				slog.Error("renormalizing scores", "job_id", c.jobID, "error", err)
			}
			continue
		}
		if c.pipeline != nil {
			c.pipeline.Renormalizations.Inc()
		}
	}
}

// WaitUntilIdle blocks until no pass is running and nothing is queued.
// Idempotent; returns immediately on an idle or shut down controller.
func (c *Controller) WaitUntilIdle() {
	c.mx.Lock()
	defer c.mx.Unlock()
	for c.active {
		c.cond.Wait()
	}
}

// Shutdown aborts the in-flight pass, drops anything queued and refuses
// further submissions. Safe to call repeatedly.
func (c *Controller) Shutdown() {
	c.mx.Lock()
	c.closed = true
	c.latest = nil
	c.mx.Unlock()
	c.cancel()
}
