package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/droverlab/anomalyd/internal/metrics"
)

// closeGrace bounds how long shutdown waits for open jobs to close orderly
// before the remaining workers are killed.
const closeGrace = 30 * time.Second

// Run blocks until ctx is canceled: it schedules retention pruning, serves
// metrics when configured, and on cancellation closes every open job
// orderly, killing whatever does not close in time.
func (n *Node) Run(ctx context.Context) error {
	scheduler, err := n.newRetentionScheduler(ctx)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	var server *http.Server
	if listen := n.cfg.Service.MetricsListen; listen != nil && *listen != "" {
		server = &http.Server{Addr: *listen, Handler: metrics.Handler(n.registry)}
		go func() {
			slog.InfoContext(ctx, "serving metrics", "listen", *listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.InfoContext(ctx, "shutting down", "open_jobs", len(n.OpenJobIDs()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()

	if err := n.CloseAllJobs(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "orderly close incomplete, killing remaining workers", "error", err)
		n.KillAllProcesses(shutdownCtx)
	}
	n.wg.Wait()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "stopping metrics server", "error", err)
		}
	}
	return nil
}

func (n *Node) newRetentionScheduler(ctx context.Context) (gocron.Scheduler, error) {
	expr := n.cfg.Service.RetentionCron
	if err := ParseCron(expr); err != nil {
		return nil, fmt.Errorf("parsing service.retention_cron: %w", err)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func() { n.PruneExpiredSnapshots(ctx) }),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.DebugContext(ctx, "retention pruning scheduled", "cron", expr)
	return s, nil
}
