// Package metrics exposes Prometheus instrumentation for the worker
// pipeline. All collectors are registered against the registry passed to
// New, so tests can use a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline instruments one node's autodetect pipeline.
type Pipeline struct {
	OpenJobs         prometheus.Gauge
	RecordsWritten   prometheus.Counter
	BucketsParsed    prometheus.Counter
	ResultsPersisted prometheus.Counter
	PersistFailures  prometheus.Counter
	ParseFailures    prometheus.Counter
	FlushesAcked     prometheus.Counter
	FlushTimeouts    prometheus.Counter
	FlushSeconds     prometheus.Histogram
	Renormalizations prometheus.Counter
	ProcessCrashes   prometheus.Counter
	SnapshotsPruned  prometheus.Counter
}

func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		OpenJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "anomalyd_open_jobs",
			Help: "Number of jobs with a live worker process.",
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_records_written_total",
			Help: "Input records streamed to worker processes.",
		}),
		BucketsParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_buckets_parsed_total",
			Help: "Result buckets parsed from worker output.",
		}),
		ResultsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_results_persisted_total",
			Help: "Result documents handed to the persistence boundary.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_persist_failures_total",
			Help: "Persistence boundary errors (not retried here).",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_result_parse_failures_total",
			Help: "Fatal result stream parse failures.",
		}),
		FlushesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_flushes_acked_total",
			Help: "Flush requests acknowledged by workers.",
		}),
		FlushTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_flush_timeouts_total",
			Help: "Flush requests that exhausted their retry budget.",
		}),
		FlushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "anomalyd_flush_duration_seconds",
			Help:    "Wall time from flush request to acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Renormalizations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_renormalizations_total",
			Help: "Completed score renormalization passes.",
		}),
		ProcessCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_process_crashes_total",
			Help: "Worker processes that exited unexpectedly.",
		}),
		SnapshotsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "anomalyd_snapshots_pruned_total",
			Help: "Model snapshots removed by retention pruning.",
		}),
	}

	reg.MustRegister(
		p.OpenJobs,
		p.RecordsWritten,
		p.BucketsParsed,
		p.ResultsPersisted,
		p.PersistFailures,
		p.ParseFailures,
		p.FlushesAcked,
		p.FlushTimeouts,
		p.FlushSeconds,
		p.Renormalizations,
		p.ProcessCrashes,
		p.SnapshotsPruned,
	)
	return p
}

// Handler serves the given registry over HTTP at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
