package autodetect

import (
	"context"
	"io"
	"time"

	"github.com/droverlab/anomalyd/internal/model"
	"github.com/droverlab/anomalyd/internal/pipes"
	"github.com/droverlab/anomalyd/internal/protocol"
)

// Worker is one spawned analytics process as the lifecycle manager sees it:
// the protocol write side plus process control. The output stream is not
// here; it belongs to the result processor from the moment of spawn.
type Worker interface {
	WriteRecords(r io.Reader, format model.DataFormat) (model.DataCounts, error)
	WriteResetBuckets(r model.TimeRange) error
	WriteFlush(id string, params model.FlushParams) error
	WriteUpdateDetectorRules(detectorIndex int, rules []model.DetectionRule) error
	WriteKill() error

	CloseStdin() error
	Kill()
	IsAlive() bool
	IsReady() bool
	AwaitReady(ctx context.Context, timeout time.Duration) error
	Await(ctx context.Context) error
	Diagnostic() string
	StartTime() time.Time
}

// NativeWorker binds the protocol writer to a spawned process's streams.
type NativeWorker struct {
	pipes  *pipes.Pipes
	writer *protocol.Writer
}

var _ Worker = (*NativeWorker)(nil)

func NewNativeWorker(p *pipes.Pipes) *NativeWorker {
	return &NativeWorker{
		pipes:  p,
		writer: protocol.NewWriter(p.Stdin()),
	}
}

func (w *NativeWorker) WriteRecords(r io.Reader, format model.DataFormat) (model.DataCounts, error) {
	return w.writer.WriteRecords(r, format)
}

func (w *NativeWorker) WriteResetBuckets(r model.TimeRange) error {
	return w.writer.WriteResetBuckets(r)
}

func (w *NativeWorker) WriteFlush(id string, params model.FlushParams) error {
	return w.writer.WriteFlush(id, params)
}

func (w *NativeWorker) WriteUpdateDetectorRules(detectorIndex int, rules []model.DetectionRule) error {
	return w.writer.WriteUpdateDetectorRules(detectorIndex, rules)
}

func (w *NativeWorker) WriteKill() error { return w.writer.WriteKill() }

func (w *NativeWorker) CloseStdin() error { return w.pipes.CloseStdin() }

func (w *NativeWorker) Kill() { w.pipes.Kill() }

func (w *NativeWorker) IsAlive() bool { return w.pipes.IsAlive() }

func (w *NativeWorker) IsReady() bool { return w.pipes.IsReady() }

func (w *NativeWorker) AwaitReady(ctx context.Context, timeout time.Duration) error {
	return w.pipes.AwaitReady(ctx, timeout)
}

func (w *NativeWorker) Await(ctx context.Context) error { return w.pipes.Await(ctx) }

func (w *NativeWorker) Diagnostic() string { return w.pipes.Diagnostic() }

func (w *NativeWorker) StartTime() time.Time { return w.pipes.StartTime() }
