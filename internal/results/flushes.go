package results

import (
	"context"
	"sync"
	"time"

	"github.com/droverlab/anomalyd/internal/model"
)

// FlushRegistry is the table of pending flush waits, written from two sides:
// the write path registers an id before the flush control message goes out,
// the read path resolves it when the acknowledgement arrives.
type FlushRegistry struct {
	mx      sync.Mutex
	waits   map[string]chan *model.FlushAcknowledgement
	cleared bool
}

func NewFlushRegistry() *FlushRegistry {
	return &FlushRegistry{
		waits: make(map[string]chan *model.FlushAcknowledgement),
	}
}

// Register creates the pending-wait entry for id. Must happen before the
// flush message is written, otherwise the acknowledgement can race past.
func (f *FlushRegistry) Register(id string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.cleared {
		return
	}
	if _, ok := f.waits[id]; ok {
		return
	}
	f.waits[id] = make(chan *model.FlushAcknowledgement, 1)
}

// Acknowledge resolves the pending wait for ack.ID. Returns false when
// nobody is waiting on that id anymore (e.g. the request already timed out).
func (f *FlushRegistry) Acknowledge(ack *model.FlushAcknowledgement) bool {
	f.mx.Lock()
	ch, ok := f.waits[ack.ID]
	f.mx.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- ack:
	default: // already acknowledged
	}
	return true
}

// Await blocks until the id is acknowledged, the per-attempt timeout
// elapses, the registry is cleared or ctx is canceled. Returns nil on
// timeout so the caller can re-check process liveness and retry.
func (f *FlushRegistry) Await(ctx context.Context, id string, timeout time.Duration) *model.FlushAcknowledgement {
	f.mx.Lock()
	ch, ok := f.waits[id]
	f.mx.Unlock()
	if !ok {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		return ack
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Forget drops the pending entry for id. Called by the write path once the
// flush resolved one way or another.
func (f *FlushRegistry) Forget(id string) {
	f.mx.Lock()
	defer f.mx.Unlock()
	delete(f.waits, id)
}

// Cleared reports whether the registry stopped accepting registrations,
// which happens once the result stream ended. A pending acknowledgement can
// never arrive after that.
func (f *FlushRegistry) Cleared() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.cleared
}

// Clear unblocks every pending wait and refuses new registrations. Called
// when the result stream ends or fails; waiters wake up, find no
// acknowledgement and re-check processor and process state.
func (f *FlushRegistry) Clear() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.cleared = true
	for id, ch := range f.waits {
		close(ch)
		delete(f.waits, id)
	}
}
