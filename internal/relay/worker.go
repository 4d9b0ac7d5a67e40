package relay

import (
	"context"
	"sync"
	"time"

	logx "loopcast/pkg/logx"
)

// Worker is one running relay loop.
//
// Cancellation is monotonic: once Stop is called the worker context stays
// canceled. The loop observes it before each send, inside the in-flight
// request and during every sleep.
type Worker struct {
	job       Job
	startedAt time.Time
	log       logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	stats Stats
}

func (w *Worker) Job() Job             { return w.job }
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Stop requests cancellation. It does not wait.
func (w *Worker) Stop() { w.cancel() }

// Stopped reports whether cancellation was requested.
func (w *Worker) Stopped() bool { return w.ctx.Err() != nil }

// Done is closed once the loop has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the loop returns (true) or ctx is done (false).
func (w *Worker) Wait(ctx context.Context) bool {
	select {
	case <-w.done:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) noteSent() {
	w.mu.Lock()
	w.stats.Sent++
	w.stats.LastSent = time.Now()
	w.mu.Unlock()
}

func (w *Worker) noteFailure(err error) {
	w.mu.Lock()
	w.stats.Failed++
	w.stats.LastErr = err.Error()
	w.stats.LastErrAt = time.Now()
	w.mu.Unlock()
}
