// Package registry maps browser sessions to the relay workers they started.
//
// Every lookup is scoped to one session: a handle from another session is
// indistinguishable from a handle that never existed.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loopcast/internal/relay"
	logx "loopcast/pkg/logx"
)

// DefaultStopWait bounds how long Stop waits for a worker to exit.
const DefaultStopWait = 2 * time.Second

// Entry is the registry's view of one worker.
type Entry struct {
	Handle    string
	SessionID string
	Worker    *relay.Worker
}

// Counters is a point-in-time summary for status reporting.
type Counters struct {
	Sessions int
	Workers  int
}

// Registry is guarded by a single mutex covering every read and write. The
// lock is never held while waiting for a worker to exit.
type Registry struct {
	log logx.Logger

	mu       sync.Mutex
	sessions map[string]map[string]*relay.Worker
	stopWait time.Duration
}

func New(stopWait time.Duration, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if stopWait <= 0 {
		stopWait = DefaultStopWait
	}
	return &Registry{
		log:      log,
		sessions: map[string]map[string]*relay.Worker{},
		stopWait: stopWait,
	}
}

// SetStopWait updates the bounded wait used by Stop.
func (r *Registry) SetStopWait(d time.Duration) {
	if d <= 0 {
		d = DefaultStopWait
	}
	r.mu.Lock()
	r.stopWait = d
	r.mu.Unlock()
}

// NewHandle returns a fresh opaque handle: 12 hex chars of a random UUID.
func NewHandle() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Add registers w under sessionID with a handle unique within that session.
func (r *Registry) Add(sessionID string, w *relay.Worker) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.sessionLocked(sessionID)
	h := NewHandle()
	for {
		if _, taken := m[h]; !taken {
			break
		}
		h = NewHandle()
	}
	m[h] = w
	return h
}

// Register stores w under an explicit handle, replacing any previous worker
// under the same handle (which is stopped without waiting).
func (r *Registry) Register(sessionID, handle string, w *relay.Worker) {
	r.mu.Lock()
	m := r.sessionLocked(sessionID)
	prev := m[handle]
	m[handle] = w
	r.mu.Unlock()
	if prev != nil && prev != w {
		prev.Stop()
	}
}

func (r *Registry) sessionLocked(sessionID string) map[string]*relay.Worker {
	m := r.sessions[sessionID]
	if m == nil {
		m = map[string]*relay.Worker{}
		r.sessions[sessionID] = m
	}
	return m
}

// List returns a snapshot copy of the session's workers keyed by handle.
func (r *Registry) List(sessionID string) map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.sessions[sessionID]
	out := make(map[string]Entry, len(m))
	for h, w := range m {
		out[h] = Entry{Handle: h, SessionID: sessionID, Worker: w}
	}
	return out
}

// Stop cancels the worker, waits (bounded by the stop wait and ctx) for it
// to exit, then removes the entry whether or not it exited in time.
//
// found is false when the handle is unknown in this session; nothing happens then.
func (r *Registry) Stop(ctx context.Context, sessionID, handle string) (found, exited bool) {
	r.mu.Lock()
	w := r.sessions[sessionID][handle]
	wait := r.stopWait
	r.mu.Unlock()
	if w == nil {
		return false, false
	}

	w.Stop()
	wctx, cancel := context.WithTimeout(ctx, wait)
	exited = w.Wait(wctx)
	cancel()

	r.mu.Lock()
	if m := r.sessions[sessionID]; m != nil && m[handle] == w {
		delete(m, handle)
		if len(m) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()

	if !exited {
		r.log.Warn("worker did not exit within stop wait; removed anyway",
			logx.String("handle", handle), logx.Duration("wait", wait))
	}
	return true, exited
}

// StopAll cancels every worker, waits for them until ctx is done, and
// empties the registry. It returns how many workers had not exited.
func (r *Registry) StopAll(ctx context.Context) int {
	r.mu.Lock()
	all := make([]*relay.Worker, 0)
	for _, m := range r.sessions {
		for _, w := range m {
			all = append(all, w)
		}
	}
	r.sessions = map[string]map[string]*relay.Worker{}
	r.mu.Unlock()

	for _, w := range all {
		w.Stop()
	}
	pending := 0
	for _, w := range all {
		if !w.Wait(ctx) {
			pending++
		}
	}
	return pending
}

func (r *Registry) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := Counters{Sessions: len(r.sessions)}
	for _, m := range r.sessions {
		c.Workers += len(m)
	}
	return c
}
