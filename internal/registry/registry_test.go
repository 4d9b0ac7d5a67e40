package registry

import (
	"context"
	"testing"
	"time"

	"loopcast/internal/eventbus"
	"loopcast/internal/relay"
	logx "loopcast/pkg/logx"
)

type okSender struct{}

func (okSender) Send(ctx context.Context, d relay.Destination, text string) error { return nil }

// stuckSender ignores cancellation, simulating a worker that cannot exit in time.
type stuckSender struct {
	entered chan struct{}
	release chan struct{}
}

func (s stuckSender) Send(ctx context.Context, d relay.Destination, text string) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return nil
}

func spawn(t *testing.T, sender relay.Sender, dest string) *relay.Worker {
	t.Helper()
	svc := relay.New(relay.Config{RatePerSec: -1}, sender, logx.Nop(), eventbus.Nop())
	w, err := svc.Spawn(context.Background(), relay.Job{
		Destination: relay.Destination{ID: dest},
		Delay:       time.Hour,
		Messages:    []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestAddListStop(t *testing.T) {
	t.Parallel()
	r := New(time.Second, logx.Nop())
	w := spawn(t, okSender{}, "999")

	h := r.Add("sess-a", w)
	if len(h) != 12 {
		t.Fatalf("handle = %q", h)
	}
	got := r.List("sess-a")
	if e, ok := got[h]; !ok || e.Worker != w || e.Worker.Job().Destination.ID != "999" {
		t.Fatalf("List = %+v", got)
	}

	found, exited := r.Stop(context.Background(), "sess-a", h)
	if !found || !exited {
		t.Fatalf("Stop = (%v, %v), want (true, true)", found, exited)
	}
	if !w.Stopped() {
		t.Fatal("worker not canceled")
	}
	if len(r.List("sess-a")) != 0 {
		t.Fatal("handle still listed after Stop")
	}
	if found, _ := r.Stop(context.Background(), "sess-a", h); found {
		t.Fatal("second Stop must report not found")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()
	r := New(time.Second, logx.Nop())
	w := spawn(t, okSender{}, "999")
	h := r.Add("sess-a", w)

	if _, ok := r.List("sess-b")[h]; ok {
		t.Fatal("handle of session A visible from session B")
	}
	if found, _ := r.Stop(context.Background(), "sess-b", h); found {
		t.Fatal("Stop from another session must be a no-op")
	}
	if w.Stopped() {
		t.Fatal("worker canceled by another session")
	}
	if _, ok := r.List("sess-a")[h]; !ok {
		t.Fatal("handle removed by another session")
	}
}

func TestStopRemovesEntryEvenIfWorkerLingers(t *testing.T) {
	t.Parallel()
	snd := stuckSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(snd.release)

	r := New(20*time.Millisecond, logx.Nop())
	w := spawn(t, snd, "999")
	h := r.Add("sess-a", w)
	select {
	case <-snd.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached the send")
	}

	found, exited := r.Stop(context.Background(), "sess-a", h)
	if !found || exited {
		t.Fatalf("Stop = (%v, %v), want (true, false)", found, exited)
	}
	if len(r.List("sess-a")) != 0 {
		t.Fatal("entry kept after bounded wait")
	}
	if !w.Stopped() {
		t.Fatal("cancellation flag must be set")
	}
}

func TestRegisterAndStopAll(t *testing.T) {
	t.Parallel()
	r := New(time.Second, logx.Nop())
	w1 := spawn(t, okSender{}, "1")
	w2 := spawn(t, okSender{}, "2")
	r.Register("a", "h1", w1)
	r.Register("b", "h2", w2)

	if c := r.Counters(); c.Sessions != 2 || c.Workers != 2 {
		t.Fatalf("Counters = %+v", c)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pending := r.StopAll(ctx); pending != 0 {
		t.Fatalf("StopAll pending = %d", pending)
	}
	if c := r.Counters(); c.Workers != 0 {
		t.Fatalf("Counters after StopAll = %+v", c)
	}
	if !w1.Stopped() || !w2.Stopped() {
		t.Fatal("workers not canceled")
	}
}

func TestRegisterReplacesAndStopsPrevious(t *testing.T) {
	t.Parallel()
	r := New(time.Second, logx.Nop())
	old := spawn(t, okSender{}, "1")
	cur := spawn(t, okSender{}, "1")
	r.Register("a", "h", old)
	r.Register("a", "h", cur)
	if !old.Stopped() || cur.Stopped() {
		t.Fatal("replace must stop only the previous worker")
	}
	if r.List("a")["h"].Worker != cur {
		t.Fatal("replace did not store the new worker")
	}
}
