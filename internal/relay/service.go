package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"loopcast/internal/eventbus"
	logx "loopcast/pkg/logx"
)

// Config controls worker pacing. Zero values fall back to the defaults.
type Config struct {
	FailureBackoff time.Duration
	// RatePerSec caps outbound posts across all workers. < 0 disables the cap.
	RatePerSec int
}

// Service spawns workers and owns what they share: the sender, the
// process-wide rate limiter and the failure backoff.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	mu      sync.Mutex
	backoff time.Duration
	limiter *rate.Limiter
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{log: log, bus: bus, sender: sender}
	s.Apply(cfg)
	return s
}

// Apply updates pacing for running and future workers.
func (s *Service) Apply(cfg Config) {
	backoff := cfg.FailureBackoff
	if backoff <= 0 {
		backoff = DefaultFailureBackoff
	}
	var lim *rate.Limiter
	switch {
	case cfg.RatePerSec < 0:
		lim = rate.NewLimiter(rate.Inf, 1)
	case cfg.RatePerSec == 0:
		lim = rate.NewLimiter(rate.Limit(DefaultRatePerSec), DefaultRatePerSec)
	default:
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	s.mu.Lock()
	s.backoff = backoff
	s.limiter = lim
	s.mu.Unlock()
}

func (s *Service) pacing() (time.Duration, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff, s.limiter
}

// Spawn validates job and starts its worker. The worker runs until Stop is
// called or parent is canceled.
func (s *Service) Spawn(parent context.Context, job Job) (*Worker, error) {
	if len(job.Messages) == 0 {
		return nil, ErrNoMessages
	}
	if job.Delay < 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDelay, job.Delay)
	}
	job.Messages = append([]string(nil), job.Messages...)

	ctx, cancel := context.WithCancel(parent)
	w := &Worker{
		job:       job,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		log: s.log.With(
			logx.String("destination", job.Destination.ID),
			logx.String("credential", job.Credential),
		),
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRelayStarted, Data: job.Destination.ID})
	go s.run(w)
	return w, nil
}

func (s *Service) run(w *Worker) {
	defer close(w.done)
	defer s.bus.Publish(eventbus.Event{Type: eventbus.TypeRelayStopped, Data: w.job.Destination.ID})

	ctx := w.ctx
	job := w.job
	w.log.Info("relay worker started", logx.Int("bodies", len(job.Messages)), logx.Duration("delay", job.Delay))

	i := 0
	for ctx.Err() == nil {
		text := Compose(job.Prefix, job.Messages[i])
		backoff, lim := s.pacing()

		err := lim.Wait(ctx)
		if err == nil {
			err = s.sender.Send(ctx, job.Destination, text)
		}
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			w.noteFailure(err)
			w.log.Warn("relay send failed; backing off", logx.Int("body", i), logx.Duration("backoff", backoff), logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeRelayFailed, Data: job.Destination.ID})
			// Same body again after the backoff.
			if !sleep(ctx, backoff) {
				break
			}
			continue
		}

		w.noteSent()
		w.log.Info("relay sent", logx.Int("body", i), logx.Int("len", len(text)))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeRelaySent, Data: job.Destination.ID})

		i = (i + 1) % len(job.Messages)
		if !sleep(ctx, job.Delay) {
			break
		}
	}
	w.log.Info("relay worker stopped", logx.Uint64("sent", w.Stats().Sent))
}

// sleep waits d or until ctx is done; false means the worker must exit.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
