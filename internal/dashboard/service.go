// Package dashboard implements the submission flow and the per-session view
// over running relay workers.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"loopcast/internal/registry"
	"loopcast/internal/relay"
	"loopcast/internal/storage"
	logx "loopcast/pkg/logx"
)

var (
	ErrNoKeys          = errors.New("no operator key submitted")
	ErrUnauthorizedKey = errors.New("operator key not recognized")
)

// Spawner starts relay workers.
type Spawner interface {
	Spawn(ctx context.Context, job relay.Job) (*relay.Worker, error)
}

// Policy is the hot-reloadable part of the submission rules.
type Policy struct {
	// Allowed holds fingerprints of the configured operator keys.
	Allowed   map[string]struct{}
	Directory *relay.Directory
	MinDelay  time.Duration
}

// NewPolicy fingerprints operatorKeys so raw keys are not kept around.
func NewPolicy(operatorKeys []string, dir *relay.Directory, minDelay time.Duration) *Policy {
	p := &Policy{Allowed: make(map[string]struct{}, len(operatorKeys)), Directory: dir, MinDelay: minDelay}
	for _, k := range operatorKeys {
		if fp := storage.Fingerprint(k); fp != "" {
			p.Allowed[fp] = struct{}{}
		}
	}
	return p
}

// Submission is one form post.
type Submission struct {
	Keys          []string
	DestinationID string
	Prefix        string
	Delay         time.Duration
	Messages      []string
}

type SubmitResult struct {
	// Added is how many fingerprints were new to the store.
	Added   int
	Handles []string
}

// View is one dashboard row.
type View struct {
	Handle     string
	ThreadID   string
	Credential string
	Prefix     string
	Delay      time.Duration
	Bodies     int
	StartedAt  time.Time
	Sent       uint64
	Failed     uint64
	LastErr    string
}

type Service struct {
	log    logx.Logger
	store  storage.Store // nil when storage is disabled
	relay  Spawner
	reg    *registry.Registry
	parent context.Context

	policy atomic.Pointer[Policy]
}

// New builds the dashboard. Workers are bound to parent (the app lifetime),
// never to the request that spawned them.
func New(parent context.Context, store storage.Store, spawner Spawner, reg *registry.Registry, pol *Policy, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, store: store, relay: spawner, reg: reg, parent: parent}
	s.SetPolicy(pol)
	return s
}

func (s *Service) SetPolicy(p *Policy) {
	if p == nil {
		p = NewPolicy(nil, nil, relay.DefaultMinDelay)
	}
	s.policy.Store(p)
}

// Destinations lists the destination ids a submission may target.
func (s *Service) Destinations() []string { return s.policy.Load().Directory.IDs() }

// MinDelay is the smallest accepted per-body delay.
func (s *Service) MinDelay() time.Duration { return s.policy.Load().MinDelay }

// Submit records the key fingerprints and spawns one worker per distinct key
// under sessionID. Nothing is spawned if any key or field is rejected.
func (s *Service) Submit(ctx context.Context, sessionID string, sub Submission) (SubmitResult, error) {
	pol := s.policy.Load()

	fps := make([]string, 0, len(sub.Keys))
	seen := map[string]struct{}{}
	for _, k := range sub.Keys {
		fp := storage.Fingerprint(k)
		if fp == "" {
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		if _, ok := pol.Allowed[fp]; !ok {
			s.log.Warn("submission rejected: unknown operator key", logx.String("credential", fp))
			return SubmitResult{}, ErrUnauthorizedKey
		}
		seen[fp] = struct{}{}
		fps = append(fps, fp)
	}
	if len(fps) == 0 {
		return SubmitResult{}, ErrNoKeys
	}

	dst, err := pol.Directory.Lookup(sub.DestinationID)
	if err != nil {
		return SubmitResult{}, err
	}
	if sub.Delay < pol.MinDelay {
		return SubmitResult{}, fmt.Errorf("%w: %s is below the minimum of %s", relay.ErrInvalidDelay, sub.Delay, pol.MinDelay)
	}
	bodies := CleanMessages(sub.Messages)
	if len(bodies) == 0 {
		return SubmitResult{}, relay.ErrNoMessages
	}

	var res SubmitResult
	if s.store != nil {
		added, err := s.store.Save(ctx, fps)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("save fingerprints: %w", err)
		}
		res.Added = added
	}

	for _, fp := range fps {
		w, err := s.relay.Spawn(s.parent, relay.Job{
			Credential:  fp,
			Destination: dst,
			Prefix:      sub.Prefix,
			Delay:       sub.Delay,
			Messages:    bodies,
		})
		if err != nil {
			return res, err
		}
		res.Handles = append(res.Handles, s.reg.Add(sessionID, w))
	}
	s.log.Info("relay workers spawned",
		logx.Int("workers", len(res.Handles)),
		logx.Int("added", res.Added),
		logx.String("destination", dst.ID),
	)
	return res, nil
}

// List returns the caller's workers, oldest first.
func (s *Service) List(sessionID string) []View {
	entries := s.reg.List(sessionID)
	out := make([]View, 0, len(entries))
	for h, e := range entries {
		job := e.Worker.Job()
		st := e.Worker.Stats()
		out = append(out, View{
			Handle:     h,
			ThreadID:   job.Destination.ID,
			Credential: job.Credential,
			Prefix:     job.Prefix,
			Delay:      job.Delay,
			Bodies:     len(job.Messages),
			StartedAt:  e.Worker.StartedAt(),
			Sent:       st.Sent,
			Failed:     st.Failed,
			LastErr:    st.LastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}

// Stop stops one of the caller's workers. Handles of other sessions report false.
func (s *Service) Stop(ctx context.Context, sessionID, handle string) bool {
	found, exited := s.reg.Stop(ctx, sessionID, handle)
	if found {
		s.log.Info("relay worker stopped by user", logx.String("handle", handle), logx.Bool("exited", exited))
	}
	return found
}

// CleanMessages drops blank lines and trailing carriage returns.
func CleanMessages(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}
