package app

import (
	"context"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"loopcast/internal/config"
	"loopcast/internal/registry"
	logx "loopcast/pkg/logx"
)

// statusReporter logs a registry summary on a cron schedule.
// An empty schedule disables it.
type statusReporter struct {
	log logx.Logger
	reg *registry.Registry

	mu       sync.Mutex
	c        *cron.Cron
	schedule string
}

func newStatusReporter(reg *registry.Registry, log logx.Logger) *statusReporter {
	return &statusReporter{reg: reg, log: log}
}

func scheduleOf(cfg *config.Config) string {
	if cfg == nil || cfg.StatusReport == nil {
		return ""
	}
	return strings.TrimSpace(cfg.StatusReport.Schedule)
}

// Apply (re)starts the cron with schedule. Same schedule is a no-op.
func (r *statusReporter) Apply(schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schedule == r.schedule && (r.c != nil || schedule == "") {
		return nil
	}
	if r.c != nil {
		<-r.c.Stop().Done()
		r.c = nil
	}
	r.schedule = schedule
	if schedule == "" {
		return nil
	}

	c := cron.New(cron.WithParser(config.ScheduleParser))
	if _, err := c.AddFunc(schedule, r.report); err != nil {
		r.schedule = ""
		return err
	}
	c.Start()
	r.c = c
	r.log.Info("status report scheduled", logx.String("schedule", schedule))
	return nil
}

func (r *statusReporter) report() {
	c := r.reg.Counters()
	r.log.Info("relay status", logx.Int("sessions", c.Sessions), logx.Int("workers", c.Workers))
}

func (r *statusReporter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.schedule = ""
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
