package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"loopcast/internal/config"
	"loopcast/internal/dashboard"
	"loopcast/internal/eventbus"
	"loopcast/internal/observability/pprof"
	"loopcast/internal/registry"
	"loopcast/internal/relay"
	"loopcast/internal/runtime/supervisor"
	"loopcast/internal/storage"
	"loopcast/internal/web"
	logx "loopcast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	relay  *relay.Service
	reg    *registry.Registry
	dash   *dashboard.Service
	web    *web.Server
	report *statusReporter
	pprof  *pprof.Service

	srvCfg serverSettings
	srv    *http.Server
	addr   string

	// Workers outlive the request that spawned them; they are bound here.
	workCtx    context.Context
	workCancel context.CancelFunc
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	rs, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	relaySvc := relay.New(rs.service,
		relay.NewHTTPSender(rs.userAgent, rs.requestTimeout),
		logSvc.Logger().With(logx.String("comp", "relay")), bus)
	reg := registry.New(rs.stopWait, logSvc.Logger().With(logx.String("comp", "registry")))

	workCtx, workCancel := context.WithCancel(context.Background())
	dash := dashboard.New(workCtx, store, relaySvc, reg, mapPolicy(cfg, rs),
		logSvc.Logger().With(logx.String("comp", "dashboard")))
	webSrv := web.New(srvCfg.web, dash, store, logSvc.Logger().With(logx.String("comp", "web")))

	if len(cfg.Auth.OperatorKeys) == 0 {
		log.Warn("auth.operator_keys is empty; every submission will be rejected")
	}
	if len(cfg.Relay.Destinations) == 0 {
		log.Warn("relay.destinations is empty; no job can be started")
	}

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		relay:      relaySvc,
		reg:        reg,
		dash:       dash,
		web:        webSrv,
		report:     newStatusReporter(reg, logSvc.Logger().With(logx.String("comp", "report"))),
		srvCfg:     srvCfg,
		workCtx:    workCtx,
		workCancel: workCancel,
	}
	a.pprof = pprof.New(logSvc.Logger().With(logx.String("comp", "pprof")), a.debugVars)
	return a, nil
}

// debugVars is served by the debug listener at /debug/vars.
func (a *App) debugVars() any {
	out := map[string]any{"registry": a.reg.Counters()}
	if a.sup != nil {
		out["supervisor"] = a.sup.Counters()
	}
	return out
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound listen address, valid after Start.
func (a *App) Addr() string { return a.addr }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	ln, err := net.Listen("tcp", a.srvCfg.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.srvCfg.addr, err)
	}
	a.addr = ln.Addr().String()
	a.srv = &http.Server{
		Handler:           a.web.Handler(),
		ReadTimeout:       a.srvCfg.readTimeout,
		ReadHeaderTimeout: a.srvCfg.readTimeout,
		WriteTimeout:      a.srvCfg.writeTimeout,
		IdleTimeout:       a.srvCfg.idleTimeout,
	}
	srv := a.srv
	a.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := a.report.Apply(scheduleOf(a.cfgm.Get())); err != nil {
		a.log.Warn("status report disabled", logx.Err(err))
	}

	if err := a.pprof.Reconfigure(a.sup.Context(), mapPprofConfig(a.cfgm.Get())); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	// Relay events at debug level; the relay already logs sends at info.
	if a.bus != nil {
		a.sup.GoRestart("eventbus.log", func(c context.Context) error {
			events, unsub := a.bus.Subscribe(128)
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		}, 250*time.Millisecond, 5*time.Second)
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for more := true; more; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						more = false
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.String("addr", a.addr))
	return nil
}

// applyConfig pushes a validated reload into every live component.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range []string{"server", "storage"} {
		if slices.Contains(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	rs, err := mapRelayConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(rs.service)
		a.reg.SetStopWait(rs.stopWait)
		a.dash.SetPolicy(mapPolicy(newCfg, rs))
	}
	a.web.SetAdminPassword(newCfg.Admin.Password)

	if err := a.report.Apply(scheduleOf(newCfg)); err != nil {
		a.log.Warn("invalid status_report schedule; report disabled", logx.Err(err))
	}

	if slices.Contains(sections, "pprof") {
		if err := a.pprof.Reconfigure(a.sup.Context(), mapPprofConfig(newCfg)); err != nil {
			a.log.Warn("pprof not started", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error {
		if a.srv == nil {
			return nil
		}
		return a.srv.Shutdown(c)
	})
	step("workers", 3*time.Second, func(c context.Context) error {
		if pending := a.reg.StopAll(c); pending > 0 {
			return fmt.Errorf("%d worker(s) still running", pending)
		}
		return nil
	})
	a.workCancel()
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("report", time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
