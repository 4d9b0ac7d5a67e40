package app

import (
	"fmt"
	"strings"
	"time"

	"loopcast/internal/config"
	"loopcast/internal/dashboard"
	"loopcast/internal/observability/pprof"
	"loopcast/internal/registry"
	"loopcast/internal/relay"
	"loopcast/internal/storage"
	"loopcast/internal/web"
	logx "loopcast/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// relaySettings is everything the relay section maps to.
type relaySettings struct {
	service        relay.Config
	userAgent      string
	requestTimeout time.Duration
	minDelay       time.Duration
	stopWait       time.Duration
	directory      *relay.Directory
}

func mapRelayConfig(cfg *config.Config) (relaySettings, error) {
	rc := cfg.Relay
	var out relaySettings
	var err error

	if out.service.FailureBackoff, err = config.ParseDurationOrDefault("relay.failure_backoff", rc.FailureBackoff, relay.DefaultFailureBackoff); err != nil {
		return out, err
	}
	if out.minDelay, err = config.ParseDurationOrDefault("relay.min_delay", rc.MinDelay, relay.DefaultMinDelay); err != nil {
		return out, err
	}
	if out.stopWait, err = config.ParseDurationOrDefault("relay.stop_wait", rc.StopWait, registry.DefaultStopWait); err != nil {
		return out, err
	}
	if out.requestTimeout, err = config.ParseDurationField("relay.request_timeout", rc.RequestTimeout); err != nil {
		return out, err
	}
	out.service.RatePerSec = rc.RatePerSec
	out.userAgent = strings.TrimSpace(rc.UserAgent)

	specs := make([]relay.DestinationSpec, 0, len(rc.Destinations))
	for _, d := range rc.Destinations {
		specs = append(specs, relay.DestinationSpec{ID: d.ID, Token: d.Token})
	}
	out.directory = relay.NewDirectory(strings.TrimSpace(rc.BaseURL), specs)
	return out, nil
}

func mapPolicy(cfg *config.Config, rs relaySettings) *dashboard.Policy {
	return dashboard.NewPolicy(cfg.Auth.OperatorKeys, rs.directory, rs.minDelay)
}

// serverSettings carries the HTTP settings that need a restart to change.
type serverSettings struct {
	addr                                   string
	readTimeout, writeTimeout, idleTimeout time.Duration
	web                                    web.Config
}

func mapServerConfig(cfg *config.Config) (serverSettings, error) {
	sc := cfg.Server
	out := serverSettings{
		addr: strings.TrimSpace(sc.Addr),
		web: web.Config{
			SessionSecret: sc.SessionSecret,
			SecureCookies: sc.SecureCookies,
			AdminPassword: cfg.Admin.Password,
		},
	}
	if out.addr == "" {
		out.addr = "127.0.0.1:8080"
	}
	var err error
	if out.readTimeout, err = config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.writeTimeout, err = config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.idleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	if cfg == nil || cfg.Pprof == nil {
		return pprof.Config{}
	}
	return pprof.Config{Enabled: cfg.Pprof.Enabled, Addr: cfg.Pprof.Addr, Token: cfg.Pprof.Token}
}
