package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ScheduleParser is the cron dialect accepted by status_report.schedule.
var ScheduleParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate rejects configs that would fail at runtime. It is used both at
// startup and before committing a hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if len(strings.TrimSpace(cfg.Server.SessionSecret)) < 16 {
		return errors.New("server.session_secret must be at least 16 characters")
	}
	for path, raw := range map[string]string{
		"server.read_timeout":   cfg.Server.ReadTimeout,
		"server.write_timeout":  cfg.Server.WriteTimeout,
		"server.idle_timeout":   cfg.Server.IdleTimeout,
		"relay.min_delay":       cfg.Relay.MinDelay,
		"relay.failure_backoff": cfg.Relay.FailureBackoff,
		"relay.stop_wait":       cfg.Relay.StopWait,
		"relay.request_timeout": cfg.Relay.RequestTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	base := strings.TrimSpace(cfg.Relay.BaseURL)
	if base == "" {
		return errors.New("relay.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("relay.base_url: invalid url %q", base)
	}
	if cfg.Relay.RatePerSec < 0 {
		return errors.New("relay.rate_per_sec must be >= 0")
	}

	seen := make(map[string]struct{}, len(cfg.Relay.Destinations))
	for i, d := range cfg.Relay.Destinations {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return fmt.Errorf("relay.destinations[%d].id is required", i)
		}
		if strings.ContainsAny(id, "/?#") {
			return fmt.Errorf("relay.destinations[%d].id: must not contain '/', '?' or '#'", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("relay.destinations: duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}

	for i, k := range cfg.Auth.OperatorKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("auth.operator_keys[%d] is empty", i)
		}
	}

	if sc := cfg.Storage; sc != nil {
		switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(sc.Path) == "" {
				return fmt.Errorf("storage.path is required when storage.driver=%s", sc.Driver)
			}
			if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", sc.Driver)
		}
	}

	if sr := cfg.StatusReport; sr != nil && strings.TrimSpace(sr.Schedule) != "" {
		if _, err := ScheduleParser.Parse(strings.TrimSpace(sr.Schedule)); err != nil {
			return fmt.Errorf("status_report.schedule: %w", err)
		}
	}
	if pc := cfg.Pprof; pc != nil && pc.Enabled {
		if addr := strings.TrimSpace(pc.Addr); addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return fmt.Errorf("pprof.addr: %w", err)
			}
		}
	}
	return nil
}
