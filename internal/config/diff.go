package config

import (
	"reflect"
	"strings"

	logx "loopcast/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (session secret, admin password,
// operator keys, destination tokens) are only ever reported as counts/flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs, logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)))
	}
	if oldCfg.Admin.Password != newCfg.Admin.Password {
		changed = append(changed, "admin")
		attrs = append(attrs, logx.Bool("admin.enabled", strings.TrimSpace(newCfg.Admin.Password) != ""))
	}
	if !reflect.DeepEqual(oldCfg.Auth.OperatorKeys, newCfg.Auth.OperatorKeys) {
		changed = append(changed, "auth")
		attrs = append(attrs, logx.Int("auth.operator_keys", len(newCfg.Auth.OperatorKeys)))
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.destinations", len(newCfg.Relay.Destinations)),
			logx.Int("relay.rate_per_sec", newCfg.Relay.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.StatusReport, newCfg.StatusReport) {
		changed = append(changed, "status_report")
	}
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		if pc := newCfg.Pprof; pc != nil {
			attrs = append(attrs,
				logx.Bool("pprof.enabled", pc.Enabled),
				logx.Bool("pprof.token_set", strings.TrimSpace(pc.Token) != ""),
			)
		}
	}
	return changed, attrs
}
