package config

type Config struct {
	Server  ServerConfig  `json:"server"`
	Admin   AdminConfig   `json:"admin"`
	Auth    AuthConfig    `json:"auth"`
	Relay   RelayConfig   `json:"relay"`
	Logging LoggingConfig `json:"logging"`

	Storage      *StorageConfig      `json:"storage,omitempty"`
	StatusReport *StatusReportConfig `json:"status_report,omitempty"`
	Pprof        *PprofConfig        `json:"pprof,omitempty"`
}

// ServerConfig controls the HTTP front-end.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Addr string `json:"addr"` // default: "127.0.0.1:8080"

	// SessionSecret signs the session cookie (do not log).
	SessionSecret string `json:"session_secret"`
	SecureCookies bool   `json:"secure_cookies,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// AdminConfig gates the admin page with a single shared secret.
// An empty password disables the admin page.
type AdminConfig struct {
	Password string `json:"password"`
}

// AuthConfig lists the operator keys allowed to start relay jobs.
type AuthConfig struct {
	OperatorKeys []string `json:"operator_keys"`
}

// RelayConfig controls the background relay workers.
//
// Defaults (when fields are omitted/zero):
//   - user_agent: "Mozilla/5.0 (compatible; loopcast/1.0)"
//   - min_delay: "1s"
//   - failure_backoff: "30s"
//   - stop_wait: "2s"
//   - rate_per_sec: 5
//   - request_timeout: "0s" (disabled)
type RelayConfig struct {
	// BaseURL is the fixed base path; the destination id is appended verbatim.
	BaseURL        string              `json:"base_url"`
	UserAgent      string              `json:"user_agent,omitempty"`
	MinDelay       string              `json:"min_delay,omitempty"`
	FailureBackoff string              `json:"failure_backoff,omitempty"`
	StopWait       string              `json:"stop_wait,omitempty"`
	RatePerSec     int                 `json:"rate_per_sec,omitempty"`
	RequestTimeout string              `json:"request_timeout,omitempty"`
	Destinations   []DestinationConfig `json:"destinations"`
}

// DestinationConfig is one operator-owned webhook target.
type DestinationConfig struct {
	ID    string `json:"id"`
	Token string `json:"token"` // do not log
}

// StorageConfig controls the fingerprint store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/operators.txt" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusReportConfig controls the periodic registry summary log.
// Schedule accepts cron expressions and descriptors ("@every 5m").
type StatusReportConfig struct {
	Schedule string `json:"schedule"`
}

// PprofConfig controls the optional debug listener (Go profiles and relay
// counters). Binding to a non-loopback addr requires a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"` // do not log
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
