package app

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loopcast/internal/config"
	"loopcast/internal/registry"
	"loopcast/internal/relay"
	logx "loopcast/pkg/logx"
)

const testConfig = `
server:
  addr: "127.0.0.1:0"
  session_secret: "0123456789abcdef0123"
admin:
  password: "s3cret"
auth:
  operator_keys: ["tok1"]
relay:
  base_url: "https://hooks.example.com/t_"
  min_delay: "2s"
  stop_wait: "500ms"
  destinations:
    - id: "999"
      token: "t-999"
logging:
  level: "error"
  console: false
storage:
  driver: "file"
  path: "%DIR%/operators.txt"
status_report:
  schedule: "@every 1h"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(strings.ReplaceAll(testConfig, "%DIR%", filepath.ToSlash(dir)))
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestStartServeStop(t *testing.T) {
	a, err := NewApp(writeConfig(t))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := http.Get("http://" + a.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", res.StatusCode, body)
	}

	if a.dash.MinDelay() != 2*time.Second {
		t.Fatalf("MinDelay = %v", a.dash.MinDelay())
	}
	if ids := a.dash.Destinations(); len(ids) != 1 || ids[0] != "999" {
		t.Fatalf("Destinations = %v", ids)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  session_secret: short\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewApp(path); err == nil {
		t.Fatal("expected an error for a short session secret")
	}
}

func TestMapRelayConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Relay: config.RelayConfig{
		BaseURL:      "https://hooks.example.com/",
		Destinations: []config.DestinationConfig{{ID: "a", Token: "x"}},
	}}
	rs, err := mapRelayConfig(cfg)
	if err != nil {
		t.Fatalf("mapRelayConfig: %v", err)
	}
	if rs.minDelay != relay.DefaultMinDelay || rs.stopWait != registry.DefaultStopWait || rs.service.FailureBackoff != relay.DefaultFailureBackoff {
		t.Fatalf("defaults = %+v", rs)
	}
	d, err := rs.directory.Lookup("a")
	if err != nil || d.URL != "https://hooks.example.com/a" || d.Token != "x" {
		t.Fatalf("Lookup = %+v, %v", d, err)
	}

	cfg.Relay.StopWait = "nope"
	if _, err := mapRelayConfig(cfg); err == nil {
		t.Fatal("expected an error for a bad stop_wait")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		sc      *config.StorageConfig
		enabled bool
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", sc: &config.StorageConfig{Driver: "none"}},
		{name: "file", sc: &config.StorageConfig{Driver: "file", Path: "x.txt"}, enabled: true},
		{name: "sqlite", sc: &config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, enabled: true},
		{name: "missing path", sc: &config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "unknown driver", sc: &config.StorageConfig{Driver: "redis", Path: "x"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, enabled, err := mapStorageConfig(&config.Config{Storage: tt.sc})
			if (err != nil) != tt.wantErr || enabled != tt.enabled {
				t.Fatalf("enabled=%v err=%v", enabled, err)
			}
		})
	}
}

func TestStatusReporterApply(t *testing.T) {
	t.Parallel()
	r := newStatusReporter(registry.New(time.Second, logx.Nop()), logx.Nop())
	defer r.Stop(context.Background())

	if err := r.Apply("not a schedule"); err == nil {
		t.Fatal("expected a parse error")
	}
	if r.c != nil {
		t.Fatal("cron started for a bad schedule")
	}
	if err := r.Apply("@every 1h"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	first := r.c
	if err := r.Apply("@every 1h"); err != nil || r.c != first {
		t.Fatal("same schedule must not restart the cron")
	}
	if err := r.Apply(""); err != nil || r.c != nil {
		t.Fatal("empty schedule must stop the cron")
	}
}
