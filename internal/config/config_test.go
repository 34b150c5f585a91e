package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9010 || cfg.Store.Backend != BackendMemory {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Scheduler.Interval != 3*time.Second || cfg.Scheduler.BatchSize != 3 {
		t.Fatalf("unexpected scheduler defaults %+v", cfg.Scheduler)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8081
store:
  backend: redis
  key_prefix: "rooms"
  op_timeout: 500ms
redis:
  addr: "redis:6379"
token:
  secret: "s3cret"
  ttl: 2m
scheduler:
  enabled: false
  initial_delay: 1s
  interval: 10s
  batch_size: 25
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8081 || cfg.Store.Backend != BackendRedis || cfg.Store.KeyPrefix != "rooms" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Store.OpTimeout != 500*time.Millisecond || cfg.Token.TTL != 2*time.Minute {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Store, cfg.Token)
	}
	if cfg.Scheduler.Enabled || cfg.Scheduler.BatchSize != 25 {
		t.Fatalf("scheduler %+v", cfg.Scheduler)
	}
	// Unset fields keep their defaults.
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Fatalf("default lost: %v", cfg.Server.ShutdownTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8081\n")
	t.Setenv("PORT", "7000")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("TOKEN_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Scheduler.Enabled || cfg.Token.Secret != "from-env" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown field":   "server:\n  prot: 1\n",
		"bad backend":     "store:\n  backend: etcd\n",
		"bad port":        "server:\n  port: 70000\n",
		"bad log format":  "log:\n  format: xml\n",
		"zero interval":   "scheduler:\n  interval: 0s\n",
		"zero batch":      "scheduler:\n  batch_size: 0\n",
		"negative delay":  "scheduler:\n  initial_delay: -1s\n",
		"malformed yaml":  "server: [\n",
		"empty key space": "store:\n  key_prefix: \"\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	t.Setenv("PORT", "eighty")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric PORT")
	}
}
