package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every DATAPILL_* variable for the duration of a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "DATAPILL_") {
			key := strings.SplitN(kv, "=", 2)[0]
			t.Setenv(key, "")
			os.Unsetenv(key)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("loadWithArgs: %v", err)
	}
	if cfg.SampleInterval != 60*time.Second {
		t.Errorf("SampleInterval = %v, want 60s", cfg.SampleInterval)
	}
	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want 15m", cfg.SyncInterval)
	}
	if cfg.Port != 9311 {
		t.Errorf("Port = %d, want 9311", cfg.Port)
	}
	if cfg.RemoteBaseURL == "" {
		t.Error("RemoteBaseURL default missing")
	}
	if cfg.MQTTTopicPrefix != "datapill" {
		t.Errorf("MQTTTopicPrefix = %q, want datapill", cfg.MQTTTopicPrefix)
	}
	if cfg.HasMQTT() {
		t.Error("HasMQTT true without a broker")
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATAPILL_SAMPLE_INTERVAL", "120")
	t.Setenv("DATAPILL_PORT", "9400")

	cfg, err := loadWithArgs([]string{"--interval", "30", "--port=9500", "--debug"})
	if err != nil {
		t.Fatalf("loadWithArgs: %v", err)
	}
	if cfg.SampleInterval != 30*time.Second {
		t.Errorf("SampleInterval = %v, want 30s", cfg.SampleInterval)
	}
	if cfg.Port != 9500 {
		t.Errorf("Port = %d, want 9500", cfg.Port)
	}
	if !cfg.DebugMode {
		t.Error("DebugMode not set by --debug")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "datapill.yaml")
	yamlBody := `
remote:
  url: https://file.example/v1
  api_key: file-key
mqtt:
  broker: broker.example:1883
sample_interval: 90
web:
  port: 9600
db_path: /tmp/file.db
`
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("DATAPILL_API_KEY", "env-key")

	cfg, err := loadWithArgs([]string{"--config", path})
	if err != nil {
		t.Fatalf("loadWithArgs: %v", err)
	}
	if cfg.RemoteBaseURL != "https://file.example/v1" {
		t.Errorf("RemoteBaseURL = %q", cfg.RemoteBaseURL)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env override", cfg.APIKey)
	}
	if cfg.MQTTBroker != "broker.example:1883" || !cfg.HasMQTT() {
		t.Errorf("MQTTBroker = %q", cfg.MQTTBroker)
	}
	if cfg.SampleInterval != 90*time.Second {
		t.Errorf("SampleInterval = %v, want 90s", cfg.SampleInterval)
	}
	if cfg.Port != 9600 {
		t.Errorf("Port = %d, want 9600", cfg.Port)
	}
	if cfg.DBPath != "/tmp/file.db" || !cfg.DBPathExplicit {
		t.Errorf("DBPath = %q explicit=%v", cfg.DBPath, cfg.DBPathExplicit)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearEnv(t)

	if _, err := loadWithArgs([]string{"--config", "/nonexistent/datapill.yaml"}); err == nil {
		t.Fatal("missing config file did not error")
	}
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"sample interval too small", func(c *Config) { c.SampleInterval = time.Second }},
		{"sample interval too large", func(c *Config) { c.SampleInterval = 2 * time.Hour }},
		{"sync interval too small", func(c *Config) { c.SyncInterval = 10 * time.Second }},
		{"port too low", func(c *Config) { c.Port = 80 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"probe addr without port", func(c *Config) { c.ProbeAddr = "1.1.1.1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg := &Config{APIKey: "dp_live_abcdef123456", AdminPass: "hunter2"}
	cfg.applyDefaults()

	s := cfg.String()
	if strings.Contains(s, "dp_live_abcdef123456") {
		t.Error("API key leaked in String()")
	}
	if strings.Contains(s, "hunter2") {
		t.Error("admin password leaked in String()")
	}
	if !strings.Contains(s, "dp_l***...***") {
		t.Errorf("redacted key prefix missing: %s", s)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "(not set)"},
		{"short", "***...***"},
		{"dp_live_abcdef123456", "dp_l***...***456"},
	}
	for _, tt := range tests {
		if got := redactSecret(tt.in); got != tt.want {
			t.Errorf("redactSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
