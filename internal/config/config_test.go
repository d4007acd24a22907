package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/flotilla/internal/config"
)

func writeConfig(t *testing.T, home, content string) string {
	t.Helper()
	dir := filepath.Join(home, ".flotilla")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoad_FromFlotillaHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, home, "hub:\n  bind_addr: 127.0.0.1:19001\n  auth_token: tok-1\nnode:\n  node_name: bench-1\n")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Hub.BindAddr != "127.0.0.1:19001" {
		t.Fatalf("expected bind_addr=127.0.0.1:19001, got %q", cfg.Hub.BindAddr)
	}
	if cfg.Hub.AuthToken != "tok-1" {
		t.Fatalf("expected auth_token=tok-1, got %q", cfg.Hub.AuthToken)
	}
	if cfg.Node.NodeName != "bench-1" {
		t.Fatalf("expected node_name=bench-1, got %q", cfg.Node.NodeName)
	}
	if !cfg.FromFile {
		t.Fatalf("expected FromFile=true when config.yaml exists")
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FromFile {
		t.Fatalf("expected FromFile=false when config.yaml missing")
	}
	if cfg.Hub.BindAddr != "127.0.0.1:18900" {
		t.Fatalf("expected default bind_addr, got %q", cfg.Hub.BindAddr)
	}
	if cfg.Hub.StaleAfterSeconds != 90 {
		t.Fatalf("expected default stale_after_seconds=90, got %d", cfg.Hub.StaleAfterSeconds)
	}
	if cfg.Node.HeartbeatIntervalSeconds != 20 {
		t.Fatalf("expected default heartbeat_interval_seconds=20, got %d", cfg.Node.HeartbeatIntervalSeconds)
	}
	if cfg.Hub.DBPath != filepath.Join(cfg.HomeDir, "flotilla.db") {
		t.Fatalf("expected db under home, got %q", cfg.Hub.DBPath)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, home, "hub:\n  stale_after_seconds: 60\nnode:\n  heartbeat_interval_seconds: 10\n")
	t.Setenv("HOME", home)
	t.Setenv("FLOTILLA_STALE_AFTER_SECONDS", "120")
	t.Setenv("FLOTILLA_HEARTBEAT_INTERVAL_SECONDS", "7")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Hub.StaleAfterSeconds != 120 {
		t.Fatalf("expected env override stale_after_seconds=120, got %d", cfg.Hub.StaleAfterSeconds)
	}
	if cfg.Node.HeartbeatIntervalSeconds != 7 {
		t.Fatalf("expected env override heartbeat_interval_seconds=7, got %d", cfg.Node.HeartbeatIntervalSeconds)
	}
}

func TestLoad_SharedAuthTokenEnv(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("FLOTILLA_AUTH_TOKEN", "shared-secret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Hub.AuthToken != "shared-secret" || cfg.Node.AuthToken != "shared-secret" {
		t.Fatalf("expected FLOTILLA_AUTH_TOKEN to set both sides, got hub=%q node=%q",
			cfg.Hub.AuthToken, cfg.Node.AuthToken)
	}
}

func TestLoad_FlotillaHomeOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FLOTILLA_HOME", dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != dir {
		t.Fatalf("expected HomeDir=%q, got %q", dir, cfg.HomeDir)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level debug, got %q", cfg.Log.Level)
	}
}

func TestLoad_RejectsWatchdogSlowerThanStale(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, home, "hub:\n  stale_after_seconds: 10\n  watchdog_interval_seconds: 30\n")
	t.Setenv("HOME", home)

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error for watchdog interval exceeding stale window")
	}
	if !strings.Contains(err.Error(), "watchdog_interval_seconds") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_RejectsEnabledChannelWithoutCredentials(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, home, "hub:\n  channels:\n    telegram:\n      enabled: true\n")
	t.Setenv("HOME", home)

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error for enabled telegram channel without token")
	}
}

func TestLoad_TelegramEnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, home, "hub:\n  channels:\n    telegram:\n      enabled: true\n      token: yaml-token\n")
	t.Setenv("HOME", home)
	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("TELEGRAM_WEBHOOK_SECRET", "env-secret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Hub.Channels.Telegram.Token != "env-token" {
		t.Fatalf("expected TELEGRAM_TOKEN override, got %q", cfg.Hub.Channels.Telegram.Token)
	}
	if cfg.Hub.Channels.Telegram.WebhookSecret != "env-secret" {
		t.Fatalf("expected TELEGRAM_WEBHOOK_SECRET override, got %q", cfg.Hub.Channels.Telegram.WebhookSecret)
	}
}

func TestLoad_RejectsUnknownOtelExporter(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, home, "otel:\n  exporter: jaeger\n")
	t.Setenv("HOME", home)

	_, err := config.Load()
	if err == nil {
		t.Fatalf("expected error for unknown otel exporter")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint not stable: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}

	b.Hub.BindAddr = "0.0.0.0:9999"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint did not change with bind_addr")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format: %s", a.Fingerprint())
	}
}

func TestSettings_CarriesNodeKnobs(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	writeConfig(t, home, "node:\n  heartbeat_interval_seconds: 42\nlog:\n  level: warn\n")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	s := cfg.Settings()
	if s["heartbeat_interval_seconds"] != "42" {
		t.Fatalf("expected heartbeat_interval_seconds=42, got %q", s["heartbeat_interval_seconds"])
	}
	if s["log_level"] != "warn" {
		t.Fatalf("expected log_level=warn, got %q", s["log_level"])
	}
}
