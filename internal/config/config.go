package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the Telegram channel adapter on the hub.
type TelegramConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Token         string  `yaml:"token"`
	WebhookSecret string  `yaml:"webhook_secret"`
	AllowedIDs    []int64 `yaml:"allowed_ids"`
}

// SlackConfig configures the Slack channel adapter on the hub.
type SlackConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SigningSecret string `yaml:"signing_secret"`
	BotToken      string `yaml:"bot_token"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// RateLimitConfig bounds unauthenticated request bursts on the hub's HTTP surface.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// HubConfig holds everything the hub process needs: where to listen, where
// state lives, and how aggressively to police node liveness.
type HubConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	DBPath    string `yaml:"db_path"`
	JobsDir   string `yaml:"jobs_dir"`

	// StaleAfterSeconds is the heartbeat silence window after which a
	// connected node is swept to disconnected.
	StaleAfterSeconds       int `yaml:"stale_after_seconds"`
	WatchdogIntervalSeconds int `yaml:"watchdog_interval_seconds"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WebSocket connections. Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Channels  ChannelsConfig  `yaml:"channels"`
}

// ExecutorConfig names the command a node shells out to for each task.
// The goal arrives on stdin; streamed stdout becomes partial output.
type ExecutorConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// NodeConfig holds everything the node agent needs to reach and serve a hub.
type NodeConfig struct {
	HubURL    string `yaml:"hub_url"`
	AuthToken string `yaml:"auth_token"`

	// NodeID is the stable identity presented at handshake. Empty means
	// mint-and-persist one under the home directory on first run.
	NodeID       string   `yaml:"node_id"`
	NodeName     string   `yaml:"node_name"`
	Capabilities []string `yaml:"capabilities"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	ReconnectIntervalSeconds int `yaml:"reconnect_interval_seconds"`

	JobsDir  string         `yaml:"jobs_dir"`
	Executor ExecutorConfig `yaml:"executor"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Quiet bool   `yaml:"quiet"`
}

// OtelConfig mirrors the tracing provider's switches. Disabled by default so
// a bare install never needs a collector.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// FromFile records whether config.yaml existed at load time. Doctor
	// reports defaults-only installs.
	FromFile bool `yaml:"-"`

	Hub  HubConfig  `yaml:"hub"`
	Node NodeConfig `yaml:"node"`
	Log  LogConfig  `yaml:"log"`
	Otel OtelConfig `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the state directory: $FLOTILLA_HOME if set, else ~/.flotilla.
func HomeDir() string {
	if override := os.Getenv("FLOTILLA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".flotilla")
}

func defaultConfig() Config {
	return Config{
		Hub: HubConfig{
			BindAddr:                "127.0.0.1:18900",
			StaleAfterSeconds:       90,
			WatchdogIntervalSeconds: 15,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             30,
			},
		},
		Node: NodeConfig{
			HubURL:                   "ws://127.0.0.1:18900/ws/node",
			HeartbeatIntervalSeconds: 20,
			ReconnectIntervalSeconds: 5,
			Executor: ExecutorConfig{
				Command: "flotilla-run",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
		Otel: OtelConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
		},
	}
}

// Load reads config.yaml from the home directory, layering defaults, the
// file, and environment overrides, then normalizing and validating.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create flotilla home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg.FromFile = true
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Hub.BindAddr == "" {
		cfg.Hub.BindAddr = "127.0.0.1:18900"
	}
	if cfg.Hub.DBPath == "" {
		cfg.Hub.DBPath = filepath.Join(cfg.HomeDir, "flotilla.db")
	}
	if cfg.Hub.JobsDir == "" {
		cfg.Hub.JobsDir = filepath.Join(cfg.HomeDir, "jobs")
	}
	if cfg.Hub.StaleAfterSeconds <= 0 {
		cfg.Hub.StaleAfterSeconds = 90
	}
	if cfg.Hub.WatchdogIntervalSeconds <= 0 {
		cfg.Hub.WatchdogIntervalSeconds = 15
	}
	if cfg.Hub.RateLimit.RequestsPerMinute <= 0 {
		cfg.Hub.RateLimit.RequestsPerMinute = 120
	}
	if cfg.Hub.RateLimit.Burst <= 0 {
		cfg.Hub.RateLimit.Burst = 30
	}
	if cfg.Node.HubURL == "" {
		cfg.Node.HubURL = "ws://127.0.0.1:18900/ws/node"
	}
	if cfg.Node.HeartbeatIntervalSeconds <= 0 {
		cfg.Node.HeartbeatIntervalSeconds = 20
	}
	if cfg.Node.ReconnectIntervalSeconds <= 0 {
		cfg.Node.ReconnectIntervalSeconds = 5
	}
	if cfg.Node.JobsDir == "" {
		cfg.Node.JobsDir = filepath.Join(cfg.HomeDir, "node-jobs")
	}
	if strings.TrimSpace(cfg.Node.Executor.Command) == "" {
		cfg.Node.Executor.Command = "flotilla-run"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Otel.SampleRatio <= 0 || cfg.Otel.SampleRatio > 1 {
		cfg.Otel.SampleRatio = 1.0
	}
}

// validate rejects configurations that would boot into a broken state rather
// than letting the failure surface minutes later.
func validate(cfg *Config) error {
	if cfg.Hub.WatchdogIntervalSeconds > cfg.Hub.StaleAfterSeconds {
		return fmt.Errorf("watchdog_interval_seconds (%d) must not exceed stale_after_seconds (%d)",
			cfg.Hub.WatchdogIntervalSeconds, cfg.Hub.StaleAfterSeconds)
	}
	if cfg.Hub.Channels.Telegram.Enabled && cfg.Hub.Channels.Telegram.Token == "" {
		return fmt.Errorf("channels.telegram.enabled requires channels.telegram.token")
	}
	if cfg.Hub.Channels.Slack.Enabled && cfg.Hub.Channels.Slack.SigningSecret == "" {
		return fmt.Errorf("channels.slack.enabled requires channels.slack.signing_secret")
	}
	switch cfg.Otel.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("otel.exporter must be one of otlp-http, stdout, none; got %q", cfg.Otel.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLOTILLA_BIND_ADDR"); raw != "" {
		cfg.Hub.BindAddr = raw
	}
	if raw := os.Getenv("FLOTILLA_AUTH_TOKEN"); raw != "" {
		cfg.Hub.AuthToken = raw
		cfg.Node.AuthToken = raw
	}
	if raw := os.Getenv("FLOTILLA_DB_PATH"); raw != "" {
		cfg.Hub.DBPath = raw
	}
	if raw := os.Getenv("FLOTILLA_JOBS_DIR"); raw != "" {
		cfg.Hub.JobsDir = raw
	}
	if raw := os.Getenv("FLOTILLA_HUB_URL"); raw != "" {
		cfg.Node.HubURL = raw
	}
	if raw := os.Getenv("FLOTILLA_NODE_ID"); raw != "" {
		cfg.Node.NodeID = raw
	}
	if raw := os.Getenv("FLOTILLA_NODE_NAME"); raw != "" {
		cfg.Node.NodeName = raw
	}
	if raw := os.Getenv("FLOTILLA_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Node.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("FLOTILLA_STALE_AFTER_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Hub.StaleAfterSeconds = v
		}
	}
	if raw := os.Getenv("FLOTILLA_LOG_LEVEL"); raw != "" {
		cfg.Log.Level = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Hub.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_WEBHOOK_SECRET"); raw != "" {
		cfg.Hub.Channels.Telegram.WebhookSecret = raw
	}
	if raw := os.Getenv("SLACK_SIGNING_SECRET"); raw != "" {
		cfg.Hub.Channels.Slack.SigningSecret = raw
	}
	if raw := os.Getenv("SLACK_BOT_TOKEN"); raw != "" {
		cfg.Hub.Channels.Slack.BotToken = raw
	}
}

// Fingerprint returns a stable hash of the operationally significant fields,
// logged at startup so drift between restarts is visible in the event stream.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|jobs=%s|stale=%d|watchdog=%d|origins=%v|hub=%s|hb=%d|rc=%d|log=%s",
		c.Hub.BindAddr, c.Hub.DBPath, c.Hub.JobsDir, c.Hub.StaleAfterSeconds, c.Hub.WatchdogIntervalSeconds,
		c.Hub.AllowOrigins, c.Node.HubURL, c.Node.HeartbeatIntervalSeconds, c.Node.ReconnectIntervalSeconds, c.Log.Level)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// StaleAfter returns the node staleness window as a duration.
func (h HubConfig) StaleAfter() time.Duration {
	return time.Duration(h.StaleAfterSeconds) * time.Second
}

// WatchdogInterval returns the liveness sweep cadence as a duration.
func (h HubConfig) WatchdogInterval() time.Duration {
	return time.Duration(h.WatchdogIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the node heartbeat cadence as a duration.
func (n NodeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(n.HeartbeatIntervalSeconds) * time.Second
}

// ReconnectInterval returns the fixed pause between dial attempts.
func (n NodeConfig) ReconnectInterval() time.Duration {
	return time.Duration(n.ReconnectIntervalSeconds) * time.Second
}

// Settings flattens the node-relevant knobs into the string map pushed to
// connected nodes when config.yaml changes.
func (c Config) Settings() map[string]string {
	return map[string]string{
		"heartbeat_interval_seconds": strconv.Itoa(c.Node.HeartbeatIntervalSeconds),
		"reconnect_interval_seconds": strconv.Itoa(c.Node.ReconnectIntervalSeconds),
		"log_level":                  c.Log.Level,
	}
}
