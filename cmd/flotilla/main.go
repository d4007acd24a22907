// Command flotilla is the fleet control plane: a hub that coordinates node
// agents, and the node agent itself, in one binary.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/flotilla/internal/bus"
	"github.com/basket/flotilla/internal/channels"
	"github.com/basket/flotilla/internal/config"
	"github.com/basket/flotilla/internal/dispatch"
	"github.com/basket/flotilla/internal/hub"
	"github.com/basket/flotilla/internal/jobstore"
	otelPkg "github.com/basket/flotilla/internal/otel"
	"github.com/basket/flotilla/internal/scheduler"
	"github.com/basket/flotilla/internal/store"
	"github.com/basket/flotilla/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  hub                     Run the coordinator: node WebSocket endpoint,
                          REST API, dispatcher, scheduler, channel webhooks
  node                    Run the node agent: connect to the hub, execute
                          assigned tasks, run local scheduled jobs
  status                  Query a running hub's /api/health
  doctor [-json]          Run diagnostic checks
  help                    Show this message

ENVIRONMENT VARIABLES:
  FLOTILLA_HOME           Data directory (default: ~/.flotilla)
  FLOTILLA_BIND_ADDR      Hub listen address
  FLOTILLA_AUTH_TOKEN     Shared node/API token
  FLOTILLA_HUB_URL        Hub WebSocket URL for the node agent
  TELEGRAM_TOKEN          Telegram bot token (hub, optional)
  SLACK_SIGNING_SECRET    Slack signing secret (hub, optional)

EXAMPLES:
  Start the hub:          %s hub
  Start a node:           %s node
  Check hub health:       %s status
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "hub":
		os.Exit(runHub(ctx))
	case "node":
		os.Exit(runNode(ctx))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runHub(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	homeDir := config.HomeDir()

	logger, logCloser, err := telemetry.NewLogger(homeDir, "hub", cfg.Log.Level, cfg.Log.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	logger.Info("starting hub", "version", Version, "config_fingerprint", cfg.Fingerprint())

	token, err := ensureAuthToken(homeDir, cfg.Hub.AuthToken)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: "flotilla-hub",
		Role:        "hub",
		SampleRate:  cfg.Otel.SampleRatio,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	st, err := store.Open(cfg.Hub.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()

	b := bus.New()
	registry := hub.NewRegistry()
	dispatcher := dispatch.New(dispatch.Config{
		Store:   st,
		Nodes:   registry,
		Bus:     b,
		Logger:  logger,
		Metrics: metrics,
	})

	jobs, err := jobstore.New(cfg.Hub.JobsDir, logger)
	if err != nil {
		fatalStartup(logger, "E_JOBS_DIR", err)
	}
	sched := scheduler.New(scheduler.Config{
		Source:    "hub",
		Submitter: dispatcher,
		Events:    st,
		Bus:       b,
		Logger:    logger,
	})
	loaded, err := jobs.Load()
	if err != nil {
		logger.Warn("some job records skipped", "error", err)
	}
	sched.Reload(loaded)
	sched.Start(ctx)
	defer sched.Stop()

	jobWatcher := jobstore.NewWatcher(cfg.Hub.JobsDir, logger)
	if err := jobWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_JOBS_WATCHER_START", err)
	}
	go func() {
		for range jobWatcher.Events() {
			reloaded, err := jobs.Load()
			if err != nil {
				logger.Warn("some job records skipped on reload", "error", err)
			}
			sched.Reload(reloaded)
		}
	}()

	gateway := buildGateway(cfg, dispatcher, st, b, logger, metrics)
	var hooks http.Handler
	if gateway != nil {
		hooks = gateway.Handler()
		gateway.StartReplyLoop(ctx)
		logger.Info("channel gateway enabled", "adapters", gateway.AdapterNames())
	}

	server := hub.New(hub.Config{
		Store:             st,
		Registry:          registry,
		Dispatcher:        dispatcher,
		Bus:               b,
		Jobs:              jobs,
		Scheduler:         sched,
		Logger:            logger,
		Metrics:           metrics,
		AuthToken:         token,
		AllowOrigins:      cfg.Hub.AllowOrigins,
		Hooks:             hooks,
		RateLimit:         cfg.Hub.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
		StaleAfter:        cfg.Hub.StaleAfter(),
		WatchdogInterval:  cfg.Hub.WatchdogInterval(),
	})
	server.StartWatchdog(ctx)

	// Settings edits propagate to connected nodes without a restart.
	cfgWatcher := config.NewWatcher(homeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for range cfgWatcher.Events() {
			fresh, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous", "error", err)
				continue
			}
			logger.Info("config reloaded", "config_fingerprint", fresh.Fingerprint())
			pushCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			failed := registry.BroadcastConfig(pushCtx, fresh.Settings())
			cancel()
			if len(failed) > 0 {
				logger.Warn("config push failed for some nodes", "nodes", failed)
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Hub.BindAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	logger.Info("hub listening", "addr", cfg.Hub.BindAddr)
	_ = st.AppendSystemEvent(ctx, "hub", "info", "hub started",
		map[string]any{"version": Version, "addr": cfg.Hub.BindAddr})

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatalStartup(logger, "E_LISTENER_BIND", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return 0
}

// buildGateway constructs the channel gateway from configured credentials.
// Nil when no adapter is enabled.
func buildGateway(cfg config.Config, dispatcher *dispatch.Dispatcher, st *store.Store,
	b *bus.Bus, logger *slog.Logger, metrics *otelPkg.Metrics) *channels.Gateway {

	var telegram *channels.TelegramAdapter
	if tg := cfg.Hub.Channels.Telegram; tg.Enabled && tg.Token != "" {
		telegram = channels.NewTelegramAdapter(tg.Token, tg.WebhookSecret, tg.AllowedIDs, logger)
	}
	var slack *channels.SlackAdapter
	if sl := cfg.Hub.Channels.Slack; sl.Enabled && sl.SigningSecret != "" {
		slack = channels.NewSlackAdapter(sl.SigningSecret, sl.BotToken, logger)
	}

	adapters := channels.BuildAdapters(telegram, slack)
	if len(adapters) == 0 {
		return nil
	}
	return channels.NewGateway(channels.Config{
		Adapters:      adapters,
		Dispatcher:    dispatcher,
		Conversations: st,
		Events:        st,
		Bus:           b,
		Logger:        logger,
		Metrics:       metrics,
	})
}

// ensureAuthToken returns the shared token, minting and persisting one under
// the home directory when the config does not set it.
func ensureAuthToken(homeDir, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path := filepath.Join(homeDir, "auth_token")
	if raw, err := os.ReadFile(path); err == nil {
		if token := strings.TrimSpace(string(raw)); token != "" {
			return token, nil
		}
	}
	token := uuid.NewString()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create home dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	return token, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
