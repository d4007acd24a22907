// Package doctor runs preflight diagnostics for both hub and node roles:
// config, storage, job definitions, executor, and hub reachability.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/flotilla/internal/config"
	"github.com/basket/flotilla/internal/jobstore"
	"github.com/basket/flotilla/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomeDir,
		checkDatabase,
		checkJobs,
		checkExecutor,
		checkHub,
		checkChannels,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(config.HomeDir())),
		Detail:  fmt.Sprintf("fingerprint=%s", cfg.Fingerprint()),
	}
}

func checkHomeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Dir", Status: "SKIP", Message: "Config missing"}
	}
	home := config.HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		return CheckResult{Name: "Home Dir", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", home, err)}
	}
	testFile := filepath.Join(home, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home Dir", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", home, err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Home Dir", Status: "PASS", Message: fmt.Sprintf("%s writable", home)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	st, err := store.Open(cfg.Hub.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	counts, err := st.Summary(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Schema valid at %s", cfg.Hub.DBPath),
		Detail:  fmt.Sprintf("nodes=%d tasks=%d events=%d", counts.Nodes, counts.Tasks, counts.Events),
	}
}

func checkJobs(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Jobs", Status: "SKIP", Message: "Config missing"}
	}
	js, err := jobstore.New(cfg.Hub.JobsDir, nil)
	if err != nil {
		return CheckResult{Name: "Jobs", Status: "FAIL", Message: fmt.Sprintf("Jobs dir: %v", err)}
	}
	jobs, err := js.Load()
	if err != nil {
		return CheckResult{
			Name:    "Jobs",
			Status:  "WARN",
			Message: fmt.Sprintf("%d jobs loaded, some records invalid", len(jobs)),
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Jobs", Status: "PASS", Message: fmt.Sprintf("%d jobs in %s", len(jobs), cfg.Hub.JobsDir)}
}

func checkExecutor(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: "SKIP", Message: "Config missing"}
	}
	command := cfg.Node.Executor.Command
	path, err := exec.LookPath(command)
	if err != nil {
		return CheckResult{
			Name:    "Executor",
			Status:  "WARN",
			Message: fmt.Sprintf("%q not found on PATH", command),
			Detail:  "only needed on machines running 'flotilla node'",
		}
	}
	return CheckResult{Name: "Executor", Status: "PASS", Message: path}
}

// checkHub probes the hub's health endpoint through the node's configured
// hub URL, so a node operator sees connectivity problems before starting.
func checkHub(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Hub", Status: "SKIP", Message: "Config missing"}
	}

	u, err := url.Parse(cfg.Node.HubURL)
	if err != nil {
		return CheckResult{Name: "Hub", Status: "FAIL", Message: fmt.Sprintf("Bad hub URL: %v", err)}
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	healthURL := fmt.Sprintf("%s://%s/healthz", scheme, u.Host)

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return CheckResult{Name: "Hub", Status: "FAIL", Message: fmt.Sprintf("Request: %v", err)}
	}
	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    "Hub",
			Status:  "WARN",
			Message: fmt.Sprintf("Unreachable at %s", healthURL),
			Detail:  err.Error(),
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Hub", Status: "WARN", Message: fmt.Sprintf("Health returned %d", resp.StatusCode)}
	}
	return CheckResult{
		Name:    "Hub",
		Status:  "PASS",
		Message: fmt.Sprintf("Healthy at %s (%dms)", healthURL, time.Since(start).Milliseconds()),
	}
}

func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: "SKIP", Message: "Config missing"}
	}
	ch := cfg.Hub.Channels
	if !ch.Telegram.Enabled && !ch.Slack.Enabled {
		return CheckResult{Name: "Channels", Status: "PASS", Message: "No channel adapters enabled"}
	}

	var problems []string
	if ch.Telegram.Enabled {
		if ch.Telegram.Token == "" {
			problems = append(problems, "telegram: token missing")
		}
		if ch.Telegram.WebhookSecret == "" {
			problems = append(problems, "telegram: webhook_secret missing")
		}
	}
	if ch.Slack.Enabled {
		if ch.Slack.SigningSecret == "" {
			problems = append(problems, "slack: signing_secret missing")
		}
		if ch.Slack.BotToken == "" {
			problems = append(problems, "slack: bot_token missing")
		}
	}
	if len(problems) > 0 {
		return CheckResult{
			Name:    "Channels",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d credential problems", len(problems)),
			Detail:  fmt.Sprintf("%v", problems),
		}
	}
	return CheckResult{Name: "Channels", Status: "PASS", Message: "Enabled adapters have credentials"}
}
