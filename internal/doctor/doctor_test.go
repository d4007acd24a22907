package doctor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/flotilla/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("FLOTILLA_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Hub.DBPath = filepath.Join(t.TempDir(), "flotilla.db")
	cfg.Hub.JobsDir = filepath.Join(t.TempDir(), "jobs")
	return &cfg
}

func TestRunCoversAllChecks(t *testing.T) {
	cfg := testConfig(t)
	diag := Run(context.Background(), cfg, "test")

	if len(diag.Results) != 7 {
		t.Fatalf("expected 7 checks, got %d", len(diag.Results))
	}
	if diag.System.OS == "" || diag.System.Go == "" {
		t.Fatalf("system info not populated: %+v", diag.System)
	}
	for _, res := range diag.Results {
		if res.Status == "" || res.Name == "" {
			t.Fatalf("incomplete result: %+v", res)
		}
	}
}

func TestCheckDatabase(t *testing.T) {
	if res := checkDatabase(context.Background(), nil); res.Status != "SKIP" {
		t.Fatalf("nil config: %s", res.Status)
	}

	cfg := testConfig(t)
	res := checkDatabase(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("fresh db: %+v", res)
	}

	// A file where the db directory should be makes the path unopenable.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	cfg.Hub.DBPath = filepath.Join(blocker, "flotilla.db")
	res = checkDatabase(context.Background(), cfg)
	if res.Status != "FAIL" {
		t.Fatalf("unopenable db path: %+v", res)
	}
}

func TestCheckJobs(t *testing.T) {
	cfg := testConfig(t)
	res := checkJobs(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("empty jobs dir: %+v", res)
	}
}

func TestCheckExecutorMissingCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Executor.Command = "definitely-not-on-path-470"
	res := checkExecutor(context.Background(), cfg)
	if res.Status != "WARN" {
		t.Fatalf("missing executor: %+v", res)
	}
}

func TestCheckHub(t *testing.T) {
	cfg := testConfig(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()
	cfg.Node.HubURL = "ws" + ts.URL[len("http"):] + "/ws/node"

	res := checkHub(context.Background(), cfg)
	if res.Status != "PASS" {
		t.Fatalf("reachable hub: %+v", res)
	}

	cfg.Node.HubURL = "ws://127.0.0.1:1/ws/node"
	res = checkHub(context.Background(), cfg)
	if res.Status != "WARN" {
		t.Fatalf("unreachable hub: %+v", res)
	}
}

func TestCheckChannels(t *testing.T) {
	cfg := testConfig(t)

	if res := checkChannels(context.Background(), cfg); res.Status != "PASS" {
		t.Fatalf("no adapters enabled: %+v", res)
	}

	cfg.Hub.Channels.Telegram.Enabled = true
	if res := checkChannels(context.Background(), cfg); res.Status != "FAIL" {
		t.Fatalf("enabled without creds: %+v", res)
	}

	cfg.Hub.Channels.Telegram.Token = "123:abc"
	cfg.Hub.Channels.Telegram.WebhookSecret = "s3cret"
	if res := checkChannels(context.Background(), cfg); res.Status != "PASS" {
		t.Fatalf("creds present: %+v", res)
	}
}
