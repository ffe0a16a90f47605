//go:build unix

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/playground/config"
	"github.com/isdmx/playground/encoder"
	"github.com/isdmx/playground/httpapi"
	"github.com/isdmx/playground/metrics"
	"github.com/isdmx/playground/sandbox"
	"github.com/isdmx/playground/scheduler"
	"github.com/isdmx/playground/snippet"
)

func integrationConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			HTTPPort:     8080,
			MCP:          config.MCPOff,
			MaxBodyBytes: 256 * 1024,
		},
		Sandbox: config.SandboxConfig{
			TimeoutMs:       2000,
			MaxOutputBytes:  64 * 1024,
			MemoryMB:        512,
			MaxSourceBytes:  64 * 1024,
			WorkRoot:        t.TempDir(),
			StderrPolicy:    config.StderrAsError,
			DefaultLanguage: sandbox.LanguagePython,
		},
		Scheduler: config.SchedulerConfig{
			MaxConcurrency: 2,
			QueueCapacity:  8,
		},
		Storage: config.StorageConfig{
			SnippetDB: ":memory:",
			Seed:      true,
		},
	}
}

// newPlayground wires the packages the way cmd/server does and serves them.
// Runs use a local runner without the jail, which needs root; confinement
// itself is covered by the sandbox package tests.
func newPlayground(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	logger := zaptest.NewLogger(t)

	limits := sandbox.Limits{
		WallClockTimeout: cfg.GetTimeout(),
		MaxOutputBytes:   cfg.Sandbox.MaxOutputBytes,
		MaxMemoryBytes:   cfg.Sandbox.MemoryMB * sandbox.BytesPerMB,
	}
	workspaces := sandbox.NewWorkspaces(logger, cfg.Sandbox.WorkRoot)
	executor := sandbox.NewExecutor(logger, workspaces, sandbox.NewLocalRunner(logger), limits,
		sandbox.WithMaxSourceBytes(cfg.Sandbox.MaxSourceBytes))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sched, err := scheduler.New(logger, executor, cfg.Scheduler.MaxConcurrency, cfg.Scheduler.QueueCapacity, scheduler.WithMetrics(m))
	require.NoError(t, err)

	store, err := snippet.Open(cfg.Storage.SnippetDB)
	require.NoError(t, err)
	_, err = snippet.Seed(context.Background(), store)
	require.NoError(t, err)

	enc := encoder.New(cfg.Sandbox.StderrPolicy, executor.Limits())
	srv := httpapi.New(logger, sched, enc, store,
		httpapi.WithMetrics(m, reg),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, sched.Close(context.Background()))
		require.NoError(t, store.Close())
	})
	return ts
}

func postRun(t *testing.T, ts *httptest.Server, code string) (int, encoder.Response) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"code": code})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/run", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out encoder.Response
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func TestIntegrationRun(t *testing.T) {
	cfg := integrationConfig(t)
	ts := newPlayground(t, cfg)

	t.Run("HelloWorld", func(t *testing.T) {
		status, out := postRun(t, ts, `print("Hello, World!")`)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Hello, World!\n", out.Output)
		assert.Empty(t, out.Error)
		assert.Equal(t, "success", out.Status)
	})

	t.Run("Exception", func(t *testing.T) {
		status, out := postRun(t, ts, "print('before')\nraise ValueError('boom')")
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "before\n", out.Output)
		assert.Contains(t, out.Error, "ValueError: boom")
		require.NotNil(t, out.ExitCode)
		assert.Equal(t, 1, *out.ExitCode)
	})

	t.Run("InfiniteLoop", func(t *testing.T) {
		status, out := postRun(t, ts, "while True:\n    pass")
		require.Equal(t, http.StatusOK, status)
		assert.True(t, out.TimedOut)
		assert.Equal(t, "execution timed out after 2000ms", out.Error)
	})

	t.Run("OutputFlood", func(t *testing.T) {
		status, out := postRun(t, ts, "while True:\n    print('x' * 1000)")
		require.Equal(t, http.StatusOK, status)
		assert.True(t, out.Truncated)
		assert.LessOrEqual(t, len(out.Output), 64*1024)
		assert.Equal(t, "killed", out.Status)
	})

	t.Run("MissingCode", func(t *testing.T) {
		status, _ := postRun(t, ts, "")
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestIntegrationConcurrentRuns(t *testing.T) {
	cfg := integrationConfig(t)
	ts := newPlayground(t, cfg)

	const n = 6
	var wg sync.WaitGroup
	outputs := make([]string, n)
	statuses := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := "import os\nprint(len(os.listdir('.')), " + strings.Repeat("1", i+1) + ")"
			status, out := postRun(t, ts, code)
			statuses[i] = status
			outputs[i] = out.Output
		}()
	}
	wg.Wait()

	for i := range n {
		require.Equal(t, http.StatusOK, statuses[i])
		// Each run sees only its own source file
		assert.Equal(t, "1 "+strings.Repeat("1", i+1)+"\n", outputs[i])
	}
}

func TestIntegrationSeededSnippetRuns(t *testing.T) {
	cfg := integrationConfig(t)
	ts := newPlayground(t, cfg)

	resp, err := http.Get(ts.URL + "/api/snippets")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snippets []snippet.Snippet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snippets))
	require.Len(t, snippets, 3)

	var fizzbuzz *snippet.Snippet
	for i := range snippets {
		if snippets[i].Title == "FizzBuzz" {
			fizzbuzz = &snippets[i]
		}
	}
	require.NotNil(t, fizzbuzz)

	status, out := postRun(t, ts, fizzbuzz.Code)
	require.Equal(t, http.StatusOK, status)
	lines := strings.Split(strings.TrimSpace(out.Output), "\n")
	require.Len(t, lines, 15)
	assert.Equal(t, "FizzBuzz", lines[14])
	assert.Equal(t, "Fizz", lines[2])
}
