package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-evidence/pkg/gateway/config"
)

func localConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("EVIDENCE_ADDR", "127.0.0.1:0")
	t.Setenv("EVIDENCE_AUTH_MODE", "disabled")
	t.Setenv("EVIDENCE_STORE", "memory")
	t.Setenv("EVIDENCE_SEARCH_PROVIDER", "none")
	for _, k := range []string{"EVIDENCE_GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "EVIDENCE_LOG_FILE"} {
		t.Setenv(k, "")
	}
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	cfg.ShutdownGracePeriod = 2 * time.Second
	return cfg
}

func noSignals() gatewayDeps {
	return gatewayDeps{
		signalNotify: func(chan<- os.Signal, ...os.Signal) {},
		signalStop:   func(chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	var stderr bytes.Buffer
	deps := noSignals()
	deps.loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("boom") }
	deps.buildApp = func(context.Context, config.Config, *slog.Logger) (*app, error) {
		t.Fatalf("buildApp should not be called when config load fails")
		return nil, nil
	}

	code := runMain(context.Background(), &stderr, deps)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "load config: boom")
}

func TestRunGateway_ReportsBuildFailure(t *testing.T) {
	deps := noSignals()
	deps.buildApp = func(context.Context, config.Config, *slog.Logger) (*app, error) {
		return nil, errors.New("redis ping: refused")
	}

	err := runGateway(context.Background(), config.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), deps)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "build gateway")
}

func TestRunGateway_StopsOnContextCancel(t *testing.T) {
	cfg := localConfig(t)
	deps := noSignals()
	deps.buildApp = buildApp

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runGateway(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), deps) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop after cancel")
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       3 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, cfg.Addr, srv.Addr)
	assert.Equal(t, cfg.ReadHeaderTimeout, srv.ReadHeaderTimeout)
	assert.Equal(t, cfg.ReadTimeout, srv.ReadTimeout)
}

func TestBuildApp_MemoryBackendServesSessions(t *testing.T) {
	cfg := localConfig(t)
	a, err := buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	ts := httptest.NewServer(a.gateway.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closeLog, err := newLogger(config.Config{LogLevel: "debug"}, &buf)
	require.NoError(t, err)
	closeLog()
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello")

	path := filepath.Join(t.TempDir(), "gateway.log")
	buf.Reset()
	logger, closeLog, err = newLogger(config.Config{LogFile: path}, &buf)
	require.NoError(t, err)
	logger.Info("to file")
	closeLog()
	assert.Contains(t, buf.String(), `"msg":"to file"`)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)

	_, _, err = newLogger(config.Config{LogLevel: "loud"}, &buf)
	assert.Error(t, err)
}

func TestLoadDotenv_MissingFileIsFine(t *testing.T) {
	assert.NoError(t, loadDotenv(filepath.Join(t.TempDir(), ".env")))
}

func TestLoadDotenv_DoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("EVIDENCE_DOTENV_PROBE=from-file\nEVIDENCE_DOTENV_KEEP=file\n"), 0o600))
	t.Setenv("EVIDENCE_DOTENV_KEEP", "env")
	t.Setenv("EVIDENCE_DOTENV_PROBE", "")
	os.Unsetenv("EVIDENCE_DOTENV_PROBE")

	require.NoError(t, loadDotenv(path))

	assert.Equal(t, "from-file", os.Getenv("EVIDENCE_DOTENV_PROBE"))
	assert.Equal(t, "env", os.Getenv("EVIDENCE_DOTENV_KEEP"))
}
