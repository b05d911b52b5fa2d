package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shoplens/shoplens/pkg/browser/cdp"
	"github.com/shoplens/shoplens/pkg/config"
)

func TestRunAgentRequiresDependencies(t *testing.T) {
	err := runAgent(context.Background(), nil, agentDeps{})
	if err == nil {
		t.Fatal("missing dependencies accepted")
	}
}

func TestRunAgentSurfacesConfigError(t *testing.T) {
	deps := defaultAgentDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("bad strategy")
	}
	err := runAgent(context.Background(), slog.Default(), deps)
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunAgentSurfacesDevToolsError(t *testing.T) {
	deps := defaultAgentDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{
			BackendURL:  "wss://backend.test/live",
			Model:       "models/test",
			DevToolsURL: "ws://127.0.0.1:1/devtools/browser",
			Strategy:    config.CaptureStrategyDebugger,
		}, nil
	}
	deps.dialDevTools = func(ctx context.Context, url string, logger *slog.Logger) (*cdp.Client, error) {
		return nil, errors.New("connection refused")
	}
	err := runAgent(context.Background(), slog.Default(), deps)
	if err == nil || !strings.Contains(err.Error(), "dial devtools") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunMainReportsFailure(t *testing.T) {
	var stderr bytes.Buffer
	deps := defaultAgentDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	if code := runMain(context.Background(), &stderr, deps); code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "shoplens-agent:") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		" info  ": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := parseLogLevel(raw); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestCaptureInterval(t *testing.T) {
	cases := []struct {
		fps  float64
		want time.Duration
	}{
		{1.0, time.Second},
		{2.0, 500 * time.Millisecond},
		{0.5, 2 * time.Second},
		{0, time.Second},
	}
	for _, tc := range cases {
		if got := captureInterval(tc.fps); got != tc.want {
			t.Errorf("captureInterval(%v) = %v, want %v", tc.fps, got, tc.want)
		}
	}
}
