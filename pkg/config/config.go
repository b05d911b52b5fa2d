package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CaptureStrategy selects how frames are obtained from the browser.
type CaptureStrategy string

const (
	// CaptureStrategyDebugger captures through the per-tab debugger session.
	CaptureStrategyDebugger CaptureStrategy = "debugger"
	// CaptureStrategySnapshot captures the focused window's active tab.
	CaptureStrategySnapshot CaptureStrategy = "snapshot"
)

type Config struct {
	// Backend realtime connection.
	BackendURL        string
	APIKey            string
	Model             string
	SystemInstruction string

	KeepaliveInterval    time.Duration
	ConnectTimeout       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// Browser DevTools connection.
	DevToolsURL string

	// Tab attachment.
	MaxAttachedTabs     int
	MaxMonitoredTabs    int
	MonitorPollInterval time.Duration
	MonitorTimeout      time.Duration
	AttachRetryLimit    int

	// Frame capture.
	Strategy           CaptureStrategy
	CaptureFPS         float64
	JPEGQuality        int
	SnapshotBackoff    time.Duration
	AllowIncognito     bool
	AllowFileURLs      bool
	MaxCaptureFailures int

	// Speech activity.
	SpeechWindowSize    int
	SpeechThreshold     float64
	SilenceFallback     time.Duration
	AudioSampleRateHz   int

	// Observability.
	MetricsAddr string
	LogLevel    string
}

// LoadFromEnv builds a Config from SHOPLENS_* environment variables,
// applying defaults for everything not set.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		BackendURL:           envOr("SHOPLENS_BACKEND_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"),
		APIKey:               os.Getenv("SHOPLENS_API_KEY"),
		Model:                envOr("SHOPLENS_MODEL", "models/gemini-2.0-flash-exp"),
		SystemInstruction:    os.Getenv("SHOPLENS_SYSTEM_INSTRUCTION"),
		KeepaliveInterval:    envDurationOr("SHOPLENS_KEEPALIVE_INTERVAL", 30*time.Second),
		ConnectTimeout:       envDurationOr("SHOPLENS_CONNECT_TIMEOUT", 15*time.Second),
		ReconnectBaseDelay:   envDurationOr("SHOPLENS_RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    envDurationOr("SHOPLENS_RECONNECT_MAX_DELAY", 30*time.Second),
		MaxReconnectAttempts: envIntOr("SHOPLENS_MAX_RECONNECT_ATTEMPTS", 3),
		DevToolsURL:          envOr("SHOPLENS_DEVTOOLS_URL", "ws://127.0.0.1:9222/devtools/browser"),
		MaxAttachedTabs:      envIntOr("SHOPLENS_MAX_ATTACHED_TABS", 10),
		MaxMonitoredTabs:     envIntOr("SHOPLENS_MAX_MONITORED_TABS", 5),
		MonitorPollInterval:  envDurationOr("SHOPLENS_MONITOR_POLL_INTERVAL", time.Second),
		MonitorTimeout:       envDurationOr("SHOPLENS_MONITOR_TIMEOUT", 30*time.Second),
		AttachRetryLimit:     envIntOr("SHOPLENS_ATTACH_RETRY_LIMIT", 3),
		Strategy:             CaptureStrategy(envOr("SHOPLENS_CAPTURE_STRATEGY", string(CaptureStrategyDebugger))),
		CaptureFPS:           envFloat64Or("SHOPLENS_CAPTURE_FPS", 1.0),
		JPEGQuality:          envIntOr("SHOPLENS_JPEG_QUALITY", 80),
		SnapshotBackoff:      envDurationOr("SHOPLENS_SNAPSHOT_BACKOFF", 1500*time.Millisecond),
		AllowIncognito:       envBoolOr("SHOPLENS_ALLOW_INCOGNITO", false),
		AllowFileURLs:        envBoolOr("SHOPLENS_ALLOW_FILE_URLS", false),
		MaxCaptureFailures:   envIntOr("SHOPLENS_MAX_CAPTURE_FAILURES", 3),
		SpeechWindowSize:     envIntOr("SHOPLENS_SPEECH_WINDOW_SIZE", 10),
		SpeechThreshold:      envFloat64Or("SHOPLENS_SPEECH_THRESHOLD", 0.015),
		SilenceFallback:      envDurationOr("SHOPLENS_SILENCE_FALLBACK", 2000*time.Millisecond),
		AudioSampleRateHz:    envIntOr("SHOPLENS_AUDIO_SAMPLE_RATE_HZ", 16000),
		MetricsAddr:          envOr("SHOPLENS_METRICS_ADDR", ""),
		LogLevel:             envOr("SHOPLENS_LOG_LEVEL", "info"),
	}

	switch cfg.Strategy {
	case CaptureStrategyDebugger, CaptureStrategySnapshot:
	default:
		return Config{}, fmt.Errorf("SHOPLENS_CAPTURE_STRATEGY must be one of debugger|snapshot")
	}
	if strings.TrimSpace(cfg.BackendURL) == "" {
		return Config{}, fmt.Errorf("SHOPLENS_BACKEND_URL must not be empty")
	}
	if strings.TrimSpace(cfg.DevToolsURL) == "" {
		return Config{}, fmt.Errorf("SHOPLENS_DEVTOOLS_URL must not be empty")
	}
	if cfg.MaxAttachedTabs <= 0 {
		return Config{}, fmt.Errorf("SHOPLENS_MAX_ATTACHED_TABS must be positive")
	}
	if cfg.MaxMonitoredTabs <= 0 {
		return Config{}, fmt.Errorf("SHOPLENS_MAX_MONITORED_TABS must be positive")
	}
	if cfg.CaptureFPS <= 0 {
		return Config{}, fmt.Errorf("SHOPLENS_CAPTURE_FPS must be positive")
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return Config{}, fmt.Errorf("SHOPLENS_JPEG_QUALITY must be in 1..100")
	}
	if cfg.SpeechWindowSize <= 0 {
		return Config{}, fmt.Errorf("SHOPLENS_SPEECH_WINDOW_SIZE must be positive")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOr(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat64Or(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBoolOr(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
