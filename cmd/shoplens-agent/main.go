package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shoplens/shoplens/internal/dotenv"
	"github.com/shoplens/shoplens/internal/metrics"
	"github.com/shoplens/shoplens/pkg/browser/capture"
	"github.com/shoplens/shoplens/pkg/browser/cdp"
	"github.com/shoplens/shoplens/pkg/browser/tabs"
	"github.com/shoplens/shoplens/pkg/config"
	"github.com/shoplens/shoplens/pkg/gate"
	"github.com/shoplens/shoplens/pkg/live/session"
	"github.com/shoplens/shoplens/pkg/orchestrator"
)

type agentDeps struct {
	loadConfig   func() (config.Config, error)
	dialDevTools func(ctx context.Context, url string, logger *slog.Logger) (*cdp.Client, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAgentDeps() agentDeps {
	return agentDeps{
		loadConfig:   config.LoadFromEnv,
		dialDevTools: cdp.Dial,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func captureInterval(fps float64) time.Duration {
	if fps <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / fps)
}

func buildCapture(cfg config.Config, client *cdp.Client, host tabs.Host, manager *tabs.Manager) capture.Service {
	if cfg.Strategy == config.CaptureStrategySnapshot {
		return capture.NewSnapshotCapture(host, client, capture.NewHostResolver(host), capture.SnapshotConfig{
			Quality:        cfg.JPEGQuality,
			AllowIncognito: cfg.AllowIncognito,
			AllowFileURLs:  cfg.AllowFileURLs,
			Backoff:        cfg.SnapshotBackoff,
		}, nil)
	}
	return capture.NewDebuggerCapture(client, manager, cfg.JPEGQuality, nil)
}

func runAgent(ctx context.Context, logger *slog.Logger, deps agentDeps) error {
	if deps.loadConfig == nil || deps.dialDevTools == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m := metrics.New()

	client, err := deps.dialDevTools(ctx, cfg.DevToolsURL, logger)
	if err != nil {
		return fmt.Errorf("dial devtools: %w", err)
	}
	defer client.Close()

	host := tabs.NewCDPHost(client)
	if product, verr := host.Version(ctx); verr != nil {
		logger.Warn("browser version check failed", "error", verr)
	} else {
		logger.Info("devtools connected", "browser", product)
	}
	manager := tabs.NewManager(host, tabs.ManagerConfig{
		MaxAttachedTabs:  cfg.MaxAttachedTabs,
		AttachRetryLimit: cfg.AttachRetryLimit,
	}, logger, nil)
	manager.OnAttachFailure = func(_ target.ID, kind tabs.FailureKind) {
		m.AttachFailuresTotal.WithLabelValues(string(kind)).Inc()
	}
	manager.OnEviction = func(target.ID) {
		m.EvictionsTotal.Inc()
	}
	manager.OnPopulationChange = func(count int) {
		m.AttachedTabs.Set(float64(count))
	}
	monitor := tabs.NewMonitor(host, manager, tabs.MonitorConfig{
		PollInterval: cfg.MonitorPollInterval,
		Timeout:      cfg.MonitorTimeout,
		MaxWatches:   cfg.MaxMonitoredTabs,
	}, logger, nil)
	monitor.OnPopulationChange = func(count int) {
		m.MonitoredTabs.Set(float64(count))
	}
	manager.SetMonitor(monitor)
	if err := manager.RegisterEvents(client); err != nil {
		return fmt.Errorf("register tab events: %w", err)
	}

	// The orchestrator and session reference each other through callbacks;
	// the session is constructed first and the closures resolve at call time.
	var orch *orchestrator.Orchestrator

	sess, err := session.New(session.Config{
		URL:                  cfg.BackendURL,
		APIKey:               cfg.APIKey,
		Model:                cfg.Model,
		SystemInstruction:    cfg.SystemInstruction,
		ConnectTimeout:       cfg.ConnectTimeout,
		KeepaliveInterval:    cfg.KeepaliveInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, session.Dependencies{
		Logger: logger,
		Callbacks: session.Callbacks{
			OnStateChange: func(state session.State) {
				if orch != nil {
					orch.OnSessionState(state)
				}
			},
			OnTurnUpdate: func(text string) {
				logger.Debug("reply update", "chars", len(text))
			},
			OnTurnComplete: func(text string) {
				m.TurnsCompletedTotal.Inc()
				logger.Info("reply complete", "chars", len(text))
			},
			OnError: func(err error) {
				logger.Warn("session error", "error", err)
			},
			OnReconnectScheduled: func(attempt int, delay time.Duration) {
				m.ReconnectsTotal.Inc()
			},
			OnQueueFlushed: func(flushedAudio, droppedVideo int) {
				m.FramesTotal.WithLabelValues(metrics.OutcomeDroppedQueue).Add(float64(droppedVideo))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	speechGate := gate.New(sess, gate.Config{
		WindowSize:      cfg.SpeechWindowSize,
		Threshold:       cfg.SpeechThreshold,
		SilenceFallback: cfg.SilenceFallback,
	}, gate.Callbacks{}, logger, nil)

	service := buildCapture(cfg, client, host, manager)
	scheduler := capture.NewScheduler(service, capture.SchedulerConfig{
		Interval:               captureInterval(cfg.CaptureFPS),
		MaxConsecutiveFailures: cfg.MaxCaptureFailures,
		CaptureTimeout:         captureInterval(cfg.CaptureFPS),
	}, capture.SchedulerCallbacks{
		OnFrame: func(frame capture.Frame) {
			if orch != nil {
				orch.OnFrame(frame)
			}
		},
		OnMiss: func(count int) {
			logger.Debug("capture ticks missed", "count", count)
		},
		OnTerminal: func(reason string) {
			if orch != nil {
				orch.OnCaptureTerminal(reason)
			}
		},
		Recover: func(ctx context.Context) error {
			if orch == nil {
				return errors.New("pipeline not assembled")
			}
			return orch.RecoverCapture(ctx)
		},
	}, logger, nil)

	manager.OnTabSwitched = func(tabID target.ID) {
		scheduler.SkipNextTick()
	}

	orch, err = orchestrator.New(orchestrator.Config{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, orchestrator.Dependencies{
		Session:   sess,
		Tabs:      manager,
		ActiveTab: host,
		Scheduler: scheduler,
		Gate:      speechGate,
		Metrics:   m,
		Logger:    logger,
		Callbacks: orchestrator.Callbacks{
			OnStatus: func(status orchestrator.Status, reason string) {
				logger.Info("status changed", "status", status, "reason", reason)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	logger.Info("starting agent",
		"backend", cfg.BackendURL,
		"devtools", cfg.DevToolsURL,
		"strategy", cfg.Strategy)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("connect backend: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case <-ctx.Done():
		logger.Info("context canceled")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-client.Done():
		logger.Warn("devtools connection lost")
	}

	orch.Shutdown()
	monitor.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("agent stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps agentDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.Load(); err != nil {
		fmt.Fprintf(stderr, "shoplens-agent: %v\n", err)
		return 1
	}

	level := parseLogLevel(os.Getenv("SHOPLENS_LOG_LEVEL"))
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := runAgent(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "shoplens-agent: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultAgentDeps()))
}
