// Package orchestrator wires the live session, tab attachments, frame
// scheduling, and the utterance gate into one streaming pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/target"

	"github.com/shoplens/shoplens/internal/metrics"
	"github.com/shoplens/shoplens/pkg/browser/capture"
	"github.com/shoplens/shoplens/pkg/gate"
	"github.com/shoplens/shoplens/pkg/live/session"
)

// Status is the coarse user-visible connection state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusStopped      Status = "stopped"
)

// LiveSession is the slice of the backend session the orchestrator drives.
type LiveSession interface {
	Connect(ctx context.Context) error
	Disconnect()
	Ready() bool
	SendAudioChunk(data []byte) error
	SendVideoFrame(data []byte) error
	ReconnectAttempts() int
}

// TabControl is the slice of the tab manager the orchestrator drives.
type TabControl interface {
	Current() target.ID
	Attach(ctx context.Context, tabID target.ID) error
	SwitchTo(ctx context.Context, tabID target.ID) error
}

// ActiveTabSource resolves the browser's foreground tab.
type ActiveTabSource interface {
	ActiveTab(ctx context.Context) (target.ID, error)
}

// FrameScheduler is the slice of the scheduler the orchestrator drives.
type FrameScheduler interface {
	Start()
	Stop()
	Running() bool
	SkipNextTick()
}

// UtteranceGate is the slice of the gate the orchestrator drives.
type UtteranceGate interface {
	Start() error
	End() (gate.Utterance, error)
	OnLevelSample(level float64)
	SpeechActive() bool
	AudioEnabled() bool
	NoteAudioChunk()
	NoteVideoFrame()
	SetPendingMessage(text string)
}

// PageClassifier decides whether a page is a shopping context worth
// streaming; page metadata extraction itself lives with the host.
type PageClassifier interface {
	IsShoppingPage(ctx context.Context, url, title string) bool
}

// Callbacks surface orchestrator-level outcomes to the host UI.
type Callbacks struct {
	OnStatus func(status Status, reason string)
}

// Config carries the knobs the orchestrator needs from the session config.
type Config struct {
	MaxReconnectAttempts int
}

// Dependencies inject every collaborator. Classifier and Metrics are
// optional.
type Dependencies struct {
	Session    LiveSession
	Tabs       TabControl
	ActiveTab  ActiveTabSource
	Scheduler  FrameScheduler
	Gate       UtteranceGate
	Classifier PageClassifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Callbacks  Callbacks
}

// Orchestrator composes the streaming pipeline.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger

	mu           sync.Mutex
	stopped      bool
	reason       string
	status       Status
	shoppingPage bool
}

// New builds an Orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if deps.Tabs == nil {
		return nil, fmt.Errorf("tab control is required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if deps.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With("component", "orchestrator"),
		status: StatusDisconnected,
	}, nil
}

// Start connects the backend session.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.deps.Session.Connect(ctx)
}

// Shutdown tears the pipeline down.
func (o *Orchestrator) Shutdown() {
	o.deps.Scheduler.Stop()
	o.deps.Session.Disconnect()
}

// StartUtterance opens the gate, ensures a live attachment on the active
// tab, and starts the frame scheduler.
func (o *Orchestrator) StartUtterance(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		reason := o.reason
		o.mu.Unlock()
		return fmt.Errorf("streaming stopped: %s", reason)
	}
	o.mu.Unlock()

	if err := o.deps.Gate.Start(); err != nil {
		o.log.Warn("activity start not delivered", "error", err)
	}
	if err := o.ensureAttachment(ctx); err != nil {
		// Streaming proceeds audio-only; attachment may recover later.
		o.log.Warn("no tab attachment at utterance start", "error", err)
	}
	o.deps.Scheduler.Start()
	return nil
}

// EndUtterance closes the gate and flushes any pending finalized text. The
// session then awaits turn completion; replies surface via the turn
// aggregator callbacks.
func (o *Orchestrator) EndUtterance() (gate.Utterance, error) {
	o.deps.Scheduler.Stop()
	return o.deps.Gate.End()
}

// OnAudioChunk accepts one PCM chunk from the external audio pipeline. The
// chunk feeds level detection and, while the gate allows audio, the session.
func (o *Orchestrator) OnAudioChunk(pcm []byte) {
	o.deps.Gate.OnLevelSample(gate.RMSLevel(pcm))
	if !o.deps.Gate.AudioEnabled() {
		return
	}
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return
	}
	if err := o.deps.Session.SendAudioChunk(pcm); err != nil {
		o.count(o.deps.Metrics, func(m *metrics.Metrics) {
			m.AudioChunksTotal.WithLabelValues("error").Inc()
		})
		return
	}
	o.deps.Gate.NoteAudioChunk()
	// Before the handshake ack the session buffers the chunk instead of
	// transmitting it.
	outcome := metrics.OutcomeSent
	if !o.deps.Session.Ready() {
		outcome = metrics.OutcomeQueued
	}
	o.count(o.deps.Metrics, func(m *metrics.Metrics) {
		m.AudioChunksTotal.WithLabelValues(outcome).Inc()
	})
}

// OnFrame relays one captured frame. A frame is transmitted only when the
// connection is ready, speech is active, and the frame still belongs to
// the current tab at send time.
func (o *Orchestrator) OnFrame(frame capture.Frame) {
	if !o.deps.Session.Ready() || !o.deps.Gate.SpeechActive() {
		o.count(o.deps.Metrics, func(m *metrics.Metrics) {
			m.FramesTotal.WithLabelValues(metrics.OutcomeDroppedGate).Inc()
		})
		return
	}
	if o.deps.Tabs.Current() != frame.TabID {
		// Captured mid-tab-switch; never transmitted.
		o.count(o.deps.Metrics, func(m *metrics.Metrics) {
			m.FramesTotal.WithLabelValues(metrics.OutcomeDroppedTab).Inc()
		})
		return
	}
	if err := o.deps.Session.SendVideoFrame(frame.Data); err != nil {
		o.log.Debug("frame send failed", "error", err)
		return
	}
	o.deps.Gate.NoteVideoFrame()
	o.count(o.deps.Metrics, func(m *metrics.Metrics) {
		m.FramesTotal.WithLabelValues(metrics.OutcomeSent).Inc()
	})
}

// RecoverCapture re-establishes an attachment after a recoverable capture
// failure; the scheduler retries on its next tick.
func (o *Orchestrator) RecoverCapture(ctx context.Context) error {
	return o.ensureAttachment(ctx)
}

// OnCaptureTerminal stops streaming after the scheduler exhausts its
// failure budget.
func (o *Orchestrator) OnCaptureTerminal(reason string) {
	o.mu.Lock()
	o.stopped = true
	o.reason = reason
	o.status = StatusStopped
	o.mu.Unlock()

	o.deps.Scheduler.Stop()
	o.log.Error("streaming stopped", "reason", reason)
	if o.deps.Callbacks.OnStatus != nil {
		o.deps.Callbacks.OnStatus(StatusStopped, reason)
	}
}

// OnSessionState maps session states onto the coarse user-visible status.
// Unexpected closures stay silent until reconnect attempts are exhausted.
func (o *Orchestrator) OnSessionState(state session.State) {
	var next Status
	switch state {
	case session.StateReady:
		next = StatusConnected
	case session.StateClosed:
		if o.deps.Session.ReconnectAttempts() < o.cfg.MaxReconnectAttempts {
			return
		}
		next = StatusDisconnected
	default:
		return
	}

	o.mu.Lock()
	if o.stopped || o.status == next {
		o.mu.Unlock()
		return
	}
	o.status = next
	o.mu.Unlock()

	o.count(o.deps.Metrics, func(m *metrics.Metrics) {
		if next == StatusConnected {
			m.ConnectionState.Set(1)
		} else {
			m.ConnectionState.Set(0)
		}
	})
	if o.deps.Callbacks.OnStatus != nil {
		o.deps.Callbacks.OnStatus(next, "")
	}
}

// OnNavigation reclassifies the page after the tracked tab navigates.
// Hosts call it with the new URL and title; without a classifier every
// page streams.
func (o *Orchestrator) OnNavigation(ctx context.Context, url, title string) {
	if o.deps.Classifier == nil {
		return
	}
	shopping := o.deps.Classifier.IsShoppingPage(ctx, url, title)
	o.mu.Lock()
	changed := o.shoppingPage != shopping
	o.shoppingPage = shopping
	o.mu.Unlock()
	if changed {
		o.log.Info("page classification changed", "shopping", shopping, "url", url)
	}
}

// OnShoppingPage reports the most recent navigation's classification. It
// defaults to false until a classifier sees a navigation.
func (o *Orchestrator) OnShoppingPage() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shoppingPage
}

// Status returns the current coarse status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Stopped reports whether streaming hit a terminal stop.
func (o *Orchestrator) Stopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *Orchestrator) ensureAttachment(ctx context.Context) error {
	if o.deps.Tabs.Current() != "" {
		return nil
	}
	if o.deps.ActiveTab == nil {
		return fmt.Errorf("no active tab source")
	}
	active, err := o.deps.ActiveTab.ActiveTab(ctx)
	if err != nil {
		return fmt.Errorf("resolve active tab: %w", err)
	}
	return o.deps.Tabs.SwitchTo(ctx, active)
}

func (o *Orchestrator) count(m *metrics.Metrics, fn func(*metrics.Metrics)) {
	if m != nil {
		fn(m)
	}
}
