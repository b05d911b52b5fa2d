package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shoplens/shoplens/internal/metrics"
	"github.com/shoplens/shoplens/pkg/browser/capture"
	"github.com/shoplens/shoplens/pkg/gate"
	"github.com/shoplens/shoplens/pkg/live/session"
)

type fakeLiveSession struct {
	mu        sync.Mutex
	ready     bool
	attempts  int
	audio     [][]byte
	video     [][]byte
	connected bool
}

func (s *fakeLiveSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *fakeLiveSession) Disconnect() {}

func (s *fakeLiveSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *fakeLiveSession) SendAudioChunk(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, data)
	return nil
}

func (s *fakeLiveSession) SendVideoFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.video = append(s.video, data)
	return nil
}

func (s *fakeLiveSession) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeLiveSession) videoCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.video)
}

func (s *fakeLiveSession) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

type fakeTabs struct {
	mu       sync.Mutex
	current  target.ID
	switched []target.ID
	err      error
}

func (t *fakeTabs) Current() target.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *fakeTabs) Attach(ctx context.Context, tabID target.ID) error { return t.err }

func (t *fakeTabs) SwitchTo(ctx context.Context, tabID target.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.switched = append(t.switched, tabID)
	t.current = tabID
	return nil
}

type fakeActive struct {
	id  target.ID
	err error
}

func (a fakeActive) ActiveTab(ctx context.Context) (target.ID, error) { return a.id, a.err }

type fakeSched struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	skips   int
}

func (s *fakeSched) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.starts++
}

func (s *fakeSched) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.stops++
}

func (s *fakeSched) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeSched) SkipNextTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skips++
}

type fakeGate struct {
	mu           sync.Mutex
	speechActive bool
	audioEnabled bool
	started      int
	ended        int
	levels       []float64
	audioNotes   int
	videoNotes   int
}

func (g *fakeGate) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.started++
	return nil
}

func (g *fakeGate) End() (gate.Utterance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ended++
	return gate.Utterance{}, nil
}

func (g *fakeGate) OnLevelSample(level float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.levels = append(g.levels, level)
}

func (g *fakeGate) SpeechActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speechActive
}

func (g *fakeGate) AudioEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.audioEnabled
}

func (g *fakeGate) NoteAudioChunk() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.audioNotes++
}

func (g *fakeGate) NoteVideoFrame() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.videoNotes++
}

func (g *fakeGate) SetPendingMessage(text string) {}

type pipeline struct {
	orch  *Orchestrator
	sess  *fakeLiveSession
	tabs  *fakeTabs
	sched *fakeSched
	gate  *fakeGate
}

func newPipeline(t *testing.T, active fakeActive, statuses *[]Status) *pipeline {
	t.Helper()
	p := &pipeline{
		sess:  &fakeLiveSession{},
		tabs:  &fakeTabs{},
		sched: &fakeSched{},
		gate:  &fakeGate{},
	}
	cb := Callbacks{}
	if statuses != nil {
		cb.OnStatus = func(status Status, reason string) {
			*statuses = append(*statuses, status)
		}
	}
	orch, err := New(Config{MaxReconnectAttempts: 3}, Dependencies{
		Session:   p.sess,
		Tabs:      p.tabs,
		ActiveTab: active,
		Scheduler: p.sched,
		Gate:      p.gate,
		Callbacks: cb,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	p.orch = orch
	return p
}

func TestFrameRelayedWhenAllGatesOpen(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	p.sess.ready = true
	p.gate.speechActive = true
	p.tabs.current = "tab-a"

	p.orch.OnFrame(capture.Frame{TabID: "tab-a", Data: []byte("jpg"), CapturedAt: time.Now()})

	if p.sess.videoCount() != 1 {
		t.Fatalf("video frames = %d, want 1", p.sess.videoCount())
	}
	if p.gate.videoNotes != 1 {
		t.Fatal("frame not counted against the utterance")
	}
}

func TestFrameFromPreviousTabDropped(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	p.sess.ready = true
	p.gate.speechActive = true
	p.tabs.current = "tab-b"

	// Captured on tab-a, but tab-b became current before the send.
	p.orch.OnFrame(capture.Frame{TabID: "tab-a", Data: []byte("jpg")})

	if p.sess.videoCount() != 0 {
		t.Fatal("stale-tab frame transmitted")
	}
}

func TestFrameDroppedWhenSpeechInactive(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	p.sess.ready = true
	p.gate.speechActive = false
	p.tabs.current = "tab-a"

	p.orch.OnFrame(capture.Frame{TabID: "tab-a", Data: []byte("jpg")})
	if p.sess.videoCount() != 0 {
		t.Fatal("frame transmitted while speech inactive")
	}
}

func TestFrameDroppedWhenSessionNotReady(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	p.sess.ready = false
	p.gate.speechActive = true
	p.tabs.current = "tab-a"

	p.orch.OnFrame(capture.Frame{TabID: "tab-a", Data: []byte("jpg")})
	if p.sess.videoCount() != 0 {
		t.Fatal("frame transmitted while session not ready")
	}
}

func TestAudioChunkFollowsGate(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	p.gate.audioEnabled = true

	p.orch.OnAudioChunk(make([]byte, 320))
	if p.sess.audioCount() != 1 || p.gate.audioNotes != 1 {
		t.Fatalf("audio = %d, notes = %d", p.sess.audioCount(), p.gate.audioNotes)
	}
	if len(p.gate.levels) != 1 {
		t.Fatal("level sample not derived from chunk")
	}

	p.gate.mu.Lock()
	p.gate.audioEnabled = false
	p.gate.mu.Unlock()
	p.orch.OnAudioChunk(make([]byte, 320))
	if p.sess.audioCount() != 1 {
		t.Fatal("audio transmitted while gate closed")
	}
	// Level detection still sees the chunk even when transmission is off.
	if len(p.gate.levels) != 2 {
		t.Fatal("level sample dropped with gate closed")
	}
}

func TestStartUtteranceAttachesActiveTabAndStartsScheduler(t *testing.T) {
	p := newPipeline(t, fakeActive{id: "tab-active"}, nil)

	if err := p.orch.StartUtterance(context.Background()); err != nil {
		t.Fatalf("start utterance: %v", err)
	}
	if p.gate.started != 1 {
		t.Fatal("gate not opened")
	}
	if p.tabs.Current() != "tab-active" {
		t.Fatalf("current = %s", p.tabs.Current())
	}
	if p.sched.starts != 1 {
		t.Fatal("scheduler not started")
	}
}

func TestStartUtteranceProceedsAudioOnlyWithoutTabs(t *testing.T) {
	p := newPipeline(t, fakeActive{err: errors.New("no open page tabs")}, nil)

	if err := p.orch.StartUtterance(context.Background()); err != nil {
		t.Fatalf("start utterance should not fail on attachment: %v", err)
	}
	if p.sched.starts != 1 {
		t.Fatal("scheduler should still start for when a tab appears")
	}
}

func TestEndUtteranceStopsSchedulerAndClosesGate(t *testing.T) {
	p := newPipeline(t, fakeActive{id: "tab-a"}, nil)
	if err := p.orch.StartUtterance(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := p.orch.EndUtterance(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if p.gate.ended != 1 {
		t.Fatal("gate not closed")
	}
	if p.sched.stops == 0 {
		t.Fatal("scheduler not stopped")
	}
}

func TestCaptureTerminalStopsStreaming(t *testing.T) {
	var statuses []Status
	p := newPipeline(t, fakeActive{id: "tab-a"}, &statuses)

	p.orch.OnCaptureTerminal("capture-failed-terminal")

	if !p.orch.Stopped() {
		t.Fatal("orchestrator not stopped")
	}
	if p.orch.Status() != StatusStopped {
		t.Fatalf("status = %s", p.orch.Status())
	}
	if len(statuses) != 1 || statuses[0] != StatusStopped {
		t.Fatalf("statuses = %v", statuses)
	}
	if err := p.orch.StartUtterance(context.Background()); err == nil {
		t.Fatal("utterances should be rejected after terminal stop")
	}
}

func TestSessionStateMapping(t *testing.T) {
	var statuses []Status
	p := newPipeline(t, fakeActive{}, &statuses)

	p.orch.OnSessionState(session.StateReady)
	if len(statuses) != 1 || statuses[0] != StatusConnected {
		t.Fatalf("statuses = %v", statuses)
	}

	// Closure with reconnect budget left stays silent.
	p.sess.mu.Lock()
	p.sess.attempts = 1
	p.sess.mu.Unlock()
	p.orch.OnSessionState(session.StateClosed)
	if len(statuses) != 1 {
		t.Fatalf("closure surfaced early: %v", statuses)
	}

	// Exhausted reconnects surface as disconnected.
	p.sess.mu.Lock()
	p.sess.attempts = 3
	p.sess.mu.Unlock()
	p.orch.OnSessionState(session.StateClosed)
	if len(statuses) != 2 || statuses[1] != StatusDisconnected {
		t.Fatalf("statuses = %v", statuses)
	}

	// Intermediate states never surface.
	p.orch.OnSessionState(session.StateConnecting)
	if len(statuses) != 2 {
		t.Fatalf("intermediate state surfaced: %v", statuses)
	}
}

func TestRecoverCaptureReattaches(t *testing.T) {
	p := newPipeline(t, fakeActive{id: "tab-next"}, nil)

	if err := p.orch.RecoverCapture(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if p.tabs.Current() != "tab-next" {
		t.Fatalf("current = %s", p.tabs.Current())
	}

	// With an attachment already current, recovery is a no-op.
	before := len(p.tabs.switched)
	if err := p.orch.RecoverCapture(context.Background()); err != nil {
		t.Fatalf("recover with current: %v", err)
	}
	if len(p.tabs.switched) != before {
		t.Fatal("recovery re-switched unnecessarily")
	}
}

func TestAudioOutcomeDistinguishesQueuedFromSent(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	p.orch.deps.Metrics = metrics.New()
	p.gate.audioEnabled = true

	// Pre-handshake: the session buffers the chunk.
	p.orch.OnAudioChunk(make([]byte, 320))

	p.sess.mu.Lock()
	p.sess.ready = true
	p.sess.mu.Unlock()
	p.orch.OnAudioChunk(make([]byte, 320))

	m := p.orch.deps.Metrics
	if got := testutil.ToFloat64(m.AudioChunksTotal.WithLabelValues(metrics.OutcomeQueued)); got != 1 {
		t.Fatalf("queued chunks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AudioChunksTotal.WithLabelValues(metrics.OutcomeSent)); got != 1 {
		t.Fatalf("sent chunks = %v, want 1", got)
	}
}

func TestFrameDropsCountedByReason(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	p.orch.deps.Metrics = metrics.New()
	p.sess.ready = true
	p.tabs.current = "tab-b"

	// Speech inactive.
	p.orch.OnFrame(capture.Frame{TabID: "tab-b", Data: []byte("jpg")})
	// Speech active but the frame belongs to a previous tab.
	p.gate.mu.Lock()
	p.gate.speechActive = true
	p.gate.mu.Unlock()
	p.orch.OnFrame(capture.Frame{TabID: "tab-a", Data: []byte("jpg")})

	m := p.orch.deps.Metrics
	if got := testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeDroppedGate)); got != 1 {
		t.Fatalf("gate drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FramesTotal.WithLabelValues(metrics.OutcomeDroppedTab)); got != 1 {
		t.Fatalf("tab drops = %v, want 1", got)
	}
}

type fakeClassifier struct {
	shopping bool
	calls    int
}

func (c *fakeClassifier) IsShoppingPage(ctx context.Context, url, title string) bool {
	c.calls++
	return c.shopping
}

func TestOnNavigationConsultsClassifier(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	classifier := &fakeClassifier{shopping: true}
	p.orch.deps.Classifier = classifier

	p.orch.OnNavigation(context.Background(), "https://shop.example/cart", "Cart")
	if classifier.calls != 1 {
		t.Fatalf("classifier calls = %d, want 1", classifier.calls)
	}
	if !p.orch.OnShoppingPage() {
		t.Fatal("shopping page not recorded")
	}

	classifier.shopping = false
	p.orch.OnNavigation(context.Background(), "https://news.example", "News")
	if p.orch.OnShoppingPage() {
		t.Fatal("classification not updated on navigation")
	}
}

func TestOnNavigationWithoutClassifierIsNoop(t *testing.T) {
	p := newPipeline(t, fakeActive{}, nil)
	p.orch.OnNavigation(context.Background(), "https://shop.example", "Shop")
	if p.orch.OnShoppingPage() {
		t.Fatal("classification changed without a classifier")
	}
}
