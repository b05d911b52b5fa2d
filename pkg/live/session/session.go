// Package session owns the duplex connection to the realtime backend:
// handshake, pre-handshake buffering, keepalive, reconnection backoff, and
// outbound media framing.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shoplens/shoplens/pkg/live/protocol"
)

// State is the connection lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateAwaitingHandshake
	StateReady
	StateClosing
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAwaitingHandshake:
		return "AWAITING_HANDSHAKE"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is the subset of the websocket connection the session uses.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Dialer opens a Conn to the backend.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// Config holds session tunables.
type Config struct {
	URL               string
	APIKey            string
	Model             string
	SystemInstruction string

	ConnectTimeout       time.Duration
	KeepaliveInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// Callbacks are invoked from session goroutines. They must not call back
// into the session synchronously while blocking.
type Callbacks struct {
	OnStateChange  func(State)
	OnTurnUpdate   func(text string)
	OnTurnComplete func(text string)
	OnError        func(err error)
	// OnReconnectScheduled fires once per armed reconnect timer.
	OnReconnectScheduled func(attempt int, delay time.Duration)
	// OnQueueFlushed reports the pre-handshake buffer disposition on
	// handshake ack: audio chunks flushed in order, stale video discarded.
	OnQueueFlushed func(flushedAudio, droppedVideo int)
}

// Dependencies injects collaborators; zero values get defaults.
type Dependencies struct {
	Dialer    Dialer
	Logger    *slog.Logger
	Callbacks Callbacks
	Now       func() time.Time
	// AfterFunc schedules reconnect timers; overridable in tests.
	AfterFunc func(d time.Duration, f func()) *time.Timer
}

// Session is the one live connection to the backend. All shared state is
// guarded by mu; outbound writes happen under mu so enqueue order equals
// transmit order.
type Session struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger
	cb     Callbacks
	now    func() time.Time
	after  func(d time.Duration, f func()) *time.Timer

	turns *Aggregator

	mu                sync.Mutex
	state             State
	conn              Conn
	epoch             int
	manualStop        bool
	handshakeDone     bool
	activeUtterance   bool
	reconnectAttempts int
	pendingAudio      [][]byte
	pendingVideo      [][]byte
	reconnectTimer    *time.Timer
	keepaliveStop     chan struct{}
}

// New builds a Session. The aggregator is owned by the session and fed from
// its read loop.
func New(cfg Config, deps Dependencies) (*Session, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if deps.Dialer == nil {
		deps.Dialer = wsDialer{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = time.AfterFunc
	}

	s := &Session{
		cfg:    cfg,
		dialer: deps.Dialer,
		logger: deps.Logger.With("component", "live_session"),
		cb:     deps.Callbacks,
		now:    deps.Now,
		after:  deps.AfterFunc,
		state:  StateIdle,
	}
	s.turns = NewAggregator(AggregatorCallbacks{
		OnUpdate:   deps.Callbacks.OnTurnUpdate,
		OnComplete: deps.Callbacks.OnTurnComplete,
	}, s.logger)
	return s, nil
}

// Turns exposes the session's aggregator for external final deliveries
// (for example the REST completion fallback).
func (s *Session) Turns() *Aggregator {
	return s.turns
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether media can be transmitted immediately.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady && s.handshakeDone
}

// Connect opens the transport and starts the handshake. It is idempotent
// while a connection is open or being opened.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateConnected, StateAwaitingHandshake, StateReady:
		s.mu.Unlock()
		return nil
	}
	s.manualStop = false
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	header := make(http.Header)
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	conn, err := s.dialer.DialContext(dialCtx, s.cfg.URL, header)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateClosed)
		s.scheduleReconnectLocked()
		s.mu.Unlock()
		return fmt.Errorf("connect backend: %w", err)
	}

	s.mu.Lock()
	if s.manualStop {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("session stopped during connect")
	}
	s.conn = conn
	s.epoch++
	epoch := s.epoch
	s.handshakeDone = false
	s.reconnectAttempts = 0
	s.setStateLocked(StateConnected)

	setup := protocol.NewSetup(s.cfg.Model, s.cfg.SystemInstruction)
	if err := conn.WriteJSON(setup); err != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("send setup: %w", err)
	}
	s.setStateLocked(StateAwaitingHandshake)
	stop := make(chan struct{})
	s.keepaliveStop = stop
	s.mu.Unlock()

	go s.readLoop(conn, epoch)
	go s.keepaliveLoop(conn, epoch, stop)
	return nil
}

// SendAudioChunk transmits a PCM chunk, or queues it while the handshake is
// outstanding. Queued audio is flushed in arrival order on handshake ack.
func (s *Session) SendAudioChunk(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transmittableLocked() {
		s.pendingAudio = append(s.pendingAudio, data)
		return nil
	}
	return s.writeLocked(protocol.NewAudioFrame(data))
}

// SendVideoFrame transmits a JPEG frame, or queues it while the handshake is
// outstanding. Queued video is discarded on handshake ack; stale frames are
// worse than missing ones.
func (s *Session) SendVideoFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transmittableLocked() {
		s.pendingVideo = append(s.pendingVideo, data)
		return nil
	}
	return s.writeLocked(protocol.NewVideoFrame(data))
}

// SendActivityStart marks the start of a user utterance. No-op before the
// handshake completes.
func (s *Session) SendActivityStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transmittableLocked() {
		return nil
	}
	s.activeUtterance = true
	return s.writeLocked(protocol.NewActivityStart())
}

// SendActivityEnd marks the end of a user utterance. No-op before the
// handshake completes.
func (s *Session) SendActivityEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transmittableLocked() {
		return nil
	}
	s.activeUtterance = false
	return s.writeLocked(protocol.NewActivityEnd())
}

// SendUserTurn sends one finalized user message as a turn request.
func (s *Session) SendUserTurn(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transmittableLocked() {
		return fmt.Errorf("session not ready for turn request (state %s)", s.state)
	}
	return s.writeLocked(protocol.NewUserTurn(text))
}

// SendHistory seeds prior conversation turns into the session.
func (s *Session) SendHistory(turns []protocol.Content) error {
	for _, turn := range turns {
		if err := protocol.ValidateContent(turn); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.transmittableLocked() {
		return fmt.Errorf("session not ready for history (state %s)", s.state)
	}
	return s.writeLocked(protocol.NewHistory(turns))
}

// Disconnect is a terminal, idempotent manual stop. No reconnect will be
// attempted afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.manualStop = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveStop = nil
	}
	conn := s.conn
	s.conn = nil
	s.pendingAudio = nil
	s.pendingVideo = nil
	s.activeUtterance = false
	s.handshakeDone = false
	if s.state != StateClosed {
		s.setStateLocked(StateClosing)
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.turns.Discard()

	s.mu.Lock()
	if s.state != StateClosed {
		s.setStateLocked(StateClosed)
	}
	s.mu.Unlock()
}

// ReconnectAttempts reports the bounded reconnect counter.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// PendingQueueSizes reports the pre-handshake buffer depths.
func (s *Session) PendingQueueSizes() (audio, video int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingAudio), len(s.pendingVideo)
}

func (s *Session) transmittableLocked() bool {
	return s.handshakeDone && s.conn != nil && s.state == StateReady
}

func (s *Session) writeLocked(v any) error {
	if s.conn == nil {
		return fmt.Errorf("transport not open")
	}
	if err := s.conn.WriteJSON(v); err != nil {
		s.emitError(fmt.Errorf("transport write: %w", err))
		return err
	}
	return nil
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.cb.OnStateChange != nil {
		go s.cb.OnStateChange(next)
	}
}

func (s *Session) emitError(err error) {
	if s.cb.OnError != nil {
		go s.cb.OnError(err)
	}
}

func (s *Session) readLoop(conn Conn, epoch int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(epoch, err)
			return
		}
		msg, decodeErr := protocol.DecodeServerMessage(data)
		if decodeErr != nil {
			// Malformed payloads are dropped per message, never fatal.
			s.logger.Debug("dropping malformed inbound payload", "error", decodeErr)
			continue
		}
		if msg.SetupComplete {
			s.completeHandshake(epoch)
			continue
		}
		s.turns.OnMessage(msg)
	}
}

// completeHandshake flips the session to READY, flushes queued audio in
// arrival order, and discards queued video.
func (s *Session) completeHandshake(epoch int) {
	s.mu.Lock()
	if s.epoch != epoch || s.handshakeDone || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.handshakeDone = true
	s.setStateLocked(StateReady)

	audio := s.pendingAudio
	s.pendingAudio = nil
	dropped := len(s.pendingVideo)
	s.pendingVideo = nil

	var flushErr error
	for _, chunk := range audio {
		if err := s.writeLocked(protocol.NewAudioFrame(chunk)); err != nil {
			flushErr = err
			break
		}
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Info("discarded stale pre-handshake video frames", "count", dropped)
	}
	if flushErr != nil {
		s.logger.Warn("pending audio flush interrupted", "error", flushErr)
	}
	if s.cb.OnQueueFlushed != nil && (len(audio) > 0 || dropped > 0) {
		go s.cb.OnQueueFlushed(len(audio), dropped)
	}
	s.logger.Info("handshake complete", "flushed_audio", len(audio))
}

func (s *Session) keepaliveLoop(conn Conn, epoch int, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			live := s.epoch == epoch && s.conn != nil && !s.manualStop
			if live {
				_ = s.writeLocked(protocol.NewKeepalive())
			}
			s.mu.Unlock()
			if !live {
				return
			}
		}
	}
}

// handleClose runs once per transport closure. It clears timers and queues,
// flips to CLOSED, discards any open turn, and schedules reconnection unless
// the closure was a manual stop.
func (s *Session) handleClose(epoch int, cause error) {
	s.mu.Lock()
	if s.epoch != epoch {
		// A newer connection owns the session now.
		s.mu.Unlock()
		return
	}
	manual := s.manualStop
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		s.keepaliveStop = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.pendingAudio = nil
	s.pendingVideo = nil
	s.handshakeDone = false
	s.activeUtterance = false
	s.setStateLocked(StateClosed)
	if !manual {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	// Partial replies are never surfaced as final.
	s.turns.Discard()

	if !manual && cause != nil {
		s.logger.Warn("transport closed unexpectedly", "error", cause)
	}
}

// scheduleReconnectLocked arms the backoff timer. Caller holds mu.
func (s *Session) scheduleReconnectLocked() {
	if s.manualStop || s.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
		if !s.manualStop {
			s.logger.Warn("reconnect attempts exhausted", "attempts", s.reconnectAttempts)
		}
		return
	}
	delay := s.reconnectDelayLocked()
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	if s.cb.OnReconnectScheduled != nil {
		go s.cb.OnReconnectScheduled(attempt, delay)
	}
	s.reconnectTimer = s.after(delay, func() {
		s.mu.Lock()
		stopped := s.manualStop
		s.reconnectTimer = nil
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := s.Connect(context.Background()); err != nil {
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		}
	})
}

func (s *Session) reconnectDelayLocked() time.Duration {
	factor := math.Pow(2, float64(s.reconnectAttempts))
	delay := time.Duration(factor * float64(s.cfg.ReconnectBaseDelay))
	if delay > s.cfg.ReconnectMaxDelay || delay <= 0 {
		delay = s.cfg.ReconnectMaxDelay
	}
	return delay
}
