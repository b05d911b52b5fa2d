// Package gate marks utterance boundaries and derives the speech-active
// signal that media transmission is conditioned on.
package gate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionControl is the slice of the live session the gate drives.
type SessionControl interface {
	SendActivityStart() error
	SendActivityEnd() error
	SendUserTurn(text string) error
}

// Utterance summarizes one user speech interaction.
type Utterance struct {
	ID          string
	StartedAt   time.Time
	EndedAt     time.Time
	AudioChunks int
	VideoFrames int
}

// Duration returns the utterance length, or 0 while still open.
func (u Utterance) Duration() time.Duration {
	if u.EndedAt.IsZero() {
		return 0
	}
	return u.EndedAt.Sub(u.StartedAt)
}

// Config tunes speech detection.
type Config struct {
	// WindowSize is how many recent level samples the rolling average spans.
	WindowSize int
	// Threshold is the rolling-average level that flips speech active.
	Threshold float64
	// SilenceFallback arms a timer that fires the speech-active transition
	// when level-based detection never delivers samples.
	SilenceFallback time.Duration
}

// Callbacks are invoked from gate methods and timers.
type Callbacks struct {
	// OnSpeechActive fires exactly once per utterance, on the inactive to
	// active transition, and triggers the response-generation path.
	OnSpeechActive func()
}

// Gate gates outbound media on explicit utterance boundaries and on the
// speech-active signal.
type Gate struct {
	session SessionControl
	cfg     Config
	cb      Callbacks
	logger  *slog.Logger
	now     func() time.Time
	after   func(d time.Duration, f func()) *time.Timer

	mu            sync.Mutex
	open          bool
	audioEnabled  bool
	speechActive  bool
	levelsSeen    bool
	levels        []float64
	utterance     Utterance
	pendingText   string
	fallbackTimer *time.Timer
}

// New builds a Gate.
func New(session SessionControl, cfg Config, cb Callbacks, logger *slog.Logger, now func() time.Time) *Gate {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.015
	}
	if cfg.SilenceFallback <= 0 {
		cfg.SilenceFallback = 2000 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{
		session: session,
		cfg:     cfg,
		cb:      cb,
		logger:  logger.With("component", "utterance_gate"),
		now:     now,
		after:   time.AfterFunc,
	}
}

// Start opens the utterance: audio transmission is enabled, the backend is
// told the activity boundary began, and the silence fallback timer is armed.
func (g *Gate) Start() error {
	g.mu.Lock()
	if g.open {
		g.mu.Unlock()
		return nil
	}
	g.open = true
	g.audioEnabled = true
	g.speechActive = false
	g.levelsSeen = false
	g.levels = g.levels[:0]
	g.utterance = Utterance{ID: uuid.NewString(), StartedAt: g.now()}
	g.fallbackTimer = g.after(g.cfg.SilenceFallback, g.fallbackFire)
	g.mu.Unlock()

	return g.session.SendActivityStart()
}

// End closes the utterance: audio transmission stops, the backend is told
// the boundary ended, and a pending finalized user message (if any) goes
// out as one synthetic turn request. Returns the utterance summary.
func (g *Gate) End() (Utterance, error) {
	g.mu.Lock()
	if !g.open {
		u := g.utterance
		g.mu.Unlock()
		return u, nil
	}
	g.audioEnabled = false
	if g.fallbackTimer != nil {
		g.fallbackTimer.Stop()
		g.fallbackTimer = nil
	}
	pending := g.pendingText
	g.pendingText = ""
	g.utterance.EndedAt = g.now()
	summary := g.utterance
	g.mu.Unlock()

	err := g.session.SendActivityEnd()

	if pending != "" {
		if sendErr := g.session.SendUserTurn(pending); sendErr != nil && err == nil {
			err = sendErr
		}
	}

	g.mu.Lock()
	g.open = false
	g.speechActive = false
	g.mu.Unlock()

	g.logger.Info("utterance ended",
		"utterance", summary.ID,
		"duration", summary.Duration(),
		"audio_chunks", summary.AudioChunks,
		"video_frames", summary.VideoFrames)
	return summary, err
}

// SetPendingMessage stores a finalized user message to be flushed as a
// single turn request when the utterance ends.
func (g *Gate) SetPendingMessage(text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingText = text
}

// OnLevelSample feeds one audio-level sample into the rolling window. The
// inactive to active transition fires at most once per utterance.
func (g *Gate) OnLevelSample(level float64) {
	g.mu.Lock()
	if !g.open {
		g.mu.Unlock()
		return
	}
	// Level-based detection is available; the silence fallback stands down.
	if !g.levelsSeen {
		g.levelsSeen = true
		if g.fallbackTimer != nil {
			g.fallbackTimer.Stop()
			g.fallbackTimer = nil
		}
	}

	g.levels = append(g.levels, level)
	if len(g.levels) > g.cfg.WindowSize {
		g.levels = g.levels[len(g.levels)-g.cfg.WindowSize:]
	}
	var sum float64
	for _, sample := range g.levels {
		sum += sample
	}
	avg := sum / float64(len(g.levels))

	fire := avg >= g.cfg.Threshold && !g.speechActive
	if fire {
		g.speechActive = true
	}
	g.mu.Unlock()

	if fire {
		g.logger.Debug("speech active", "avg_level", avg)
		if g.cb.OnSpeechActive != nil {
			g.cb.OnSpeechActive()
		}
	}
}

// fallbackFire runs when no level samples arrived within the fallback
// window; it fires the same transition level detection would have.
func (g *Gate) fallbackFire() {
	g.mu.Lock()
	fire := g.open && !g.levelsSeen && !g.speechActive
	if fire {
		g.speechActive = true
	}
	g.fallbackTimer = nil
	g.mu.Unlock()

	if fire {
		g.logger.Debug("speech active via silence fallback")
		if g.cb.OnSpeechActive != nil {
			g.cb.OnSpeechActive()
		}
	}
}

// NoteAudioChunk counts one transmitted audio chunk.
func (g *Gate) NoteAudioChunk() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.utterance.AudioChunks++
}

// NoteVideoFrame counts one transmitted video frame.
func (g *Gate) NoteVideoFrame() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.utterance.VideoFrames++
}

// Open reports whether an utterance is in progress.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// AudioEnabled reports whether audio chunks may be transmitted.
func (g *Gate) AudioEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.audioEnabled
}

// SpeechActive reports whether the speech-active signal has fired for the
// current utterance.
func (g *Gate) SpeechActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.speechActive
}
