package gate

import (
	"math"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	mu    sync.Mutex
	calls []string
	turns []string
}

func (s *fakeSession) SendActivityStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "activity_start")
	return nil
}

func (s *fakeSession) SendActivityEnd() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "activity_end")
	return nil
}

func (s *fakeSession) SendUserTurn(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "user_turn")
	s.turns = append(s.turns, text)
	return nil
}

func (s *fakeSession) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestGate(session SessionControl, cb Callbacks) *Gate {
	g := New(session, Config{
		WindowSize:      3,
		Threshold:       0.1,
		SilenceFallback: time.Hour,
	}, cb, nil, nil)
	return g
}

func TestUtteranceLifecycle(t *testing.T) {
	session := &fakeSession{}
	fired := 0
	g := newTestGate(session, Callbacks{OnSpeechActive: func() { fired++ }})

	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !g.Open() || !g.AudioEnabled() {
		t.Fatal("gate not open after start")
	}
	if g.SpeechActive() {
		t.Fatal("speech active before any level sample")
	}

	// Quiet samples keep speech inactive.
	g.OnLevelSample(0.01)
	g.OnLevelSample(0.01)
	if g.SpeechActive() || fired != 0 {
		t.Fatal("quiet samples flipped speech active")
	}

	// Loud samples raise the rolling average past the threshold.
	g.OnLevelSample(0.5)
	g.OnLevelSample(0.5)
	if !g.SpeechActive() {
		t.Fatal("speech not active after loud samples")
	}
	if fired != 1 {
		t.Fatalf("transition fired %d times, want 1", fired)
	}

	// The transition is edge-triggered, once per utterance.
	g.OnLevelSample(0.9)
	g.OnLevelSample(0.9)
	if fired != 1 {
		t.Fatalf("transition re-fired: %d", fired)
	}

	g.NoteAudioChunk()
	g.NoteAudioChunk()
	g.NoteVideoFrame()

	summary, err := g.End()
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if g.Open() || g.AudioEnabled() || g.SpeechActive() {
		t.Fatal("gate state not cleared by end")
	}
	if summary.AudioChunks != 2 || summary.VideoFrames != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.ID == "" {
		t.Fatal("utterance id missing")
	}

	calls := session.snapshot()
	if len(calls) != 2 || calls[0] != "activity_start" || calls[1] != "activity_end" {
		t.Fatalf("session calls = %v", calls)
	}
}

func TestEndFlushesPendingMessageAfterActivityEnd(t *testing.T) {
	session := &fakeSession{}
	g := newTestGate(session, Callbacks{})

	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	g.SetPendingMessage("find me red sneakers")
	if _, err := g.End(); err != nil {
		t.Fatalf("end: %v", err)
	}

	calls := session.snapshot()
	want := []string{"activity_start", "activity_end", "user_turn"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	if session.turns[0] != "find me red sneakers" {
		t.Fatalf("turn text = %q", session.turns[0])
	}
}

func TestEndWithoutStartIsNoop(t *testing.T) {
	session := &fakeSession{}
	g := newTestGate(session, Callbacks{})

	if _, err := g.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if calls := session.snapshot(); len(calls) != 0 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestStartIdempotentWhileOpen(t *testing.T) {
	session := &fakeSession{}
	g := newTestGate(session, Callbacks{})

	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if calls := session.snapshot(); len(calls) != 1 {
		t.Fatalf("activity start sent %d times", len(calls))
	}
}

func TestRollingWindowBoundsOldSamples(t *testing.T) {
	g := newTestGate(&fakeSession{}, Callbacks{})
	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// One loud sample far in the past must not dominate once the window
	// slides past it.
	g.OnLevelSample(0.9)
	for i := 0; i < 3; i++ {
		g.OnLevelSample(0.0)
	}
	g.mu.Lock()
	levels := len(g.levels)
	g.mu.Unlock()
	if levels != 3 {
		t.Fatalf("window holds %d samples, want 3", levels)
	}
}

func TestSilenceFallbackFiresWhenNoLevelsArrive(t *testing.T) {
	session := &fakeSession{}
	fired := 0
	g := newTestGate(session, Callbacks{OnSpeechActive: func() { fired++ }})

	var fallback func()
	g.after = func(d time.Duration, f func()) *time.Timer {
		fallback = f
		return time.NewTimer(time.Hour)
	}

	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if fallback == nil {
		t.Fatal("fallback timer not armed")
	}

	fallback()
	if !g.SpeechActive() || fired != 1 {
		t.Fatalf("fallback did not fire transition: active=%v fired=%d", g.SpeechActive(), fired)
	}

	// The fallback never re-fires.
	fallback()
	if fired != 1 {
		t.Fatalf("fallback re-fired: %d", fired)
	}
}

func TestLevelSamplesDisarmSilenceFallback(t *testing.T) {
	session := &fakeSession{}
	fired := 0
	g := newTestGate(session, Callbacks{OnSpeechActive: func() { fired++ }})

	var fallback func()
	g.after = func(d time.Duration, f func()) *time.Timer {
		fallback = f
		return time.NewTimer(time.Hour)
	}

	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	g.OnLevelSample(0.01)

	// A late timer callback must defer to level-based detection.
	fallback()
	if g.SpeechActive() || fired != 0 {
		t.Fatal("fallback fired despite level samples")
	}
}

func TestRMSLevel(t *testing.T) {
	if got := RMSLevel(nil); got != 0 {
		t.Fatalf("empty pcm level = %v", got)
	}

	silence := make([]byte, 64)
	if got := RMSLevel(silence); got != 0 {
		t.Fatalf("silence level = %v", got)
	}

	// Full-scale square wave: alternating +32767 / -32768 samples.
	loud := make([]byte, 0, 64)
	for i := 0; i < 16; i++ {
		loud = append(loud, 0xFF, 0x7F, 0x00, 0x80)
	}
	if got := RMSLevel(loud); math.Abs(got-1.0) > 0.01 {
		t.Fatalf("full-scale level = %v, want ~1.0", got)
	}
}
