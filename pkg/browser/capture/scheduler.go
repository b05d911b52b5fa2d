package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// SchedulerConfig sets the capture cadence and failure budget.
type SchedulerConfig struct {
	// Interval between ticks, derived from the target capture rate.
	Interval time.Duration
	// MaxConsecutiveFailures is the strike budget before the scheduler
	// stops and reports a terminal failure.
	MaxConsecutiveFailures int
	// CaptureTimeout bounds one capture call.
	CaptureTimeout time.Duration
}

// SchedulerCallbacks receive scheduler outcomes. They run on the tick
// goroutine and must not block.
type SchedulerCallbacks struct {
	// OnFrame fires for each successful capture.
	OnFrame func(frame Frame)
	// OnMiss fires when drift correction detects skipped tick slots.
	OnMiss func(count int)
	// OnTerminal fires once when the failure budget is exhausted; the
	// scheduler has already stopped.
	OnTerminal func(reason string)
	// Recover attempts tab re-attachment after a recoverable failure.
	// Returning nil counts as recovered.
	Recover func(ctx context.Context) error
}

// Scheduler ticks at a fixed cadence, corrects for drift, skips the tick
// after a tab switch, and escalates repeated capture failures.
type Scheduler struct {
	service Service
	cfg     SchedulerConfig
	cb      SchedulerCallbacks
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.Mutex
	running       bool
	stop          chan struct{}
	skipNext      bool
	startedAt     time.Time
	tickIndex     int
	missedTicks   int
	consecFailure int
}

// NewScheduler builds a Scheduler.
func NewScheduler(service Service, cfg SchedulerConfig, cb SchedulerCallbacks, logger *slog.Logger, now func() time.Time) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = cfg.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		service: service,
		cfg:     cfg,
		cb:      cb,
		logger:  logger.With("component", "frame_scheduler"),
		now:     now,
	}
}

// Start begins ticking. Idempotent while running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.startedAt = s.now()
	s.tickIndex = 0
	s.missedTicks = 0
	s.consecFailure = 0
	go s.loop(s.stop)
}

// Stop halts ticking. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.stop = nil
}

// Running reports whether the scheduler is ticking.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SkipNextTick suppresses the single next capture, used right after a tab
// switch so no frame is taken mid-transition.
func (s *Scheduler) SkipNextTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipNext = true
}

// MissedTicks reports how many tick slots drift correction has recorded as
// missed since Start.
func (s *Scheduler) MissedTicks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missedTicks
}

func (s *Scheduler) loop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.tick() {
				return
			}
		}
	}
}

// tick runs one scheduled capture. Returns false when the scheduler
// stopped itself.
func (s *Scheduler) tick() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return false
	}

	// Drift correction: compare the wall-clock slot against the counted
	// slot and record any gap as misses without capturing for them.
	expected := int(s.now().Sub(s.startedAt) / s.cfg.Interval)
	if gap := expected - s.tickIndex - 1; gap > 0 {
		s.missedTicks += gap
		s.tickIndex += gap
		if s.cb.OnMiss != nil {
			go s.cb.OnMiss(gap)
		}
	}
	s.tickIndex++

	if s.skipNext {
		s.skipNext = false
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CaptureTimeout)
	frame, err := s.service.CaptureFrame(ctx)
	cancel()

	if err == nil {
		s.mu.Lock()
		s.consecFailure = 0
		s.mu.Unlock()
		if s.cb.OnFrame != nil {
			s.cb.OnFrame(frame)
		}
		return true
	}

	if errors.Is(err, ErrBackoff) {
		// Pre-emptive skip; not a strike.
		return true
	}

	if IsRecoverable(err) && s.cb.Recover != nil {
		recoverCtx, recoverCancel := context.WithTimeout(context.Background(), s.cfg.CaptureTimeout)
		recoverErr := s.cb.Recover(recoverCtx)
		recoverCancel()
		if recoverErr == nil {
			s.logger.Debug("capture recovered via re-attachment", "cause", err)
			return true
		}
		s.logger.Debug("re-attachment failed", "cause", err, "recover_error", recoverErr)
	}

	s.mu.Lock()
	s.consecFailure++
	strikes := s.consecFailure
	exhausted := strikes >= s.cfg.MaxConsecutiveFailures
	if exhausted {
		s.stopLocked()
	}
	s.mu.Unlock()

	s.logger.Warn("capture failed", "strikes", strikes, "error", err)
	if exhausted {
		if s.cb.OnTerminal != nil {
			s.cb.OnTerminal("capture-failed-terminal")
		}
		return false
	}
	return true
}
