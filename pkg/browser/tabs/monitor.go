package tabs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

// MonitorConfig bounds the watch population and timing.
type MonitorConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
	MaxWatches   int
}

// MonitoredTab is one active restricted-URL watch.
type MonitoredTab struct {
	TabID     target.ID
	StartedAt time.Time
	Title     string
}

// Monitor polls restricted tabs until their URL becomes eligible or a hard
// timeout passes, then attempts a late attachment through the manager.
type Monitor struct {
	host   Host
	logger *slog.Logger
	now    func() time.Time
	cfg    MonitorConfig

	// attach performs the late attachment when a watched URL clears.
	attach func(ctx context.Context, tabID target.ID) error
	// clearFailures resets the tab's failure counters after success.
	clearFailures func(tabID target.ID)

	// OnPopulationChange reports the watch count after it changes. It may
	// run with the monitor lock held and must not call back in.
	OnPopulationChange func(count int)

	mu      sync.Mutex
	watches map[target.ID]*watch
}

type watch struct {
	tab    MonitoredTab
	cancel chan struct{}
}

// NewMonitor builds a Monitor bound to a manager's attach path.
func NewMonitor(host Host, manager *Manager, cfg MonitorConfig, logger *slog.Logger, now func() time.Time) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxWatches <= 0 {
		cfg.MaxWatches = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	m := &Monitor{
		host:    host,
		logger:  logger.With("component", "url_monitor"),
		now:     now,
		cfg:     cfg,
		watches: make(map[target.ID]*watch),
	}
	if manager != nil {
		m.attach = manager.Attach
		m.clearFailures = manager.Failures().Reset
	}
	return m
}

// CanWatch reports whether the watch population has capacity. Callers must
// check before handing off a restricted tab.
func (m *Monitor) CanWatch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches) < m.cfg.MaxWatches
}

// Watch starts polling one tab, cancelling any prior watch on the same tab.
func (m *Monitor) Watch(tabID target.ID, title string) error {
	m.mu.Lock()
	if prior, ok := m.watches[tabID]; ok {
		close(prior.cancel)
		delete(m.watches, tabID)
	}
	if len(m.watches) >= m.cfg.MaxWatches {
		m.mu.Unlock()
		return fmt.Errorf("monitor at capacity (%d watches)", m.cfg.MaxWatches)
	}
	w := &watch{
		tab: MonitoredTab{
			TabID:     tabID,
			StartedAt: m.now(),
			Title:     title,
		},
		cancel: make(chan struct{}),
	}
	m.watches[tabID] = w
	m.notifyPopulationLocked()
	m.mu.Unlock()

	m.logger.Info("watching restricted tab", "tab", tabID, "title", title)
	go m.run(w)
	return nil
}

// Watching reports whether a tab currently has a watch.
func (m *Monitor) Watching(tabID target.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[tabID]
	return ok
}

// Population returns the active watch count.
func (m *Monitor) Population() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// StopAll cancels every watch.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tabID, w := range m.watches {
		close(w.cancel)
		delete(m.watches, tabID)
	}
	m.notifyPopulationLocked()
}

func (m *Monitor) run(w *watch) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.cfg.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-w.cancel:
			return
		case <-deadline.C:
			m.stop(w.tab.TabID, w)
			m.logger.Info("watch timed out", "tab", w.tab.TabID)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollInterval)
			info, err := m.host.TabInfo(ctx, w.tab.TabID)
			cancel()
			if err != nil {
				// Tab likely closed; stop watching.
				m.stop(w.tab.TabID, w)
				m.logger.Debug("watched tab unreachable", "tab", w.tab.TabID, "error", err)
				return
			}
			if IsRestricted(info.URL) {
				continue
			}
			m.stop(w.tab.TabID, w)
			m.lateAttach(w.tab.TabID)
			return
		}
	}
}

func (m *Monitor) lateAttach(tabID target.ID) {
	if m.attach == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()
	if err := m.attach(ctx, tabID); err != nil {
		m.logger.Warn("late attachment failed", "tab", tabID, "error", err)
		return
	}
	if m.clearFailures != nil {
		m.clearFailures(tabID)
	}
	m.logger.Info("late attachment succeeded", "tab", tabID)
}

// stop removes the watch entry if it is still the active one for the tab.
func (m *Monitor) stop(tabID target.ID, w *watch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.watches[tabID]; ok && current == w {
		delete(m.watches, tabID)
		m.notifyPopulationLocked()
	}
}

func (m *Monitor) notifyPopulationLocked() {
	if m.OnPopulationChange != nil {
		m.OnPopulationChange(len(m.watches))
	}
}
