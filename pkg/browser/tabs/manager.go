// Package tabs holds debugger attachments open against browser tabs:
// attach/detach lifecycle, a population cap with LRU eviction, failure
// classification, and recovery when tabs close underneath us.
package tabs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/target"

	"github.com/shoplens/shoplens/pkg/browser/cdp"
)

// ErrRestricted reports that a tab was handed to the URL monitor instead of
// being attached.
var ErrRestricted = fmt.Errorf("tab url is restricted, watching for eligibility")

// ErrSwitchInProgress reports an overlapping switch attempt.
var ErrSwitchInProgress = fmt.Errorf("tab switch already in progress")

// AttachedTab is one live debugger attachment.
type AttachedTab struct {
	TabID          target.ID
	SessionID      target.SessionID
	AttachedAt     time.Time
	LastAccessedAt time.Time
}

// ManagerConfig bounds the attachment population and retry policy.
type ManagerConfig struct {
	MaxAttachedTabs  int
	AttachRetryLimit int
}

// Manager owns the attachment map. The map is mutated from switch calls,
// tab-destroyed events, debugger-detach events, and cleanup; every mutation
// is a single locked read-modify-write.
type Manager struct {
	host     Host
	monitor  *Monitor
	logger   *slog.Logger
	now      func() time.Time
	cfg      ManagerConfig
	failures *FailureCounters

	// OnTabSwitched fires after currentTabID repoints; the scheduler uses
	// it to skip the next capture tick.
	OnTabSwitched func(tabID target.ID)
	// OnAttachFailure fires once per classified attachment failure. It may
	// run with the manager lock held and must not call back in.
	OnAttachFailure func(tabID target.ID, kind FailureKind)
	// OnEviction fires after an LRU eviction, under the same constraint.
	OnEviction func(tabID target.ID)
	// OnPopulationChange reports the attachment count after it changes,
	// under the same constraint.
	OnPopulationChange func(count int)

	mu               sync.Mutex
	attached         map[target.ID]*AttachedTab
	bySession        map[target.SessionID]target.ID
	currentTabID     target.ID
	switchInProgress bool
	cleaningUp       bool
	subscribed       bool
}

// NewManager builds a Manager.
func NewManager(host Host, cfg ManagerConfig, logger *slog.Logger, now func() time.Time) *Manager {
	if cfg.MaxAttachedTabs <= 0 {
		cfg.MaxAttachedTabs = 10
	}
	if cfg.AttachRetryLimit <= 0 {
		cfg.AttachRetryLimit = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		host:      host,
		logger:    logger.With("component", "tab_manager"),
		now:       now,
		cfg:       cfg,
		failures:  NewFailureCounters(),
		attached:  make(map[target.ID]*AttachedTab),
		bySession: make(map[target.SessionID]target.ID),
	}
}

// SetMonitor wires the restricted-URL monitor. The monitor attaches back
// through this manager when a watched tab becomes eligible.
func (m *Manager) SetMonitor(monitor *Monitor) {
	m.monitor = monitor
}

// RegisterEvents subscribes the manager's event handlers exactly once
// process-wide. A second call is an error.
func (m *Manager) RegisterEvents(client *cdp.Client) error {
	m.mu.Lock()
	if m.subscribed {
		m.mu.Unlock()
		return fmt.Errorf("tab manager events already registered")
	}
	m.subscribed = true
	m.mu.Unlock()

	if err := client.Subscribe("tabs", string(cdproto.EventTargetTargetDestroyed), func(_ target.SessionID, params json.RawMessage) {
		var ev target.EventTargetDestroyed
		if err := json.Unmarshal(params, &ev); err != nil {
			return
		}
		go m.HandleTabClosed(context.Background(), ev.TargetID)
	}); err != nil {
		return err
	}
	if err := client.Subscribe("tabs", string(cdproto.EventTargetDetachedFromTarget), func(_ target.SessionID, params json.RawMessage) {
		var ev target.EventDetachedFromTarget
		if err := json.Unmarshal(params, &ev); err != nil {
			return
		}
		m.HandleDetached(ev.SessionID, "target_detached")
	}); err != nil {
		return err
	}
	return client.Subscribe("tabs", string(cdproto.EventInspectorDetached), func(sessionID target.SessionID, params json.RawMessage) {
		var ev inspector.EventDetached
		reason := "inspector_detached"
		if err := json.Unmarshal(params, &ev); err == nil && ev.Reason != "" {
			reason = string(ev.Reason)
		}
		m.HandleDetached(sessionID, reason)
	})
}

// Attach ensures a live attachment on a tab. Already-attached tabs are a
// no-op success. On success the tab becomes current.
func (m *Manager) Attach(ctx context.Context, tabID target.ID) error {
	m.mu.Lock()
	if tab, ok := m.attached[tabID]; ok {
		tab.LastAccessedAt = m.now()
		m.currentTabID = tabID
		m.mu.Unlock()
		return nil
	}
	if err := m.makeRoomLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	sessionID, err := m.attachWithRetry(ctx, tabID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	// Capacity may have changed while the attach handshake ran.
	if len(m.attached) >= m.cfg.MaxAttachedTabs {
		if evictErr := m.evictLRULocked(ctx); evictErr != nil {
			m.mu.Unlock()
			_ = m.host.Detach(ctx, sessionID)
			return evictErr
		}
	}
	now := m.now()
	m.attached[tabID] = &AttachedTab{
		TabID:          tabID,
		SessionID:      sessionID,
		AttachedAt:     now,
		LastAccessedAt: now,
	}
	m.bySession[sessionID] = tabID
	m.currentTabID = tabID
	m.notifyPopulationLocked()
	m.mu.Unlock()

	m.failures.Reset(tabID)
	m.logger.Info("attached to tab", "tab", tabID)
	return nil
}

// SwitchTo makes a tab current, attaching first when needed. Restricted
// tabs are handed to the URL monitor instead of failing outright.
func (m *Manager) SwitchTo(ctx context.Context, tabID target.ID) error {
	m.mu.Lock()
	if m.switchInProgress {
		m.mu.Unlock()
		return ErrSwitchInProgress
	}
	if tab, ok := m.attached[tabID]; ok {
		tab.LastAccessedAt = m.now()
		m.currentTabID = tabID
		m.mu.Unlock()
		m.notifySwitched(tabID)
		return nil
	}
	m.switchInProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.switchInProgress = false
		m.mu.Unlock()
	}()

	info, err := m.host.TabInfo(ctx, tabID)
	if err != nil {
		m.recordFailure(tabID, Classify(err))
		return fmt.Errorf("tab eligibility check: %w", err)
	}
	if IsRestricted(info.URL) {
		return m.handOffRestricted(tabID, info.Title)
	}

	if err := m.Attach(ctx, tabID); err != nil {
		kind := Classify(err)
		if kind == FailureRestrictedURL {
			return m.handOffRestricted(tabID, info.Title)
		}
		return err
	}
	m.notifySwitched(tabID)
	return nil
}

// attachWithRetry performs the attach handshake, retrying network failures
// up to the configured limit. Conflicts are never retried.
func (m *Manager) attachWithRetry(ctx context.Context, tabID target.ID) (target.SessionID, error) {
	for {
		sessionID, err := m.host.Attach(ctx, tabID)
		if err == nil {
			return sessionID, nil
		}
		kind := Classify(err)
		count := m.recordFailure(tabID, kind)
		switch {
		case kind == FailureDebuggerConflict:
			m.logger.Warn("tab held by another debugger, skipping", "tab", tabID)
			return "", fmt.Errorf("attach %s: %w", tabID, err)
		case kind.Retryable() && count < m.cfg.AttachRetryLimit:
			m.logger.Debug("retrying attach after network failure", "tab", tabID, "attempt", count)
			continue
		default:
			return "", fmt.Errorf("attach %s (%s): %w", tabID, kind, err)
		}
	}
}

func (m *Manager) handOffRestricted(tabID target.ID, title string) error {
	m.recordFailure(tabID, FailureRestrictedURL)
	if m.monitor == nil || !m.monitor.CanWatch() {
		return fmt.Errorf("restricted tab %s and monitor at capacity", tabID)
	}
	if err := m.monitor.Watch(tabID, title); err != nil {
		return err
	}
	return ErrRestricted
}

// makeRoomLocked enforces the population cap before a new attach: first
// drop attachments whose tabs are gone, then evict the LRU non-current tab.
func (m *Manager) makeRoomLocked(ctx context.Context) error {
	if len(m.attached) < m.cfg.MaxAttachedTabs {
		return nil
	}
	m.cleanupUnusedLocked(ctx)
	if len(m.attached) < m.cfg.MaxAttachedTabs {
		return nil
	}
	return m.evictLRULocked(ctx)
}

// cleanupUnusedLocked removes attachments to tabs that are no longer open.
func (m *Manager) cleanupUnusedLocked(ctx context.Context) {
	open, err := m.host.ListTabs(ctx)
	if err != nil {
		m.logger.Debug("cleanup tab listing failed", "error", err)
		return
	}
	alive := make(map[target.ID]struct{}, len(open))
	for _, info := range open {
		alive[info.TabID] = struct{}{}
	}
	for tabID, tab := range m.attached {
		if _, ok := alive[tabID]; ok {
			continue
		}
		m.removeLocked(tabID)
		go func(sessionID target.SessionID) {
			_ = m.host.Detach(context.Background(), sessionID)
		}(tab.SessionID)
		m.logger.Info("cleaned up attachment to closed tab", "tab", tabID)
	}
}

// evictLRULocked detaches the least-recently-accessed tab that is not
// current. Ties break by first found.
func (m *Manager) evictLRULocked(ctx context.Context) error {
	var victim *AttachedTab
	for _, tab := range m.attached {
		if tab.TabID == m.currentTabID {
			continue
		}
		if victim == nil || tab.LastAccessedAt.Before(victim.LastAccessedAt) {
			victim = tab
		}
	}
	if victim == nil {
		return fmt.Errorf("attachment cap reached and no evictable tab")
	}
	m.removeLocked(victim.TabID)
	go func(sessionID target.SessionID) {
		_ = m.host.Detach(context.Background(), sessionID)
	}(victim.SessionID)
	if m.OnEviction != nil {
		m.OnEviction(victim.TabID)
	}
	m.logger.Info("evicted least-recently-used tab", "tab", victim.TabID)
	return nil
}

// HandleTabClosed reacts to the browser destroying a tab. If the closed tab
// was current, the manager repoints to the new active tab.
func (m *Manager) HandleTabClosed(ctx context.Context, tabID target.ID) {
	m.mu.Lock()
	if m.cleaningUp {
		m.mu.Unlock()
		return
	}
	_, wasAttached := m.attached[tabID]
	wasCurrent := m.currentTabID == tabID
	if wasAttached {
		m.removeLocked(tabID)
	}
	if wasCurrent {
		m.currentTabID = ""
	}
	m.mu.Unlock()

	if !wasCurrent {
		return
	}
	next, err := m.host.ActiveTab(ctx)
	if err != nil {
		m.logger.Warn("no active tab after close", "error", err)
		return
	}
	if err := m.SwitchTo(ctx, next); err != nil {
		m.logger.Warn("recovery switch failed", "tab", next, "error", err)
	}
}

// HandleDetached drops a tab after a debugger-detach event. No proactive
// re-attach happens here; only tab closure triggers recovery.
func (m *Manager) HandleDetached(sessionID target.SessionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaningUp {
		return
	}
	tabID, ok := m.bySession[sessionID]
	if !ok {
		return
	}
	m.removeLocked(tabID)
	if m.currentTabID == tabID {
		m.currentTabID = ""
	}
	m.logger.Info("tab detached", "tab", tabID, "reason", reason)
}

// Detach explicitly releases one attachment.
func (m *Manager) Detach(ctx context.Context, tabID target.ID) error {
	m.mu.Lock()
	tab, ok := m.attached[tabID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.removeLocked(tabID)
	if m.currentTabID == tabID {
		m.currentTabID = ""
	}
	m.mu.Unlock()
	return m.host.Detach(ctx, tab.SessionID)
}

// Shutdown detaches everything. Auto-recovery is suppressed during
// teardown via the cleaningUp guard.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.cleaningUp = true
	sessions := make([]target.SessionID, 0, len(m.attached))
	for _, tab := range m.attached {
		sessions = append(sessions, tab.SessionID)
	}
	m.attached = make(map[target.ID]*AttachedTab)
	m.bySession = make(map[target.SessionID]target.ID)
	m.currentTabID = ""
	m.notifyPopulationLocked()
	m.mu.Unlock()

	for _, sessionID := range sessions {
		_ = m.host.Detach(ctx, sessionID)
	}
}

// Current returns the current tab id, or "" when none.
func (m *Manager) Current() target.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTabID
}

// SessionFor returns the debugger session for an attached tab.
func (m *Manager) SessionFor(tabID target.ID) (target.SessionID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tab, ok := m.attached[tabID]
	if !ok {
		return "", false
	}
	return tab.SessionID, true
}

// IsAttached reports whether a tab has a live attachment.
func (m *Manager) IsAttached(tabID target.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attached[tabID]
	return ok
}

// Population returns the current attachment count.
func (m *Manager) Population() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attached)
}

// Failures exposes the failure counters.
func (m *Manager) Failures() *FailureCounters {
	return m.failures
}

func (m *Manager) removeLocked(tabID target.ID) {
	if tab, ok := m.attached[tabID]; ok {
		delete(m.bySession, tab.SessionID)
	}
	delete(m.attached, tabID)
	m.notifyPopulationLocked()
}

func (m *Manager) notifyPopulationLocked() {
	if m.OnPopulationChange != nil {
		m.OnPopulationChange(len(m.attached))
	}
}

func (m *Manager) recordFailure(tabID target.ID, kind FailureKind) int {
	count := m.failures.Record(tabID, kind)
	if m.OnAttachFailure != nil {
		m.OnAttachFailure(tabID, kind)
	}
	return count
}

func (m *Manager) notifySwitched(tabID target.ID) {
	if m.OnTabSwitched != nil {
		m.OnTabSwitched(tabID)
	}
}
