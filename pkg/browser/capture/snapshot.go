package capture

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"

	"github.com/shoplens/shoplens/pkg/browser/tabs"
)

// PageInfo describes the tab a snapshot would capture.
type PageInfo struct {
	TabID     target.ID
	URL       string
	Title     string
	Incognito bool
}

// TabResolver yields the focused window's active tab.
type TabResolver interface {
	ActiveTab(ctx context.Context) (PageInfo, error)
}

// SnapshotConfig tunes the visible-tab strategy.
type SnapshotConfig struct {
	Quality        int
	AllowIncognito bool
	AllowFileURLs  bool
	// Backoff is the pre-emptive skip window after a rate-limit error.
	Backoff time.Duration
}

// SnapshotCapture captures the active tab through a short-lived debugger
// session, without requiring a held attachment. Pre-flight checks reject
// tabs the host would refuse, and rate-limit errors open a skip window.
type SnapshotCapture struct {
	host     tabs.Host
	caller   commandCaller
	resolver TabResolver
	cfg      SnapshotConfig
	now      func() time.Time

	mu           sync.Mutex
	backoffUntil time.Time
}

// NewSnapshotCapture builds the visible-tab strategy.
func NewSnapshotCapture(host tabs.Host, caller commandCaller, resolver TabResolver, cfg SnapshotConfig, now func() time.Time) *SnapshotCapture {
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 80
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 1500 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &SnapshotCapture{host: host, caller: caller, resolver: resolver, cfg: cfg, now: now}
}

// CaptureFrame captures the active tab, or ErrBackoff while the rate-limit
// window is open.
func (s *SnapshotCapture) CaptureFrame(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	if s.now().Before(s.backoffUntil) {
		s.mu.Unlock()
		return Frame{}, ErrBackoff
	}
	s.mu.Unlock()

	info, err := s.resolver.ActiveTab(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("resolve active tab: %w", err)
	}
	if err := s.preflight(info); err != nil {
		return Frame{}, err
	}

	sessionID, err := s.host.Attach(ctx, info.TabID)
	if err != nil {
		return Frame{}, fmt.Errorf("snapshot attach %s: %w", info.TabID, err)
	}
	defer func() {
		_ = s.host.Detach(context.Background(), sessionID)
	}()

	var result page.CaptureScreenshotReturns
	err = s.caller.Call(ctx, sessionID, page.CommandCaptureScreenshot, &page.CaptureScreenshotParams{
		Format:  page.CaptureScreenshotFormatJpeg,
		Quality: int64(s.cfg.Quality),
	}, &result)
	if err != nil {
		if isRateLimited(err) {
			s.mu.Lock()
			s.backoffUntil = s.now().Add(s.cfg.Backoff)
			s.mu.Unlock()
			return Frame{}, fmt.Errorf("snapshot rate limited: %w", ErrBackoff)
		}
		return Frame{}, fmt.Errorf("snapshot %s: %w", info.TabID, err)
	}
	if len(result.Data) == 0 {
		return Frame{}, fmt.Errorf("snapshot %s: empty image", info.TabID)
	}
	return Frame{TabID: info.TabID, Data: []byte(result.Data), CapturedAt: s.now()}, nil
}

// preflight rejects tabs the visible-tab capture path must not touch.
func (s *SnapshotCapture) preflight(info PageInfo) error {
	if info.Incognito && !s.cfg.AllowIncognito {
		return fmt.Errorf("tab %s is incognito and incognito capture is not permitted", info.TabID)
	}
	parsed, err := url.Parse(strings.TrimSpace(info.URL))
	if err != nil {
		return fmt.Errorf("tab %s has unparseable url: %w", info.TabID, err)
	}
	if strings.EqualFold(parsed.Scheme, "file") {
		if s.cfg.AllowFileURLs {
			return nil
		}
		return fmt.Errorf("tab %s is a file url and file capture is not permitted", info.TabID)
	}
	if tabs.IsRestricted(info.URL) {
		return fmt.Errorf("tab %s url is restricted", info.TabID)
	}
	return nil
}

func isRateLimited(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "rate") ||
		strings.Contains(text, "throttl") ||
		strings.Contains(text, "too many")
}

// HostResolver adapts the tab host to the resolver contract.
type HostResolver struct {
	host tabs.Host
}

// NewHostResolver builds a resolver over the tab host.
func NewHostResolver(host tabs.Host) *HostResolver {
	return &HostResolver{host: host}
}

func (r *HostResolver) ActiveTab(ctx context.Context) (PageInfo, error) {
	tabID, err := r.host.ActiveTab(ctx)
	if err != nil {
		return PageInfo{}, err
	}
	info, err := r.host.TabInfo(ctx, tabID)
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{TabID: info.TabID, URL: info.URL, Title: info.Title}, nil
}
