package tabs

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/shoplens/shoplens/pkg/browser/cdp"
)

// Info is the tab metadata the manager and monitor read.
type Info struct {
	TabID target.ID
	URL   string
	Title string
	Open  bool
}

// Host abstracts the browser operations the tab layer needs, so tests can
// run against a fake browser.
type Host interface {
	// Attach opens a debugger session on a tab and enables the page and
	// runtime domains.
	Attach(ctx context.Context, tabID target.ID) (target.SessionID, error)
	// Detach closes a debugger session.
	Detach(ctx context.Context, sessionID target.SessionID) error
	// TabInfo returns current metadata for one tab.
	TabInfo(ctx context.Context, tabID target.ID) (Info, error)
	// ListTabs returns every open page tab.
	ListTabs(ctx context.Context) ([]Info, error)
	// ActiveTab returns the tab the browser currently foregrounds.
	ActiveTab(ctx context.Context) (target.ID, error)
}

// CDPHost implements Host over a DevTools connection.
type CDPHost struct {
	client *cdp.Client
}

// NewCDPHost wraps a connected client.
func NewCDPHost(client *cdp.Client) *CDPHost {
	return &CDPHost{client: client}
}

// Version identifies the browser behind the endpoint, as a connect-time
// sanity check.
func (h *CDPHost) Version(ctx context.Context) (string, error) {
	var result browser.GetVersionReturns
	if err := h.client.Call(ctx, "", browser.CommandGetVersion, nil, &result); err != nil {
		return "", err
	}
	return result.Product, nil
}

func (h *CDPHost) Attach(ctx context.Context, tabID target.ID) (target.SessionID, error) {
	var attached target.AttachToTargetReturns
	err := h.client.Call(ctx, "", target.CommandAttachToTarget, target.AttachToTargetParams{
		TargetID: tabID,
		Flatten:  true,
	}, &attached)
	if err != nil {
		return "", err
	}
	sessionID := attached.SessionID
	if err := h.client.Call(ctx, sessionID, page.CommandEnable, nil, nil); err != nil {
		_ = h.Detach(ctx, sessionID)
		return "", fmt.Errorf("enable page domain: %w", err)
	}
	if err := h.client.Call(ctx, sessionID, runtime.CommandEnable, nil, nil); err != nil {
		_ = h.Detach(ctx, sessionID)
		return "", fmt.Errorf("enable runtime domain: %w", err)
	}
	return sessionID, nil
}

func (h *CDPHost) Detach(ctx context.Context, sessionID target.SessionID) error {
	return h.client.Call(ctx, "", target.CommandDetachFromTarget, target.DetachFromTargetParams{
		SessionID: sessionID,
	}, nil)
}

func (h *CDPHost) TabInfo(ctx context.Context, tabID target.ID) (Info, error) {
	var result target.GetTargetInfoReturns
	err := h.client.Call(ctx, "", target.CommandGetTargetInfo, target.GetTargetInfoParams{
		TargetID: tabID,
	}, &result)
	if err != nil {
		return Info{}, err
	}
	if result.TargetInfo == nil {
		return Info{}, fmt.Errorf("no target info for tab %s", tabID)
	}
	return Info{
		TabID: result.TargetInfo.TargetID,
		URL:   result.TargetInfo.URL,
		Title: result.TargetInfo.Title,
		Open:  true,
	}, nil
}

func (h *CDPHost) ListTabs(ctx context.Context) ([]Info, error) {
	var result target.GetTargetsReturns
	if err := h.client.Call(ctx, "", target.CommandGetTargets, target.GetTargetsParams{}, &result); err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(result.TargetInfos))
	for _, info := range result.TargetInfos {
		if info == nil || info.Type != "page" {
			continue
		}
		infos = append(infos, Info{
			TabID: info.TargetID,
			URL:   info.URL,
			Title: info.Title,
			Open:  true,
		})
	}
	return infos, nil
}

// ActiveTab picks the foreground page target. The browser lists the most
// recently active page first.
func (h *CDPHost) ActiveTab(ctx context.Context) (target.ID, error) {
	infos, err := h.ListTabs(ctx)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("no open page tabs")
	}
	return infos[0].TabID, nil
}
