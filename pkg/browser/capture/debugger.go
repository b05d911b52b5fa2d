package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// attachments is the slice of the tab manager the debugger strategy reads.
type attachments interface {
	Current() target.ID
	SessionFor(tabID target.ID) (target.SessionID, bool)
}

// DebuggerCapture screenshots the current tab through its held debugger
// session.
type DebuggerCapture struct {
	caller  commandCaller
	tabs    attachments
	quality int64
	now     func() time.Time
}

// NewDebuggerCapture builds the debugger-session strategy.
func NewDebuggerCapture(caller commandCaller, tabs attachments, quality int, now func() time.Time) *DebuggerCapture {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	if now == nil {
		now = time.Now
	}
	return &DebuggerCapture{caller: caller, tabs: tabs, quality: int64(quality), now: now}
}

// CaptureFrame captures the current tab. Returns ErrNoTab when no
// attachment is current.
func (d *DebuggerCapture) CaptureFrame(ctx context.Context) (Frame, error) {
	tabID := d.tabs.Current()
	if tabID == "" {
		return Frame{}, ErrNoTab
	}
	sessionID, ok := d.tabs.SessionFor(tabID)
	if !ok {
		return Frame{}, fmt.Errorf("tab %s: %w", tabID, ErrNoTab)
	}

	var result page.CaptureScreenshotReturns
	err := d.caller.Call(ctx, sessionID, page.CommandCaptureScreenshot, &page.CaptureScreenshotParams{
		Format:      page.CaptureScreenshotFormatJpeg,
		Quality:     d.quality,
		FromSurface: true,
	}, &result)
	if err != nil {
		return Frame{}, fmt.Errorf("capture screenshot on %s: %w", tabID, err)
	}
	if len(result.Data) == 0 {
		return Frame{}, fmt.Errorf("capture screenshot on %s: empty image", tabID)
	}
	return Frame{TabID: tabID, Data: []byte(result.Data), CapturedAt: d.now()}, nil
}
