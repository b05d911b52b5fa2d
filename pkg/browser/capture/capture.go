// Package capture obtains JPEG frames from the browser through one of two
// interchangeable strategies, and schedules capture against a fixed
// cadence with drift correction.
package capture

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
)

// Frame is one captured screen image, stamped with the tab it came from so
// the transmit path can drop frames captured mid-tab-switch.
type Frame struct {
	TabID      target.ID
	Data       []byte
	CapturedAt time.Time
}

// Service is the single capture contract. The active strategy is a
// configuration choice; callers never branch on it.
type Service interface {
	CaptureFrame(ctx context.Context) (Frame, error)
}

// Sentinel failures the scheduler reacts to.
var (
	// ErrNoTab reports that no tab is currently attached or resolvable.
	ErrNoTab = errors.New("no capturable tab")
	// ErrBackoff reports a pre-emptive skip during a rate-limit window.
	ErrBackoff = errors.New("capture backoff window active")
)

// IsRecoverable reports whether a capture failure should trigger a local
// re-attachment attempt instead of counting a strike immediately.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoTab) {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "detached") ||
		strings.Contains(text, "session") ||
		strings.Contains(text, "no target") ||
		strings.Contains(text, "target closed")
}

// commandCaller is the slice of the devtools client both strategies use.
type commandCaller interface {
	Call(ctx context.Context, sessionID target.SessionID, method string, params, out any) error
}
