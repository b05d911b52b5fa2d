package tabs

import (
	"strings"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// FailureKind classifies attachment failures. Classification drives retry
// policy: network errors are retryable, conflicts are skipped, restricted
// URLs are handed to the monitor.
type FailureKind string

const (
	FailureRestrictedURL    FailureKind = "RESTRICTED_URL"
	FailureDebuggerConflict FailureKind = "DEBUGGER_CONFLICT"
	FailureNetwork          FailureKind = "NETWORK_ERROR"
	FailurePermissionDenied FailureKind = "PERMISSION_DENIED"
	FailureUnknown          FailureKind = "UNKNOWN_ERROR"
)

// Classify maps an attachment error onto a FailureKind by case-insensitive
// matching against known error text.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "restricted") ||
		strings.Contains(text, "cannot attach") ||
		strings.Contains(text, "not allowed"):
		return FailureRestrictedURL
	case strings.Contains(text, "already attached") ||
		strings.Contains(text, "another debugger") ||
		strings.Contains(text, "detached while"):
		return FailureDebuggerConflict
	case strings.Contains(text, "network") ||
		strings.Contains(text, "connection") ||
		strings.Contains(text, "timeout") ||
		strings.Contains(text, "websocket"):
		return FailureNetwork
	case strings.Contains(text, "permission") ||
		strings.Contains(text, "denied") ||
		strings.Contains(text, "forbidden"):
		return FailurePermissionDenied
	default:
		return FailureUnknown
	}
}

// Retryable reports whether the kind may be retried with a direct attach.
func (k FailureKind) Retryable() bool {
	return k == FailureNetwork
}

type failureKey struct {
	tabID target.ID
	kind  FailureKind
}

// FailureCounters tracks per (tab, kind) failure counts. Counters reset on
// success and are read by retry policies.
type FailureCounters struct {
	mu     sync.Mutex
	counts map[failureKey]int
}

// NewFailureCounters builds an empty counter set.
func NewFailureCounters() *FailureCounters {
	return &FailureCounters{counts: make(map[failureKey]int)}
}

// Record increments and returns the count for one (tab, kind).
func (f *FailureCounters) Record(tabID target.ID, kind FailureKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := failureKey{tabID: tabID, kind: kind}
	f.counts[key]++
	return f.counts[key]
}

// Count returns the current count for one (tab, kind).
func (f *FailureCounters) Count(tabID target.ID, kind FailureKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[failureKey{tabID: tabID, kind: kind}]
}

// Reset clears every counter for a tab.
func (f *FailureCounters) Reset(tabID target.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.counts {
		if key.tabID == tabID {
			delete(f.counts, key)
		}
	}
}
