package session

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/shoplens/shoplens/pkg/live/protocol"
)

// AggregatorCallbacks receive streaming partials and the single final text
// for each reconstructed reply.
type AggregatorCallbacks struct {
	// OnUpdate fires with the cumulative text after each fragment.
	OnUpdate func(text string)
	// OnComplete fires exactly once per turn with the entire accumulated text.
	OnComplete func(text string)
}

// Aggregator reconstructs one logical reply out of many inbound fragments.
// At most one turn is open at a time; messages arriving while a completion
// callback is running are held back until it returns.
type Aggregator struct {
	cb     AggregatorCallbacks
	logger *slog.Logger

	mu       sync.Mutex
	text     strings.Builder
	open     bool
	seq      int
	handling bool
	held     []protocol.ServerMessage
}

// NewAggregator builds an Aggregator.
func NewAggregator(cb AggregatorCallbacks, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{cb: cb, logger: logger.With("component", "turn_aggregator")}
}

// OnMessage consumes one decoded inbound message.
func (a *Aggregator) OnMessage(msg protocol.ServerMessage) {
	a.mu.Lock()
	if a.handling {
		a.held = append(a.held, msg)
		a.mu.Unlock()
		return
	}
	a.processLocked(msg)
}

// processLocked handles one message. It is entered holding mu and returns
// with mu released.
func (a *Aggregator) processLocked(msg protocol.ServerMessage) {
	if msg.Text != "" {
		a.open = true
		a.text.WriteString(msg.Text)
		snapshot := a.text.String()
		update := a.cb.OnUpdate
		if !msg.TurnComplete {
			a.mu.Unlock()
			if update != nil {
				update(snapshot)
			}
			return
		}
		// Fall through: the fragment also carries the completion flag.
		a.mu.Unlock()
		if update != nil {
			update(snapshot)
		}
		a.mu.Lock()
	}

	if !msg.TurnComplete {
		a.mu.Unlock()
		return
	}
	if !a.open {
		// Completion without an open turn; nothing to surface.
		a.logger.Debug("completion flag with no open turn, ignoring")
		a.mu.Unlock()
		return
	}

	full := a.text.String()
	a.text.Reset()
	a.open = false
	a.seq++
	a.handling = true
	a.mu.Unlock()

	if a.cb.OnComplete != nil {
		a.cb.OnComplete(full)
	}

	a.mu.Lock()
	a.handling = false
	a.drainHeldLocked()
}

// drainHeldLocked replays messages queued during completion handling. It is
// entered holding mu and returns with mu released.
func (a *Aggregator) drainHeldLocked() {
	if len(a.held) == 0 {
		a.mu.Unlock()
		return
	}
	next := a.held[0]
	a.held = a.held[1:]
	a.processLocked(next)
	a.mu.Lock()
	a.drainHeldLocked()
}

// Discard drops the open turn without firing a completion callback. Used
// when the transport closes before any completion flag arrives.
func (a *Aggregator) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open {
		a.logger.Info("discarding partial turn on close", "bytes", a.text.Len())
	}
	a.text.Reset()
	a.open = false
	a.held = nil
}

// DeliverFinal surfaces an externally produced reply (for example from the
// stateless REST path) through the same completion callback as a streamed
// turn, as one already-completed turn.
func (a *Aggregator) DeliverFinal(text string) {
	a.mu.Lock()
	if a.handling {
		a.held = append(a.held, protocol.ServerMessage{Text: text, TurnComplete: true})
		a.mu.Unlock()
		return
	}
	a.processLocked(protocol.ServerMessage{Text: text, TurnComplete: true})
}

// Sequence reports how many turns have completed.
func (a *Aggregator) Sequence() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Open reports whether a turn is currently accumulating.
func (a *Aggregator) Open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}
