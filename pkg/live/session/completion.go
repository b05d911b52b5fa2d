package session

import (
	"context"

	"github.com/shoplens/shoplens/pkg/live/protocol"
)

// CompletionRequest is one stateless text query: the full prior turn
// history, the current query, and at most one image.
type CompletionRequest struct {
	History []protocol.Content
	Query   string
	Image   []byte
}

// Completer is the REST fallback text path. It returns one already-final
// reply; callers hand the result to Aggregator.DeliverFinal so consumers
// see it exactly like a completed streamed turn.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
