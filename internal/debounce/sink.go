package debounce

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
)

// Target names where a dispatch was sent.
type Target string

const (
	TargetBackend      Target = "backend"
	TargetConversation Target = "conversation"
)

// Result is the outcome of one dispatch. The engine only logs it.
type Result struct {
	Target   Target
	Status   int // HTTP status when one was received, 0 otherwise
	Err      error
	Duration time.Duration
}

// OK reports whether the dispatch succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Sink delivers flush decisions to the outside world.
// Implementations must not panic; failures are reported through Result.
type Sink interface {
	// ForwardToBackend posts the original event, unchanged, to the backend.
	ForwardToBackend(ctx context.Context, msg bus.InboundMessage) Result
	// ReplyToConversation writes reply back into the conversation.
	ReplyToConversation(ctx context.Context, reply bus.OutboundMessage) Result
}
