package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/internal/crisp"
	"github.com/nextlevelbuilder/crisprelay/internal/debounce"
)

const tracerName = "github.com/nextlevelbuilder/crisprelay/internal/relay"

// Forwarder hands a raw event to the backend.
type Forwarder interface {
	Forward(ctx context.Context, payload json.RawMessage) (BackendResponse, error)
}

// Replier writes a message into a conversation synchronously.
type Replier interface {
	SendToChannel(ctx context.Context, msg bus.OutboundMessage) error
}

// Sink implements debounce.Sink on top of the backend client and the channel manager.
type Sink struct {
	backend Forwarder
	replier Replier
	router  bus.MessageRouter // receives backend auto-replies; nil disables them
}

// NewSink wires the dispatch targets. router may be nil.
func NewSink(backend Forwarder, replier Replier, router bus.MessageRouter) *Sink {
	return &Sink{backend: backend, replier: replier, router: router}
}

// ForwardToBackend posts the original event unchanged. A textual "response"
// from the backend is queued as an operator reply in the same conversation.
func (s *Sink) ForwardToBackend(ctx context.Context, msg bus.InboundMessage) debounce.Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.forward")
	defer span.End()

	start := time.Now()
	resp, err := s.backend.Forward(ctx, msg.Payload)
	res := debounce.Result{
		Target:   debounce.TargetBackend,
		Status:   resp.Status,
		Err:      err,
		Duration: time.Since(start),
	}
	span.SetAttributes(
		attribute.String("session_id", msg.SessionID),
		attribute.Int("http.status_code", resp.Status),
	)
	if err != nil {
		span.RecordError(err)
		return res
	}

	if resp.Reply != "" && s.router != nil {
		slog.Info("relay: backend replied, queueing answer",
			"website_id", msg.WebsiteID,
			"session_id", msg.SessionID,
			"reply_len", len(resp.Reply),
		)
		s.router.PublishOutbound(bus.NewOperatorText(msg, resp.Reply))
	}
	return res
}

// ReplyToConversation sends reply through its channel.
func (s *Sink) ReplyToConversation(ctx context.Context, reply bus.OutboundMessage) debounce.Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.reply")
	defer span.End()

	start := time.Now()
	err := s.replier.SendToChannel(ctx, reply)
	res := debounce.Result{
		Target:   debounce.TargetConversation,
		Status:   http.StatusOK,
		Err:      err,
		Duration: time.Since(start),
	}
	if err != nil {
		res.Status = 0
		var apiErr *crisp.APIError
		if errors.As(err, &apiErr) {
			res.Status = apiErr.Status
		}
		span.RecordError(err)
	}
	span.SetAttributes(
		attribute.String("session_id", reply.SessionID),
		attribute.Int("http.status_code", res.Status),
	)
	return res
}

var _ debounce.Sink = (*Sink)(nil)
