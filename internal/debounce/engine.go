// Package debounce coalesces bursts of text messages per conversation.
//
// Each text message (re)arms a pause timer for its session. When the pause
// elapses without further text, the session is flushed: a single buffered
// message is forwarded to the backend unchanged, while two or more are
// answered in the conversation with a fixed clarification notice asking the
// sender to resend as one message. Non-text messages bypass the buffer and
// are forwarded immediately.
package debounce

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

const tracerName = "github.com/nextlevelbuilder/crisprelay/internal/debounce"

// DefaultPause is the quiet period after which buffered text is flushed.
const DefaultPause = 3000 * time.Millisecond

// DefaultClarification is sent into the conversation after a rapid burst.
const DefaultClarification = "It looks like you sent several messages in a row. " +
	"Please send your whole question again as a single message so we can help you."

// DecisionKind classifies a flush.
type DecisionKind string

const (
	DecisionPassThrough DecisionKind = "pass_through"
	DecisionAggregate   DecisionKind = "aggregate"
)

// FlushDecision is computed once per flush and never retained.
type FlushDecision struct {
	Kind      DecisionKind
	Original  bus.InboundMessage // most recent raw event of the burst
	Combined  string             // fragments joined by a single space (aggregate only)
	Fragments int
}

// Decide classifies a flush purely by fragment count: more than one is rapid.
func Decide(fragments []string, last bus.InboundMessage) FlushDecision {
	if len(fragments) > 1 {
		return FlushDecision{
			Kind:      DecisionAggregate,
			Original:  last,
			Combined:  strings.Join(fragments, " "),
			Fragments: len(fragments),
		}
	}
	return FlushDecision{Kind: DecisionPassThrough, Original: last, Fragments: len(fragments)}
}

// Option configures an Engine.
type Option func(*Engine)

// WithPause overrides the pause threshold. Non-positive values are ignored.
func WithPause(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pause = d
		}
	}
}

// WithClarification overrides the rapid-burst notice. Empty values are ignored.
func WithClarification(text string) Option {
	return func(e *Engine) {
		if text != "" {
			e.clarification = text
		}
	}
}

// WithEvents broadcasts a protocol.EventFlush event after every flush.
func WithEvents(pub bus.EventPublisher) Option {
	return func(e *Engine) { e.events = pub }
}

// Engine is the per-conversation debounce state machine.
// All buffer and timer mutation happens under mu; dispatch runs outside it.
type Engine struct {
	sink          Sink
	pause         time.Duration
	clarification string
	events        bus.EventPublisher

	mu      sync.Mutex
	timers  *TimerRegistry
	buffers *BufferStore
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine delivering its decisions to sink.
func New(sink Sink, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sink:          sink,
		pause:         DefaultPause,
		clarification: DefaultClarification,
		timers:        NewTimerRegistry(),
		buffers:       NewBufferStore(),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pause returns the configured pause threshold.
func (e *Engine) Pause() time.Duration { return e.pause }

// PendingSessions returns the number of sessions waiting for their pause to elapse.
func (e *Engine) PendingSessions() int { return e.buffers.Len() }

// HasPending reports whether session has buffered text. A buffer exists
// exactly when a timer is armed for the session.
func (e *Engine) HasPending(session string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers.Exists(session)
}

// OnMessage handles one inbound message. Calls for the same session must be
// made in arrival order; the call never blocks on I/O.
func (e *Engine) OnMessage(msg bus.InboundMessage) {
	session := msg.SessionKey().String()

	if !msg.IsText() {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			slog.Warn("debounce: engine stopped, dropping message", "session", session, "type", msg.Kind)
			return
		}
		e.wg.Add(1)
		e.mu.Unlock()

		slog.Debug("debounce: bypass", "session", session, "type", msg.Kind)
		ctx, span := otel.Tracer(tracerName).Start(e.ctx, "debounce.bypass",
			trace.WithAttributes(
				attribute.String("session", session),
				attribute.String("message.type", msg.Kind),
			))
		go e.dispatch(ctx, span, session, func(ctx context.Context) Result {
			return e.sink.ForwardToBackend(ctx, msg)
		})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		slog.Warn("debounce: engine stopped, dropping message", "session", session, "type", msg.Kind)
		return
	}

	if e.timers.CancelIfArmed(session) {
		slog.Debug("debounce: pause interrupted", "session", session)
	}
	n := e.buffers.Append(session, msg.Text, msg)
	e.timers.Arm(session, e.pause, e.fire)

	slog.Debug("debounce: buffered", "session", session, "fragments", n, "pause_ms", e.pause.Milliseconds())
}

// OnPause flushes whatever is pending for session right away, cancelling its
// timer. Expiring timers take the same path after checking they were not superseded.
func (e *Engine) OnPause(session string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.timers.CancelIfArmed(session)
	fragments, last, ok := e.takeLocked(session)
	e.mu.Unlock()

	if ok {
		e.flush(session, fragments, last)
	}
}

// fire runs on the timer goroutine.
func (e *Engine) fire(session string, gen uint64) {
	e.mu.Lock()
	if e.stopped || !e.timers.Expire(session, gen) {
		e.mu.Unlock()
		return
	}
	fragments, last, ok := e.takeLocked(session)
	e.mu.Unlock()

	if ok {
		e.flush(session, fragments, last)
	}
}

// takeLocked clears the session's buffer and reserves a dispatch slot.
// Must be called with mu held.
func (e *Engine) takeLocked(session string) ([]string, bus.InboundMessage, bool) {
	fragments, last, ok := e.buffers.GetAndClear(session)
	if !ok {
		return nil, bus.InboundMessage{}, false
	}
	e.wg.Add(1)
	return fragments, last, true
}

// flush computes the decision and hands it to the sink. The dispatch slot
// was reserved by takeLocked.
func (e *Engine) flush(session string, fragments []string, last bus.InboundMessage) {
	decision := Decide(fragments, last)
	flushID := uuid.NewString()[:8]

	ctx, span := otel.Tracer(tracerName).Start(e.ctx, "debounce.flush",
		trace.WithAttributes(
			attribute.String("session", session),
			attribute.String("flush.id", flushID),
			attribute.String("flush.decision", string(decision.Kind)),
			attribute.Int("flush.fragments", decision.Fragments),
		))

	switch decision.Kind {
	case DecisionAggregate:
		span.SetAttributes(attribute.Int("flush.combined_len", len(decision.Combined)))
		slog.Info("debounce: rapid burst, asking sender to resend as one message",
			"session", session,
			"flush_id", flushID,
			"fragments", decision.Fragments,
		)
		slog.Debug("debounce: burst content", "session", session, "flush_id", flushID, "combined", decision.Combined)

		reply := bus.NewOperatorText(decision.Original, e.clarification)
		go e.dispatch(ctx, span, session, func(ctx context.Context) Result {
			return e.sink.ReplyToConversation(ctx, reply)
		})
	default:
		slog.Info("debounce: forwarding single message",
			"session", session,
			"flush_id", flushID,
		)
		original := decision.Original
		go e.dispatch(ctx, span, session, func(ctx context.Context) Result {
			return e.sink.ForwardToBackend(ctx, original)
		})
	}

	if e.events != nil {
		e.events.Broadcast(bus.Event{
			Name: protocol.EventFlush,
			Payload: bus.FlushPayload{
				Session:   session,
				Decision:  string(decision.Kind),
				Fragments: decision.Fragments,
			},
		})
	}
}

// dispatch runs send, logs its result and releases the dispatch slot.
func (e *Engine) dispatch(ctx context.Context, span trace.Span, session string, send func(context.Context) Result) {
	defer e.wg.Done()
	defer span.End()

	res := send(ctx)
	span.SetAttributes(
		attribute.String("dispatch.target", string(res.Target)),
		attribute.Int("dispatch.status", res.Status),
	)

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		slog.Error("debounce: dispatch failed",
			"session", session,
			"target", res.Target,
			"status", res.Status,
			"error", res.Err,
		)
		return
	}

	slog.Debug("debounce: dispatched",
		"session", session,
		"target", res.Target,
		"status", res.Status,
		"duration_ms", res.Duration.Milliseconds(),
	)
}

// Stop cancels all armed timers, drops pending buffers and waits for
// in-flight dispatches to finish. Messages arriving afterwards are dropped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	timers := e.timers.Stop()
	dropped := e.buffers.Clear()
	e.mu.Unlock()

	if dropped > 0 {
		slog.Warn("debounce: dropping pending sessions on shutdown", "sessions", dropped, "timers", timers)
	}

	e.wg.Wait()
	e.cancel()
}
