package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
)

// MessageSink receives inbound messages in arrival order.
type MessageSink interface {
	OnMessage(msg bus.InboundMessage)
}

// consumeInboundMessages feeds inbound messages from channels to the debounce
// engine. A single consumer keeps per-conversation arrival order.
func consumeInboundMessages(ctx context.Context, msgBus *bus.MessageBus, sink MessageSink) {
	slog.Info("inbound message consumer started")

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}
		if msg.SessionKey().IsZero() {
			slog.Warn("inbound: message without conversation, dropping", "channel", msg.Channel, "type", msg.Kind)
			continue
		}
		sink.OnMessage(msg)
	}
}
