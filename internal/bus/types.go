package bus

import (
	"context"
	"encoding/json"

	"github.com/nextlevelbuilder/crisprelay/internal/sessions"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

// InboundMessage represents a message event received from a conversation provider (Crisp).
type InboundMessage struct {
	Channel     string          `json:"channel"`
	WebsiteID   string          `json:"website_id"`
	SessionID   string          `json:"session_id"`
	Kind        string          `json:"type"`                  // "text", "file", ...
	Text        string          `json:"text,omitempty"`        // set for text messages only
	From        string          `json:"from,omitempty"`        // "user" or "operator"
	Origin      string          `json:"origin,omitempty"`      // "chat", "email", "urn:..."
	Fingerprint string          `json:"fingerprint,omitempty"` // provider-assigned message id
	Timestamp   int64           `json:"timestamp,omitempty"`   // unix millis
	Payload     json.RawMessage `json:"payload,omitempty"`     // original event, forwarded as-is
}

// SessionKey returns the conversation this message belongs to.
func (m InboundMessage) SessionKey() sessions.Key {
	return sessions.Key{Channel: m.Channel, WebsiteID: m.WebsiteID, SessionID: m.SessionID}
}

// IsText reports whether the message carries plain text.
func (m InboundMessage) IsText() bool {
	return m.Kind == protocol.KindText
}

// OutboundMessage represents a message to be written into a conversation.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	WebsiteID string            `json:"website_id"`
	SessionID string            `json:"session_id"`
	Kind      string            `json:"type"`
	From      string            `json:"from"`
	Origin    string            `json:"origin"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewOperatorText builds an operator text reply addressed to the conversation of msg.
func NewOperatorText(msg InboundMessage, content string) OutboundMessage {
	return OutboundMessage{
		Channel:   msg.Channel,
		WebsiteID: msg.WebsiteID,
		SessionID: msg.SessionID,
		Kind:      protocol.KindText,
		From:      protocol.FromOperator,
		Origin:    protocol.OriginChat,
		Content:   content,
	}
}

// Event represents an internal broadcast (flush notifications, shutdown).
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// FlushPayload is broadcast with protocol.EventFlush after every debounce flush.
type FlushPayload struct {
	Session   string `json:"session"`
	Decision  string `json:"decision"` // "pass_through" or "aggregate"
	Fragments int    `json:"fragments"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels and the relay.
type MessageRouter interface {
	PublishInbound(msg InboundMessage) bool
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
