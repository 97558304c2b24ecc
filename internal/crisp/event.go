package crisp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/internal/sessions"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

// ErrInvalidEvent is returned when a payload is not a usable message event.
var ErrInvalidEvent = errors.New("invalid crisp message event")

// envelope is the webhook wrapper: {"event": "message:send", "website_id": "...", "data": {...}}.
type envelope struct {
	Event     string          `json:"event"`
	WebsiteID string          `json:"website_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// message holds the fields of a message event the relay inspects.
// Everything else stays in the raw payload.
type message struct {
	WebsiteID   string          `json:"website_id"`
	SessionID   string          `json:"session_id"`
	Type        string          `json:"type"`
	From        string          `json:"from"`
	Origin      string          `json:"origin"`
	Content     json.RawMessage `json:"content"`
	Fingerprint json.Number     `json:"fingerprint"`
	Timestamp   int64           `json:"timestamp"`
}

// DecodeEvent parses a message event delivered over RTM or by webhook.
// raw is either the bare message object or an envelope whose data holds it.
// The returned message keeps the bare message JSON as its Payload.
func DecodeEvent(raw []byte) (bus.InboundMessage, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return bus.InboundMessage{}, "", fmt.Errorf("%w: not a json object", ErrInvalidEvent)
	}

	event := protocol.EventMessageSend
	payload := raw
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Event != "" && len(env.Data) > 0 && env.Data[0] == '{' {
		event = env.Event
		payload = env.Data
	}

	var m message
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return bus.InboundMessage{}, event, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if m.WebsiteID == "" {
		m.WebsiteID = env.WebsiteID
	}
	if m.WebsiteID == "" || m.SessionID == "" || m.Type == "" {
		return bus.InboundMessage{}, event, fmt.Errorf("%w: website_id, session_id and type are required", ErrInvalidEvent)
	}

	msg := bus.InboundMessage{
		Channel:     sessions.DefaultChannel,
		WebsiteID:   m.WebsiteID,
		SessionID:   m.SessionID,
		Kind:        m.Type,
		From:        m.From,
		Origin:      m.Origin,
		Fingerprint: m.Fingerprint.String(),
		Timestamp:   m.Timestamp,
		Payload:     json.RawMessage(append([]byte(nil), payload...)),
	}
	if msg.IsText() {
		var text string
		if err := json.Unmarshal(m.Content, &text); err != nil {
			return bus.InboundMessage{}, event, fmt.Errorf("%w: text content is not a string", ErrInvalidEvent)
		}
		msg.Text = text
	}
	return msg, event, nil
}

// FromUser reports whether the message was written by the visitor.
func FromUser(msg bus.InboundMessage) bool {
	return msg.From == "" || msg.From == protocol.FromUser
}
