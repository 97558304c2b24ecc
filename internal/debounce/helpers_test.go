package debounce

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

const testPause = 60 * time.Millisecond

type forwardCall struct {
	msg bus.InboundMessage
	at  time.Time
}

type replyCall struct {
	reply bus.OutboundMessage
	at    time.Time
}

// recordingSink captures every dispatch the engine makes.
type recordingSink struct {
	mu        sync.Mutex
	forwarded []forwardCall
	replies   []replyCall
	failWith  error
}

func (s *recordingSink) ForwardToBackend(_ context.Context, msg bus.InboundMessage) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarded = append(s.forwarded, forwardCall{msg: msg, at: time.Now()})
	return Result{Target: TargetBackend, Status: 200, Err: s.failWith}
}

func (s *recordingSink) ReplyToConversation(_ context.Context, reply bus.OutboundMessage) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replyCall{reply: reply, at: time.Now()})
	return Result{Target: TargetConversation, Status: 200, Err: s.failWith}
}

func (s *recordingSink) forwards() []forwardCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]forwardCall(nil), s.forwarded...)
}

func (s *recordingSink) replyCalls() []replyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]replyCall(nil), s.replies...)
}

var errDispatch = errors.New("connection refused")

func textMessage(session, text string) bus.InboundMessage {
	raw, _ := json.Marshal(map[string]any{
		"website_id": "site-1",
		"session_id": session,
		"type":       protocol.KindText,
		"from":       protocol.FromUser,
		"origin":     protocol.OriginChat,
		"content":    text,
	})
	return bus.InboundMessage{
		Channel:   "crisp",
		WebsiteID: "site-1",
		SessionID: session,
		Kind:      protocol.KindText,
		Text:      text,
		From:      protocol.FromUser,
		Origin:    protocol.OriginChat,
		Payload:   raw,
	}
}

func fileMessage(session string) bus.InboundMessage {
	raw, _ := json.Marshal(map[string]any{
		"website_id": "site-1",
		"session_id": session,
		"type":       protocol.KindFile,
		"from":       protocol.FromUser,
		"content": map[string]string{
			"name": "invoice.pdf",
			"url":  "https://files.example.com/invoice.pdf",
			"type": "application/pdf",
		},
	})
	return bus.InboundMessage{
		Channel:   "crisp",
		WebsiteID: "site-1",
		SessionID: session,
		Kind:      protocol.KindFile,
		From:      protocol.FromUser,
		Payload:   raw,
	}
}

func sessionOf(msg bus.InboundMessage) string {
	return msg.SessionKey().String()
}
