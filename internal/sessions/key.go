// Package sessions builds conversation session keys.
//
// A Crisp conversation is identified by a session id scoped to a website id.
// Keys use the canonical format:
//
//	{channel}:{websiteId}:{sessionId}
//
// Examples:
//
//	crisp:8c842203-7ed8-4e29-a608-7cf78a7d2fcc:session_700c65e1-85e2-465a-b9ac-ecb5ec2c9881
package sessions

import "fmt"

// DefaultChannel is the channel prefix used for Crisp conversations.
const DefaultChannel = "crisp"

// Key identifies one ongoing conversation.
type Key struct {
	Channel   string
	WebsiteID string
	SessionID string
}

// String returns the canonical key form.
func (k Key) String() string {
	return BuildSessionKey(k.Channel, k.WebsiteID, k.SessionID)
}

// IsZero reports whether the key lacks a website or session id.
func (k Key) IsZero() bool {
	return k.WebsiteID == "" || k.SessionID == ""
}

// BuildSessionKey builds the canonical session key for a conversation.
// An empty channel defaults to "crisp".
//
//	{channel}:{websiteId}:{sessionId}
func BuildSessionKey(channel, websiteID, sessionID string) string {
	if channel == "" {
		channel = DefaultChannel
	}
	return fmt.Sprintf("%s:%s:%s", channel, websiteID, sessionID)
}
