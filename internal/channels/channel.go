// Package channels connects conversation providers to the relay via the
// message bus. A channel publishes inbound messages and delivers outbound
// replies; the Manager owns channel lifecycle and outbound routing.
package channels

import (
	"context"
	"sync/atomic"
	"unicode/utf8"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "crisp").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message into a conversation.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	running   atomic.Bool
	allowList []string // website ids; empty = all
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowList: allowList,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// IsAllowed checks if a website is permitted by the allowlist.
// Empty allowlist means all websites are allowed.
func (c *BaseChannel) IsAllowed(websiteID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if allowed == websiteID {
			return true
		}
	}
	return false
}

// HandleMessage stamps the channel name on msg and publishes it to the bus.
// Returns false when the bus dropped the message. Callers check IsAllowed first.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) bool {
	msg.Channel = c.name
	return c.bus.PublishInbound(msg)
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
