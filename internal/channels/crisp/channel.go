// Package crisp is the Crisp conversation channel. In websockets mode it
// holds a socket to the Crisp RTM endpoint; in webhooks mode events arrive
// through the HTTP ingest route. Either way, user messages are deduplicated
// and published to the bus, and replies go out through the REST API.
package crisp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/internal/channels"
	"github.com/nextlevelbuilder/crisprelay/internal/config"
	crispapi "github.com/nextlevelbuilder/crisprelay/internal/crisp"
	"github.com/nextlevelbuilder/crisprelay/internal/sessions"
	"github.com/nextlevelbuilder/crisprelay/pkg/protocol"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// IngestResult reports what happened to one raw event.
type IngestResult string

const (
	IngestAccepted      IngestResult = "accepted"
	IngestDuplicate     IngestResult = "duplicate"
	IngestInvalid       IngestResult = "invalid"
	IngestUnsupported   IngestResult = "unsupported_event"
	IngestNotVisitor    IngestResult = "not_visitor"
	IngestWebsiteDenied IngestResult = "website_not_allowed"
	IngestQueueFull     IngestResult = "queue_full" // dropped; the provider should redeliver
)

// Relayed reports whether the event was (or already had been) handed to the relay.
func (r IngestResult) Relayed() bool {
	return r == IngestAccepted || r == IngestDuplicate
}

// Reason describes why an event was not relayed.
func (r IngestResult) Reason() string {
	switch r {
	case IngestInvalid:
		return "invalid message event"
	case IngestUnsupported:
		return "event type is not relayed"
	case IngestNotVisitor:
		return "not a visitor message"
	case IngestWebsiteDenied:
		return "website not allowed"
	case IngestQueueFull:
		return "relay queue full, retry later"
	}
	return ""
}

// Sender posts messages into Crisp conversations.
type Sender interface {
	SendMessage(ctx context.Context, websiteID, sessionID string, msg crispapi.MessageData) error
}

// Channel connects Crisp conversations to the message bus.
type Channel struct {
	*channels.BaseChannel
	config config.CrispConfig
	sender Sender
	dedupe bus.Deduper

	mu      sync.Mutex
	conn    *rtmConn
	cancel  context.CancelFunc
	done    chan struct{}
	backoff time.Duration
}

// New creates a Crisp channel. dedupe may be nil to disable deduplication.
func New(cfg config.CrispConfig, sender Sender, dedupe bus.Deduper, msgBus *bus.MessageBus) (*Channel, error) {
	if !cfg.HasCredentials() {
		return nil, config.ErrMissingCredentials
	}
	if sender == nil {
		return nil, fmt.Errorf("crisp channel: sender is required")
	}
	if cfg.RTMMode == "" {
		cfg.RTMMode = config.RTMModeWebSockets
	}
	if cfg.RTMMode == config.RTMModeWebSockets && cfg.RTMURL == "" {
		return nil, fmt.Errorf("crisp rtm_url is required in %s mode", config.RTMModeWebSockets)
	}
	if len(cfg.Events) == 0 {
		cfg.Events = config.FlexibleStringSlice{protocol.EventMessageSend}
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel(sessions.DefaultChannel, msgBus, cfg.Websites),
		config:      cfg,
		sender:      sender,
		dedupe:      dedupe,
		backoff:     minBackoff,
	}, nil
}

// Start begins listening. In webhooks mode there is nothing to connect.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting crisp channel", "mode", c.config.RTMMode)

	if c.config.RTMMode == config.RTMModeWebSockets {
		loopCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		c.mu.Lock()
		c.cancel = cancel
		c.done = done
		c.mu.Unlock()

		go func() {
			defer close(done)
			c.listenLoop(loopCtx)
		}()
	}

	c.SetRunning(true)
	return nil
}

// Stop closes the RTM socket and waits for the listen loop to exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping crisp channel")

	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done, c.conn = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.close("shutdown")
	}
	if done != nil {
		<-done
	}

	c.SetRunning(false)
	return nil
}

// Send writes an outbound message into its conversation through the REST API.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	data := crispapi.MessageData{
		Type:    msg.Kind,
		From:    msg.From,
		Origin:  msg.Origin,
		Content: msg.Content,
	}
	if data.Type == "" {
		data.Type = protocol.KindText
	}
	if data.From == "" {
		data.From = protocol.FromOperator
	}
	if data.Origin == "" {
		data.Origin = protocol.OriginChat
	}

	if err := c.sender.SendMessage(ctx, msg.WebsiteID, msg.SessionID, data); err != nil {
		return fmt.Errorf("crisp send to %s: %w", msg.SessionID, err)
	}
	return nil
}

// Ingest decodes one raw message event, drops duplicates and non-visitor
// messages, and publishes the rest to the bus.
func (c *Channel) Ingest(ctx context.Context, raw []byte) (IngestResult, error) {
	msg, event, err := crispapi.DecodeEvent(raw)
	if err != nil {
		return IngestInvalid, err
	}
	return c.ingest(ctx, event, msg), nil
}

func (c *Channel) ingest(ctx context.Context, event string, msg bus.InboundMessage) IngestResult {
	if event != protocol.EventMessageSend {
		slog.Debug("crisp: ignoring event", "event", event, "session_id", msg.SessionID)
		return IngestUnsupported
	}
	if !crispapi.FromUser(msg) {
		slog.Debug("crisp: ignoring non-visitor message", "from", msg.From, "session_id", msg.SessionID)
		return IngestNotVisitor
	}
	if !c.IsAllowed(msg.WebsiteID) {
		slog.Debug("crisp: website not allowed", "website_id", msg.WebsiteID)
		return IngestWebsiteDenied
	}

	msg.Channel = c.Name()
	key := bus.DedupeKey(msg)
	if c.dedupe != nil && key != "" && c.dedupe.IsDuplicate(ctx, key) {
		slog.Debug("crisp: duplicate event dropped", "session_id", msg.SessionID, "fingerprint", msg.Fingerprint)
		return IngestDuplicate
	}

	slog.Debug("crisp message received",
		"website_id", msg.WebsiteID,
		"session_id", msg.SessionID,
		"type", msg.Kind,
		"preview", channels.Truncate(msg.Text, 50),
	)
	if !c.HandleMessage(msg) {
		if c.dedupe != nil && key != "" {
			c.dedupe.Forget(ctx, key)
		}
		return IngestQueueFull
	}
	return IngestAccepted
}

// listenLoop keeps an RTM session open with automatic reconnection.
func (c *Channel) listenLoop(ctx context.Context) {
	backoff := c.backoff

	for {
		err := c.runSession(ctx, func() { backoff = c.backoff })
		if ctx.Err() != nil {
			return
		}
		slog.Warn("crisp rtm session ended, will reconnect", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// runSession dials, authenticates and reads events until the socket fails.
// onReady is called once authentication succeeds.
func (c *Channel) runSession(ctx context.Context, onReady func()) error {
	conn, err := dialRTM(ctx, c.config.RTMURL)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.close("session ended")
	}()

	auth := map[string]interface{}{
		"tier":     crispapi.Tier,
		"username": c.config.Identifier,
		"password": c.config.Key,
		"events":   []string(c.config.Events),
	}
	if err := conn.emit(ctx, protocol.EventAuthentication, auth); err != nil {
		return err
	}

	for {
		p, err := conn.read(ctx)
		if err != nil {
			return err
		}

		switch p.EIO {
		case eioPing:
			if err := conn.write(ctx, []byte{eioPong}); err != nil {
				return err
			}
			continue
		case eioClose:
			return errRTMClosed
		case eioMessage:
		default:
			continue
		}

		switch p.SIO {
		case sioDisconnect:
			return errRTMClosed
		case sioEvent:
			if err := c.handleEvent(ctx, p, onReady); err != nil {
				return err
			}
		}
	}
}

var errUnauthorized = errors.New("crisp rtm: unauthorized")

func (c *Channel) handleEvent(ctx context.Context, p packet, onReady func()) error {
	switch p.Event {
	case protocol.EventAuthenticated:
		slog.Info("crisp rtm authenticated", "url", c.config.RTMURL, "events", []string(c.config.Events))
		onReady()
		return nil
	case protocol.EventUnauthorized:
		return errUnauthorized
	}

	if len(p.Args) == 0 {
		return nil
	}
	msg, _, err := crispapi.DecodeEvent(p.Args[0])
	if err != nil {
		slog.Debug("crisp rtm: skipping undecodable event", "event", p.Event, "error", err)
		return nil
	}
	c.ingest(ctx, p.Event, msg)
	return nil
}
