package crisp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

const (
	handshakeTimeout = 10 * time.Second
	readLimit        = 1 << 20 // 1MB
)

var errRTMClosed = errors.New("crisp rtm: server closed the session")

// packet is one decoded frame from the RTM socket.
type packet struct {
	EIO   byte              // engine.io type
	SIO   byte              // socket.io type, set when EIO == eioMessage
	Event string            // event name for sioEvent
	Args  []json.RawMessage // event arguments after the name
	Data  json.RawMessage   // JSON body of open / connect / connect_error packets
}

// decodePacket parses an Engine.IO v4 text frame, including an embedded
// Socket.IO packet for the default namespace.
func decodePacket(frame []byte) (packet, error) {
	if len(frame) == 0 {
		return packet{}, fmt.Errorf("crisp rtm: empty frame")
	}
	p := packet{EIO: frame[0]}
	body := frame[1:]

	switch p.EIO {
	case eioOpen:
		p.Data = json.RawMessage(body)
		return p, nil
	case eioClose, eioPing, eioPong:
		return p, nil
	case eioMessage:
	default:
		return packet{}, fmt.Errorf("crisp rtm: unknown engine.io packet %q", p.EIO)
	}

	if len(body) == 0 {
		return packet{}, fmt.Errorf("crisp rtm: empty socket.io packet")
	}
	p.SIO = body[0]
	body = body[1:]

	// Only the default namespace is used; a "/nsp," prefix is skipped.
	if len(body) > 0 && body[0] == '/' {
		if i := bytes.IndexByte(body, ','); i >= 0 {
			body = body[i+1:]
		} else {
			body = nil
		}
	}

	switch p.SIO {
	case sioConnect, sioConnectError:
		p.Data = json.RawMessage(body)
	case sioDisconnect:
	case sioEvent, sioAck:
		// Optional numeric ack id precedes the argument array.
		i := 0
		for i < len(body) && body[i] >= '0' && body[i] <= '9' {
			i++
		}
		var items []json.RawMessage
		if err := json.Unmarshal(body[i:], &items); err != nil {
			return packet{}, fmt.Errorf("crisp rtm: decode event: %w", err)
		}
		if p.SIO == sioEvent {
			if len(items) == 0 {
				return packet{}, fmt.Errorf("crisp rtm: event without name")
			}
			if err := json.Unmarshal(items[0], &p.Event); err != nil {
				return packet{}, fmt.Errorf("crisp rtm: event name: %w", err)
			}
			items = items[1:]
		}
		p.Args = items
	default:
		return packet{}, fmt.Errorf("crisp rtm: unknown socket.io packet %q", p.SIO)
	}
	return p, nil
}

// encodeEvent builds a "42[...]" frame for event with args.
func encodeEvent(event string, args ...interface{}) ([]byte, error) {
	items := make([]interface{}, 0, len(args)+1)
	items = append(items, event)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("crisp rtm: encode %s: %w", event, err)
	}
	return append([]byte{eioMessage, sioEvent}, data...), nil
}

// rtmConn wraps coder/websocket with a thread-safe write method.
type rtmConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// dialRTM connects to the RTM endpoint and completes the Engine.IO open and
// Socket.IO connect handshakes on the default namespace.
func dialRTM(ctx context.Context, rtmURL string) (*rtmConn, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hctx, rtmURL, nil)
	if err != nil {
		return nil, fmt.Errorf("crisp rtm: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c := &rtmConn{conn: conn}

	p, err := c.read(hctx)
	if err != nil {
		c.close("handshake failed")
		return nil, err
	}
	if p.EIO != eioOpen {
		c.close("handshake failed")
		return nil, fmt.Errorf("crisp rtm: expected open packet, got %q", p.EIO)
	}

	if err := c.write(hctx, []byte{eioMessage, sioConnect}); err != nil {
		c.close("handshake failed")
		return nil, err
	}

	for {
		p, err := c.read(hctx)
		if err != nil {
			c.close("handshake failed")
			return nil, err
		}
		switch {
		case p.EIO == eioPing:
			if err := c.write(hctx, []byte{eioPong}); err != nil {
				c.close("handshake failed")
				return nil, err
			}
		case p.EIO == eioMessage && p.SIO == sioConnect:
			return c, nil
		case p.EIO == eioMessage && p.SIO == sioConnectError:
			c.close("connect refused")
			return nil, fmt.Errorf("crisp rtm: connect refused: %s", string(p.Data))
		}
	}
}

func (c *rtmConn) read(ctx context.Context) (packet, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return packet{}, fmt.Errorf("crisp rtm: read: %w", err)
	}
	return decodePacket(data)
}

func (c *rtmConn) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("crisp rtm: write: %w", err)
	}
	return nil
}

func (c *rtmConn) emit(ctx context.Context, event string, args ...interface{}) error {
	frame, err := encodeEvent(event, args...)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *rtmConn) close(reason string) {
	_ = c.conn.Close(websocket.StatusNormalClosure, reason)
}
