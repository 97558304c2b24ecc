package crisp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/crisprelay/internal/bus"
	"github.com/nextlevelbuilder/crisprelay/internal/config"
	crispapi "github.com/nextlevelbuilder/crisprelay/internal/crisp"
)

const visitorText = `{"website_id":"site-1","session_id":"s1","type":"text","from":"user","origin":"chat","content":"hello","fingerprint":42}`

type recordingSender struct {
	mu   sync.Mutex
	sent []crispapi.MessageData
	err  error
}

func (r *recordingSender) SendMessage(_ context.Context, _, _ string, msg crispapi.MessageData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

// fakeRTM is a minimal socket.io v4 server speaking the Crisp RTM handshake.
type fakeRTM struct {
	srv   *httptest.Server
	conns atomic.Int32

	mu    sync.Mutex
	auths []map[string]interface{}
}

// newFakeRTM runs script for each connection after the handshake and
// authentication frames have been exchanged.
func newFakeRTM(t *testing.T, script func(conn *websocket.Conn, attempt int)) *fakeRTM {
	t.Helper()
	f := &fakeRTM{}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		attempt := int(f.conns.Add(1))

		if !f.handshake(conn) {
			return
		}
		script(conn, attempt)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRTM) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
}

func (f *fakeRTM) handshake(conn *websocket.Conn) bool {
	if conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"eio-1","pingInterval":25000,"pingTimeout":20000}`)) != nil {
		return false
	}
	_, data, err := conn.ReadMessage()
	if err != nil || string(data) != "40" {
		return false
	}
	if conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"sio-1"}`)) != nil {
		return false
	}

	_, data, err = conn.ReadMessage()
	if err != nil {
		return false
	}
	p, err := decodePacket(data)
	if err != nil || p.Event != "authentication" || len(p.Args) != 1 {
		return false
	}
	var auth map[string]interface{}
	if json.Unmarshal(p.Args[0], &auth) != nil {
		return false
	}
	f.mu.Lock()
	f.auths = append(f.auths, auth)
	f.mu.Unlock()
	return true
}

func (f *fakeRTM) authentications() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]interface{}(nil), f.auths...)
}

func send(conn *websocket.Conn, frame string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// drain blocks until the client goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testConfig(rtmURL string) config.CrispConfig {
	return config.CrispConfig{
		Identifier: "plugin-id",
		Key:        "plugin-key",
		RTMMode:    config.RTMModeWebSockets,
		RTMURL:     rtmURL,
	}
}

func consume(t *testing.T, msgBus *bus.MessageBus, timeout time.Duration) (bus.InboundMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return msgBus.ConsumeInbound(ctx)
}

func startChannel(t *testing.T, cfg config.CrispConfig, msgBus *bus.MessageBus, dedupe bus.Deduper) *Channel {
	t.Helper()
	ch, err := New(cfg, &recordingSender{}, dedupe, msgBus)
	require.NoError(t, err)
	ch.backoff = 10 * time.Millisecond
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Stop(context.Background()) })
	return ch
}

func TestChannel_RTMSessionPublishesVisitorMessages(t *testing.T) {
	pong := make(chan string, 1)
	rtm := newFakeRTM(t, func(conn *websocket.Conn, _ int) {
		_ = send(conn, `42["authenticated",true]`)
		_ = send(conn, "2")
		_, data, err := conn.ReadMessage()
		if err == nil {
			pong <- string(data)
		}
		_ = send(conn, `42["message:send",`+visitorText+`]`)
		_ = send(conn, `42["message:send",`+visitorText+`]`) // redelivery
		_ = send(conn, `42["message:received",{"website_id":"site-1","session_id":"s1","type":"text","from":"operator","content":"hi"}]`)
		drain(conn)
	})

	msgBus := bus.New()
	dedupe := bus.NewDedupeCache(time.Minute, 100)
	t.Cleanup(func() { _ = dedupe.Close() })
	ch := startChannel(t, testConfig(rtm.url()), msgBus, dedupe)
	assert.True(t, ch.IsRunning())

	msg, ok := consume(t, msgBus, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "crisp", msg.Channel)
	assert.Equal(t, "site-1", msg.WebsiteID)
	assert.Equal(t, "hello", msg.Text)
	assert.JSONEq(t, visitorText, string(msg.Payload))

	_, ok = consume(t, msgBus, 150*time.Millisecond)
	assert.False(t, ok, "duplicates and operator messages are not published")

	select {
	case got := <-pong:
		assert.Equal(t, "3", got)
	case <-time.After(time.Second):
		t.Fatal("no pong received")
	}

	auths := rtm.authentications()
	require.Len(t, auths, 1)
	assert.Equal(t, "plugin", auths[0]["tier"])
	assert.Equal(t, "plugin-id", auths[0]["username"])
	assert.Equal(t, "plugin-key", auths[0]["password"])
	assert.Equal(t, []interface{}{"message:send"}, auths[0]["events"])
}

func TestChannel_RTMReconnects(t *testing.T) {
	rtm := newFakeRTM(t, func(conn *websocket.Conn, attempt int) {
		if attempt == 1 {
			_ = send(conn, `42["unauthorized"]`)
			drain(conn)
			return
		}
		_ = send(conn, `42["authenticated",true]`)
		_ = send(conn, `42["message:send",`+visitorText+`]`)
		drain(conn)
	})

	msgBus := bus.New()
	startChannel(t, testConfig(rtm.url()), msgBus, nil)

	msg, ok := consume(t, msgBus, 3*time.Second)
	require.True(t, ok, "message delivered after reconnect")
	assert.Equal(t, "s1", msg.SessionID)
	assert.GreaterOrEqual(t, int(rtm.conns.Load()), 2)
	assert.Len(t, rtm.authentications(), 2)
}

func TestChannel_StopEndsSession(t *testing.T) {
	closed := make(chan struct{})
	rtm := newFakeRTM(t, func(conn *websocket.Conn, _ int) {
		_ = send(conn, `42["authenticated",true]`)
		drain(conn)
		close(closed)
	})

	msgBus := bus.New()
	ch, err := New(testConfig(rtm.url()), &recordingSender{}, nil, msgBus)
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))

	require.Eventually(t, func() bool { return len(rtm.authentications()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, ch.Stop(context.Background()))
	assert.False(t, ch.IsRunning())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the socket close")
	}
}

func TestChannel_WebhookIngest(t *testing.T) {
	msgBus := bus.New()
	cfg := testConfig("")
	cfg.RTMMode = config.RTMModeWebhooks
	cfg.Websites = config.FlexibleStringSlice{"site-1"}
	dedupe := bus.NewDedupeCache(time.Minute, 100)
	t.Cleanup(func() { _ = dedupe.Close() })

	ch, err := New(cfg, &recordingSender{}, dedupe, msgBus)
	require.NoError(t, err)
	require.NoError(t, ch.Start(context.Background()))
	defer ch.Stop(context.Background())

	ctx := context.Background()
	envelope := `{"event":"message:send","website_id":"site-1","data":` + visitorText + `}`

	res, err := ch.Ingest(ctx, []byte(envelope))
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res)

	res, err = ch.Ingest(ctx, []byte(envelope))
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, res)

	res, err = ch.Ingest(ctx, []byte(`{"website_id":"site-2","session_id":"s","type":"text","content":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, IngestWebsiteDenied, res)
	assert.Equal(t, "website not allowed", res.Reason())

	res, err = ch.Ingest(ctx, []byte(`{"event":"message:received","website_id":"site-1","data":`+visitorText+`}`))
	require.NoError(t, err)
	assert.Equal(t, IngestUnsupported, res)

	res, err = ch.Ingest(ctx, []byte(`{"website_id":"site-1","session_id":"s1","type":"text","from":"operator","content":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, IngestNotVisitor, res)
	assert.Equal(t, "not a visitor message", res.Reason())

	res, err = ch.Ingest(ctx, []byte(`not json`))
	assert.ErrorIs(t, err, crispapi.ErrInvalidEvent)
	assert.Equal(t, IngestInvalid, res)

	msg, ok := consume(t, msgBus, time.Second)
	require.True(t, ok)
	assert.Equal(t, "s1", msg.SessionID)
	_, ok = consume(t, msgBus, 50*time.Millisecond)
	assert.False(t, ok)
}

// TestChannel_IngestQueueFullAllowsRedelivery checks that an event dropped
// on a full bus is not remembered as seen, so the provider's retry gets through.
func TestChannel_IngestQueueFullAllowsRedelivery(t *testing.T) {
	msgBus := bus.NewWithBuffer(1)
	cfg := testConfig("")
	cfg.RTMMode = config.RTMModeWebhooks
	dedupe := bus.NewDedupeCache(time.Minute, 100)
	t.Cleanup(func() { _ = dedupe.Close() })

	ch, err := New(cfg, &recordingSender{}, dedupe, msgBus)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, msgBus.PublishInbound(bus.InboundMessage{WebsiteID: "site-1", SessionID: "other"}))

	res, err := ch.Ingest(ctx, []byte(visitorText))
	require.NoError(t, err)
	assert.Equal(t, IngestQueueFull, res)
	assert.False(t, res.Relayed())
	assert.Equal(t, 0, dedupe.Len(), "a dropped event is not marked as seen")

	first, ok := consume(t, msgBus, time.Second)
	require.True(t, ok)
	assert.Equal(t, "other", first.SessionID)

	res, err = ch.Ingest(ctx, []byte(visitorText))
	require.NoError(t, err)
	assert.Equal(t, IngestAccepted, res, "redelivery after a drop is accepted")

	msg, ok := consume(t, msgBus, time.Second)
	require.True(t, ok, "redelivered message reaches the bus")
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, "hello", msg.Text)

	res, err = ch.Ingest(ctx, []byte(visitorText))
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, res)
	assert.True(t, res.Relayed())
}

func TestChannel_SendFillsDefaults(t *testing.T) {
	sender := &recordingSender{}
	cfg := testConfig("")
	cfg.RTMMode = config.RTMModeWebhooks
	ch, err := New(cfg, sender, nil, bus.New())
	require.NoError(t, err)

	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{WebsiteID: "w", SessionID: "s", Content: "hi"}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, crispapi.MessageData{Type: "text", From: "operator", Origin: "chat", Content: "hi"}, sender.sent[0])

	sender.err = errors.New("boom")
	assert.ErrorContains(t, ch.Send(context.Background(), bus.OutboundMessage{WebsiteID: "w", SessionID: "s"}), "boom")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.CrispConfig{}, &recordingSender{}, nil, bus.New())
	assert.ErrorIs(t, err, config.ErrMissingCredentials)

	_, err = New(testConfig(""), &recordingSender{}, nil, bus.New())
	assert.ErrorContains(t, err, "rtm_url")

	_, err = New(testConfig("ws://x"), nil, nil, bus.New())
	assert.Error(t, err)
}
