package protocol

// ProtocolVersion is bumped whenever the relay's HTTP or bus payloads change shape.
const ProtocolVersion = 1

// RTM event names emitted by the Crisp realtime API.
const (
	EventMessageSend     = "message:send"     // visitor sent a message
	EventMessageReceived = "message:received" // operator message delivered to the visitor
	EventAuthentication  = "authentication"
	EventAuthenticated   = "authenticated"
	EventUnauthorized    = "unauthorized"
)

// Message kinds (payload.type). Only text goes through the debouncer.
const (
	KindText      = "text"
	KindFile      = "file"
	KindAnimation = "animation"
	KindAudio     = "audio"
	KindPicker    = "picker"
	KindField     = "field"
	KindCarousel  = "carousel"
	KindNote      = "note"
	KindEvent     = "event"
)

// Sender roles (payload.from).
const (
	FromUser     = "user"
	FromOperator = "operator"
)

// OriginChat is the origin tag for messages the relay writes into a conversation.
const OriginChat = "chat"

// Internal bus event names, counted by the gateway for /health.
const (
	EventFlush    = "debounce.flush"
	EventShutdown = "shutdown"
)
