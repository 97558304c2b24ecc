package protocol

// HTTP routes served by the relay gateway.
const (
	RouteRoot        = "/"
	RouteHealth      = "/health"
	RouteRTMIngest   = "/api/crisp/rtm"
	RouteSendMessage = "/api/crisp/send-message"
)

// DefaultBackendPath is where the backend receives forwarded events unless configured otherwise.
const DefaultBackendPath = RouteRTMIngest
