package bizsocket

// Transport lifecycle events.
const (
	EventConnect         = "connect"
	EventConnecting      = "connecting"
	EventReconnect       = "reconnect"
	EventReconnecting    = "reconnecting"
	EventDisconnect      = "disconnect"
	EventError           = "error"
	EventConnectError    = "connect_error"
	EventConnectTimeout  = "connect_timeout"
	EventReconnectError  = "reconnect_error"
	EventReconnectFailed = "reconnect_failed"
)

// Application events exchanged with the gateway.
const (
	EventAuth      = "auth"
	EventSubscribe = "subscribe"
)

// TransportWebsocket is the only supported transport kind.
const TransportWebsocket = "websocket"

// DisconnectEvents end an authenticated session.
var DisconnectEvents = []string{
	EventConnectError,
	EventConnectTimeout,
	EventDisconnect,
	EventError,
	EventReconnectError,
	EventReconnectFailed,
}

// IsLifecycleEvent reports whether name is reserved for transport lifecycle
// notifications and therefore cannot be used as a subscription event name.
func IsLifecycleEvent(name string) bool {
	switch name {
	case EventConnect, EventConnecting, EventReconnect, EventReconnecting,
		EventDisconnect, EventError, EventConnectError, EventConnectTimeout,
		EventReconnectError, EventReconnectFailed:
		return true
	}
	return false
}

// Standard error messages
const (
	// Protocol errors
	ErrMsgInvalidMessageFormat = "Invalid message format"
	ErrMsgUnknownEvent         = "unknown event"
	ErrMsgNotAuthenticated     = "not authenticated"

	// Connection errors
	ErrMsgPeerNotFound         = "peer not found"
	ErrMsgServerAlreadyRunning = "server already running"
	ErrMsgRateLimitExceeded    = "Rate limit exceeded"
)
