package bizsocket

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned by Connect while a transport handle is live.
	ErrAlreadyConnected = errors.New("bizsocket: connect called while a connection is live")
	// ErrInvalidSubscription is returned by Subscribe for empty arguments.
	ErrInvalidSubscription = errors.New("bizsocket: topic, event and callback are required")
	// ErrInvalidMessage is returned when an inbound message fails to decode.
	ErrInvalidMessage = errors.New("bizsocket: invalid event message")
	// ErrHandshakeTimeout is reported when the auth acknowledgement never arrives.
	ErrHandshakeTimeout = errors.New("bizsocket: handshake timed out")
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("bizsocket: connection is closed")
	// ErrNotConnected is returned when emitting without a physical connection.
	ErrNotConnected = errors.New("bizsocket: not connected")
	// ErrRateLimited is reported when inbound traffic exceeds the rate limit.
	ErrRateLimited = errors.New("bizsocket: rate limit exceeded")
	// ErrInvalidOptions is returned for unsupported transport options.
	ErrInvalidOptions = errors.New("bizsocket: invalid options")
)

// AuthError reports a handshake rejected by the server.
type AuthError struct {
	Code AuthCode
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("bizsocket: authentication failed: %s", e.Code)
}

// TransportError wraps an error raised by the transport during the
// handshake window.
type TransportError struct {
	Event  string
	Reason string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bizsocket: transport %s: %s", e.Event, e.Reason)
}
