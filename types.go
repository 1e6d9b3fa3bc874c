package bizsocket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionState is the lifecycle state of a Client.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// AuthCode is the result carried by the auth acknowledgement.
type AuthCode string

const (
	AuthOK      AuthCode = "AUTH_OK"
	AuthFailed  AuthCode = "AUTH_FAILED"
	AuthUnknown AuthCode = "UNKNOWN"
)

// ParseAuthCode maps a server supplied code to an AuthCode.
// Anything it does not recognise becomes AuthUnknown.
func ParseAuthCode(raw string) AuthCode {
	switch AuthCode(raw) {
	case AuthOK:
		return AuthOK
	case AuthFailed:
		return AuthFailed
	default:
		return AuthUnknown
	}
}

// SubscribeCode is the result carried by the subscribe acknowledgement.
type SubscribeCode string

const (
	SubscribeOK     SubscribeCode = "SUBSCRIBE_OK"
	SubscribeFailed SubscribeCode = "SUBSCRIBE_FAILED"
)

// ParseSubscribeCode maps a server supplied code to a SubscribeCode.
// Anything other than SUBSCRIBE_OK is a failure.
func ParseSubscribeCode(raw string) SubscribeCode {
	if SubscribeCode(raw) == SubscribeOK {
		return SubscribeOK
	}
	return SubscribeFailed
}

// DecodeCode extracts the string code from an acknowledgement payload.
// Non-string payloads decode to "".
func DecodeCode(data json.RawMessage) string {
	var code string
	if err := json.Unmarshal(data, &code); err != nil {
		return ""
	}
	return code
}

// EventMessage is a message delivered on a subscribed event name.
type EventMessage struct {
	ProjectID string `json:"projectId"`
	Topic     string `json:"topic"`
	Event     string `json:"event"`
	Payload   string `json:"payload"`
}

// ParseEventMessage decodes raw into an EventMessage. Every field must be
// present and must be a JSON string.
func ParseEventMessage(raw []byte) (EventMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return EventMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var msg EventMessage
	targets := []struct {
		key string
		dst *string
	}{
		{"projectId", &msg.ProjectID},
		{"topic", &msg.Topic},
		{"event", &msg.Event},
		{"payload", &msg.Payload},
	}
	for _, t := range targets {
		v, ok := fields[t.key]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return EventMessage{}, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, t.key)
		}
		if err := json.Unmarshal(v, t.dst); err != nil {
			return EventMessage{}, fmt.Errorf("%w: field %q is not a string", ErrInvalidMessage, t.key)
		}
	}
	return msg, nil
}

// StateChangeFunc observes connection state transitions.
type StateChangeFunc func(state ConnectionState)

// EventFunc receives messages that passed the topic filter.
type EventFunc func(msg EventMessage)

// FinishFunc reports the outcome of Connect. err is nil on success.
type FinishFunc func(err error)

// AuthPayload is the body of the auth event.
type AuthPayload struct {
	ProjectID string `json:"projectId"`
	Token     string `json:"token"`
}

// RateLimitConfig defines token bucket rate limiting for inbound messages.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages are accepted per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// TransportOptions configures the transport created for each Connect.
type TransportOptions struct {
	// Reconnection enables automatic reconnection after a lost connection.
	Reconnection bool
	// ReconnectionAttempts caps consecutive reconnection attempts. 0 means unlimited.
	ReconnectionAttempts int
	// ReconnectionDelay is the delay before the first reconnection attempt.
	ReconnectionDelay time.Duration
	// ReconnectionDelayMax caps the exponential backoff.
	ReconnectionDelayMax time.Duration
	// Multiplex must stay false: a session owns its physical connection.
	Multiplex bool
	// Transports lists the allowed transport kinds. Only "websocket" is supported.
	Transports []string
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
	// RateLimit throttles inbound events. nil disables throttling.
	RateLimit *RateLimitConfig
}

// DefaultTransportOptions mirrors the reconnection policy used by the session.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		Reconnection:         true,
		ReconnectionAttempts: 0,
		ReconnectionDelay:    1 * time.Second,
		ReconnectionDelayMax: 5 * time.Second,
		Multiplex:            false,
		Transports:           []string{TransportWebsocket},
		ConnectTimeout:       20 * time.Second,
	}
}

// Validate checks the options against what a session requires.
func (o TransportOptions) Validate() error {
	if o.Multiplex {
		return fmt.Errorf("%w: multiplexed connections are not supported", ErrInvalidOptions)
	}
	if len(o.Transports) != 1 || o.Transports[0] != TransportWebsocket {
		return fmt.Errorf("%w: transports must be [%q], got %v", ErrInvalidOptions, TransportWebsocket, o.Transports)
	}
	if o.ReconnectionAttempts < 0 {
		return fmt.Errorf("%w: negative reconnection attempts", ErrInvalidOptions)
	}
	if o.ReconnectionDelayMax > 0 && o.ReconnectionDelay > o.ReconnectionDelayMax {
		return fmt.Errorf("%w: reconnection delay %s exceeds max %s", ErrInvalidOptions, o.ReconnectionDelay, o.ReconnectionDelayMax)
	}
	return nil
}
