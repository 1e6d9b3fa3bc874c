package bizsocket

import (
	"context"
	"encoding/json"
)

// Client defines the session surface exposed to applications.
//
// A Client owns exactly one transport handle at a time. Connect creates it,
// authenticates every physical connection the transport establishes and
// re-declares registered subscriptions after each successful handshake.
//
// Example usage:
//
//	import "github.com/luciancaetano/bizsocket/ws"
//
//	client := ws.NewClient(ws.Options{
//	    Base:      "https://push.example.com/ws",
//	    ProjectID: "p1",
//	    Token:     "secret",
//	})
//
//	client.OnStateChange(func(state bizsocket.ConnectionState) {
//	    log.Printf("state: %s", state)
//	})
//
//	client.Subscribe("orders", "order.created", func(msg bizsocket.EventMessage) {
//	    log.Printf("payload: %s", msg.Payload)
//	})
//
//	client.Connect(func(err error) {
//	    if err != nil {
//	        log.Printf("connect failed: %v", err)
//	    }
//	})
type Client interface {
	// Connect starts the connection lifecycle and returns immediately.
	//
	// onFinished is called at most once: with nil after the first successful
	// handshake, or with the error that ended the handshake window
	// (*AuthError, ErrHandshakeTimeout or a wrapped transport error).
	//
	// Returns ErrAlreadyConnected if a transport handle is already live.
	Connect(onFinished FinishFunc) error

	// Disconnect tears the session down. It is always safe to call, never
	// returns an error and discards all observers and subscriptions.
	Disconnect()

	// OnStateChange registers an observer for connection state transitions.
	//
	// Observers run synchronously in registration order and must not panic.
	// Every call is a separate registration with its own Subscription: Go
	// funcs are not comparable, so observers are not deduplicated and
	// registering the same func twice notifies it twice. A nil callback
	// yields a no-op Subscription.
	OnStateChange(fn StateChangeFunc) Subscription

	// Subscribe registers interest in messages carrying topic on the transport
	// channel named event.
	//
	// Returns ErrInvalidSubscription if any argument is empty.
	Subscribe(topic, event string, fn EventFunc) (Subscription, error)

	// State returns the current connection state.
	State() ConnectionState
}

// Subscription is a disposable registration handle.
type Subscription interface {
	// Dispose removes the registration. Calling it more than once is a no-op.
	Dispose()
}

// SubscriptionFunc adapts a function to the Subscription interface.
type SubscriptionFunc func()

// Dispose calls f.
func (f SubscriptionFunc) Dispose() {
	if f != nil {
		f()
	}
}

// ListenerID identifies a listener registered on a Transport.
type ListenerID uint64

// Listener receives the raw data attached to a transport event.
type Listener func(data json.RawMessage)

// AckFunc receives the single reply to an emitted event.
type AckFunc func(data json.RawMessage)

// Transport is the bidirectional, event-based channel a Client drives.
//
// Implementations own connection establishment, framing, heartbeats and
// reconnection. They must invoke listeners and ack callbacks serially, in the
// order events are delivered.
type Transport interface {
	// Connect begins connecting in the background.
	Connect() error

	// Close terminates the connection. It is safe to call more than once.
	Close() error

	// Emit sends an event. When ack is non-nil the transport waits for exactly
	// one reply and hands it to ack.
	Emit(event string, payload any, ack AckFunc) error

	// On registers fn for event and returns its identifier.
	On(event string, fn Listener) ListenerID

	// Off removes a single listener.
	Off(event string, id ListenerID)

	// OffAll removes every listener registered for event.
	OffAll(event string)
}

// TransportFactory creates a fresh transport for every Connect call.
type TransportFactory func(url string, opts TransportOptions) (Transport, error)

// Gateway defines the reference server that speaks the session protocol.
//
// Peers authenticate with the auth event, declare interest with the subscribe
// event and then receive every EventMessage published for their project on the
// event names they declared.
type Gateway interface {
	// Start starts listening. It returns once the listener is up or failed.
	Start(ctx context.Context) error

	// Stop closes all peer connections and shuts the HTTP server down.
	Stop(ctx context.Context) error

	// Publish delivers msg to every authenticated peer of msg.ProjectID that
	// subscribed to msg.Event.
	Publish(ctx context.Context, msg EventMessage) error
}

// Peer represents a connection accepted by a Gateway.
type Peer interface {
	// ID returns a unique identifier for the connection.
	ID() string

	// RemoteAddr returns the peer's remote network address.
	RemoteAddr() string

	// ProjectID returns the project the peer authenticated for, or "".
	ProjectID() string

	// Context is cancelled when the connection closes.
	Context() context.Context

	// Close closes the connection with a normal closure code.
	Close(ctx context.Context) error

	// IsAlive reports whether the connection is still open.
	IsAlive() bool
}
