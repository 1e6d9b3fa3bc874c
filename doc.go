// Package bizsocket provides a realtime event subscription client and a
// reference gateway for business push notifications.
//
// A client opens one websocket connection to the gateway, authenticates it
// with a project id and a token and declares the event names it wants. The
// gateway pushes event messages for that project; the client routes each one
// to the subscriptions registered for its event name and topic.
//
// # Architecture
//
// The root package holds the shared types and interfaces. Implementations live
// below it:
//
//   - ws: public constructors for clients and gateways
//   - internal/session: connection state machine, auth handshake, subscriptions
//   - internal/websocket: gorilla based transport, gateway and peers
//   - internal/protocol: frame codec
//   - internal/relay: Redis pub/sub bridge feeding a gateway
//
// # Quick Start
//
//	client := ws.NewClient(ws.Options{
//	    Base:      "https://push.example.com",
//	    ProjectID: "p1",
//	    Token:     os.Getenv("BIZSOCKET_TOKEN"),
//	})
//
//	sub, err := client.Subscribe("orders", "order.created", func(msg bizsocket.EventMessage) {
//	    log.Printf("order: %s", msg.Payload)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sub.Dispose()
//
//	client.Connect(func(err error) {
//	    if err != nil {
//	        log.Printf("connect failed: %v", err)
//	    }
//	})
//
// # Connection States
//
// A client is DISCONNECTED, CONNECTING or CONNECTED. It only reports CONNECTED
// after the gateway acknowledged the auth event with AUTH_OK. Every reconnect
// made by the transport is authenticated again and the subscriptions are
// re-declared in one bulk subscribe event.
//
// # Protocol Format
//
//	[4 bytes: frame type (uint32, big-endian)][N bytes: JSON body]
//
// Type 1 carries an event {"event","id","data"}; type 2 carries the ack for
// the event with the same id. Maximum payload: 10MB.
//
// # Rate Limiting
//
// Both ends throttle inbound events with a token bucket:
//
//	// Default: 100 messages/second, burst 200
//	ws.DefaultRateLimitConfig()
//
//	// Disabled
//	ws.NoRateLimit()
//
// A gateway closes an abusive peer with close code 1008 (Policy Violation).
//
// # Important
//
//   - Callbacks run on the transport's event goroutine; do not block in them
//   - Configure CheckOrigin in production (never use ws.AllOrigins() in production)
package bizsocket
