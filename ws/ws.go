package ws

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/metrics"
	"github.com/luciancaetano/bizsocket/internal/session"
	"github.com/luciancaetano/bizsocket/internal/websocket"
)

type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnDisconnectFn
type Authenticator = websocket.Authenticator
type GatewayConfig = websocket.GatewayConfig
type Gateway = websocket.Gateway

// Options configures a client built by NewClient.
type Options struct {
	// Base is the gateway URL, e.g. "https://push.example.com/ws".
	Base      string
	ProjectID string
	Token     string

	// Transport defaults to bizsocket.DefaultTransportOptions().
	Transport *bizsocket.TransportOptions
	// Header is sent with every websocket handshake.
	Header http.Header

	// HandshakeTimeout and SubscribeTimeout default to 10s.
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration

	// Logger defaults to log.Logger.
	Logger *zerolog.Logger
	// Registerer, when set, receives the session metrics.
	Registerer prometheus.Registerer
	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

// NewClient creates a disconnected client backed by the gorilla transport.
//
// Example:
//
//	client := ws.NewClient(ws.Options{
//	    Base:      "https://push.example.com",
//	    ProjectID: "p1",
//	    Token:     os.Getenv("BIZSOCKET_TOKEN"),
//	})
//	sub, _ := client.Subscribe("orders", "order.created", func(msg bizsocket.EventMessage) {
//	    fmt.Println(msg.Payload)
//	})
//	defer sub.Dispose()
//	client.Connect(nil)
func NewClient(opts Options) bizsocket.Client {
	transport := bizsocket.DefaultTransportOptions()
	if opts.Transport != nil {
		transport = *opts.Transport
	}

	var m *metrics.Session
	if opts.Registerer != nil {
		m = metrics.NewSession(metrics.WithRegistry(opts.Registerer))
	}

	return session.New(session.Options{
		Base:             opts.Base,
		ProjectID:        opts.ProjectID,
		Token:            opts.Token,
		Transport:        transport,
		NewTransport:     NewTransportFactory(opts.Logger, opts.Header),
		HandshakeTimeout: opts.HandshakeTimeout,
		SubscribeTimeout: opts.SubscribeTimeout,
		Logger:           opts.Logger,
		Metrics:          m,
		Tracer:           opts.Tracer,
	})
}

// NewTransportFactory returns the factory for gorilla websocket transports.
func NewTransportFactory(logger *zerolog.Logger, header http.Header) bizsocket.TransportFactory {
	return websocket.Factory(websocket.TransportConfig{Logger: logger, Header: header})
}

// NewGateway creates the reference gateway.
//
// Example:
//
//	gw := ws.NewGateway(&ws.GatewayConfig{
//	    Addr:          ":8080",
//	    CheckOrigin:   ws.AllOrigins(),
//	    Authenticator: ws.TokenAuthenticator(map[string]string{"p1": "secret"}),
//	})
//	if err := gw.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
func NewGateway(cfg *GatewayConfig) *Gateway {
	return websocket.NewGateway(cfg)
}

// TokenAuthenticator accepts a project when the token equals its entry in tokens.
func TokenAuthenticator(tokens map[string]string) Authenticator {
	return websocket.TokenAuthenticator(tokens)
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *bizsocket.RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *bizsocket.RateLimitConfig {
	return websocket.NoRateLimit()
}
