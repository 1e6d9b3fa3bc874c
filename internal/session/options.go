package session

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/metrics"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
	tracerName              = "github.com/luciancaetano/bizsocket/session"
)

// Options configures a Session.
type Options struct {
	// Base is the gateway URL. http and https are rewritten to ws and wss.
	Base string
	// ProjectID and Token are sent in the auth event.
	ProjectID string
	Token     string

	// Transport is passed to NewTransport on every Connect.
	Transport bizsocket.TransportOptions
	// NewTransport creates the transport handle. Required.
	NewTransport bizsocket.TransportFactory

	// HandshakeTimeout bounds the wait for the auth ack. Default 10s.
	HandshakeTimeout time.Duration
	// SubscribeTimeout bounds the wait for a subscribe ack. Default 10s.
	SubscribeTimeout time.Duration

	// Logger defaults to log.Logger.
	Logger *zerolog.Logger
	// Metrics may be nil.
	Metrics *metrics.Session
	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer
}

func (o *Options) applyDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.SubscribeTimeout <= 0 {
		o.SubscribeTimeout = defaultSubscribeTimeout
	}
	if len(o.Transport.Transports) == 0 {
		o.Transport.Transports = []string{bizsocket.TransportWebsocket}
	}
	if o.Logger == nil {
		l := log.Logger
		o.Logger = &l
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
}

// BuildURL turns base into the websocket URL for projectID.
func BuildURL(base, projectID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid base URL: missing host")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	q := u.Query()
	q.Set("projectId", projectID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
