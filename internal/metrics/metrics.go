package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures metric registration.
type Config struct {
	// Namespace is the metrics namespace (default: "bizsocket").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures metric registration.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func newConfig(opts []Option) Config {
	cfg := Config{
		Namespace: "bizsocket",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Session holds the client session collectors. A nil *Session records nothing.
type Session struct {
	state       prometheus.Gauge
	transitions *prometheus.CounterVec
	handshakes  *prometheus.CounterVec
	subscribes  *prometheus.CounterVec
	dispatched  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

// NewSession registers the session collectors.
func NewSession(opts ...Option) *Session {
	cfg := newConfig(opts)
	factory := promauto.With(cfg.Registry)

	return &Session{
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "session",
			Name:        "state",
			Help:        "Current connection state (0 disconnected, 1 connecting, 2 connected)",
			ConstLabels: cfg.ConstLabels,
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "session",
			Name:        "state_transitions_total",
			Help:        "Connection state transitions by target state",
			ConstLabels: cfg.ConstLabels,
		}, []string{"state"}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "session",
			Name:        "handshakes_total",
			Help:        "Authentication handshakes by result code",
			ConstLabels: cfg.ConstLabels,
		}, []string{"code"}),
		subscribes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "session",
			Name:        "subscribe_requests_total",
			Help:        "Subscribe declarations by result code",
			ConstLabels: cfg.ConstLabels,
		}, []string{"code"}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "session",
			Name:        "messages_dispatched_total",
			Help:        "Messages delivered to subscribers by event name",
			ConstLabels: cfg.ConstLabels,
		}, []string{"event"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "session",
			Name:        "messages_dropped_total",
			Help:        "Messages dropped before reaching a subscriber by reason",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
	}
}

func (m *Session) State(value int, name string) {
	if m == nil {
		return
	}
	m.state.Set(float64(value))
	m.transitions.WithLabelValues(name).Inc()
}

func (m *Session) Handshake(code string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(code).Inc()
}

func (m *Session) Subscribe(code string) {
	if m == nil {
		return
	}
	m.subscribes.WithLabelValues(code).Inc()
}

func (m *Session) Dispatched(event string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(event).Inc()
}

func (m *Session) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// Gateway holds the reference gateway collectors. A nil *Gateway records nothing.
type Gateway struct {
	peers     prometheus.Gauge
	auths     *prometheus.CounterVec
	published prometheus.Counter
	delivered prometheus.Counter
	limited   prometheus.Counter
}

// NewGateway registers the gateway collectors.
func NewGateway(opts ...Option) *Gateway {
	cfg := newConfig(opts)
	factory := promauto.With(cfg.Registry)

	return &Gateway{
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "gateway",
			Name:        "peers",
			Help:        "Number of open peer connections",
			ConstLabels: cfg.ConstLabels,
		}),
		auths: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "gateway",
			Name:        "auth_total",
			Help:        "Authentication attempts by result code",
			ConstLabels: cfg.ConstLabels,
		}, []string{"code"}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "gateway",
			Name:        "published_total",
			Help:        "Messages accepted by Publish",
			ConstLabels: cfg.ConstLabels,
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "gateway",
			Name:        "delivered_total",
			Help:        "Messages queued to peers",
			ConstLabels: cfg.ConstLabels,
		}),
		limited: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   "gateway",
			Name:        "rate_limited_total",
			Help:        "Peers disconnected for exceeding the rate limit",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func (m *Gateway) PeerOpened() {
	if m == nil {
		return
	}
	m.peers.Inc()
}

func (m *Gateway) PeerClosed() {
	if m == nil {
		return
	}
	m.peers.Dec()
}

func (m *Gateway) Auth(code string) {
	if m == nil {
		return
	}
	m.auths.WithLabelValues(code).Inc()
}

func (m *Gateway) Published(deliveries int) {
	if m == nil {
		return
	}
	m.published.Inc()
	m.delivered.Add(float64(deliveries))
}

func (m *Gateway) RateLimited() {
	if m == nil {
		return
	}
	m.limited.Inc()
}
