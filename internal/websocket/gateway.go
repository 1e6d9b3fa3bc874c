package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/metrics"
	"github.com/luciancaetano/bizsocket/internal/protocol"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called when a peer connects, after the websocket handshake
// and before the read loop starts. The peer is not authenticated yet.
//
// Note: This function is called synchronously during connection setup.
// Avoid long-running operations that could block new connections.
type OnConnectFn = func(peer bizsocket.Peer)

// OnDisconnectFn is called when a peer goes away. voluntary is true when the
// gateway closed the connection itself.
type OnDisconnectFn = func(peer bizsocket.Peer, voluntary bool)

// Authenticator decides whether token grants access to projectID.
type Authenticator = func(projectID, token string) bool

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Addr            string
	RateLimitConfig *bizsocket.RateLimitConfig
	CheckOrigin     CheckOriginFn
	// Authenticator defaults to rejecting everyone.
	Authenticator Authenticator
	OnConnect     OnConnectFn
	OnDisconnect  OnDisconnectFn

	// Logger defaults to log.Logger.
	Logger *zerolog.Logger
	// Metrics may be nil.
	Metrics *metrics.Gateway
	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// DefaultRateLimitConfig allows 100 messages per second with a burst of 200.
func DefaultRateLimitConfig() *bizsocket.RateLimitConfig {
	return &bizsocket.RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *bizsocket.RateLimitConfig {
	return &bizsocket.RateLimitConfig{
		Enabled: false,
	}
}

// TokenAuthenticator accepts a project when token equals its entry in tokens.
func TokenAuthenticator(tokens map[string]string) Authenticator {
	return func(projectID, token string) bool {
		want, ok := tokens[projectID]
		if !ok || want == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
	}
}

// Gateway is the reference server for the session protocol. It implements
// bizsocket.Gateway.
type Gateway struct {
	addr     string
	server   *http.Server
	router   chi.Router
	peers    sync.Map // map[string]*Peer
	log      zerolog.Logger
	metrics  *metrics.Gateway
	auth     Authenticator
	upgrader websocket.Upgrader

	rateLimitConfig *bizsocket.RateLimitConfig

	mu           sync.RWMutex
	running      bool
	onConnect    OnConnectFn
	onDisconnect OnDisconnectFn
}

var _ bizsocket.Gateway = (*Gateway)(nil)

// NewGateway creates a gateway. Nothing listens until Start; Handler can be
// mounted elsewhere instead.
func NewGateway(cfg *GatewayConfig) *Gateway {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	auth := cfg.Authenticator
	if auth == nil {
		auth = func(string, string) bool { return false }
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	g := &Gateway{
		addr:            cfg.Addr,
		log:             logger.With().Str("component", "gateway").Logger(),
		metrics:         cfg.Metrics,
		auth:            auth,
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", g.handleWebSocket)
	r.Get("/healthz", g.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	g.router = r

	return g
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return errors.New(bizsocket.ErrMsgServerAlreadyRunning)
	}
	g.running = true
	g.server = &http.Server{
		Addr:              g.addr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := g.server
	g.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Check for immediate startup errors with a small timeout
	select {
	case err := <-errChan:
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		g.log.Info().Str("addr", g.addr).Msg("gateway listening")
		return nil
	}
}

// Stop closes every peer and shuts the HTTP server down.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		g.closePeers(ctx)
		return nil
	}
	g.running = false
	server := g.server
	g.mu.Unlock()

	g.closePeers(ctx)

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (g *Gateway) closePeers(ctx context.Context) {
	g.peers.Range(func(key, value interface{}) bool {
		if peer, ok := value.(*Peer); ok {
			peer.Close(ctx)
		}
		return true
	})
}

// Publish delivers msg to every authenticated peer of msg.ProjectID that
// subscribed to msg.Event.
func (g *Gateway) Publish(ctx context.Context, msg bizsocket.EventMessage) error {
	if msg.ProjectID == "" || msg.Event == "" {
		return fmt.Errorf("%w: projectId and event are required", bizsocket.ErrInvalidMessage)
	}

	packet, err := protocol.NewEvent(msg.Event, "", msg)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(packet)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Event, err)
	}

	delivered := 0
	g.peers.Range(func(key, value interface{}) bool {
		peer, ok := value.(*Peer)
		if !ok || !peer.wants(msg.ProjectID, msg.Event) {
			return true
		}
		if err := peer.sendFrame(ctx, data); err != nil {
			g.log.Debug().Err(err).Str("peer", peer.ID()).Msg("failed to deliver message")
			return ctx.Err() == nil
		}
		delivered++
		return true
	})

	g.metrics.Published(delivered)
	g.log.Debug().
		Str("project_id", msg.ProjectID).
		Str("topic", msg.Topic).
		Str("event", msg.Event).
		Int("delivered", delivered).
		Msg("published")
	return ctx.Err()
}

// GetPeer returns a peer by ID
func (g *Gateway) GetPeer(id string) (*Peer, bool) {
	if peer, ok := g.peers.Load(id); ok {
		return peer.(*Peer), true
	}
	return nil, false
}

// PeerCount returns the number of open connections.
func (g *Gateway) PeerCount() int {
	n := 0
	g.peers.Range(func(key, value interface{}) bool {
		n++
		return true
	})
	return n
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"peers":  g.PeerCount(),
	})
}

// handleWebSocket handles incoming WebSocket connections
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "missing projectId", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		g.log.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	peer := NewPeer(conn, r.RemoteAddr, projectID, g.rateLimitConfig)
	g.peers.Store(peer.ID(), peer)
	g.metrics.PeerOpened()

	go g.handlePeer(peer)
}

// handlePeer runs the read loop for one peer
func (g *Gateway) handlePeer(peer *Peer) {
	logger := g.log.With().Str("peer", peer.ID()).Str("remote_addr", peer.RemoteAddr()).Logger()

	defer func() {
		voluntary := peer.Context().Err() == context.Canceled

		if g.onDisconnect != nil {
			g.onDisconnect(peer, voluntary)
		}
		g.peers.Delete(peer.ID())
		g.metrics.PeerClosed()
		peer.Close(context.Background())
		logger.Debug().Bool("voluntary", voluntary).Msg("peer disconnected")
	}()

	peer.conn.SetReadLimit(protocol.MaxFrameSize)
	peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		peer.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if g.onConnect != nil {
		g.onConnect(peer)
	}
	logger.Debug().Msg("peer connected")

	for {
		select {
		case <-peer.Context().Done():
			return
		default:
			_, data, err := peer.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					logger.Warn().Err(err).Msg("unexpected websocket close")
				}
				return
			}

			// Reset read deadline after successful read
			peer.conn.SetReadDeadline(time.Now().Add(pongWait))

			if !peer.CheckRateLimit() {
				logger.Warn().Msg(bizsocket.ErrMsgRateLimitExceeded)
				g.metrics.RateLimited()
				peer.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, bizsocket.ErrMsgRateLimitExceeded)
				return
			}

			packet, err := protocol.Decode(data)
			if err != nil {
				logger.Warn().Err(err).Msg(bizsocket.ErrMsgInvalidMessageFormat)
				peer.CloseWithCode(context.Background(), websocket.CloseProtocolError, bizsocket.ErrMsgInvalidMessageFormat)
				return
			}

			g.handlePacket(peer, packet, logger)
		}
	}
}

// handlePacket runs inline so a subscribe never overtakes the auth before it.
func (g *Gateway) handlePacket(peer *Peer, packet *protocol.Packet, logger zerolog.Logger) {
	if packet.Type != protocol.TypeEvent {
		logger.Debug().Str("type", packet.Type.String()).Msg("ignoring packet")
		return
	}

	var reply any
	switch packet.Event {
	case bizsocket.EventAuth:
		reply = g.handleAuth(peer, packet.Data, logger)
	case bizsocket.EventSubscribe:
		reply = g.handleSubscribe(peer, packet.Data, logger)
	default:
		logger.Debug().Str("event", packet.Event).Msg(bizsocket.ErrMsgUnknownEvent)
		return
	}

	if err := peer.ack(peer.Context(), packet.ID, reply); err != nil {
		logger.Debug().Err(err).Str("event", packet.Event).Msg("failed to send ack")
	}
}

func (g *Gateway) handleAuth(peer *Peer, data json.RawMessage, logger zerolog.Logger) bizsocket.AuthCode {
	var payload bizsocket.AuthPayload
	code := bizsocket.AuthFailed
	switch {
	case json.Unmarshal(data, &payload) != nil:
		logger.Warn().Msg("malformed auth payload")
	case payload.ProjectID != peer.requested:
		logger.Warn().Str("project_id", payload.ProjectID).Str("requested", peer.requested).Msg("auth project does not match connection")
	case g.auth(payload.ProjectID, payload.Token):
		code = bizsocket.AuthOK
		peer.authenticate(payload.ProjectID)
	}

	g.metrics.Auth(string(code))
	logger.Info().Str("project_id", payload.ProjectID).Str("code", string(code)).Msg("auth")
	return code
}

func (g *Gateway) handleSubscribe(peer *Peer, data json.RawMessage, logger zerolog.Logger) bizsocket.SubscribeCode {
	if !peer.authenticated() {
		logger.Warn().Msg(bizsocket.ErrMsgNotAuthenticated)
		return bizsocket.SubscribeFailed
	}

	var events []string
	if err := json.Unmarshal(data, &events); err != nil {
		logger.Warn().Err(err).Msg("malformed subscribe payload")
		return bizsocket.SubscribeFailed
	}
	for _, e := range events {
		if e == "" || bizsocket.IsLifecycleEvent(e) {
			logger.Warn().Str("event", e).Msg("refusing subscription")
			return bizsocket.SubscribeFailed
		}
	}

	peer.subscribe(events)
	logger.Debug().Strs("events", events).Msg("subscribed")
	return bizsocket.SubscribeOK
}
