package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBufferSize  = 256
	eventBufferSize = 256
)

// TransportConfig carries the dependencies of a client Transport.
type TransportConfig struct {
	// Logger defaults to log.Logger.
	Logger *zerolog.Logger
	// Header is sent with every websocket handshake.
	Header http.Header
}

// Transport is the client side of the gateway protocol on a gorilla
// websocket. It dials, keeps the connection alive, reconnects with backoff
// and reports every step as a lifecycle event.
//
// Listeners and ack callbacks all run on one event loop goroutine in the
// order the events happened.
type Transport struct {
	url     string
	opts    bizsocket.TransportOptions
	log     zerolog.Logger
	header  http.Header
	dialer  websocket.Dialer
	limiter *rate.Limiter
	rng     *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()

	mu        sync.Mutex
	started   bool
	closed    bool
	nextID    bizsocket.ListenerID
	listeners map[string][]listener
	current   *connection
	pending   map[string]bizsocket.AckFunc
}

type listener struct {
	id bizsocket.ListenerID
	fn bizsocket.Listener
}

// connection is one physical websocket connection.
type connection struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

var _ bizsocket.Transport = (*Transport)(nil)

// NewTransport validates rawURL and opts and returns an unstarted Transport.
func NewTransport(rawURL string, opts bizsocket.TransportOptions, cfg TransportConfig) (*Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", bizsocket.ErrInvalidOptions, u.Scheme)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	var limiter *rate.Limiter
	if opts.RateLimit != nil && opts.RateLimit.Enabled {
		limiter = rate.NewLimiter(opts.RateLimit.MessagesPerSecond, opts.RateLimit.Burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		url:    rawURL,
		opts:   opts,
		log:    logger.With().Str("component", "transport").Str("url", rawURL).Logger(),
		header: cfg.Header,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.ConnectTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		limiter:   limiter,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan func(), eventBufferSize),
		listeners: make(map[string][]listener),
		pending:   make(map[string]bizsocket.AckFunc),
	}, nil
}

// Factory returns a TransportFactory producing Transports configured with cfg.
func Factory(cfg TransportConfig) bizsocket.TransportFactory {
	return func(url string, opts bizsocket.TransportOptions) (bizsocket.Transport, error) {
		return NewTransport(url, opts, cfg)
	}
}

// Connect starts the connection manager and the event loop. Calling it again
// while running is a no-op.
func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return bizsocket.ErrConnectionClosed
	}
	if t.started {
		return nil
	}
	t.started = true

	go t.loop()
	go t.run()
	return nil
}

// Close stops reconnecting, closes the current connection and drops pending
// acks. No listener runs after Close returns, except one already executing.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	c := t.current
	t.current = nil
	t.pending = make(map[string]bizsocket.AckFunc)
	t.mu.Unlock()

	t.cancel()
	if c == nil {
		return nil
	}
	c.cancel()
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// Emit queues event for the current connection. A non-nil ack is called with
// the peer's reply; it is dropped silently if the connection goes away first.
func (t *Transport) Emit(event string, payload any, ack bizsocket.AckFunc) error {
	var id string
	if ack != nil {
		id = uuid.NewString()
	}

	packet, err := protocol.NewEvent(event, id, payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(packet)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return bizsocket.ErrConnectionClosed
	}
	c := t.current
	if c == nil {
		t.mu.Unlock()
		return bizsocket.ErrNotConnected
	}
	if ack != nil {
		t.pending[id] = ack
	}
	t.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return bizsocket.ErrNotConnected
	}
}

// On registers fn for event.
func (t *Transport) On(event string, fn bizsocket.Listener) bizsocket.ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.listeners[event] = append(t.listeners[event], listener{id: t.nextID, fn: fn})
	return t.nextID
}

// Off removes the listener id from event.
func (t *Transport) Off(event string, id bizsocket.ListenerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls := t.listeners[event]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		if len(ls) == 1 {
			delete(t.listeners, event)
			return
		}
		t.listeners[event] = append(ls[:i:i], ls[i+1:]...)
		return
	}
}

// OffAll removes every listener on event.
func (t *Transport) OffAll(event string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, event)
}

// Connected reports whether a physical connection is currently up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// loop is the event loop: the only goroutine that calls user code.
func (t *Transport) loop() {
	for {
		select {
		case fn := <-t.events:
			if t.ctx.Err() != nil {
				return
			}
			fn()
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) enqueue(fn func()) {
	select {
	case t.events <- fn:
	case <-t.ctx.Done():
	}
}

// fire delivers a lifecycle or application event to its listeners.
func (t *Transport) fire(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.log.Error().Err(err).Str("event", event).Msg("failed to marshal event data")
			return
		}
		raw = b
	}
	t.deliver(event, raw)
}

func (t *Transport) deliver(event string, data json.RawMessage) {
	t.enqueue(func() {
		t.mu.Lock()
		ls := make([]listener, len(t.listeners[event]))
		copy(ls, t.listeners[event])
		t.mu.Unlock()

		for _, l := range ls {
			l.fn(data)
		}
	})
}

// run is the connection manager.
func (t *Transport) run() {
	attempt := 0
	reconnecting := false

	for {
		if reconnecting {
			attempt++
			if t.opts.ReconnectionAttempts > 0 && attempt > t.opts.ReconnectionAttempts {
				t.log.Warn().Int("attempts", t.opts.ReconnectionAttempts).Msg("giving up reconnecting")
				t.fire(bizsocket.EventReconnectFailed, nil)
				return
			}
			delay := nextBackoffDelay(t.opts.ReconnectionDelay, t.opts.ReconnectionDelayMax, attempt, t.rng)
			if !t.sleep(delay) {
				return
			}
			t.fire(bizsocket.EventReconnecting, attempt)
		} else {
			t.fire(bizsocket.EventConnecting, nil)
		}

		conn, err := t.dial()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			reason := err.Error()
			t.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			switch {
			case reconnecting:
				t.fire(bizsocket.EventReconnectError, reason)
			case isTimeout(err):
				t.fire(bizsocket.EventConnectTimeout, reason)
			default:
				t.fire(bizsocket.EventConnectError, reason)
				t.fire(bizsocket.EventError, reason)
			}
			if !t.opts.Reconnection {
				return
			}
			reconnecting = true
			continue
		}

		c, ok := t.attach(conn)
		if !ok {
			return
		}
		t.log.Info().Int("attempt", attempt).Msg("connected")
		t.fire(bizsocket.EventConnect, nil)
		if reconnecting {
			t.fire(bizsocket.EventReconnect, attempt)
		}
		attempt = 0

		err = t.readPump(c)
		t.detach(c)
		if t.ctx.Err() != nil {
			return
		}
		t.log.Warn().Err(err).Msg("connection lost")
		t.fire(bizsocket.EventDisconnect, disconnectReason(err))
		if !t.opts.Reconnection {
			return
		}
		reconnecting = true
	}
}

func (t *Transport) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Transport) dial() (*websocket.Conn, error) {
	ctx := t.ctx
	if t.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	return conn, nil
}

// attach installs conn as the current connection and starts its write pump.
func (t *Transport) attach(conn *websocket.Conn) (*connection, bool) {
	ctx, cancel := context.WithCancel(t.ctx)
	c := &connection{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		conn.Close()
		return nil, false
	}
	t.current = c
	t.mu.Unlock()

	go t.writePump(c)
	return c, true
}

// detach tears c down and drops the acks that were waiting on it.
func (t *Transport) detach(c *connection) {
	c.cancel()
	c.conn.Close()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == c {
		t.current = nil
	}
	if len(t.pending) > 0 {
		t.log.Debug().Int("acks", len(t.pending)).Msg("dropping pending acks")
		t.pending = make(map[string]bizsocket.AckFunc)
	}
}

func (t *Transport) readPump(c *connection) error {
	c.conn.SetReadLimit(protocol.MaxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		packet, err := protocol.Decode(data)
		if err != nil {
			t.log.Warn().Err(err).Msg(bizsocket.ErrMsgInvalidMessageFormat)
			continue
		}

		switch packet.Type {
		case protocol.TypeAck:
			t.mu.Lock()
			ack, ok := t.pending[packet.ID]
			delete(t.pending, packet.ID)
			t.mu.Unlock()
			if !ok {
				t.log.Debug().Str("id", packet.ID).Msg("ack without pending request")
				continue
			}
			reply := packet.Data
			t.enqueue(func() { ack(reply) })

		case protocol.TypeEvent:
			if t.limiter != nil && !t.limiter.Allow() {
				t.log.Warn().Str("event", packet.Event).Msg(bizsocket.ErrMsgRateLimitExceeded)
				continue
			}
			if bizsocket.IsLifecycleEvent(packet.Event) {
				t.log.Warn().Str("event", packet.Event).Msg("peer sent a reserved event name")
				continue
			}
			t.deliver(packet.Event, packet.Data)
		}
	}
}

func (t *Transport) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				t.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func disconnectReason(err error) string {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Text != "" {
			return closeErr.Text
		}
		return fmt.Sprintf("close %d", closeErr.Code)
	}
	if err == nil {
		return "transport close"
	}
	return err.Error()
}
