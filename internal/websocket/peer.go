package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/protocol"
)

// Peer is a connection accepted by the Gateway. It implements bizsocket.Peer.
type Peer struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	requested   string // projectId from the upgrade request
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter

	project string
	events  map[string]struct{}
}

var _ bizsocket.Peer = (*Peer)(nil)

// NewPeer wraps conn and starts its write pump.
func NewPeer(conn *websocket.Conn, remoteAddr, projectID string, rateLimitConfig *bizsocket.RateLimitConfig) *Peer {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}

	p := &Peer{
		id:          uuid.New().String(),
		conn:        conn,
		remoteAddr:  remoteAddr,
		requested:   projectID,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBufferSize),
		rateLimiter: limiter,
		events:      make(map[string]struct{}),
	}

	go p.writePump()

	return p
}

// ID returns a unique identifier for the connection
func (p *Peer) ID() string {
	return p.id
}

// RemoteAddr returns the peer's remote network address
func (p *Peer) RemoteAddr() string {
	return p.remoteAddr
}

// ProjectID returns the project the peer authenticated for, or "" before
// a successful auth.
func (p *Peer) ProjectID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.project
}

// Context returns the peer's lifecycle context
func (p *Peer) Context() context.Context {
	return p.ctx
}

func (p *Peer) authenticate(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.project = projectID
}

func (p *Peer) authenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.project != ""
}

func (p *Peer) subscribe(events []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range events {
		p.events[e] = struct{}{}
	}
}

// wants reports whether msg should be delivered to this peer.
func (p *Peer) wants(projectID, event string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.project == "" || p.project != projectID {
		return false
	}
	_, ok := p.events[event]
	return ok
}

// Send encodes and queues a packet.
func (p *Peer) Send(ctx context.Context, packet *protocol.Packet) error {
	data, err := protocol.Encode(packet)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	return p.sendFrame(ctx, data)
}

func (p *Peer) sendFrame(ctx context.Context, data []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return bizsocket.ErrConnectionClosed
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case p.sendCh <- data:
		p.mu.RUnlock()
		return nil
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	case <-p.ctx.Done():
		p.mu.RUnlock()
		return bizsocket.ErrConnectionClosed
	}
}

// ack replies to the event identified by id. Events sent without an id get
// no reply.
func (p *Peer) ack(ctx context.Context, id string, data any) error {
	if id == "" {
		return nil
	}
	packet, err := protocol.NewAck(id, data)
	if err != nil {
		return err
	}
	return p.Send(ctx, packet)
}

// Close closes the peer connection
func (p *Peer) Close(ctx context.Context) error {
	return p.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (p *Peer) CloseWithCode(ctx context.Context, code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	p.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	p.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return p.conn.Close()
}

// IsAlive returns true if the connection is still active
func (p *Peer) IsAlive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

// CheckRateLimit reports whether another inbound message is allowed.
func (p *Peer) CheckRateLimit() bool {
	if p.rateLimiter == nil {
		return true
	}
	return p.rateLimiter.Allow()
}

// writePump pumps frames from the send channel to the websocket connection
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message := <-p.sendCh:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.ctx.Done():
			return
		}
	}
}
