package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/bizsocket"
	"github.com/luciancaetano/bizsocket/internal/metrics"
)

// Session implements bizsocket.Client.
//
// Transport callbacks arrive serially from the transport's event loop; public
// methods may be called from any goroutine. Fields are guarded by mu and no
// user callback is ever invoked while mu is held.
type Session struct {
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Session
	tracer  trace.Tracer

	mu        sync.Mutex
	state     bizsocket.ConnectionState
	transport bizsocket.Transport
	// generation changes with every transport handle so callbacks bound to an
	// older handle become no-ops.
	generation uint64
	finish     bizsocket.FinishFunc

	observers  []*observer
	observerID uint64

	registry registry

	// per transport handle
	preAuth        []listenerRef
	terminalWired  bool
	authenticated  bool
	armed          bool
	handshake      *handshake
	handshakeCount uint64
}

type observer struct {
	id uint64
	fn bizsocket.StateChangeFunc
}

type listenerRef struct {
	event string
	id    bizsocket.ListenerID
}

var _ bizsocket.Client = (*Session)(nil)

// New creates a disconnected session.
func New(opts Options) *Session {
	opts.applyDefaults()
	s := &Session{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "session").Str("project_id", opts.ProjectID).Logger(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		state:   bizsocket.StateDisconnected,
	}
	s.registry.init()
	return s
}

// State returns the current connection state.
func (s *Session) State() bizsocket.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect creates a fresh transport and starts connecting.
func (s *Session) Connect(onFinished bizsocket.FinishFunc) error {
	if s.opts.NewTransport == nil {
		return fmt.Errorf("%w: no transport factory", bizsocket.ErrInvalidOptions)
	}

	s.mu.Lock()
	if s.transport != nil {
		s.mu.Unlock()
		return bizsocket.ErrAlreadyConnected
	}

	target, err := BuildURL(s.opts.Base, s.opts.ProjectID)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", bizsocket.ErrInvalidOptions, err)
	}
	if err := s.opts.Transport.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}

	t, err := s.opts.NewTransport(target, s.opts.Transport)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create transport: %w", err)
	}

	s.generation++
	gen := s.generation
	s.transport = t
	s.finish = onFinished
	s.resetConnectionLocked()
	s.wireLifecycleLocked(t, gen)
	s.mu.Unlock()

	s.setState(gen, bizsocket.StateConnecting)
	s.log.Info().Str("url", target).Msg("trying to connect")

	if err := t.Connect(); err != nil {
		s.mu.Lock()
		owned := s.transport == t
		if owned {
			s.transport = nil
			s.generation++
		}
		s.mu.Unlock()
		if owned {
			s.forceState(bizsocket.StateDisconnected)
		}
		return fmt.Errorf("connect transport: %w", err)
	}
	return nil
}

// resetConnectionLocked clears the per-handle flags.
func (s *Session) resetConnectionLocked() {
	s.preAuth = nil
	s.terminalWired = false
	s.authenticated = false
	s.armed = false
	s.registry.declared = false
	s.stopHandshakeLocked()
}

func (s *Session) wireLifecycleLocked(t bizsocket.Transport, gen uint64) {
	onConnecting := func(json.RawMessage) { s.setState(gen, bizsocket.StateConnecting) }
	t.On(bizsocket.EventConnecting, onConnecting)
	t.On(bizsocket.EventReconnecting, onConnecting)
	t.On(bizsocket.EventReconnect, func(json.RawMessage) { s.onReconnect(gen) })
	t.On(bizsocket.EventConnect, func(json.RawMessage) { s.onTransportConnect(gen) })

	// removed after the first AUTH_OK
	for _, event := range []string{bizsocket.EventError, bizsocket.EventConnectError} {
		event := event
		id := t.On(event, func(data json.RawMessage) { s.onPreAuthError(gen, event, data) })
		s.preAuth = append(s.preAuth, listenerRef{event: event, id: id})
	}
	for _, event := range []string{bizsocket.EventConnectTimeout, bizsocket.EventDisconnect, bizsocket.EventReconnectFailed} {
		event := event
		t.On(event, func(data json.RawMessage) { s.onHandshakeWindowClosed(gen, event, data) })
	}
}

// Disconnect tears everything down. Safe to call at any time.
func (s *Session) Disconnect() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.generation++
	s.finish = nil
	s.resetConnectionLocked()
	routes := s.registry.detachAll()
	s.registry.clear()

	changed := s.state != bizsocket.StateDisconnected
	s.state = bizsocket.StateDisconnected
	observers := s.observers
	s.observers = nil
	s.mu.Unlock()

	if changed {
		s.metrics.State(int(bizsocket.StateDisconnected), bizsocket.StateDisconnected.String())
		notify(observers, bizsocket.StateDisconnected)
	}

	if t == nil {
		return
	}
	for _, r := range routes {
		t.Off(r.event, r.id)
	}
	if err := t.Close(); err != nil {
		s.log.Error().Err(err).Msg("failed to close transport")
	}
	s.log.Info().Msg("disconnected")
}

// OnStateChange registers fn. Each call is a distinct registration removed by
// its own Subscription.
func (s *Session) OnStateChange(fn bizsocket.StateChangeFunc) bizsocket.Subscription {
	if fn == nil {
		return bizsocket.SubscriptionFunc(func() {})
	}

	s.mu.Lock()
	s.observerID++
	id := s.observerID
	s.observers = append(s.observers, &observer{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return bizsocket.SubscriptionFunc(func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					// copy so snapshots held by notify stay intact
					next := make([]*observer, 0, len(s.observers)-1)
					next = append(next, s.observers[:i]...)
					s.observers = append(next, s.observers[i+1:]...)
					return
				}
			}
		})
	})
}

// setState transitions to state if gen still names the live transport.
func (s *Session) setState(gen uint64, state bizsocket.ConnectionState) {
	s.mu.Lock()
	if gen != s.generation || s.transport == nil || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	observers := s.observers
	s.mu.Unlock()

	s.metrics.State(int(state), state.String())
	s.log.Debug().Str("state", state.String()).Msg("state changed")
	notify(observers, state)
}

// forceState transitions regardless of the transport handle.
func (s *Session) forceState(state bizsocket.ConnectionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	observers := s.observers
	s.mu.Unlock()

	s.metrics.State(int(state), state.String())
	notify(observers, state)
}

func notify(observers []*observer, state bizsocket.ConnectionState) {
	for _, o := range observers {
		o.fn(state)
	}
}

func (s *Session) finishOnce(err error) {
	s.mu.Lock()
	fn := s.finish
	s.finish = nil
	s.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}

func (s *Session) onReconnect(gen uint64) {
	s.mu.Lock()
	ok := gen == s.generation && s.authenticated
	s.mu.Unlock()
	if ok {
		s.setState(gen, bizsocket.StateConnected)
	}
}

// onPreAuthError forwards errors raised before the first successful handshake.
func (s *Session) onPreAuthError(gen uint64, event string, data json.RawMessage) {
	s.mu.Lock()
	live := gen == s.generation
	s.mu.Unlock()
	if !live {
		return
	}

	reason := bizsocket.DecodeCode(data)
	s.log.Warn().Str("event", event).Str("reason", reason).Msg("transport error during handshake window")
	s.finishOnce(&bizsocket.TransportError{Event: event, Reason: reason})

	if !s.opts.Transport.Reconnection && event == bizsocket.EventConnectError {
		s.abandonTransport(gen)
	}
}

// onHandshakeWindowClosed handles connection loss while the current physical
// connection is not authenticated. Only a transport that will not retry is
// released; otherwise the next connect event starts a new handshake.
func (s *Session) onHandshakeWindowClosed(gen uint64, event string, data json.RawMessage) {
	s.mu.Lock()
	live := gen == s.generation && !s.authenticated
	if live {
		s.stopHandshakeLocked()
	}
	s.mu.Unlock()
	if !live {
		return
	}

	reason := bizsocket.DecodeCode(data)
	s.log.Warn().Str("event", event).Str("reason", reason).Msg("connection lost before authentication")

	if event == bizsocket.EventReconnectFailed || !s.opts.Transport.Reconnection {
		s.finishOnce(&bizsocket.TransportError{Event: event, Reason: reason})
		s.abandonTransport(gen)
	}
}

// abandonTransport releases a transport that gave up so Connect may be
// called again. Observers and subscriptions are kept.
func (s *Session) abandonTransport(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.transport == nil {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.transport = nil
	s.generation++
	s.finish = nil
	s.resetConnectionLocked()
	routes := s.registry.detachAll()
	s.mu.Unlock()

	for _, r := range routes {
		t.Off(r.event, r.id)
	}
	if err := t.Close(); err != nil {
		s.log.Error().Err(err).Msg("failed to close transport")
	}
	s.forceState(bizsocket.StateDisconnected)
}

// onTerminal runs for DisconnectEvents once a handshake has succeeded on the
// current physical connection.
func (s *Session) onTerminal(gen uint64, event string, data json.RawMessage) {
	s.mu.Lock()
	if gen != s.generation || !s.armed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.authenticated = false
	s.stopHandshakeLocked()
	t := s.transport
	routes := s.registry.detachAll()
	s.mu.Unlock()

	s.log.Warn().Str("event", event).Str("reason", bizsocket.DecodeCode(data)).Msg("session lost")

	for _, r := range routes {
		t.Off(r.event, r.id)
	}
	s.setState(gen, bizsocket.StateDisconnected)

	if event == bizsocket.EventReconnectFailed || !s.opts.Transport.Reconnection {
		s.abandonTransport(gen)
	}
}

// wireTerminalLocked attaches the DisconnectEvents handlers once per handle.
func (s *Session) wireTerminalLocked(t bizsocket.Transport, gen uint64) {
	if s.terminalWired {
		return
	}
	s.terminalWired = true
	for _, event := range bizsocket.DisconnectEvents {
		event := event
		t.On(event, func(data json.RawMessage) { s.onTerminal(gen, event, data) })
	}
}
