package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/bizsocket"
)

// entry is one Subscribe registration.
type entry struct {
	id       string
	topic    string
	event    string
	fn       bizsocket.EventFunc
	attached bool
	removed  bool
}

// route is the dispatch table row for one event name: the transport listener
// that feeds it and the entries it fans out to, in registration order.
type route struct {
	listener bizsocket.ListenerID
	entries  []*entry
}

// declaration is one in-flight subscribe request.
type declaration struct {
	id      uint64
	bulk    bool
	entries []*entry
	timer   *time.Timer
	span    trace.Span
}

type registry struct {
	entries      []*entry
	routes       map[string]*route
	declarations map[uint64]*declaration
	declCount    uint64
	// declared is set once the bulk declaration of the current connection
	// was acknowledged with SUBSCRIBE_OK.
	declared bool
}

func (r *registry) init() {
	r.entries = nil
	r.routes = make(map[string]*route)
	r.declarations = make(map[uint64]*declaration)
}

// detachAll empties the dispatch table and returns the transport listeners
// to remove. Entries stay registered.
func (r *registry) detachAll() []listenerRef {
	refs := make([]listenerRef, 0, len(r.routes))
	for event, rt := range r.routes {
		refs = append(refs, listenerRef{event: event, id: rt.listener})
		for _, e := range rt.entries {
			e.attached = false
		}
	}
	r.routes = make(map[string]*route)
	r.declared = false
	for id, d := range r.declarations {
		d.timer.Stop()
		d.span.SetStatus(codes.Error, "abandoned")
		d.span.End()
		delete(r.declarations, id)
	}
	return refs
}

// clear drops every entry. Callers detach first.
func (r *registry) clear() {
	for _, e := range r.entries {
		e.removed = true
	}
	r.entries = nil
}

func (r *registry) remove(e *entry) (listenerRef, bool) {
	if e.removed {
		return listenerRef{}, false
	}
	e.removed = true
	for i, x := range r.entries {
		if x == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			break
		}
	}

	if !e.attached {
		return listenerRef{}, false
	}
	e.attached = false
	rt := r.routes[e.event]
	if rt == nil {
		return listenerRef{}, false
	}
	for i, x := range rt.entries {
		if x == e {
			rt.entries = append(rt.entries[:i:i], rt.entries[i+1:]...)
			break
		}
	}
	if len(rt.entries) > 0 {
		return listenerRef{}, false
	}
	delete(r.routes, e.event)
	return listenerRef{event: e.event, id: rt.listener}, true
}

// Subscribe registers interest in topic on event.
//
// Several entries may share an event name: every inbound message on that name
// is parsed once and delivered to each entry whose topic matches. Disposing
// an entry only removes that entry; the transport listener goes with the last
// one.
func (s *Session) Subscribe(topic, event string, fn bizsocket.EventFunc) (bizsocket.Subscription, error) {
	if topic == "" || event == "" || fn == nil {
		return nil, bizsocket.ErrInvalidSubscription
	}

	e := &entry{
		id:    uuid.NewString(),
		topic: topic,
		event: event,
		fn:    fn,
	}

	s.mu.Lock()
	s.registry.entries = append(s.registry.entries, e)
	gen := s.generation
	live := s.authenticated && s.registry.declared
	s.mu.Unlock()

	s.log.Debug().Str("topic", topic).Str("event", event).Str("subscription", e.id).Msg("subscription registered")

	// Before the bulk ack the entry rides with the bulk declaration or the
	// catch-up request that follows it.
	if live {
		s.declare(gen, []*entry{e}, false)
	}

	var once sync.Once
	return bizsocket.SubscriptionFunc(func() {
		once.Do(func() { s.unsubscribe(e) })
	}), nil
}

func (s *Session) unsubscribe(e *entry) {
	s.mu.Lock()
	ref, detach := s.registry.remove(e)
	t := s.transport
	s.mu.Unlock()

	if detach && t != nil {
		t.Off(ref.event, ref.id)
	}
}

// declareAll sends the bulk subscribe request for every registered entry.
func (s *Session) declareAll(gen uint64) {
	s.mu.Lock()
	entries := make([]*entry, len(s.registry.entries))
	copy(entries, s.registry.entries)
	s.mu.Unlock()

	s.declare(gen, entries, true)
}

// declare asks the server to deliver the event names of entries. Names are
// sent in registration order without deduplication.
func (s *Session) declare(gen uint64, entries []*entry, bulk bool) {
	s.mu.Lock()
	if gen != s.generation || s.transport == nil || !s.authenticated {
		s.mu.Unlock()
		return
	}
	t := s.transport

	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.event)
	}

	s.registry.declCount++
	d := &declaration{id: s.registry.declCount, bulk: bulk, entries: entries}
	_, d.span = s.tracer.Start(context.Background(), "bizsocket.subscribe",
		trace.WithAttributes(attribute.StringSlice("bizsocket.events", events)))
	d.timer = time.AfterFunc(s.opts.SubscribeTimeout, func() { s.onDeclareTimeout(gen, d.id) })
	s.registry.declarations[d.id] = d
	s.mu.Unlock()

	err := t.Emit(bizsocket.EventSubscribe, events, func(data json.RawMessage) {
		s.onDeclareAck(gen, d.id, data)
	})
	if err != nil {
		s.log.Warn().Err(err).Strs("events", events).Msg("failed to send subscribe request")
	}
}

func (s *Session) takeDeclarationLocked(gen, id uint64) *declaration {
	if gen != s.generation {
		return nil
	}
	d, ok := s.registry.declarations[id]
	if !ok {
		return nil
	}
	delete(s.registry.declarations, id)
	d.timer.Stop()
	return d
}

func (s *Session) onDeclareAck(gen, id uint64, data json.RawMessage) {
	code := bizsocket.ParseSubscribeCode(bizsocket.DecodeCode(data))

	s.mu.Lock()
	d := s.takeDeclarationLocked(gen, id)
	if d == nil {
		s.mu.Unlock()
		return
	}
	d.span.SetAttributes(attribute.String("bizsocket.subscribe_code", string(code)))

	if code != bizsocket.SubscribeOK {
		s.mu.Unlock()
		d.span.SetStatus(codes.Error, string(code))
		d.span.End()
		s.metrics.Subscribe(string(code))
		s.log.Warn().Str("code", string(code)).Msg("subscribe ack code")
		return
	}

	t := s.transport
	for _, e := range d.entries {
		s.attachLocked(t, gen, e)
	}
	var late []*entry
	if d.bulk {
		s.registry.declared = true
		late = s.registry.undeclaredLocked(d.entries)
	}
	s.mu.Unlock()

	d.span.SetStatus(codes.Ok, "")
	d.span.End()
	s.metrics.Subscribe(string(code))
	s.log.Info().Str("code", string(code)).Int("entries", len(d.entries)).Msg("subscribe ack code")

	if len(late) > 0 {
		s.declare(gen, late, false)
	}
}

// undeclaredLocked returns the live entries missing from sent, i.e. those
// registered while the bulk declaration was in flight.
func (r *registry) undeclaredLocked(sent []*entry) []*entry {
	seen := make(map[*entry]struct{}, len(sent))
	for _, e := range sent {
		seen[e] = struct{}{}
	}
	var late []*entry
	for _, e := range r.entries {
		if _, ok := seen[e]; !ok && !e.attached {
			late = append(late, e)
		}
	}
	return late
}

func (s *Session) onDeclareTimeout(gen, id uint64) {
	s.mu.Lock()
	d := s.takeDeclarationLocked(gen, id)
	s.mu.Unlock()
	if d == nil {
		return
	}

	d.span.SetStatus(codes.Error, "timeout")
	d.span.End()
	s.metrics.Subscribe("TIMEOUT")
	s.log.Warn().Dur("timeout", s.opts.SubscribeTimeout).Msg("subscribe request timed out")
}

// attachLocked adds e to the dispatch table, creating the transport listener
// for its event name on first use.
func (s *Session) attachLocked(t bizsocket.Transport, gen uint64, e *entry) {
	if e.removed || e.attached || t == nil {
		return
	}
	rt, ok := s.registry.routes[e.event]
	if !ok {
		event := e.event
		rt = &route{}
		rt.listener = t.On(event, func(data json.RawMessage) { s.dispatch(gen, event, data) })
		s.registry.routes[event] = rt
	}
	rt.entries = append(rt.entries, e)
	e.attached = true
}

// dispatch is the filter behind every attached event name.
func (s *Session) dispatch(gen uint64, event string, data json.RawMessage) {
	s.mu.Lock()
	rt, ok := s.registry.routes[event]
	if gen != s.generation || !ok {
		s.mu.Unlock()
		return
	}
	entries := make([]*entry, len(rt.entries))
	copy(entries, rt.entries)
	s.mu.Unlock()

	msg, err := bizsocket.ParseEventMessage(data)
	if err != nil {
		s.metrics.Dropped("decode")
		s.log.Warn().Err(err).Str("event", event).Msg("dropping undecodable message")
		return
	}

	delivered := false
	for _, e := range entries {
		if e.topic != msg.Topic {
			continue
		}
		// an earlier callback may have disposed e or torn the session down
		s.mu.Lock()
		gone := e.removed || gen != s.generation
		s.mu.Unlock()
		if gone {
			continue
		}
		delivered = true
		s.metrics.Dispatched(event)
		e.fn(msg)
	}
	if !delivered {
		s.metrics.Dropped("topic")
	}
}
