package session

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/bizsocket"
)

// handshake is one in-flight auth request.
type handshake struct {
	id    uint64
	timer *time.Timer
	span  trace.Span
}

func (s *Session) stopHandshakeLocked() {
	if s.handshake == nil {
		return
	}
	s.handshake.timer.Stop()
	s.handshake.span.SetStatus(codes.Error, "abandoned")
	s.handshake.span.End()
	s.handshake = nil
}

// onTransportConnect starts the handshake for a new physical connection.
func (s *Session) onTransportConnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.transport == nil {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.authenticated = false
	s.armed = false
	s.stopHandshakeLocked()
	stale := s.registry.detachAll()

	s.handshakeCount++
	hs := &handshake{id: s.handshakeCount}
	_, hs.span = s.tracer.Start(context.Background(), "bizsocket.handshake",
		trace.WithAttributes(attribute.String("bizsocket.project_id", s.opts.ProjectID)))
	hs.timer = time.AfterFunc(s.opts.HandshakeTimeout, func() { s.onHandshakeTimeout(gen, hs.id) })
	s.handshake = hs
	s.mu.Unlock()

	for _, r := range stale {
		t.Off(r.event, r.id)
	}

	s.log.Debug().Uint64("attempt", hs.id).Msg("transport connected, sending credentials")
	payload := bizsocket.AuthPayload{ProjectID: s.opts.ProjectID, Token: s.opts.Token}
	err := t.Emit(bizsocket.EventAuth, payload, func(data json.RawMessage) {
		s.onAuthAck(gen, hs.id, data)
	})
	if err != nil {
		// the transport reports the loss itself; the timer covers a silent one
		s.log.Warn().Err(err).Msg("failed to send credentials")
	}
}

// takeHandshake returns the live handshake matching gen and id and clears it.
func (s *Session) takeHandshakeLocked(gen, id uint64) *handshake {
	if gen != s.generation || s.handshake == nil || s.handshake.id != id {
		return nil
	}
	hs := s.handshake
	s.handshake = nil
	hs.timer.Stop()
	return hs
}

func (s *Session) onAuthAck(gen, id uint64, data json.RawMessage) {
	code := bizsocket.ParseAuthCode(bizsocket.DecodeCode(data))

	s.mu.Lock()
	hs := s.takeHandshakeLocked(gen, id)
	if hs == nil {
		s.mu.Unlock()
		s.log.Debug().Str("code", string(code)).Msg("ignoring stale auth ack")
		return
	}
	hs.span.SetAttributes(attribute.String("bizsocket.auth_code", string(code)))

	if code != bizsocket.AuthOK {
		s.mu.Unlock()
		hs.span.SetStatus(codes.Error, string(code))
		hs.span.End()
		s.metrics.Handshake(string(code))
		s.log.Error().Str("code", string(code)).Msg("handshake rejected")
		s.finishOnce(&bizsocket.AuthError{Code: code})
		s.Disconnect()
		return
	}

	t := s.transport
	s.authenticated = true
	s.armed = true
	preAuth := s.preAuth
	s.preAuth = nil
	s.wireTerminalLocked(t, gen)
	s.mu.Unlock()

	hs.span.SetStatus(codes.Ok, "")
	hs.span.End()
	s.metrics.Handshake(string(code))
	s.log.Info().Str("code", string(code)).Msg("handshake status")

	for _, r := range preAuth {
		t.Off(r.event, r.id)
	}
	s.setState(gen, bizsocket.StateConnected)
	s.finishOnce(nil)
	s.declareAll(gen)
}

func (s *Session) onHandshakeTimeout(gen, id uint64) {
	s.mu.Lock()
	hs := s.takeHandshakeLocked(gen, id)
	s.mu.Unlock()
	if hs == nil {
		return
	}

	hs.span.SetStatus(codes.Error, "timeout")
	hs.span.End()
	s.metrics.Handshake("TIMEOUT")
	s.log.Error().Dur("timeout", s.opts.HandshakeTimeout).Msg("handshake timed out")
	s.finishOnce(bizsocket.ErrHandshakeTimeout)
	s.Disconnect()
}
