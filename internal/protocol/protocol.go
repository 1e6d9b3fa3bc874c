package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	headerSize     = 4
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size

	// MaxFrameSize is the largest frame Decode accepts.
	MaxFrameSize = headerSize + maxPayloadSize
)

// Type is the packet kind carried in the frame header.
type Type uint32

const (
	// TypeEvent carries a named event, optionally expecting an ack.
	TypeEvent Type = 1
	// TypeAck carries the reply to an event that requested one.
	TypeAck Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeEvent:
		return "event"
	case TypeAck:
		return "ack"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Packet is a decoded frame.
type Packet struct {
	Type  Type            `json:"-"`
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event packet with data marshalled to JSON.
// A non-empty id asks the receiver for an ack.
func NewEvent(event, id string, data any) (*Packet, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Packet{Type: TypeEvent, Event: event, ID: id, Data: raw}, nil
}

// NewAck builds the reply to the event identified by id.
func NewAck(id string, data any) (*Packet, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Packet{Type: TypeAck, ID: id, Data: raw}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal packet data: %w", err)
		}
		return raw, nil
	}
}

// Encode writes the packet type as the first 4 bytes (big-endian) followed by
// the JSON body.
func Encode(p *Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil packet")
	}
	if err := validate(p); err != nil {
		return nil, err
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	if len(body) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(body), maxPayloadSize)
	}

	out := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(out[:headerSize], uint32(p.Type))
	copy(out[headerSize:], body)
	return out, nil
}

// Decode reads the 4 byte header and unmarshals the JSON body.
func Decode(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, errors.New("data too short")
	}

	payloadSize := len(data) - headerSize
	if payloadSize > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", payloadSize, maxPayloadSize)
	}

	var p Packet
	if err := json.Unmarshal(data[headerSize:], &p); err != nil {
		return nil, fmt.Errorf("unmarshal packet: %w", err)
	}
	p.Type = Type(binary.BigEndian.Uint32(data[:headerSize]))
	if err := validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func validate(p *Packet) error {
	switch p.Type {
	case TypeEvent:
		if p.Event == "" {
			return errors.New("event packet without event name")
		}
	case TypeAck:
		if p.ID == "" {
			return errors.New("ack packet without id")
		}
	default:
		return fmt.Errorf("unknown packet type %d", uint32(p.Type))
	}
	return nil
}

// WantsAck reports whether the sender expects a reply.
func (p *Packet) WantsAck() bool {
	return p.Type == TypeEvent && p.ID != ""
}
