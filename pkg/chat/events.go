package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventType identifies the payload carried by an Envelope.
type EventType string

const (
	EventMessage           EventType = "message"
	EventTyping            EventType = "typing"
	EventPresenceJoin      EventType = "presence.join"
	EventPresenceLeave     EventType = "presence.leave"
	EventPresenceSync      EventType = "presence.sync"
	EventPresenceHeartbeat EventType = "presence.heartbeat"
)

// Envelope is the wire format for every inbound and outbound realtime event.
// Payload holds one of the *Event structs below, keyed by Type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageEvent carries an authoritative message from the server of record.
type MessageEvent struct {
	Message Message `json:"message"`
}

// TypingEvent signals that a user started or stopped composing in a room.
type TypingEvent struct {
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	IsTyping    bool   `json:"is_typing"`
}

// PresenceJoinEvent announces a user coming online. Heartbeats reuse the same
// shape and refresh LastSeenAt.
type PresenceJoinEvent struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	At          time.Time `json:"at"`
}

// PresenceLeaveEvent announces a user going offline.
type PresenceLeaveEvent struct {
	UserID string `json:"user_id"`
}

// PresenceSyncEvent is the authoritative full roster snapshot sent after
// (re)connect. It replaces all accumulated delta state.
type PresenceSyncEvent struct {
	Entries []PresenceEntry `json:"entries"`
}

// NewEnvelope wraps a payload struct into an Envelope ready for publishing.
func NewEnvelope(t EventType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s payload", t)
	}
	return &Envelope{Type: t, Payload: raw}, nil
}

// Encode serializes the envelope for the transport.
func (e *Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return b, nil
}

// DecodeEnvelope parses a transport payload back into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if e.Type == "" {
		return nil, errors.New("envelope missing type")
	}
	return &e, nil
}

// DecodePayload unmarshals the envelope payload into dst, which must match
// the envelope's type.
func (e *Envelope) DecodePayload(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Type)
	}
	return nil
}
