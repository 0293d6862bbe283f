package wire

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/keaz/go-sync/xerr"
)

// Event variant names.
const (
	KindConnected = "Connected"
	KindLeft      = "Left"
)

// Connected acknowledges a peer's Connect handshake. Reserved: not
// currently produced by peers (peer sockets only exchange commands after
// the initial handshake).
type Connected struct {
	ID       uuid.UUID `json:"id"`
	ClientID string    `json:"client_id"`
	Port     int       `json:"port"`
}

// Left acknowledges a peer's Leave. Reserved: not currently produced.
type Left struct {
	ID       uuid.UUID `json:"id"`
	ClientID string    `json:"client_id"`
}

// Event is any peer-protocol event frame.
type Event struct {
	Kind string

	Connected *Connected
	Left      *Left
}

func (e Event) payload() (string, interface{}) {
	switch e.Kind {
	case KindConnected:
		return KindConnected, e.Connected
	case KindLeft:
		return KindLeft, e.Left
	default:
		return "", nil
	}
}

// MarshalJSON renders the event as an externally tagged enum.
func (e Event) MarshalJSON() ([]byte, error) {
	kind, payload := e.payload()
	if kind == "" {
		return nil, errors.Errorf("event has unknown kind %q", e.Kind)
	}
	return EncodeTagged(kind, payload)
}

// UnmarshalJSON parses a tagged event enum back into the matching field.
func (e *Event) UnmarshalJSON(data []byte) error {
	kind, payload, err := DecodeTagged(data)
	if err != nil {
		return errors.Wrap(xerr.Protocol, err.Error())
	}
	e.Kind = kind

	var unmarshalErr error
	switch kind {
	case KindConnected:
		e.Connected = new(Connected)
		unmarshalErr = json.Unmarshal(payload, e.Connected)
	case KindLeft:
		e.Left = new(Left)
		unmarshalErr = json.Unmarshal(payload, e.Left)
	default:
		return errors.Wrapf(xerr.Protocol, "unknown event variant %q", kind)
	}
	if unmarshalErr != nil {
		return errors.Wrap(xerr.Protocol, unmarshalErr.Error())
	}
	return nil
}

// Envelope is the top-level peer-protocol frame:
// {"peer_message": "PeerCommand"|"PeerEvent", "command"|"event": {...}}.
type Envelope struct {
	PeerMessage string   `json:"peer_message"`
	Command     *Command `json:"command,omitempty"`
	Event       *Event   `json:"event,omitempty"`
}

const (
	peerMessageCommand = "PeerCommand"
	peerMessageEvent   = "PeerEvent"
)

// WrapCommand builds the envelope around a Command.
func WrapCommand(c Command) Envelope {
	return Envelope{PeerMessage: peerMessageCommand, Command: &c}
}

// WrapEvent builds the envelope around an Event.
func WrapEvent(e Event) Envelope {
	return Envelope{PeerMessage: peerMessageEvent, Event: &e}
}

// Validate checks that the envelope's peer_message tag matches the
// populated payload.
func (env Envelope) Validate() error {
	switch env.PeerMessage {
	case peerMessageCommand:
		if env.Command == nil {
			return errors.Wrap(xerr.Protocol, "PeerCommand envelope missing command")
		}
	case peerMessageEvent:
		if env.Event == nil {
			return errors.Wrap(xerr.Protocol, "PeerEvent envelope missing event")
		}
	default:
		return errors.Wrapf(xerr.Protocol, "unknown peer_message %q", env.PeerMessage)
	}
	return nil
}
