// Package protocol defines the JSON messages exchanged between voxel clients and
// the relay. Every message is a JSON object whose "type" field selects the variant.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Type is the message discriminator carried in the "type" field.
type Type string

// Server to client.
const (
	TypeInit         Type = "init"
	TypePlayerJoined Type = "playerJoined"
	TypePlayerMoved  Type = "playerMoved"
	TypePlayerLeft   Type = "playerLeft"
)

// Client to server. blockUpdate is also relayed back out to peers.
const (
	TypePosition    Type = "position"
	TypeBlockUpdate Type = "blockUpdate"
)

// Block actions a client is expected to send. The relay forwards other values unchanged.
const (
	ActionPlace  = "place"
	ActionRemove = "remove"
)

var (
	// ErrMalformed is returned for payloads that are not a JSON object of the expected shape.
	ErrMalformed = errors.New("malformed message")
	// ErrMissingField is returned when a required field is absent or null.
	ErrMissingField = errors.New("missing required field")
	// ErrUnknownType is returned for a well-formed envelope with an unrecognised type.
	ErrUnknownType = errors.New("unknown message type")
)

// Vec3 is a three-component vector. Position and rotation share this shape.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// UnmarshalJSON requires all three components and rejects any other key, including
// differently cased spellings of x, y and z.
func (v *Vec3) UnmarshalJSON(data []byte) error {
	var wire struct {
		X *float64 `json:"x"`
		Y *float64 `json:"y"`
		Z *float64 `json:"z"`
	}
	if err := decodeStrict(data, &wire, "x", "y", "z"); err != nil {
		return err
	}
	if wire.X == nil || wire.Y == nil || wire.Z == nil {
		return fmt.Errorf("%w: vector needs x, y and z", ErrMissingField)
	}
	*v = Vec3{X: *wire.X, Y: *wire.Y, Z: *wire.Z}
	return nil
}

// Message is implemented by every protocol variant.
type Message interface {
	MessageType() Type
}

// ClientState is one entry of an init snapshot.
type ClientState struct {
	ID       string `json:"id"`
	Position Vec3   `json:"position"`
	Rotation Vec3   `json:"rotation"`
}

// Init is sent once to a client right after it connects.
type Init struct {
	Type    Type          `json:"type"`
	ID      string        `json:"id"`
	Clients []ClientState `json:"clients"`
}

// NewInit builds an init message. A nil snapshot is encoded as an empty array.
func NewInit(id string, clients []ClientState) *Init {
	if clients == nil {
		clients = []ClientState{}
	}
	return &Init{Type: TypeInit, ID: id, Clients: clients}
}

// MessageType implements Message.
func (m *Init) MessageType() Type { return TypeInit }

// PlayerJoined announces a new peer.
type PlayerJoined struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// NewPlayerJoined builds a playerJoined message.
func NewPlayerJoined(id string) *PlayerJoined {
	return &PlayerJoined{Type: TypePlayerJoined, ID: id}
}

// MessageType implements Message.
func (m *PlayerJoined) MessageType() Type { return TypePlayerJoined }

// PlayerMoved carries a peer's latest position and rotation.
type PlayerMoved struct {
	Type     Type   `json:"type"`
	ID       string `json:"id"`
	Position Vec3   `json:"position"`
	Rotation Vec3   `json:"rotation"`
}

// NewPlayerMoved builds a playerMoved message.
func NewPlayerMoved(id string, position, rotation Vec3) *PlayerMoved {
	return &PlayerMoved{Type: TypePlayerMoved, ID: id, Position: position, Rotation: rotation}
}

// MessageType implements Message.
func (m *PlayerMoved) MessageType() Type { return TypePlayerMoved }

// PlayerLeft announces that a peer disconnected.
type PlayerLeft struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

// NewPlayerLeft builds a playerLeft message.
func NewPlayerLeft(id string) *PlayerLeft {
	return &PlayerLeft{Type: TypePlayerLeft, ID: id}
}

// MessageType implements Message.
func (m *PlayerLeft) MessageType() Type { return TypePlayerLeft }

// Position is a client's report of its own state.
type Position struct {
	Position Vec3
	Rotation Vec3
}

// MessageType implements Message.
func (m *Position) MessageType() Type { return TypePosition }

// BlockUpdate is a world edit. Position and BlockType are kept as raw JSON so the
// relay forwards them exactly as received.
type BlockUpdate struct {
	Type      Type            `json:"type"`
	Position  json.RawMessage `json:"position"`
	BlockType json.RawMessage `json:"blockType"`
	Action    string          `json:"action"`
}

// MessageType implements Message.
func (m *BlockUpdate) MessageType() Type { return TypeBlockUpdate }

// KnownAction reports whether Action is one of the actions clients are expected to send.
func (m *BlockUpdate) KnownAction() bool {
	return m.Action == ActionPlace || m.Action == ActionRemove
}

// Encode serializes an outbound message.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.MessageType(), err)
	}
	return data, nil
}

// PeekType returns the type discriminator of a payload without validating the rest of it.
// Only the exact key "type" is recognised.
func PeekType(data []byte) (Type, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	raw, ok := fields["type"]
	if !ok || absent(raw) {
		return "", fmt.Errorf("%w: type", ErrMissingField)
	}
	var t string
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", fmt.Errorf("%w: type: %v", ErrMalformed, err)
	}
	if t == "" {
		return "", fmt.Errorf("%w: type", ErrMissingField)
	}
	return Type(t), nil
}

// Decode parses a client-to-server payload into *Position or *BlockUpdate.
//
// Postcondition: Returns an error wrapping ErrMalformed or ErrMissingField when the
// payload is unusable, and ErrUnknownType when the envelope is valid but the type is not
// a client-to-server type.
func Decode(data []byte) (Message, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypePosition:
		var wire struct {
			Type     string `json:"type"`
			Position *Vec3  `json:"position"`
			Rotation *Vec3  `json:"rotation"`
		}
		if err := decodeStrict(data, &wire, "type", "position", "rotation"); err != nil {
			return nil, err
		}
		if wire.Position == nil {
			return nil, fmt.Errorf("%w: position", ErrMissingField)
		}
		if wire.Rotation == nil {
			return nil, fmt.Errorf("%w: rotation", ErrMissingField)
		}
		return &Position{Position: *wire.Position, Rotation: *wire.Rotation}, nil

	case TypeBlockUpdate:
		var wire struct {
			Type      string          `json:"type"`
			Position  json.RawMessage `json:"position"`
			BlockType json.RawMessage `json:"blockType"`
			Action    *string         `json:"action"`
		}
		if err := decodeStrict(data, &wire, "type", "position", "blockType", "action"); err != nil {
			return nil, err
		}
		if absent(wire.Position) {
			return nil, fmt.Errorf("%w: position", ErrMissingField)
		}
		if absent(wire.BlockType) {
			return nil, fmt.Errorf("%w: blockType", ErrMissingField)
		}
		if wire.Action == nil {
			return nil, fmt.Errorf("%w: action", ErrMissingField)
		}
		return &BlockUpdate{
			Type:      TypeBlockUpdate,
			Position:  wire.Position,
			BlockType: wire.BlockType,
			Action:    *wire.Action,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// decodeStrict decodes data into v and rejects any key not spelled exactly as one of
// keys. encoding/json alone would match "Position" or "ACTION" case-insensitively.
func decodeStrict(data []byte, v interface{}, keys ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for key := range fields {
		if !slices.Contains(keys, key) {
			return fmt.Errorf("%w: unknown field %q", ErrMalformed, key)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, ErrMissingField) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return nil
}

// absent treats a missing field and an explicit null the same way.
func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
