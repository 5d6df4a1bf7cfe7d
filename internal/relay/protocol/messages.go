// Package protocol defines the relay's JSON wire messages. Every message is an
// object whose "t" field names its type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cory-johannsen/posrelay/internal/relay/session"
)

// Message type discriminators.
const (
	TypeJoin    = "join"
	TypeMe      = "me"
	TypeWelcome = "welcome"
	TypeState   = "state"
	TypeLeft    = "left"
	TypeError   = "error"
)

// InvalidRoomMessage is the human-readable reason sent for a rejected join.
const InvalidRoomMessage = "invalid room"

// ErrMalformed is returned by Decode for payloads that are not a JSON object
// with a non-empty string "t" field.
var ErrMalformed = errors.New("malformed message")

// Inbound is a decoded client message. Field values are kept raw so that each
// consumer applies its own lenient coercion.
type Inbound struct {
	Type string          `json:"t"`
	Room json.RawMessage `json:"room"`
	Name json.RawMessage `json:"name"`
	X    json.RawMessage `json:"x"`
	Y    json.RawMessage `json:"y"`
	Z    json.RawMessage `json:"z"`
	Yaw  json.RawMessage `json:"yaw"`
}

// Decode parses one inbound frame.
//
// Postcondition: Returns the message, or an error wrapping ErrMalformed.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return in, nil
}

// Welcome is sent once, immediately after a connection opens.
type Welcome struct {
	T  string `json:"t"`
	ID string `json:"id"`
}

// State carries a full snapshot of one room.
type State struct {
	T       string          `json:"t"`
	Room    string          `json:"room"`
	Players []session.State `json:"players"`
}

// Left tells remaining room members that a session departed.
type Left struct {
	T  string `json:"t"`
	ID string `json:"id"`
}

// Error reports a rejected request to its sender.
type Error struct {
	T       string `json:"t"`
	Message string `json:"message"`
}

// NewWelcome builds a welcome message for session id.
func NewWelcome(id string) Welcome { return Welcome{T: TypeWelcome, ID: id} }

// NewState builds a state message. A nil players slice is sent as an empty array.
func NewState(room string, players []session.State) State {
	if players == nil {
		players = []session.State{}
	}
	return State{T: TypeState, Room: room, Players: players}
}

// NewLeft builds a left message for session id.
func NewLeft(id string) Left { return Left{T: TypeLeft, ID: id} }

// NewError builds an error message.
func NewError(message string) Error { return Error{T: TypeError, Message: message} }

// Encode serialises an outbound message.
func Encode(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", msg, err)
	}
	return b, nil
}
