// Package protocol defines the WebSocket frames exchanged between TVs, admin
// dashboards and the socket server.
package protocol

import (
	"errors"

	"github.com/goccy/go-json"
)

// Message is the envelope for all WebSocket frames. Registration fields are
// carried flat on the envelope; clients that nest them under "payload" are
// accepted too.
type Message struct {
	Type       string          `json:"type"`
	TvID       string          `json:"tvId,omitempty"`
	ClientType string          `json:"clientType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Message types (client → server)
const (
	TypeRegister = "register"
)

// Message types (server → client)
const (
	TypeRegistered     = "registered"
	TypeRefreshState   = "REFRESH_STATE"   // to one TV: re-fetch content state
	TypeRefreshRequest = "refresh-request" // to admins: dashboard data may be stale
)

// Client types
const (
	ClientTypeAdmin = "admin"
	ClientTypeTV    = "tv"
)

// ErrInvalidRegistration is returned for register frames that name neither an
// admin nor a TV.
var ErrInvalidRegistration = errors.New("register: neither clientType admin nor tvId given")

// RegisterPayload is the registration request, flattened from either envelope
// shape.
type RegisterPayload struct {
	TvID       string `json:"tvId,omitempty"`
	ClientType string `json:"clientType,omitempty"`
}

// IsAdmin reports whether the registration classifies the socket as an admin.
func (p RegisterPayload) IsAdmin() bool {
	return p.ClientType == ClientTypeAdmin
}

// Decode parses a raw text frame.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New("message has no type")
	}
	return &msg, nil
}

// Registration extracts the register request from a register frame.
func (m *Message) Registration() (RegisterPayload, error) {
	p := RegisterPayload{TvID: m.TvID, ClientType: m.ClientType}

	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		var nested RegisterPayload
		if err := json.Unmarshal(m.Payload, &nested); err != nil {
			return RegisterPayload{}, err
		}
		if p.TvID == "" {
			p.TvID = nested.TvID
		}
		if p.ClientType == "" {
			p.ClientType = nested.ClientType
		}
	}

	if !p.IsAdmin() && p.TvID == "" {
		return RegisterPayload{}, ErrInvalidRegistration
	}
	return p, nil
}

// Encode serializes a message into a text frame.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// RegisteredTv builds the handshake acknowledgement for a TV.
func RegisteredTv(tvID string) []byte {
	data, _ := Encode(Message{Type: TypeRegistered, TvID: tvID})
	return data
}

// Frames without variable content are encoded once.
var (
	registeredAdmin = mustEncode(Message{Type: TypeRegistered, ClientType: ClientTypeAdmin})
	refreshState    = mustEncode(Message{Type: TypeRefreshState})
	refreshRequest  = mustEncode(Message{Type: TypeRefreshRequest})
)

// RegisteredAdmin returns the handshake acknowledgement for an admin.
func RegisteredAdmin() []byte { return registeredAdmin }

// RefreshState returns the frame telling a TV to re-fetch its state.
func RefreshState() []byte { return refreshState }

// RefreshRequest returns the frame telling admins to re-fetch dashboard data.
func RefreshRequest() []byte { return refreshRequest }

func mustEncode(m Message) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return data
}
