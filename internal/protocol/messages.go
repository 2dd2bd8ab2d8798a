// Package protocol defines the event types exchanged between the chat client
// and the tavern backend. Every frame is a single JSON object that carries a
// "type" discriminator next to the event's own fields.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeJoinRoom    = "join_room"
)

// Server -> Client event types.
const (
	TypeConnected   = "connected"
	TypeNewMessage  = "new_message"
	TypeMessageSent = "message_sent"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeUserTyping  = "user_typing"
	TypeRoomJoined  = "room_joined"
	TypeError       = "error"
)

// ServerSender is the sender session id the backend uses for messages that
// no participant authored.
const ServerSender = "server"

// Direction hints attached to chat messages by the backend.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
	DirectionServer   = "server"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// SendMessageMsg carries only the text. The backend assigns identity,
// timestamp and message id.
type SendMessageMsg struct {
	Message string `json:"message"`
}

// TypingMsg announces the local user's typing state to the room.
type TypingMsg struct {
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// JoinRoomMsg asks the backend to move this connection to another room.
type JoinRoomMsg struct {
	Room string `json:"room"`
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// Event is implemented by every decoded server event. The concrete type is
// the discriminator; consumers switch on it.
type Event interface {
	EventType() string
}

// ActiveUser is one entry of a presence snapshot.
type ActiveUser struct {
	SID      string `json:"sid,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Life     *int   `json:"life,omitempty"`
}

// ActiveUsers is a presence snapshot keyed by session id.
type ActiveUsers map[string]ActiveUser

// UnmarshalJSON accepts the snapshot either as an object keyed by sid or as
// an array of entries that carry their own "sid" field.
func (a *ActiveUsers) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = nil
		return nil
	}

	var byID map[string]ActiveUser
	if err := json.Unmarshal(data, &byID); err == nil {
		out := make(ActiveUsers, len(byID))
		for sid, u := range byID {
			if u.SID == "" {
				u.SID = sid
			}
			out[sid] = u
		}
		*a = out
		return nil
	}

	var list []ActiveUser
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("protocol: active_users is neither object nor array: %w", err)
	}
	out := make(ActiveUsers, len(list))
	for _, u := range list {
		if u.SID == "" {
			return fmt.Errorf("protocol: active_users entry for %q has no sid", u.Username)
		}
		out[u.SID] = u
	}
	*a = out
	return nil
}

// ChatMessage is a message relayed by the backend, either to the room
// (new_message) or back to its author (message_sent).
type ChatMessage struct {
	ID        string `json:"id"`
	SID       string `json:"sid,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Direction string `json:"direction,omitempty"`
	Room      string `json:"room,omitempty"`
}

// ConnectedEvent confirms the session and carries the authoritative presence
// set of the room.
type ConnectedEvent struct {
	Status      string      `json:"status,omitempty"`
	Message     string      `json:"message,omitempty"`
	Room        string      `json:"room,omitempty"`
	ActiveUsers ActiveUsers `json:"active_users"`
}

// NewMessageEvent is a message authored by another participant.
type NewMessageEvent struct {
	ChatMessage
}

// MessageSentEvent is the backend's echo of a message this client sent.
type MessageSentEvent struct {
	ChatMessage
}

// UserJoinedEvent announces a new participant. ActiveUsers is nil when the
// backend did not attach a snapshot.
type UserJoinedEvent struct {
	UserID      string      `json:"user_id,omitempty"`
	Username    string      `json:"username"`
	SID         string      `json:"sid,omitempty"`
	Timestamp   string      `json:"timestamp,omitempty"`
	ActiveUsers ActiveUsers `json:"active_users"`
}

// UserLeftEvent announces that a participant left.
type UserLeftEvent struct {
	UserID      string      `json:"user_id,omitempty"`
	Username    string      `json:"username"`
	Timestamp   string      `json:"timestamp,omitempty"`
	ActiveUsers ActiveUsers `json:"active_users"`
}

// UserTypingEvent relays another participant's typing state.
type UserTypingEvent struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

// RoomJoinedEvent confirms a join_room request.
type RoomJoinedEvent struct {
	Room    string `json:"room"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorEvent is sent by the backend to report a rejected request.
type ErrorEvent struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (ConnectedEvent) EventType() string   { return TypeConnected }
func (NewMessageEvent) EventType() string  { return TypeNewMessage }
func (MessageSentEvent) EventType() string { return TypeMessageSent }
func (UserJoinedEvent) EventType() string  { return TypeUserJoined }
func (UserLeftEvent) EventType() string    { return TypeUserLeft }
func (UserTypingEvent) EventType() string  { return TypeUserTyping }
func (RoomJoinedEvent) EventType() string  { return TypeRoomJoined }
func (ErrorEvent) EventType() string       { return TypeError }

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// UnknownTypeError is returned by ParseServerEvent for a well-formed frame
// whose type this client does not know.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown server event type: %q", e.Type)
}

// ParseServerEvent parses a raw frame into a typed server event.
func ParseServerEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		ev  Event
		err error
	)

	switch env.Type {
	case TypeConnected:
		var m ConnectedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeNewMessage:
		var m NewMessageEvent
		err = json.Unmarshal(env.Raw, &m.ChatMessage)
		ev = m
	case TypeMessageSent:
		var m MessageSentEvent
		err = json.Unmarshal(env.Raw, &m.ChatMessage)
		ev = m
	case TypeUserJoined:
		var m UserJoinedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeUserLeft:
		var m UserLeftEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeUserTyping:
		var m UserTypingEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeRoomJoined:
		var m RoomJoinedEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeError:
		var m ErrorEvent
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return ev, nil
}

// NewClientMessage creates a JSON-encoded frame for a client event. The
// msgType is injected into the payload under the "type" key.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
