// Package wire defines the websocket frame schema shared by the desk client
// and the devserver. Every frame is a tagged envelope {"type": ..., "data": {...}}.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type discriminators. auth/join_chat/leave_chat/message flow client to
// server; new_message/chat_closed/error flow server to client.
const (
	TypeAuth       = "auth"
	TypeJoinChat   = "join_chat"
	TypeLeaveChat  = "leave_chat"
	TypeMessage    = "message"
	TypeNewMessage = "new_message"
	TypeChatClosed = "chat_closed"
	TypeError      = "error"
)

var (
	// ErrUnknownType marks a frame whose type is not part of the schema.
	// Receivers log and ignore these so old clients survive new server frames.
	ErrUnknownType = errors.New("wire: unknown frame type")
)

// Frame is the envelope for every frame in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthData authenticates the connection; first frame after transport open.
type AuthData struct {
	Token string `json:"token"`
}

// JoinData subscribes/unsubscribes the connection to a room's events.
type JoinData struct {
	ChatID string `json:"chatId"`
}

// MessageData is an outbound send intent.
type MessageData struct {
	ChatID   string `json:"chatId"`
	OrderID  string `json:"orderId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// NewMessageData is the server echo of an accepted message. All fields are
// required; frames with any field missing are dropped by the receiver.
type NewMessageData struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	OrderID   string    `json:"orderId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatClosedData announces a room going read-only.
type ChatClosedData struct {
	ChatID  string `json:"chatId"`
	Summary string `json:"summary,omitempty"`
}

// ErrorData carries a human-readable, non-fatal server error.
type ErrorData struct {
	Content string `json:"content"`
}

// Event is a decoded inbound frame. Exactly one payload pointer is set,
// matching Type.
type Event struct {
	Type       string
	NewMessage *NewMessageData
	ChatClosed *ChatClosedData
	Error      *ErrorData
}

func encode(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", typ, err)
	}
	return json.Marshal(Frame{Type: typ, Data: raw})
}

// EncodeAuth builds the authentication frame sent right after transport open.
func EncodeAuth(token string) ([]byte, error) {
	return encode(TypeAuth, AuthData{Token: token})
}

// EncodeJoin builds a join_chat frame for the given room.
func EncodeJoin(chatID string) ([]byte, error) {
	return encode(TypeJoinChat, JoinData{ChatID: chatID})
}

// EncodeLeave builds a leave_chat frame for the given room.
func EncodeLeave(chatID string) ([]byte, error) {
	return encode(TypeLeaveChat, JoinData{ChatID: chatID})
}

// EncodeMessage builds an outbound send intent.
func EncodeMessage(m MessageData) ([]byte, error) {
	return encode(TypeMessage, m)
}

// EncodeNewMessage builds the server echo frame for an accepted message.
func EncodeNewMessage(m NewMessageData) ([]byte, error) {
	return encode(TypeNewMessage, m)
}

// EncodeChatClosed builds the room-closed broadcast frame.
func EncodeChatClosed(chatID, summary string) ([]byte, error) {
	return encode(TypeChatClosed, ChatClosedData{ChatID: chatID, Summary: summary})
}

// EncodeError builds a non-fatal error frame.
func EncodeError(content string) ([]byte, error) {
	return encode(TypeError, ErrorData{Content: content})
}

// Decode parses one inbound frame. Unknown types yield ErrUnknownType;
// malformed or incomplete payloads yield a descriptive error. Callers drop
// the frame on any error and keep the connection open.
func Decode(payload []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Event{}, fmt.Errorf("wire: parse frame: %w", err)
	}
	switch f.Type {
	case TypeNewMessage:
		var d NewMessageData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return Event{}, fmt.Errorf("wire: parse new_message: %w", err)
		}
		if err := d.validate(); err != nil {
			return Event{}, err
		}
		return Event{Type: f.Type, NewMessage: &d}, nil
	case TypeChatClosed:
		var d ChatClosedData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return Event{}, fmt.Errorf("wire: parse chat_closed: %w", err)
		}
		if d.ChatID == "" {
			return Event{}, errors.New("wire: chat_closed missing chatId")
		}
		return Event{Type: f.Type, ChatClosed: &d}, nil
	case TypeError:
		var d ErrorData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return Event{}, fmt.Errorf("wire: parse error frame: %w", err)
		}
		return Event{Type: f.Type, Error: &d}, nil
	default:
		return Event{Type: f.Type}, ErrUnknownType
	}
}

func (d *NewMessageData) validate() error {
	missing := ""
	switch {
	case d.ID == "":
		missing = "id"
	case d.ChatID == "":
		missing = "chatId"
	case d.OrderID == "":
		missing = "orderId"
	case d.SenderID == "":
		missing = "senderId"
	case d.Content == "":
		missing = "content"
	case d.CreatedAt.IsZero():
		missing = "createdAt"
	}
	if missing != "" {
		return fmt.Errorf("wire: new_message missing %s", missing)
	}
	return nil
}
