// Package protocol defines the realtime channel frames and the wire records
// shared with the REST collaborator. All frames are JSON objects with a
// "type" discriminator and a payload decoded lazily into a concrete struct.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server -> client frame types.
const (
	TypeMessageCreated  = "message.created"
	TypeTyping          = "typing"
	TypeReadReceipt     = "read_receipt"
	TypeReactionAdded   = "reaction.added"
	TypeReactionRemoved = "reaction.removed"
	TypeMessageEdited   = "message.edited"
	TypeMessageDeleted  = "message.deleted"
	TypeAck             = "ack"
)

// Client -> server frame types.
const (
	TypeSubscribe      = "subscribe"
	TypeSendMessage    = "send_message"
	TypeSetTyping      = "set_typing"
	TypeAddReaction    = "add_reaction"
	TypeRemoveReaction = "remove_reaction"
)

// Frame is the envelope of every channel message.
type Frame struct {
	Type           string          `json:"type"`
	Ref            string          `json:"ref,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Encode builds a frame around payload. A nil payload is omitted.
func Encode(typ, ref, conversationID string, payload any) ([]byte, error) {
	f := Frame{Type: typ, Ref: ref, ConversationID: conversationID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", typ, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// Decode parses a frame envelope. The payload is left raw.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return f, nil
}

// Bind decodes the frame payload into v.
func (f Frame) Bind(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("protocol: %s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: unmarshal %s payload: %w", f.Type, err)
	}
	return nil
}

// Typing is the payload of a typing frame.
type Typing struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Active      bool   `json:"active"`
}

// ReadReceipt is the payload of a read_receipt frame.
type ReadReceipt struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
}

// ReactionEvent is the payload of reaction.added / reaction.removed frames.
// At orders competing operations on the same pair; zero means unknown.
type ReactionEvent struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	At        time.Time `json:"at"`
}

// MessageEdited is the payload of a message.edited frame.
type MessageEdited struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// MessageDeleted is the payload of a message.deleted frame.
type MessageDeleted struct {
	MessageID string `json:"message_id"`
}

// Ack answers an outbound frame carrying the same ref.
type Ack struct {
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// SendMessage is the payload of a send_message frame.
type SendMessage struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

// SetTyping is the payload of a set_typing frame.
type SetTyping struct {
	Active bool `json:"active"`
}

// ReactionAction is the payload of add_reaction / remove_reaction frames.
type ReactionAction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// Event is a decoded inbound frame as published on the bus. Body is one of
// *Message, *Typing, *ReadReceipt, *ReactionEvent, *MessageEdited,
// *MessageDeleted.
type Event struct {
	ConversationID string
	Type           string
	Body           any
}

// DecodeEvent decodes the payload of an inbound, non-ack frame.
func DecodeEvent(f Frame) (Event, error) {
	var body any
	switch f.Type {
	case TypeMessageCreated:
		body = new(Message)
	case TypeTyping:
		body = new(Typing)
	case TypeReadReceipt:
		body = new(ReadReceipt)
	case TypeReactionAdded, TypeReactionRemoved:
		body = new(ReactionEvent)
	case TypeMessageEdited:
		body = new(MessageEdited)
	case TypeMessageDeleted:
		body = new(MessageDeleted)
	default:
		return Event{}, fmt.Errorf("protocol: unknown frame type %q", f.Type)
	}
	if err := f.Bind(body); err != nil {
		return Event{}, err
	}
	conv := f.ConversationID
	if m, ok := body.(*Message); ok && conv == "" {
		conv = m.ConversationID
	}
	return Event{ConversationID: conv, Type: f.Type, Body: body}, nil
}
