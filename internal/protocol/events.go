// Package protocol defines the JSON frames exchanged with chat clients.
//
// Every frame is an Envelope: {"event": "<name>", "data": <payload>}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tyrowin/roomchat/internal/messagelog"
)

// Inbound event names.
const (
	EventJoin           = "join"
	EventSendMessage    = "sendMessage"
	EventPrivateMessage = "privateMessage"
	EventTyping         = "typing"
)

// Outbound event names. privateMessage and typing are shared with inbound.
const (
	EventMessage          = "message"
	EventPreviousMessages = "previousMessages"
	EventUsers            = "users"
)

// AdminAuthor is the author of system notices.
const AdminAuthor = "Admin"

// Envelope is the frame wrapper for both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest is the join payload.
type JoinRequest struct {
	Name string `json:"name"`
	Room string `json:"room"`
}

// PrivateMessageRequest is the inbound privateMessage payload.
type PrivateMessageRequest struct {
	RecipientName string `json:"recipientName"`
	Text          string `json:"text"`
}

// ChatMessage is the message payload, used for user content and notices.
type ChatMessage struct {
	ID        string `json:"id,omitempty"`
	Room      string `json:"room,omitempty"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// TypingNotice is the outbound typing payload.
type TypingNotice struct {
	Name string `json:"name"`
}

// PrivateMessage is the outbound privateMessage payload.
type PrivateMessage struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Notice builds an Admin message stamped at now.
func Notice(text string, now time.Time) ChatMessage {
	return ChatMessage{Author: AdminAuthor, Text: text, Timestamp: now.UnixMilli()}
}

// FromStored converts a logged message to its wire form.
func FromStored(m messagelog.Message) ChatMessage {
	return ChatMessage{
		ID:        m.ID,
		Room:      m.Room,
		Author:    m.Author,
		Text:      m.Text,
		Timestamp: m.CreatedAt.UnixMilli(),
	}
}

// FromStoredList converts a history slice, keeping order. The result is
// never nil so it encodes as a JSON array.
func FromStoredList(msgs []messagelog.Message) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = FromStored(m)
	}
	return out
}

// Encode marshals payload into a complete frame.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses a frame.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("invalid frame: missing event name")
	}
	return env, nil
}

// DecodeData unmarshals an envelope's payload into v.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: invalid data: %w", env.Event, err)
	}
	return nil
}
