package gateway

import (
	"encoding/json"
	"time"

	"github.com/zfogg/sidechain/realtime/pkg/events"
)

// Message types on the gateway wire
const (
	MessageTypeEvent  = "event"
	MessageTypeSystem = "system"
	MessageTypeError  = "error"
	MessageTypePing   = "ping"
	MessageTypePong   = "pong"
)

// System events
const (
	SystemEventConnected = "connected"
	SystemEventShutdown  = "server_shutdown"
)

// Message is the envelope for every frame sent to or received from a session
type Message struct {
	// Type identifies the message type for routing
	Type string `json:"type"`

	// Payload contains the message-specific data. For "event" frames it is a DomainEvent.
	Payload interface{} `json:"payload,omitempty"`

	// ID is a client-chosen identifier echoed in replies
	ID string `json:"id,omitempty"`

	// ReplyTo references the original message ID for responses
	ReplyTo string `json:"reply_to,omitempty"`

	// Timestamp when the message was created (accepts Unix ms or RFC3339)
	Timestamp events.FlexibleTime `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType string, payload interface{}) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Timestamp: events.FlexibleTime{Time: time.Now().UTC()},
	}
}

// NewEventMessage wraps a domain event for delivery to sessions
func NewEventMessage(event *events.DomainEvent) *Message {
	return NewMessage(MessageTypeEvent, event)
}

// NewErrorMessage creates an error message
func NewErrorMessage(code string, message string) *Message {
	return NewMessage(MessageTypeError, ErrorPayload{Code: code, Message: message})
}

// ErrorPayload represents an error message payload
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SystemPayload represents a system message payload
type SystemPayload struct {
	Event   string                 `json:"event"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// PingPayload is sent by clients to measure latency
type PingPayload struct {
	ClientTime int64 `json:"client_time"`
}

// PongPayload answers a ping
type PongPayload struct {
	ClientTime int64 `json:"client_time"`
	ServerTime int64 `json:"server_time"`
	Latency    int64 `json:"latency_ms"`
}

// ParsePayload re-decodes the generic payload into target
func (m *Message) ParsePayload(target interface{}) error {
	if m.Payload == nil {
		return nil
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
