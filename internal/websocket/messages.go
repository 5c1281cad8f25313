package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/muenzbox/muenzbox/usecase"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Supported message types
const (
	MessageTypeHello MessageType = "hello"
	MessageTypeEvent MessageType = "event"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
	MessageTypeError MessageType = "error"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
}

// HelloMessage is sent once after the connection is registered.
type HelloMessage struct {
	BaseMessage
	IdentityID string `json:"identity_id,omitempty"`
	Admin      bool   `json:"admin"`
}

// EventMessage carries a session or balance event.
type EventMessage struct {
	BaseMessage
	Event usecase.Event `json:"event"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// MessageValidator checks messages sent by clients. Clients only ever
// send pings; everything else flows from the server.
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an inbound message.
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		if len(msg.Data) > 256 {
			return nil, fmt.Errorf("ping data too long")
		}
		return &msg, nil
	case "":
		return nil, fmt.Errorf("message type is required")
	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{BaseMessage: newBase(MessageTypeError), Code: code, Message: message}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{BaseMessage: newBase(MessageTypePong), Data: data}
}

// CreateEventMessage wraps an event for delivery.
func CreateEventMessage(event usecase.Event) *EventMessage {
	return &EventMessage{BaseMessage: newBase(MessageTypeEvent), Event: event}
}

// CreateHelloMessage greets a newly registered client.
func CreateHelloMessage(identityID string, admin bool) *HelloMessage {
	return &HelloMessage{BaseMessage: newBase(MessageTypeHello), IdentityID: identityID, Admin: admin}
}
