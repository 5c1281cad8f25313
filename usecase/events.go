package usecase

import (
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
)

// EventType names a live event pushed to connected clients.
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionEnded     EventType = "session_ended"
	EventSessionCancelled EventType = "session_cancelled"
	EventSessionExpired   EventType = "session_expired"
	EventBalanceChanged   EventType = "balance_changed"
)

// Event describes a state change of one identity.
type Event struct {
	Type       EventType         `json:"type"`
	IdentityID string            `json:"identity_id"`
	Session    *entities.Session `json:"session,omitempty"`
	Category   entities.Category `json:"category,omitempty"`
	Balance    *int              `json:"balance,omitempty"`
	HardwareOK *bool             `json:"hardware_ok,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Notifier delivers events. Publish must not block.
type Notifier interface {
	Publish(event Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}

func balanceEvent(identityID string, category entities.Category, balance int, now time.Time) Event {
	return Event{
		Type:       EventBalanceChanged,
		IdentityID: identityID,
		Category:   category,
		Balance:    &balance,
		Timestamp:  now,
	}
}
