package entities

import "time"

// SessionStatus represents the status of a session
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Session is a time-boxed grant of device access paid for with coins.
type Session struct {
	ID         string        `json:"id"`
	IdentityID string        `json:"identity_id"`
	Category   Category      `json:"category"`
	StartedAt  time.Time     `json:"started_at"`
	EndsAt     time.Time     `json:"ends_at"`
	CoinsUsed  int           `json:"coins_used"`
	Status     SessionStatus `json:"status"`
}

// NewSession creates an active session starting at now that lasts
// CoinDurationMinutes per coin.
func NewSession(id, identityID string, category Category, coins int, now time.Time) *Session {
	return &Session{
		ID:         id,
		IdentityID: identityID,
		Category:   category,
		StartedAt:  now,
		EndsAt:     now.Add(time.Duration(coins*CoinDurationMinutes) * time.Minute),
		CoinsUsed:  coins,
		Status:     SessionStatusActive,
	}
}

// IsActive reports whether the session has not reached a terminal state.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// IsOverdue reports whether an active session has passed its end time.
func (s *Session) IsOverdue(now time.Time) bool {
	return s.IsActive() && !s.EndsAt.After(now)
}

// Duration is the granted access time.
func (s *Session) Duration() time.Duration {
	return s.EndsAt.Sub(s.StartedAt)
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.IdentityID == "" {
		return &ValidationError{Field: "identity_id", Message: "is required"}
	}
	if s.CoinsUsed < 1 {
		return &ValidationError{Field: "coins", Message: "must be at least 1"}
	}
	switch s.Status {
	case SessionStatusActive, SessionStatusCompleted, SessionStatusCancelled:
	default:
		return &ValidationError{Field: "status", Message: "invalid session status"}
	}
	return nil
}
