package entities

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrActiveSessionExists = errors.New("active session already exists")
	ErrSessionNotActive    = errors.New("session is not active")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidCredentials  = errors.New("invalid credentials")
)

// ValidationError reports a malformed request. Nothing has been changed
// when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// PolicyReason names the admission constraint that rejected a request.
type PolicyReason string

const (
	ReasonOutsideWindow       PolicyReason = "outside_time_window"
	ReasonInsufficientBalance PolicyReason = "insufficient_balance"
	ReasonSessionCap          PolicyReason = "session_cap_exceeded"
	ReasonActiveSession       PolicyReason = "active_session_exists"
)

// PolicyViolation is returned when a well-formed request is refused by
// the admission rules. The fields carry the violated constraint so
// callers can render it without parsing Message.
type PolicyViolation struct {
	Reason    PolicyReason
	Category  Category
	Requested int
	Available int
	Limit     int
	Windows   []Interval
	SessionID string
}

func (e *PolicyViolation) Error() string {
	switch e.Reason {
	case ReasonOutsideWindow:
		parts := make([]string, 0, len(e.Windows))
		for _, w := range e.Windows {
			parts = append(parts, w.String())
		}
		return fmt.Sprintf("outside allowed time (%s)", strings.Join(parts, ", "))
	case ReasonInsufficientBalance:
		return fmt.Sprintf("not enough coins (available: %d, requested: %d)", e.Available, e.Requested)
	case ReasonSessionCap:
		return fmt.Sprintf("at most %d coins per %s session (requested: %d)", e.Limit, e.Category, e.Requested)
	case ReasonActiveSession:
		return "a session is already running"
	}
	return string(e.Reason)
}

// Is lets errors.Is(err, ErrActiveSessionExists) match exclusivity violations.
func (e *PolicyViolation) Is(target error) bool {
	return e.Reason == ReasonActiveSession && target == ErrActiveSessionExists
}
