package api

import (
	"time"

	"github.com/muenzbox/muenzbox/adapters/control"
	"github.com/muenzbox/muenzbox/domain/entities"
)

// VerifyPINRequest is the body of both PIN checks.
type VerifyPINRequest struct {
	PIN string `json:"pin"`
}

// TokenResponse is returned after a successful PIN check.
type TokenResponse struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
	Role       string    `json:"role"`
	IdentityID string    `json:"identity_id,omitempty"`
	Name       string    `json:"name,omitempty"`
}

// IdentitySummary is the public view used on the login screen.
type IdentitySummary struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// StartSessionRequest starts a session for the token's identity.
type StartSessionRequest struct {
	Category entities.Category `json:"category"`
	Coins    int               `json:"coins"`
}

// AdjustBalanceRequest changes a balance by a signed delta.
type AdjustBalanceRequest struct {
	Category entities.Category `json:"category"`
	Delta    int               `json:"delta"`
}

// AdjustBalanceResponse reports the resulting balance.
type AdjustBalanceResponse struct {
	IdentityID string            `json:"identity_id"`
	Category   entities.Category `json:"category"`
	Balance    int               `json:"balance"`
}

// MockStatusResponse describes the simulated hardware.
type MockStatusResponse struct {
	Mock  bool                    `json:"mock"`
	State *control.SimulatorState `json:"state,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
