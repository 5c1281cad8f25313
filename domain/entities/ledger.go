package entities

import "time"

// LedgerReason tags why a balance changed.
type LedgerReason string

const (
	ReasonSession      LedgerReason = "session"
	ReasonWeeklyRefill LedgerReason = "weekly_refill"
	ReasonAdminAdjust  LedgerReason = "admin_adjust"
)

// LedgerEntry is an append-only audit record of one balance change.
type LedgerEntry struct {
	ID         string       `json:"id"`
	IdentityID string       `json:"identity_id"`
	Category   Category     `json:"category"`
	Delta      int          `json:"delta"`
	Reason     LedgerReason `json:"reason"`
	CreatedAt  time.Time    `json:"created_at"`
}
