package repositories

import (
	"context"
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
)

// IdentityRepository defines data access methods for household members
type IdentityRepository interface {
	CreateIdentity(ctx context.Context, identity *entities.Identity) error
	GetIdentity(ctx context.Context, id string) (*entities.Identity, error)
	ListIdentities(ctx context.Context) ([]*entities.Identity, error)
	UpdateIdentity(ctx context.Context, identity *entities.Identity) error
	// SetBalance stores a category balance. Callers keep it within [0, max].
	SetBalance(ctx context.Context, identityID string, category entities.Category, balance int) error
	// DeleteIdentity removes the identity together with its sessions and ledger entries.
	DeleteIdentity(ctx context.Context, id string) error
}

// DeviceRepository defines data access methods for devices
type DeviceRepository interface {
	CreateDevice(ctx context.Context, device *entities.Device) error
	GetDevice(ctx context.Context, id string) (*entities.Device, error)
	ListDevices(ctx context.Context) ([]*entities.Device, error)
	// ActiveDevice returns the first active device of a category, or
	// entities.ErrNotFound when none is configured.
	ActiveDevice(ctx context.Context, category entities.Category) (*entities.Device, error)
	UpdateDevice(ctx context.Context, device *entities.Device) error
	DeleteDevice(ctx context.Context, id string) error
}

// SessionRepository defines data access methods for sessions
type SessionRepository interface {
	// InsertSession stores a new session. It returns
	// entities.ErrActiveSessionExists if the identity already has an
	// active session.
	InsertSession(ctx context.Context, session *entities.Session) error
	GetSession(ctx context.Context, id string) (*entities.Session, error)
	// ActiveSession returns the identity's active session or nil.
	ActiveSession(ctx context.Context, identityID string) (*entities.Session, error)
	// OverdueSessions returns active sessions with EndsAt <= now.
	OverdueSessions(ctx context.Context, now time.Time) ([]*entities.Session, error)
	// RecentSessions returns up to limit sessions, newest first.
	RecentSessions(ctx context.Context, limit int) ([]*entities.Session, error)
	// TransitionSession moves an active session to a terminal status. It
	// reports false when the session was no longer active.
	TransitionSession(ctx context.Context, id string, to entities.SessionStatus) (bool, error)
}

// LedgerRepository is the append-only balance audit log.
type LedgerRepository interface {
	AppendLedger(ctx context.Context, entry *entities.LedgerEntry) error
	// ListLedger returns up to limit entries, newest first. An empty
	// identityID lists all identities.
	ListLedger(ctx context.Context, identityID string, limit int) ([]*entities.LedgerEntry, error)
}

// Repository groups every record type of the household store.
type Repository interface {
	IdentityRepository
	DeviceRepository
	SessionRepository
	LedgerRepository
}

// Store is the persistent record store. WithinTx runs fn against a
// transactional view: all writes made through repo commit together when
// fn returns nil and are discarded otherwise. fn must use the ctx it is
// given.
type Store interface {
	Repository
	WithinTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
	Close(ctx context.Context) error
}
