package adapters

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// MemoryStore is an in-memory implementation of repositories.Store.
// Transactions run against a copy of the data that replaces the live
// state only when the callback succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

// Ensure MemoryStore implements the Store interface
var _ repositories.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

// WithinTx implements repositories.Store
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repo repositories.Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(ctx, staged); err != nil {
		return err
	}
	m.state = staged
	return nil
}

// Close implements repositories.Store
func (m *MemoryStore) Close(context.Context) error { return nil }

func (m *MemoryStore) read(fn func(s *memoryState) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.state)
}

func (m *MemoryStore) write(fn func(s *memoryState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *MemoryStore) CreateIdentity(ctx context.Context, identity *entities.Identity) error {
	return m.write(func(s *memoryState) error { return s.CreateIdentity(ctx, identity) })
}

func (m *MemoryStore) GetIdentity(ctx context.Context, id string) (out *entities.Identity, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.GetIdentity(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) ListIdentities(ctx context.Context) (out []*entities.Identity, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.ListIdentities(ctx); return err })
	return out, err
}

func (m *MemoryStore) UpdateIdentity(ctx context.Context, identity *entities.Identity) error {
	return m.write(func(s *memoryState) error { return s.UpdateIdentity(ctx, identity) })
}

func (m *MemoryStore) SetBalance(ctx context.Context, identityID string, category entities.Category, balance int) error {
	return m.write(func(s *memoryState) error { return s.SetBalance(ctx, identityID, category, balance) })
}

func (m *MemoryStore) DeleteIdentity(ctx context.Context, id string) error {
	return m.write(func(s *memoryState) error { return s.DeleteIdentity(ctx, id) })
}

func (m *MemoryStore) CreateDevice(ctx context.Context, device *entities.Device) error {
	return m.write(func(s *memoryState) error { return s.CreateDevice(ctx, device) })
}

func (m *MemoryStore) GetDevice(ctx context.Context, id string) (out *entities.Device, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.GetDevice(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) ListDevices(ctx context.Context) (out []*entities.Device, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.ListDevices(ctx); return err })
	return out, err
}

func (m *MemoryStore) ActiveDevice(ctx context.Context, category entities.Category) (out *entities.Device, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.ActiveDevice(ctx, category); return err })
	return out, err
}

func (m *MemoryStore) UpdateDevice(ctx context.Context, device *entities.Device) error {
	return m.write(func(s *memoryState) error { return s.UpdateDevice(ctx, device) })
}

func (m *MemoryStore) DeleteDevice(ctx context.Context, id string) error {
	return m.write(func(s *memoryState) error { return s.DeleteDevice(ctx, id) })
}

func (m *MemoryStore) InsertSession(ctx context.Context, session *entities.Session) error {
	return m.write(func(s *memoryState) error { return s.InsertSession(ctx, session) })
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (out *entities.Session, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.GetSession(ctx, id); return err })
	return out, err
}

func (m *MemoryStore) ActiveSession(ctx context.Context, identityID string) (out *entities.Session, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.ActiveSession(ctx, identityID); return err })
	return out, err
}

func (m *MemoryStore) OverdueSessions(ctx context.Context, now time.Time) (out []*entities.Session, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.OverdueSessions(ctx, now); return err })
	return out, err
}

func (m *MemoryStore) RecentSessions(ctx context.Context, limit int) (out []*entities.Session, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.RecentSessions(ctx, limit); return err })
	return out, err
}

func (m *MemoryStore) TransitionSession(ctx context.Context, id string, to entities.SessionStatus) (ok bool, err error) {
	err = m.write(func(s *memoryState) error { ok, err = s.TransitionSession(ctx, id, to); return err })
	return ok, err
}

func (m *MemoryStore) AppendLedger(ctx context.Context, entry *entities.LedgerEntry) error {
	return m.write(func(s *memoryState) error { return s.AppendLedger(ctx, entry) })
}

func (m *MemoryStore) ListLedger(ctx context.Context, identityID string, limit int) (out []*entities.LedgerEntry, err error) {
	err = m.read(func(s *memoryState) error { out, err = s.ListLedger(ctx, identityID, limit); return err })
	return out, err
}

// memoryState holds the records. It is not safe for concurrent use;
// MemoryStore serializes access.
type memoryState struct {
	identities map[string]*entities.Identity
	devices    map[string]*entities.Device
	sessions   map[string]*entities.Session
	ledger     []*entities.LedgerEntry
}

func newMemoryState() *memoryState {
	return &memoryState{
		identities: make(map[string]*entities.Identity),
		devices:    make(map[string]*entities.Device),
		sessions:   make(map[string]*entities.Session),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for id, v := range s.identities {
		c.identities[id] = copyIdentity(v)
	}
	for id, v := range s.devices {
		d := *v
		c.devices[id] = &d
	}
	for id, v := range s.sessions {
		sess := *v
		c.sessions[id] = &sess
	}
	// Ledger entries are never mutated, sharing them is safe.
	c.ledger = append(c.ledger, s.ledger...)
	return c
}

func copyIdentity(in *entities.Identity) *entities.Identity {
	out := *in
	out.WeekdayWindows = append([]entities.Interval(nil), in.WeekdayWindows...)
	out.WeekendWindows = append([]entities.Interval(nil), in.WeekendWindows...)
	return &out
}

func (s *memoryState) CreateIdentity(_ context.Context, identity *entities.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	now := time.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	s.identities[identity.ID] = copyIdentity(identity)
	return nil
}

func (s *memoryState) GetIdentity(_ context.Context, id string) (*entities.Identity, error) {
	identity, ok := s.identities[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	return copyIdentity(identity), nil
}

func (s *memoryState) ListIdentities(context.Context) ([]*entities.Identity, error) {
	result := make([]*entities.Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		result = append(result, copyIdentity(identity))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *memoryState) UpdateIdentity(_ context.Context, identity *entities.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	existing, ok := s.identities[identity.ID]
	if !ok {
		return entities.ErrNotFound
	}
	identity.CreatedAt = existing.CreatedAt
	identity.UpdatedAt = time.Now()
	s.identities[identity.ID] = copyIdentity(identity)
	return nil
}

func (s *memoryState) SetBalance(_ context.Context, identityID string, category entities.Category, balance int) error {
	identity, ok := s.identities[identityID]
	if !ok {
		return entities.ErrNotFound
	}
	identity.SetBalance(category, balance)
	identity.UpdatedAt = time.Now()
	return nil
}

func (s *memoryState) DeleteIdentity(_ context.Context, id string) error {
	if _, ok := s.identities[id]; !ok {
		return entities.ErrNotFound
	}
	delete(s.identities, id)
	for sid, session := range s.sessions {
		if session.IdentityID == id {
			delete(s.sessions, sid)
		}
	}
	kept := s.ledger[:0:0]
	for _, entry := range s.ledger {
		if entry.IdentityID != id {
			kept = append(kept, entry)
		}
	}
	s.ledger = kept
	return nil
}

func (s *memoryState) CreateDevice(_ context.Context, device *entities.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	d := *device
	s.devices[device.ID] = &d
	return nil
}

func (s *memoryState) GetDevice(_ context.Context, id string) (*entities.Device, error) {
	device, ok := s.devices[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	d := *device
	return &d, nil
}

func (s *memoryState) ListDevices(context.Context) ([]*entities.Device, error) {
	result := make([]*entities.Device, 0, len(s.devices))
	for _, device := range s.devices {
		d := *device
		result = append(result, &d)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Category != result[j].Category {
			return result[i].Category < result[j].Category
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

func (s *memoryState) ActiveDevice(ctx context.Context, category entities.Category) (*entities.Device, error) {
	devices, _ := s.ListDevices(ctx)
	for _, device := range devices {
		if device.Active && device.Category == category {
			return device, nil
		}
	}
	return nil, entities.ErrNotFound
}

func (s *memoryState) UpdateDevice(_ context.Context, device *entities.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	existing, ok := s.devices[device.ID]
	if !ok {
		return entities.ErrNotFound
	}
	device.CreatedAt = existing.CreatedAt
	device.UpdatedAt = time.Now()
	d := *device
	s.devices[device.ID] = &d
	return nil
}

func (s *memoryState) DeleteDevice(_ context.Context, id string) error {
	if _, ok := s.devices[id]; !ok {
		return entities.ErrNotFound
	}
	delete(s.devices, id)
	return nil
}

func (s *memoryState) InsertSession(ctx context.Context, session *entities.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if session.Status == entities.SessionStatusActive {
		active, _ := s.ActiveSession(ctx, session.IdentityID)
		if active != nil {
			return entities.ErrActiveSessionExists
		}
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	sess := *session
	s.sessions[session.ID] = &sess
	return nil
}

func (s *memoryState) GetSession(_ context.Context, id string) (*entities.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, entities.ErrNotFound
	}
	sess := *session
	return &sess, nil
}

func (s *memoryState) ActiveSession(_ context.Context, identityID string) (*entities.Session, error) {
	for _, session := range s.sessions {
		if session.IdentityID == identityID && session.IsActive() {
			sess := *session
			return &sess, nil
		}
	}
	return nil, nil
}

func (s *memoryState) OverdueSessions(_ context.Context, now time.Time) ([]*entities.Session, error) {
	var result []*entities.Session
	for _, session := range s.sessions {
		if session.IsOverdue(now) {
			sess := *session
			result = append(result, &sess)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EndsAt.Before(result[j].EndsAt) })
	return result, nil
}

func (s *memoryState) RecentSessions(_ context.Context, limit int) ([]*entities.Session, error) {
	result := make([]*entities.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sess := *session
		result = append(result, &sess)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *memoryState) TransitionSession(_ context.Context, id string, to entities.SessionStatus) (bool, error) {
	session, ok := s.sessions[id]
	if !ok {
		return false, entities.ErrNotFound
	}
	if !session.IsActive() {
		return false, nil
	}
	session.Status = to
	return true, nil
}

func (s *memoryState) AppendLedger(_ context.Context, entry *entities.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	e := *entry
	s.ledger = append(s.ledger, &e)
	return nil
}

func (s *memoryState) ListLedger(_ context.Context, identityID string, limit int) ([]*entities.LedgerEntry, error) {
	var result []*entities.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		entry := s.ledger[i]
		if identityID != "" && entry.IdentityID != identityID {
			continue
		}
		e := *entry
		result = append(result, &e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
