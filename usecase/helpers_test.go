package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/muenzbox/muenzbox/adapters"
	"github.com/muenzbox/muenzbox/adapters/holidays"
	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// Wednesday
var testNow = time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingController struct {
	mu       sync.Mutex
	enabled  []repositories.ControlTarget
	disabled []repositories.ControlTarget
	fail     bool
}

func (c *recordingController) Enable(_ context.Context, target repositories.ControlTarget) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = append(c.enabled, target)
	return !c.fail
}

func (c *recordingController) Disable(_ context.Context, target repositories.ControlTarget) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = append(c.disabled, target)
	return !c.fail
}

func (c *recordingController) Status(context.Context, repositories.ControlTarget) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enabled) > len(c.disabled)
}

func (c *recordingController) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enabled), len(c.disabled)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		types = append(types, e.Type)
	}
	return types
}

type testEnv struct {
	store      *adapters.MemoryStore
	clock      *fakeClock
	controller *recordingController
	notifier   *recordingNotifier
	sessions   *SessionService
	allowance  *AllowanceService
	household  *HouseholdService
}

func newTestEnv(t *testing.T, routes map[entities.Category]DeviceRoute) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	env := &testEnv{
		store:      adapters.NewMemoryStore(),
		clock:      &fakeClock{now: testNow},
		controller: &recordingController{},
		notifier:   &recordingNotifier{},
	}
	calendar := holidays.NewFixed("2026-12-25")
	env.sessions = NewSessionService(env.store, env.controller, env.clock, calendar, env.notifier,
		SessionServiceConfig{Location: time.UTC, Routes: routes}, logger)
	env.allowance = NewAllowanceService(env.store, env.clock, env.notifier, logger)
	env.household = NewHouseholdService(env.store, env.controller, env.sessions, env.clock, calendar,
		HouseholdConfig{AdminPIN: "9999", Location: time.UTC, PINCost: bcrypt.MinCost}, logger)
	return env
}

func (e *testEnv) createIdentity(t *testing.T, name string, tv, console int) *entities.Identity {
	t.Helper()
	identity := &entities.Identity{
		Name:           name,
		TV:             entities.Allowance{Balance: tv, Weekly: 3, Max: 10},
		Console:        entities.Allowance{Balance: console, Weekly: 3, Max: 10},
		WeekdayWindows: []entities.Interval{{Start: 8 * 60, End: 20 * 60}},
		WeekendWindows: []entities.Interval{{Start: 9 * 60, End: 21 * 60}},
	}
	if err := e.store.CreateIdentity(context.Background(), identity); err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	return identity
}

func (e *testEnv) balance(t *testing.T, identityID string, category entities.Category) int {
	t.Helper()
	identity, err := e.store.GetIdentity(context.Background(), identityID)
	if err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}
	return identity.Allowance(category).Balance
}

func (e *testEnv) ledger(t *testing.T, identityID string) []*entities.LedgerEntry {
	t.Helper()
	entries, err := e.store.ListLedger(context.Background(), identityID, 0)
	if err != nil {
		t.Fatalf("Failed to list ledger: %v", err)
	}
	return entries
}
