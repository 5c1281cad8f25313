package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
)

func policyReason(t *testing.T, err error) entities.PolicyReason {
	t.Helper()
	var violation *entities.PolicyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("Expected policy violation, got %v", err)
	}
	return violation.Reason
}

func TestStartSession_DebitsAndEnables(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)

	result, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 2)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	if result.Balance != 1 {
		t.Errorf("Expected balance 1, got %d", result.Balance)
	}
	if got := env.balance(t, child.ID, entities.CategoryTV); got != 1 {
		t.Errorf("Expected stored balance 1, got %d", got)
	}
	if want := testNow.Add(time.Hour); !result.Session.EndsAt.Equal(want) {
		t.Errorf("Expected session to end at %v, got %v", want, result.Session.EndsAt)
	}
	if !result.HardwareOK {
		t.Error("Expected hardware to report success")
	}
	if enabled, _ := env.controller.counts(); enabled != 1 {
		t.Errorf("Expected 1 enable call, got %d", enabled)
	}
	if env.controller.enabled[0].Allowance != time.Hour {
		t.Errorf("Expected allowance of 1h, got %v", env.controller.enabled[0].Allowance)
	}

	entries := env.ledger(t, child.ID)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].Delta != -2 || entries[0].Reason != entities.ReasonSession {
		t.Errorf("Expected session debit of -2, got %d (%s)", entries[0].Delta, entries[0].Reason)
	}

	types := env.notifier.types()
	if len(types) != 2 || types[0] != EventSessionStarted || types[1] != EventBalanceChanged {
		t.Errorf("Expected started and balance events, got %v", types)
	}
}

func TestStartSession_RejectsSecondSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)

	if _, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 2); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	env.clock.Advance(5 * time.Minute)
	_, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 1)
	if reason := policyReason(t, err); reason != entities.ReasonActiveSession {
		t.Errorf("Expected %s, got %s", entities.ReasonActiveSession, reason)
	}
	_, err = env.sessions.StartSession(ctx, child.ID, entities.CategoryConsole, 1)
	if reason := policyReason(t, err); reason != entities.ReasonActiveSession {
		t.Errorf("Expected %s for other category, got %s", entities.ReasonActiveSession, reason)
	}

	if got := env.balance(t, child.ID, entities.CategoryTV); got != 1 {
		t.Errorf("Expected balance 1, got %d", got)
	}
	if got := len(env.ledger(t, child.ID)); got != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", got)
	}
}

func TestStartSession_ConsoleCap(t *testing.T) {
	env := newTestEnv(t, nil)
	child := env.createIdentity(t, "Mia", 3, 5)

	_, err := env.sessions.StartSession(context.Background(), child.ID, entities.CategoryConsole, 3)
	var violation *entities.PolicyViolation
	if !errors.As(err, &violation) {
		t.Fatalf("Expected policy violation, got %v", err)
	}
	if violation.Reason != entities.ReasonSessionCap || violation.Limit != 2 {
		t.Errorf("Expected session cap of 2, got %s/%d", violation.Reason, violation.Limit)
	}
	if got := env.balance(t, child.ID, entities.CategoryConsole); got != 5 {
		t.Errorf("Expected balance to stay at 5, got %d", got)
	}
	if got := len(env.ledger(t, child.ID)); got != 0 {
		t.Errorf("Expected empty ledger, got %d entries", got)
	}
	if enabled, _ := env.controller.counts(); enabled != 0 {
		t.Errorf("Expected no enable calls, got %d", enabled)
	}
}

func TestStartSession_SwitchIsConsole(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 5, 5)

	_, err := env.sessions.StartSession(ctx, child.ID, entities.Category("switch"), 3)
	var violation *entities.PolicyViolation
	if !errors.As(err, &violation) || violation.Reason != entities.ReasonSessionCap {
		t.Fatalf("Expected session cap violation, got %v", err)
	}
	if violation.Category != entities.CategoryConsole {
		t.Errorf("Expected category console, got %s", violation.Category)
	}

	result, err := env.sessions.StartSession(ctx, child.ID, entities.Category("switch"), 2)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if result.Session.Category != entities.CategoryConsole {
		t.Errorf("Expected session category console, got %s", result.Session.Category)
	}
	if got := env.balance(t, child.ID, entities.CategoryConsole); got != 3 {
		t.Errorf("Expected console balance 3, got %d", got)
	}
	if got := env.balance(t, child.ID, entities.CategoryTV); got != 5 {
		t.Errorf("Expected tv balance to stay at 5, got %d", got)
	}
	entries := env.ledger(t, child.ID)
	if len(entries) != 1 || entries[0].Category != entities.CategoryConsole {
		t.Errorf("Expected one console ledger entry, got %+v", entries)
	}
}

func TestStartSession_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		at       time.Time
		tv       int
		coins    int
		expected entities.PolicyReason
	}{
		{"before window", time.Date(2026, 10, 14, 7, 59, 0, 0, time.UTC), 3, 1, entities.ReasonOutsideWindow},
		{"after window", time.Date(2026, 10, 14, 20, 1, 0, 0, time.UTC), 3, 1, entities.ReasonOutsideWindow},
		{"holiday uses weekend windows", time.Date(2026, 12, 25, 8, 30, 0, 0, time.UTC), 3, 1, entities.ReasonOutsideWindow},
		{"not enough coins", testNow, 1, 2, entities.ReasonInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.clock.Set(tt.at)
			child := env.createIdentity(t, "Mia", tt.tv, 0)

			_, err := env.sessions.StartSession(context.Background(), child.ID, entities.CategoryTV, tt.coins)
			if reason := policyReason(t, err); reason != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, reason)
			}
			if got := env.balance(t, child.ID, entities.CategoryTV); got != tt.tv {
				t.Errorf("Expected balance %d, got %d", tt.tv, got)
			}
		})
	}
}

func TestStartSession_InvalidInput(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)

	var validation *entities.ValidationError
	if _, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 0); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for zero coins, got %v", err)
	}
	if _, err := env.sessions.StartSession(ctx, child.ID, "radio", 1); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for unknown category, got %v", err)
	}
	if _, err := env.sessions.StartSession(ctx, "missing", entities.CategoryTV, 1); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStartSession_ConcurrentRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	child := env.createIdentity(t, "Mia", 5, 0)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.sessions.StartSession(context.Background(), child.ID, entities.CategoryTV, 1)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("Expected exactly 1 successful start, got %d", succeeded)
	}
	if got := env.balance(t, child.ID, entities.CategoryTV); got != 4 {
		t.Errorf("Expected balance 4, got %d", got)
	}
	if got := len(env.ledger(t, child.ID)); got != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", got)
	}
}

func TestStartSession_HardwareFailureKeepsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	env.controller.fail = true
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)

	result, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 1)
	if err != nil {
		t.Fatalf("Expected start to succeed, got %v", err)
	}
	if result.HardwareOK {
		t.Error("Expected hardware failure to be reported")
	}

	active, err := env.sessions.ActiveSession(ctx, child.ID)
	if err != nil {
		t.Fatalf("Failed to load active session: %v", err)
	}
	if active == nil || active.ID != result.Session.ID {
		t.Errorf("Expected session %s to stay active, got %v", result.Session.ID, active)
	}
	if got := env.balance(t, child.ID, entities.CategoryTV); got != 2 {
		t.Errorf("Expected balance 2, got %d", got)
	}
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)
	sibling := env.createIdentity(t, "Ben", 3, 2)

	started, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 2)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	if _, err := env.sessions.EndSession(ctx, started.Session.ID, Actor{IdentityID: sibling.ID}); !errors.Is(err, entities.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}

	result, err := env.sessions.EndSession(ctx, started.Session.ID, Actor{IdentityID: child.ID})
	if err != nil {
		t.Fatalf("Failed to end session: %v", err)
	}
	if result.Session.Status != entities.SessionStatusCompleted {
		t.Errorf("Expected status completed, got %s", result.Session.Status)
	}
	if _, disabled := env.controller.counts(); disabled != 1 {
		t.Errorf("Expected 1 disable call, got %d", disabled)
	}

	if _, err := env.sessions.EndSession(ctx, started.Session.ID, Actor{IdentityID: child.ID}); !errors.Is(err, entities.ErrSessionNotActive) {
		t.Errorf("Expected ErrSessionNotActive, got %v", err)
	}
	if _, disabled := env.controller.counts(); disabled != 1 {
		t.Errorf("Expected still 1 disable call, got %d", disabled)
	}

	// Coins are not refunded when ending early.
	if got := env.balance(t, child.ID, entities.CategoryTV); got != 1 {
		t.Errorf("Expected balance 1, got %d", got)
	}

	if _, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 1); err != nil {
		t.Errorf("Expected a new session after ending, got %v", err)
	}
}

func TestCancelSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)

	started, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryConsole, 1)
	if err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	result, err := env.sessions.CancelSession(ctx, started.Session.ID)
	if err != nil {
		t.Fatalf("Failed to cancel session: %v", err)
	}
	if result.Session.Status != entities.SessionStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", result.Session.Status)
	}
	if _, err := env.sessions.CancelSession(ctx, "missing"); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestExpireSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	mia := env.createIdentity(t, "Mia", 3, 2)
	ben := env.createIdentity(t, "Ben", 3, 2)

	if _, err := env.sessions.StartSession(ctx, mia.ID, entities.CategoryTV, 1); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if _, err := env.sessions.StartSession(ctx, ben.ID, entities.CategoryTV, 2); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	env.clock.Advance(29 * time.Minute)
	results, err := env.sessions.ExpireSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to expire sessions: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected nothing to expire yet, got %d", len(results))
	}

	env.clock.Advance(time.Minute)
	results, err = env.sessions.ExpireSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to expire sessions: %v", err)
	}
	if len(results) != 1 || results[0].Session.IdentityID != mia.ID {
		t.Fatalf("Expected Mia's session to expire, got %d results", len(results))
	}

	results, err = env.sessions.ExpireSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to expire sessions: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected second run to expire nothing, got %d", len(results))
	}
	if _, disabled := env.controller.counts(); disabled != 1 {
		t.Errorf("Expected 1 disable call, got %d", disabled)
	}

	active, err := env.sessions.ActiveSession(ctx, ben.ID)
	if err != nil {
		t.Fatalf("Failed to load active session: %v", err)
	}
	if active == nil {
		t.Error("Expected Ben's session to still be active")
	}
}

func TestStartSession_DeviceRouting(t *testing.T) {
	ctx := context.Background()
	routes := map[entities.Category]DeviceRoute{
		entities.CategoryConsole: {Method: entities.ControlMikroTik, Identifier: "switch-lan"},
	}

	t.Run("stored device", func(t *testing.T) {
		env := newTestEnv(t, routes)
		child := env.createIdentity(t, "Mia", 3, 2)
		device := &entities.Device{
			Name:          "Living room",
			Category:      entities.CategoryTV,
			ControlMethod: entities.ControlFritzBox,
			Identifier:    "LivingRoomTV",
			Active:        true,
		}
		if err := env.store.CreateDevice(ctx, device); err != nil {
			t.Fatalf("Failed to create device: %v", err)
		}
		if _, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 1); err != nil {
			t.Fatalf("Failed to start session: %v", err)
		}
		target := env.controller.enabled[0]
		if target.Method != entities.ControlFritzBox || target.Identifier != "LivingRoomTV" {
			t.Errorf("Expected fritzbox/LivingRoomTV, got %s/%s", target.Method, target.Identifier)
		}
	})

	t.Run("default route", func(t *testing.T) {
		env := newTestEnv(t, routes)
		child := env.createIdentity(t, "Mia", 3, 2)
		if _, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryConsole, 1); err != nil {
			t.Fatalf("Failed to start session: %v", err)
		}
		target := env.controller.enabled[0]
		if target.Method != entities.ControlMikroTik || target.Identifier != "switch-lan" {
			t.Errorf("Expected mikrotik/switch-lan, got %s/%s", target.Method, target.Identifier)
		}
	})

	t.Run("no route", func(t *testing.T) {
		env := newTestEnv(t, routes)
		child := env.createIdentity(t, "Mia", 3, 2)
		if _, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 1); err != nil {
			t.Fatalf("Failed to start session: %v", err)
		}
		if target := env.controller.enabled[0]; target.Method != entities.ControlNone {
			t.Errorf("Expected method none, got %s", target.Method)
		}
	})
}

func TestLedgerMatchesBalances(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 6, 2)

	for i := 0; i < 3; i++ {
		started, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, i+1)
		if err != nil {
			t.Fatalf("Failed to start session %d: %v", i, err)
		}
		if _, err := env.sessions.EndSession(ctx, started.Session.ID, Actor{Admin: true}); err != nil {
			t.Fatalf("Failed to end session %d: %v", i, err)
		}
	}
	if _, err := env.allowance.WeeklyRefill(ctx); err != nil {
		t.Fatalf("Failed to refill: %v", err)
	}

	sum := 6
	for _, entry := range env.ledger(t, child.ID) {
		if entry.Category == entities.CategoryTV {
			sum += entry.Delta
		}
	}
	if got := env.balance(t, child.ID, entities.CategoryTV); got != sum {
		t.Errorf("Expected balance %d to match ledger sum, got %d", sum, got)
	}
	if got := env.balance(t, child.ID, entities.CategoryTV); got != 3 {
		t.Errorf("Expected balance 3, got %d", got)
	}
}
