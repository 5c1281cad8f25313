// Package storetest holds behaviour checks shared by every
// repositories.Store implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// Run exercises store. newStore must return an empty store each call.
func Run(t *testing.T, newStore func(t *testing.T) repositories.Store) {
	t.Run("IdentityCRUD", func(t *testing.T) { testIdentityCRUD(t, newStore(t)) })
	t.Run("DeviceCRUD", func(t *testing.T) { testDeviceCRUD(t, newStore(t)) })
	t.Run("SingleActiveSession", func(t *testing.T) { testSingleActiveSession(t, newStore(t)) })
	t.Run("TransitionSession", func(t *testing.T) { testTransitionSession(t, newStore(t)) })
	t.Run("OverdueAndRecent", func(t *testing.T) { testOverdueAndRecent(t, newStore(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
	t.Run("ConcurrentInsert", func(t *testing.T) { testConcurrentInsert(t, newStore(t)) })
	t.Run("DeleteIdentityCascades", func(t *testing.T) { testDeleteCascade(t, newStore(t)) })
}

// NewIdentity returns a valid identity with the given balances.
func NewIdentity(name string, tv, console int) *entities.Identity {
	return &entities.Identity{
		Name:    name,
		PINHash: "$2a$10$abcdefghijklmnopqrstuv",
		TV:      entities.Allowance{Balance: tv, Weekly: 3, Max: 10},
		Console: entities.Allowance{Balance: console, Weekly: 3, Max: 10},
		WeekdayWindows: []entities.Interval{
			{Start: 15 * 60, End: 19 * 60},
		},
		WeekendWindows: []entities.Interval{
			{Start: 9 * 60, End: 12 * 60},
			{Start: 14 * 60, End: 20 * 60},
		},
	}
}

func mustCreateIdentity(t *testing.T, store repositories.Store, name string) *entities.Identity {
	t.Helper()
	identity := NewIdentity(name, 3, 2)
	if err := store.CreateIdentity(context.Background(), identity); err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	return identity
}

var base = time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC)

func testIdentityCRUD(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	identity := mustCreateIdentity(t, store, "Mia")
	if identity.ID == "" {
		t.Fatal("Expected identity ID to be assigned")
	}

	got, err := store.GetIdentity(ctx, identity.ID)
	if err != nil {
		t.Fatalf("Failed to get identity: %v", err)
	}
	if got.Name != "Mia" || got.TV.Balance != 3 || got.Console.Max != 10 {
		t.Errorf("Unexpected identity: %+v", got)
	}
	if len(got.WeekendWindows) != 2 || got.WeekendWindows[1].End != 20*60 {
		t.Errorf("Expected weekend windows to round-trip, got %v", got.WeekendWindows)
	}

	if err := store.SetBalance(ctx, identity.ID, entities.CategoryConsole, 7); err != nil {
		t.Fatalf("Failed to set balance: %v", err)
	}
	got, _ = store.GetIdentity(ctx, identity.ID)
	if got.Console.Balance != 7 || got.TV.Balance != 3 {
		t.Errorf("Expected console 7 and tv 3, got console %d tv %d", got.Console.Balance, got.TV.Balance)
	}

	got.Name = "Mia B."
	got.Avatar = "cat"
	if err := store.UpdateIdentity(ctx, got); err != nil {
		t.Fatalf("Failed to update identity: %v", err)
	}
	mustCreateIdentity(t, store, "Anton")
	all, err := store.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("Failed to list identities: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected 2 identities, got %d", len(all))
	}
	if all[0].Name != "Anton" || all[1].Avatar != "cat" {
		t.Errorf("Expected sorted identities with updated avatar, got %s/%s", all[0].Name, all[1].Avatar)
	}

	if _, err := store.GetIdentity(ctx, "missing"); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := store.SetBalance(ctx, "missing", entities.CategoryTV, 1); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound from SetBalance, got %v", err)
	}
}

func testDeviceCRUD(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	if _, err := store.ActiveDevice(ctx, entities.CategoryTV); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound without devices, got %v", err)
	}

	tv := &entities.Device{
		Name:          "Living room TV",
		Category:      entities.CategoryTV,
		ControlMethod: entities.ControlFritzBox,
		Identifier:    "LivingRoomTV",
		Config:        entities.ConnectionConfig{Host: "http://fritz.box", User: "admin", Password: "secret"},
		Active:        true,
	}
	if err := store.CreateDevice(ctx, tv); err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	spare := &entities.Device{
		Name:          "Spare console",
		Category:      entities.CategoryConsole,
		ControlMethod: entities.ControlNone,
		Active:        false,
	}
	if err := store.CreateDevice(ctx, spare); err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	active, err := store.ActiveDevice(ctx, entities.CategoryTV)
	if err != nil {
		t.Fatalf("Failed to get active device: %v", err)
	}
	if active.ID != tv.ID || active.Config.Password != "secret" {
		t.Errorf("Unexpected active device: %+v", active)
	}
	if _, err := store.ActiveDevice(ctx, entities.CategoryConsole); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected inactive console to be ignored, got %v", err)
	}

	spare.Active = true
	spare.ControlMethod = entities.ControlNintendo
	spare.Config.Token = "session-token"
	if err := store.UpdateDevice(ctx, spare); err != nil {
		t.Fatalf("Failed to update device: %v", err)
	}
	got, err := store.GetDevice(ctx, spare.ID)
	if err != nil {
		t.Fatalf("Failed to get device: %v", err)
	}
	if !got.Active || got.Config.Token != "session-token" {
		t.Errorf("Expected update to persist, got %+v", got)
	}

	devices, _ := store.ListDevices(ctx)
	if len(devices) != 2 {
		t.Errorf("Expected 2 devices, got %d", len(devices))
	}
	if err := store.DeleteDevice(ctx, tv.ID); err != nil {
		t.Fatalf("Failed to delete device: %v", err)
	}
	if err := store.DeleteDevice(ctx, tv.ID); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func testSingleActiveSession(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	identity := mustCreateIdentity(t, store, "Mia")

	first := entities.NewSession("", identity.ID, entities.CategoryTV, 2, base)
	if err := store.InsertSession(ctx, first); err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}
	second := entities.NewSession("", identity.ID, entities.CategoryConsole, 1, base)
	if err := store.InsertSession(ctx, second); !errors.Is(err, entities.ErrActiveSessionExists) {
		t.Fatalf("Expected ErrActiveSessionExists, got %v", err)
	}

	active, err := store.ActiveSession(ctx, identity.ID)
	if err != nil {
		t.Fatalf("Failed to get active session: %v", err)
	}
	if active == nil || active.ID != first.ID {
		t.Fatalf("Expected active session %s, got %+v", first.ID, active)
	}
	if !active.EndsAt.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected EndsAt %v, got %v", base.Add(time.Hour), active.EndsAt)
	}

	if _, err := store.TransitionSession(ctx, first.ID, entities.SessionStatusCompleted); err != nil {
		t.Fatalf("Failed to transition: %v", err)
	}
	if err := store.InsertSession(ctx, second); err != nil {
		t.Errorf("Expected insert after completion to succeed, got %v", err)
	}
}

func testTransitionSession(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	identity := mustCreateIdentity(t, store, "Mia")
	session := entities.NewSession("", identity.ID, entities.CategoryTV, 1, base)
	if err := store.InsertSession(ctx, session); err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}

	ok, err := store.TransitionSession(ctx, session.ID, entities.SessionStatusCancelled)
	if err != nil || !ok {
		t.Fatalf("Expected first transition to apply, got ok=%v err=%v", ok, err)
	}
	ok, err = store.TransitionSession(ctx, session.ID, entities.SessionStatusCompleted)
	if err != nil || ok {
		t.Fatalf("Expected second transition to be a no-op, got ok=%v err=%v", ok, err)
	}
	got, _ := store.GetSession(ctx, session.ID)
	if got.Status != entities.SessionStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", got.Status)
	}
	if _, err := store.TransitionSession(ctx, "missing", entities.SessionStatusCompleted); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func testOverdueAndRecent(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	a := mustCreateIdentity(t, store, "A")
	b := mustCreateIdentity(t, store, "B")
	c := mustCreateIdentity(t, store, "C")

	early := entities.NewSession("", a.ID, entities.CategoryTV, 1, base)
	late := entities.NewSession("", b.ID, entities.CategoryTV, 2, base.Add(10*time.Minute))
	done := entities.NewSession("", c.ID, entities.CategoryTV, 1, base.Add(-2*time.Hour))
	done.Status = entities.SessionStatusCompleted
	for _, s := range []*entities.Session{early, late, done} {
		if err := store.InsertSession(ctx, s); err != nil {
			t.Fatalf("Failed to insert session: %v", err)
		}
	}

	overdue, err := store.OverdueSessions(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Failed to list overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != early.ID {
		t.Errorf("Expected only the early session to be overdue, got %d", len(overdue))
	}
	overdue, _ = store.OverdueSessions(ctx, base.Add(2*time.Hour))
	if len(overdue) != 2 {
		t.Errorf("Expected 2 overdue sessions, got %d", len(overdue))
	}

	recent, err := store.RecentSessions(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to list recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != late.ID || recent[1].ID != early.ID {
		t.Errorf("Expected newest sessions first, got %v", recent)
	}
}

func testLedger(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	a := mustCreateIdentity(t, store, "A")
	b := mustCreateIdentity(t, store, "B")
	for i, e := range []*entities.LedgerEntry{
		{IdentityID: a.ID, Category: entities.CategoryTV, Delta: -1, Reason: entities.ReasonSession},
		{IdentityID: b.ID, Category: entities.CategoryTV, Delta: 3, Reason: entities.ReasonWeeklyRefill},
		{IdentityID: a.ID, Category: entities.CategoryConsole, Delta: 2, Reason: entities.ReasonAdminAdjust},
	} {
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.AppendLedger(ctx, e); err != nil {
			t.Fatalf("Failed to append ledger: %v", err)
		}
	}

	entries, err := store.ListLedger(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("Failed to list ledger: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries for A, got %d", len(entries))
	}
	if entries[0].Reason != entities.ReasonAdminAdjust || entries[0].Delta != 2 {
		t.Errorf("Expected newest entry first, got %+v", entries[0])
	}
	all, _ := store.ListLedger(ctx, "", 2)
	if len(all) != 2 {
		t.Errorf("Expected limit to apply, got %d", len(all))
	}
}

func testTxRollback(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	identity := mustCreateIdentity(t, store, "Mia")
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
		if err := repo.SetBalance(ctx, identity.ID, entities.CategoryTV, 0); err != nil {
			return err
		}
		if err := repo.InsertSession(ctx, entities.NewSession("", identity.ID, entities.CategoryTV, 3, base)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected callback error, got %v", err)
	}

	got, _ := store.GetIdentity(ctx, identity.ID)
	if got.TV.Balance != 3 {
		t.Errorf("Expected balance to be rolled back to 3, got %d", got.TV.Balance)
	}
	if active, _ := store.ActiveSession(ctx, identity.ID); active != nil {
		t.Errorf("Expected no active session after rollback, got %+v", active)
	}
}

func testTxCommit(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	identity := mustCreateIdentity(t, store, "Mia")

	err := store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
		current, err := repo.GetIdentity(ctx, identity.ID)
		if err != nil {
			return err
		}
		if err := repo.SetBalance(ctx, identity.ID, entities.CategoryTV, current.TV.Balance-2); err != nil {
			return err
		}
		if err := repo.InsertSession(ctx, entities.NewSession("", identity.ID, entities.CategoryTV, 2, base)); err != nil {
			return err
		}
		return repo.AppendLedger(ctx, &entities.LedgerEntry{
			IdentityID: identity.ID, Category: entities.CategoryTV, Delta: -2,
			Reason: entities.ReasonSession, CreatedAt: base,
		})
	})
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	got, _ := store.GetIdentity(ctx, identity.ID)
	if got.TV.Balance != 1 {
		t.Errorf("Expected balance 1, got %d", got.TV.Balance)
	}
	active, _ := store.ActiveSession(ctx, identity.ID)
	if active == nil || active.CoinsUsed != 2 {
		t.Errorf("Expected committed session with 2 coins, got %+v", active)
	}
	entries, _ := store.ListLedger(ctx, identity.ID, 10)
	if len(entries) != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", len(entries))
	}
}

func testConcurrentInsert(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	identity := mustCreateIdentity(t, store, "Mia")

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
				return repo.InsertSession(ctx, entities.NewSession("", identity.ID, entities.CategoryTV, 1, base))
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, entities.ErrActiveSessionExists):
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly one insert to succeed, got %d", succeeded)
	}
}

func testDeleteCascade(t *testing.T, store repositories.Store) {
	ctx := context.Background()
	identity := mustCreateIdentity(t, store, "Mia")
	session := entities.NewSession("", identity.ID, entities.CategoryTV, 1, base)
	if err := store.InsertSession(ctx, session); err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}
	if err := store.AppendLedger(ctx, &entities.LedgerEntry{
		IdentityID: identity.ID, Category: entities.CategoryTV, Delta: -1,
		Reason: entities.ReasonSession, CreatedAt: base,
	}); err != nil {
		t.Fatalf("Failed to append ledger: %v", err)
	}

	if err := store.DeleteIdentity(ctx, identity.ID); err != nil {
		t.Fatalf("Failed to delete identity: %v", err)
	}
	if _, err := store.GetSession(ctx, session.ID); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected session to be deleted, got %v", err)
	}
	if entries, _ := store.ListLedger(ctx, identity.ID, 10); len(entries) != 0 {
		t.Errorf("Expected ledger to be deleted, got %d entries", len(entries))
	}
}
