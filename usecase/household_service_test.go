package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestCreateIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	var validation *entities.ValidationError
	if _, err := env.household.CreateIdentity(ctx, IdentityInput{Name: strPtr("Mia")}); !errors.As(err, &validation) {
		t.Errorf("Expected validation error without pin, got %v", err)
	}
	if _, err := env.household.CreateIdentity(ctx, IdentityInput{Name: strPtr("Mia"), PIN: strPtr("12")}); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for short pin, got %v", err)
	}

	identity, err := env.household.CreateIdentity(ctx, IdentityInput{
		Name: strPtr("Mia"),
		PIN:  strPtr("1234"),
		TV:   &AllowanceInput{Balance: intPtr(3)},
	})
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	if identity.TV.Balance != 3 || identity.TV.Weekly != 2 || identity.TV.Max != 10 {
		t.Errorf("Expected tv allowance 3/2/10, got %+v", identity.TV)
	}
	if len(identity.WeekdayWindows) != 1 || identity.WeekdayWindows[0] != entities.DefaultIntervals[0] {
		t.Errorf("Expected default weekday window, got %v", identity.WeekdayWindows)
	}
	if identity.PINHash == "" || identity.PINHash == "1234" {
		t.Error("Expected pin to be stored hashed")
	}
}

func TestVerifyPIN(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	identity, err := env.household.CreateIdentity(ctx, IdentityInput{Name: strPtr("Mia"), PIN: strPtr("1234")})
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}

	if _, err := env.household.VerifyPIN(ctx, identity.ID, "1234"); err != nil {
		t.Errorf("Expected pin to verify, got %v", err)
	}
	if _, err := env.household.VerifyPIN(ctx, identity.ID, "4321"); !errors.Is(err, entities.ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.household.VerifyPIN(ctx, "missing", "1234"); !errors.Is(err, entities.ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials for unknown identity, got %v", err)
	}

	if err := env.household.VerifyAdminPIN("9999"); err != nil {
		t.Errorf("Expected admin pin to verify, got %v", err)
	}
	if err := env.household.VerifyAdminPIN("1234"); !errors.Is(err, entities.ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
}

func TestUpdateIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 8, 2)

	updated, err := env.household.UpdateIdentity(ctx, child.ID, IdentityInput{
		TV:      &AllowanceInput{Max: intPtr(5)},
		Console: &AllowanceInput{Balance: intPtr(4)},
		WeekdayWindows: &[]entities.Interval{
			{Start: 15 * 60, End: 18 * 60},
		},
	})
	if err != nil {
		t.Fatalf("Failed to update identity: %v", err)
	}
	if updated.TV.Balance != 5 {
		t.Errorf("Expected tv balance clamped to 5, got %d", updated.TV.Balance)
	}
	if updated.Console.Balance != 4 {
		t.Errorf("Expected console balance 4, got %d", updated.Console.Balance)
	}
	if len(updated.WeekdayWindows) != 1 || updated.WeekdayWindows[0].Start != 15*60 {
		t.Errorf("Expected new weekday window, got %v", updated.WeekdayWindows)
	}

	deltas := map[entities.Category]int{}
	for _, entry := range env.ledger(t, child.ID) {
		deltas[entry.Category] += entry.Delta
	}
	if deltas[entities.CategoryTV] != -3 || deltas[entities.CategoryConsole] != 2 {
		t.Errorf("Expected ledger deltas tv=-3 console=2, got %v", deltas)
	}

	var validation *entities.ValidationError
	if _, err := env.household.UpdateIdentity(ctx, child.ID, IdentityInput{TV: &AllowanceInput{Balance: intPtr(11)}}); !errors.As(err, &validation) {
		t.Errorf("Expected validation error for balance above max, got %v", err)
	}
	if _, err := env.household.UpdateIdentity(ctx, "missing", IdentityInput{}); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)

	if _, err := env.sessions.StartSession(ctx, child.ID, entities.CategoryTV, 1); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	if err := env.household.DeleteIdentity(ctx, child.ID); err != nil {
		t.Fatalf("Failed to delete identity: %v", err)
	}
	if _, err := env.household.GetIdentity(ctx, child.ID); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if got := len(env.ledger(t, child.ID)); got != 0 {
		t.Errorf("Expected ledger to be removed, got %d entries", got)
	}
	if _, disabled := env.controller.counts(); disabled != 1 {
		t.Errorf("Expected running session's device disabled once, got %d", disabled)
	}
	if !containsEvent(env.notifier.types(), EventSessionCancelled) {
		t.Errorf("Expected session_cancelled event, got %v", env.notifier.types())
	}

	env.clock.Advance(3 * time.Hour)
	results, err := env.sessions.ExpireSessions(ctx)
	if err != nil {
		t.Fatalf("Failed to expire sessions: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Expected nothing left to expire, got %d", len(results))
	}
	if _, disabled := env.controller.counts(); disabled != 1 {
		t.Errorf("Expected no further disable calls, got %d", disabled)
	}

	if err := env.household.DeleteIdentity(ctx, child.ID); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteIdentity_WithoutSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)

	if err := env.household.DeleteIdentity(ctx, child.ID); err != nil {
		t.Fatalf("Failed to delete identity: %v", err)
	}
	if _, disabled := env.controller.counts(); disabled != 0 {
		t.Errorf("Expected no disable calls, got %d", disabled)
	}
}

func containsEvent(types []EventType, want EventType) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func TestIdentityStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 3, 2)

	status, err := env.household.IdentityStatus(ctx, child.ID)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if status.WeekendOrHoliday || !status.InWindow || status.ActiveSession != nil {
		t.Errorf("Expected open weekday without session, got %+v", status)
	}

	// Saturday
	env.clock.Set(time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC))
	status, err = env.household.IdentityStatus(ctx, child.ID)
	if err != nil {
		t.Fatalf("Failed to get status: %v", err)
	}
	if !status.WeekendOrHoliday || status.InWindow {
		t.Errorf("Expected closed weekend window at 08:00, got %+v", status)
	}
	if len(status.Windows) != 1 || status.Windows[0].Start != 9*60 {
		t.Errorf("Expected weekend windows, got %v", status.Windows)
	}
}

func TestDevices_MasksSecrets(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	category := entities.Category("switch")
	method := entities.ControlNintendo
	device, err := env.household.CreateDevice(ctx, DeviceInput{
		Name:          strPtr("Switch"),
		Category:      &category,
		ControlMethod: &method,
		Config:        &entities.ConnectionConfig{Token: "session-token"},
	})
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	if device.Category != entities.CategoryConsole {
		t.Errorf("Expected category console, got %s", device.Category)
	}
	if device.Config.Token != entities.MaskedPassword {
		t.Errorf("Expected masked token, got %q", device.Config.Token)
	}

	if _, err := env.household.UpdateDevice(ctx, device.ID, DeviceInput{
		Name:   strPtr("Nintendo Switch"),
		Config: &entities.ConnectionConfig{Token: entities.MaskedPassword},
	}); err != nil {
		t.Fatalf("Failed to update device: %v", err)
	}
	stored, err := env.store.GetDevice(ctx, device.ID)
	if err != nil {
		t.Fatalf("Failed to load device: %v", err)
	}
	if stored.Config.Token != "session-token" || stored.Name != "Nintendo Switch" {
		t.Errorf("Expected token kept and name updated, got %q/%q", stored.Config.Token, stored.Name)
	}

	devices, err := env.household.ListDevices(ctx)
	if err != nil {
		t.Fatalf("Failed to list devices: %v", err)
	}
	if len(devices) != 1 || devices[0].Config.Token != entities.MaskedPassword {
		t.Errorf("Expected 1 masked device, got %v", devices)
	}

	status, err := env.household.DeviceStatus(ctx, device.ID)
	if err != nil {
		t.Fatalf("Failed to get device status: %v", err)
	}
	if status.Unlocked {
		t.Error("Expected device to be locked")
	}

	if err := env.household.DeleteDevice(ctx, device.ID); err != nil {
		t.Fatalf("Failed to delete device: %v", err)
	}
	if _, err := env.household.DeviceStatus(ctx, device.ID); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestImportDevices(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	const seed = `
devices:
  - name: Living room
    category: tv
    control_method: fritzbox
    identifier: LivingRoomTV
    config:
      host: fritz.box
      user: admin
      password: secret
  - name: Switch
    category: console
    control_method: mikrotik
    identifier: switch-lan
`
	created, updated, err := env.household.ImportDevices(ctx, strings.NewReader(seed))
	if err != nil {
		t.Fatalf("Failed to import devices: %v", err)
	}
	if created != 2 || updated != 0 {
		t.Errorf("Expected 2 created, got %d created %d updated", created, updated)
	}

	created, updated, err = env.household.ImportDevices(ctx, strings.NewReader(`
devices:
  - name: Living room
    category: tv
    identifier: Television
`))
	if err != nil {
		t.Fatalf("Failed to import devices: %v", err)
	}
	if created != 0 || updated != 1 {
		t.Errorf("Expected 1 updated, got %d created %d updated", created, updated)
	}

	device, err := env.store.ActiveDevice(ctx, entities.CategoryTV)
	if err != nil {
		t.Fatalf("Failed to load active device: %v", err)
	}
	if device.Identifier != "Television" || device.Config.Password != "secret" {
		t.Errorf("Expected identifier updated and password kept, got %q/%q", device.Identifier, device.Config.Password)
	}

	var validation *entities.ValidationError
	if _, _, err := env.household.ImportDevices(ctx, strings.NewReader("devices:\n  - identifier: x\n")); !errors.As(err, &validation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}
