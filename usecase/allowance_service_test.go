package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/muenzbox/muenzbox/domain/entities"
)

func TestWeeklyRefill(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	mia := env.createIdentity(t, "Mia", 9, 2)
	ben := env.createIdentity(t, "Ben", 10, 10)

	report, err := env.allowance.WeeklyRefill(ctx)
	if err != nil {
		t.Fatalf("Failed to refill: %v", err)
	}
	if report.Identities != 2 || report.Entries != 2 || report.Failed != 0 {
		t.Errorf("Expected 2 identities and 2 entries, got %+v", report)
	}
	if got := env.balance(t, mia.ID, entities.CategoryTV); got != 10 {
		t.Errorf("Expected tv balance capped at 10, got %d", got)
	}
	if got := env.balance(t, mia.ID, entities.CategoryConsole); got != 5 {
		t.Errorf("Expected console balance 5, got %d", got)
	}

	entries := env.ledger(t, mia.ID)
	deltas := map[entities.Category]int{}
	for _, entry := range entries {
		if entry.Reason != entities.ReasonWeeklyRefill {
			t.Errorf("Expected reason %s, got %s", entities.ReasonWeeklyRefill, entry.Reason)
		}
		deltas[entry.Category] = entry.Delta
	}
	if deltas[entities.CategoryTV] != 1 || deltas[entities.CategoryConsole] != 3 {
		t.Errorf("Expected deltas tv=1 console=3, got %v", deltas)
	}
	if got := len(env.ledger(t, ben.ID)); got != 0 {
		t.Errorf("Expected no entries for an identity at the cap, got %d", got)
	}
}

func TestWeeklyRefill_AtCapIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 8, 8)

	if _, err := env.allowance.WeeklyRefill(ctx); err != nil {
		t.Fatalf("Failed to refill: %v", err)
	}
	report, err := env.allowance.WeeklyRefill(ctx)
	if err != nil {
		t.Fatalf("Failed to refill: %v", err)
	}
	if report.Entries != 0 {
		t.Errorf("Expected second refill to write nothing, got %d entries", report.Entries)
	}
	if got := len(env.ledger(t, child.ID)); got != 2 {
		t.Errorf("Expected 2 ledger entries, got %d", got)
	}
}

func TestAdjustBalance(t *testing.T) {
	tests := []struct {
		name            string
		delta           int
		expectedBalance int
		expectedEntry   int
	}{
		{"add", 2, 6, 2},
		{"clamped at max", 20, 10, 6},
		{"clamped at zero", -50, 0, -4},
		{"no change", 0, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			child := env.createIdentity(t, "Mia", 4, 0)

			balance, err := env.allowance.AdjustBalance(context.Background(), child.ID, entities.CategoryTV, tt.delta)
			if err != nil {
				t.Fatalf("Failed to adjust balance: %v", err)
			}
			if balance != tt.expectedBalance {
				t.Errorf("Expected balance %d, got %d", tt.expectedBalance, balance)
			}

			entries := env.ledger(t, child.ID)
			if tt.expectedEntry == 0 {
				if len(entries) != 0 {
					t.Errorf("Expected no ledger entry, got %d", len(entries))
				}
				return
			}
			if len(entries) != 1 {
				t.Fatalf("Expected 1 ledger entry, got %d", len(entries))
			}
			if entries[0].Delta != tt.expectedEntry || entries[0].Reason != entities.ReasonAdminAdjust {
				t.Errorf("Expected admin adjustment of %d, got %d (%s)", tt.expectedEntry, entries[0].Delta, entries[0].Reason)
			}
		})
	}
}

func TestAdjustBalance_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 4, 0)

	if _, err := env.allowance.AdjustBalance(ctx, "missing", entities.CategoryTV, 1); !errors.Is(err, entities.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	var validation *entities.ValidationError
	if _, err := env.allowance.AdjustBalance(ctx, child.ID, "radio", 1); !errors.As(err, &validation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestAdjustBalance_SwitchIsConsole(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 4, 0)

	balance, err := env.allowance.AdjustBalance(ctx, child.ID, entities.Category("switch"), 2)
	if err != nil {
		t.Fatalf("Failed to adjust balance: %v", err)
	}
	if balance != 2 {
		t.Errorf("Expected console balance 2, got %d", balance)
	}
	if got := env.balance(t, child.ID, entities.CategoryTV); got != 4 {
		t.Errorf("Expected tv balance to stay at 4, got %d", got)
	}
	entries := env.ledger(t, child.ID)
	if len(entries) != 1 || entries[0].Category != entities.CategoryConsole {
		t.Errorf("Expected one console ledger entry, got %+v", entries)
	}
}

func TestLedger_Limit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	child := env.createIdentity(t, "Mia", 0, 0)

	for i := 0; i < 5; i++ {
		if _, err := env.allowance.AdjustBalance(ctx, child.ID, entities.CategoryTV, 1); err != nil {
			t.Fatalf("Failed to adjust balance: %v", err)
		}
	}
	entries, err := env.allowance.Ledger(ctx, child.ID, 3)
	if err != nil {
		t.Fatalf("Failed to list ledger: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("Expected 3 entries, got %d", len(entries))
	}
}
