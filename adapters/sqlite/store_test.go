package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
	"github.com/muenzbox/muenzbox/internal/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repositories.Store {
		store, err := Open(context.Background(), ":memory:", zaptest.NewLogger(t))
		if err != nil {
			t.Fatalf("Failed to open store: %v", err)
		}
		t.Cleanup(func() { store.Close(context.Background()) })
		return store
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "muenzbox.db")
	logger := zaptest.NewLogger(t)

	store, err := Open(ctx, path, logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	identity := storetest.NewIdentity("Mia", 4, 1)
	if err := store.CreateIdentity(ctx, identity); err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	if err := store.InsertSession(ctx, entities.NewSession("", identity.ID, entities.CategoryTV, 1, identity.CreatedAt)); err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}
	store.Close(ctx)

	reopened, err := Open(ctx, path, logger)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close(ctx)

	got, err := reopened.GetIdentity(ctx, identity.ID)
	if err != nil {
		t.Fatalf("Failed to get identity: %v", err)
	}
	if got.TV.Balance != 4 || got.Console.Balance != 1 {
		t.Errorf("Expected balances 4/1, got %d/%d", got.TV.Balance, got.Console.Balance)
	}
	active, _ := reopened.ActiveSession(ctx, identity.ID)
	if active == nil {
		t.Error("Expected active session to survive reopen")
	}
}
