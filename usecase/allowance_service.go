package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// RefillReport summarizes one weekly refill run.
type RefillReport struct {
	Identities int `json:"identities"`
	Entries    int `json:"entries"`
	Failed     int `json:"failed"`
}

// AllowanceService changes coin balances outside of sessions.
type AllowanceService struct {
	store    repositories.Store
	clock    repositories.Clock
	notifier Notifier
	logger   *zap.Logger
}

// NewAllowanceService creates a new allowance service
func NewAllowanceService(store repositories.Store, clock repositories.Clock, notifier Notifier, logger *zap.Logger) *AllowanceService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &AllowanceService{
		store:    store,
		clock:    clock,
		notifier: notifier,
		logger:   logger,
	}
}

// WeeklyRefill tops up every identity by its weekly amount, capped at the
// maximum. Only positive changes are written to the ledger, so running it
// again at the cap changes nothing.
func (s *AllowanceService) WeeklyRefill(ctx context.Context) (*RefillReport, error) {
	identities, err := s.store.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}

	now := s.clock.Now()
	report := &RefillReport{Identities: len(identities)}
	for _, listed := range identities {
		var changed []Event
		err := s.store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
			changed = changed[:0]
			identity, err := repo.GetIdentity(ctx, listed.ID)
			if err != nil {
				return err
			}
			for _, category := range entities.Categories {
				allowance := identity.Allowance(category)
				refilled := allowance.Refilled()
				delta := refilled - allowance.Balance
				if delta <= 0 {
					continue
				}
				if err := repo.SetBalance(ctx, identity.ID, category, refilled); err != nil {
					return err
				}
				if err := repo.AppendLedger(ctx, &entities.LedgerEntry{
					IdentityID: identity.ID,
					Category:   category,
					Delta:      delta,
					Reason:     entities.ReasonWeeklyRefill,
					CreatedAt:  now,
				}); err != nil {
					return err
				}
				changed = append(changed, balanceEvent(identity.ID, category, refilled, now))
			}
			return nil
		})
		if err != nil {
			report.Failed++
			s.logger.Error("Weekly refill failed",
				zap.String("identity_id", listed.ID),
				zap.Error(err))
			continue
		}
		report.Entries += len(changed)
		for _, event := range changed {
			s.notifier.Publish(event)
		}
	}

	s.logger.Info("Weekly refill completed",
		zap.Int("identities", report.Identities),
		zap.Int("ledger_entries", report.Entries),
		zap.Int("failed", report.Failed))
	return report, nil
}

// AdjustBalance adds delta to a category balance, clamped to [0, max].
// The ledger records the delta actually applied; a zero change writes
// nothing.
func (s *AllowanceService) AdjustBalance(ctx context.Context, identityID string, category entities.Category, delta int) (int, error) {
	category, err := entities.ParseCategory(string(category))
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	var (
		balance int
		applied int
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
		identity, err := repo.GetIdentity(ctx, identityID)
		if err != nil {
			return err
		}
		allowance := identity.Allowance(category)
		balance = allowance.Clamp(allowance.Balance + delta)
		applied = balance - allowance.Balance
		if applied == 0 {
			return nil
		}
		if err := repo.SetBalance(ctx, identityID, category, balance); err != nil {
			return err
		}
		return repo.AppendLedger(ctx, &entities.LedgerEntry{
			IdentityID: identityID,
			Category:   category,
			Delta:      applied,
			Reason:     entities.ReasonAdminAdjust,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return 0, err
	}

	if applied != 0 {
		s.logger.Info("Balance adjusted",
			zap.String("identity_id", identityID),
			zap.String("category", string(category)),
			zap.Int("requested", delta),
			zap.Int("applied", applied),
			zap.Int("balance", balance))
		s.notifier.Publish(balanceEvent(identityID, category, balance, now))
	}
	return balance, nil
}

// Ledger lists the newest ledger entries, optionally for one identity.
func (s *AllowanceService) Ledger(ctx context.Context, identityID string, limit int) ([]*entities.LedgerEntry, error) {
	return s.store.ListLedger(ctx, identityID, limit)
}
