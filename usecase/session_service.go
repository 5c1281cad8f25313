package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/policy"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// SessionServiceConfig holds the settings of the access session manager.
type SessionServiceConfig struct {
	Location *time.Location
	Routes   map[entities.Category]DeviceRoute
}

// Actor identifies who asks to end a session.
type Actor struct {
	IdentityID string
	Admin      bool
}

// StartResult is returned by StartSession. HardwareOK is advisory: the
// session is active and billed either way.
type StartResult struct {
	Session    *entities.Session `json:"session"`
	Balance    int               `json:"balance"`
	HardwareOK bool              `json:"hardware_ok"`
}

// FinishResult is returned when a session is ended, cancelled or expired.
type FinishResult struct {
	Session    *entities.Session `json:"session"`
	HardwareOK bool              `json:"hardware_ok"`
}

// SessionService is the access session manager. It admits, ends and
// expires sessions and drives the device controller after each commit.
type SessionService struct {
	store      repositories.Store
	controller repositories.DeviceController
	clock      repositories.Clock
	holidays   repositories.HolidayCalendar
	location   *time.Location
	router     *deviceRouter
	notifier   Notifier
	locks      *keyedMutex
	logger     *zap.Logger
}

// NewSessionService creates a new session service
func NewSessionService(
	store repositories.Store,
	controller repositories.DeviceController,
	clock repositories.Clock,
	holidays repositories.HolidayCalendar,
	notifier Notifier,
	cfg SessionServiceConfig,
	logger *zap.Logger,
) *SessionService {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &SessionService{
		store:      store,
		controller: controller,
		clock:      clock,
		holidays:   holidays,
		location:   cfg.Location,
		router:     &deviceRouter{devices: store, defaults: cfg.Routes, logger: logger},
		notifier:   notifier,
		locks:      newKeyedMutex(),
		logger:     logger,
	}
}

// StartSession debits coins and opens a session, then enables the
// category's device. Admission is serialized per identity.
func (s *SessionService) StartSession(ctx context.Context, identityID string, category entities.Category, coins int) (*StartResult, error) {
	category, err := entities.ParseCategory(string(category))
	if err != nil {
		return nil, err
	}
	if coins < 1 {
		return nil, &entities.ValidationError{Field: "coins", Message: "at least 1 coin is required"}
	}
	if limit := category.MaxCoinsPerSession(); limit > 0 && coins > limit {
		return nil, &entities.PolicyViolation{
			Reason:    entities.ReasonSessionCap,
			Category:  category,
			Requested: coins,
			Limit:     limit,
		}
	}

	unlock := s.locks.Lock(identityID)
	defer unlock()

	now := s.clock.Now()
	var (
		session *entities.Session
		balance int
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
		identity, err := repo.GetIdentity(ctx, identityID)
		if err != nil {
			return err
		}

		windows := policy.Evaluate(identity, now, s.location, s.holidays)
		if !windows.Open {
			return &entities.PolicyViolation{
				Reason:   entities.ReasonOutsideWindow,
				Category: category,
				Windows:  windows.Intervals,
			}
		}

		available := identity.Allowance(category).Balance
		if available < coins {
			return &entities.PolicyViolation{
				Reason:    entities.ReasonInsufficientBalance,
				Category:  category,
				Requested: coins,
				Available: available,
			}
		}

		active, err := repo.ActiveSession(ctx, identityID)
		if err != nil {
			return err
		}
		if active != nil {
			return &entities.PolicyViolation{
				Reason:    entities.ReasonActiveSession,
				Category:  active.Category,
				SessionID: active.ID,
			}
		}

		balance = available - coins
		if err := repo.SetBalance(ctx, identityID, category, balance); err != nil {
			return err
		}
		if err := repo.AppendLedger(ctx, &entities.LedgerEntry{
			IdentityID: identityID,
			Category:   category,
			Delta:      -coins,
			Reason:     entities.ReasonSession,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		session = entities.NewSession("", identityID, category, coins, now)
		if err := repo.InsertSession(ctx, session); err != nil {
			if errors.Is(err, entities.ErrActiveSessionExists) {
				return &entities.PolicyViolation{Reason: entities.ReasonActiveSession, Category: category}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, s.admissionError(err, identityID)
	}

	target := s.router.target(ctx, category, session.Duration())
	hardwareOK := s.controller.Enable(ctx, target)
	if !hardwareOK {
		s.logger.Warn("Device enable failed, session stays active",
			zap.String("session_id", session.ID),
			zap.String("method", string(target.Method)))
	}

	s.logger.Info("Session started",
		zap.String("session_id", session.ID),
		zap.String("identity_id", identityID),
		zap.String("category", string(category)),
		zap.Int("coins", coins),
		zap.Time("ends_at", session.EndsAt),
		zap.Bool("hardware_ok", hardwareOK))

	s.notifier.Publish(Event{
		Type:       EventSessionStarted,
		IdentityID: identityID,
		Session:    session,
		Category:   category,
		HardwareOK: &hardwareOK,
		Timestamp:  now,
	})
	s.notifier.Publish(balanceEvent(identityID, category, balance, now))

	return &StartResult{Session: session, Balance: balance, HardwareOK: hardwareOK}, nil
}

func (s *SessionService) admissionError(err error, identityID string) error {
	var violation *entities.PolicyViolation
	var validation *entities.ValidationError
	switch {
	case errors.As(err, &violation):
		s.logger.Info("Session rejected",
			zap.String("identity_id", identityID),
			zap.String("reason", string(violation.Reason)))
		return err
	case errors.As(err, &validation), errors.Is(err, entities.ErrNotFound):
		return err
	}
	return fmt.Errorf("failed to start session: %w", err)
}

// EndSession completes an active session early. Non-admin actors may
// only end their own sessions.
func (s *SessionService) EndSession(ctx context.Context, sessionID string, actor Actor) (*FinishResult, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && session.IdentityID != actor.IdentityID {
		return nil, entities.ErrForbidden
	}
	return s.finish(ctx, session, entities.SessionStatusCompleted, EventSessionEnded)
}

// CancelSession force-stops an active session from the admin surface.
func (s *SessionService) CancelSession(ctx context.Context, sessionID string) (*FinishResult, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, session, entities.SessionStatusCancelled, EventSessionCancelled)
}

// CancelActiveSession cancels the identity's running session, if any,
// and disables its device. It returns nil when nothing was running.
func (s *SessionService) CancelActiveSession(ctx context.Context, identityID string) (*FinishResult, error) {
	unlock := s.locks.Lock(identityID)
	defer unlock()

	session, err := s.store.ActiveSession(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	result, err := s.finish(ctx, session, entities.SessionStatusCancelled, EventSessionCancelled)
	if errors.Is(err, entities.ErrSessionNotActive) {
		// expired in between
		return nil, nil
	}
	return result, err
}

// finish moves the session to a terminal status and disables the device.
// Only the caller whose transition applied touches the hardware.
func (s *SessionService) finish(ctx context.Context, session *entities.Session, to entities.SessionStatus, event EventType) (*FinishResult, error) {
	applied, err := s.store.TransitionSession(ctx, session.ID, to)
	if err != nil {
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}
	if !applied {
		return nil, entities.ErrSessionNotActive
	}
	session.Status = to

	target := s.router.target(ctx, session.Category, 0)
	hardwareOK := s.controller.Disable(ctx, target)
	if !hardwareOK {
		s.logger.Warn("Device disable failed",
			zap.String("session_id", session.ID),
			zap.String("method", string(target.Method)))
	}

	s.logger.Info("Session finished",
		zap.String("session_id", session.ID),
		zap.String("status", string(to)),
		zap.Bool("hardware_ok", hardwareOK))

	s.notifier.Publish(Event{
		Type:       event,
		IdentityID: session.IdentityID,
		Session:    session,
		Category:   session.Category,
		HardwareOK: &hardwareOK,
		Timestamp:  s.clock.Now(),
	})
	return &FinishResult{Session: session, HardwareOK: hardwareOK}, nil
}

// ExpireSessions completes every active session whose end time has
// passed. Re-running it finds nothing already handled.
func (s *SessionService) ExpireSessions(ctx context.Context) ([]*FinishResult, error) {
	now := s.clock.Now()
	overdue, err := s.store.OverdueSessions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue sessions: %w", err)
	}

	var results []*FinishResult
	for _, session := range overdue {
		result, err := s.finish(ctx, session, entities.SessionStatusCompleted, EventSessionExpired)
		if errors.Is(err, entities.ErrSessionNotActive) {
			continue
		}
		if err != nil {
			s.logger.Error("Failed to expire session",
				zap.String("session_id", session.ID),
				zap.Error(err))
			continue
		}
		results = append(results, result)
	}
	if len(results) > 0 {
		s.logger.Info("Expired sessions", zap.Int("count", len(results)))
	}
	return results, nil
}

// ActiveSession returns the identity's running session or nil.
func (s *SessionService) ActiveSession(ctx context.Context, identityID string) (*entities.Session, error) {
	if _, err := s.store.GetIdentity(ctx, identityID); err != nil {
		return nil, err
	}
	return s.store.ActiveSession(ctx, identityID)
}

// RecentSessions lists the newest sessions across all identities.
func (s *SessionService) RecentSessions(ctx context.Context, limit int) ([]*entities.Session, error) {
	return s.store.RecentSessions(ctx, limit)
}
