package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/policy"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

const minPINLength = 4

// HouseholdConfig holds the settings of the household service.
type HouseholdConfig struct {
	AdminPIN string
	Location *time.Location
	// PINCost is the bcrypt cost; zero uses bcrypt.DefaultCost.
	PINCost int
}

// AllowanceInput carries optional allowance fields.
type AllowanceInput struct {
	Balance *int `json:"balance,omitempty"`
	Weekly  *int `json:"weekly,omitempty"`
	Max     *int `json:"max,omitempty"`
}

// IdentityInput creates or updates an identity. Nil fields are left
// unchanged on update.
type IdentityInput struct {
	Name           *string              `json:"name,omitempty"`
	PIN            *string              `json:"pin,omitempty"`
	Avatar         *string              `json:"avatar,omitempty"`
	TV             *AllowanceInput      `json:"tv,omitempty"`
	Console        *AllowanceInput      `json:"console,omitempty"`
	WeekdayWindows *[]entities.Interval `json:"weekday_windows,omitempty"`
	WeekendWindows *[]entities.Interval `json:"weekend_windows,omitempty"`
}

// DeviceInput creates or updates a device. Nil fields are left unchanged
// on update; a masked password keeps the stored one.
type DeviceInput struct {
	Name          *string                    `json:"name,omitempty" yaml:"name,omitempty"`
	Category      *entities.Category         `json:"category,omitempty" yaml:"category,omitempty"`
	ControlMethod *entities.ControlMethod    `json:"control_method,omitempty" yaml:"control_method,omitempty"`
	Identifier    *string                    `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Config        *entities.ConnectionConfig `json:"config,omitempty" yaml:"config,omitempty"`
	Active        *bool                      `json:"active,omitempty" yaml:"active,omitempty"`
}

// IdentityStatus is what a household member sees on their dashboard.
type IdentityStatus struct {
	Identity         *entities.Identity  `json:"identity"`
	WeekendOrHoliday bool                `json:"is_weekend_or_holiday"`
	Windows          []entities.Interval `json:"windows"`
	InWindow         bool                `json:"in_window"`
	ActiveSession    *entities.Session   `json:"active_session"`
}

// DeviceStatus reports the live state of a device.
type DeviceStatus struct {
	Device   *entities.Device `json:"device"`
	Unlocked bool             `json:"unlocked"`
}

// SessionCanceller force-stops an identity's running session.
type SessionCanceller interface {
	CancelActiveSession(ctx context.Context, identityID string) (*FinishResult, error)
}

// HouseholdService administers identities and devices and checks PINs.
type HouseholdService struct {
	store      repositories.Store
	controller repositories.DeviceController
	sessions   SessionCanceller
	clock      repositories.Clock
	holidays   repositories.HolidayCalendar
	cfg        HouseholdConfig
	logger     *zap.Logger
}

// NewHouseholdService creates a new household service
func NewHouseholdService(
	store repositories.Store,
	controller repositories.DeviceController,
	sessions SessionCanceller,
	clock repositories.Clock,
	holidays repositories.HolidayCalendar,
	cfg HouseholdConfig,
	logger *zap.Logger,
) *HouseholdService {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.PINCost == 0 {
		cfg.PINCost = bcrypt.DefaultCost
	}
	return &HouseholdService{
		store:      store,
		controller: controller,
		sessions:   sessions,
		clock:      clock,
		holidays:   holidays,
		cfg:        cfg,
		logger:     logger,
	}
}

func (s *HouseholdService) hashPIN(pin string) (string, error) {
	if len(pin) < minPINLength {
		return "", &entities.ValidationError{Field: "pin", Message: fmt.Sprintf("must have at least %d characters", minPINLength)}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.cfg.PINCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash pin: %w", err)
	}
	return string(hash), nil
}

func applyAllowance(a *entities.Allowance, in *AllowanceInput) {
	if in == nil {
		return
	}
	if in.Weekly != nil {
		a.Weekly = *in.Weekly
	}
	if in.Max != nil {
		a.Max = *in.Max
	}
	if in.Balance != nil {
		a.Balance = *in.Balance
	} else if a.Balance > a.Max {
		a.Balance = a.Max
	}
}

// CreateIdentity adds a household member. Name and PIN are required.
func (s *HouseholdService) CreateIdentity(ctx context.Context, in IdentityInput) (*entities.Identity, error) {
	if in.Name == nil || *in.Name == "" {
		return nil, &entities.ValidationError{Field: "name", Message: "is required"}
	}
	if in.PIN == nil {
		return nil, &entities.ValidationError{Field: "pin", Message: "is required"}
	}
	hash, err := s.hashPIN(*in.PIN)
	if err != nil {
		return nil, err
	}

	identity := &entities.Identity{
		Name:           *in.Name,
		PINHash:        hash,
		TV:             entities.Allowance{Weekly: 2, Max: 10},
		Console:        entities.Allowance{Weekly: 2, Max: 10},
		WeekdayWindows: append([]entities.Interval(nil), entities.DefaultIntervals...),
		WeekendWindows: append([]entities.Interval(nil), entities.DefaultIntervals...),
	}
	if in.Avatar != nil {
		identity.Avatar = *in.Avatar
	}
	applyAllowance(&identity.TV, in.TV)
	applyAllowance(&identity.Console, in.Console)
	if in.WeekdayWindows != nil {
		identity.WeekdayWindows = *in.WeekdayWindows
	}
	if in.WeekendWindows != nil {
		identity.WeekendWindows = *in.WeekendWindows
	}

	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		return nil, err
	}
	s.logger.Info("Identity created", zap.String("identity_id", identity.ID), zap.String("name", identity.Name))
	return identity, nil
}

// UpdateIdentity applies in to an identity. Balance changes are recorded
// in the ledger as admin adjustments.
func (s *HouseholdService) UpdateIdentity(ctx context.Context, id string, in IdentityInput) (*entities.Identity, error) {
	var pinHash string
	if in.PIN != nil {
		hash, err := s.hashPIN(*in.PIN)
		if err != nil {
			return nil, err
		}
		pinHash = hash
	}

	now := s.clock.Now()
	var updated *entities.Identity
	err := s.store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
		identity, err := repo.GetIdentity(ctx, id)
		if err != nil {
			return err
		}
		before := map[entities.Category]int{
			entities.CategoryTV:      identity.TV.Balance,
			entities.CategoryConsole: identity.Console.Balance,
		}

		if in.Name != nil {
			identity.Name = *in.Name
		}
		if pinHash != "" {
			identity.PINHash = pinHash
		}
		if in.Avatar != nil {
			identity.Avatar = *in.Avatar
		}
		applyAllowance(&identity.TV, in.TV)
		applyAllowance(&identity.Console, in.Console)
		if in.WeekdayWindows != nil {
			identity.WeekdayWindows = *in.WeekdayWindows
		}
		if in.WeekendWindows != nil {
			identity.WeekendWindows = *in.WeekendWindows
		}

		if err := repo.UpdateIdentity(ctx, identity); err != nil {
			return err
		}
		for _, category := range entities.Categories {
			delta := identity.Allowance(category).Balance - before[category]
			if delta == 0 {
				continue
			}
			if err := repo.AppendLedger(ctx, &entities.LedgerEntry{
				IdentityID: id,
				Category:   category,
				Delta:      delta,
				Reason:     entities.ReasonAdminAdjust,
				CreatedAt:  now,
			}); err != nil {
				return err
			}
		}
		updated = identity
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Identity updated", zap.String("identity_id", id))
	return updated, nil
}

// DeleteIdentity cancels the identity's running session, then removes
// the identity with its sessions and ledger.
func (s *HouseholdService) DeleteIdentity(ctx context.Context, id string) error {
	if _, err := s.store.GetIdentity(ctx, id); err != nil {
		return err
	}
	if _, err := s.sessions.CancelActiveSession(ctx, id); err != nil {
		return fmt.Errorf("failed to cancel active session: %w", err)
	}
	err := s.store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
		active, err := repo.ActiveSession(ctx, id)
		if err != nil {
			return err
		}
		if active != nil {
			return &entities.PolicyViolation{Reason: entities.ReasonActiveSession, SessionID: active.ID}
		}
		return repo.DeleteIdentity(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info("Identity deleted", zap.String("identity_id", id))
	return nil
}

// GetIdentity returns one identity.
func (s *HouseholdService) GetIdentity(ctx context.Context, id string) (*entities.Identity, error) {
	return s.store.GetIdentity(ctx, id)
}

// ListIdentities returns all identities ordered by name.
func (s *HouseholdService) ListIdentities(ctx context.Context) ([]*entities.Identity, error) {
	return s.store.ListIdentities(ctx)
}

// VerifyPIN checks an identity's PIN.
func (s *HouseholdService) VerifyPIN(ctx context.Context, identityID, pin string) (*entities.Identity, error) {
	identity, err := s.store.GetIdentity(ctx, identityID)
	if errors.Is(err, entities.ErrNotFound) {
		return nil, entities.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(identity.PINHash), []byte(pin)); err != nil {
		s.logger.Info("PIN rejected", zap.String("identity_id", identityID))
		return nil, entities.ErrInvalidCredentials
	}
	return identity, nil
}

// VerifyAdminPIN checks the administrator PIN.
func (s *HouseholdService) VerifyAdminPIN(pin string) error {
	if s.cfg.AdminPIN == "" || subtle.ConstantTimeCompare([]byte(pin), []byte(s.cfg.AdminPIN)) != 1 {
		return entities.ErrInvalidCredentials
	}
	return nil
}

// IdentityStatus evaluates today's windows for an identity.
func (s *HouseholdService) IdentityStatus(ctx context.Context, id string) (*IdentityStatus, error) {
	identity, err := s.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, err
	}
	active, err := s.store.ActiveSession(ctx, id)
	if err != nil {
		return nil, err
	}
	windows := policy.Evaluate(identity, s.clock.Now(), s.cfg.Location, s.holidays)
	return &IdentityStatus{
		Identity:         identity,
		WeekendOrHoliday: windows.WeekendOrHoliday,
		Windows:          windows.Intervals,
		InWindow:         windows.Open,
		ActiveSession:    active,
	}, nil
}

func applyDevice(d *entities.Device, in DeviceInput) {
	if in.Name != nil {
		d.Name = *in.Name
	}
	if in.Category != nil {
		d.Category = *in.Category
	}
	if in.ControlMethod != nil {
		d.ControlMethod = *in.ControlMethod
	}
	if in.Identifier != nil {
		d.Identifier = *in.Identifier
	}
	if in.Config != nil {
		d.Config = d.Config.Merge(*in.Config)
	}
	if in.Active != nil {
		d.Active = *in.Active
	}
}

func masked(d *entities.Device) *entities.Device {
	out := *d
	out.Config = d.Config.Masked()
	return &out
}

// CreateDevice adds a device. It is active unless in says otherwise.
func (s *HouseholdService) CreateDevice(ctx context.Context, in DeviceInput) (*entities.Device, error) {
	device := &entities.Device{ControlMethod: entities.ControlNone, Active: true}
	applyDevice(device, in)
	if in.Category != nil {
		category, err := entities.ParseCategory(string(*in.Category))
		if err != nil {
			return nil, err
		}
		device.Category = category
	}
	if err := s.store.CreateDevice(ctx, device); err != nil {
		return nil, err
	}
	s.logger.Info("Device created",
		zap.String("device_id", device.ID),
		zap.String("category", string(device.Category)),
		zap.String("method", string(device.ControlMethod)))
	return masked(device), nil
}

// UpdateDevice applies in to a stored device.
func (s *HouseholdService) UpdateDevice(ctx context.Context, id string, in DeviceInput) (*entities.Device, error) {
	var updated *entities.Device
	err := s.store.WithinTx(ctx, func(ctx context.Context, repo repositories.Repository) error {
		device, err := repo.GetDevice(ctx, id)
		if err != nil {
			return err
		}
		applyDevice(device, in)
		if in.Category != nil {
			category, err := entities.ParseCategory(string(*in.Category))
			if err != nil {
				return err
			}
			device.Category = category
		}
		if err := repo.UpdateDevice(ctx, device); err != nil {
			return err
		}
		updated = device
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Device updated", zap.String("device_id", id))
	return masked(updated), nil
}

// DeleteDevice removes a device.
func (s *HouseholdService) DeleteDevice(ctx context.Context, id string) error {
	if err := s.store.DeleteDevice(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Device deleted", zap.String("device_id", id))
	return nil
}

// ListDevices returns all devices with secrets masked.
func (s *HouseholdService) ListDevices(ctx context.Context) ([]*entities.Device, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]*entities.Device, 0, len(devices))
	for _, d := range devices {
		result = append(result, masked(d))
	}
	return result, nil
}

// DeviceStatus asks the device's controller whether it is unlocked.
func (s *HouseholdService) DeviceStatus(ctx context.Context, id string) (*DeviceStatus, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	unlocked := s.controller.Status(ctx, repositories.ControlTarget{
		Category:   device.Category,
		Method:     device.ControlMethod,
		Identifier: device.Identifier,
		Config:     device.Config,
	})
	return &DeviceStatus{Device: masked(device), Unlocked: unlocked}, nil
}

type deviceSeedFile struct {
	Devices []DeviceInput `yaml:"devices"`
}

// ImportDevices reads a YAML device list and creates each device, or
// updates the existing one with the same name and category.
func (s *HouseholdService) ImportDevices(ctx context.Context, r io.Reader) (created, updated int, err error) {
	var seed deviceSeedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return 0, 0, fmt.Errorf("failed to parse device file: %w", err)
	}

	existing, err := s.store.ListDevices(ctx)
	if err != nil {
		return 0, 0, err
	}
	for i, in := range seed.Devices {
		if in.Name == nil || in.Category == nil {
			return created, updated, &entities.ValidationError{
				Field:   fmt.Sprintf("devices[%d]", i),
				Message: "name and category are required",
			}
		}
		category, err := entities.ParseCategory(string(*in.Category))
		if err != nil {
			return created, updated, err
		}
		var match *entities.Device
		for _, d := range existing {
			if d.Name == *in.Name && d.Category == category {
				match = d
				break
			}
		}
		if match != nil {
			if _, err := s.UpdateDevice(ctx, match.ID, in); err != nil {
				return created, updated, err
			}
			updated++
			continue
		}
		if _, err := s.CreateDevice(ctx, in); err != nil {
			return created, updated, err
		}
		created++
	}
	return created, updated, nil
}
