package repositories

import (
	"context"
	"time"

	"github.com/muenzbox/muenzbox/domain/entities"
)

// ControlTarget is what a device controller needs to act on one endpoint.
type ControlTarget struct {
	Category   entities.Category
	Method     entities.ControlMethod
	Identifier string
	Config     entities.ConnectionConfig
	// Allowance is the play time granted by an enable call on
	// allowance-based protocols.
	Allowance time.Duration
}

// DeviceController actuates hardware. Failures are reported as false and
// never as errors: the caller treats hardware as best effort.
type DeviceController interface {
	Enable(ctx context.Context, target ControlTarget) bool
	Disable(ctx context.Context, target ControlTarget) bool
	// Status reports true when the device is currently unlocked.
	Status(ctx context.Context, target ControlTarget) bool
}
