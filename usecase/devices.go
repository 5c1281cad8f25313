package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// DeviceRoute is the control method and identifier used for a category
// when no active device is stored.
type DeviceRoute struct {
	Method     entities.ControlMethod
	Identifier string
}

// deviceRouter resolves the control target of a category.
type deviceRouter struct {
	devices  repositories.DeviceRepository
	defaults map[entities.Category]DeviceRoute
	logger   *zap.Logger
}

func (r *deviceRouter) target(ctx context.Context, category entities.Category, allowance time.Duration) repositories.ControlTarget {
	target := repositories.ControlTarget{
		Category:  category,
		Method:    entities.ControlNone,
		Allowance: allowance,
	}
	device, err := r.devices.ActiveDevice(ctx, category)
	switch {
	case err == nil:
		target.Method = device.ControlMethod
		target.Identifier = device.Identifier
		target.Config = device.Config
	case errors.Is(err, entities.ErrNotFound):
		if route, ok := r.defaults[category]; ok && route.Method != "" {
			target.Method = route.Method
			target.Identifier = route.Identifier
		}
	default:
		r.logger.Error("Failed to load active device",
			zap.String("category", string(category)),
			zap.Error(err))
	}
	return target
}
