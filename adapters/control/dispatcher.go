package control

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/entities"
	"github.com/muenzbox/muenzbox/domain/repositories"
)

// DefaultTimeout bounds every hardware call.
const DefaultTimeout = 10 * time.Second

// Config carries the environment defaults for each protocol.
type Config struct {
	Mock     bool
	Timeout  time.Duration
	FritzBox entities.ConnectionConfig
	MikroTik entities.ConnectionConfig
	Nintendo entities.ConnectionConfig
	// NintendoOptions overrides the cloud endpoints; zero fields keep
	// the production values.
	NintendoOptions NintendoOptions
}

// Dispatcher routes a control target to the adapter of its control
// method. Methods without an adapter are never actuated.
type Dispatcher struct {
	fritzbox  *FritzBox
	mikrotik  *MikroTik
	nintendo  *Nintendo
	simulator *Simulator
	mock      bool
	timeout   time.Duration
	logger    *zap.Logger
}

var _ repositories.DeviceController = (*Dispatcher)(nil)

// NewDispatcher builds every adapter with its own caches.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	plain := &http.Client{Timeout: cfg.Timeout}
	// RouterOS ships a self-signed certificate.
	insecure := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	opts := DefaultNintendoOptions()
	if cfg.NintendoOptions.AccountsURL != "" {
		opts.AccountsURL = cfg.NintendoOptions.AccountsURL
	}
	if cfg.NintendoOptions.APIURL != "" {
		opts.APIURL = cfg.NintendoOptions.APIURL
	}
	if cfg.NintendoOptions.ClientID != "" {
		opts.ClientID = cfg.NintendoOptions.ClientID
	}
	if cfg.NintendoOptions.Timezone != "" {
		opts.Timezone = cfg.NintendoOptions.Timezone
	}
	if cfg.NintendoOptions.Language != "" {
		opts.Language = cfg.NintendoOptions.Language
	}

	return &Dispatcher{
		fritzbox:  NewFritzBox(plain, NewTokenCache(FritzBoxSessionTTL, nil), cfg.FritzBox, logger),
		mikrotik:  NewMikroTik(insecure, NewTokenCache(0, nil), cfg.MikroTik, logger),
		nintendo:  NewNintendo(plain, NewTokenCache(0, nil), opts, cfg.Nintendo, logger),
		simulator: NewSimulator(nil, logger),
		mock:      cfg.Mock,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Simulator returns the simulated hardware used in mock mode.
func (d *Dispatcher) Simulator() *Simulator { return d.simulator }

// Mock reports whether hardware calls are simulated.
func (d *Dispatcher) Mock() bool { return d.mock }

// controller picks the adapter for method. It returns nil for
// schedule_only, none and unknown methods.
func (d *Dispatcher) controller(method entities.ControlMethod) repositories.DeviceController {
	var c repositories.DeviceController
	switch method {
	case entities.ControlFritzBox:
		c = d.fritzbox
	case entities.ControlMikroTik:
		c = d.mikrotik
	case entities.ControlNintendo:
		c = d.nintendo
	case entities.ControlScheduleOnly, entities.ControlNone:
		return nil
	default:
		return nil
	}
	if d.mock {
		return d.simulator
	}
	return c
}

func (d *Dispatcher) call(ctx context.Context, action string, target repositories.ControlTarget,
	fn func(repositories.DeviceController, context.Context, repositories.ControlTarget) bool) bool {
	c := d.controller(target.Method)
	if c == nil {
		d.logger.Debug("No actuation for control method",
			zap.String("action", action),
			zap.String("method", string(target.Method)))
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return fn(c, ctx, target)
}

func (d *Dispatcher) Enable(ctx context.Context, target repositories.ControlTarget) bool {
	return d.call(ctx, "enable", target, repositories.DeviceController.Enable)
}

func (d *Dispatcher) Disable(ctx context.Context, target repositories.ControlTarget) bool {
	return d.call(ctx, "disable", target, repositories.DeviceController.Disable)
}

func (d *Dispatcher) Status(ctx context.Context, target repositories.ControlTarget) bool {
	return d.call(ctx, "status", target, repositories.DeviceController.Status)
}
