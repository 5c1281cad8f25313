package entities

import (
	"fmt"
	"time"
)

// ControlMethod selects the protocol used to actuate a device.
type ControlMethod string

const (
	ControlFritzBox     ControlMethod = "fritzbox"
	ControlMikroTik     ControlMethod = "mikrotik"
	ControlNintendo     ControlMethod = "nintendo"
	ControlScheduleOnly ControlMethod = "schedule_only"
	ControlNone         ControlMethod = "none"
)

// ParseControlMethod validates a control method tag.
func ParseControlMethod(s string) (ControlMethod, error) {
	switch m := ControlMethod(s); m {
	case ControlFritzBox, ControlMikroTik, ControlNintendo, ControlScheduleOnly, ControlNone:
		return m, nil
	}
	return "", &ValidationError{Field: "control_method", Message: fmt.Sprintf("unknown control method %q", s)}
}

// ConnectionConfig holds per-device connection parameters. Empty fields
// fall back to the environment defaults of the matching protocol.
type ConnectionConfig struct {
	Host           string `json:"host,omitempty" yaml:"host,omitempty"`
	User           string `json:"user,omitempty" yaml:"user,omitempty"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	AllowedProfile string `json:"allowed_profile,omitempty" yaml:"allowed_profile,omitempty"`
	BlockedProfile string `json:"blocked_profile,omitempty" yaml:"blocked_profile,omitempty"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
}

// MaskedPassword is shown instead of stored secrets.
const MaskedPassword = "***"

// Masked returns a copy with secrets replaced for display.
func (c ConnectionConfig) Masked() ConnectionConfig {
	if c.Password != "" {
		c.Password = MaskedPassword
	}
	if c.Token != "" {
		c.Token = MaskedPassword
	}
	return c
}

// Merge overlays the non-empty fields of update onto c. A masked secret
// keeps the stored value.
func (c ConnectionConfig) Merge(update ConnectionConfig) ConnectionConfig {
	merged := c
	if update.Host != "" {
		merged.Host = update.Host
	}
	if update.User != "" {
		merged.User = update.User
	}
	if update.Password != "" && update.Password != MaskedPassword {
		merged.Password = update.Password
	}
	if update.AllowedProfile != "" {
		merged.AllowedProfile = update.AllowedProfile
	}
	if update.BlockedProfile != "" {
		merged.BlockedProfile = update.BlockedProfile
	}
	if update.Token != "" && update.Token != MaskedPassword {
		merged.Token = update.Token
	}
	return merged
}

// Device is a managed physical endpoint.
type Device struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Category      Category         `json:"category"`
	ControlMethod ControlMethod    `json:"control_method"`
	Identifier    string           `json:"identifier"`
	Config        ConnectionConfig `json:"config"`
	Active        bool             `json:"active"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Validate validates the device data
func (d *Device) Validate() error {
	if d.Name == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if _, err := ParseCategory(string(d.Category)); err != nil {
		return err
	}
	if _, err := ParseControlMethod(string(d.ControlMethod)); err != nil {
		return err
	}
	return nil
}
