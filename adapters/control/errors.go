// Package control implements the device control protocols and the
// dispatcher that routes a device's control method to one of them.
package control

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/muenzbox/muenzbox/domain/repositories"
)

// Kind classifies adapter failures for diagnostics.
type Kind int

const (
	KindConfigurationMissing Kind = iota + 1
	KindAuthenticationFailed
	KindTargetNotFound
	KindTransport
	KindRemoteRejected
)

func (k Kind) String() string {
	switch k {
	case KindConfigurationMissing:
		return "configuration_missing"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindTargetNotFound:
		return "target_not_found"
	case KindTransport:
		return "transport_error"
	case KindRemoteRejected:
		return "remote_rejected"
	}
	return "unknown"
}

// Error is an adapter failure. It never crosses the adapter boundary;
// Enable, Disable and Status log it and report false.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func statusError(op string, code int) *Error {
	kind := KindRemoteRejected
	if code == 401 {
		kind = KindAuthenticationFailed
	}
	return &Error{Kind: kind, Op: op, StatusCode: code}
}

// KindOf returns the failure kind of err, or 0 if err is not an adapter error.
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return 0
}

func hasStatus(err error, code int) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.StatusCode == code
}

// report converts an adapter result into the boolean contract.
func report(logger *zap.Logger, action string, target repositories.ControlTarget, err error) bool {
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("method", string(target.Method)),
		zap.String("identifier", target.Identifier),
	}
	if err != nil {
		logger.Error("Device control failed", append(fields, zap.Stringer("kind", KindOf(err)), zap.Error(err))...)
		return false
	}
	logger.Info("Device control succeeded", fields...)
	return true
}
