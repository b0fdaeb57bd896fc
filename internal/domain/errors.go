package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuth             = errors.New("authentication rejected")
	ErrSignalingDropped = errors.New("signaling message dropped")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrTransportLost    = errors.New("transport lost")
	ErrDevice           = errors.New("device error")
	ErrCommandTask      = errors.New("command task failed")
)

// AuthError is fatal: the gateway rejected the secret or identity.
type AuthError struct {
	Identity Identity
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected for %q: %s", e.Identity, e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrAuth }

// NegotiationError terminates one session attempt.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }

func (e *NegotiationError) Unwrap() error { return e.Err }

// DeviceError is frame-level unless Open is set.
type DeviceError struct {
	Device string
	Open   bool
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Open {
		return fmt.Sprintf("device %s: open: %v", e.Device, e.Err)
	}
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

func (e *DeviceError) Unwrap() error { return e.Err }

// CommandTaskError is converted into a failure notification to the caller.
type CommandTaskError struct {
	Method string
	Caller Identity
	Err    error
}

func (e *CommandTaskError) Error() string {
	return fmt.Sprintf("command %s for %s: %v", e.Method, e.Caller, e.Err)
}

func (e *CommandTaskError) Is(target error) bool { return target == ErrCommandTask }

func (e *CommandTaskError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the process.
func IsFatal(err error) bool {
	if errors.Is(err, ErrAuth) {
		return true
	}
	var de *DeviceError
	return errors.As(err, &de) && de.Open
}
