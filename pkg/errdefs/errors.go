// Package errdefs defines the error classes shared across gpuctl packages.
//
// Errors are classified with sentinel values so that callers can branch on
// the class with errors.Is while still wrapping device-specific context via
// fmt.Errorf("...: %w", ...).
package errdefs

import "errors"

var (
	// ErrOutOfRange indicates a register access outside the mapped size of
	// an address space. Always a caller bug, never retried.
	ErrOutOfRange = errors.New("offset out of range")

	// ErrAccessDenied indicates the transport refused the access, e.g. the
	// BAR0 firewall blocking an offset or missing permissions on the
	// backing file. Surfaced to the caller, not retried.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnresponsive indicates the device returned the all-ones pattern
	// that PCIe fabrics substitute for reads from a vanished device.
	ErrUnresponsive = errors.New("device unresponsive")

	// ErrRestoreFailed indicates config space writes did not stick after
	// bounded retries following a reset.
	ErrRestoreFailed = errors.New("config space restore failed")

	// ErrNoMatch indicates a device selector matched zero devices.
	ErrNoMatch = errors.New("no devices match selector")

	// ErrRecoveryFailed is terminal: all recovery strategies for an
	// unresponsive device have been exhausted.
	ErrRecoveryFailed = errors.New("device recovery failed")

	// ErrNotSupported indicates the operation is not available on the
	// device's generation or form factor.
	ErrNotSupported = errors.New("not supported on this device")
)

func IsOutOfRange(err error) bool     { return errors.Is(err, ErrOutOfRange) }
func IsAccessDenied(err error) bool   { return errors.Is(err, ErrAccessDenied) }
func IsUnresponsive(err error) bool   { return errors.Is(err, ErrUnresponsive) }
func IsRestoreFailed(err error) bool  { return errors.Is(err, ErrRestoreFailed) }
func IsNoMatch(err error) bool        { return errors.Is(err, ErrNoMatch) }
func IsRecoveryFailed(err error) bool { return errors.Is(err, ErrRecoveryFailed) }
func IsNotSupported(err error) bool   { return errors.Is(err, ErrNotSupported) }
