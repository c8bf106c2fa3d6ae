package usb

import "github.com/pkg/errors"

// Error kinds surfaced by the core (spec §7). Each is a sentinel so
// callers can classify a failure with errors.Is regardless of which
// layer wrapped it with additional context.
var (
	// Parameter / invariant violations.
	ErrInvalidParameter = errors.New("usb: invalid parameter")
	ErrOutOfRange       = errors.New("usb: value out of range")
	ErrMisaligned       = errors.New("usb: misaligned buffer")

	// Resource exhaustion.
	ErrNoMemory     = errors.New("usb: out of memory")
	ErrNoFreeQueue  = errors.New("usb: no free queue head or qTD")
	ErrNoFreeAddr   = errors.New("usb: no free device address")

	// Transport failures.
	ErrIO              = errors.New("usb: I/O error")
	ErrTimeout         = errors.New("usb: timeout")
	ErrNoData          = errors.New("usb: no data (interrupt not ours)")
	ErrBadData         = errors.New("usb: bad data (CRC, babble, or stall)")

	// Capability failures.
	ErrNoSuchFunction = errors.New("usb: no such function")
	ErrNotInitialized = errors.New("usb: controller not initialized")
	ErrNotImplemented = errors.New("usb: not implemented")

	// Topology failures.
	ErrNoSuchEntry      = errors.New("usb: no such entry")
	ErrAlreadyPresent   = errors.New("usb: already present")
	ErrEnumerationFailed = errors.New("usb: device enumeration failed")
)
