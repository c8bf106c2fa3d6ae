// Package bus implements the process-wide bus registry: PCI and USB
// drivers register themselves here, and higher layers (the USB core, a
// device-class driver) reach a specific device through it without caring
// which concrete bus backs it.
package bus

import (
	"sync"

	"github.com/pkg/errors"
)

// Kind identifies a registered bus's transport.
type Kind int

const (
	// PCI identifies the PCI configuration-space bus.
	PCI Kind = iota + 1
	// USB identifies a USB host-controller bus (one per controller).
	USB
)

func (k Kind) String() string {
	switch k {
	case PCI:
		return "pci"
	case USB:
		return "usb"
	default:
		return "unknown"
	}
}

// ErrNoSuchFunction is returned when a bus does not implement a requested
// operation; it is not fatal — callers are expected to treat it as "not
// applicable to this bus" rather than an error worth surfacing.
var ErrNoSuchFunction = errors.New("bus: no such function")

// ErrNoSuchTarget is returned when a target lookup fails.
var ErrNoSuchTarget = errors.New("bus: no such target")

// Target identifies one device on a bus. Id packs bus-specific addressing
// (for PCI: (bus<<16)|(dev<<8)|fn; for USB: (ctrl<<16)|(addr<<8)|endp).
type Target struct {
	Bus   Driver
	Id    uint32
	Class string
	Sub   string

	mu    sync.Mutex
	Owner interface{} // claiming driver, nil if unclaimed
}

// Claim records owner as this target's claiming driver. It fails with
// ErrAlreadyClaimed if another driver already owns it.
func (t *Target) Claim(owner interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Owner != nil && t.Owner != owner {
		return ErrAlreadyClaimed
	}

	t.Owner = owner
	return nil
}

// Release clears the claim if owner currently holds it.
func (t *Target) Release(owner interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Owner == owner {
		t.Owner = nil
	}
}

// ErrAlreadyClaimed is returned by Target.Claim when another driver
// already owns the target.
var ErrAlreadyClaimed = errors.New("bus: target already claimed")

// Driver is the vtable a registered bus implements. Any method a bus does
// not support should return ErrNoSuchFunction rather than panicking.
type Driver interface {
	Kind() Kind
	GetTargets() ([]*Target, error)
	GetTargetInfo(t *Target, out interface{}) error
	ReadRegister(t *Target, reg int, width int) (uint32, error)
	WriteRegister(t *Target, reg int, width int, val uint32) error
	DeviceEnable(t *Target, on bool) error
	SetMaster(t *Target, on bool) error
	Read(t *Target, size uint, buf []byte) (int, error)
	Write(t *Target, size uint, buf []byte) (int, error)
}

// Registry is the process-wide set of registered buses. The zero value is
// ready to use; Global() returns the lazily-initialized process-wide
// instance real callers use, but tests may construct their own Registry
// to avoid sharing state.
type Registry struct {
	mu    sync.Mutex
	buses []Driver
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns the process-wide Registry, initializing it on first use.
func Global() *Registry {
	globalOnce.Do(func() { global = &Registry{} })
	return global
}

// Register adds bus to the registry.
func (r *Registry) Register(b Driver) error {
	if b == nil {
		return errors.New("bus: nil driver")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buses = append(r.buses, b)
	return nil
}

// Buses returns every registered bus of the given kind, in registration
// order.
func (r *Registry) Buses(kind Kind) []Driver {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Driver
	for _, b := range r.buses {
		if b.Kind() == kind {
			out = append(out, b)
		}
	}

	return out
}

// GetTargets aggregates targets across every registered bus of kind,
// returning a freshly allocated concatenation.
func (r *Registry) GetTargets(kind Kind) ([]*Target, error) {
	var all []*Target

	for _, b := range r.Buses(kind) {
		targets, err := b.GetTargets()
		if err != nil {
			return nil, errors.Wrapf(err, "bus: GetTargets(%s)", kind)
		}

		all = append(all, targets...)
	}

	return all, nil
}

// GetTarget finds the target with the given id among every bus of kind.
func (r *Registry) GetTarget(kind Kind, id uint32) (*Target, error) {
	targets, err := r.GetTargets(kind)
	if err != nil {
		return nil, err
	}

	for _, t := range targets {
		if t.Id == id {
			return t, nil
		}
	}

	return nil, ErrNoSuchTarget
}

// GetTargetInfo dispatches to the owning bus.
func (r *Registry) GetTargetInfo(t *Target, out interface{}) error {
	return t.Bus.GetTargetInfo(t, out)
}

// ReadRegister dispatches to the owning bus.
func (r *Registry) ReadRegister(t *Target, reg int, width int) (uint32, error) {
	return t.Bus.ReadRegister(t, reg, width)
}

// WriteRegister dispatches to the owning bus.
func (r *Registry) WriteRegister(t *Target, reg int, width int, val uint32) error {
	return t.Bus.WriteRegister(t, reg, width, val)
}

// DeviceEnable dispatches to the owning bus.
func (r *Registry) DeviceEnable(t *Target, on bool) error {
	return t.Bus.DeviceEnable(t, on)
}

// SetMaster dispatches to the owning bus.
func (r *Registry) SetMaster(t *Target, on bool) error {
	return t.Bus.SetMaster(t, on)
}

// Read dispatches to the owning bus.
func (r *Registry) Read(t *Target, size uint, buf []byte) (int, error) {
	return t.Bus.Read(t, size, buf)
}

// Write dispatches to the owning bus.
func (r *Registry) Write(t *Target, size uint, buf []byte) (int, error) {
	return t.Bus.Write(t, size, buf)
}

// DeviceClaim claims target on behalf of owner.
func (r *Registry) DeviceClaim(t *Target, owner interface{}) error {
	return t.Claim(owner)
}
