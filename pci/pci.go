// Package pci implements the PCI configuration-space probe: enumeration
// of PCI config space into a flat target list, classification by
// (class, subclass), and the config-register read/write, device-enable
// and bus-master primitives a bus.Driver needs.
//
// Register access goes through the ioport.PortIO interface rather than
// inline assembly, so the probe can run identically against a real
// machine's I/O ports (via ioport.DevPort) or a fake built for tests.
package pci

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/bus"
	"github.com/duskernel/usbhost/internal/ioport"
)

const (
	configAddress uint16 = 0x0cf8
	configData    uint16 = 0x0cfc
)

// Probe bounds, per spec §4.2.
const (
	maxBus  = 10
	maxDev  = 32
	maxFunc = 8
)

// Header type 0x0 config-space register offsets (32-bit aligned).
const (
	RegVendorDevice = 0x00
	RegCommand      = 0x04
	RegClass        = 0x08
	RegLatency      = 0x0c
	RegBar0         = 0x10
	RegCapPointer   = 0x34
)

// Command register bits.
const (
	CommandIOEnable     = 1 << 0
	CommandMemoryEnable = 1 << 1
	CommandMasterEnable = 1 << 2
)

// Target identifies a PCI device's location in config space.
type Target struct {
	Bus uint8
	Dev uint8
	Fn  uint8

	Vendor uint16
	Device uint16

	Class    uint8
	SubClass uint8
	ProgIf   uint8
}

func packID(busNo, dev, fn uint8) uint32 {
	return uint32(busNo)<<16 | uint32(dev)<<8 | uint32(fn)
}

func unpackID(id uint32) (busNo, dev, fn uint8) {
	return uint8(id >> 16), uint8(id >> 8), uint8(id)
}

// Driver implements bus.Driver for the PCI configuration-space bus.
type Driver struct {
	io ioport.PortIO

	mu      sync.Mutex
	targets map[uint32]*Target
}

// New constructs a PCI Driver reading/writing config space through io.
func New(io ioport.PortIO) *Driver {
	return &Driver{io: io, targets: make(map[uint32]*Target)}
}

// Detect probes for a mechanism-#1-capable PCI host bridge and, if found,
// enumerates every populated (bus, dev, fn) slot. It returns false if no
// PCI controller answered the probe (spec §4.2: "any other value [than
// the written 0x80000000] means no PCI").
func (d *Driver) Detect() (bool, error) {
	d.io.Out32(configAddress, 0x80000000)
	reply := d.io.In32(configAddress)

	if reply != 0x80000000 {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.targets = make(map[uint32]*Target)

	for busNo := uint8(0); busNo < maxBus; busNo++ {
		for dev := uint8(0); dev < maxDev; dev++ {
			for fn := uint8(0); fn < maxFunc; fn++ {
				first := d.readConfig32Locked(busNo, dev, fn, RegVendorDevice)
				vendor := uint16(first)

				if vendor == 0x0000 || vendor == 0xffff {
					if fn == 0 {
						break // no function 0 means no device in this slot
					}
					continue
				}

				t := &Target{
					Bus:    busNo,
					Dev:    dev,
					Fn:     fn,
					Vendor: vendor,
					Device: uint16(first >> 16),
				}

				classWord := d.readConfig32Locked(busNo, dev, fn, RegClass)
				t.ProgIf = uint8(classWord >> 8)
				t.SubClass = uint8(classWord >> 16)
				t.Class = uint8(classWord >> 24)

				d.targets[packID(busNo, dev, fn)] = t
			}
		}
	}

	return true, nil
}

func (d *Driver) address(busNo, dev, fn uint8, reg uint8) uint32 {
	return 1<<31 | uint32(busNo)<<16 | uint32(dev)<<11 | uint32(fn)<<8 | uint32(reg&0xfc)
}

func (d *Driver) readConfig32Locked(busNo, dev, fn uint8, reg uint8) uint32 {
	d.io.Out32(configAddress, d.address(busNo, dev, fn, reg))
	return d.io.In32(configData)
}

func (d *Driver) writeConfig32Locked(busNo, dev, fn uint8, reg uint8, val uint32) {
	d.io.Out32(configAddress, d.address(busNo, dev, fn, reg))
	d.io.Out32(configData, val)
}

// ReadConfig reads an 8/16/32-bit config-space register.
func (d *Driver) ReadConfig(busNo, dev, fn uint8, reg uint8, width int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dword := d.readConfig32Locked(busNo, dev, fn, reg&0xfc)
	shift := uint((reg & 3) * 8)

	switch width {
	case 8:
		return (dword >> shift) & 0xff, nil
	case 16:
		return (dword >> shift) & 0xffff, nil
	case 32:
		return dword, nil
	default:
		return 0, errors.Errorf("pci: invalid register width %d", width)
	}
}

// WriteConfig writes an 8/16/32-bit config-space register, doing a
// read-modify-write when width is narrower than 32 bits so neighboring
// fields in the same dword are preserved.
func (d *Driver) WriteConfig(busNo, dev, fn uint8, reg uint8, width int, val uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	aligned := reg &^ 3
	shift := uint((reg & 3) * 8)

	switch width {
	case 32:
		d.writeConfig32Locked(busNo, dev, fn, aligned, val)
	case 16:
		cur := d.readConfig32Locked(busNo, dev, fn, aligned)
		cur = (cur &^ (0xffff << shift)) | ((val & 0xffff) << shift)
		d.writeConfig32Locked(busNo, dev, fn, aligned, cur)
	case 8:
		cur := d.readConfig32Locked(busNo, dev, fn, aligned)
		cur = (cur &^ (0xff << shift)) | ((val & 0xff) << shift)
		d.writeConfig32Locked(busNo, dev, fn, aligned, cur)
	default:
		return errors.Errorf("pci: invalid register width %d", width)
	}

	return nil
}

// BaseAddress decodes BAR n (0-5), returning a 32 or 64-bit memory
// address, or 0 for an I/O-space BAR (callers needing I/O BARs should
// read the raw register themselves).
func (d *Driver) BaseAddress(busNo, dev, fn uint8, n int) (uint64, error) {
	if n < 0 || n > 5 {
		return 0, errors.New("pci: invalid BAR index")
	}

	reg := uint8(RegBar0 + n*4)

	d.mu.Lock()
	bar := d.readConfig32Locked(busNo, dev, fn, reg)
	d.mu.Unlock()

	if bar&1 != 0 {
		return 0, nil // I/O-space BAR
	}

	switch (bar >> 1) & 0b11 {
	case 0: // 32-bit
		return uint64(bar &^ 0xf), nil
	case 2: // 64-bit, next BAR holds the upper half
		d.mu.Lock()
		hi := d.readConfig32Locked(busNo, dev, fn, reg+4)
		d.mu.Unlock()
		return uint64(hi)<<32 | uint64(bar&^0xf), nil
	default:
		return 0, errors.New("pci: reserved BAR type")
	}
}

// findTarget resolves a bus.Target back to the pci.Target it wraps.
func (d *Driver) findTarget(t *bus.Target) (*Target, uint8, uint8, uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pt, ok := d.targets[t.Id]
	if !ok {
		return nil, 0, 0, 0, bus.ErrNoSuchTarget
	}

	return pt, pt.Bus, pt.Dev, pt.Fn, nil
}

// Kind implements bus.Driver.
func (d *Driver) Kind() bus.Kind { return bus.PCI }

// GetTargets implements bus.Driver, returning a freshly allocated
// bus.Target per populated PCI slot, classified against classTable.
func (d *Driver) GetTargets() ([]*bus.Target, error) {
	d.mu.Lock()
	pciTargets := make([]*Target, 0, len(d.targets))
	for _, t := range d.targets {
		pciTargets = append(pciTargets, t)
	}
	d.mu.Unlock()

	out := make([]*bus.Target, 0, len(pciTargets))

	for _, pt := range pciTargets {
		class, sub := Classify(pt.Class, pt.SubClass, pt.ProgIf)

		out = append(out, &bus.Target{
			Id:    packID(pt.Bus, pt.Dev, pt.Fn),
			Class: class,
			Sub:   sub,
		})
	}

	return out, nil
}

// GetTargetInfo copies the pci.Target behind t into out, which must be
// *pci.Target.
func (d *Driver) GetTargetInfo(t *bus.Target, out interface{}) error {
	pt, _, _, _, err := d.findTarget(t)
	if err != nil {
		return err
	}

	dst, ok := out.(*Target)
	if !ok {
		return errors.New("pci: GetTargetInfo: out must be *pci.Target")
	}

	*dst = *pt
	return nil
}

// ReadRegister implements bus.Driver.
func (d *Driver) ReadRegister(t *bus.Target, reg int, width int) (uint32, error) {
	_, busNo, dev, fn, err := d.findTarget(t)
	if err != nil {
		return 0, err
	}

	return d.ReadConfig(busNo, dev, fn, uint8(reg), width)
}

// WriteRegister implements bus.Driver.
func (d *Driver) WriteRegister(t *bus.Target, reg int, width int, val uint32) error {
	_, busNo, dev, fn, err := d.findTarget(t)
	if err != nil {
		return err
	}

	return d.WriteConfig(busNo, dev, fn, uint8(reg), width, val)
}

// DeviceEnable toggles I/O, memory and bus-master enable bits.
func (d *Driver) DeviceEnable(t *bus.Target, on bool) error {
	_, busNo, dev, fn, err := d.findTarget(t)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := d.readConfig32Locked(busNo, dev, fn, RegCommand)

	if on {
		cmd |= CommandIOEnable | CommandMemoryEnable | CommandMasterEnable
	} else {
		cmd &^= CommandIOEnable | CommandMemoryEnable | CommandMasterEnable
	}

	d.writeConfig32Locked(busNo, dev, fn, RegCommand, cmd)
	return nil
}

// SetMaster toggles the bus-master enable bit and, when enabling, raises
// the latency timer to 0x40 if it is currently below 0x10.
func (d *Driver) SetMaster(t *bus.Target, on bool) error {
	_, busNo, dev, fn, err := d.findTarget(t)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := d.readConfig32Locked(busNo, dev, fn, RegCommand)

	if on {
		cmd |= CommandMasterEnable
	} else {
		cmd &^= CommandMasterEnable
	}

	d.writeConfig32Locked(busNo, dev, fn, RegCommand, cmd)

	if on {
		// The latency timer is byte 1 of the dword at RegLatency.
		latency := uint8(d.readConfig32Locked(busNo, dev, fn, RegLatency) >> 8)

		if latency < 0x10 {
			cur := d.readConfig32Locked(busNo, dev, fn, RegLatency)
			cur = (cur &^ 0xff00) | 0x40<<8
			d.writeConfig32Locked(busNo, dev, fn, RegLatency, cur)
		}
	}

	return nil
}

// Read is not meaningful for a config-space-only bus.
func (d *Driver) Read(*bus.Target, uint, []byte) (int, error) {
	return 0, bus.ErrNoSuchFunction
}

// Write is not meaningful for a config-space-only bus.
func (d *Driver) Write(*bus.Target, uint, []byte) (int, error) {
	return 0, bus.ErrNoSuchFunction
}

// String renders a Target the way lspci-style tools do, for diagnostics.
func (t *Target) String() string {
	return fmt.Sprintf("%02x:%02x.%x [%04x:%04x] class %02x:%02x if %02x",
		t.Bus, t.Dev, t.Fn, t.Vendor, t.Device, t.Class, t.SubClass, t.ProgIf)
}
