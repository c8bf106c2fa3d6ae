package pci

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePortIO simulates a handful of PCI config-space slots entirely in
// memory, reproducing the CONFIG_ADDRESS/CONFIG_DATA protocol closely
// enough to drive the probe loop under test.
type fakePortIO struct {
	addr uint32
	regs map[uint32]uint32 // keyed by address word (with enable bit)
}

func newFakePortIO() *fakePortIO {
	return &fakePortIO{regs: make(map[uint32]uint32)}
}

func (f *fakePortIO) put(busNo, dev, fn uint8, reg uint8, val uint32) {
	addr := uint32(1)<<31 | uint32(busNo)<<16 | uint32(dev)<<11 | uint32(fn)<<8 | uint32(reg&0xfc)
	f.regs[addr] = val
}

func (f *fakePortIO) In8(uint16) uint8    { return 0 }
func (f *fakePortIO) Out8(uint16, uint8)  {}
func (f *fakePortIO) In16(uint16) uint16  { return 0 }
func (f *fakePortIO) Out16(uint16, uint16) {}

func (f *fakePortIO) In32(port uint16) uint32 {
	if port == configAddress {
		return 0x80000000
	}
	return f.regs[f.addr]
}

func (f *fakePortIO) Out32(port uint16, val uint32) {
	if port == configAddress {
		f.addr = val
	} else if port == configData {
		f.regs[f.addr] = val
	}
}

func TestDetectFindsUSBController(t *testing.T) {
	io := newFakePortIO()
	io.put(0, 4, 0, RegVendorDevice, 0x1234<<16|0x8086)
	io.put(0, 4, 0, RegClass, uint32(ClassSerialBus)<<24|uint32(SubSerialBusUSB)<<16|uint32(ProgIfEHCI)<<8)

	d := New(io)
	found, err := d.Detect()
	require.NoError(t, err)
	require.True(t, found)

	targets, err := d.GetTargets()
	require.NoError(t, err)
	require.Len(t, targets, 1)
	require.Equal(t, "bus", targets[0].Class)
	require.Equal(t, "ehci", targets[0].Sub)
}

func TestDetectNoPCI(t *testing.T) {
	io := &alwaysWrongReply{}
	d := New(io)

	found, err := d.Detect()
	require.NoError(t, err)
	require.False(t, found)
}

type alwaysWrongReply struct{}

func (a *alwaysWrongReply) In8(uint16) uint8     { return 0 }
func (a *alwaysWrongReply) Out8(uint16, uint8)   {}
func (a *alwaysWrongReply) In16(uint16) uint16   { return 0 }
func (a *alwaysWrongReply) Out16(uint16, uint16) {}
func (a *alwaysWrongReply) In32(uint16) uint32   { return 0 }
func (a *alwaysWrongReply) Out32(uint16, uint32) {}

func TestDeviceEnableSetsCommandBits(t *testing.T) {
	io := newFakePortIO()
	io.put(0, 4, 0, RegVendorDevice, 0x1234<<16|0x8086)
	io.put(0, 4, 0, RegClass, uint32(ClassSerialBus)<<24|uint32(SubSerialBusUSB)<<16|uint32(ProgIfEHCI)<<8)

	d := New(io)
	_, err := d.Detect()
	require.NoError(t, err)

	targets, err := d.GetTargets()
	require.NoError(t, err)
	require.NoError(t, d.DeviceEnable(targets[0], true))

	cmd, err := d.ReadRegister(targets[0], RegCommand, 16)
	require.NoError(t, err)
	require.NotZero(t, cmd&CommandIOEnable)
	require.NotZero(t, cmd&CommandMemoryEnable)
	require.NotZero(t, cmd&CommandMasterEnable)
}
