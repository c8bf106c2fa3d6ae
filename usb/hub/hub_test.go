package hub

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskernel/usbhost/usb"
)

// fakeHubOps answers a hub's control transfers: SET_CONFIGURATION,
// GET_DESCRIPTOR(HUB), and per-port GET_STATUS/SET_FEATURE/CLEAR_FEATURE,
// plus the descriptor GETs usb.Core.Connect issues for a newly detected
// downstream device.
type fakeHubOps struct {
	numPorts     int
	hubChars     uint8 // wHubCharacteristics low byte; 0 = ganged, 1 = individual
	portPowerOn  []uint8
	portStatus   map[uint8]uint16
	downDevDesc  []byte
	downCfgDesc  []byte
	resetCount   map[uint8]int
	removed      []*usb.UsbDevice
}

func newFakeHubOps(numPorts int) *fakeHubOps {
	return &fakeHubOps{
		numPorts:   numPorts,
		hubChars:   0x01, // individual (per-port) power switching by default
		portStatus: make(map[uint8]uint16),
		resetCount: make(map[uint8]int),
	}
}

func (f *fakeHubOps) Reset() error { return nil }

func (f *fakeHubOps) Queue(trans []*usb.Transaction) error {
	for _, t := range trans {
		if t.Type != usb.TransControl {
			continue
		}

		kind := t.RequestType & 0x60
		recip := t.RequestType & 0x03

		switch {
		case t.Request == usb.ReqSetConfiguration:
			// no-op

		case t.Request == usb.ReqHubGetDescriptor && kind == usb.ReqKindClass:
			desc := make([]byte, 7)
			desc[0] = 7
			desc[1] = usb.DescHub
			desc[2] = byte(f.numPorts)
			desc[3] = f.hubChars
			desc[5] = 1 // pwrOn2PwrGood = 1 unit
			t.Bytes = copy(t.Buffer, desc)

		case t.Request == usb.ReqHubSetFeature && recip == usb.ReqRecipOther:
			port := uint8(t.Index)
			switch t.Value {
			case usb.FeaturePortPower:
				f.portPowerOn = append(f.portPowerOn, port)
				f.portStatus[port] |= statusPower
			case usb.FeaturePortReset:
				f.resetCount[port]++
				f.portStatus[port] |= statusReset
				f.portStatus[port] &^= statusReset
				f.portStatus[port] |= statusEnabled
			}

		case t.Request == usb.ReqHubClearFeature && recip == usb.ReqRecipOther:
			// change bits aren't modeled distinctly from status bits here

		case t.Request == usb.ReqHubGetStatus && recip == usb.ReqRecipOther:
			port := uint8(t.Index)
			st := f.portStatus[port]
			t.Buffer[0] = byte(st)
			t.Buffer[1] = byte(st >> 8)
			t.Buffer[2] = 0
			t.Buffer[3] = 0
			t.Bytes = 4

		case t.Request == usb.ReqGetDescriptor:
			descType := uint8(t.Value >> 8)
			if descType == usb.DescDevice {
				t.Bytes = copy(t.Buffer, f.downDevDesc)
			} else if descType == usb.DescConfig {
				t.Bytes = copy(t.Buffer, f.downCfgDesc)
			}

		case t.Request == usb.ReqSetAddress:
			t.Bytes = 0
		}
	}
	return nil
}

func (f *fakeHubOps) ScheduleInterrupt(*usb.UsbDevice, *usb.Endpoint, int, int, func(*usb.UsbDevice, []byte, int)) error {
	return nil
}
func (f *fakeHubOps) UnscheduleInterrupt(*usb.UsbDevice) error { return nil }
func (f *fakeHubOps) DeviceRemoved(dev *usb.UsbDevice) error {
	f.removed = append(f.removed, dev)
	return nil
}

func deviceDescBytes(class, sub, proto uint8, maxPacket uint8) []byte {
	b := make([]byte, 18)
	b[0], b[1] = 18, usb.DescDevice
	b[4], b[5], b[6] = class, sub, proto
	b[7] = maxPacket
	b[17] = 1
	return b
}

func oneInterfaceConfig(ifaceClass, ifaceSub, ifaceProto, epAddr, epAttr uint8, epMaxPacket uint16) []byte {
	total := 9 + 9 + 7
	b := make([]byte, total)
	b[0], b[1] = 9, usb.DescConfig
	b[2], b[3] = byte(total), byte(total>>8)
	b[4] = 1
	o := 9
	b[o], b[o+1] = 9, usb.DescInterface
	b[o+5], b[o+6], b[o+7] = ifaceClass, ifaceSub, ifaceProto
	o += 9
	b[o], b[o+1] = 7, usb.DescEndpoint
	b[o+2], b[o+3] = epAddr, epAttr
	b[o+4], b[o+5] = byte(epMaxPacket), byte(epMaxPacket>>8)
	return b
}

func TestClaimPowersEveryPort(t *testing.T) {
	core := usb.NewCore(nil)
	ctrl := usb.NewController(0, usb.KindEHCI)
	ops := newFakeHubOps(4)
	ctrl.Ops = ops

	hubDev := &usb.UsbDevice{
		Controller: ctrl,
		Class:      usb.ClassHub,
		Endpoints:  []*usb.Endpoint{{Address: 0x81, Attributes: usb.EndpointInterrupt, MaxPacket: 1, Interval: 1}},
	}

	d := New(core)
	h, err := d.Claim(hubDev)
	require.NoError(t, err)

	for port := uint8(1); port <= 4; port++ {
		require.NotZero(t, ops.portStatus[port]&statusPower)
	}
	require.Len(t, ops.portPowerOn, 4)
	require.Contains(t, core.Hubs(), h)
}

func TestClaimGangsPowerForGangedHub(t *testing.T) {
	core := usb.NewCore(nil)
	ctrl := usb.NewController(0, usb.KindEHCI)
	ops := newFakeHubOps(4)
	ops.hubChars = hubCharPowerSwitchingGanged
	ctrl.Ops = ops

	hubDev := &usb.UsbDevice{
		Controller: ctrl,
		Class:      usb.ClassHub,
		Endpoints:  []*usb.Endpoint{{Address: 0x81, Attributes: usb.EndpointInterrupt, MaxPacket: 1, Interval: 1}},
	}

	d := New(core)
	h, err := d.Claim(hubDev)
	require.NoError(t, err)

	require.Equal(t, []uint8{1}, ops.portPowerOn)
	require.Contains(t, core.Hubs(), h)
}

func TestDetectDevicesConnectsOnPortChange(t *testing.T) {
	core := usb.NewCore(nil)
	ctrl := usb.NewController(0, usb.KindEHCI)
	ops := newFakeHubOps(2)
	ops.downDevDesc = deviceDescBytes(usb.ClassHID, 1, 1, 8)
	ops.downCfgDesc = oneInterfaceConfig(usb.ClassHID, 1, 1, 0x81, usb.EndpointInterrupt, 8)
	ctrl.Ops = ops

	hubDev := &usb.UsbDevice{
		Controller: ctrl,
		Class:      usb.ClassHub,
		Endpoints:  []*usb.Endpoint{{Address: 0x81, Attributes: usb.EndpointInterrupt, MaxPacket: 1, Interval: 1}},
	}

	d := New(core)
	h, err := d.Claim(hubDev)
	require.NoError(t, err)

	ops.portStatus[1] |= statusConnected

	require.NoError(t, d.detectDevices(h, false))
	require.Equal(t, 1, ops.resetCount[1])
	require.Len(t, h.Devices(), 1)

	child := h.Devices()[0]
	require.Equal(t, uint16(0x0000), child.VendorID)
	require.Equal(t, usb.ClassHID, child.Class)
}
