package usb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeOps answers the control transfers the connect sequence issues with
// canned descriptor bytes, so Core.Connect can be exercised without a
// real controller driver.
type fakeOps struct {
	deviceDesc []byte
	configDesc []byte
	removed    []*UsbDevice
}

func (f *fakeOps) Reset() error { return nil }

func (f *fakeOps) Queue(trans []*Transaction) error {
	for _, t := range trans {
		switch t.Request {
		case ReqGetDescriptor:
			descType := uint8(t.Value >> 8)
			switch descType {
			case DescDevice:
				n := copy(t.Buffer, f.deviceDesc)
				t.Bytes = n
			case DescConfig:
				n := copy(t.Buffer, f.configDesc)
				t.Bytes = n
			}
		case ReqSetAddress:
			t.Bytes = 0
		}
	}
	return nil
}

func (f *fakeOps) ScheduleInterrupt(*UsbDevice, *Endpoint, int, int, func(*UsbDevice, []byte, int)) error {
	return nil
}
func (f *fakeOps) UnscheduleInterrupt(*UsbDevice) error { return nil }
func (f *fakeOps) DeviceRemoved(dev *UsbDevice) error {
	f.removed = append(f.removed, dev)
	return nil
}

// deviceDescBytes builds an 18-byte device descriptor with the given
// class triple, vendor/product and EP0 max-packet.
func deviceDescBytes(class, sub, proto uint8, vendor, product uint16, maxPacket uint8) []byte {
	b := make([]byte, 18)
	b[0] = 18
	b[1] = DescDevice
	b[2], b[3] = 0x00, 0x02 // bcdUSB 2.00
	b[4], b[5], b[6] = class, sub, proto
	b[7] = maxPacket
	b[8], b[9] = byte(vendor), byte(vendor>>8)
	b[10], b[11] = byte(product), byte(product>>8)
	b[17] = 1 // one configuration
	return b
}

// oneInterfaceConfig builds a minimal configuration descriptor: config
// header + one interface + one endpoint.
func oneInterfaceConfig(ifaceClass, ifaceSub, ifaceProto uint8, epAddr, epAttr uint8, epMaxPacket uint16) []byte {
	total := 9 + 9 + 7
	b := make([]byte, total)

	b[0], b[1] = 9, DescConfig
	b[2], b[3] = byte(total), byte(total>>8)
	b[4] = 1 // num interfaces

	o := 9
	b[o], b[o+1] = 9, DescInterface
	b[o+5], b[o+6], b[o+7] = ifaceClass, ifaceSub, ifaceProto
	o += 9

	b[o], b[o+1] = 7, DescEndpoint
	b[o+2] = epAddr
	b[o+3] = epAttr
	b[o+4], b[o+5] = byte(epMaxPacket), byte(epMaxPacket>>8)

	return b
}

func TestConnectBuildsDeviceFromDescriptors(t *testing.T) {
	core := NewCore(nil)
	ctrl := NewController(0, KindEHCI)
	ops := &fakeOps{
		deviceDesc: deviceDescBytes(0, 0, 0, 0x1234, 0x5678, 64),
		configDesc: oneInterfaceConfig(ClassHID, 1, 1, 0x81, EndpointInterrupt, 8),
	}
	ctrl.Ops = ops
	ctrl.RootHub = NewHub(ctrl, nil)

	dev, err := core.Connect(ctrl, ctrl.RootHub, 0, SpeedHigh, false)
	require.NoError(t, err)
	require.Equal(t, uint8(1), dev.Address)
	require.Equal(t, uint16(0x1234), dev.VendorID)
	require.Equal(t, uint8(ClassHID), dev.Class) // inherited from interface 0
	require.Len(t, dev.Interfaces, 1)
	require.Len(t, dev.Interfaces[0].Endpoints, 1)
	require.Contains(t, core.Devices(), dev)
	require.Contains(t, ctrl.RootHub.Devices(), dev)
}

func TestDisconnectCascadesThroughHub(t *testing.T) {
	core := NewCore(nil)
	ctrl := NewController(0, KindEHCI)
	ops := &fakeOps{
		deviceDesc: deviceDescBytes(ClassHub, 0, 0, 0x1, 0x1, 64),
		configDesc: oneInterfaceConfig(ClassHub, 0, 0, 0x81, EndpointInterrupt, 1),
	}
	ctrl.Ops = ops
	ctrl.RootHub = NewHub(ctrl, nil)

	hubDev, err := core.Connect(ctrl, ctrl.RootHub, 0, SpeedHigh, false)
	require.NoError(t, err)

	downHub := NewHub(ctrl, hubDev)
	core.RegisterHub(downHub)

	ctrl.Ops = &fakeOps{
		deviceDesc: deviceDescBytes(ClassHID, 1, 1, 0x2, 0x2, 8),
		configDesc: oneInterfaceConfig(ClassHID, 1, 1, 0x81, EndpointInterrupt, 8),
	}
	child, err := core.Connect(ctrl, downHub, 0, SpeedFull, false)
	require.NoError(t, err)
	require.Contains(t, downHub.Devices(), child)

	require.NoError(t, core.Disconnect(hubDev, false))

	require.NotContains(t, core.Devices(), hubDev)
	require.NotContains(t, core.Devices(), child)
	require.NotContains(t, core.Hubs(), downHub)
}

func TestTargetCodeRoundTrip(t *testing.T) {
	code := TargetCode(2, 17, 3)
	ctrl, addr, ep := SplitTargetCode(code)
	require.Equal(t, 2, ctrl)
	require.Equal(t, uint8(17), addr)
	require.Equal(t, uint8(3), ep)
}

func TestStandardRequestTypeDirections(t *testing.T) {
	require.Equal(t, uint8(ReqDirIn), StandardRequestType(ReqGetDescriptor)&ReqDirIn)
	require.Equal(t, uint8(0), StandardRequestType(ReqSetConfiguration)&ReqDirIn)
}

func TestEndpointToggleRules(t *testing.T) {
	ep := &Endpoint{}
	ep.SetToggle(0)
	require.Equal(t, 0, ep.Toggle())
	require.Equal(t, 1, ep.FlipToggle())
	require.Equal(t, 0, ep.FlipToggle())
}

func TestClassifyDeviceKnownAndUnknown(t *testing.T) {
	name, class, sub := ClassifyDevice(ClassHub, 0)
	require.Equal(t, "hub_usb", sub)
	require.NotEmpty(t, name)

	_, class, sub = ClassifyDevice(0xfe, 0xfe)
	require.Equal(t, "unknown", class)
	require.Equal(t, "unknown", sub)
}
