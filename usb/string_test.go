package usb

import (
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

// stringOps answers GET_DESCRIPTOR(STRING, index) with a canned
// UTF-16LE payload, keyed by string index.
type stringOps struct {
	strings map[uint8][]byte // full descriptor bytes, including the 2-byte header
}

func (f *stringOps) Reset() error { return nil }

func (f *stringOps) Queue(trans []*Transaction) error {
	for _, t := range trans {
		if t.Request != ReqGetDescriptor {
			continue
		}
		descType := uint8(t.Value >> 8)
		index := uint8(t.Value)
		if descType != DescString {
			continue
		}
		full, ok := f.strings[index]
		if !ok {
			continue
		}
		t.Bytes = copy(t.Buffer, full)
	}
	return nil
}

func (f *stringOps) ScheduleInterrupt(*UsbDevice, *Endpoint, int, int, func(*UsbDevice, []byte, int)) error {
	return nil
}
func (f *stringOps) UnscheduleInterrupt(*UsbDevice) error { return nil }
func (f *stringOps) DeviceRemoved(*UsbDevice) error       { return nil }

func stringDescBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2+2*len(units))
	b[0] = byte(len(b))
	b[1] = DescString
	for i, u := range units {
		b[2+2*i] = byte(u)
		b[2+2*i+1] = byte(u >> 8)
	}
	return b
}

func newStringTestDevice(strings map[uint8][]byte) (*Core, *UsbDevice) {
	core := NewCore(nil)
	ctrl := NewController(0, KindEHCI)
	ctrl.Ops = &stringOps{strings: strings}
	dev := &UsbDevice{
		Controller: ctrl,
		Address:    1,
		Endpoints:  []*Endpoint{{Address: 0, Attributes: EndpointControl, MaxPacket: 64}},
	}
	return core, dev
}

func TestGetStringDecodesUTF16Product(t *testing.T) {
	core, dev := newStringTestDevice(map[uint8][]byte{
		3: stringDescBytes("duskernel"),
	})

	s, err := GetString(core, dev, 3, DefaultLangID)
	require.NoError(t, err)
	require.Equal(t, "duskernel", s)
}

func TestGetStringRejectsIndexZero(t *testing.T) {
	core, dev := newStringTestDevice(nil)

	_, err := GetString(core, dev, 0, DefaultLangID)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestGetStringRejectsShortDescriptor(t *testing.T) {
	core, dev := newStringTestDevice(map[uint8][]byte{
		1: {0, DescString},
	})

	_, err := GetString(core, dev, 1, DefaultLangID)
	require.ErrorIs(t, err, ErrBadData)
}
