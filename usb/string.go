package usb

import (
	"unicode/utf16"

	"github.com/pkg/errors"
)

// DefaultLangID is the language ID requested by GetString when a caller
// has no better default, matching every Linux/usbutils lsusb invocation
// (US English).
const DefaultLangID = 0x0409

// GetString performs GET_DESCRIPTOR(STRING, index, langID) against dev
// and decodes the returned UTF-16LE payload, mirroring the layout
// StringDescriptor.Bytes() produces in the teacher's descriptor package
// (bLength, bDescriptorType, then the UTF-16LE run with no terminator).
// index 0 is the language-ID table itself and is never meaningful to
// decode as text; callers asking for it get ErrInvalidParameter.
func GetString(core *Core, dev *UsbDevice, index uint8, langID uint16) (string, error) {
	if index == 0 {
		return "", errors.Wrap(ErrInvalidParameter, "usb: GetString: index 0 is the language table")
	}

	head := make([]byte, 2)
	if _, err := core.StandardControlTransfer(dev, ReqGetDescriptor, uint16(DescString)<<8|uint16(index), langID, head); err != nil {
		return "", errors.Wrap(err, "usb: GetString: GET_DESCRIPTOR(STRING, head)")
	}

	length := int(head[0])
	if length < 2 {
		return "", errors.Wrap(ErrBadData, "usb: GetString: descriptor too short")
	}

	full := make([]byte, length)
	if _, err := core.StandardControlTransfer(dev, ReqGetDescriptor, uint16(DescString)<<8|uint16(index), langID, full); err != nil {
		return "", errors.Wrap(err, "usb: GetString: GET_DESCRIPTOR(STRING, full)")
	}

	payload := full[2:]
	if len(payload)%2 != 0 {
		payload = payload[:len(payload)-1]
	}

	units := make([]uint16, len(payload)/2)
	for i := range units {
		units[i] = uint16(payload[2*i]) | uint16(payload[2*i+1])<<8
	}

	return string(utf16.Decode(units)), nil
}
