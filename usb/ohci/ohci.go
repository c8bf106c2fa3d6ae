// Package ohci identifies OHCI (USB 1.1) host controllers so the bus
// registry can report them, without driving any transfers (spec §4.6, §9: "OHCI/XHCI
// are present for completeness of detection, not function").
package ohci

import (
	"github.com/duskernel/usbhost/usb"
)

// Driver is a detection-only stand-in for an OHCI host controller. It
// satisfies usb.ControllerOps so the bus/core layers can register and
// list it like any other controller, but every transfer-carrying method
// reports usb.ErrNotImplemented rather than usb.ErrNoSuchFunction — the
// controller exists and was found, it simply has no working driver,
// which spec §9 calls out as a distinct condition from "no such
// controller at all".
type Driver struct {
	Controller *usb.Controller
}

// Detect constructs a Driver wrapping a freshly allocated Controller
// record for an OHCI device found on the bus.
func Detect(irq int, index int) *Driver {
	ctrl := usb.NewController(index, usb.KindOHCI)
	ctrl.IRQ = irq
	ctrl.BCDUSB = 0x0110

	d := &Driver{Controller: ctrl}
	ctrl.Ops = d
	ctrl.RootHub = usb.NewHub(ctrl, nil)

	return d
}

func (d *Driver) Reset() error { return usb.ErrNotImplemented }

func (d *Driver) Queue(trans []*usb.Transaction) error { return usb.ErrNotImplemented }

func (d *Driver) ScheduleInterrupt(dev *usb.UsbDevice, ep *usb.Endpoint, interval, maxLen int, cb func(*usb.UsbDevice, []byte, int)) error {
	return usb.ErrNotImplemented
}

func (d *Driver) UnscheduleInterrupt(dev *usb.UsbDevice) error { return usb.ErrNotImplemented }

func (d *Driver) DeviceRemoved(dev *usb.UsbDevice) error { return nil }
