// Package xhci identifies XHCI (USB 3.x) host controllers for bus
// reporting, mirroring usb/ohci's detection-only scope (spec §4.6, §9).
package xhci

import (
	"github.com/duskernel/usbhost/usb"
)

// Driver is a detection-only stand-in for an XHCI host controller; see
// usb/ohci.Driver's doc comment for why its operations return
// usb.ErrNotImplemented rather than failing detection outright.
type Driver struct {
	Controller *usb.Controller
}

// Detect constructs a Driver wrapping a freshly allocated Controller
// record for an XHCI device found on the bus.
func Detect(irq int, index int) *Driver {
	ctrl := usb.NewController(index, usb.KindXHCI)
	ctrl.IRQ = irq
	ctrl.BCDUSB = 0x0300

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
