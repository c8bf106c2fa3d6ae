// Package hub implements the USB hub driver (spec §4.4): claims any
// hub-class device, discovers its ports, powers them, polls for
// connection changes via its interrupt-IN endpoint and via periodic
// status polling, and runs the reset/speed-detect sequence that hands a
// newly connected device to usb.Core.Connect.
package hub

import (
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/usb"
)

const (
	pwrOn2PwrGoodUnit = 2 * time.Millisecond
	resetPollInterval = 1 * time.Millisecond
	resetSetTimeout   = 50 * time.Millisecond
	resetClearTimeout = 200 * time.Millisecond
	portSettleDelay   = 10 * time.Millisecond

	maxResetRetries = 3
)

// portStatus mirrors the 2-byte wPortStatus + 2-byte wPortChange pair
// returned by GET_STATUS(port) (USB 2.0 spec table 11-21).
type portStatus struct {
	status uint16
	change uint16
}

// Status bits within wPortStatus.
const (
	statusConnected  = 1 << 0
	statusEnabled    = 1 << 1
	statusSuspend    = 1 << 2
	statusOverCurrent = 1 << 3
	statusReset      = 1 << 4
	statusPower      = 1 << 8
	statusLowSpeed   = 1 << 9
	statusHighSpeed  = 1 << 10
)

// Power-switching-mode bits within wHubDescriptor.wHubCharacteristics
// (USB 2.0 spec table 11-13, bits 1:0).
const (
	hubCharPowerSwitchingMask   = 0x3
	hubCharPowerSwitchingGanged = 0x0
)

// Driver claims and drives USB hub-class devices (class 0x09, subclass
// 0). One Driver instance is shared across every hub it claims; Claim
// allocates the per-hub usb.Hub bookkeeping and wires its hooks.
type Driver struct {
	Core *usb.Core
}

// New constructs a hub Driver bound to core, used to invoke Core.Connect
// / Core.Disconnect when ports change and to reach the control-transfer
// and interrupt-scheduling facades.
func New(core *usb.Core) *Driver {
	return &Driver{Core: core}
}

// CanClaim reports whether dev looks like a hub the driver matches.
func (d *Driver) CanClaim(dev *usb.UsbDevice) bool {
	return dev.Class == usb.ClassHub && dev.SubClass == 0
}

// Claim runs the hub claim sequence (spec §4.4 steps 1-7) against dev,
// returning the usb.Hub it builds and registers with the Core.
func (d *Driver) Claim(dev *usb.UsbDevice) (*usb.Hub, error) {
	if _, err := d.Core.StandardControlTransfer(dev, usb.ReqSetConfiguration, 1, 0, nil); err != nil {
		return nil, errors.Wrap(err, "hub: SET_CONFIGURATION")
	}

	var intIn *usb.Endpoint
	for _, ep := range dev.Endpoints {
		if ep.TransferType() == usb.EndpointInterrupt && ep.Direction() == usb.EndpointIn {
			intIn = ep
			break
		}
	}
	if intIn == nil || intIn.MaxPacket == 0 {
		return nil, errors.New("hub: no usable interrupt-IN endpoint")
	}

	descType := uint8(usb.DescHub)
	if dev.Speed == usb.SpeedSuper {
		descType = usb.DescSuperSpeedHub
	}

	descBuf := make([]byte, 72) // generous upper bound; hub descriptors are short
	reqType := uint8(usb.ReqDirIn | usb.ReqKindClass | usb.ReqRecipDevice)
	n, err := d.Core.ControlTransfer(dev, reqType, usb.ReqHubGetDescriptor, uint16(descType)<<8, 0, descBuf)
	if err != nil {
		return nil, errors.Wrap(err, "hub: GET_DESCRIPTOR(HUB)")
	}
	descBuf = descBuf[:n]
	if len(descBuf) < 7 {
		return nil, errors.New("hub: hub descriptor too short")
	}

	numPorts := int(descBuf[2])
	wHubCharacteristics := uint16(descBuf[3]) | uint16(descBuf[4])<<8
	ganged := wHubCharacteristics&hubCharPowerSwitchingMask == hubCharPowerSwitchingGanged
	pwrOn2PwrGood := time.Duration(descBuf[5]) * pwrOn2PwrGoodUnit

	h := usb.NewHub(dev.Controller, dev)
	h.Descriptor = descBuf
	h.IntIn = intIn
	h.PortChange = make([]byte, (numPorts/8)+1)

	if dev.Speed == usb.SpeedSuper {
		if _, err := d.Core.ControlTransfer(dev, usb.ReqDirOut|usb.ReqKindClass|usb.ReqRecipDevice,
			0x0c /* SET_HUB_DEPTH */, uint16(routeDepth(dev.Route)), 0, nil); err != nil {
			return nil, errors.Wrap(err, "hub: SET_HUB_DEPTH")
		}
	}

	// wHubCharacteristics bits 1:0 (USB 2.0 table 11-13): ganged hubs
	// switch power to every port at once, so one PORT_POWER request
	// suffices; per-port (individual) hubs need one per port.
	if ganged {
		if err := d.setPortFeature(dev, 1, usb.FeaturePortPower); err != nil {
			return nil, errors.Wrap(err, "hub: SET_PORT_FEATURE(PORT_POWER, ganged)")
		}
	} else {
		for port := 1; port <= numPorts; port++ {
			if err := d.setPortFeature(dev, uint8(port), usb.FeaturePortPower); err != nil {
				return nil, errors.Wrapf(err, "hub: SET_PORT_FEATURE(PORT_POWER, %d)", port)
			}
		}
	}
	time.Sleep(pwrOn2PwrGood)

	h.DetectDevices = d.detectDevices
	h.ThreadCall = d.threadCall

	gotInterrupt := make(chan struct{}, 1)
	cb := func(_ *usb.UsbDevice, buf []byte, n int) {
		copy(h.PortChange, buf[:n])
		select {
		case gotInterrupt <- struct{}{}:
		default:
		}
	}

	if err := d.Core.ScheduleInterrupt(dev, intIn, int(intIn.Interval), int(intIn.MaxPacket), cb); err != nil {
		return nil, errors.Wrap(err, "hub: ScheduleInterrupt")
	}

	d.Core.RegisterHub(h)

	return h, nil
}

func routeDepth(route uint32) uint {
	var depth uint
	for route != 0 {
		depth++
		route >>= 4
	}
	return depth
}

func (d *Driver) setPortFeature(dev *usb.UsbDevice, port uint8, feature uint16) error {
	reqType := uint8(usb.ReqDirOut | usb.ReqKindClass | usb.ReqRecipOther)
	_, err := d.Core.ControlTransfer(dev, reqType, usb.ReqHubSetFeature, feature, uint16(port), nil)
	return err
}

func (d *Driver) clearPortFeature(dev *usb.UsbDevice, port uint8, feature uint16) error {
	reqType := uint8(usb.ReqDirOut | usb.ReqKindClass | usb.ReqRecipOther)
	_, err := d.Core.ControlTransfer(dev, reqType, usb.ReqHubClearFeature, feature, uint16(port), nil)
	return err
}

func (d *Driver) getPortStatus(dev *usb.UsbDevice, port uint8) (portStatus, error) {
	buf := make([]byte, 4)
	reqType := uint8(usb.ReqDirIn | usb.ReqKindClass | usb.ReqRecipOther)
	if _, err := d.Core.ControlTransfer(dev, reqType, usb.ReqHubGetStatus, 0, uint16(port), buf); err != nil {
		return portStatus{}, err
	}
	return portStatus{
		status: uint16(buf[1])<<8 | uint16(buf[0]),
		change: uint16(buf[3])<<8 | uint16(buf[2]),
	}, nil
}

// detectDevices implements spec §4.4's "Port polling": called once after
// claim with hotplug=false (every port is examined unconditionally), and
// thereafter per change event with hotplug=true.
func (d *Driver) detectDevices(h *usb.Hub, hotplug bool) error {
	numPorts := int(h.Descriptor[2])

	for port := 1; port <= numPorts; port++ {
		changed := !hotplug || portChangeBitSet(h.PortChange, port)
		if !changed {
			continue
		}

		if err := d.pollPort(h, uint8(port), hotplug); err != nil {
			log.Printf("hub: port %d: %v", port, err)
		}
	}

	h.DoneColdDetect = true
	return nil
}

func portChangeBitSet(bitmap []byte, port int) bool {
	idx := port / 8
	if idx >= len(bitmap) {
		return false
	}
	return bitmap[idx]&(1<<uint(port%8)) != 0
}

// pollPort runs one port's status-check/reset/connect-or-disconnect
// cycle (spec §4.4, "Port polling").
func (d *Driver) pollPort(h *usb.Hub, port uint8, hotplug bool) error {
	dev := h.Device
	st, err := d.getPortStatus(dev, port)
	if err != nil {
		return errors.Wrap(err, "GET_STATUS")
	}

	connected := st.status&statusConnected != 0

	if connected {
		var enabled bool
		var resetErr error

		for attempt := 0; attempt < maxResetRetries && !enabled; attempt++ {
			if err := d.setPortFeature(dev, port, usb.FeaturePortReset); err != nil {
				resetErr = err
				continue
			}

			if err := d.pollUntilClear(dev, port, statusReset, resetSetTimeout); err != nil {
				resetErr = err
				continue
			}

			d.clearChangeBits(dev, port)

			enabled, resetErr = d.pollUntilSet(dev, port, statusEnabled, resetClearTimeout)
		}

		if !enabled {
			return errors.Wrap(resetErr, "port reset did not enable the port")
		}

		st, err = d.getPortStatus(dev, port)
		if err != nil {
			return errors.Wrap(err, "GET_STATUS after reset")
		}

		speed := usb.SpeedFull
		switch {
		case st.status&statusLowSpeed != 0:
			speed = usb.SpeedLow
		case st.status&statusHighSpeed != 0:
			speed = usb.SpeedHigh
		}

		time.Sleep(portSettleDelay)

		if _, err := d.Core.Connect(dev.Controller, h, port-1, speed, hotplug); err != nil {
			return errors.Wrap(err, "Connect")
		}
	} else {
		for _, child := range h.Devices() {
			if child.HubPort == port-1 {
				if err := d.Core.Disconnect(child, hotplug); err != nil {
					return errors.Wrap(err, "Disconnect")
				}
			}
		}
	}

	d.clearChangeBits(dev, port)
	return nil
}

func (d *Driver) clearChangeBits(dev *usb.UsbDevice, port uint8) {
	for _, feature := range []uint16{
		usb.FeatureCConnection, usb.FeatureCEnable, usb.FeatureCSuspend,
		usb.FeatureCOverCurrent, usb.FeatureCReset,
	} {
		_ = d.clearPortFeature(dev, port, feature)
	}
}

func (d *Driver) pollUntilClear(dev *usb.UsbDevice, port uint8, bit uint16, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st, err := d.getPortStatus(dev, port)
		if err != nil {
			return err
		}
		if st.status&bit == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return usb.ErrTimeout
		}
		time.Sleep(resetPollInterval)
	}
}

func (d *Driver) pollUntilSet(dev *usb.UsbDevice, port uint8, bit uint16, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		st, err := d.getPortStatus(dev, port)
		if err != nil {
			return false, err
		}
		if st.status&bit != 0 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(resetPollInterval)
	}
}

// threadCall is invoked periodically by the USB polling thread once
// h.DoneColdDetect is true (spec §4.4).
func (d *Driver) threadCall(h *usb.Hub) {
	if !h.DoneColdDetect {
		return
	}
	if err := d.detectDevices(h, true); err != nil {
		log.Printf("hub: threadCall: %v", err)
	}
}
