package usb

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Core mediates between controllers, hubs and device-class drivers: it
// owns the three process-wide lists (controllers, hubs, devices), runs
// the connect/disconnect enumeration sequence, and offers the
// control-transfer and interrupt-scheduling conveniences drivers call
// through rather than reaching a controller's Ops directly (spec §4.3,
// §5 "Shared resources").
type Core struct {
	Tree DeviceTree

	mu          sync.Mutex
	controllers []*Controller
	hubs        []*Hub
	devices     []*UsbDevice

	irqMu    sync.Mutex
	irqChain map[int][]*Controller // IRQ line -> controllers sharing it, in hook order
	irqPrior map[int]func()        // IRQ line -> prior handler saved at hook time, if any
}

// NewCore constructs an empty Core. tree may be nil if no device-class
// registry is wired (hotplug notifications are then silently dropped).
func NewCore(tree DeviceTree) *Core {
	return &Core{
		Tree:     tree,
		irqChain: make(map[int][]*Controller),
		irqPrior: make(map[int]func()),
	}
}

// RegisterController adds ctrl to the controller list and, if its IRQ
// line already has a chain, appends it; otherwise starts one.
func (c *Core) RegisterController(ctrl *Controller) {
	c.mu.Lock()
	c.controllers = append(c.controllers, ctrl)
	c.mu.Unlock()

	c.irqMu.Lock()
	c.irqChain[ctrl.IRQ] = append(c.irqChain[ctrl.IRQ], ctrl)
	c.irqMu.Unlock()
}

// Controllers returns a snapshot of every registered controller.
func (c *Core) Controllers() []*Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Controller, len(c.controllers))
	copy(out, c.controllers)
	return out
}

// RegisterHub adds hub to the hub list.
func (c *Core) RegisterHub(h *Hub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hubs = append(c.hubs, h)
}

// Hubs returns a snapshot of every registered hub.
func (c *Core) Hubs() []*Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Hub, len(c.hubs))
	copy(out, c.hubs)
	return out
}

// Devices returns a snapshot of the global device list.
func (c *Core) Devices() []*UsbDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*UsbDevice, len(c.devices))
	copy(out, c.devices)
	return out
}

// unregisterHub removes hub from the hub list.
func (c *Core) unregisterHub(h *Hub) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, x := range c.hubs {
		if x == h {
			c.hubs = append(c.hubs[:i], c.hubs[i+1:]...)
			return
		}
	}
}

// HookIRQ registers a shared-interrupt trampoline on sched for irq: on
// fire, it walks every controller chained to that line invoking its
// interrupt hook, stopping at the first one that claims the interrupt
// (returns nil, as opposed to ErrNoData). If none claim it and a prior
// handler was present when the first controller on this line hooked it,
// that handler runs instead (spec §4.3, "Shared-interrupt chaining";
// spec §9 notes only one prior handler is preserved per line).
func (c *Core) HookIRQ(sched Scheduler, irq int, interrupt func(ctrl *Controller) error, prior func()) error {
	c.irqMu.Lock()
	if _, exists := c.irqPrior[irq]; !exists {
		c.irqPrior[irq] = prior
	}
	c.irqMu.Unlock()

	return sched.HookIRQ(irq, func() {
		c.irqMu.Lock()
		chain := append([]*Controller(nil), c.irqChain[irq]...)
		fallback := c.irqPrior[irq]
		c.irqMu.Unlock()

		for _, ctrl := range chain {
			if err := interrupt(ctrl); err == nil {
				return
			}
		}

		if fallback != nil {
			fallback()
		}
	})
}

// Connect runs the connect sequence (spec §4.3) for a device that has
// just been reported on hub's port at the given speed. hotplug is false
// during initial cold-plug detection and true for devices discovered
// afterward by the polling thread.
func (c *Core) Connect(ctrl *Controller, hub *Hub, port uint8, speed Speed, hotplug bool) (*UsbDevice, error) {
	dev := &UsbDevice{
		Controller: ctrl,
		HubPort:    port,
		Speed:      speed,
	}

	if hub.Device == nil {
		dev.RootPort = port
		dev.Route = DeriveRoute(0, 0, port)
	} else {
		dev.RootPort = hub.Device.RootPort
		depth := routeDepth(hub.Device.Route)
		dev.Route = DeriveRoute(hub.Device.Route, depth, port)
	}

	ep0 := &Endpoint{Address: 0, Attributes: EndpointControl, MaxPacket: 8}
	dev.Endpoints = append(dev.Endpoints, ep0)

	// Step 2: GET_DESCRIPTOR(DEVICE, 8), attempted twice — some devices
	// fail the first attempt.
	short := make([]byte, 8)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		_, err = c.StandardControlTransfer(dev, ReqGetDescriptor, uint16(DescDevice)<<8, 0, short)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "usb: connect: GET_DESCRIPTOR(DEVICE, 8)")
	}
	ep0.MaxPacket = uint16(short[7])
	if ep0.MaxPacket == 0 {
		ep0.MaxPacket = 8
	}

	// Step 3: SET_ADDRESS.
	addr := ctrl.NextAddress()
	if _, err := c.StandardControlTransfer(dev, ReqSetAddress, uint16(addr), 0, nil); err != nil {
		return nil, errors.Wrap(err, "usb: connect: SET_ADDRESS")
	}
	dev.Address = addr
	time.Sleep(2 * time.Millisecond)

	// Step 4: GET_DESCRIPTOR(DEVICE, full).
	full := make([]byte, 18)
	if _, err := c.StandardControlTransfer(dev, ReqGetDescriptor, uint16(DescDevice)<<8, 0, full); err != nil {
		return nil, errors.Wrap(err, "usb: connect: GET_DESCRIPTOR(DEVICE, full)")
	}
	dev.DeviceDescriptor = full
	dev.BCDUSB = uint16(full[3])<<8 | uint16(full[2])
	dev.Class = full[4]
	dev.SubClass = full[5]
	dev.Protocol = full[6]
	dev.VendorID = uint16(full[9])<<8 | uint16(full[8])
	dev.ProductID = uint16(full[11])<<8 | uint16(full[10])

	// Step 5: GET_DESCRIPTOR(CONFIG, min(maxPacket0, 9)), then the full
	// blob once totalLength is known.
	headLen := int(ep0.MaxPacket)
	if headLen > 9 || headLen == 0 {
		headLen = 9
	}
	head := make([]byte, headLen)
	if _, err := c.StandardControlTransfer(dev, ReqGetDescriptor, uint16(DescConfig)<<8, 0, head); err != nil {
		return nil, errors.Wrap(err, "usb: connect: GET_DESCRIPTOR(CONFIG, head)")
	}

	totalLength := int(head[3])<<8 | int(head[2])
	blob := head
	if totalLength > headLen {
		blob = make([]byte, totalLength)
		if _, err := c.StandardControlTransfer(dev, ReqGetDescriptor, uint16(DescConfig)<<8, 0, blob); err != nil {
			return nil, errors.Wrap(err, "usb: connect: GET_DESCRIPTOR(CONFIG, full)")
		}
	}
	dev.ConfigBlob = blob

	// Step 6: walk the configuration blob.
	dev.Interfaces = parseConfigBlob(blob)
	if dev.Class == 0 && len(dev.Interfaces) > 0 {
		dev.Class = dev.Interfaces[0].Class
		dev.SubClass = dev.Interfaces[0].SubClass
		dev.Protocol = dev.Interfaces[0].Protocol
	}
	for _, iface := range dev.Interfaces {
		dev.Endpoints = append(dev.Endpoints, iface.Endpoints...)
	}

	// Step 7: add to global and hub device lists.
	c.mu.Lock()
	c.devices = append(c.devices, dev)
	c.mu.Unlock()
	hub.AddDevice(dev)

	// Step 8: hotplug dispatch.
	if hotplug && c.Tree != nil {
		c.Tree.DeviceHotplug(ctrl, dev.SubClass, TargetCode(ctrl.Index, dev.Address, 0), true)
	}

	return dev, nil
}

// routeDepth counts how many populated nibbles a route string carries,
// used to place the next hub-port nibble above them.
func routeDepth(route uint32) uint {
	var depth uint
	for route != 0 {
		depth++
		route >>= 4
	}
	return depth
}

// parseConfigBlob walks a raw configuration descriptor blob, recording
// interface and endpoint descriptors bounded by MaxInterfaces and
// MaxEndpoints (spec §4.3 step 6).
func parseConfigBlob(blob []byte) []InterfaceInfo {
	var ifaces []InterfaceInfo
	var cur *InterfaceInfo

	for i := 0; i+1 < len(blob); {
		length := int(blob[i])
		if length == 0 {
			break
		}
		descType := blob[i+1]

		switch descType {
		case DescInterface:
			if len(ifaces) >= MaxInterfaces || i+9 > len(blob) {
				break
			}
			ifaces = append(ifaces, InterfaceInfo{
				Number:     blob[i+2],
				AltSetting: blob[i+3],
				Class:      blob[i+5],
				SubClass:   blob[i+6],
				Protocol:   blob[i+7],
			})
			cur = &ifaces[len(ifaces)-1]
		case DescEndpoint:
			if cur != nil && len(cur.Endpoints) < MaxEndpoints && i+7 <= len(blob) {
				cur.Endpoints = append(cur.Endpoints, &Endpoint{
					Address:    blob[i+2],
					Attributes: blob[i+3],
					MaxPacket:  uint16(blob[i+5])<<8 | uint16(blob[i+4]),
					Interval:   blob[i+6],
				})
			}
		}

		i += length
	}

	return ifaces
}

// Disconnect runs the disconnect sequence (spec §4.3). If dev is a hub,
// every downstream device is disconnected first (depth-first), matching
// the recursive teardown spec §8 scenario 5 requires.
func (c *Core) Disconnect(dev *UsbDevice, hotplug bool) error {
	var result *multierror.Error

	for _, hub := range c.Hubs() {
		if hub.Device == dev {
			for _, child := range hub.Devices() {
				if err := c.Disconnect(child, hotplug); err != nil {
					result = multierror.Append(result, err)
				}
			}
			c.unregisterHub(hub)
		}
	}

	subClass := dev.SubClass
	targetCode := TargetCode(dev.Controller.Index, dev.Address, 0)

	if dev.Controller.Ops != nil {
		if err := dev.Controller.Ops.DeviceRemoved(dev); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "usb: disconnect: DeviceRemoved"))
		}
	}

	if c.Tree != nil {
		c.Tree.DeviceHotplug(dev.Controller, subClass, targetCode, false)
	}

	if dev.Hub != nil {
		dev.Hub.RemoveDevice(dev)
	}

	c.mu.Lock()
	for i, d := range c.devices {
		if d == dev {
			c.devices = append(c.devices[:i], c.devices[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	dev.ConfigBlob = nil

	return result.ErrorOrNil()
}

// ControlTransfer builds a single-entry transaction vector for a
// completely caller-specified control request (class/vendor requests,
// whose bmRequestType the spec says is "left as supplied") and forwards
// it to the controller's Queue.
func (c *Core) ControlTransfer(dev *UsbDevice, reqType, request uint8, value, index uint16, buf []byte) (int, error) {
	if dev.Controller == nil || dev.Controller.Ops == nil {
		return 0, ErrNotInitialized
	}

	t := &Transaction{
		Type:        TransControl,
		Address:     dev.Address,
		Endpoint:    0,
		RequestType: reqType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      len(buf),
		Buffer:      buf,
		PID:         pidForRequestType(reqType),
	}

	if err := dev.Controller.Ops.Queue([]*Transaction{t}); err != nil {
		return t.Bytes, err
	}

	return t.Bytes, nil
}

// StandardControlTransfer is ControlTransfer for a standard device
// request, deriving the request-type byte from StandardRequestType
// rather than requiring the caller to supply it.
func (c *Core) StandardControlTransfer(dev *UsbDevice, request uint8, value, index uint16, buf []byte) (int, error) {
	return c.ControlTransfer(dev, StandardRequestType(request), request, value, index, buf)
}

// ScheduleInterrupt forwards to the controller's ScheduleInterrupt op
// (spec §4.3, "Interrupt scheduling facade"). interval must be ≥ 1;
// maxLen is bounded by one qTD's capacity (≤ 20 KiB) at the driver level.
func (c *Core) ScheduleInterrupt(dev *UsbDevice, ep *Endpoint, interval int, maxLen int, cb func(dev *UsbDevice, buf []byte, n int)) error {
	if interval < 1 {
		return errors.Wrap(ErrInvalidParameter, "usb: ScheduleInterrupt: interval must be >= 1")
	}
	if dev.Controller == nil || dev.Controller.Ops == nil {
		return ErrNotInitialized
	}
	return dev.Controller.Ops.ScheduleInterrupt(dev, ep, interval, maxLen, cb)
}

// UnscheduleInterrupt cancels every outstanding interrupt registration
// for dev via the controller's UnscheduleInterrupt op.
func (c *Core) UnscheduleInterrupt(dev *UsbDevice) error {
	if dev.Controller == nil || dev.Controller.Ops == nil {
		return ErrNotInitialized
	}
	return dev.Controller.Ops.UnscheduleInterrupt(dev)
}
