package usb

import (
	"sync"

	"github.com/duskernel/usbhost/internal/dma"
)

// MemoryManager is the out-of-scope memory-manager collaborator (spec
// §1): allocate physical, release. It is a type alias of dma.PhysicalAllocator
// so controller drivers can share one concrete implementation with the
// descriptor pools in internal/dma.
type MemoryManager = dma.PhysicalAllocator

// Scheduler is the out-of-scope multitasker/interrupt-controller
// collaborator (spec §1): hook an IRQ line, spawn the long-lived USB
// polling thread, yield, and take/release a coarse lock.
type Scheduler interface {
	HookIRQ(irq int, handler func()) error
	SpawnThread(name string, fn func()) error
	Yield()
}

// DeviceTree is the out-of-scope device-class registry collaborator
// (spec §1): register a newly enumerated device under a system device
// class, and notify class drivers of hotplug arrival/departure.
type DeviceTree interface {
	RegisterDevice(class, sub string, dev *UsbDevice) error
	DeviceHotplug(ctrl *Controller, subClass uint8, targetCode uint32, connected bool)
}

// TargetCode packs a controller index, device address and endpoint
// number into the single integer the bus layer uses as a USB device's
// stable identity (spec §4.3).
func TargetCode(ctrlIndex int, addr uint8, endpoint uint8) uint32 {
	return uint32(ctrlIndex)<<16 | uint32(addr)<<8 | uint32(endpoint)
}

// SplitTargetCode reverses TargetCode.
func SplitTargetCode(code uint32) (ctrlIndex int, addr uint8, endpoint uint8) {
	return int(code >> 16), uint8(code >> 8), uint8(code)
}

// Endpoint describes one endpoint of a claimed device: its descriptor
// fields plus the single data-toggle bit the spec requires per endpoint.
type Endpoint struct {
	Address     uint8 // bEndpointAddress, includes direction bit
	Attributes  uint8 // bmAttributes, low 2 bits are transfer type
	MaxPacket   uint16
	Interval    uint8

	mu     sync.Mutex
	toggle int // 0 or 1
}

// Number returns the endpoint number (0-15), stripping the direction bit.
func (e *Endpoint) Number() uint8 { return e.Address & 0x0f }

// Direction returns EndpointIn or EndpointOut.
func (e *Endpoint) Direction() int {
	if e.Address&0x80 != 0 {
		return EndpointIn
	}
	return EndpointOut
}

// TransferType returns one of the Endpoint* transfer-type constants.
func (e *Endpoint) TransferType() int { return int(e.Attributes & 0x03) }

// Toggle returns the endpoint's current data-toggle bit.
func (e *Endpoint) Toggle() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toggle
}

// SetToggle forces the data-toggle bit to v (0 or 1). SETUP stages force
// it to 0, STATUS stages force it to 1 (spec, key invariants).
func (e *Endpoint) SetToggle(v int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toggle = v & 1
}

// FlipToggle toggles the bit once, as happens after each successful data
// packet, and returns the new value.
func (e *Endpoint) FlipToggle() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toggle ^= 1
	return e.toggle
}

// UsbDevice represents one enumerated USB device (spec §3).
type UsbDevice struct {
	Controller *Controller
	Hub        *Hub

	RootPort uint8 // port number on the root hub this device descends from
	HubPort  uint8 // port number on its immediate parent hub
	Route    uint32 // per-nibble path from the root hub

	Speed   Speed
	Address uint8 // 1-127, 0 before SET_ADDRESS
	BCDUSB  uint16

	Class    uint8
	SubClass uint8
	Protocol uint8
	VendorID  uint16
	ProductID uint16

	DeviceDescriptor []byte // raw 18-byte device descriptor
	ConfigBlob       []byte // raw configuration descriptor + subordinates

	Interfaces []InterfaceInfo
	Endpoints  []*Endpoint // includes the synthesized endpoint 0

	Claim interface{} // owning device-class driver, nil if unclaimed
	Data  interface{} // opaque storage for the claiming driver
}

// InterfaceInfo records one interface parsed out of ConfigBlob, bounded
// to MaxInterfaces entries by the connect sequence.
type InterfaceInfo struct {
	Number   uint8
	AltSetting uint8
	Class    uint8
	SubClass uint8
	Protocol uint8

	Endpoints []*Endpoint // bounded to MaxEndpoints by the connect sequence
}

// DeriveRoute computes the route string for a device one hub-port deep
// into parent, per spec §4.3 step 1.
func DeriveRoute(parentRoute uint32, hubDepth uint, port uint8) uint32 {
	nibble := uint32(port+1) & 0xf
	return nibble<<(hubDepth*4) | parentRoute
}

// Hub represents one USB hub, root or downstream (spec §3).
type Hub struct {
	Controller *Controller
	Device     *UsbDevice // nil for the root hub

	mu      sync.Mutex
	devices map[*UsbDevice]struct{}

	Descriptor []byte
	IntIn      *Endpoint

	PortChange []byte // written by the IRQ callback, read by the poll thread

	DoneColdDetect bool

	// DetectDevices is invoked once after claim (hotplug=false) and then
	// by ThreadCall's port-polling loop (hotplug=true).
	DetectDevices func(h *Hub, hotplug bool) error
	// ThreadCall is invoked periodically by the USB polling thread once
	// DoneColdDetect is true.
	ThreadCall func(h *Hub)
}

// NewHub constructs an empty Hub.
func NewHub(ctrl *Controller, dev *UsbDevice) *Hub {
	return &Hub{Controller: ctrl, Device: dev, devices: make(map[*UsbDevice]struct{})}
}

// AddDevice inserts dev into the hub's device set and sets dev.Hub,
// preserving the invariant that a device's Hub always contains it.
func (h *Hub) AddDevice(dev *UsbDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev.Hub = h
	h.devices[dev] = struct{}{}
}

// RemoveDevice deletes dev from the hub's device set.
func (h *Hub) RemoveDevice(dev *UsbDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.devices, dev)
}

// Devices returns a snapshot of the hub's attached devices.
func (h *Hub) Devices() []*UsbDevice {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*UsbDevice, 0, len(h.devices))
	for d := range h.devices {
		out = append(out, d)
	}
	return out
}

// Transaction is a caller-visible transfer request (spec §3).
type Transaction struct {
	Type     TransactionType
	Address  uint8
	Endpoint uint8

	// Control-stage fields, valid only when Type == TransControl.
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16

	Length  int
	Buffer  []byte
	PID     PID
	Bytes   int // out: actually transferred
	Timeout int // milliseconds, 0 = use the shared default
}

// DefaultTransferTimeoutMs is the standard USB transfer timeout constant
// used by the control-transfer helper when a Transaction specifies none
// (spec §5, "Timeouts").
const DefaultTransferTimeoutMs = 5000

// Controller is the per-host-controller record and operation vtable
// (spec §3). Concrete drivers (EHCI, UHCI, stub) embed *Controller and
// supply the Ops.
type Controller struct {
	Kind   ControllerKind
	BCDUSB uint16
	IRQ    int
	Index  int // process-wide unique

	mu sync.Mutex

	addressCounter uint8
	RootHub        *Hub

	Ops ControllerOps
}

// NewController allocates a Controller with the given process-wide
// index and kind; callers set Ops and RootHub before registering it.
func NewController(index int, kind ControllerKind) *Controller {
	return &Controller{Index: index, Kind: kind}
}

// NextAddress atomically increments and returns the controller's next
// USB device address (spec §4.3 step 3: "controller.addressCounter + 1").
func (c *Controller) NextAddress() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addressCounter++
	return c.addressCounter
}

// Lock/Unlock expose the controller's exclusive lock to drivers that
// need to serialize access to their QH/qTD pools and schedule patches
// (spec §5, "Shared resources").
func (c *Controller) Lock()   { c.mu.Lock() }
func (c *Controller) Unlock() { c.mu.Unlock() }

// ControllerOps is the vtable a concrete controller driver supplies
// (spec §3, Controller entity).
type ControllerOps interface {
	Reset() error
	// Queue executes a vector of transactions under one lock acquisition.
	Queue(trans []*Transaction) error
	ScheduleInterrupt(dev *UsbDevice, ep *Endpoint, interval int, maxLen int, cb func(dev *UsbDevice, buf []byte, n int)) error
	UnscheduleInterrupt(dev *UsbDevice) error
	DeviceRemoved(dev *UsbDevice) error
}
