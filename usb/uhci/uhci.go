package uhci

import (
	"sync"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/internal/dma"
	"github.com/duskernel/usbhost/internal/ioport"
	"github.com/duskernel/usbhost/usb"
)

// Driver implements usb.ControllerOps for a UHCI host controller: the
// same queue/poll/schedule shape as usb/ehci.Driver, built on I/O-port
// registers and the interrupt-tree schedule in schedule.go instead of
// memory-mapped registers and a ring/frame-list pair (spec §4.6).
type Driver struct {
	Controller *usb.Controller
	Core       *usb.Core

	regs     *registers
	pools    *pools
	schedule *schedule
	bufPool  *dma.Region

	mu              sync.Mutex
	transferQueue   map[*usb.UsbDevice]map[uint8]*endpointQueue
	interrupts      map[*usb.UsbDevice]*interruptRegistration
	lastKnownDevice *usb.UsbDevice
	enumDevice      *usb.UsbDevice
}

type endpointQueue struct {
	qh *QhItem
}

type interruptRegistration struct {
	dev      *usb.UsbDevice
	ep       *usb.Endpoint
	qh       *QhItem
	td       *TdItem
	buf      uint64
	bufVirt  uintptr
	length   int
	interval int
	callback func(dev *usb.UsbDevice, buf []byte, n int)
}

// Detect constructs a Driver wrapping a freshly allocated Controller
// record for a UHCI device found on the bus, at the given I/O base
// address. mm backs the frame list, schedule QHs and per-transaction
// data buffers; io issues the register reads/writes.
func Detect(io ioport.PortIO, base uint16, irq int, index int, mm usb.MemoryManager, core *usb.Core) (*Driver, error) {
	regs := &registers{io: io, base: base}

	if err := globalReset(regs); err != nil {
		return nil, err
	}

	p := newPools(mm)

	sched, err := newSchedule(regs, mm, p)
	if err != nil {
		return nil, err
	}

	ctrl := usb.NewController(index, usb.KindUHCI)
	ctrl.IRQ = irq
	ctrl.BCDUSB = 0x0110

	d := &Driver{
		Controller:    ctrl,
		Core:          core,
		regs:          regs,
		pools:         p,
		schedule:      sched,
		bufPool:       dma.NewRegion(mm, poolPageSize),
		transferQueue: make(map[*usb.UsbDevice]map[uint8]*endpointQueue),
		interrupts:    make(map[*usb.UsbDevice]*interruptRegistration),
	}

	ctrl.Ops = d
	ctrl.RootHub = usb.NewHub(ctrl, nil)

	if err := d.Start(); err != nil {
		return nil, err
	}

	return d, nil
}

// globalReset pulses the controller's global reset line, per spec §7's
// BIOS-handoff-adjacent "failed reset aborts detection" rule.
func globalReset(regs *registers) error {
	regs.setCmd(cmdGlobalReset)
	time.Sleep(globalResetTime)
	regs.setCmd(0)

	regs.setCmd(cmdHCReset)
	deadline := time.Now().Add(hcResetTimeout)
	for regs.cmd()&cmdHCReset != 0 {
		if time.Now().After(deadline) {
			return errors.Wrap(usb.ErrTimeout, "uhci: host controller reset did not self-clear")
		}
		time.Sleep(time.Millisecond)
	}

	return nil
}

// Start enables the run bit and the standard interrupt set.
func (d *Driver) Start() error {
	d.regs.setIntr(0x0f) // short packet, IOC, resume, timeout/CRC
	d.regs.setFrameNum(0)
	d.regs.setCmd(cmdRun | cmdConfigureFlag | cmdMaxPacket64)
	return nil
}

// NumPorts reports the fixed two root ports UHCI's register window
// exposes (PORTSC1/PORTSC2).
func (d *Driver) NumPorts() int { return 2 }

// Reset implements usb.ControllerOps by re-running the global reset and
// restarting the schedule.
func (d *Driver) Reset() error {
	if err := globalReset(d.regs); err != nil {
		return err
	}
	return d.Start()
}

// PollPort checks one root port for a connect/disconnect change and
// drives the enumeration sequence, mirroring usb/ehci.Driver.PollPort's
// shape at UHCI's simpler single-speed-bit port register.
func (d *Driver) PollPort(port int, hotplug bool) error {
	sc := d.regs.portsc(port)

	if sc&portscConnectChange == 0 {
		return nil
	}

	d.regs.setPortsc(port, sc&^uint16(portscPortEnableChange)|portscConnectChange)

	if sc&portscConnectStatus == 0 {
		return d.disconnectPort(port, hotplug)
	}

	if err := d.resetPort(port); err != nil {
		return err
	}

	sc = d.regs.portsc(port)
	speed := usb.SpeedFull
	if sc&portscLowSpeed != 0 {
		speed = usb.SpeedLow
	}

	d.beginEnumeration(uint8(port), speed)
	_, err := d.Core.Connect(d.Controller, d.Controller.RootHub, uint8(port), speed, hotplug)
	d.endEnumeration()

	return err
}

func (d *Driver) disconnectPort(port int, hotplug bool) error {
	for _, dev := range d.Core.Devices() {
		if dev.Controller == d.Controller && dev.HubPort == uint8(port) && dev.Hub == d.Controller.RootHub {
			return d.Core.Disconnect(dev, hotplug)
		}
	}
	return nil
}

func (d *Driver) resetPort(port int) error {
	sc := d.regs.portsc(port)
	d.regs.setPortsc(port, sc|portscReset)
	time.Sleep(portResetSet)

	sc = d.regs.portsc(port)
	d.regs.setPortsc(port, sc&^uint16(portscReset))
	time.Sleep(portResetSettle)

	sc = d.regs.portsc(port)
	d.regs.setPortsc(port, sc|portscPortEnable)

	return nil
}

// beginEnumeration/endEnumeration mirror usb/ehci.Driver's identically
// named mechanism: a shared default-pipe QH whose device-address field
// is reprogrammed per transaction while Core's device record for the
// port being enumerated doesn't exist yet (see usb/ehci/ehci.go's doc comment
// on Driver.enumDevice for the full rationale, which applies unchanged
// here since Queue() has the same address-only addressing problem).
func (d *Driver) beginEnumeration(port uint8, speed usb.Speed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enumDevice = &usb.UsbDevice{
		Controller: d.Controller,
		HubPort:    port,
		Speed:      speed,
		Endpoints:  []*usb.Endpoint{{Address: 0, Attributes: usb.EndpointControl, MaxPacket: 8}},
	}
}

func (d *Driver) endEnumeration() {
	d.mu.Lock()
	enum := d.enumDevice
	epq := d.transferQueue[enum]
	delete(d.transferQueue, enum)
	d.enumDevice = nil
	d.mu.Unlock()

	for _, q := range epq {
		d.schedule.unlinkControlOrBulk(q.qh, false)
		d.pools.releaseQueueHead(q.qh)
	}
}

// Queue implements usb.ControllerOps.
func (d *Driver) Queue(trans []*usb.Transaction) error {
	d.Controller.Lock()
	defer d.Controller.Unlock()

	for _, t := range trans {
		if err := d.queueOne(t); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) deviceForTransaction(t *usb.Transaction) *usb.UsbDevice {
	for _, dev := range d.Core.Devices() {
		if dev.Controller == d.Controller && dev.Address == t.Address {
			return dev
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enumDevice != nil {
		return d.enumDevice
	}
	return d.lastKnownDevice
}

func epByNumber(dev *usb.UsbDevice, number uint8) *usb.Endpoint {
	for _, ep := range dev.Endpoints {
		if ep.Number() == number {
			return ep
		}
	}
	return nil
}

func (d *Driver) endpointQueueHead(dev *usb.UsbDevice, ep *usb.Endpoint, bulk bool) (*QhItem, error) {
	d.mu.Lock()
	epq, ok := d.transferQueue[dev]
	if !ok {
		epq = make(map[uint8]*endpointQueue)
		d.transferQueue[dev] = epq
	}
	entry, ok := epq[ep.Number()]
	d.mu.Unlock()

	if ok {
		return entry.qh, nil
	}

	qh, err := d.pools.allocQueueHead()
	if err != nil {
		return nil, err
	}
	qh.Device = dev.Address
	qh.Endpoint = ep.Number()

	d.schedule.linkControlOrBulk(qh, bulk)

	d.mu.Lock()
	epq[ep.Number()] = &endpointQueue{qh: qh}
	d.lastKnownDevice = dev
	d.mu.Unlock()

	return qh, nil
}

func (d *Driver) queueOne(t *usb.Transaction) error {
	dev := d.deviceForTransaction(t)
	if dev == nil {
		return errors.Wrap(usb.ErrNoSuchEntry, "uhci: no device for transaction")
	}

	ep := epByNumber(dev, t.Endpoint)
	if ep == nil {
		return errors.Wrap(usb.ErrNoSuchEntry, "uhci: no such endpoint")
	}

	bulk := ep.TransferType() == usb.EndpointBulk
	qh, err := d.endpointQueueHead(dev, ep, bulk)
	if err != nil {
		return err
	}

	lowSpeed := dev.Speed == usb.SpeedLow
	addr := dev.Address
	if dev == d.enumDevice {
		addr = t.Address
	}

	var (
		tds         []*TdItem
		buffersPhys []uint64
		inVirt      uintptr
		inLen       int
	)

	switch t.Type {
	case usb.TransControl:
		tds, buffersPhys, inVirt, inLen, err = d.buildControlTransfer(t, ep, addr, lowSpeed)
	default:
		tds, buffersPhys, inVirt, inLen, err = d.buildDataTransfer(t, ep, addr, lowSpeed)
	}
	if err != nil {
		return err
	}

	d.chainAndSubmit(qh, tds)

	last := tds[len(tds)-1]
	pollErr := d.pollCompletion(t, last, buffersPhys)

	if pollErr == nil && inVirt != 0 {
		copy(t.Buffer, readFromVirt(inVirt, inLen))
	}

	d.pools.releaseTds(tds)

	return pollErr
}

func (d *Driver) buildControlTransfer(t *usb.Transaction, ep *usb.Endpoint, addr uint8, lowSpeed bool) (tds []*TdItem, buffersPhys []uint64, inVirt uintptr, inLen int, err error) {
	setupPhys, setupVirt, err := d.allocBuffer(8)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	writeSetupPacket(setupVirt, t)
	buffersPhys = append(buffersPhys, setupPhys)

	setupTd, err := d.pools.allocTd()
	if err != nil {
		return nil, nil, 0, 0, err
	}
	ep.SetToggle(0)
	setupTd.init(pidSetup, addr, ep.Number(), ep.Toggle(), lowSpeed, setupPhys, 8, false)
	tds = append(tds, setupTd)

	dataIn := t.RequestType&usb.ReqDirIn != 0
	if t.Length > 0 {
		dataPhys, dataVirt, err := d.allocBuffer(t.Length)
		if err != nil {
			return nil, nil, 0, 0, err
		}
		buffersPhys = append(buffersPhys, dataPhys)

		if !dataIn {
			copyToVirt(dataVirt, t.Buffer)
		} else {
			inVirt, inLen = dataVirt, t.Length
		}

		pid := pidIn
		if !dataIn {
			pid = pidOut
		}

		ep.SetToggle(1)
		for _, size := range splitForTransfer(t.Length, int(ep.MaxPacket)) {
			dataTd, err := d.pools.allocTd()
			if err != nil {
				return nil, nil, 0, 0, err
			}
			dataTd.init(pid, addr, ep.Number(), ep.Toggle(), lowSpeed, dataPhys, size, false)
			ep.FlipToggle()
			tds = append(tds, dataTd)
			dataPhys += uint64(size)
		}
	}

	statusTd, err := d.pools.allocTd()
	if err != nil {
		return nil, nil, 0, 0, err
	}
	statusPID := pidOut
	if !dataIn {
		statusPID = pidIn
	}
	ep.SetToggle(1)
	statusTd.init(statusPID, addr, ep.Number(), 1, lowSpeed, 0, 0, true)
	tds = append(tds, statusTd)

	return tds, buffersPhys, inVirt, inLen, nil
}

func (d *Driver) buildDataTransfer(t *usb.Transaction, ep *usb.Endpoint, addr uint8, lowSpeed bool) (tds []*TdItem, buffersPhys []uint64, inVirt uintptr, inLen int, err error) {
	dataPhys, dataVirt, err := d.allocBuffer(t.Length)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	buffersPhys = append(buffersPhys, dataPhys)

	dataIn := t.PID == usb.PIDIn
	if !dataIn {
		copyToVirt(dataVirt, t.Buffer)
	} else {
		inVirt, inLen = dataVirt, t.Length
	}

	pid := pidIn
	if !dataIn {
		pid = pidOut
	}

	sizes := splitForTransfer(t.Length, int(ep.MaxPacket))
	for i, size := range sizes {
		td, err := d.pools.allocTd()
		if err != nil {
			return nil, nil, 0, 0, err
		}
		ioc := i == len(sizes)-1
		td.init(pid, addr, ep.Number(), ep.Toggle(), lowSpeed, dataPhys, size, ioc)
		ep.FlipToggle()
		tds = append(tds, td)
		dataPhys += uint64(size)
	}

	return tds, buffersPhys, inVirt, inLen, nil
}

func (d *Driver) chainAndSubmit(qh *QhItem, tds []*TdItem) {
	for i, td := range tds {
		if i+1 < len(tds) {
			td.setNext(tds[i+1].phys)
		} else {
			td.setNext(0)
		}
	}

	qh.headTd = tds[0].phys
	qh.tailTd = tds[len(tds)-1].phys
	qh.setElement(tds[0].phys)
}

func (d *Driver) pollCompletion(t *usb.Transaction, last *TdItem, buffersPhys []uint64) error {
	defer func() {
		for _, phys := range buffersPhys {
			d.freeBuffer(phys)
		}
	}()

	deadline := time.Now().Add(tdProgressTimeout)
	for last.Active() {
		if time.Now().After(deadline) {
			return errors.Wrap(usb.ErrTimeout, "uhci: transfer descriptor did not complete")
		}
		time.Sleep(time.Microsecond)
	}

	if errStatus := last.ErrorStatus(); errStatus != 0 {
		t.Bytes = last.ActualLength()
		return classifyTdError(errStatus)
	}

	t.Bytes = last.ActualLength()
	return nil
}

func classifyTdError(status uint32) error {
	switch {
	case status&statusStalled != 0:
		return errors.Wrap(usb.ErrBadData, "uhci: endpoint stalled")
	case status&statusBabble != 0:
		return errors.Wrap(usb.ErrBadData, "uhci: babble detected")
	case status&statusDataBufErr != 0:
		return errors.Wrap(usb.ErrIO, "uhci: data buffer error")
	case status&statusCRCTimeout != 0:
		return errors.Wrap(usb.ErrIO, "uhci: CRC or timeout error")
	case status&statusBitstuffErr != 0:
		return errors.Wrap(usb.ErrBadData, "uhci: bitstuff error")
	default:
		return errors.Wrap(usb.ErrIO, "uhci: transfer descriptor error")
	}
}

// ScheduleInterrupt implements usb.ControllerOps.
func (d *Driver) ScheduleInterrupt(dev *usb.UsbDevice, ep *usb.Endpoint, interval int, maxLen int, cb func(dev *usb.UsbDevice, buf []byte, n int)) error {
	if maxLen > maxTdBufferBytes {
		return errors.Wrap(usb.ErrInvalidParameter, "uhci: interrupt transfer too large for a single TD")
	}

	qh, err := d.endpointQueueHead(dev, ep, false)
	if err != nil {
		return err
	}

	phys, virt, err := d.allocBuffer(maxLen)
	if err != nil {
		return err
	}

	td, err := d.pools.allocTd()
	if err != nil {
		d.freeBuffer(phys)
		return err
	}

	lowSpeed := dev.Speed == usb.SpeedLow
	td.init(pidIn, dev.Address, ep.Number(), ep.Toggle(), lowSpeed, phys, maxLen, true)

	qh.headTd, qh.tailTd = td.phys, td.phys
	qh.setElement(td.phys)

	d.schedule.linkInterrupt(qh, interval)

	d.mu.Lock()
	d.interrupts[dev] = &interruptRegistration{
		dev: dev, ep: ep, qh: qh, td: td, buf: phys, bufVirt: virt,
		length: maxLen, interval: interval, callback: cb,
	}
	d.mu.Unlock()

	return nil
}

// UnscheduleInterrupt implements usb.ControllerOps.
func (d *Driver) UnscheduleInterrupt(dev *usb.UsbDevice) error {
	d.mu.Lock()
	ir, ok := d.interrupts[dev]
	if ok {
		delete(d.interrupts, dev)
		if epq, ok := d.transferQueue[dev]; ok {
			delete(epq, ir.ep.Number())
		}
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}

	d.schedule.unlinkInterrupt(ir.qh, ir.interval)
	d.pools.releaseTd(ir.td)
	d.freeBuffer(ir.buf)
	d.pools.releaseQueueHead(ir.qh)

	return nil
}

// DeviceRemoved implements usb.ControllerOps.
func (d *Driver) DeviceRemoved(dev *usb.UsbDevice) error {
	var merr *multierror.Error

	if err := d.UnscheduleInterrupt(dev); err != nil {
		merr = multierror.Append(merr, err)
	}

	d.mu.Lock()
	epq := d.transferQueue[dev]
	delete(d.transferQueue, dev)
	d.mu.Unlock()

	for _, q := range epq {
		d.schedule.unlinkControlOrBulk(q.qh, false)
		d.schedule.unlinkControlOrBulk(q.qh, true)
		d.pools.releaseQueueHead(q.qh)
	}

	return merr.ErrorOrNil()
}

// HandleIRQ services a shared interrupt line the way usb/ehci.Driver
// does: report usb.ErrNoData when this controller's status register
// shows nothing pending, so usb.Core.HookIRQ can fall through to the
// next controller sharing the line.
func (d *Driver) HandleIRQ() error {
	sts := d.regs.sts()
	if sts == 0 {
		return errors.Wrap(usb.ErrNoData, "uhci: interrupt not ours")
	}

	if sts&stsHostSysError != 0 {
		d.recoverFromHostSystemError()
	}

	d.regs.ackSts(sts)

	return nil
}

func (d *Driver) recoverFromHostSystemError() {
	d.mu.Lock()
	for _, ir := range d.interrupts {
		_ = ir
	}
	d.mu.Unlock()

	_ = d.Reset()
}

func (d *Driver) allocBuffer(size int) (uint64, uintptr, error) {
	if size == 0 {
		return 0, 0, nil
	}
	return d.bufPool.Alloc(size)
}

func (d *Driver) freeBuffer(phys uint64) {
	if phys == 0 {
		return
	}
	d.bufPool.Free(phys)
}

func writeSetupPacket(virt uintptr, t *usb.Transaction) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(virt)), 8)
	buf[0] = t.RequestType
	buf[1] = t.Request
	buf[2] = byte(t.Value)
	buf[3] = byte(t.Value >> 8)
	buf[4] = byte(t.Index)
	buf[5] = byte(t.Index >> 8)
	buf[6] = byte(t.Length)
	buf[7] = byte(t.Length >> 8)
}

func copyToVirt(virt uintptr, src []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(virt)), len(src))
	copy(dst, src)
}

func readFromVirt(virt uintptr, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(virt)), n)
}

// QueueHeadPoolStats implements diag.Stats.
func (d *Driver) QueueHeadPoolStats() (total, free, used int) {
	total, free, used, _, _, _ = d.pools.stats()
	return
}

// DescriptorPoolStats implements diag.Stats, reporting TD pool
// occupancy.
func (d *Driver) DescriptorPoolStats() (total, free, used int) {
	_, _, _, total, free, used = d.pools.stats()
	return
}

// ScheduleLength implements diag.Stats. UHCI has no ring invariant to
// report, so this counts live endpoint queue heads across all devices
// instead, as a proxy for schedule occupancy.
func (d *Driver) ScheduleLength() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, epq := range d.transferQueue {
		n += len(epq)
	}
	return n, nil
}

// InterruptRegistrationCount implements diag.Stats.
func (d *Driver) InterruptRegistrationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.interrupts)
}
