package ehci

import (
	"log"
	"sync"
	"time"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/internal/dma"
	"github.com/duskernel/usbhost/usb"
)

// Driver is the EHCI host-controller driver (spec §4.5). It implements
// usb.ControllerOps and is embedded behind a *usb.Controller once
// detection and BIOS handoff succeed.
type Driver struct {
	Controller *usb.Controller
	Core       *usb.Core

	regs  *registers
	pools *pools
	async *asyncSchedule
	perio *periodicSchedule

	bufPool *dma.Region

	mu            sync.Mutex
	interrupts    map[*usb.UsbDevice]*interruptRegistration
	transferQueue map[*usb.UsbDevice]map[uint8]*endpointQueues

	lastKnownDevice *usb.UsbDevice // fallback for tests driving Queue() directly

	// enumDevice is the default-pipe proto-device for whichever port is
	// currently running the connect sequence (spec §4.3): its address
	// moves from 0 to an assigned value mid-sequence while usb.Core's
	// own *UsbDevice record for it does not exist yet, so Queue() (which
	// only ever sees a Transaction's raw address byte) cannot resolve it
	// by address lookup the way it can once usb.Core has registered the
	// device. One shared QH is kept for it and its device-address field
	// is reprogrammed on every transaction to track the transaction's
	// actual address, matching how hardware EHCI drivers carry a device
	// through SET_ADDRESS on a single default-pipe queue head.
	enumDevice *usb.UsbDevice

	portOwnedByCompanion map[int]bool
}

// interruptRegistration is the persistent record backing a scheduled
// interrupt endpoint (spec §3, "InterruptRegistration").
type interruptRegistration struct {
	dev     *usb.UsbDevice
	ep      *usb.Endpoint
	qh      *QueueHeadItem
	qtd     *QtdItem
	buf     uint64
	bufVirt uintptr
	length  int
	frames  int

	callback func(dev *usb.UsbDevice, buf []byte, n int)
}

type endpointQueues struct {
	qh *QueueHeadItem
}

// ConfigSpace is the out-of-scope PCI configuration-space collaborator
// BIOS handoff needs (spec §4.5, §7): the legacy-support extended
// capability HCCPARAMS.EECP points at lives in PCI config space, not the
// BAR's MMIO window newRegisters maps. Callers on a real PCI bus pass an
// accessor bound to this controller's (bus, dev, fn); an embedded target
// with no PCI config space at all passes nil, which is only valid when
// HCCPARAMS.EECP itself reads zero (no legacy-support capability to hand
// off in the first place).
type ConfigSpace interface {
	ReadConfig32(offset uint8) (uint32, error)
	WriteConfig32(offset uint8, val uint32) error
}

// Detect opens the controller at the given BAR, performs BIOS handoff,
// and brings the hardware into a fully reset, schedules-built state
// (spec §4.5: "Register layout", "BIOS handoff"). It does not start
// RUN/STOP — call Start once root-hub ports are ready to be serviced.
func Detect(bar uintptr, irq int, index int, mm usb.MemoryManager, core *usb.Core, cfg ConfigSpace) (*Driver, error) {
	regs := newRegisters(bar)

	if err := biosHandoff(cfg, regs); err != nil {
		return nil, errors.Wrap(err, "ehci: BIOS handoff failed")
	}

	if err := resetController(regs); err != nil {
		return nil, errors.Wrap(err, "ehci: controller reset failed")
	}

	p := newPools(mm)

	async, err := newAsyncSchedule(regs, p)
	if err != nil {
		return nil, errors.Wrap(err, "ehci: build asynchronous schedule")
	}

	perio, err := newPeriodicSchedule(regs, mm)
	if err != nil {
		return nil, errors.Wrap(err, "ehci: build periodic schedule")
	}

	ctrl := usb.NewController(index, usb.KindEHCI)
	ctrl.IRQ = irq
	ctrl.BCDUSB = 0x0200

	d := &Driver{
		Controller:           ctrl,
		Core:                 core,
		regs:                 regs,
		pools:                p,
		async:                async,
		perio:                perio,
		bufPool:              dma.NewRegion(mm, poolPageSize),
		interrupts:           make(map[*usb.UsbDevice]*interruptRegistration),
		transferQueue:        make(map[*usb.UsbDevice]map[uint8]*endpointQueues),
		portOwnedByCompanion: make(map[int]bool),
	}

	ctrl.Ops = d
	ctrl.RootHub = usb.NewHub(ctrl, nil)

	return d, nil
}

// biosHandoff asks a BIOS-owned controller to release ownership via the
// legacy-support extended capability (spec §4.5, "BIOS handoff"; spec §7:
// a BIOS that will not release ownership fails detection outright). A
// zero EECP means the controller carries no extended capabilities list
// at all, which is not an error — nothing to hand off.
func biosHandoff(cfg ConfigSpace, regs *registers) error {
	eecp := regs.cap.Get(capHCCP, hccpEECPPos, hccpEECPMask)
	if eecp == 0 {
		return nil
	}

	if cfg == nil {
		return errors.New("ehci: controller reports a legacy-support capability but no PCI config-space accessor was supplied")
	}

	offset := uint8(eecp)

	for {
		capDword, err := cfg.ReadConfig32(offset)
		if err != nil {
			return errors.Wrap(err, "ehci: read extended capability")
		}

		capID := uint8(capDword)
		next := uint8(capDword >> 8)

		if capID == eecapIDLegacySupport {
			return claimLegacyOwnership(cfg, offset, capDword)
		}

		if next == 0 {
			return errors.New("ehci: no legacy-support capability found in the extended capabilities list")
		}
		offset = next
	}
}

// claimLegacyOwnership runs the OS_OWNED/BIOS_OWNED handshake against
// the legacy-support capability at offset: set OS_OWNED, poll up to
// biosHandoffTimeout for BIOS_OWNED to clear, then silence the BIOS's
// SMI sources by writing all-ones to the adjacent SMI-control word
// (spec §4.5).
func claimLegacyOwnership(cfg ConfigSpace, offset uint8, capDword uint32) error {
	capDword |= 1 << legacyOSOwnedPos
	if err := cfg.WriteConfig32(offset, capDword); err != nil {
		return errors.Wrap(err, "ehci: set OS_OWNED")
	}

	deadline := time.Now().Add(biosHandoffTimeout)
	for {
		cur, err := cfg.ReadConfig32(offset)
		if err != nil {
			return errors.Wrap(err, "ehci: poll BIOS_OWNED")
		}
		if cur&(1<<legacyBIOSOwnedPos) == 0 {
			break
		}
		if time.Now().After(deadline) {
			return errors.New("ehci: BIOS would not release ownership within the handoff timeout")
		}
		time.Sleep(biosHandoffPoll)
	}

	if err := cfg.WriteConfig32(offset+4, 0xffffffff); err != nil {
		return errors.Wrap(err, "ehci: write SMI-control word")
	}

	return nil
}

// resetController performs a host-controller reset: stop, wait for
// halted, set HCRESET, wait for it to self-clear, then enable interrupts
// and set CONFIGFLAG. The frame-list-size field is not written and keeps
// its post-reset value (1024 entries).
func resetController(regs *registers) error {
	regs.op.Clear(opUSBCMD, cmdRunStop)

	if ok := regs.op.WaitFor(20*time.Millisecond, opUSBSTS, stsHCHalted, 1, 1); !ok {
		return errors.Wrap(usb.ErrTimeout, "ehci: controller did not halt")
	}

	regs.op.Set(opUSBCMD, cmdHCReset)

	if ok := regs.op.WaitFor(100*time.Millisecond, opUSBCMD, cmdHCReset, 1, 0); !ok {
		return errors.Wrap(usb.ErrTimeout, "ehci: controller did not complete reset")
	}

	regs.op.Write32(opUSBINTR, 1<<stsUSBInt|1<<stsUSBErrorInt|1<<stsPortChange|1<<stsHostSysError|1<<stsAsyncAdvance)
	regs.op.Write32(opCONFIGFLAG, 1)

	return nil
}

// Start sets RUN/STOP, bringing the controller to its normal operating
// state once the async/periodic schedules are built.
func (d *Driver) Start() error {
	d.regs.op.Set(opUSBCMD, cmdRunStop)

	if ok := d.regs.op.WaitFor(20*time.Millisecond, opUSBSTS, stsHCHalted, 1, 0); !ok {
		return errors.Wrap(usb.ErrTimeout, "ehci: controller did not start")
	}

	return nil
}

// NumPorts returns the root hub's port count, read from HCSPARAMS.
func (d *Driver) NumPorts() int { return d.regs.numPorts }

// Reset implements usb.ControllerOps.
func (d *Driver) Reset() error {
	return resetController(d.regs)
}

// --- Root-hub port handling (spec §4.5, "Port reset", "Port-connection policy") ---

// PollPort runs the port reset and connection-policy sequence for one
// root-hub port (0-based) and, on a newly enabled high-speed device,
// connects it through d.Core. It is the EHCI-specific analogue of the
// hub driver's pollPort; cmd/usbhostd calls it for each root port during
// cold detection and from its hotplug polling loop.
func (d *Driver) PollPort(port int, hotplug bool) error {
	off := d.regs.portOffset(port)

	connected := d.regs.op.Get(off, portscConnected, 1) == 1
	connChanged := d.regs.op.Get(off, portscConnChange, 1) == 1

	if !connected {
		if connChanged {
			d.ackPortChange(port)
			d.disconnectPort(port, hotplug)
		}
		return nil
	}

	if !connChanged && hotplug {
		return nil
	}

	d.ackPortChange(port)

	lineStatus := d.regs.op.Get(off, portscLineStatusPos, portscLineStatusMask)
	if lineStatus == lineStatusLowSpeed {
		// Low-speed device: release the port to the companion controller
		// without ever asserting PORTRESET (spec §4.5).
		d.regs.op.Set(off, portscOwner)
		d.portOwnedByCompanion[port] = true
		return nil
	}

	if err := d.resetPort(port); err != nil {
		return errors.Wrapf(err, "ehci: port %d reset", port)
	}

	enabled := d.regs.op.Get(off, portscEnabled, 1) == 1
	if !enabled {
		// Full-speed device: EHCI only keeps high-speed devices enabled
		// after reset; release this one to the companion controller.
		d.regs.op.Set(off, portscOwner)
		d.portOwnedByCompanion[port] = true
		return nil
	}

	if d.Core != nil {
		d.beginEnumeration(uint8(port))
		_, err := d.Core.Connect(d.Controller, d.Controller.RootHub, uint8(port), usb.SpeedHigh, hotplug)
		d.endEnumeration()
		if err != nil {
			return errors.Wrap(err, "ehci: Connect")
		}
	}

	return nil
}

// beginEnumeration installs the default-pipe proto-device Queue() falls
// back to while a device on port is mid-connect-sequence (spec §4.3).
func (d *Driver) beginEnumeration(port uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enumDevice = &usb.UsbDevice{
		Controller: d.Controller,
		HubPort:    port,
		Speed:      usb.SpeedHigh,
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
		if err := d.async.unlink(q.qh); err == nil {
			d.pools.releaseQueueHead(q.qh)
		}
	}
}

func (d *Driver) ackPortChange(port int) {
	off := d.regs.portOffset(port)
	d.regs.op.Or(off, 1<<portscConnChange|1<<portscEnableChange|1<<portscOverCurrentChange)
}

func (d *Driver) disconnectPort(port int, hotplug bool) {
	if d.Core == nil {
		return
	}
	for _, dev := range d.Controller.RootHub.Devices() {
		if dev.HubPort == uint8(port) {
			_ = d.Core.Disconnect(dev, hotplug)
		}
	}
}

// resetPort implements spec §4.5 "Port reset": clear PORT_ENABLED, set
// PORT_RESET, sleep 50 ms, clear PORT_RESET, poll up to 200 ms for it to
// clear, then settle 10 ms.
func (d *Driver) resetPort(port int) error {
	off := d.regs.portOffset(port)

	d.regs.op.Clear(off, portscEnabled)
	d.regs.op.Set(off, portscReset)

	time.Sleep(portResetSet)

	d.regs.op.Clear(off, portscReset)

	if ok := d.regs.op.WaitFor(portResetClearTimeout, off, portscReset, 1, 0); !ok {
		return errors.Wrap(usb.ErrTimeout, "ehci: PORT_RESET did not clear")
	}

	time.Sleep(portResetSettle)

	return nil
}

// --- Transfers (spec §4.5, "Transfer descriptor construction", "Chaining", "Completion polling") ---

// Queue implements usb.ControllerOps: executes trans under one
// controller-lock acquisition, building and linking the qTD chain for
// each transaction, then polling each to completion.
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

func (d *Driver) queueOne(t *usb.Transaction) error {
	dev := d.deviceForTransaction(t)
	if dev == nil {
		return errors.Wrap(usb.ErrNoSuchEntry, "ehci: no device for transaction")
	}

	ep := epByNumber(dev, t.Endpoint)
	if ep == nil {
		return errors.Wrap(usb.ErrNoSuchEntry, "ehci: no such endpoint")
	}

	qh, err := d.endpointQueueHead(dev, ep)
	if err != nil {
		return err
	}

	if dev == d.enumDevice {
		// Reprogram the shared default-pipe QH's device-address field to
		// track SET_ADDRESS, since enumDevice's own Address field is
		// never updated by usb.Core (see enumDevice's doc comment).
		qh.reg.SetN(qhEPChar, epCharDeviceAddrPos, epCharDeviceAddrMask, uint32(t.Address))
	}

	var qtds []*QtdItem
	var buffersPhys []uint64
	var inVirt uintptr
	var inLen int

	switch t.Type {
	case usb.TransControl:
		qtds, buffersPhys, inVirt, inLen, err = d.buildControlTransfer(t, ep)
	default:
		qtds, buffersPhys, inVirt, inLen, err = d.buildDataTransfer(t, ep)
	}
	if err != nil {
		return err
	}

	d.chainAndLink(qh, qtds)

	last := qtds[len(qtds)-1]
	pollErr := d.pollCompletion(t, last, buffersPhys)

	if pollErr == nil && inVirt != 0 && t.Buffer != nil {
		n := t.Bytes
		if n > inLen {
			n = inLen
		}
		copy(t.Buffer, readFromVirt(inVirt, n))
	}

	d.pools.releaseQtds(qtds)

	return pollErr
}

// buildControlTransfer builds the SETUP + optional-DATA + STATUS qTD
// chain for a control transaction (spec §4.5). SETUP always carries
// DATA0; the first data packet (if any) carries DATA1 and the toggle
// alternates per packet; STATUS always carries DATA1.
func (d *Driver) buildControlTransfer(t *usb.Transaction, ep *usb.Endpoint) (qtds []*QtdItem, buffersPhys []uint64, inVirt uintptr, inLen int, err error) {
	setupPhys, setupVirt, err := d.allocBuffer(8)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	writeSetupPacket(setupVirt, t)
	buffersPhys = append(buffersPhys, setupPhys)

	setupQtd, err := d.pools.allocQtd()
	if err != nil {
		return nil, nil, 0, 0, err
	}
	ep.SetToggle(0)
	setupQtd.init(qtdPIDSetup, setupPhys, 8, ep.Toggle(), false)
	qtds = append(qtds, setupQtd)

	dataDir := qtdPIDIn
	if t.RequestType&usb.ReqDirIn == 0 {
		dataDir = qtdPIDOut
	}

	if t.Length > 0 {
		dataPhys, dataVirt, allocErr := d.allocBuffer(t.Length)
		if allocErr != nil {
			return nil, nil, 0, 0, allocErr
		}
		if dataDir == qtdPIDOut {
			copyToVirt(dataVirt, t.Buffer[:t.Length])
		}
		buffersPhys = append(buffersPhys, dataPhys)

		ep.SetToggle(1)
		sizes := splitForTransfer(t.Length, int(ep.MaxPacket))
		offset := 0

		for _, size := range sizes {
			q, allocErr := d.pools.allocQtd()
			if allocErr != nil {
				return nil, nil, 0, 0, allocErr
			}
			q.init(dataDir, dataPhys+uint64(offset), size, ep.Toggle(), false)
			ep.FlipToggle()
			qtds = append(qtds, q)
			offset += size
		}

		if dataDir == qtdPIDIn {
			inVirt = dataVirt
			inLen = t.Length
		}
	}

	statusDir := qtdPIDOut
	if dataDir == qtdPIDOut || t.Length == 0 {
		statusDir = qtdPIDIn
	}

	statusQtd, err := d.pools.allocQtd()
	if err != nil {
		return nil, nil, 0, 0, err
	}
	ep.SetToggle(1)
	statusQtd.init(statusDir, 0, 0, 1, true)
	qtds = append(qtds, statusQtd)

	return qtds, buffersPhys, inVirt, inLen, nil
}

// buildDataTransfer builds the data-qTD chain for a bulk or interrupt
// transaction (spec §4.5, §8 scenario 4). Bulk/interrupt endpoints carry
// their data-toggle state across transactions, so it is read and
// advanced from the endpoint's persistent toggle rather than reset.
func (d *Driver) buildDataTransfer(t *usb.Transaction, ep *usb.Endpoint) (qtds []*QtdItem, buffersPhys []uint64, inVirt uintptr, inLen int, err error) {
	dir := qtdPIDOut
	if t.PID == usb.PIDIn {
		dir = qtdPIDIn
	}

	phys, virt, err := d.allocBuffer(t.Length)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	buffersPhys = append(buffersPhys, phys)

	if dir == qtdPIDOut {
		copyToVirt(virt, t.Buffer[:t.Length])
	}

	sizes := splitForTransfer(t.Length, int(ep.MaxPacket))
	offset := 0

	for i, size := range sizes {
		q, allocErr := d.pools.allocQtd()
		if allocErr != nil {
			return nil, nil, 0, 0, allocErr
		}
		ioc := i == len(sizes)-1
		q.init(dir, phys+uint64(offset), size, ep.Toggle(), ioc)
		ep.FlipToggle()
		qtds = append(qtds, q)
		offset += size
	}

	if dir == qtdPIDIn {
		inVirt = virt
		inLen = t.Length
	}

	return qtds, buffersPhys, inVirt, inLen, nil
}

// chainAndLink appends qtds to the tail of qh's existing transfer chain,
// or installs them at the head if the chain is empty (spec §4.5,
// "Chaining into a queue head").
func (d *Driver) chainAndLink(qh *QueueHeadItem, qtds []*QtdItem) {
	for i := 0; i+1 < len(qtds); i++ {
		qtds[i].setNext(qtds[i+1].phys)
	}

	if qh.headQtd == 0 {
		qh.headQtd = qtds[0].phys
		qh.tailQtd = qtds[len(qtds)-1].phys
		qh.reg.Write32(qhOverlayNextQtd, uint32(qtds[0].phys))
		return
	}

	if tail, ok := d.pools.qtdItems[qh.tailQtd]; ok {
		tail.setNext(qtds[0].phys)
	}
	qh.tailQtd = qtds[len(qtds)-1].phys

	if qh.reg.Get(qhOverlayNextQtd, 0, 1) == linkTerminate {
		qh.reg.Write32(qhOverlayNextQtd, uint32(qtds[0].phys))
	}
}

// pollCompletion busy-polls the last qTD of a transaction until it is no
// longer ACTIVE or a progress timeout elapses (spec §4.5, "Completion
// polling"), then frees the transaction's data buffers.
func (d *Driver) pollCompletion(t *usb.Transaction, last *QtdItem, buffersPhys []uint64) (err error) {
	defer func() {
		for _, phys := range buffersPhys {
			d.freeBuffer(phys)
		}
	}()

	deadline := time.Now().Add(qtdProgressTimeout)

	for last.Active() {
		if time.Now().After(deadline) {
			return errors.Wrap(usb.ErrTimeout, "ehci: qTD did not complete")
		}
		time.Sleep(time.Microsecond)
	}

	if errStatus := last.ErrorStatus(); errStatus != 0 {
		t.Bytes = t.Length - last.BytesRemaining()
		return classifyQtdError(errStatus)
	}

	t.Bytes = t.Length
	return nil
}

func classifyQtdError(status uint32) error {
	switch {
	case status&statusHalted != 0:
		return errors.Wrap(usb.ErrIO, "ehci: endpoint halted")
	case status&statusDataBufferError != 0:
		return errors.Wrap(usb.ErrBadData, "ehci: data buffer error")
	case status&statusBabble != 0:
		return errors.Wrap(usb.ErrBadData, "ehci: babble detected")
	case status&statusTransactionError != 0:
		return errors.Wrap(usb.ErrIO, "ehci: transaction error")
	case status&statusMissedMicroframe != 0:
		return errors.Wrap(usb.ErrIO, "ehci: missed microframe")
	default:
		return errors.Wrap(usb.ErrIO, "ehci: unknown qTD error")
	}
}

// --- Interrupt scheduling (spec §4.5 "Periodic schedule"; §3 "InterruptRegistration") ---

// ScheduleInterrupt implements usb.ControllerOps.
func (d *Driver) ScheduleInterrupt(dev *usb.UsbDevice, ep *usb.Endpoint, interval int, maxLen int, cb func(dev *usb.UsbDevice, buf []byte, n int)) error {
	if maxLen > maxQtdBufferBytes {
		return errors.Wrap(usb.ErrInvalidParameter, "ehci: interrupt max length exceeds one qTD")
	}

	qh, err := d.endpointQueueHead(dev, ep)
	if err != nil {
		return err
	}

	frames, _ := frameInterval(interval, dev.Speed == usb.SpeedHigh)

	phys, virt, err := d.allocBuffer(maxLen)
	if err != nil {
		return err
	}

	qtd, err := d.pools.allocQtd()
	if err != nil {
		d.freeBuffer(phys)
		return err
	}
	qtd.init(qtdPIDIn, phys, maxLen, ep.Toggle(), true)

	ir := &interruptRegistration{dev: dev, ep: ep, qh: qh, qtd: qtd, buf: phys, bufVirt: virt, length: maxLen, frames: frames, callback: cb}

	d.mu.Lock()
	d.interrupts[dev] = ir
	d.mu.Unlock()

	d.chainAndLink(qh, []*QtdItem{qtd})

	return d.perio.link(qh, frames)
}

// UnscheduleInterrupt implements usb.ControllerOps (spec §5,
// "Cancellation").
func (d *Driver) UnscheduleInterrupt(dev *usb.UsbDevice) error {
	d.mu.Lock()
	ir, ok := d.interrupts[dev]
	delete(d.interrupts, dev)
	if ok {
		if epq, exists := d.transferQueue[dev]; exists {
			delete(epq, ir.ep.Number())
		}
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}

	d.perio.unlink(ir.qh, ir.frames, d.pools)
	d.pools.releaseQtd(ir.qtd)
	d.freeBuffer(ir.buf)
	d.pools.releaseQueueHead(ir.qh)

	return nil
}

// DeviceRemoved implements usb.ControllerOps: cancel every outstanding
// transaction for dev and release its queue heads (spec §5).
func (d *Driver) DeviceRemoved(dev *usb.UsbDevice) error {
	var result *multierror.Error

	if err := d.UnscheduleInterrupt(dev); err != nil {
		result = multierror.Append(result, err)
	}

	d.mu.Lock()
	epq, ok := d.transferQueue[dev]
	delete(d.transferQueue, dev)
	d.mu.Unlock()

	if ok {
		for _, q := range epq {
			if err := d.async.unlink(q.qh); err != nil {
				result = multierror.Append(result, err)
			}
			d.pools.releaseQueueHead(q.qh)
		}
	}

	return result.ErrorOrNil()
}

// --- Interrupt handler (spec §4.5 "Interrupt handler body") ---

// HandleIRQ is the IRQ handler body. It returns usb.ErrNoData if the
// interrupt status register shows nothing this controller claims, so a
// shared-interrupt trampoline (usb.Core.HookIRQ) can move on to the next
// chained controller.
func (d *Driver) HandleIRQ() error {
	status := d.regs.op.Read32(opUSBSTS) & d.regs.op.Read32(opUSBINTR)
	if status == 0 {
		return usb.ErrNoData
	}

	if status&(1<<stsHostSysError) != 0 {
		d.recoverFromHostSystemError()
	}

	if status&(1<<stsUSBInt) != 0 {
		d.serviceInterruptCompletions()
	}

	if status&(1<<stsUSBErrorInt) != 0 {
		log.Printf("ehci: USBERRORINT")
	}

	d.regs.op.Write32(opUSBSTS, status)

	return nil
}

// serviceInterruptCompletions walks registered interrupt registrations;
// for each whose qTD is no longer ACTIVE it delivers the callback and
// re-arms the qTD (spec §4.5).
func (d *Driver) serviceInterruptCompletions() {
	d.mu.Lock()
	regs := make([]*interruptRegistration, 0, len(d.interrupts))
	for _, r := range d.interrupts {
		regs = append(regs, r)
	}
	d.mu.Unlock()

	for _, r := range regs {
		if r.qtd.Active() {
			continue
		}

		r.qh.reg.Write32(qhOverlayNextQtd, linkTerminate)

		n := r.length - r.qtd.BytesRemaining()
		buf := readFromVirt(r.bufVirt, n)

		if r.callback != nil {
			r.callback(r.dev, buf, n)
		}

		r.qtd.init(qtdPIDIn, r.buf, r.length, r.ep.Toggle(), true)
		r.qh.reg.Write32(qhOverlayNextQtd, uint32(r.qtd.phys))
	}
}

// recoverFromHostSystemError implements spec §4.5's HOSTSYSERROR path:
// mark every in-flight qTD as failed, reset the controller, rebuild the
// schedules, and restart.
func (d *Driver) recoverFromHostSystemError() {
	log.Printf("ehci: HOSTSYSERROR, recovering")

	d.mu.Lock()
	qtdSnapshot := make([]*QtdItem, 0, len(d.pools.qtdItems))
	for _, item := range d.pools.qtdItems {
		qtdSnapshot = append(qtdSnapshot, item)
	}
	d.mu.Unlock()

	for _, item := range qtdSnapshot {
		token := item.Token()
		token &^= 1 << 7 // clear ACTIVE
		token |= statusTransactionError
		item.reg.Write32(qtdToken, token)
	}

	if err := resetController(d.regs); err != nil {
		log.Printf("ehci: recovery reset failed: %v", err)
		return
	}

	d.regs.op.Write32(opASYNCLISTADDR, uint32(d.async.reclaim.phys))
	d.regs.op.Set(opUSBCMD, cmdAsyncEnable)
	d.regs.op.Write32(opPERIODICLISTBASE, uint32(d.perio.phys))
	d.regs.op.Set(opUSBCMD, cmdPeriodicEnable)

	if err := d.Start(); err != nil {
		log.Printf("ehci: recovery restart failed: %v", err)
	}
}

// --- helpers ---

func (d *Driver) deviceForTransaction(t *usb.Transaction) *usb.UsbDevice {
	if d.Core != nil {
		for _, dev := range d.Core.Devices() {
			if dev.Controller == d.Controller && dev.Address == t.Address {
				return dev
			}
		}
	}

	d.mu.Lock()
	enum := d.enumDevice
	d.mu.Unlock()
	if enum != nil {
		return enum
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

// endpointQueueHead returns the QH for (dev, ep), allocating and
// configuring one on first use (spec §4.5, "Queue head acquisition").
func (d *Driver) endpointQueueHead(dev *usb.UsbDevice, ep *usb.Endpoint) (*QueueHeadItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	epq, ok := d.transferQueue[dev]
	if !ok {
		epq = make(map[uint8]*endpointQueues)
		d.transferQueue[dev] = epq
	}

	if q, ok := epq[ep.Number()]; ok {
		return q.qh, nil
	}

	qh, err := d.pools.allocQueueHead()
	if err != nil {
		return nil, err
	}

	speedCode := epSpeedHigh
	switch dev.Speed {
	case usb.SpeedLow:
		speedCode = epSpeedLow
	case usb.SpeedFull:
		speedCode = epSpeedFull
	}

	maxPacket := int(ep.MaxPacket)
	if maxPacket == 0 {
		maxPacket = 8
	}

	qh.configureEndpoint(&epDeviceInfo{
		address:   dev.Address,
		endpoint:  ep.Number(),
		speedCode: speedCode,
		hubAddr:   hubAddrFor(dev),
		hubPort:   dev.HubPort,
	}, maxPacket, ep.Number() == 0)

	if ep.TransferType() != usb.EndpointInterrupt {
		if err := d.async.link(qh); err != nil {
			return nil, err
		}
	}
	// Interrupt-endpoint QHs are linked into the periodic schedule by
	// ScheduleInterrupt, which knows the caller's requested interval.

	epq[ep.Number()] = &endpointQueues{qh: qh}
	d.lastKnownDevice = dev

	return qh, nil
}

func hubAddrFor(dev *usb.UsbDevice) uint8 {
	if dev.Hub != nil && dev.Hub.Device != nil {
		return dev.Hub.Device.Address
	}
	return 0
}

// --- raw memory helpers ---

// allocBuffer reserves a DMA buffer for a transfer's data stage. A
// zero-length request allocates nothing, matching transactions (e.g. a
// no-data control transfer) that never touch a data buffer.
func (d *Driver) allocBuffer(size int) (phys uint64, virt uintptr, err error) {
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

// writeSetupPacket encodes a Transaction's control-stage fields into the
// 8-byte SETUP packet format, USB 2.0 spec table 9-2.
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
	if n <= 0 {
		return nil
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(virt)), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}

// QueueHeadPoolStats implements diag.Stats.
func (d *Driver) QueueHeadPoolStats() (total, free, used int) {
	total, free, used, _, _, _ = d.pools.stats()
	return
}

// DescriptorPoolStats implements diag.Stats, reporting qTD pool
// occupancy.
func (d *Driver) DescriptorPoolStats() (total, free, used int) {
	_, _, _, total, free, used = d.pools.stats()
	return
}

// ScheduleLength implements diag.Stats, reporting the asynchronous
// ring's current length (spec §8's ring invariant).
func (d *Driver) ScheduleLength() (int, error) {
	return d.async.ringLength()
}

// InterruptRegistrationCount implements diag.Stats.
func (d *Driver) InterruptRegistrationCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.interrupts)
}
