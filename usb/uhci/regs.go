// Package uhci implements the UHCI host-controller driver (spec §4.6):
// I/O-port command/status registers, a frame list feeding a chain of
// eight per-interval interrupt QHs (128 down to 1) plus control and bulk
// queue heads, and transfer
// construction/chaining/completion polling sharing the code shapes
// usb/ehci uses for its own register and descriptor handling, adapted to
// UHCI's simpler 2-word QH and port-I/O register window (spec §6:
// "sharing code patterns but using I/O ports instead of memory-mapped
// registers").
package uhci

import (
	"time"

	"github.com/duskernel/usbhost/internal/ioport"
)

// I/O-port register offsets, relative to the controller's I/O base
// address (spec §6).
const (
	portCMD     = 0x00
	portSTS     = 0x02
	portINTR    = 0x04
	portFRNUM   = 0x06
	portFLBASE  = 0x08
	portSOF     = 0x0c
	portPORTSC1 = 0x10
	portPORTSC2 = 0x12
)

// USBCMD bits.
const (
	cmdRun                = 1 << 0
	cmdHCReset            = 1 << 1
	cmdGlobalReset        = 1 << 2
	cmdEnterGlobalSuspend = 1 << 3
	cmdForceGlobalResume  = 1 << 4
	cmdConfigureFlag      = 1 << 6
	cmdMaxPacket64        = 1 << 7
)

// USBSTS bits (write-1-to-clear, like EHCI's status register).
const (
	stsUSBInt         = 1 << 0
	stsUSBErrorInt    = 1 << 1
	stsResumeDetect   = 1 << 2
	stsHostSysError   = 1 << 3
	stsHCProcessError = 1 << 4
	stsHCHalted       = 1 << 5
)

// PORTSC bits, identical layout on PORTSC1 and PORTSC2.
const (
	portscConnectStatus    = 1 << 0
	portscConnectChange    = 1 << 1
	portscPortEnable       = 1 << 2
	portscPortEnableChange = 1 << 3
	portscLineStatusPos    = 4
	portscLineStatusMask   = 0x3
	portscResume           = 1 << 6
	portscLowSpeed         = 1 << 8
	portscReset            = 1 << 9
	portscSuspend          = 1 << 12
)

const lineStatusLowSpeed = 0x1

const (
	globalResetTime       = 10 * time.Millisecond
	hcResetTimeout         = 10 * time.Millisecond
	portResetSet          = 50 * time.Millisecond
	portResetSettle       = 10 * time.Millisecond
	tdProgressTimeout     = 10 * time.Second
)

// registers bundles the I/O-port window for one UHCI controller.
type registers struct {
	io   ioport.PortIO
	base uint16
}

func (r *registers) cmd() uint16            { return r.io.In16(r.base + portCMD) }
func (r *registers) setCmd(v uint16)        { r.io.Out16(r.base+portCMD, v) }
func (r *registers) sts() uint16            { return r.io.In16(r.base + portSTS) }
func (r *registers) ackSts(v uint16)        { r.io.Out16(r.base+portSTS, v) }
func (r *registers) setIntr(v uint16)       { r.io.Out16(r.base+portINTR, v) }
func (r *registers) setFrameBase(phys uint32) { r.io.Out32(r.base+portFLBASE, phys) }
func (r *registers) setFrameNum(v uint16)   { r.io.Out16(r.base+portFRNUM, v) }

func (r *registers) portOffset(port int) uint16 {
	if port == 0 {
		return portPORTSC1
	}
	return portPORTSC2
}

func (r *registers) portsc(port int) uint16 {
	return r.io.In16(r.base + r.portOffset(port))
}

func (r *registers) setPortsc(port int, v uint16) {
	r.io.Out16(r.base+r.portOffset(port), v)
}
