// Package ehci implements the EHCI host-controller driver (spec §4.5):
// memory-mapped capability/operational registers, queue-head and qTD
// pools, the asynchronous (ring) and periodic (1024-slot frame list)
// schedules, completion polling, the interrupt handler body including
// host-system-error recovery, BIOS-to-OS handoff, and port reset/speed
// detection.
package ehci

import (
	"time"

	"github.com/duskernel/usbhost/internal/reg"
)

// Capability register offsets, relative to BAR0 (spec §6).
const (
	capLength  = 0x00 // byte 0: CAPLENGTH
	capVersion = 0x02 // bytes 2-3: HCIVERSION
	capHCSP    = 0x04 // HCSPARAMS
	capHCCP    = 0x08 // HCCPARAMS
)

// HCCPARAMS fields.
const (
	hccpEECPPos  = 8
	hccpEECPMask = 0xff
)

// Operational register offsets, relative to capLength (spec §6).
const (
	opUSBCMD    = 0x00
	opUSBSTS    = 0x04
	opUSBINTR   = 0x08
	opFRINDEX   = 0x0c
	opCTRLDSSEG = 0x10
	opPERIODICLISTBASE = 0x14
	opASYNCLISTADDR    = 0x18
	opCONFIGFLAG       = 0x40
	opPORTSC           = 0x44 // array, 4 bytes per port
)

// USBCMD bits.
const (
	cmdRunStop        = 0
	cmdHCReset        = 1
	cmdPeriodicEnable = 4
	cmdAsyncEnable    = 5
	cmdIntAsyncAdvanceDoorbell = 6
	cmdFrameListSizePos  = 2
	cmdFrameListSizeMask = 0x3
)

// USBSTS / USBINTR bits.
const (
	stsUSBInt        = 0
	stsUSBErrorInt   = 1
	stsPortChange    = 2
	stsFrameListRoll = 3
	stsHostSysError  = 4
	stsAsyncAdvance  = 5
	stsHCHalted      = 12
	stsAsyncSched    = 15
	stsPeriodicSched = 14
)

// PORTSC bits.
const (
	portscConnected    = 0
	portscConnChange   = 1
	portscEnabled      = 2
	portscEnableChange = 3
	portscOverCurrent  = 4
	portscOverCurrentChange = 5
	portscForcePortResume  = 6
	portscSuspend      = 7
	portscReset        = 8
	portscLineStatusPos  = 10
	portscLineStatusMask = 0x3
	portscPower        = 12
	portscOwner        = 13
)

// Line-status value indicating a low-speed device (K-state) is attached,
// per spec §4.5 "Port-connection policy".
const lineStatusLowSpeed = 0x1

// Legacy-support extended capability, per spec §4.5 "BIOS handoff".
const (
	eecapIDLegacySupport = 1
	legacyBIOSOwnedPos   = 16
	legacyOSOwnedPos     = 24
)

const (
	biosHandoffPoll    = 1 * time.Millisecond
	biosHandoffTimeout = 50 * time.Millisecond

	asyncEnablePoll    = 1 * time.Millisecond
	asyncEnableTimeout = 20 * time.Millisecond

	asyncAdvancePoll    = 1 * time.Millisecond
	asyncAdvanceTimeout = 20 * time.Millisecond

	portResetSet     = 50 * time.Millisecond
	portResetClearTimeout = 200 * time.Millisecond
	portResetSettle  = 10 * time.Millisecond

	qtdProgressTimeout = 10 * time.Second
)

// registers bundles the capability and operational register windows for
// one controller instance.
type registers struct {
	cap reg.Region
	op  reg.Region

	numPorts int
}

func newRegisters(bar uintptr) *registers {
	cap := reg.Region{Addr: bar}
	capLen := cap.Get(capLength, 0, 0xff)
	op := reg.Region{Addr: bar + uintptr(capLen)}

	hcsp := cap.Read32(capHCSP)
	numPorts := int(hcsp & 0xf)

	return &registers{cap: cap, op: op, numPorts: numPorts}
}

func (r *registers) portOffset(port int) uint32 {
	return opPORTSC + uint32(port)*4
}
