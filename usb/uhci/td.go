package uhci

import (
	"github.com/duskernel/usbhost/internal/bits"
	"github.com/duskernel/usbhost/internal/reg"
)

// TD hardware layout: four 32-bit words (spec §3's qTD shape, reused
// here for UHCI's own transfer descriptor).
const (
	tdSize = 32

	tdLink   = 0x00
	tdStatus = 0x04
	tdToken  = 0x08
	tdBuffer = 0x0c
)

// Link-pointer bits, shared by TD and QH link/element fields.
const (
	linkTerminate  = 1 << 0
	linkQH         = 1 << 1
	linkDepthFirst = 1 << 2
)

// Control/status word (tdStatus) field positions.
const (
	statusActLenPos    = 0
	statusActLenMask   = 0x7ff
	statusBitstuffErr  = 1 << 17
	statusCRCTimeout   = 1 << 18
	statusNAKReceived  = 1 << 19
	statusBabble       = 1 << 20
	statusDataBufErr   = 1 << 21
	statusStalled      = 1 << 22
	statusActive       = 1 << 23
	statusIOC          = 1 << 24
	statusIsochronous  = 1 << 25
	statusLowSpeed     = 1 << 26
	statusErrCounterPos  = 27
	statusErrCounterMask = 0x3
	statusShortPacket  = 1 << 29

	statusErrorMask = statusBitstuffErr | statusCRCTimeout | statusBabble | statusDataBufErr | statusStalled
)

// Token word (tdToken) field positions.
const (
	tokenPIDPos         = 0
	tokenPIDMask        = 0xff
	tokenDeviceAddrPos  = 8
	tokenDeviceAddrMask = 0x7f
	tokenEndpointPos    = 15
	tokenEndpointMask   = 0xf
	tokenDataToggle     = 19
	tokenMaxLenPos      = 21
	tokenMaxLenMask     = 0x7ff
)

// Token PIDs, per spec §6.
const (
	pidIn    = 0x69
	pidOut   = 0xe1
	pidSetup = 0x2d
)

// maxTdBufferBytes is the largest single-TD transfer UHCI allows: one
// TD describes one packet's worth of data up to the endpoint's own
// max-packet size, capped at 1280 bytes by the 11-bit length field's
// realistic range for full/low-speed devices.
const maxTdBufferBytes = 1280

// TdItem is the software wrapper around a hardware TD slot.
type TdItem struct {
	phys uint64
	reg  reg.Region

	next uint64
}

// Phys returns the TD's physical address.
func (t *TdItem) Phys() uint64 { return t.phys }

func newTdItem(phys uint64, virt uintptr) *TdItem {
	return &TdItem{phys: phys, reg: reg.Region{Addr: virt}}
}

// init programs one TD's status and token words.
func (t *TdItem) init(pid int, addr uint8, endpoint uint8, toggle int, lowSpeed bool, bufPhys uint64, length int, ioc bool) {
	t.reg.Write32(tdLink, linkTerminate)

	var status uint32
	bits.SetN(&status, statusErrCounterPos, statusErrCounterMask, 3)
	if lowSpeed {
		bits.Set(&status, 26)
	}
	if ioc {
		bits.Set(&status, 24)
	}
	bits.Set(&status, 23) // Active
	t.reg.Write32(tdStatus, status)

	var token uint32
	bits.SetN(&token, tokenPIDPos, tokenPIDMask, uint32(pid))
	bits.SetN(&token, tokenDeviceAddrPos, tokenDeviceAddrMask, uint32(addr))
	bits.SetN(&token, tokenEndpointPos, tokenEndpointMask, uint32(endpoint))
	if toggle != 0 {
		bits.Set(&token, tokenDataToggle)
	}
	maxLenField := uint32(length-1) & tokenMaxLenMask
	if length == 0 {
		maxLenField = tokenMaxLenMask // 0x7ff encodes a zero-length packet
	}
	bits.SetN(&token, tokenMaxLenPos, tokenMaxLenMask, maxLenField)
	t.reg.Write32(tdToken, token)

	t.reg.Write32(tdBuffer, uint32(bufPhys))
}

// setNext patches this TD's hardware link pointer to the next TD in its
// chain (depth-first, so the next TD executes before any sibling at the
// owning QH's horizontal link).
func (t *TdItem) setNext(phys uint64) {
	if phys == 0 {
		t.reg.Write32(tdLink, linkTerminate)
		return
	}
	t.reg.Write32(tdLink, uint32(phys)|linkDepthFirst)
}

// Status reads the raw control/status word.
func (t *TdItem) Status() uint32 { return t.reg.Read32(tdStatus) }

// Active reports whether hardware still owns this descriptor.
func (t *TdItem) Active() bool { return bits.Test(t.Status(), 23) }

// ErrorStatus returns the error-classification bits, if any.
func (t *TdItem) ErrorStatus() uint32 { return t.Status() & statusErrorMask }

// ActualLength returns the number of bytes hardware actually
// transferred, decoding the "length minus one, 0x7ff means zero" field
// encoding UHCI shares with the token's max-length field.
func (t *TdItem) ActualLength() int {
	v := int(bits.Get(t.Status(), statusActLenPos, statusActLenMask))
	if v == statusActLenMask {
		return 0
	}
	return v + 1
}

// splitForTransfer computes the per-packet TD lengths for a transfer of
// total length L against max-packet M: one TD per packet, the last one
// short if L isn't a multiple of M.
func splitForTransfer(length int, maxPacket int) []int {
	if length == 0 {
		return []int{0}
	}
	if maxPacket <= 0 {
		maxPacket = length
	}

	var sizes []int
	remaining := length
	for remaining > 0 {
		chunk := remaining
		if chunk > maxPacket {
			chunk = maxPacket
		}
		sizes = append(sizes, chunk)
		remaining -= chunk
	}
	return sizes
}
