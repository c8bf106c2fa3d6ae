package ehci

import (
	"github.com/duskernel/usbhost/internal/bits"
	"github.com/duskernel/usbhost/internal/reg"
)

// qTD hardware layout (spec §3, "qTD (EHCI)").
const (
	qtdSize = 32

	qtdNextQtd    = 0x00
	qtdAltNextQtd = 0x04
	qtdToken      = 0x08
	qtdBuffer0    = 0x0c
)

// Token word (qtdToken) field positions.
const (
	tokenStatusPos  = 0
	tokenStatusMask = 0xff
	tokenPIDPos     = 8
	tokenPIDMask    = 0x3
	tokenErrCountPos  = 10
	tokenErrCountMask = 0x3
	tokenCurrentPagePos  = 12
	tokenCurrentPageMask = 0x7
	tokenIOC        = 15
	tokenLengthPos  = 16
	tokenLengthMask = 0x7fff
	tokenDataToggle = 31
)

// Token status bits (low byte of the token word).
const (
	statusPingState       = 1 << 0
	statusSplitXState     = 1 << 1
	statusMissedMicroframe = 1 << 2
	statusTransactionError = 1 << 3
	statusBabble          = 1 << 4
	statusDataBufferError = 1 << 5
	statusHalted          = 1 << 6
	statusActive          = 1 << 7

	statusErrorMask = statusMissedMicroframe | statusTransactionError | statusBabble | statusDataBufferError | statusHalted
)

// PID codes used in the token's PID field (distinct from the USB wire
// PIDs in package usb — these are the 2-bit qTD token values).
const (
	qtdPIDOut   = 0
	qtdPIDIn    = 1
	qtdPIDSetup = 2
)

// maxQtdBufferBytes is the largest transfer a single qTD can describe:
// 5 buffer pages of 4 KiB each (spec §4.5, "Transfer descriptor
// construction").
const (
	qtdPageSize        = 4096
	qtdPages           = 5
	maxQtdBufferBytes = qtdPages * qtdPageSize
)

// QtdItem is the software wrapper around a hardware qTD slot (spec §3).
type QtdItem struct {
	phys uint64
	reg  reg.Region

	next uint64 // software chain pointer, for traversal before linking
}

// Phys returns the qTD's physical address.
func (t *QtdItem) Phys() uint64 { return t.phys }

func newQtdItem(phys uint64, virt uintptr) *QtdItem {
	return &QtdItem{phys: phys, reg: reg.Region{Addr: virt}}
}

// init programs one qTD's token and buffer-page pointers (spec §4.5,
// "Transfer descriptor construction"). toggle is the data-toggle bit to
// program into the token; ioc requests interrupt-on-complete.
func (t *QtdItem) init(pid int, bufPhys uint64, length int, toggle int, ioc bool) {
	t.reg.Write32(qtdNextQtd, linkTerminate)
	t.reg.Write32(qtdAltNextQtd, linkTerminate)

	var token uint32
	bits.SetN(&token, tokenPIDPos, tokenPIDMask, uint32(pid))
	bits.SetN(&token, tokenErrCountPos, tokenErrCountMask, 3)
	bits.SetN(&token, tokenLengthPos, tokenLengthMask, uint32(length))
	if toggle != 0 {
		bits.Set(&token, tokenDataToggle)
	}
	if ioc {
		bits.Set(&token, tokenIOC)
	}
	bits.Set(&token, 7) // ACTIVE
	t.reg.Write32(qtdToken, token)

	for i := 0; i < qtdPages; i++ {
		if i == 0 {
			t.reg.Write32(qtdBuffer0, uint32(bufPhys))
		} else {
			pagePhys := (bufPhys &^ uint64(qtdPageSize-1)) + uint64(i*qtdPageSize)
			t.reg.Write32(qtdBuffer0+uint32(i*4), uint32(pagePhys))
		}
	}
}

// setNext patches this qTD's hardware next-pointer, used when chaining
// (spec §4.5, "Chaining into a queue head").
func (t *QtdItem) setNext(phys uint64) {
	if phys == 0 {
		t.reg.Write32(qtdNextQtd, linkTerminate)
		return
	}
	t.reg.Write32(qtdNextQtd, uint32(phys))
}

// Token reads the raw token word.
func (t *QtdItem) Token() uint32 { return t.reg.Read32(qtdToken) }

// Active reports whether the ACTIVE status bit is still set — hardware
// still owns this descriptor.
func (t *QtdItem) Active() bool {
	return bits.Test(t.Token(), 7)
}

// ErrorStatus returns the error-classification bits, if any, of the
// token's status byte.
func (t *QtdItem) ErrorStatus() uint32 {
	return t.Token() & statusErrorMask
}

// BytesRemaining returns the token's total-bytes-to-transfer field as
// currently observed — on completion this is the bytes hardware did NOT
// transfer, so (requested - BytesRemaining) is bytes actually moved.
func (t *QtdItem) BytesRemaining() int {
	return int(bits.Get(t.Token(), tokenLengthPos, tokenLengthMask))
}

// splitForTransfer computes how many data qTDs a transfer of length L
// with the given max-packet needs, and the length of each one, honoring
// the spec §8 invariant: each qTD spans at most maxQtdBufferBytes, and a
// split must land on a packet boundary unless it is the final qTD.
func splitForTransfer(length int, maxPacket int) []int {
	if length == 0 {
		return []int{0}
	}

	var sizes []int
	remaining := length

	for remaining > 0 {
		chunk := remaining
		if chunk > maxQtdBufferBytes {
			chunk = maxQtdBufferBytes
			if maxPacket > 0 {
				chunk -= chunk % maxPacket
				if chunk == 0 {
					chunk = maxQtdBufferBytes
				}
			}
		}

		sizes = append(sizes, chunk)
		remaining -= chunk
	}

	return sizes
}
