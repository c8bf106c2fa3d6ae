package uhci

import "github.com/duskernel/usbhost/internal/reg"

// QH hardware layout: two 32-bit words (spec §3's 32-byte EHCI QH has no
// UHCI equivalent — a UHCI queue head is just a horizontal link plus an
// element pointer into its TD chain). Each pool slot is 32 bytes so that
// every queue head is 32-byte aligned, as the &^0x1f link-pointer masks
// in schedule.go assume.
const (
	qhSize = 32

	qhLink    = 0x00
	qhElement = 0x04
)

// QhItem is the software wrapper around a hardware QH slot.
type QhItem struct {
	phys uint64
	reg  reg.Region

	Device   uint8
	Endpoint uint8

	headTd uint64
	tailTd uint64
}

// Phys returns the queue head's physical address.
func (q *QhItem) Phys() uint64 { return q.phys }

func newQhItem(phys uint64, virt uintptr) *QhItem {
	return &QhItem{phys: phys, reg: reg.Region{Addr: virt}}
}

// initStatic terminates both pointer fields, matching the teacher's
// allocQueueHead reset step in usb/ehci.
func (q *QhItem) initStatic() {
	q.reg.Write32(qhLink, linkTerminate)
	q.reg.Write32(qhElement, linkTerminate)
	q.headTd, q.tailTd = 0, 0
}

// link reads the raw horizontal link word.
func (q *QhItem) link() uint32 { return q.reg.Read32(qhLink) }

// setLink points this QH's horizontal link at another queue head.
func (q *QhItem) setLink(next uint64) {
	if next == 0 {
		q.reg.Write32(qhLink, linkTerminate)
		return
	}
	q.reg.Write32(qhLink, uint32(next)|linkQH)
}

// element reads the raw element link word.
func (q *QhItem) element() uint32 { return q.reg.Read32(qhElement) }

// setElement points this QH's element pointer at the head of its TD
// chain (or terminates it when the chain is empty).
func (q *QhItem) setElement(tdPhys uint64) {
	if tdPhys == 0 {
		q.reg.Write32(qhElement, linkTerminate)
		return
	}
	q.reg.Write32(qhElement, uint32(tdPhys))
}
