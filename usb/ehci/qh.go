package ehci

import (
	"github.com/duskernel/usbhost/internal/bits"
	"github.com/duskernel/usbhost/internal/reg"
)

// Queue Head hardware layout (spec §3, "QueueHead (EHCI)"). The static
// fields occupy the first 16 bytes; the remainder is the qTD "overlay"
// area hardware uses as scratch while executing the current transfer —
// same shape as a qTD's token+buffer-pointer fields, per the EHCI
// specification's definition of a queue head. The structure is 48 bytes;
// each pool slot is 64 bytes so that every queue head stays 32-byte
// aligned, as the &^0x1f link-pointer masks assume.
const (
	qhSize = 64

	qhHorizLink  = 0x00
	qhEPChar     = 0x04
	qhEPCap      = 0x08
	qhCurrentQtd = 0x0c

	qhOverlayNextQtd    = 0x10
	qhOverlayAltNextQtd = 0x14
	qhOverlayToken      = 0x18
	qhOverlayBuffer0    = 0x1c
)

// Horizontal/vertical link "T" (terminate) bit, shared by QH and qTD
// next-pointer fields.
const linkTerminate = 1 << 0

// Link-pointer type field (bits 2:1), used by the asynchronous and
// periodic schedules to tell the hardware what kind of item follows.
const (
	linkTypeITD  = 0 << 1
	linkTypeQH   = 1 << 1
	linkTypeSITD = 2 << 1
	linkTypeFSTN = 3 << 1
)

// Endpoint characteristics word (qhEPChar) field positions.
const (
	epCharDeviceAddrPos = 0
	epCharDeviceAddrMask = 0x7f
	epCharInactiveOnNext = 7
	epCharEndpointPos  = 8
	epCharEndpointMask = 0xf
	epCharSpeedPos     = 12
	epCharSpeedMask    = 0x3
	epCharDTC          = 14 // data-toggle control: 1 = toggle from qTD
	epCharHReclaim     = 15 // head-of-reclamation
	epCharMaxPacketPos  = 16
	epCharMaxPacketMask = 0x7ff
	epCharControlEP    = 27 // control-endpoint bit, non-high-speed EP0 only
	epCharNakReloadPos  = 28
	epCharNakReloadMask = 0xf
)

// Endpoint speed codes (epCharSpeedPos field).
const (
	epSpeedFull = 0
	epSpeedLow  = 1
	epSpeedHigh = 2
)

// Endpoint capabilities word (qhEPCap) field positions.
const (
	epCapInterruptMaskPos  = 0
	epCapInterruptMaskMask = 0xff
	epCapSplitMaskPos      = 8
	epCapSplitMaskMask     = 0xff
	epCapHubAddrPos        = 16
	epCapHubAddrMask       = 0x7f
	epCapPortNumberPos     = 23
	epCapPortNumberMask    = 0x7f
	epCapMultPos           = 30
	epCapMultMask          = 0x3
)

// QueueHeadItem is the software wrapper around a hardware QH slot (spec
// §3): the pool hands out the physical/virtual pair, this struct records
// everything the driver needs to route and reclaim it.
type QueueHeadItem struct {
	phys uint64
	reg  reg.Region

	Device   uint8
	Endpoint uint8

	headQtd uint64 // physical address of the first qTD in the current chain
	tailQtd uint64 // physical address of the last qTD in the current chain
}

// Phys returns the queue head's physical address — its identity on the
// hardware ring/tree.
func (q *QueueHeadItem) Phys() uint64 { return q.phys }

func newQueueHeadItem(phys uint64, virt uintptr) *QueueHeadItem {
	return &QueueHeadItem{phys: phys, reg: reg.Region{Addr: virt}}
}

// initStatic clears/terminates every pointer field and zeroes the
// overlay, matching what allocQueueHead does before programming
// endpoint-specific state (spec §4.5, "Queue head acquisition").
func (q *QueueHeadItem) initStatic() {
	q.reg.Write32(qhHorizLink, linkTerminate)
	q.reg.Write32(qhEPChar, 0)
	q.reg.Write32(qhEPCap, 0)
	q.reg.Write32(qhCurrentQtd, 0)
	q.reg.Write32(qhOverlayNextQtd, linkTerminate)
	q.reg.Write32(qhOverlayAltNextQtd, linkTerminate)
	q.reg.Write32(qhOverlayToken, 0)
	for i := 0; i < 5; i++ {
		q.reg.Write32(qhOverlayBuffer0+uint32(i*4), 0)
	}
}

// configureEndpoint programs the endpoint-state fields of a QH for a
// control, bulk or interrupt endpoint (spec §4.5, "Queue head
// acquisition").
func (q *QueueHeadItem) configureEndpoint(dev *epDeviceInfo, maxPacket int, isControlEP0 bool) {
	q.Device = dev.address
	q.Endpoint = dev.endpoint

	var epChar uint32
	bits.SetN(&epChar, epCharDeviceAddrPos, epCharDeviceAddrMask, uint32(dev.address))
	bits.SetN(&epChar, epCharEndpointPos, epCharEndpointMask, uint32(dev.endpoint))
	bits.SetN(&epChar, epCharSpeedPos, epCharSpeedMask, uint32(dev.speedCode))
	bits.Set(&epChar, epCharDTC)
	bits.SetN(&epChar, epCharMaxPacketPos, epCharMaxPacketMask, uint32(maxPacket))
	bits.SetN(&epChar, epCharNakReloadPos, epCharNakReloadMask, 15)
	if isControlEP0 && dev.speedCode != epSpeedHigh {
		bits.Set(&epChar, epCharControlEP)
	}
	q.reg.Write32(qhEPChar, epChar)

	var epCap uint32
	bits.SetN(&epCap, epCapMultPos, epCapMultMask, 1)
	if dev.speedCode != epSpeedHigh {
		// Full/low-speed devices route through the nearest high-speed
		// hub; marked "not fully supported" per spec §9 open questions.
		bits.SetN(&epCap, epCapHubAddrPos, epCapHubAddrMask, uint32(dev.hubAddr))
		bits.SetN(&epCap, epCapPortNumberPos, epCapPortNumberMask, uint32(dev.hubPort))
	}
	q.reg.Write32(qhEPCap, epCap)
}

// setHReclaim sets or clears the head-of-reclamation bit, which marks
// the single special QH that anchors the asynchronous ring.
func (q *QueueHeadItem) setHReclaim(on bool) {
	if on {
		q.reg.Set(qhEPChar, epCharHReclaim)
	} else {
		q.reg.Clear(qhEPChar, epCharHReclaim)
	}
}

// horizLink reads the raw horizontal link word (pointer + type + T bit).
func (q *QueueHeadItem) horizLink() uint32 { return q.reg.Read32(qhHorizLink) }

// setHorizLink points this QH's horizontal link at next (a QH physical
// address), setting the QH link type.
func (q *QueueHeadItem) setHorizLink(next uint64) {
	q.reg.Write32(qhHorizLink, uint32(next)|linkTypeQH)
}

// epDeviceInfo is the minimal endpoint-addressing context
// configureEndpoint needs; it intentionally does not import package usb
// so this file stays testable without the device model.
type epDeviceInfo struct {
	address   uint8
	endpoint  uint8
	speedCode int
	hubAddr   uint8
	hubPort   uint8
}
