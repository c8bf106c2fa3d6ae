package uhci

import (
	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/internal/reg"
	"github.com/duskernel/usbhost/usb"
)

// frameListSlots is the fixed 1024-entry frame list size, same count as
// usb/ehci's periodic schedule even though UHCI's list entries are
// simpler (no ITD/SITD/FSTN type field, just a QH/TD select bit).
const frameListSlots = 1024
const frameListBytes = frameListSlots * 4

// intervalLevels are the distinct interrupt-QH intervals maintained by
// the schedule tree, longest to shortest (spec §4.6: "four-level
// interrupt-QH tree, intervals 128/64/…/1" — implemented as one root QH
// per power-of-two interval down to 1 ms, each frame-list slot pointing
// at the root whose interval is the largest one dividing that slot
// number, the standard UHCI scheduling discipline).
var intervalLevels = []int{128, 64, 32, 16, 8, 4, 2, 1}

// schedule owns the frame list, the per-interval interrupt QH roots, and
// the control/bulk/terminating QH chain appended after them (spec §4.6).
type schedule struct {
	regs *registers

	frameList reg.Region
	framePhys uint64

	pools *pools

	intervalQH map[int]*QhItem
	controlQH  *QhItem
	bulkQH     *QhItem
	termQH     *QhItem
}

func newSchedule(regs *registers, mm usb.MemoryManager, pools *pools) (*schedule, error) {
	phys, virt, err := mm.AllocPhysical(frameListBytes)
	if err != nil {
		return nil, errors.Wrap(usb.ErrNoMemory, "uhci: allocate frame list")
	}

	s := &schedule{
		regs:       regs,
		frameList:  reg.Region{Addr: virt},
		framePhys:  phys,
		pools:      pools,
		intervalQH: make(map[int]*QhItem),
	}

	term, err := pools.allocQueueHead()
	if err != nil {
		return nil, errors.Wrap(err, "uhci: allocate terminating queue head")
	}
	s.termQH = term

	bulk, err := pools.allocQueueHead()
	if err != nil {
		return nil, errors.Wrap(err, "uhci: allocate bulk queue head")
	}
	bulk.setLink(term.phys)
	s.bulkQH = bulk

	control, err := pools.allocQueueHead()
	if err != nil {
		return nil, errors.Wrap(err, "uhci: allocate control queue head")
	}
	control.setLink(bulk.phys)
	s.controlQH = control

	prev := control
	for _, interval := range intervalLevels {
		qh, err := pools.allocQueueHead()
		if err != nil {
			return nil, errors.Wrapf(err, "uhci: allocate interval-%d queue head", interval)
		}
		qh.setLink(prev.phys)
		s.intervalQH[interval] = qh
		prev = qh
	}

	for slot := 0; slot < frameListSlots; slot++ {
		target := s.rootForSlot(slot)
		s.frameList.Write32(uint32(slot*4), uint32(target.phys)|linkQH)
	}

	regs.setFrameBase(uint32(phys))

	return s, nil
}

// rootForSlot picks the interrupt-tree root whose interval is the
// largest one in intervalLevels that evenly divides slot, giving shorter
// intervals more frame-list slots than longer ones.
func (s *schedule) rootForSlot(slot int) *QhItem {
	for _, interval := range intervalLevels {
		if slot%interval == 0 {
			return s.intervalQH[interval]
		}
	}
	return s.intervalQH[intervalLevels[len(intervalLevels)-1]]
}

// closestInterval maps a requested bInterval (in frames) down to the
// nearest tree level at or below it, per spec §4.6.
func closestInterval(interval int) int {
	for _, lvl := range intervalLevels {
		if interval >= lvl {
			return lvl
		}
	}
	return intervalLevels[len(intervalLevels)-1]
}

// linkInterrupt splices qh in right after the interrupt-tree root for
// the given bInterval, ahead of whatever already occupies that slot.
func (s *schedule) linkInterrupt(qh *QhItem, interval int) {
	root := s.intervalQH[closestInterval(interval)]
	next := root.link() &^ 0x1f
	qh.setLink(uint64(next))
	root.setLink(qh.phys)
}

// unlinkInterrupt removes qh from wherever it sits behind its
// interrupt-tree root.
func (s *schedule) unlinkInterrupt(qh *QhItem, interval int) {
	root := s.intervalQH[closestInterval(interval)]
	s.unlinkFrom(root, qh)
}

// unlinkFrom walks the horizontal-link chain starting at root, patching
// out qh wherever it's found.
func (s *schedule) unlinkFrom(root *QhItem, qh *QhItem) {
	if root.link()&^0x1f == qh.phys {
		root.setLink(uint64(qh.link() &^ 0x1f))
		return
	}

	cur := root.link() &^ 0x1f
	for cur != 0 {
		item, ok := s.pools.queueHeadAt(uint64(cur))
		if !ok {
			return
		}
		if item.link()&^0x1f == qh.phys {
			item.setLink(uint64(qh.link() &^ 0x1f))
			return
		}
		cur = item.link() &^ 0x1f
	}
}

// linkControlOrBulk splices qh in right after the control or bulk root
// (spec §4.6: control and bulk QHs precede the terminating QH).
func (s *schedule) linkControlOrBulk(qh *QhItem, bulk bool) {
	root := s.controlQH
	if bulk {
		root = s.bulkQH
	}

	next := root.link() &^ 0x1f
	qh.setLink(uint64(next))
	root.setLink(qh.phys)
}

func (s *schedule) unlinkControlOrBulk(qh *QhItem, bulk bool) {
	root := s.controlQH
	if bulk {
		root = s.bulkQH
	}
	s.unlinkFrom(root, qh)
}
