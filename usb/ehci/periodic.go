package ehci

import (
	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/internal/reg"
	"github.com/duskernel/usbhost/usb"
)

// periodicFrameListSlots is the fixed 1024-entry frame list size (spec
// §3, §4.5).
const periodicFrameListSlots = 1024

const periodicFrameListBytes = periodicFrameListSlots * 4

// periodicSchedule owns the 1024-slot frame list that carries interrupt
// transfers (spec §4.5, "Periodic schedule").
type periodicSchedule struct {
	regs *registers
	list reg.Region
	phys uint64
}

func newPeriodicSchedule(regs *registers, mm usb.MemoryManager) (*periodicSchedule, error) {
	phys, virt, err := mm.AllocPhysical(periodicFrameListBytes)
	if err != nil {
		return nil, errors.Wrap(usb.ErrNoMemory, "ehci: allocate periodic frame list")
	}

	list := reg.Region{Addr: virt}
	for slot := 0; slot < periodicFrameListSlots; slot++ {
		list.Write32(uint32(slot*4), linkTerminate)
	}

	regs.op.Write32(opPERIODICLISTBASE, uint32(phys))

	return &periodicSchedule{regs: regs, list: list, phys: phys}, nil
}

// frameInterval converts a USB-spec interval (frames for full/low-speed
// interrupt endpoints, 2^(bInterval-1) microframes for high-speed) to a
// frame-list step, per spec §4.5: "≥8 microframes ↦ one frame, else
// within a single frame with a split-completion mask."
func frameInterval(bInterval int, highSpeed bool) (frames int, withinFrameSplit bool) {
	if bInterval < 1 {
		bInterval = 1
	}

	if !highSpeed {
		return bInterval, false
	}

	microframes := 1 << uint(bInterval-1)
	if microframes >= 8 {
		return microframes / 8, false
	}

	return 1, true
}

// link installs qh into every slot at the given frame interval,
// chaining behind whatever QH (if any) already occupies a slot (spec
// §4.5: "Multiple interrupt QHs at a slot form a chain via horizontal
// links").
func (p *periodicSchedule) link(qh *QueueHeadItem, frames int) error {
	if frames < 1 {
		return errors.Wrap(usb.ErrInvalidParameter, "ehci: periodic interval must be >= 1 frame")
	}

	for slot := 0; slot < periodicFrameListSlots; slot += frames {
		existing := p.list.Read32(uint32(slot * 4))

		qh.setHorizLink(uint64(existing &^ 0x1f))
		if existing&linkTerminate != 0 {
			qh.reg.Write32(qhHorizLink, linkTerminate)
		}

		p.list.Write32(uint32(slot*4), uint32(qh.phys)|linkTypeQH)
	}

	return nil
}

// unlink removes qh from every slot it was linked into, patching each
// slot (or its predecessor in a multi-QH chain) to skip it.
func (p *periodicSchedule) unlink(qh *QueueHeadItem, frames int, pools *pools) {
	for slot := 0; slot < periodicFrameListSlots; slot += frames {
		entry := p.list.Read32(uint32(slot * 4))
		entryPhys := uint64(entry &^ 0x1f)

		if entry&linkTerminate != 0 {
			continue
		}

		if entryPhys == qh.phys {
			p.list.Write32(uint32(slot*4), qh.horizLink())
			continue
		}

		cur := entryPhys
		for {
			item, ok := pools.queueHeadAt(cur)
			if !ok {
				break
			}
			next := uint64(item.horizLink() &^ 0x1f)
			if next == qh.phys {
				item.reg.Write32(qhHorizLink, qh.horizLink())
				break
			}
			if item.horizLink()&linkTerminate != 0 {
				break
			}
			cur = next
		}
	}
}
