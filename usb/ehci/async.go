package ehci

import (
	"time"

	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/usb"
)

// asyncSchedule owns the reclaim-head ring that carries control and bulk
// transfers (spec §4.5, "Asynchronous schedule").
type asyncSchedule struct {
	regs  *registers
	pools *pools

	reclaim *QueueHeadItem
	members []*QueueHeadItem // ring order, reclaim head excluded
}

func newAsyncSchedule(regs *registers, pools *pools) (*asyncSchedule, error) {
	reclaim, err := pools.allocQueueHead()
	if err != nil {
		return nil, errors.Wrap(err, "ehci: allocate reclaim head")
	}

	reclaim.setHReclaim(true)
	reclaim.setHorizLink(reclaim.phys) // ring of one

	return &asyncSchedule{regs: regs, pools: pools, reclaim: reclaim}, nil
}

// link splices qh into the ring directly after the
// reclaim head (spec §4.5, "Asynchronous schedule").
func (a *asyncSchedule) link(qh *QueueHeadItem) error {
	next := uint64(a.reclaim.horizLink() &^ 0x1f) // strip T bit and link type

	qh.setHorizLink(next)
	a.reclaim.setHorizLink(qh.phys)
	a.members = append([]*QueueHeadItem{qh}, a.members...)

	wasOff := a.regs.op.Get(opUSBSTS, stsAsyncSched, 1) == 0
	if wasOff {
		a.regs.op.Write32(opASYNCLISTADDR, uint32(a.reclaim.phys))
		a.regs.op.Set(opUSBCMD, cmdAsyncEnable)

		if ok := a.regs.op.WaitFor(asyncEnableTimeout, opUSBSTS, stsAsyncSched, 1, 1); !ok {
			return errors.Wrap(usb.ErrTimeout, "ehci: asynchronous schedule did not start")
		}
	}

	return nil
}

// unlink removes qh from the ring (spec §4.5, "Removal from the async
// schedule"): patch the predecessor's horizLink, ring the async-advance
// doorbell, and wait for hardware's acknowledgement that it no longer
// walks the removed QH before the caller may free it.
func (a *asyncSchedule) unlink(qh *QueueHeadItem) error {
	pred := a.reclaim
	for _, m := range a.members {
		if m.horizLink()&^0x1f == qh.phys {
			pred = m
		}
	}

	next := qh.horizLink() &^ 0x1f
	pred.setHorizLink(next)

	for i, m := range a.members {
		if m == qh {
			a.members = append(a.members[:i], a.members[i+1:]...)
			break
		}
	}

	a.regs.op.Set(opUSBCMD, cmdIntAsyncAdvanceDoorbell)

	if ok := a.regs.op.WaitFor(asyncAdvanceTimeout, opUSBSTS, stsAsyncAdvance, 1, 1); !ok {
		return errors.Wrap(usb.ErrTimeout, "ehci: async advance doorbell unanswered")
	}

	a.regs.op.Write32(opUSBSTS, 1<<stsAsyncAdvance) // write-1-to-clear ack

	return nil
}

// ringLength walks the async ring starting from the reclaim head and
// returns the number of steps taken to return to it, proving the ring
// invariant (spec §8: "following horizLink returns to it in a finite
// number of steps").
func (a *asyncSchedule) ringLength() (int, error) {
	cur := a.reclaim.phys
	steps := 0
	deadline := time.Now().Add(time.Second)

	for {
		var next uint64
		if cur == a.reclaim.phys && steps > 0 {
			return steps, nil
		}

		if cur == a.reclaim.phys {
			next = a.reclaim.horizLink() &^ 0x1f
		} else {
			item, ok := a.pools.queueHeadAt(cur)
			if !ok {
				return 0, errors.New("ehci: async ring: dangling link")
			}
			next = item.horizLink() &^ 0x1f
		}

		cur = next
		steps++

		if time.Now().After(deadline) {
			return 0, errors.New("ehci: async ring: did not close")
		}
	}
}
