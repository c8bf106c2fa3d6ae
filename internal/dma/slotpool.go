package dma

import (
	"sync"
	"unsafe"
)

// SlotPool hands out fixed-size, fixed-alignment hardware descriptor slots
// (such as EHCI's 64-byte queue-head slots and 32-byte qTDs) out of
// pages obtained one at a time from a PhysicalAllocator. Each slot's
// physical address is computed once, at slice time, and never changes for
// the slot's lifetime — satisfying the "hardware address is identity"
// design note.
type SlotPool struct {
	mu sync.Mutex

	alloc    PhysicalAllocator
	itemSize int
	pageSize int

	freeList []uint64          // physical addresses, LIFO
	virtOf   map[uint64]uintptr // physical -> virtual, for every slot ever sliced
	inUse    map[uint64]bool
}

// NewSlotPool creates a pool of itemSize-byte slots, refilled one pageSize
// page at a time. itemSize must evenly divide pageSize.
func NewSlotPool(alloc PhysicalAllocator, itemSize int, pageSize int) *SlotPool {
	return &SlotPool{
		alloc:    alloc,
		itemSize: itemSize,
		pageSize: pageSize,
		virtOf:   make(map[uint64]uintptr),
		inUse:    make(map[uint64]bool),
	}
}

func (p *SlotPool) refill() error {
	phys, virt, err := p.alloc.AllocPhysical(p.pageSize)
	if err != nil {
		return err
	}

	n := p.pageSize / p.itemSize

	for i := 0; i < n; i++ {
		slotPhys := phys + uint64(i*p.itemSize)
		slotVirt := virt + uintptr(i*p.itemSize)

		// zero the slot before it ever reaches a free list
		buf := unsafe.Slice((*byte)(unsafe.Pointer(slotVirt)), p.itemSize)
		for j := range buf {
			buf[j] = 0
		}

		p.virtOf[slotPhys] = slotVirt
		p.freeList = append(p.freeList, slotPhys)
	}

	return nil
}

// Alloc takes one slot from the free list, refilling from the backing
// allocator if necessary, and returns its physical and virtual address.
// The slot's memory is guaranteed zeroed.
func (p *SlotPool) Alloc() (phys uint64, virt uintptr, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeList) == 0 {
		if err := p.refill(); err != nil {
			return 0, 0, err
		}
	}

	phys = p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]
	p.inUse[phys] = true

	return phys, p.virtOf[phys], nil
}

// Free returns a slot to the free list. It is the caller's responsibility
// to ensure hardware no longer references the slot (i.e. it is not
// ACTIVE and is unlinked from any schedule) before calling Free.
func (p *SlotPool) Free(phys uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[phys] {
		return
	}

	delete(p.inUse, phys)
	p.freeList = append(p.freeList, phys)
}

// VirtOf resolves a slot's virtual address from its physical address, for
// hardware-side pointers (e.g. a qTD's "next" field) encountered while
// walking a chain.
func (p *SlotPool) VirtOf(phys uint64) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.virtOf[phys]
	return v, ok
}

// Stats reports total slots ever sliced, and how many are currently free,
// for the pool round-trip invariant in spec §8.
func (p *SlotPool) Stats() (total int, free int, used int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.virtOf), len(p.freeList), len(p.inUse)
}
