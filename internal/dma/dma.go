// Package dma provides a first-fit physical memory allocator for DMA
// buffers and fixed-size hardware descriptor pools, adapted from the
// bump/first-fit design used by bare-metal Go runtimes for the same
// purpose: avoid ever handing a Go-managed pointer to a device, and track
// every outstanding allocation's physical address so it can be handed to
// hardware while software keeps the matching virtual mapping.
package dma

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"
)

// PhysicalAllocator is the out-of-scope memory manager interface this
// package is built against (spec §1: "Memory manager (consumed as:
// allocate physical, map to virtual with cache-disable, release)").
// usb.MemoryManager is a type alias of this interface so callers outside
// this package need not import it directly.
type PhysicalAllocator interface {
	// AllocPhysical reserves a physically-contiguous, page-aligned region
	// of the given size and maps it into the caller's address space with
	// caching disabled, returning both its physical address (the address
	// hardware must be programmed with) and virtual address (the address
	// software dereferences).
	AllocPhysical(size int) (phys uint64, virt uintptr, err error)
	// ReleasePhysical unmaps and frees a region previously returned by
	// AllocPhysical.
	ReleasePhysical(phys uint64)
}

var (
	// ErrExhausted is returned when a Region has no free block large
	// enough to satisfy a request and no further pages can be requested
	// from the backing PhysicalAllocator.
	ErrExhausted = errors.New("dma: region exhausted")
)

type block struct {
	phys uint64
	virt uintptr
	size int
}

// Region is a pool of physical memory obtained page-at-a-time from a
// PhysicalAllocator and handed out in arbitrarily sized chunks via a
// first-fit free list. Chunks are carved back to back with no alignment
// padding, and freed blocks are not merged with their neighbours.
type Region struct {
	mu sync.Mutex

	alloc    PhysicalAllocator
	pageSize int

	free map[uint64]*block // phys -> free block
	used map[uint64]*block // phys -> in-use block

	order *list.List // free blocks, in the order they were added, for first-fit scan
}

// NewRegion creates an empty Region backed by alloc. pageSize is the
// granularity in which fresh pages are requested from alloc (4096 for
// every architecture this subsystem targets).
func NewRegion(alloc PhysicalAllocator, pageSize int) *Region {
	return &Region{
		alloc:    alloc,
		pageSize: pageSize,
		free:     make(map[uint64]*block),
		used:     make(map[uint64]*block),
		order:    list.New(),
	}
}

// refill requests one additional page from the backing allocator and adds
// it to the free list.
func (r *Region) refill() error {
	phys, virt, err := r.alloc.AllocPhysical(r.pageSize)
	if err != nil {
		return errors.Wrap(err, "dma: refill")
	}

	b := &block{phys: phys, virt: virt, size: r.pageSize}
	r.free[phys] = b
	r.order.PushBack(b)

	return nil
}

// Alloc reserves size bytes, refilling from the backing allocator one
// page at a time until a large-enough free block is found. It returns the
// physical and virtual address of the allocation.
func (r *Region) Alloc(size int) (phys uint64, virt uintptr, err error) {
	if size <= 0 {
		return 0, 0, errors.New("dma: invalid size")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		for e := r.order.Front(); e != nil; e = e.Next() {
			b := e.Value.(*block)

			if b.size < size {
				continue
			}

			r.order.Remove(e)
			delete(r.free, b.phys)

			if b.size > size {
				rem := &block{phys: b.phys + uint64(size), virt: b.virt + uintptr(size), size: b.size - size}
				r.free[rem.phys] = rem
				r.order.PushBack(rem)
				b.size = size
			}

			r.used[b.phys] = b

			return b.phys, b.virt, nil
		}

		if size > r.pageSize {
			return 0, 0, errors.New("dma: allocation larger than one page not supported")
		}

		if err := r.refill(); err != nil {
			return 0, 0, errors.Wrap(ErrExhausted, err.Error())
		}
	}
}

// Free returns a previously allocated block to the free list.
func (r *Region) Free(phys uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.used[phys]
	if !ok {
		return
	}

	delete(r.used, phys)
	r.free[phys] = b
	r.order.PushBack(b)
}

// Stats reports the number of outstanding (used) and free blocks, for
// diagnostics and the pool round-trip tests in spec §8.
func (r *Region) Stats() (used int, free int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.used), len(r.free)
}
