package main

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const devMemPageSize = 4096

// mapPhysical maps size bytes of physical memory starting at phys into
// this process' address space via /dev/mem, the same mechanism
// devmem2(1) and most userspace UIO drivers use. phys and size must
// already be page-aligned. It returns the mapping's virtual base; the
// returned func unmaps it.
func mapPhysical(phys uint64, size int) (uintptr, func() error, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR, 0)
	if err != nil {
		return 0, nil, errors.Wrap(err, "usbhostd: open /dev/mem")
	}
	defer f.Close()

	b, err := unix.Mmap(int(f.Fd()), int64(phys), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, nil, errors.Wrap(err, "usbhostd: mmap BAR")
	}

	virt := uintptr(unsafe.Pointer(&b[0]))
	unmap := func() error { return unix.Munmap(b) }

	return virt, unmap, nil
}

// devMemAllocator implements usb.MemoryManager (dma.PhysicalAllocator)
// over a single physically-contiguous arena reserved ahead of time
// (typically via a `memmap=` kernel boot parameter so the kernel's own
// page allocator never touches it) and mapped once at startup through
// /dev/mem. It never returns pages to the arena on ReleasePhysical: the
// descriptor pools and DMA regions it backs only grow, they never shrink
// a page back out, so a bump allocator is sufficient here — the real
// duskernel memory manager this stands in for would do better.
type devMemAllocator struct {
	mu       sync.Mutex
	physBase uint64
	virtBase uintptr
	size     int
	nextPage int
}

// newDevMemAllocator reserves and maps the [physBase, physBase+size)
// window for use as a DMA arena. size must be a multiple of
// devMemPageSize.
func newDevMemAllocator(physBase uint64, size int) (*devMemAllocator, func() error, error) {
	virt, unmap, err := mapPhysical(physBase, size)
	if err != nil {
		return nil, nil, err
	}

	return &devMemAllocator{physBase: physBase, virtBase: virt, size: size}, unmap, nil
}

// AllocPhysical implements dma.PhysicalAllocator. duskernel's real memory
// manager would unmap/remap per page; since /dev/mem keeps the whole
// arena mapped for this process' lifetime, AllocPhysical here only needs
// to hand out the next unused page.
func (a *devMemAllocator) AllocPhysical(size int) (uint64, uintptr, error) {
	if size != devMemPageSize {
		return 0, 0, errors.Errorf("usbhostd: devMemAllocator only serves %d-byte pages, got %d", devMemPageSize, size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	offset := a.nextPage * devMemPageSize
	if offset+devMemPageSize > a.size {
		return 0, 0, errors.New("usbhostd: DMA arena exhausted, pass a larger -dma-size")
	}
	a.nextPage++

	return a.physBase + uint64(offset), a.virtBase + uintptr(offset), nil
}

// ReleasePhysical is a no-op; see the devMemAllocator doc comment.
func (a *devMemAllocator) ReleasePhysical(phys uint64) {}
