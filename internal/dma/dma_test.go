package dma

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func uintptrOfSlice(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// fakePhysical simulates the out-of-scope memory manager for tests: it
// just hands out consecutive slices of a big byte array, treating slice
// index as both the "physical" and virtual address (safe in tests, since
// nothing here talks to real hardware).
type fakePhysical struct {
	backing []byte
	next    uint64
}

func newFakePhysical(size int) *fakePhysical {
	return &fakePhysical{backing: make([]byte, size)}
}

func (f *fakePhysical) AllocPhysical(size int) (uint64, uintptr, error) {
	phys := f.next
	f.next += uint64(size)
	virt := uintptrOfSlice(f.backing[phys : phys+uint64(size)])
	return phys, virt, nil
}

func (f *fakePhysical) ReleasePhysical(phys uint64) {}

func TestRegionAllocFree(t *testing.T) {
	alloc := newFakePhysical(64 * 1024)
	r := NewRegion(alloc, 4096)

	phys, virt, err := r.Alloc(256)
	require.NoError(t, err)
	require.NotZero(t, virt)

	used, free := r.Stats()
	require.Equal(t, 1, used)
	require.GreaterOrEqual(t, free, 1)

	r.Free(phys)

	used, _ = r.Stats()
	require.Equal(t, 0, used)
}

func TestSlotPoolRoundTrip(t *testing.T) {
	alloc := newFakePhysical(64 * 1024)
	p := NewSlotPool(alloc, 32, 4096)

	total0, free0, used0 := p.Stats()
	require.Equal(t, 0, total0)
	require.Equal(t, 0, free0)
	require.Equal(t, 0, used0)

	phys, _, err := p.Alloc()
	require.NoError(t, err)

	_, _, used1 := p.Stats()
	require.Equal(t, 1, used1)

	p.Free(phys)

	total2, free2, used2 := p.Stats()
	require.Equal(t, 4096/32, total2)
	require.Equal(t, total2, free2)
	require.Equal(t, 0, used2)
}

func TestSlotPoolRefillsOnePageAtATime(t *testing.T) {
	alloc := newFakePhysical(64 * 1024)
	p := NewSlotPool(alloc, 32, 4096)

	n := 4096 / 32

	var phys []uint64
	for i := 0; i < n+1; i++ {
		ph, _, err := p.Alloc()
		require.NoError(t, err)
		phys = append(phys, ph)
	}

	total, _, used := p.Stats()
	require.Equal(t, 2*n, total)
	require.Equal(t, n+1, used)

	for _, ph := range phys {
		p.Free(ph)
	}

	_, free, used := p.Stats()
	require.Equal(t, 0, used)
	require.Equal(t, 2*n, free)
}
