package uhci

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// fakePhysical mirrors internal/dma/dma_test.go's real-memory-backed
// allocator fake, reused here (see usb/ehci/ehci_test.go) for the
// schedule's frame list and QH/TD pools.
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
	virt := uintptr(unsafe.Pointer(&f.backing[phys : phys+uint64(size)][0]))
	return phys, virt, nil
}

func (f *fakePhysical) ReleasePhysical(phys uint64) {}

// fakePortIO is an in-memory stand-in for ioport.PortIO, backing the
// handful of 16/32-bit registers the schedule and reset path touch.
type fakePortIO struct {
	words map[uint16]uint32
}

func newFakePortIO() *fakePortIO { return &fakePortIO{words: make(map[uint16]uint32)} }

func (f *fakePortIO) In8(port uint16) uint8        { return uint8(f.words[port]) }
func (f *fakePortIO) Out8(port uint16, val uint8)  { f.words[port] = uint32(val) }
func (f *fakePortIO) In16(port uint16) uint16      { return uint16(f.words[port]) }
func (f *fakePortIO) Out16(port uint16, val uint16) { f.words[port] = uint32(val) }
func (f *fakePortIO) In32(port uint16) uint32      { return f.words[port] }
func (f *fakePortIO) Out32(port uint16, val uint32) { f.words[port] = val }

func newTestSchedule(t *testing.T) (*schedule, *pools) {
	io := newFakePortIO()
	regs := &registers{io: io, base: 0xc000}
	alloc := newFakePhysical(1 << 20)
	p := newPools(alloc)

	s, err := newSchedule(regs, alloc, p)
	require.NoError(t, err)
	return s, p
}

func TestScheduleChainsControlBulkAndTerminatingQH(t *testing.T) {
	s, _ := newTestSchedule(t)

	require.Equal(t, s.termQH.phys, uint64(s.bulkQH.link()&^0x1f))
	require.Equal(t, s.bulkQH.phys, uint64(s.controlQH.link()&^0x1f))

	last := s.controlQH
	for _, interval := range intervalLevels {
		qh := s.intervalQH[interval]
		require.Equal(t, last.phys, uint64(qh.link()&^0x1f))
		last = qh
	}
}

func TestRootForSlotPicksLargestDividingInterval(t *testing.T) {
	s, _ := newTestSchedule(t)

	require.Equal(t, s.intervalQH[128], s.rootForSlot(0))
	require.Equal(t, s.intervalQH[128], s.rootForSlot(256))
	require.Equal(t, s.intervalQH[1], s.rootForSlot(1))
	require.Equal(t, s.intervalQH[1], s.rootForSlot(3))
	require.Equal(t, s.intervalQH[2], s.rootForSlot(2))
	require.Equal(t, s.intervalQH[4], s.rootForSlot(4))
}

func TestFrameListEntriesPointAtAssignedRoot(t *testing.T) {
	s, _ := newTestSchedule(t)

	for _, slot := range []int{0, 1, 2, 4, 8, 128, 255} {
		entry := s.frameList.Read32(uint32(slot * 4))
		expected := s.rootForSlot(slot)
		require.Equal(t, uint32(expected.phys)|linkQH, entry)
	}
}

func TestLinkAndUnlinkInterruptQH(t *testing.T) {
	s, p := newTestSchedule(t)

	root := s.intervalQH[32]
	originalLink := root.link()

	qh, err := p.allocQueueHead()
	require.NoError(t, err)

	s.linkInterrupt(qh, 32)
	require.Equal(t, qh.phys, uint64(root.link()&^0x1f))

	s.unlinkInterrupt(qh, 32)
	require.Equal(t, originalLink, root.link())
}

func TestTdInitAndCompletionFields(t *testing.T) {
	alloc := newFakePhysical(64 * 1024)
	p := newPools(alloc)

	td, err := p.allocTd()
	require.NoError(t, err)

	td.init(pidIn, 5, 1, 0, false, 0x2000, 64, true)

	require.True(t, td.Active())
	require.Equal(t, uint32(0), td.ErrorStatus())

	status := td.Status()
	status &^= 1 << 23 // clear Active
	status = (status &^ (0x7ff << 0)) | (31 << 0)
	td.reg.Write32(tdStatus, status)

	require.False(t, td.Active())
	require.Equal(t, 32, td.ActualLength())
}

func TestSplitForTransferOnePacketPerTD(t *testing.T) {
	sizes := splitForTransfer(0, 8)
	require.Equal(t, []int{0}, sizes)

	sizes = splitForTransfer(64, 64)
	require.Equal(t, []int{64}, sizes)

	sizes = splitForTransfer(65, 64)
	require.Equal(t, []int{64, 1}, sizes)
}
