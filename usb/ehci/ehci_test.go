package ehci

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/duskernel/usbhost/internal/reg"
)

// fakePhysical reproduces internal/dma/dma_test.go's fake memory manager:
// a real Go byte slice backing store, handed out as consecutive slices,
// so reg.Region's atomic loads/stores operate on genuinely dereferenceable
// memory instead of synthetic integers.
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

func newFakeBAR(numPorts int) (uintptr, []byte) {
	buf := make([]byte, 4096)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	r := reg.Region{Addr: addr}
	r.Write32(capLength, 0x10)       // CAPLENGTH byte 0: operational regs start at +0x10
	r.Write32(capHCSP, uint32(numPorts)) // HCSPARAMS low nibble: N_PORTS

	return addr, buf
}

func TestNewRegistersParsesCapabilities(t *testing.T) {
	bar, _ := newFakeBAR(3)

	regs := newRegisters(bar)

	require.Equal(t, 3, regs.numPorts)
	require.Equal(t, uint32(opPORTSC), regs.portOffset(0))
	require.Equal(t, uint32(opPORTSC+4), regs.portOffset(1))
}

func newTestPools() *pools {
	alloc := newFakePhysical(256 * 1024)
	return newPools(alloc)
}

func TestAsyncRingStartsAsRingOfOne(t *testing.T) {
	bar, _ := newFakeBAR(1)
	regs := newRegisters(bar)
	p := newTestPools()

	async, err := newAsyncSchedule(regs, p)
	require.NoError(t, err)

	n, err := async.ringLength()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAsyncLinkAndUnlinkPreserveRingInvariant(t *testing.T) {
	bar, _ := newFakeBAR(1)
	regs := newRegisters(bar)
	p := newTestPools()

	// Pretend the schedule is already running and the doorbell already
	// answered, so link/unlink skip their hardware-handshake waits
	// instead of blocking on a fake that never flips status bits back.
	regs.op.Set(opUSBSTS, stsAsyncSched)
	regs.op.Set(opUSBSTS, stsAsyncAdvance)

	async, err := newAsyncSchedule(regs, p)
	require.NoError(t, err)

	qh1, err := p.allocQueueHead()
	require.NoError(t, err)
	qh2, err := p.allocQueueHead()
	require.NoError(t, err)

	require.NoError(t, async.link(qh1))
	require.NoError(t, async.link(qh2))

	n, err := async.ringLength()
	require.NoError(t, err)
	require.Equal(t, 3, n) // reclaim + qh2 + qh1 (link prepends after reclaim)

	require.NoError(t, async.unlink(qh1))

	n, err = async.ringLength()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, async.unlink(qh2))

	n, err = async.ringLength()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPeriodicLinkInstallsEveryNthSlot(t *testing.T) {
	bar, _ := newFakeBAR(1)
	regs := newRegisters(bar)
	alloc := newFakePhysical(256 * 1024)

	perio, err := newPeriodicSchedule(regs, alloc)
	require.NoError(t, err)

	p := newPools(alloc)
	qh, err := p.allocQueueHead()
	require.NoError(t, err)

	require.NoError(t, perio.link(qh, 256))

	for slot := 0; slot < periodicFrameListSlots; slot += 256 {
		entry := perio.list.Read32(uint32(slot * 4))
		require.Equal(t, uint32(qh.phys)|linkTypeQH, entry)
	}

	perio.unlink(qh, 256, p)

	for slot := 0; slot < periodicFrameListSlots; slot += 256 {
		entry := perio.list.Read32(uint32(slot * 4))
		require.Equal(t, uint32(linkTerminate), entry&0x1f)
	}
}

func TestFrameIntervalConversion(t *testing.T) {
	frames, split := frameInterval(1, true) // bInterval=1 -> 1 microframe
	require.Equal(t, 1, frames)
	require.True(t, split)

	frames, split = frameInterval(4, true) // 2^3 = 8 microframes -> 1 frame
	require.Equal(t, 1, frames)
	require.False(t, split)

	frames, split = frameInterval(5, true) // 16 microframes -> 2 frames
	require.Equal(t, 2, frames)
	require.False(t, split)

	frames, split = frameInterval(10, false) // full-speed: frames directly
	require.Equal(t, 10, frames)
	require.False(t, split)
}

func TestSplitForTransferHonorsQtdCapAndPacketBoundary(t *testing.T) {
	sizes := splitForTransfer(0, 64)
	require.Equal(t, []int{0}, sizes)

	sizes = splitForTransfer(100, 64)
	require.Equal(t, []int{100}, sizes)

	sizes = splitForTransfer(maxQtdBufferBytes+1, 512)
	require.Len(t, sizes, 2)
	require.Equal(t, 0, sizes[0]%512)
	total := 0
	for _, s := range sizes {
		total += s
	}
	require.Equal(t, maxQtdBufferBytes+1, total)
}

func TestQtdInitAndCompletionFields(t *testing.T) {
	alloc := newFakePhysical(64 * 1024)
	p := newPools(alloc)

	q, err := p.allocQtd()
	require.NoError(t, err)

	q.init(qtdPIDIn, 0x1000, 512, 1, true)

	require.True(t, q.Active())
	require.Equal(t, uint32(0), q.ErrorStatus())

	// Simulate hardware completing the transfer short by 64 bytes.
	token := q.Token()
	token &^= 1 << 7 // clear ACTIVE
	token = (token &^ (0x7fff << 16)) | (64 << 16)
	q.reg.Write32(qtdToken, token)

	require.False(t, q.Active())
	require.Equal(t, 64, q.BytesRemaining())
}

func TestQueueHeadConfigureEndpointProgramsDeviceAddress(t *testing.T) {
	alloc := newFakePhysical(64 * 1024)
	p := newPools(alloc)

	qh, err := p.allocQueueHead()
	require.NoError(t, err)

	qh.configureEndpoint(&epDeviceInfo{address: 5, endpoint: 1, speedCode: epSpeedHigh}, 512, false)

	got := qh.reg.Get(qhEPChar, epCharDeviceAddrPos, epCharDeviceAddrMask)
	require.Equal(t, uint32(5), got)

	gotEP := qh.reg.Get(qhEPChar, epCharEndpointPos, epCharEndpointMask)
	require.Equal(t, uint32(1), gotEP)
}
