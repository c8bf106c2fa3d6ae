package ehci

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/internal/dma"
	"github.com/duskernel/usbhost/usb"
)

// pools owns the QH and qTD descriptor pools for one controller,
// refilled one page at a time from the out-of-scope memory manager
// (spec §4.5, "Memory pools").
type pools struct {
	qh  *dma.SlotPool
	qtd *dma.SlotPool

	mu       sync.Mutex
	qhItems  map[uint64]*QueueHeadItem
	qtdItems map[uint64]*QtdItem
}

const poolPageSize = 4096

func newPools(mm usb.MemoryManager) *pools {
	return &pools{
		qh:       dma.NewSlotPool(mm, qhSize, poolPageSize),
		qtd:      dma.NewSlotPool(mm, qtdSize, poolPageSize),
		qhItems:  make(map[uint64]*QueueHeadItem),
		qtdItems: make(map[uint64]*QtdItem),
	}
}

// allocQueueHead takes a QH from the free list and resets it to its
// inert state (spec §4.5, "Queue head acquisition").
func (p *pools) allocQueueHead() (*QueueHeadItem, error) {
	phys, virt, err := p.qh.Alloc()
	if err != nil {
		return nil, errors.Wrap(usb.ErrNoFreeQueue, err.Error())
	}

	item := newQueueHeadItem(phys, virt)
	item.initStatic()

	p.mu.Lock()
	p.qhItems[phys] = item
	p.mu.Unlock()

	return item, nil
}

// releaseQueueHead returns a QH to the free list. Callers must have
// already unlinked it from any schedule.
func (p *pools) releaseQueueHead(item *QueueHeadItem) {
	p.mu.Lock()
	delete(p.qhItems, item.phys)
	p.mu.Unlock()

	p.qh.Free(item.phys)
}

func (p *pools) queueHeadAt(phys uint64) (*QueueHeadItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.qhItems[phys]
	return item, ok
}

// allocQtd takes a qTD from the free list.
func (p *pools) allocQtd() (*QtdItem, error) {
	phys, virt, err := p.qtd.Alloc()
	if err != nil {
		return nil, errors.Wrap(usb.ErrNoFreeQueue, err.Error())
	}

	item := newQtdItem(phys, virt)

	p.mu.Lock()
	p.qtdItems[phys] = item
	p.mu.Unlock()

	return item, nil
}

// allocQtds allocates n qTDs at once, for the "allocQtds(n) →
// releaseQtds(n)" round-trip property (spec §8).
func (p *pools) allocQtds(n int) ([]*QtdItem, error) {
	items := make([]*QtdItem, 0, n)

	for i := 0; i < n; i++ {
		item, err := p.allocQtd()
		if err != nil {
			p.releaseQtds(items)
			return nil, err
		}
		items = append(items, item)
	}

	return items, nil
}

func (p *pools) releaseQtd(item *QtdItem) {
	p.mu.Lock()
	delete(p.qtdItems, item.phys)
	p.mu.Unlock()

	p.qtd.Free(item.phys)
}

func (p *pools) releaseQtds(items []*QtdItem) {
	for _, item := range items {
		p.releaseQtd(item)
	}
}

// stats reports QH and qTD pool occupancy, for diagnostics.
func (p *pools) stats() (qhTotal, qhFree, qhUsed, qtdTotal, qtdFree, qtdUsed int) {
	qhTotal, qhFree, qhUsed = p.qh.Stats()
	qtdTotal, qtdFree, qtdUsed = p.qtd.Stats()
	return
}
