package uhci

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/duskernel/usbhost/internal/dma"
	"github.com/duskernel/usbhost/usb"
)

// pools owns the QH and TD descriptor pools for one controller, mirroring
// usb/ehci's pools.go at UHCI's smaller descriptor sizes.
type pools struct {
	qh *dma.SlotPool
	td *dma.SlotPool

	mu      sync.Mutex
	qhItems map[uint64]*QhItem
	tdItems map[uint64]*TdItem
}

const poolPageSize = 4096

func newPools(mm usb.MemoryManager) *pools {
	return &pools{
		qh:      dma.NewSlotPool(mm, qhSize, poolPageSize),
		td:      dma.NewSlotPool(mm, tdSize, poolPageSize),
		qhItems: make(map[uint64]*QhItem),
		tdItems: make(map[uint64]*TdItem),
	}
}

func (p *pools) allocQueueHead() (*QhItem, error) {
	phys, virt, err := p.qh.Alloc()
	if err != nil {
		return nil, errors.Wrap(usb.ErrNoFreeQueue, err.Error())
	}

	item := newQhItem(phys, virt)
	item.initStatic()

	p.mu.Lock()
	p.qhItems[phys] = item
	p.mu.Unlock()

	return item, nil
}

func (p *pools) releaseQueueHead(item *QhItem) {
	p.mu.Lock()
	delete(p.qhItems, item.phys)
	p.mu.Unlock()

	p.qh.Free(item.phys)
}

func (p *pools) queueHeadAt(phys uint64) (*QhItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.qhItems[phys]
	return item, ok
}

func (p *pools) allocTd() (*TdItem, error) {
	phys, virt, err := p.td.Alloc()
	if err != nil {
		return nil, errors.Wrap(usb.ErrNoFreeQueue, err.Error())
	}

	item := newTdItem(phys, virt)

	p.mu.Lock()
	p.tdItems[phys] = item
	p.mu.Unlock()

	return item, nil
}

func (p *pools) allocTds(n int) ([]*TdItem, error) {
	items := make([]*TdItem, 0, n)
	for i := 0; i < n; i++ {
		item, err := p.allocTd()
		if err != nil {
			p.releaseTds(items)
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (p *pools) releaseTd(item *TdItem) {
	p.mu.Lock()
	delete(p.tdItems, item.phys)
	p.mu.Unlock()

	p.td.Free(item.phys)
}

func (p *pools) releaseTds(items []*TdItem) {
	for _, item := range items {
		p.releaseTd(item)
	}
}

func (p *pools) stats() (qhTotal, qhFree, qhUsed, tdTotal, tdFree, tdUsed int) {
	qhTotal, qhFree, qhUsed = p.qh.Stats()
	tdTotal, tdFree, tdUsed = p.td.Stats()
	return
}
