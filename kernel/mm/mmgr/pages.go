package mmgr

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vmobject"
	"vmcore/kernel/sync"
)

// pageAllocator hands out the pages that back VM objects. When the frame
// allocator runs dry it reclaims volatile memory and retries once. It also
// tracks the purgeable objects created with it so that volatile memory can
// be found even when no region maps it.
type pageAllocator struct {
	frames *pmm.BitmapAllocator
	mgr    *Manager

	// lock guards purgeables. No other lock is acquired while it is held.
	lock       sync.Spinlock
	purgeables []*vmobject.Purgeable
}

// AllocPage reserves a single page.
func (p *pageAllocator) AllocPage(zero bool) (*pmm.PhysicalPage, *kernel.Error) {
	page, err := p.frames.AllocPage(zero)
	if err != pmm.ErrOutOfMemory {
		return page, err
	}

	// The caller may hold the lock of the object that needs the page, so
	// only the contention-free purge is safe here.
	if purged, _ := p.mgr.tryPurge(PurgeUntil(1)); purged == 0 {
		return nil, err
	}

	kfmt.Printf("[mmgr] reclaimed volatile memory to satisfy a page allocation\n")
	return p.frames.AllocPage(zero)
}

// SharedZeroPage returns the page that backs unwritten memory.
func (p *pageAllocator) SharedZeroPage() *pmm.PhysicalPage {
	return p.frames.SharedZeroPage()
}

// TrackPurgeable registers a newly created purgeable object.
func (p *pageAllocator) TrackPurgeable(obj *vmobject.Purgeable) {
	p.lock.Acquire()
	p.purgeables = append(p.purgeables, obj)
	p.lock.Release()
}

// UntrackPurgeable unregisters a purgeable object whose last reference was
// dropped.
func (p *pageAllocator) UntrackPurgeable(obj *vmobject.Purgeable) {
	p.lock.Acquire()
	for i, other := range p.purgeables {
		if other == obj {
			p.purgeables = append(p.purgeables[:i], p.purgeables[i+1:]...)
			break
		}
	}
	p.lock.Release()
}

// trackedPurgeables returns a snapshot of the live purgeable objects in
// creation order.
func (p *pageAllocator) trackedPurgeables() []*vmobject.Purgeable {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.snapshotLocked()
}

// tryTrackedPurgeables behaves like trackedPurgeables but returns false if
// the list is being updated by another context.
func (p *pageAllocator) tryTrackedPurgeables() ([]*vmobject.Purgeable, bool) {
	if !p.lock.TryToAcquire() {
		return nil, false
	}
	defer p.lock.Release()
	return p.snapshotLocked(), true
}

func (p *pageAllocator) snapshotLocked() []*vmobject.Purgeable {
	snapshot := make([]*vmobject.Purgeable, len(p.purgeables))
	copy(snapshot, p.purgeables)
	return snapshot
}
