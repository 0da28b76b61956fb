package pmm

import (
	"sync/atomic"
	"vmcore/kernel"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

type pageFlag uint8

const (
	// pageFlagSharedZero marks the shared zero page.
	pageFlagSharedZero pageFlag = 1 << iota

	// pageFlagNoReturn marks pages whose frame must not be handed back to
	// the allocator when the last reference is dropped (e.g. device memory).
	pageFlagNoReturn
)

var (
	errRefCountUnderflow = &kernel.Error{Module: "pmm", Message: "physical page reference count underflow"}
	errZeroPageReleased  = &kernel.Error{Module: "pmm", Message: "attempted to release the shared zero page"}
)

// PhysicalPage is a reference-counted handle to a physical frame. The frame
// is returned to its allocator when the last reference is dropped.
type PhysicalPage struct {
	frame    mm.Frame
	refCount atomic.Int32
	flags    pageFlag
	alloc    *BitmapAllocator
}

// NewUnmanagedPage returns a page handle for a frame that is not owned by any
// allocator. Dropping the last reference to it never releases the frame.
func NewUnmanagedPage(frame mm.Frame) *PhysicalPage {
	page := &PhysicalPage{frame: frame, flags: pageFlagNoReturn}
	page.refCount.Store(1)
	return page
}

// Frame returns the frame backing this page.
func (p *PhysicalPage) Frame() mm.Frame { return p.frame }

// Address returns the physical address of the page.
func (p *PhysicalPage) Address() uintptr { return p.frame.Address() }

// IsSharedZeroPage returns true if this is the shared zero page.
func (p *PhysicalPage) IsSharedZeroPage() bool { return p.flags&pageFlagSharedZero != 0 }

// RefCount returns the current number of references to the page.
func (p *PhysicalPage) RefCount() int32 { return p.refCount.Load() }

// Ref adds a reference to the page.
func (p *PhysicalPage) Ref() { p.refCount.Add(1) }

// Unref drops a reference to the page and releases the backing frame once
// no references remain.
func (p *PhysicalPage) Unref() {
	switch count := p.refCount.Add(-1); {
	case count > 0:
		return
	case count < 0:
		kfmt.Printf("[pmm] unref of frame 0x%x with refcount %d\n", uintptr(p.frame), count)
		kfmt.Panic(errRefCountUnderflow)
	case p.IsSharedZeroPage():
		kfmt.Panic(errZeroPageReleased)
	case p.flags&pageFlagNoReturn != 0 || p.alloc == nil:
		return
	default:
		p.alloc.FreeFrame(p.frame)
	}
}

// Bytes returns the contents of the page.
func (p *PhysicalPage) Bytes() []byte {
	return physmem.Bytes(p.frame.Address(), mm.PageSize)
}

// PageFor returns the descriptor of a frame tracked by the allocator or nil
// if the frame is not managed by it.
func (alloc *BitmapAllocator) PageFor(frame mm.Frame) *PhysicalPage {
	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return nil
	}

	pool := &alloc.pools[poolIndex]
	return &pool.pages[frame-pool.startFrame]
}

// SharedZeroPage returns the page that backs all not-yet-written and purged
// anonymous memory. Its contents are never modified.
func (alloc *BitmapAllocator) SharedZeroPage() *PhysicalPage {
	return alloc.zeroPage
}

// AllocPage reserves a frame and returns its page descriptor with a single
// reference. If zero is true, the page contents are cleared.
func (alloc *BitmapAllocator) AllocPage(zero bool) (*PhysicalPage, *kernel.Error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return nil, err
	}

	return alloc.claimPage(frame, zero), nil
}

// AllocContiguousPages reserves n physically contiguous frames and returns
// their page descriptors.
func (alloc *BitmapAllocator) AllocContiguousPages(n uint32, zero bool) ([]*PhysicalPage, *kernel.Error) {
	first, err := alloc.AllocContiguous(n)
	if err != nil {
		return nil, err
	}

	pages := make([]*PhysicalPage, n)
	for i := range pages {
		pages[i] = alloc.claimPage(first+mm.Frame(i), zero)
	}
	return pages, nil
}

func (alloc *BitmapAllocator) claimPage(frame mm.Frame, zero bool) *PhysicalPage {
	page := alloc.PageFor(frame)
	page.flags = 0
	page.refCount.Store(1)
	if zero {
		clear(page.Bytes())
	}
	return page
}
