package vmobject

import (
	"vmcore/kernel"
	"vmcore/kernel/mm/pmm"
)

// Anonymous is a VM object backed by memory that is not associated with
// any file or device.
type Anonymous struct {
	base

	alloc PageAllocator

	// cowMap has a bit set for every slot whose page is shared with a
	// clone and must be copied before it is written.
	cowMap []uint64
}

// NewAnonymous creates an anonymous object of the given size. The returned
// object carries a single reference owned by the caller.
func NewAnonymous(alloc PageAllocator, size uintptr, strategy Strategy) (*Anonymous, *kernel.Error) {
	obj := &Anonymous{}
	if err := obj.init(alloc, size, strategy); err != nil {
		return nil, err
	}

	return obj, nil
}

func (obj *Anonymous) init(alloc PageAllocator, size uintptr, strategy Strategy) *kernel.Error {
	pageCount, err := pageCountForSize(size)
	if err != nil {
		return err
	}

	obj.alloc = alloc
	obj.pages = make([]*pmm.PhysicalPage, pageCount)
	obj.cowMap = make([]uint64, (pageCount+63)>>6)
	obj.refCount.Store(1)

	if strategy == AllocateNow {
		for index := range obj.pages {
			if obj.pages[index], err = alloc.AllocPage(true); err != nil {
				// Commitment is all or nothing
				for _, page := range obj.pages[:index] {
					page.Unref()
				}
				return err
			}
		}
		return nil
	}

	zeroPage := alloc.SharedZeroPage()
	for index := range obj.pages {
		zeroPage.Ref()
		obj.pages[index] = zeroPage
	}

	return nil
}

// Clone returns a copy-on-write copy of the object. Every committed slot
// is shared between the two objects and marked copy-on-write in both.
func (obj *Anonymous) Clone() (VMObject, *kernel.Error) {
	clone := &Anonymous{}
	obj.cloneInto(clone)
	return clone, nil
}

func (obj *Anonymous) cloneInto(clone *Anonymous) {
	obj.lock.Acquire()
	defer obj.lock.Release()

	clone.alloc = obj.alloc
	clone.pages = make([]*pmm.PhysicalPage, len(obj.pages))
	clone.cowMap = make([]uint64, len(obj.cowMap))
	clone.refCount.Store(1)

	for index, page := range obj.pages {
		page.Ref()
		clone.pages[index] = page

		if !page.IsSharedZeroPage() {
			obj.setCoW(uintptr(index), true)
			clone.setCoW(uintptr(index), true)
		}
	}
}

// ShouldCoW returns true if the page in the given slot is the shared zero
// page or is shared with a clone. Shared mappings never copy.
func (obj *Anonymous) ShouldCoW(index uintptr, shared bool) bool {
	if shared {
		return false
	}

	obj.lock.Acquire()
	defer obj.lock.Release()

	if obj.pageLocked(index).IsSharedZeroPage() {
		return true
	}
	return obj.isCoW(index)
}

// CoWPages returns the number of slots that are marked copy-on-write.
func (obj *Anonymous) CoWPages() int {
	obj.lock.Acquire()
	defer obj.lock.Release()

	var count int
	for index := range obj.pages {
		if obj.isCoW(uintptr(index)) {
			count++
		}
	}
	return count
}

// HandleZeroFault replaces the shared zero page in the given slot with a
// freshly zeroed private page. It returns false if the slot already holds
// a private page, e.g. because a concurrent fault committed it first.
func (obj *Anonymous) HandleZeroFault(index uintptr) (bool, *kernel.Error) {
	obj.lock.Acquire()
	defer obj.lock.Release()

	page := obj.pageLocked(index)
	if !page.IsSharedZeroPage() {
		return false, nil
	}

	newPage, err := obj.alloc.AllocPage(true)
	if err != nil {
		return false, err
	}

	obj.pages[index] = newPage
	obj.setCoW(index, false)
	page.Unref()
	return true, nil
}

// HandleCoWFault gives the object an exclusive copy of the page in the
// given slot. If no other object references the page, it is simply taken
// over.
func (obj *Anonymous) HandleCoWFault(index uintptr) *kernel.Error {
	obj.lock.Acquire()
	defer obj.lock.Release()

	page := obj.pageLocked(index)
	switch {
	case page.IsSharedZeroPage():
		newPage, err := obj.alloc.AllocPage(true)
		if err != nil {
			return err
		}
		obj.pages[index] = newPage
	case page.RefCount() == 1:
		// Last owner; no copy required
	default:
		newPage, err := obj.alloc.AllocPage(false)
		if err != nil {
			return err
		}
		copy(newPage.Bytes(), page.Bytes())
		obj.pages[index] = newPage
	}

	obj.setCoW(index, false)
	if obj.pages[index] != page {
		page.Unref()
	}
	return nil
}

func (obj *Anonymous) isCoW(index uintptr) bool {
	return obj.cowMap[index>>6]&(1<<(index&63)) != 0
}

func (obj *Anonymous) setCoW(index uintptr, cow bool) {
	if cow {
		obj.cowMap[index>>6] |= 1 << (index & 63)
	} else {
		obj.cowMap[index>>6] &^= 1 << (index & 63)
	}
}
