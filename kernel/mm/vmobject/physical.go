package vmobject

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
)

var errUnalignedPhysicalRange = &kernel.Error{Module: "vmobject", Message: "physical range is not page aligned"}

// Physical is a VM object that covers a fixed range of physical memory such
// as a device aperture. Its frames are never returned to the allocator.
type Physical struct {
	base

	physBase uintptr
}

// NewPhysical creates an object for the physical range [physBase,
// physBase+size). The returned object carries a single reference owned by
// the caller.
func NewPhysical(physBase, size uintptr) (*Physical, *kernel.Error) {
	pageCount, err := pageCountForSize(size)
	if err != nil {
		return nil, err
	}

	if !mm.IsPageAligned(physBase) {
		return nil, errUnalignedPhysicalRange
	}

	obj := &Physical{physBase: physBase}
	obj.pages = make([]*pmm.PhysicalPage, pageCount)
	obj.refCount.Store(1)

	firstFrame := mm.FrameFromAddress(physBase)
	for index := range obj.pages {
		obj.pages[index] = pmm.NewUnmanagedPage(firstFrame + mm.Frame(index))
	}

	return obj, nil
}

// PhysicalBase returns the physical address of the first page.
func (obj *Physical) PhysicalBase() uintptr {
	return obj.physBase
}

// ShouldCoW always returns false; device memory is never copied.
func (obj *Physical) ShouldCoW(uintptr, bool) bool {
	return false
}

// Clone returns an object that shares the same physical range.
func (obj *Physical) Clone() (VMObject, *kernel.Error) {
	obj.lock.Acquire()
	defer obj.lock.Release()

	clone := &Physical{physBase: obj.physBase}
	clone.pages = make([]*pmm.PhysicalPage, len(obj.pages))
	clone.refCount.Store(1)
	for index, page := range obj.pages {
		page.Ref()
		clone.pages[index] = page
	}

	return clone, nil
}
