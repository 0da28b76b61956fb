package space

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vmm"
	"vmcore/kernel/mm/vmobject"
	"weak"
)

// Access describes the rights granted by a region. Rights can be combined.
type Access uint8

const (
	// AccessRead allows the region contents to be read.
	AccessRead Access = 1 << iota

	// AccessWrite allows the region contents to be modified.
	AccessWrite

	// AccessExecute allows instructions to be fetched from the region.
	AccessExecute
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	hasNXFn         = cpu.HasNX
)

// Region binds a page-aligned virtual range to a window of a VM object.
type Region struct {
	rng       mm.VirtualRange
	name      string
	access    Access
	shared    bool
	cacheable bool

	obj vmobject.VMObject

	// offset is the index of the first object page mapped by the region.
	offset uintptr

	// space points to the owning address space. It is cleared when the
	// region is taken out of the space.
	space weak.Pointer[AddressSpace]

	// metadata is the kernel heap block that accounts for this region.
	metadata      uintptr
	metadataAlloc MetadataAllocator
}

// Range returns the virtual range covered by the region.
func (r *Region) Range() mm.VirtualRange { return r.rng }

// Base returns the first virtual address of the region.
func (r *Region) Base() uintptr { return r.rng.Base }

// Size returns the size of the region in bytes.
func (r *Region) Size() uintptr { return r.rng.Size }

// PageCount returns the number of pages covered by the region.
func (r *Region) PageCount() uintptr { return r.rng.Size >> mm.PageShift }

// Name returns the region name.
func (r *Region) Name() string { return r.name }

// Access returns the rights granted by the region.
func (r *Region) Access() Access { return r.access }

// IsReadable returns true if the region contents can be read.
func (r *Region) IsReadable() bool { return r.access&AccessRead != 0 }

// IsWritable returns true if the region contents can be modified.
func (r *Region) IsWritable() bool { return r.access&AccessWrite != 0 }

// IsExecutable returns true if instructions can be fetched from the region.
func (r *Region) IsExecutable() bool { return r.access&AccessExecute != 0 }

// IsShared returns true if writes through this region are visible to every
// other mapping of the same object.
func (r *Region) IsShared() bool { return r.shared }

// IsCacheable returns true if the region is mapped with caching enabled.
func (r *Region) IsCacheable() bool { return r.cacheable }

// VMObject returns the object backing the region.
func (r *Region) VMObject() vmobject.VMObject { return r.obj }

// OffsetInObject returns the byte offset of the region within its object.
func (r *Region) OffsetInObject() uintptr { return r.offset << mm.PageShift }

// Contains returns true if addr falls inside the region.
func (r *Region) Contains(addr uintptr) bool { return r.rng.Contains(addr) }

// Space returns the address space that owns the region or nil if the region
// is not part of any address space.
func (r *Region) Space() *AddressSpace { return r.space.Value() }

// Page returns the physical page that backs the page at the given index
// within the region.
func (r *Region) Page(index uintptr) *pmm.PhysicalPage {
	return r.obj.Page(r.offset + index)
}

func (r *Region) pageIndex(addr uintptr) uintptr {
	return (addr - r.rng.Base) >> mm.PageShift
}

func (r *Region) pageAddress(index uintptr) uintptr {
	return r.rng.Base + index<<mm.PageShift
}

// shouldCoW returns true if writes to the page at the given index must
// fault.
func (r *Region) shouldCoW(index uintptr) bool {
	return r.obj.ShouldCoW(r.offset+index, r.shared)
}

// needsCommit returns true if the object must get a private page before the
// page at the given index can be written. Pages backed by the shared zero
// page are committed even for shared regions.
func (r *Region) needsCommit(index uintptr) bool {
	if page := r.Page(index); page != nil && page.IsSharedZeroPage() {
		return true
	}
	return r.shouldCoW(index)
}

// RemapPage refreshes the translation for the object page at index. It is
// invoked by the VM object whenever one of its slots changes.
func (r *Region) RemapPage(index uintptr) *kernel.Error {
	if index < r.offset || index-r.offset >= r.PageCount() {
		return nil
	}

	as := r.space.Value()
	if as == nil {
		return nil
	}

	as.lock.Acquire()
	defer as.lock.Release()

	// The region may have been taken out of the space in the meantime
	if r.space.Value() == nil {
		return nil
	}

	return r.mapPage(as, index-r.offset)
}

// mapPage installs the page table entry for the page at the given index
// within the region. The space lock must be held.
//
// Pages without read or write access are left unmapped. The shared zero page
// and pages that must be copied on write are mapped read-only so the first
// write faults.
func (r *Region) mapPage(as *AddressSpace, index uintptr) *kernel.Error {
	var (
		addr = r.pageAddress(index)
		page = r.Page(index)
	)

	if page == nil || r.access&(AccessRead|AccessWrite) == 0 {
		// Clearing never allocates page tables
		if pte := as.pdt.Entry(mm.PageFromAddress(addr)); pte != nil && *pte != 0 {
			*pte = 0
			flushTLBEntryFn(addr)
		}
		return nil
	}

	pte, err := as.pdt.EnsureEntry(mm.PageFromAddress(addr))
	if err != nil {
		return err
	}

	flags := vmm.FlagPresent
	if r.IsWritable() && !page.IsSharedZeroPage() && !r.shouldCoW(index) {
		flags |= vmm.FlagRW
	}
	if as.user {
		flags |= vmm.FlagUserAccessible
	}
	if !r.IsExecutable() && hasNXFn() {
		flags |= vmm.FlagNoExecute
	}
	if !r.cacheable {
		flags |= vmm.FlagDoNotCache
	}

	// Keep the accessed and dirty bits if the frame does not change
	if pte.HasFlags(vmm.FlagPresent) && pte.Frame() == page.Frame() {
		flags |= pte.Flags() & (vmm.FlagAccessed | vmm.FlagDirty)
	}

	*pte = 0
	pte.SetFrame(page.Frame())
	pte.SetFlags(flags)
	flushTLBEntryFn(addr)

	return nil
}

// mapAll maps every page of the region. The space lock must be held.
func (r *Region) mapAll(as *AddressSpace) *kernel.Error {
	for index := uintptr(0); index < r.PageCount(); index++ {
		if err := r.mapPage(as, index); err != nil {
			return err
		}
	}
	return nil
}

// unmapAll removes the page table entries of the region. The space lock must
// be held.
func (r *Region) unmapAll(as *AddressSpace) {
	for index := uintptr(0); index < r.PageCount(); index++ {
		// Pages without access rights were never mapped
		_ = as.pdt.Unmap(mm.PageFromAddress(r.pageAddress(index)))
	}
}

// Release drops the reference to the backing object and returns the region
// bookkeeping to the kernel heap. It must only be called for regions that
// were taken out of their address space.
func (r *Region) Release() {
	if r.obj == nil {
		return
	}

	r.obj.RemoveMapping(r)
	r.obj.Unref()
	r.obj = nil

	if r.metadataAlloc != nil {
		r.metadataAlloc.Free(r.metadata)
		r.metadata, r.metadataAlloc = 0, nil
	}
}

// AmountResident returns the number of bytes of the region that are backed
// by committed pages.
func (r *Region) AmountResident() uintptr {
	var bytes uintptr
	for index := uintptr(0); index < r.PageCount(); index++ {
		if page := r.Page(index); page != nil && !page.IsSharedZeroPage() {
			bytes += mm.PageSize
		}
	}
	return bytes
}

// AmountShared returns the number of bytes of the region that are backed by
// committed pages that are also referenced by other objects.
func (r *Region) AmountShared() uintptr {
	var bytes uintptr
	for index := uintptr(0); index < r.PageCount(); index++ {
		if page := r.Page(index); page != nil && !page.IsSharedZeroPage() && page.RefCount() > 1 {
			bytes += mm.PageSize
		}
	}
	return bytes
}

// AmountDirty returns the number of bytes of the region that were written
// through its mappings according to the page table dirty bits.
func (r *Region) AmountDirty() uintptr {
	as := r.space.Value()
	if as == nil {
		return 0
	}

	as.lock.Acquire()
	defer as.lock.Release()

	var bytes uintptr
	for index := uintptr(0); index < r.PageCount(); index++ {
		pte := as.pdt.Entry(mm.PageFromAddress(r.pageAddress(index)))
		if pte != nil && pte.HasFlags(vmm.FlagPresent|vmm.FlagDirty) {
			bytes += mm.PageSize
		}
	}
	return bytes
}

// CoWPages returns the number of committed pages of the region that will be
// copied when written.
func (r *Region) CoWPages() int {
	if r.shared {
		return 0
	}

	var count int
	for index := uintptr(0); index < r.PageCount(); index++ {
		if page := r.Page(index); page != nil && !page.IsSharedZeroPage() && r.shouldCoW(index) {
			count++
		}
	}
	return count
}
