// Package space implements address spaces. An address space owns a page
// directory table and an ordered set of non-overlapping regions, each of
// which maps a window of a VM object.
package space

import (
	"unsafe"
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vmm"
	"vmcore/kernel/mm/vmobject"
	"vmcore/kernel/sync"
	"weak"

	"github.com/google/btree"
)

const (
	// regionTreeDegree is the degree of the B-tree that indexes regions.
	regionTreeDegree = 8

	// regionMetadataSize is the number of kernel heap bytes charged for
	// each region.
	regionMetadataSize = unsafe.Sizeof(Region{})
)

var (
	// UserWindow is the range available to regions of user address
	// spaces. The first page is never mapped so nil dereferences fault.
	UserWindow = mm.VirtualRange{Base: mm.PageSize, Size: vmm.UserHalfEnd - 2*mm.PageSize}

	// KernelWindow is the range available to regions of the kernel address
	// space. It lies well below the kernel image.
	KernelWindow = mm.VirtualRange{Base: 0xffffc00000000000, Size: uintptr(512 * mm.Gb)}

	// ErrNoSpace is returned when no free range of the requested size
	// exists.
	ErrNoSpace = &kernel.Error{Module: "space", Message: "no free virtual range of the requested size"}

	// ErrUnaligned is returned when an address, size, offset or alignment
	// is not page aligned.
	ErrUnaligned = &kernel.Error{Module: "space", Message: "address, size or alignment is not page aligned"}

	// ErrInvalidRange is returned when a range is empty, falls outside the
	// address space window or exceeds the backing object.
	ErrInvalidRange = &kernel.Error{Module: "space", Message: "invalid virtual range"}

	// ErrRangeInUse is returned when an explicit range overlaps an existing
	// region.
	ErrRangeInUse = &kernel.Error{Module: "space", Message: "virtual range overlaps an existing region"}

	// ErrNotFound is returned when a region does not belong to the address
	// space.
	ErrNotFound = &kernel.Error{Module: "space", Message: "region not found in address space"}

	errOverlap          = &kernel.Error{Module: "space", Message: "overlapping regions in address space"}
	errKernelSpaceFork  = &kernel.Error{Module: "space", Message: "the kernel address space cannot be forked"}
	errCorruptPageTable = &kernel.Error{Module: "space", Message: "reserved bit set in page table entry"}
)

// MetadataAllocator provides the kernel heap memory charged for region
// bookkeeping.
type MetadataAllocator interface {
	// Allocate reserves size bytes and returns their address.
	Allocate(size uintptr) (uintptr, *kernel.Error)

	// Free releases a block returned by Allocate.
	Free(ptr uintptr)
}

// Environment holds the collaborators shared by all address spaces.
type Environment struct {
	// KernelPDT is the page directory table of the kernel. Its kernel
	// half is aliased by every user address space.
	KernelPDT *vmm.PageDirectoryTable

	// Pages allocates the pages that back anonymous regions.
	Pages vmobject.PageAllocator

	// Metadata is charged for region bookkeeping. It may be nil until
	// the kernel heap is available.
	Metadata MetadataAllocator
}

// AddressSpace is a set of regions mapped through a single page directory
// table.
type AddressSpace struct {
	lock sync.RecursiveSpinlock

	env     *Environment
	pdt     vmm.PageDirectoryTable
	ownsPDT bool
	user    bool
	window  mm.VirtualRange

	regions *btree.BTreeG[*Region]
	handle  weak.Pointer[AddressSpace]

	destroyed bool
}

func regionLess(a, b *Region) bool {
	return a.rng.Base < b.rng.Base
}

// pivot returns a key that can be used to search the region tree.
func pivot(addr uintptr) *Region {
	return &Region{rng: mm.VirtualRange{Base: addr}}
}

func newAddressSpace(env *Environment, window mm.VirtualRange, user bool) *AddressSpace {
	as := &AddressSpace{
		env:     env,
		user:    user,
		window:  window,
		regions: btree.NewG[*Region](regionTreeDegree, regionLess),
	}
	as.handle = weak.Make(as)
	return as
}

// NewKernelSpace returns the address space that manages the kernel window
// of the kernel page directory table.
func NewKernelSpace(env *Environment) *AddressSpace {
	as := newAddressSpace(env, KernelWindow, false)
	as.pdt = *env.KernelPDT
	return as
}

// TryCreate creates a user address space with a fresh page directory table.
// If parent is not nil, the new space receives a copy of every parent
// region. Private regions are cloned copy-on-write while shared regions map
// the same object.
func TryCreate(env *Environment, parent *AddressSpace) (*AddressSpace, *kernel.Error) {
	if parent != nil && !parent.user {
		return nil, errKernelSpaceFork
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	as := newAddressSpace(env, UserWindow, true)
	if err = as.pdt.Init(frame, env.KernelPDT); err != nil {
		mm.FreeFrame(frame)
		return nil, err
	}
	as.ownsPDT = true

	if parent != nil {
		if err = as.forkFrom(parent); err != nil {
			as.Destroy()
			return nil, err
		}
	}

	return as, nil
}

func (as *AddressSpace) forkFrom(parent *AddressSpace) *kernel.Error {
	parent.lock.Acquire()
	defer parent.lock.Release()

	var err *kernel.Error
	parent.regions.Ascend(func(source *Region) bool {
		err = as.forkRegion(parent, source)
		return err == nil
	})

	return err
}

func (as *AddressSpace) forkRegion(parent *AddressSpace, source *Region) *kernel.Error {
	var (
		obj vmobject.VMObject
		err *kernel.Error
	)

	if source.shared {
		source.obj.Ref()
		obj = source.obj
	} else if obj, err = source.obj.Clone(); err != nil {
		return err
	}

	_, err = as.allocateRegion(source.rng, false, obj, source.offset, source.name, source.access, source.shared, source.cacheable)
	obj.Unref()
	if err != nil {
		return err
	}

	// Cloning marked the parent pages copy-on-write
	if !source.shared {
		if err = source.mapAll(parent); err != nil {
			return err
		}
	}

	return nil
}

// IsUser returns true if this is a user address space.
func (as *AddressSpace) IsUser() bool { return as.user }

// Window returns the range available to the regions of the address space.
func (as *AddressSpace) Window() mm.VirtualRange { return as.window }

// PDT returns the page directory table of the address space.
func (as *AddressSpace) PDT() *vmm.PageDirectoryTable { return &as.pdt }

// TryAllocateRange finds a free range of size bytes whose base is a multiple
// of alignment. If hint is not zero and the range starting at hint is free,
// it is returned. Otherwise the lowest suitable hole is used.
func (as *AddressSpace) TryAllocateRange(hint, size, alignment uintptr) (mm.VirtualRange, *kernel.Error) {
	if alignment == 0 {
		alignment = mm.PageSize
	}

	if size == 0 {
		return mm.VirtualRange{}, ErrInvalidRange
	}

	if !mm.IsPageAligned(size) || !mm.IsPageAligned(alignment) || alignment&(alignment-1) != 0 {
		return mm.VirtualRange{}, ErrUnaligned
	}

	as.lock.Acquire()
	defer as.lock.Release()

	return as.allocateRangeLocked(hint, size, alignment)
}

func (as *AddressSpace) allocateRangeLocked(hint, size, alignment uintptr) (mm.VirtualRange, *kernel.Error) {
	if hint != 0 && hint&(alignment-1) == 0 {
		rng := mm.VirtualRange{Base: hint, Size: size}
		if as.window.ContainsRange(rng) && !as.overlapsLocked(rng) {
			return rng, nil
		}
	}

	var (
		cursor = alignUp(as.window.Base, alignment)
		found  bool
	)

	as.regions.Ascend(func(r *Region) bool {
		if r.rng.End() <= cursor {
			return true
		}

		if cursor+size > cursor && cursor+size <= r.rng.Base {
			found = true
			return false
		}

		cursor = alignUp(r.rng.End(), alignment)
		return true
	})

	rng := mm.VirtualRange{Base: cursor, Size: size}
	if !found && (cursor+size < cursor || !as.window.ContainsRange(rng)) {
		return mm.VirtualRange{}, ErrNoSpace
	}

	return rng, nil
}

func alignUp(addr, alignment uintptr) uintptr {
	return (addr + alignment - 1) &^ (alignment - 1)
}

// AllocateRegion creates an anonymous VM object and maps it at rng. If
// rng.Base is zero, a free range of rng.Size bytes is selected.
func (as *AddressSpace) AllocateRegion(rng mm.VirtualRange, name string, access Access, strategy vmobject.Strategy) (*Region, *kernel.Error) {
	if !rng.IsPageAligned() {
		return nil, ErrUnaligned
	}

	obj, err := vmobject.NewAnonymous(as.env.Pages, rng.Size, strategy)
	if err != nil {
		if err == vmobject.ErrInvalidSize {
			return nil, ErrInvalidRange
		}
		return nil, err
	}

	region, err := as.allocateRegion(rng, rng.Base == 0, obj, 0, name, access, false, true)
	obj.Unref()
	return region, err
}

// AllocateRegionWithVMObject maps the part of obj that starts at offset
// bytes at rng. If rng.Base is zero, a free range of rng.Size bytes is
// selected. Writes through a shared region are visible to all other
// mappings of obj; writes through a private region fault and copy.
func (as *AddressSpace) AllocateRegionWithVMObject(rng mm.VirtualRange, obj vmobject.VMObject, offset uintptr, name string, access Access, shared bool) (*Region, *kernel.Error) {
	if !rng.IsPageAligned() || !mm.IsPageAligned(offset) {
		return nil, ErrUnaligned
	}

	return as.allocateRegion(rng, rng.Base == 0, obj, offset>>mm.PageShift, name, access, shared, true)
}

// TryAllocateSplitRegion maps rng to the part of the object of source that
// starts at offset bytes, with the same attributes as source.
func (as *AddressSpace) TryAllocateSplitRegion(source *Region, rng mm.VirtualRange, offset uintptr) (*Region, *kernel.Error) {
	if !rng.IsPageAligned() || !mm.IsPageAligned(offset) {
		return nil, ErrUnaligned
	}

	return as.allocateRegion(rng, false, source.obj, offset>>mm.PageShift, source.name, source.access, source.shared, source.cacheable)
}

// allocateRegion creates a region for the object pages starting at
// offsetPages and inserts it into the address space. The region takes its
// own reference to obj.
//
// The metadata block is charged before the space lock is taken and released
// after it is dropped. Charging it may expand the kernel heap which maps new
// memory into the kernel space.
func (as *AddressSpace) allocateRegion(rng mm.VirtualRange, pickRange bool, obj vmobject.VMObject, offsetPages uintptr, name string, access Access, shared, cacheable bool) (*Region, *kernel.Error) {
	if rng.Size == 0 || offsetPages+rng.PageCount() > obj.PageCount() {
		return nil, ErrInvalidRange
	}

	region := &Region{
		rng:       rng,
		name:      name,
		access:    access,
		shared:    shared,
		cacheable: cacheable,
		offset:    offsetPages,
	}

	if meta := as.env.Metadata; meta != nil {
		ptr, err := meta.Allocate(regionMetadataSize)
		if err != nil {
			return nil, err
		}
		region.metadata, region.metadataAlloc = ptr, meta
	}

	if err := as.insertRegion(region, pickRange, obj); err != nil {
		if region.metadataAlloc != nil {
			region.metadataAlloc.Free(region.metadata)
		}
		return nil, err
	}

	return region, nil
}

func (as *AddressSpace) insertRegion(region *Region, pickRange bool, obj vmobject.VMObject) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return ErrInvalidRange
	}

	if pickRange {
		rng, err := as.allocateRangeLocked(0, region.rng.Size, mm.PageSize)
		if err != nil {
			return err
		}
		region.rng = rng
	}

	if !as.window.ContainsRange(region.rng) {
		return ErrInvalidRange
	}

	if as.overlapsLocked(region.rng) {
		return ErrRangeInUse
	}

	obj.Ref()
	obj.AddMapping(region)
	region.obj = obj

	as.attachLocked(region)
	if err := region.mapAll(as); err != nil {
		as.detachLocked(region)
		region.obj = nil
		obj.RemoveMapping(region)
		obj.Unref()
		return err
	}

	return nil
}

// attachLocked inserts region into the tree. Overlapping regions indicate a
// corrupted address space and halt the system.
func (as *AddressSpace) attachLocked(region *Region) {
	if other := as.firstIntersectingLocked(region.rng); other != nil {
		kfmt.Printf("[space] region %s [0x%x, 0x%x) overlaps region %s [0x%x, 0x%x)\n",
			region.name, region.rng.Base, region.rng.End(),
			other.name, other.rng.Base, other.rng.End(),
		)
		kfmt.Panic(errOverlap)
	}

	as.regions.ReplaceOrInsert(region)
	region.space = as.handle
}

// detachLocked removes region from the tree and clears its mappings.
func (as *AddressSpace) detachLocked(region *Region) {
	as.regions.Delete(region)
	region.unmapAll(as)
	region.space = weak.Pointer[AddressSpace]{}
}

func (as *AddressSpace) overlapsLocked(rng mm.VirtualRange) bool {
	return as.firstIntersectingLocked(rng) != nil
}

func (as *AddressSpace) firstIntersectingLocked(rng mm.VirtualRange) *Region {
	var found *Region

	as.regions.DescendLessOrEqual(pivot(rng.Base), func(r *Region) bool {
		if r.rng.Intersects(rng) {
			found = r
		}
		return false
	})

	if found != nil {
		return found
	}

	as.regions.AscendGreaterOrEqual(pivot(rng.Base), func(r *Region) bool {
		if r.rng.Base >= rng.End() {
			return false
		}
		if r.rng.Intersects(rng) {
			found = r
			return false
		}
		return true
	})

	return found
}

// FindRegionContaining returns the region that contains addr or nil.
func (as *AddressSpace) FindRegionContaining(addr uintptr) *Region {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.findContainingLocked(addr)
}

func (as *AddressSpace) findContainingLocked(addr uintptr) *Region {
	var found *Region
	as.regions.DescendLessOrEqual(pivot(addr), func(r *Region) bool {
		if r.rng.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// FindRegionFromRange returns the region that covers exactly rng or nil.
func (as *AddressSpace) FindRegionFromRange(rng mm.VirtualRange) *Region {
	as.lock.Acquire()
	defer as.lock.Release()

	if r, ok := as.regions.Get(pivot(rng.Base)); ok && r.rng.Size == rng.Size {
		return r
	}
	return nil
}

// FindRegionsIntersecting returns the regions that share at least one page
// with rng, ordered by base address.
func (as *AddressSpace) FindRegionsIntersecting(rng mm.VirtualRange) []*Region {
	as.lock.Acquire()
	defer as.lock.Release()

	var found []*Region

	as.regions.DescendLessOrEqual(pivot(rng.Base), func(r *Region) bool {
		if r.rng.Intersects(rng) {
			found = append(found, r)
		}
		return false
	})

	as.regions.AscendGreaterOrEqual(pivot(rng.Base+1), func(r *Region) bool {
		if r.rng.Base >= rng.End() {
			return false
		}
		found = append(found, r)
		return true
	})

	return found
}

// RegionCount returns the number of regions in the address space.
func (as *AddressSpace) RegionCount() int {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.regions.Len()
}

// VisitRegions invokes visitor for each region in ascending address order
// until it returns false. The space lock is held while visiting.
func (as *AddressSpace) VisitRegions(visitor func(*Region) bool) {
	as.lock.Acquire()
	defer as.lock.Release()
	as.regions.Ascend(visitor)
}

// TakeRegion removes region from the address space and unmaps it. The
// caller becomes responsible for the region and must eventually call its
// Release method. TakeRegion returns nil if region does not belong to the
// address space.
func (as *AddressSpace) TakeRegion(region *Region) *Region {
	as.lock.Acquire()
	defer as.lock.Release()

	if r, ok := as.regions.Get(region); !ok || r != region {
		return nil
	}

	as.detachLocked(region)
	return region
}

// DeallocateRegion removes region from the address space and drops its
// reference to the backing object.
func (as *AddressSpace) DeallocateRegion(region *Region) *kernel.Error {
	taken := as.TakeRegion(region)
	if taken == nil {
		return ErrNotFound
	}

	taken.Release()
	return nil
}

// TrySplitRegionAroundRange creates regions for the parts of the taken
// source region that lie outside hole. It returns zero, one or two new
// regions; each keeps its offset into the object of source. The caller
// still owns source and must release it.
func (as *AddressSpace) TrySplitRegionAroundRange(source *Region, hole mm.VirtualRange) ([]*Region, *kernel.Error) {
	if !hole.IsPageAligned() {
		return nil, ErrUnaligned
	}

	if !source.rng.ContainsRange(hole) {
		return nil, ErrInvalidRange
	}

	var created []*Region
	for _, part := range source.rng.Carve(hole) {
		offset := source.OffsetInObject() + (part.Base - source.rng.Base)
		region, err := as.TryAllocateSplitRegion(source, part, offset)
		if err != nil {
			for _, r := range created {
				_ = as.DeallocateRegion(r)
			}
			return nil, err
		}

		created = append(created, region)
	}

	return created, nil
}

// reattach puts a taken region back into the address space.
func (as *AddressSpace) reattach(region *Region) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	as.attachLocked(region)
	return region.mapAll(as)
}

// SetCacheable updates the caching mode of region and refreshes its
// mappings.
func (as *AddressSpace) SetCacheable(region *Region, cacheable bool) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	if region.space.Value() != as {
		return ErrNotFound
	}

	region.cacheable = cacheable
	return region.mapAll(as)
}

// UnmapRange removes every mapping inside [addr, addr+size). Regions that
// are only partially covered are split and the parts outside the range
// stay mapped.
func (as *AddressSpace) UnmapRange(addr, size uintptr) *kernel.Error {
	rng := mm.VirtualRange{Base: addr, Size: size}
	if !rng.IsPageAligned() {
		return ErrUnaligned
	}
	if size == 0 {
		return ErrInvalidRange
	}

	for _, region := range as.FindRegionsIntersecting(rng) {
		taken := as.TakeRegion(region)
		if taken == nil {
			continue
		}

		if rng.ContainsRange(taken.rng) {
			taken.Release()
			continue
		}

		if _, err := as.TrySplitRegionAroundRange(taken, rng.Intersect(taken.rng)); err != nil {
			if reattachErr := as.reattach(taken); reattachErr != nil {
				kfmt.Printf("[space] unable to restore region %s: %s\n", taken.name, reattachErr.Message)
			}
			return err
		}

		taken.Release()
	}

	return nil
}

// Destroy unmaps every region, drops every object reference and, for user
// address spaces, releases the page directory table. Calling Destroy more
// than once has no effect.
func (as *AddressSpace) Destroy() {
	as.lock.Acquire()
	if as.destroyed {
		as.lock.Release()
		return
	}

	regions := make([]*Region, 0, as.regions.Len())
	as.regions.Ascend(func(r *Region) bool {
		regions = append(regions, r)
		return true
	})

	for _, r := range regions {
		as.detachLocked(r)
	}

	if as.ownsPDT {
		as.pdt.Destroy()
	}
	as.destroyed = true
	as.lock.Release()

	for _, r := range regions {
		r.Release()
	}
}
