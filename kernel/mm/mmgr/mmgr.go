// Package mmgr provides the memory manager of the kernel. A single Manager
// is created at boot; it owns the kernel address space, tracks every user
// address space and reclaims volatile memory under pressure.
package mmgr

import (
	"sync/atomic"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/space"
	"vmcore/kernel/mm/vmm"
	"vmcore/kernel/mm/vmobject"
	"vmcore/kernel/sync"
)

var (
	// ErrSegmentationViolation is reported for faults that no region
	// permits.
	ErrSegmentationViolation = &kernel.Error{Module: "mmgr", Message: "segmentation violation"}

	// ErrOutOfMemory is reported for faults that could not be resolved
	// because memory is exhausted.
	ErrOutOfMemory = &kernel.Error{Module: "mmgr", Message: "out of memory while resolving page fault"}

	errUnknownSpace = &kernel.Error{Module: "mmgr", Message: "address space is not managed by this memory manager"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activePDTFn          = cpu.ActivePDT
	installFaultHandlers = vmm.InstallFaultHandlers
)

// Manager is the memory manager context.
type Manager struct {
	// lock guards the space list and serializes structural changes of
	// the kernel heap. Heap expansion allocates kernel regions whose
	// bookkeeping allocates from the heap again while it is held.
	lock sync.RecursiveSpinlock

	frames      *pmm.BitmapAllocator
	pages       *pageAllocator
	env         *space.Environment
	kernelSpace *space.AddressSpace
	userSpaces  []*space.AddressSpace

	faults         atomic.Uint64
	resolvedFaults atomic.Uint64
	purgedPages    atomic.Uint64
}

// New creates the memory manager. kernelPDT is the page directory table
// that maps the kernel image.
func New(frames *pmm.BitmapAllocator, kernelPDT *vmm.PageDirectoryTable) *Manager {
	m := &Manager{frames: frames}
	m.pages = &pageAllocator{frames: frames, mgr: m}
	m.env = &space.Environment{
		KernelPDT: kernelPDT,
		Pages:     m.pages,
	}
	m.kernelSpace = space.NewKernelSpace(m.env)

	return m
}

// Lock acquires the global memory manager lock.
func (m *Manager) Lock() { m.lock.Acquire() }

// Unlock releases the global memory manager lock.
func (m *Manager) Unlock() { m.lock.Release() }

// Frames returns the frame allocator.
func (m *Manager) Frames() *pmm.BitmapAllocator { return m.frames }

// Pages returns the page allocator used for VM objects. It reclaims
// volatile memory when physical memory runs out, and purgeable objects
// created with it can be purged even while unmapped.
func (m *Manager) Pages() vmobject.PageAllocator { return m.pages }

// KernelSpace returns the kernel address space.
func (m *Manager) KernelSpace() *space.AddressSpace { return m.kernelSpace }

// SetMetadataAllocator registers the allocator charged for region
// bookkeeping. It is called once the kernel heap is available.
func (m *Manager) SetMetadataAllocator(meta space.MetadataAllocator) {
	m.lock.Acquire()
	m.env.Metadata = meta
	m.lock.Release()
}

// InstallFaultHandlers routes page faults raised by the MMU to the memory
// manager.
func (m *Manager) InstallFaultHandlers() {
	installFaultHandlers(m.resolveFault)
}

// AllocateKernelRegion maps size bytes (rounded up to a page multiple) of
// anonymous memory into the kernel address space.
func (m *Manager) AllocateKernelRegion(size uintptr, name string, access space.Access, strategy vmobject.Strategy) (*space.Region, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.kernelSpace.AllocateRegion(mm.VirtualRange{Size: mm.PageRoundUp(size)}, name, access, strategy)
}

// AllocateKernelRegionForPhysical maps the physical range [physAddr,
// physAddr+size) into the kernel address space. Device memory is usually
// mapped with caching disabled.
func (m *Manager) AllocateKernelRegionForPhysical(physAddr, size uintptr, name string, access space.Access, cacheable bool) (*space.Region, *kernel.Error) {
	obj, err := vmobject.NewPhysical(physAddr, mm.PageRoundUp(size))
	if err != nil {
		return nil, err
	}
	defer obj.Unref()

	m.lock.Acquire()
	defer m.lock.Release()

	region, err := m.kernelSpace.AllocateRegionWithVMObject(mm.VirtualRange{Size: obj.Size()}, obj, 0, name, access, true)
	if err != nil {
		return nil, err
	}

	if !cacheable {
		if err = m.kernelSpace.SetCacheable(region, false); err != nil {
			_ = m.kernelSpace.DeallocateRegion(region)
			return nil, err
		}
	}

	return region, nil
}

// DeallocateKernelRegion unmaps a region of the kernel address space.
func (m *Manager) DeallocateKernelRegion(region *space.Region) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.kernelSpace.DeallocateRegion(region)
}

// CreateAddressSpace creates a user address space. If parent is not nil the
// new space is a copy-on-write copy of it.
func (m *Manager) CreateAddressSpace(parent *space.AddressSpace) (*space.AddressSpace, *kernel.Error) {
	as, err := space.TryCreate(m.env, parent)
	if err != nil {
		return nil, err
	}

	m.lock.Acquire()
	m.userSpaces = append(m.userSpaces, as)
	m.lock.Release()

	return as, nil
}

// DestroyAddressSpace tears down a user address space created by
// CreateAddressSpace.
func (m *Manager) DestroyAddressSpace(as *space.AddressSpace) *kernel.Error {
	m.lock.Acquire()
	index := m.indexOf(as)
	if index < 0 {
		m.lock.Release()
		return errUnknownSpace
	}

	last := len(m.userSpaces) - 1
	m.userSpaces[index] = m.userSpaces[last]
	m.userSpaces[last] = nil
	m.userSpaces = m.userSpaces[:last]
	m.lock.Release()

	as.Destroy()
	return nil
}

func (m *Manager) indexOf(as *space.AddressSpace) int {
	for index, other := range m.userSpaces {
		if other == as {
			return index
		}
	}
	return -1
}

// AddressSpaces returns a snapshot of the managed user address spaces.
func (m *Manager) AddressSpaces() []*space.AddressSpace {
	m.lock.Acquire()
	defer m.lock.Release()

	spaces := make([]*space.AddressSpace, len(m.userSpaces))
	copy(spaces, m.userSpaces)
	return spaces
}

// spaceFor returns the address space that handles faults on addr while the
// page directory table with the given root is active.
func (m *Manager) spaceFor(addr, root uintptr) *space.AddressSpace {
	if addr >= vmm.KernelHalfStart {
		return m.kernelSpace
	}

	m.lock.Acquire()
	defer m.lock.Release()

	for _, as := range m.userSpaces {
		if as.PDT().RootAddress() == root {
			return as
		}
	}
	return nil
}

// PageFault resolves a fault on addr in the given address space and
// updates the fault counters.
func (m *Manager) PageFault(as *space.AddressSpace, addr uintptr, code vmm.FaultCode) space.FaultOutcome {
	outcome := space.SegmentationViolation
	if as != nil {
		outcome = as.PageFault(addr, code)
	}

	m.faults.Add(1)
	if outcome == space.Resolved {
		m.resolvedFaults.Add(1)
	}

	return outcome
}

// resolveFault is invoked by the page fault handler for faults in the
// active address space.
func (m *Manager) resolveFault(addr uintptr, code vmm.FaultCode) *kernel.Error {
	switch m.PageFault(m.spaceFor(addr, activePDTFn()), addr, code) {
	case space.Resolved:
		return nil
	case space.OutOfMemory:
		return ErrOutOfMemory
	default:
		return ErrSegmentationViolation
	}
}

// Stats contains a snapshot of the memory manager state.
type Stats struct {
	TotalFrames uint32
	UsedFrames  uint32
	FreeFrames  uint32

	// Committed is the number of bytes backed by private pages across
	// all address spaces.
	Committed uintptr

	PurgeableVolatile    uintptr
	PurgeableNonVolatile uintptr

	AddressSpaces  int
	Faults         uint64
	ResolvedFaults uint64
	PurgedPages    uint64
}

// SystemStats returns a snapshot of the memory manager state.
func (m *Manager) SystemStats() Stats {
	m.lock.Acquire()
	stats := Stats{
		TotalFrames:    m.frames.TotalFrames(),
		UsedFrames:     m.frames.UsedFrames(),
		FreeFrames:     m.frames.FreeFrames(),
		AddressSpaces:  len(m.userSpaces),
		Faults:         m.faults.Load(),
		ResolvedFaults: m.resolvedFaults.Load(),
		PurgedPages:    m.purgedPages.Load(),
	}
	spaces := m.spacesLocked()
	m.lock.Release()

	for _, as := range spaces {
		stats.Committed += as.AmountResident() - as.AmountShared()
		stats.PurgeableVolatile += as.AmountPurgeableVolatile()
		stats.PurgeableNonVolatile += as.AmountPurgeableNonVolatile()
	}

	return stats
}

// PrintStats writes a summary of the memory manager state to the console.
func (m *Manager) PrintStats() {
	stats := m.SystemStats()
	kfmt.Printf("[mmgr] frames: %d total, %d used, %d free\n", stats.TotalFrames, stats.UsedFrames, stats.FreeFrames)
	kfmt.Printf("[mmgr] committed: %dKb, purgeable: %dKb volatile, %dKb non-volatile\n",
		uint64(stats.Committed/1024), uint64(stats.PurgeableVolatile/1024), uint64(stats.PurgeableNonVolatile/1024),
	)
	kfmt.Printf("[mmgr] %d address spaces, %d faults (%d resolved), %d purged pages\n",
		stats.AddressSpaces, stats.Faults, stats.ResolvedFaults, stats.PurgedPages,
	)
}
