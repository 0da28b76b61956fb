// Package kheap implements the general purpose kernel heap. The heap starts
// out with a static pool that is part of the kernel image and grows by
// folding kernel regions obtained from the memory manager into its free
// space.
package kheap

import (
	"math"
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/space"
	"vmcore/kernel/mm/vmobject"
)

const (
	// ChunkSize is the allocation granularity of the heap.
	ChunkSize = uintptr(32)

	// BackupSize is the size of the region that the heap keeps in reserve
	// for its next expansion.
	BackupSize = uintptr(1 * mm.Mb)

	// MaxAlignment is the largest alignment supported by AllocateAligned.
	MaxAlignment = mm.PageSize

	// MaxAllocationSize is the largest request a subheap can index.
	MaxAllocationSize = math.MaxUint32 * ChunkSize

	// AllocScrubByte is written over newly allocated memory.
	AllocScrubByte = byte(0xbb)

	// FreeScrubByte is written over released memory.
	FreeScrubByte = byte(0xaa)

	subheapRegionName = "kmalloc subheap"
)

var (
	// ErrOutOfMemory is returned when an allocation cannot be satisfied
	// and the heap cannot be expanded.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of memory"}

	errInvalidPool       = &kernel.Error{Module: "kheap", Message: "heap pool must be non-empty and chunk-aligned"}
	errInvalidAlignment  = &kernel.Error{Module: "kheap", Message: "alignment must be a power of two not larger than the page size"}
	errEternalExhausted  = &kernel.Error{Module: "kheap", Message: "eternal heap range exhausted"}
	errInvalidFree       = &kernel.Error{Module: "kheap", Message: "attempted to free a pointer that was not returned by the heap"}
	errExpansionDisabled = &kernel.Error{Module: "kheap", Message: "heap expansion is not enabled"}
)

// Manager is the part of the memory manager that the heap depends on. The
// heap serializes its structural changes with the global memory manager
// lock since growing the heap allocates kernel regions whose bookkeeping is
// allocated from the heap again.
type Manager interface {
	Lock()
	Unlock()

	// Memset fills kernel virtual memory through the MMU.
	Memset(virtAddr uintptr, value byte, size uintptr) *kernel.Error

	AllocateKernelRegion(size uintptr, name string, access space.Access, strategy vmobject.Strategy) (*space.Region, *kernel.Error)
	DeallocateKernelRegion(region *space.Region) *kernel.Error
}

// Stats contains a snapshot of the heap state.
type Stats struct {
	AllocatedBytes uintptr
	FreeBytes      uintptr
	BackupBytes    uintptr
	EternalBytes   uintptr

	AllocateCalls uint64
	FreeCalls     uint64

	Subheaps       int
	Expansions     uint64
	BackupRequests uint64

	// PendingBackups is the number of deferred backup acquisitions that
	// have not run yet.
	PendingBackups int
}

// Heap is the kernel heap.
type Heap struct {
	mgr Manager

	// subheaps[0] is the static pool and is never removed.
	subheaps []*subheap

	backup           *space.Region
	expansionEnabled bool
	expanding        bool
	pendingBackups   int

	// aligned maps pointers returned by AllocateAligned to the underlying
	// allocation.
	aligned map[uintptr]uintptr

	eternal     mm.VirtualRange
	eternalNext uintptr

	allocateCalls  uint64
	freeCalls      uint64
	eternalBytes   uintptr
	expansions     uint64
	backupRequests uint64
}

// Init sets up a heap that serves allocations from the pool range and
// eternal allocations from the eternal range. Both ranges must already be
// mapped. The heap cannot grow until EnableExpansion is invoked.
func Init(mgr Manager, eternal, pool mm.VirtualRange) (*Heap, *kernel.Error) {
	if pool.Size < ChunkSize || pool.Base%ChunkSize != 0 {
		return nil, errInvalidPool
	}

	for _, rng := range []mm.VirtualRange{eternal, pool} {
		if rng.IsEmpty() {
			continue
		}
		if err := mgr.Memset(rng.Base, 0, rng.Size); err != nil {
			return nil, err
		}
	}

	return &Heap{
		mgr:         mgr,
		subheaps:    []*subheap{newSubheap(pool, nil)},
		aligned:     make(map[uintptr]uintptr),
		eternal:     eternal,
		eternalNext: eternal.Base,
	}, nil
}

// Allocate returns the address of a block of at least size bytes. If the
// heap is exhausted it is expanded; ErrOutOfMemory is returned if that is
// not possible.
func (h *Heap) Allocate(size uintptr) (uintptr, *kernel.Error) {
	h.mgr.Lock()
	defer h.mgr.Unlock()

	h.allocateCalls++
	if size > MaxAllocationSize {
		kfmt.Printf("[kheap] allocation of %d bytes exceeds the heap limit\n", size)
		return 0, ErrOutOfMemory
	}

	ptr, err := h.allocateLocked(size)
	if err != nil {
		return 0, err
	}

	if err = h.mgr.Memset(ptr, AllocScrubByte, size); err != nil {
		h.subheapFor(ptr).free(ptr)
		return 0, err
	}

	return ptr, nil
}

func (h *Heap) allocateLocked(size uintptr) (uintptr, *kernel.Error) {
	for {
		for _, sh := range h.subheaps {
			if ptr, ok := sh.allocate(size); ok {
				return ptr, nil
			}
		}

		if !h.addMemory(size) {
			kfmt.Printf("[kheap] unable to satisfy allocation of %d bytes\n", size)
			return 0, ErrOutOfMemory
		}
	}
}

// Free releases a block returned by Allocate. Freeing a nil pointer is a
// no-op; freeing any other pointer that was not returned by Allocate is a
// fatal error.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	h.mgr.Lock()
	defer h.mgr.Unlock()

	h.freeCalls++

	sh := h.subheapFor(ptr)
	if sh == nil || sh.allocationSize(ptr) == 0 {
		kfmt.Printf("[kheap] invalid free of 0x%x\n", ptr)
		kfmt.Panic(errInvalidFree)
		return
	}

	if err := h.mgr.Memset(ptr, FreeScrubByte, sh.allocationSize(ptr)); err != nil {
		kfmt.Panic(err)
	}
	sh.free(ptr)

	if sh != h.subheaps[0] && sh.allocatedChunks == 0 {
		h.removeSubheap(sh)
	}
}

// AllocateAligned returns a block of at least size bytes whose address is a
// multiple of align. Blocks must be released with FreeAligned.
func (h *Heap) AllocateAligned(size, align uintptr) (uintptr, *kernel.Error) {
	if align == 0 || align&(align-1) != 0 || align > MaxAlignment {
		return 0, errInvalidAlignment
	}

	if size > MaxAllocationSize-(align-1) {
		kfmt.Printf("[kheap] aligned allocation of %d bytes exceeds the heap limit\n", size)
		return 0, ErrOutOfMemory
	}

	h.mgr.Lock()
	defer h.mgr.Unlock()

	ptr, err := h.Allocate(size + align - 1)
	if err != nil {
		return 0, err
	}

	alignedPtr := (ptr + align - 1) &^ (align - 1)
	h.aligned[alignedPtr] = ptr
	return alignedPtr, nil
}

// FreeAligned releases a block returned by AllocateAligned.
func (h *Heap) FreeAligned(ptr uintptr) {
	if ptr == 0 {
		return
	}

	h.mgr.Lock()
	defer h.mgr.Unlock()

	origPtr, ok := h.aligned[ptr]
	if !ok {
		kfmt.Printf("[kheap] invalid aligned free of 0x%x\n", ptr)
		kfmt.Panic(errInvalidFree)
		return
	}
	delete(h.aligned, ptr)

	h.Free(origPtr)
}

// AllocateEternal returns a block of size bytes that is never released.
// Eternal blocks are handed out from a separate range with a bump
// allocator.
func (h *Heap) AllocateEternal(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (1 << mm.PointerShift) - 1) &^ ((1 << mm.PointerShift) - 1)

	h.mgr.Lock()
	defer h.mgr.Unlock()

	if size > h.eternal.End()-h.eternalNext {
		return 0, errEternalExhausted
	}

	ptr := h.eternalNext
	h.eternalNext += size
	h.eternalBytes += size
	return ptr, nil
}

// Stats returns a snapshot of the heap state.
func (h *Heap) Stats() Stats {
	h.mgr.Lock()
	defer h.mgr.Unlock()

	stats := Stats{
		EternalBytes:   h.eternalBytes,
		AllocateCalls:  h.allocateCalls,
		FreeCalls:      h.freeCalls,
		Subheaps:       len(h.subheaps),
		Expansions:     h.expansions,
		BackupRequests: h.backupRequests,
		PendingBackups: h.pendingBackups,
	}

	for _, sh := range h.subheaps {
		stats.AllocatedBytes += sh.allocatedBytes()
		stats.FreeBytes += sh.freeBytes()
	}

	if h.backup != nil {
		stats.BackupBytes = h.backup.Size()
	}

	return stats
}

// Contains returns true if ptr points inside the memory managed by one of
// the subheaps.
func (h *Heap) Contains(ptr uintptr) bool {
	h.mgr.Lock()
	defer h.mgr.Unlock()

	return h.subheapFor(ptr) != nil
}

func (h *Heap) subheapFor(ptr uintptr) *subheap {
	for _, sh := range h.subheaps {
		if sh.contains(ptr) {
			return sh
		}
	}
	return nil
}
