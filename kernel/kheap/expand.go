package kheap

import (
	"vmcore/kernel"
	"vmcore/kernel/irq"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/space"
	"vmcore/kernel/mm/vmobject"
)

var (
	// queueDeferredCallFn is mocked by tests and is automatically inlined
	// by the compiler.
	queueDeferredCallFn = irq.QueueDeferredCall
)

// EnableExpansion allows the heap to grow and acquires the first backup
// region. It must be invoked once the memory manager can allocate kernel
// regions.
func (h *Heap) EnableExpansion() *kernel.Error {
	h.mgr.Lock()
	defer h.mgr.Unlock()

	h.expansionEnabled = true
	return h.allocateBackupLocked()
}

// addMemory grows the heap so that an allocation of request bytes can be
// satisfied. The backup region is folded in first since doing so does not
// allocate. The acquisition of the next backup region is deferred to the
// next safe point of the current CPU. If the backup region is too small a
// larger region is allocated synchronously; its bookkeeping is served by
// the memory that was just added.
func (h *Heap) addMemory(request uintptr) bool {
	if !h.expansionEnabled {
		return false
	}

	// Allocations performed while a region is being obtained for the
	// heap must be served by the existing subheaps.
	if h.expanding {
		kfmt.Printf("[kheap] refusing nested heap expansion for %d bytes\n", request)
		return false
	}
	h.expanding = true
	defer func() { h.expanding = false }()

	region := h.backup
	if region == nil {
		kfmt.Printf("[kheap] cannot expand heap: no backup memory\n")
		return false
	}
	h.backup = nil

	sh := h.addSubheap(region)
	h.expansions++
	h.queueBackupAcquisition()

	if sh.freeBytes() >= request {
		return true
	}

	size := mm.PageRoundUp(memoryForBytes(request)) + BackupSize
	region, err := h.mgr.AllocateKernelRegion(size, subheapRegionName, space.AccessRead|space.AccessWrite, vmobject.AllocateNow)
	if err != nil {
		kfmt.Printf("[kheap] could not expand heap to satisfy allocation of %d bytes: %s\n", request, err.Error())
		return false
	}

	h.addSubheap(region)
	kfmt.Printf("[kheap] added %s of additional memory at 0x%x\n", mm.Size(region.Size()).String(), region.Base())
	return true
}

func (h *Heap) addSubheap(region *space.Region) *subheap {
	sh := newSubheap(region.Range(), region)
	h.subheaps = append(h.subheaps, sh)
	return sh
}

// removeSubheap detaches an empty subheap. Its region becomes the backup
// region if none is held. Otherwise the decision is deferred since
// releasing the region frees heap memory while the heap is being modified.
func (h *Heap) removeSubheap(sh *subheap) {
	region := sh.region

	if h.backup != nil {
		if err := queueDeferredCallFn(func() { h.retainOrRelease(region) }); err != nil {
			// Keep the subheap until a later free can queue the call.
			return
		}
	}

	for index, other := range h.subheaps {
		if other == sh {
			h.subheaps = append(h.subheaps[:index], h.subheaps[index+1:]...)
			break
		}
	}

	if h.backup == nil {
		h.backup = region
	}
}

// retainOrRelease runs as a deferred call for a region that was removed
// from the heap while a backup region was held.
func (h *Heap) retainOrRelease(region *space.Region) {
	h.mgr.Lock()
	defer h.mgr.Unlock()

	if h.backup == nil {
		h.backup = region
		return
	}

	if err := h.mgr.DeallocateKernelRegion(region); err != nil {
		kfmt.Printf("[kheap] unable to release subheap region at 0x%x: %s\n", region.Base(), err.Error())
	}
}

// queueBackupAcquisition schedules the acquisition of a new backup region.
func (h *Heap) queueBackupAcquisition() {
	if err := queueDeferredCallFn(h.acquireBackup); err != nil {
		kfmt.Printf("[kheap] unable to schedule backup acquisition: %s\n", err.Error())
		return
	}

	h.pendingBackups++
	h.backupRequests++
}

func (h *Heap) acquireBackup() {
	h.mgr.Lock()
	defer h.mgr.Unlock()

	h.pendingBackups--
	if err := h.allocateBackupLocked(); err != nil {
		kfmt.Printf("[kheap] unable to acquire backup memory: %s\n", err.Error())
	}
}

func (h *Heap) allocateBackupLocked() *kernel.Error {
	if !h.expansionEnabled {
		return errExpansionDisabled
	}

	if h.backup != nil {
		return nil
	}

	region, err := h.mgr.AllocateKernelRegion(BackupSize, subheapRegionName, space.AccessRead|space.AccessWrite, vmobject.AllocateNow)
	if err != nil {
		return err
	}

	// Allocating the region may have refilled the backup through a
	// nested free.
	if h.backup != nil {
		_ = h.mgr.DeallocateKernelRegion(region)
		return nil
	}

	h.backup = region
	return nil
}
