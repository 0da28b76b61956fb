package pmm

import (
	"vmcore/kernel"
	"vmcore/kernel/hal/multiboot"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// BootMemAllocator hands out frames while the kernel bootstraps the bitmap
// allocator. It walks the available regions of the bootloader memory map in
// increasing frame order and skips the frames occupied by the kernel image.
// Frames cannot be returned; the bitmap allocator takes over every frame
// up to lastFrame as reserved.
type BootMemAllocator struct {
	allocCount uint64
	lastFrame  mm.Frame

	kernelStart, kernelEnd  uintptr
	kernelFirst, kernelLast mm.Frame
}

// init resets the allocator for a kernel image occupying
// [kernelStart, kernelEnd).
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	*alloc = BootMemAllocator{
		kernelStart: kernelStart,
		kernelEnd:   kernelEnd,
		kernelFirst: mm.FrameFromAddress(kernelStart),
		kernelLast:  mm.FrameFromAddress(mm.PageRoundUp(kernelEnd)) - 1,
	}
}

// nextCandidate returns the lowest frame that may be handed out next.
func (alloc *BootMemAllocator) nextCandidate() mm.Frame {
	if alloc.allocCount == 0 {
		return 0
	}
	return alloc.lastFrame + 1
}

// AllocFrame reserves the next free frame or returns errBootAllocOutOfMemory
// once the memory map is exhausted.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	candidate := alloc.nextCandidate()
	found := false

	visitAvailableRegions(func(first, last mm.Frame) bool {
		if candidate < first {
			candidate = first
		}

		if candidate >= alloc.kernelFirst && candidate <= alloc.kernelLast {
			candidate = alloc.kernelLast + 1
		}

		found = candidate <= last
		return !found
	})

	if !found {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastFrame = candidate
	return candidate, nil
}

// allocContiguous reserves count physically contiguous frames. Frames that
// are passed over while looking for a long enough run stay allocated.
func (alloc *BootMemAllocator) allocContiguous(count uint64) (mm.Frame, *kernel.Error) {
	var (
		runStart mm.Frame
		runLen   uint64
	)

	for runLen < count {
		frame, err := alloc.AllocFrame()
		if err != nil {
			return mm.InvalidFrame, err
		}

		if runLen != 0 && frame != runStart+mm.Frame(runLen) {
			runLen = 0
		}
		if runLen == 0 {
			runStart = frame
		}
		runLen++
	}

	return runStart, nil
}

// printMemoryMap logs the bootloader memory map and the kernel image bounds.
func (alloc *BootMemAllocator) printMemoryMap() {
	var available mm.Size

	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String(),
		)

		if region.Type == multiboot.MemAvailable {
			available += mm.Size(region.Length)
		}
		return true
	})

	kfmt.Printf("[boot_mem_alloc] available memory: %s\n", available.String())
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x, reserved pages: %d\n",
		alloc.kernelStart, alloc.kernelEnd, uint64(alloc.kernelLast-alloc.kernelFirst+1),
	)
}

// visitAvailableRegions invokes visitor with the first and last frame of
// each available region of the memory map that is backed by RAM. Region
// bounds are rounded inwards to whole frames. The visitor returns false to
// stop the scan.
func visitAvailableRegions(visitor func(first, last mm.Frame) bool) {
	ramSize := uint64(physmem.Size())

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start := uint64(mm.PageRoundUp(uintptr(region.PhysAddress)))
		end := uint64(mm.PageRoundDown(uintptr(region.PhysAddress + region.Length)))
		if end > ramSize {
			end = ramSize
		}

		if end <= start {
			return true
		}

		return visitor(mm.FrameFromAddress(uintptr(start)), mm.FrameFromAddress(uintptr(end))-1)
	})
}
