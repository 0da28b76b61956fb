// Package kmain brings up the memory management core in the order that the
// real kernel entrypoint would.
package kmain

import (
	"vmcore/kernel"
	"vmcore/kernel/hal/multiboot"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/kheap"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/mmgr"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vmm"
)

const (
	// HeapSection is the kernel image section that holds the static
	// kernel heap pool.
	HeapSection = ".heap"

	// EternalHeapSection is the kernel image section that serves eternal
	// heap allocations.
	EternalHeapSection = ".heap_eternal"
)

var (
	errNoHeapSection = &kernel.Error{Module: "kmain", Message: "kernel image does not contain a .heap section"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	pmmInitFn = pmm.Init
	vmmInitFn = vmm.Init
)

// Kernel holds the memory management state established during boot.
type Kernel struct {
	Frames *pmm.BitmapAllocator
	Image  *vmm.KernelImage
	MM     *mmgr.Manager
	Heap   *kheap.Heap

	// ReleasedInitFrames is the number of frames reclaimed from the
	// discardable-after-init section.
	ReleasedInitFrames int
}

// Boot initializes the memory management core using the multiboot info
// payload at multibootInfoPtr:
//   - the frame allocator is set up from the memory map while the frames of
//     the kernel image are kept reserved.
//   - the kernel image is mapped using a new page directory table.
//   - the memory manager and the kernel heap are created and the heap is
//     allowed to expand.
//   - the after-init protections are applied.
func Boot(multibootInfoPtr uintptr) (*Kernel, *kernel.Error) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var (
		k   Kernel
		err *kernel.Error
	)

	kernelStart, kernelEnd := vmm.KernelImageBounds()
	if k.Frames, err = pmmInitFn(kernelStart, kernelEnd); err != nil {
		return nil, err
	} else if k.Image, err = vmmInitFn(); err != nil {
		return nil, err
	}

	k.MM = mmgr.New(k.Frames, k.Image.PDT())

	pool, ok := k.Image.Section(HeapSection)
	if !ok {
		return nil, errNoHeapSection
	}
	eternal, _ := k.Image.Section(EternalHeapSection)

	if k.Heap, err = kheap.Init(k.MM, eternal, pool); err != nil {
		return nil, err
	}

	// From this point on region bookkeeping is served by the heap and
	// the heap can grow by allocating kernel regions.
	k.MM.SetMetadataAllocator(k.Heap)
	k.MM.InstallFaultHandlers()
	if err = k.Heap.EnableExpansion(); err != nil {
		return nil, err
	}

	k.Image.ProtectReadOnlyAfterInit()
	k.ReleasedInitFrames = k.Image.UnmapAfterInit(mm.FreeFrame)

	k.PrintStats()
	return &k, nil
}

// PrintStats writes a summary of the memory manager and heap state to the
// console.
func (k *Kernel) PrintStats() {
	k.MM.PrintStats()

	stats := k.Heap.Stats()
	kfmt.Printf("[kheap] %d subheaps: %d bytes allocated, %d free, %d backup, %d eternal\n",
		stats.Subheaps, stats.AllocatedBytes, stats.FreeBytes, stats.BackupBytes, stats.EternalBytes,
	)
}
