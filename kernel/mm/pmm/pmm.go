// Package pmm implements the physical frame allocators of the kernel.
package pmm

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// Init sets up the kernel physical memory allocation sub-system. The
// physical range [kernelStart, kernelEnd) of the loaded kernel image is never
// handed out.
//
// A boot memory allocator is used to bootstrap the bitmap allocator which is
// then registered as the frame allocator for the rest of the kernel.
func Init(kernelStart, kernelEnd uintptr) (*BitmapAllocator, *kernel.Error) {
	var bootMemAllocator BootMemAllocator
	bootMemAllocator.init(kernelStart, kernelEnd)
	bootMemAllocator.printMemoryMap()
	mm.SetFrameAllocator(bootMemAllocator.AllocFrame)
	mm.SetFrameReleaser(nil)

	bitmapAllocator := new(BitmapAllocator)
	if err := bitmapAllocator.init(&bootMemAllocator); err != nil {
		return nil, err
	}
	mm.SetFrameAllocator(bitmapAllocator.AllocFrame)
	mm.SetFrameReleaser(bitmapAllocator.FreeFrame)

	return bitmapAllocator, nil
}
