package pmm

import (
	"math/bits"
	"unsafe"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no free frames are left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrNoContiguousRun is returned when enough frames are free but no
	// run of them is long enough.
	ErrNoContiguousRun = &kernel.Error{Module: "pmm", Message: "no contiguous run of free frames is large enough"}

	errDoubleFree     = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not allocated"}
	errUntrackedFrame = &kernel.Error{Module: "pmm", Message: "frame is not tracked by the allocator"}
	errZeroFrameCount = &kernel.Error{Module: "pmm", Message: "requested a run of zero frames"}

	// lowMemoryEnd marks the end of the legacy BIOS area. Frames below
	// it are never handed out.
	lowMemoryEnd = mm.Frame((1 * mm.Mb) >> mm.PageShift)
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// used frame.
	freeBitmap []uint64

	// pages holds the PhysicalPage descriptor of each frame in the pool.
	pages []PhysicalPage
}

func (pool *framePool) frameCount() uint32 {
	return uint32(pool.endFrame - pool.startFrame + 1)
}

func (pool *framePool) contains(frame mm.Frame) bool {
	return frame >= pool.startFrame && frame <= pool.endFrame
}

func (pool *framePool) isUsed(bit uint32) bool {
	return pool.freeBitmap[bit>>6]&(1<<(bit&63)) != 0
}

// findFree returns the index of the first clear bit at or after from.
func (pool *framePool) findFree(from uint32) (uint32, bool) {
	count := pool.frameCount()
	for word := from >> 6; word < uint32(len(pool.freeBitmap)); word++ {
		free := ^pool.freeBitmap[word]
		if word == from>>6 {
			free &= ^uint64(0) << (from & 63)
		}

		if free == 0 {
			continue
		}

		bit := word<<6 + uint32(bits.TrailingZeros64(free))
		if bit >= count {
			return 0, false
		}
		return bit, true
	}

	return 0, false
}

// findRun returns the index of the first run of n clear bits at or after from.
func (pool *framePool) findRun(from, n uint32) (uint32, bool) {
	count := pool.frameCount()
	for start := from; start+n <= count; {
		var ok bool
		if start, ok = pool.findFree(start); !ok || start+n > count {
			return 0, false
		}

		runLen := uint32(1)
		for ; runLen < n && !pool.isUsed(start+runLen); runLen++ {
		}

		if runLen == n {
			return start, true
		}
		start += runLen
	}

	return 0, false
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool

	// The pool and bit index where the next scan starts.
	cursorPool int
	cursorBit  uint32

	zeroPage *PhysicalPage
}

// init allocates space for the allocator structures using the early bootmem
// allocator and flags any allocated pages as reserved.
func (alloc *BitmapAllocator) init(bootAlloc *BootMemAllocator) *kernel.Error {
	if err := alloc.setupPoolBitmaps(bootAlloc); err != nil {
		return err
	}

	alloc.reserveKernelFrames(bootAlloc)
	alloc.reserveEarlyAllocatorFrames(bootAlloc)
	alloc.MarkRangeUsed(0, uint32(lowMemoryEnd))
	alloc.printStats()

	var err *kernel.Error
	if alloc.zeroPage, err = alloc.AllocPage(true); err != nil {
		return err
	}
	alloc.zeroPage.flags |= pageFlagSharedZero
	return nil
}

// setupPoolBitmaps uses the early allocator to reserve the free bitmaps of
// all available memory pools. Bitmaps are carved out of physical memory and
// accessed through the direct map.
func (alloc *BitmapAllocator) setupPoolBitmaps(bootAlloc *BootMemAllocator) *kernel.Error {
	var err *kernel.Error

	alloc.pools = alloc.pools[:0]
	alloc.totalPages, alloc.reservedPages = 0, 0

	visitAvailableRegions(func(regionStartFrame, regionEndFrame mm.Frame) bool {
		alloc.pools = append(alloc.pools, framePool{
			startFrame: regionStartFrame,
			endFrame:   regionEndFrame,
		})
		return true
	})

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		pageCount := pool.frameCount()

		// To represent the free page bitmap we need pageCount bits. Since our
		// slice uses uint64 for storing the bitmap we need to round up the
		// required bits so they are a multiple of 64 bits
		bitmapWords := uintptr((pageCount + 63) >> 6)
		bitmapPages := mm.PageCount(bitmapWords << 3)

		var bitmapFrame mm.Frame
		if bitmapFrame, err = bootAlloc.allocContiguous(uint64(bitmapPages)); err != nil {
			return err
		}

		bitmapMem := physmem.Bytes(bitmapFrame.Address(), bitmapPages<<mm.PageShift)
		clear(bitmapMem)

		pool.freeBitmap = unsafe.Slice((*uint64)(unsafe.Pointer(&bitmapMem[0])), bitmapWords)
		pool.pages = make([]PhysicalPage, pageCount)
		for i := range pool.pages {
			pool.pages[i].frame = pool.startFrame + mm.Frame(i)
			pool.pages[i].alloc = alloc
		}
		pool.freeCount = pageCount
		alloc.totalPages += pageCount
	}

	return nil
}

// reserveKernelFrames makes sure that the physical pages used by the kernel
// image are marked as reserved.
func (alloc *BitmapAllocator) reserveKernelFrames(bootAlloc *BootMemAllocator) {
	alloc.MarkRangeUsed(bootAlloc.kernelFirst, uint32(bootAlloc.kernelLast-bootAlloc.kernelFirst+1))
}

// reserveEarlyAllocatorFrames marks all frames handed out by the boot memory
// allocator (including the pool bitmaps) as reserved. The boot allocator
// hands out frames in increasing order so every available frame up to its
// last allocation is in use.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames(bootAlloc *BootMemAllocator) {
	if bootAlloc.allocCount == 0 {
		return
	}

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.startFrame > bootAlloc.lastFrame {
			break
		}

		last := pool.endFrame
		if bootAlloc.lastFrame < last {
			last = bootAlloc.lastFrame
		}
		alloc.MarkRangeUsed(pool.startFrame, uint32(last-pool.startFrame+1))
	}
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[pmm] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// addPool registers a pool whose bitmap lives in regular Go memory.
func (alloc *BitmapAllocator) addPool(startFrame mm.Frame, frameCount uint32) {
	pool := framePool{
		startFrame: startFrame,
		endFrame:   startFrame + mm.Frame(frameCount) - 1,
		freeCount:  frameCount,
		freeBitmap: make([]uint64, (frameCount+63)>>6),
		pages:      make([]PhysicalPage, frameCount),
	}
	for i := range pool.pages {
		pool.pages[i].frame = startFrame + mm.Frame(i)
		pool.pages[i].alloc = alloc
	}

	alloc.pools = append(alloc.pools, pool)
	alloc.totalPages += frameCount
}

// lockAllocator disables interrupts and acquires the allocator lock. It
// returns the previous interrupt state which must be passed to
// unlockAllocator.
func (alloc *BitmapAllocator) lockAllocator() bool {
	irqEnabled := cpu.SaveAndDisableInterrupts()
	alloc.lock.Acquire()
	return irqEnabled
}

func (alloc *BitmapAllocator) unlockAllocator(irqEnabled bool) {
	alloc.lock.Release()
	cpu.RestoreInterrupts(irqEnabled)
}

// poolForFrame returns the index of the pool that contains frame or -1.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex := range alloc.pools {
		if alloc.pools[poolIndex].contains(frame) {
			return poolIndex
		}
	}

	return -1
}

// markFrame sets or clears the bitmap bit for frame and updates the free
// counters. It returns false if the bit already had the requested value.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, used bool) bool {
	pool := &alloc.pools[poolIndex]
	bit := uint32(frame - pool.startFrame)
	mask := uint64(1) << (bit & 63)

	if pool.isUsed(bit) == used {
		return false
	}

	if used {
		pool.freeBitmap[bit>>6] |= mask
		pool.freeCount--
		alloc.reservedPages++
	} else {
		pool.freeBitmap[bit>>6] &^= mask
		pool.freeCount++
		alloc.reservedPages--
	}

	return true
}

// AllocFrame reserves and returns the first free frame after the
// allocation cursor.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	irqEnabled := alloc.lockAllocator()
	defer alloc.unlockAllocator(irqEnabled)

	if alloc.reservedPages == alloc.totalPages {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	poolCount := len(alloc.pools)
	for attempt := 0; attempt <= poolCount; attempt++ {
		poolIndex := (alloc.cursorPool + attempt) % poolCount
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		// The first pool is scanned from the cursor; if that fails it
		// gets scanned again from the start as the last attempt.
		var from uint32
		if attempt == 0 {
			from = alloc.cursorBit
		}

		bit, ok := pool.findFree(from)
		if !ok {
			continue
		}

		frame := pool.startFrame + mm.Frame(bit)
		alloc.markFrame(poolIndex, frame, true)
		alloc.cursorPool, alloc.cursorBit = poolIndex, bit+1
		return frame, nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocContiguous reserves n physically contiguous frames and returns the
// first one. Runs never span pools.
func (alloc *BitmapAllocator) AllocContiguous(n uint32) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errZeroFrameCount
	}

	irqEnabled := alloc.lockAllocator()
	defer alloc.unlockAllocator(irqEnabled)

	if alloc.totalPages-alloc.reservedPages < n {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	poolCount := len(alloc.pools)
	for attempt := 0; attempt <= poolCount; attempt++ {
		poolIndex := (alloc.cursorPool + attempt) % poolCount
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < n {
			continue
		}

		var from uint32
		if attempt == 0 {
			from = alloc.cursorBit
		}

		bit, ok := pool.findRun(from, n)
		if !ok {
			continue
		}

		first := pool.startFrame + mm.Frame(bit)
		for frame := first; frame < first+mm.Frame(n); frame++ {
			alloc.markFrame(poolIndex, frame, true)
		}
		alloc.cursorPool, alloc.cursorBit = poolIndex, bit+n
		return first, nil
	}

	return mm.InvalidFrame, ErrNoContiguousRun
}

// FreeFrame returns a frame to the allocator. Freeing a frame that is not
// allocated or not tracked by the allocator halts the system.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	irqEnabled := alloc.lockAllocator()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		alloc.unlockAllocator(irqEnabled)
		kfmt.Printf("[pmm] free of frame 0x%x (phys: 0x%16x)\n", uintptr(frame), frame.Address())
		kfmt.Panic(errUntrackedFrame)
		return
	}

	if !alloc.markFrame(poolIndex, frame, false) {
		alloc.unlockAllocator(irqEnabled)
		kfmt.Printf("[pmm] free of frame 0x%x (phys: 0x%16x)\n", uintptr(frame), frame.Address())
		kfmt.Panic(errDoubleFree)
		return
	}

	alloc.unlockAllocator(irqEnabled)
}

// MarkRangeUsed flags count frames starting at start as reserved. Frames
// that are not tracked by the allocator or already reserved are ignored.
func (alloc *BitmapAllocator) MarkRangeUsed(start mm.Frame, count uint32) {
	alloc.markRange(start, count, true)
}

// MarkRangeFree flags count frames starting at start as available. Frames
// that are not tracked by the allocator or already free are ignored.
func (alloc *BitmapAllocator) MarkRangeFree(start mm.Frame, count uint32) {
	alloc.markRange(start, count, false)
}

func (alloc *BitmapAllocator) markRange(start mm.Frame, count uint32, used bool) {
	irqEnabled := alloc.lockAllocator()
	defer alloc.unlockAllocator(irqEnabled)

	end := start + mm.Frame(count)
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		for frame := max(start, pool.startFrame); frame < end && frame <= pool.endFrame; frame++ {
			alloc.markFrame(poolIndex, frame, used)
		}
	}
}

// TotalFrames returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	irqEnabled := alloc.lockAllocator()
	defer alloc.unlockAllocator(irqEnabled)
	return alloc.totalPages
}

// UsedFrames returns the number of reserved frames.
func (alloc *BitmapAllocator) UsedFrames() uint32 {
	irqEnabled := alloc.lockAllocator()
	defer alloc.unlockAllocator(irqEnabled)
	return alloc.reservedPages
}

// FreeFrames returns the number of available frames.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	irqEnabled := alloc.lockAllocator()
	defer alloc.unlockAllocator(irqEnabled)
	return alloc.totalPages - alloc.reservedPages
}

// IsFrameUsed returns true if frame is tracked by the allocator and reserved.
func (alloc *BitmapAllocator) IsFrameUsed(frame mm.Frame) bool {
	irqEnabled := alloc.lockAllocator()
	defer alloc.unlockAllocator(irqEnabled)

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return false
	}

	pool := &alloc.pools[poolIndex]
	return pool.isUsed(uint32(frame - pool.startFrame))
}

// VisitPools invokes visitor with the first and last (inclusive) frame of
// each pool managed by the allocator.
func (alloc *BitmapAllocator) VisitPools(visitor func(startFrame, endFrame mm.Frame)) {
	for poolIndex := range alloc.pools {
		visitor(alloc.pools[poolIndex].startFrame, alloc.pools[poolIndex].endFrame)
	}
}
