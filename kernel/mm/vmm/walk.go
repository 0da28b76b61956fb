package vmm

import (
	"unsafe"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/mm"
)

var (
	// ptePtrFn returns a pointer to the page table entry stored at the
	// supplied physical address. Page tables live in physical memory and
	// are reached through the direct map. It is used by tests to override
	// the generated page table entry pointers so walk() can be properly
	// tested.
	ptePtrFn = func(entryPhysAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(physmem.HostAddr(entryPhysAddr))
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *PageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the top-most table stored in rootFrame. It calls the suppplied walkFn with
// the page table entry that corresponds to each page table level. The walk
// descends into the table that the entry points to after walkFn returns so
// walkFn may install missing tables. If walkFn returns false then the walk
// is aborted.
func walk(rootFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		pte                              *PageTableEntry
	)

	for level, tableAddr = uint8(0), rootFrame.Address(); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)

		pte = (*PageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		tableAddr = pte.Frame().Address()
	}
}

// tableEntry returns a pointer to the entry with the given index in the page
// table stored at tableFrame.
func tableEntry(tableFrame mm.Frame, index uintptr) *PageTableEntry {
	return (*PageTableEntry)(ptePtrFn(tableFrame.Address() + (index << mm.PointerShift)))
}

// clearTable zeroes the contents of the page table stored at tableFrame.
func clearTable(tableFrame mm.Frame) {
	for index := uintptr(0); index < entriesPerTable; index++ {
		*tableEntry(tableFrame, index) = 0
	}
}

// isTableEmpty returns true if no entry of the table stored at tableFrame is
// present.
func isTableEmpty(tableFrame mm.Frame) bool {
	for index := uintptr(0); index < entriesPerTable; index++ {
		if tableEntry(tableFrame, index).HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}
