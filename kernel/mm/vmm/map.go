package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame using this PDT. Calls to Map will use the registered physical frame
// allocator to initialize missing page tables at each paging level supported
// by the MMU.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pte, err := pdt.EnsureEntry(page)
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	flushTLBEntryFn(page.Address())

	return nil
}

// EnsureEntry returns a pointer to the last-level page table entry for page,
// allocating and clearing any missing intermediate page tables. The returned
// entry may not be present.
func (pdt PageDirectoryTable) EnsureEntry(page mm.Page) (*PageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *PageTableEntry

		// Intermediate tables that lead to user pages must also be
		// accessible by user-mode code.
		tableFlags = FlagPresent | FlagRW
	)

	if page.Address() < UserHalfEnd {
		tableFlags |= FlagUserAccessible
	}

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		// If we reached the last level we have found the entry
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Missing intermediate tables are allocated zeroed.
		if !pte.HasFlags(FlagPresent) {
			var tableFrame mm.Frame
			if tableFrame, err = mm.AllocFrame(); err != nil {
				return false
			}

			clearTable(tableFrame)
			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(tableFlags)
		}

		return true
	})

	return entry, err
}

// Entry returns a pointer to the last-level page table entry for page or nil
// if one of the intermediate page tables is missing.
func (pdt PageDirectoryTable) Entry(page mm.Page) *PageTableEntry {
	var entry *PageTableEntry

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		return pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagHugePage)
	})

	return entry
}

// Unmap removes a mapping previously installed via a call to Map. Page tables
// that become empty are released back to the frame allocator, except for the
// kernel-half tables directly referenced by the top-level table which are
// shared by all page directory tables. Empty tables are also released when
// the leaf entry was not present, in which case ErrInvalidMapping is still
// returned.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	var (
		err         *kernel.Error
		leafMissing bool
		path        [pageLevels]*PageTableEntry
	)

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *PageTableEntry) bool {
		path[pteLevel] = pte

		// Leaf entry: clear it and drop the stale translation.
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				leafMissing = true
				return true
			}

			*pte = 0
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return err
	}

	lowestLevel := uint8(0)
	if page.Address() >= KernelHalfStart {
		lowestLevel = 1
	}

	// Walk back up releasing any tables that no longer map anything
	for level := uint8(pageLevels - 2); level >= lowestLevel && level < pageLevels; level-- {
		tableFrame := path[level].Frame()
		if !isTableEmpty(tableFrame) {
			break
		}

		*path[level] = 0
		mm.FreeFrame(tableFrame)
	}

	if leafMissing {
		return ErrInvalidMapping
	}
	return nil
}

// Translate walks the tables and returns the physical address mapped at
// virtAddr or ErrInvalidMapping. Access rights and the TLB are ignored.
func (pdt PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte := pdt.Entry(mm.PageFromAddress(virtAddr))
	if pte == nil || !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
