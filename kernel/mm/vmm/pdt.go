package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBFn is used by tests to override calls to flushTLB.
	flushTLBFn = cpu.FlushTLB
)

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init sets up the page table directory stored in the supplied physical
// frame. The frame contents are cleared and, if kernelPDT is not nil, the
// top-level entries that map the kernel half of the address space are
// copied over so kernel code and data remain mapped while this table is
// active.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame, kernelPDT *PageDirectoryTable) *kernel.Error {
	pdt.pdtFrame = pdtFrame
	clearTable(pdtFrame)

	if kernelPDT == nil {
		return nil
	}

	for index := uintptr(kernelHalfFirstEntry); index < entriesPerTable; index++ {
		*tableEntry(pdtFrame, index) = *tableEntry(kernelPDT.pdtFrame, index)
	}

	return nil
}

// preallocateKernelHalf installs a table for every top-level entry of the
// kernel half. As the kernel half entries are copied into every new page
// directory table, kernel mappings established later become visible in all
// address spaces.
func (pdt PageDirectoryTable) preallocateKernelHalf() *kernel.Error {
	for index := uintptr(kernelHalfFirstEntry); index < entriesPerTable; index++ {
		pte := tableEntry(pdt.pdtFrame, index)
		if pte.HasFlags(FlagPresent) {
			continue
		}

		tableFrame, err := mm.AllocFrame()
		if err != nil {
			return err
		}

		clearTable(tableFrame)
		*pte = 0
		pte.SetFrame(tableFrame)
		pte.SetFlags(FlagPresent | FlagRW)
	}

	return nil
}

// Frame returns the physical frame that holds the top-level table.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// RootAddress returns the physical address of the top-level table. This is
// the value loaded into CR3 when this table becomes active.
func (pdt PageDirectoryTable) RootAddress() uintptr {
	return pdt.pdtFrame.Address()
}

// Activate enables this page directory table and flushes the TLB
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// IsActive returns true if this page directory table is loaded on the
// current CPU.
func (pdt PageDirectoryTable) IsActive() bool {
	return activePDTFn() == pdt.pdtFrame.Address()
}

// Destroy releases all page tables that map the user half of the address
// space as well as the top-level table itself. Frames referenced by the
// last-level entries are not released; they belong to whoever mapped them.
// The kernel half tables are shared and are left untouched.
func (pdt *PageDirectoryTable) Destroy() {
	if pdt.pdtFrame == mm.InvalidFrame {
		return
	}

	for index := uintptr(0); index < kernelHalfFirstEntry; index++ {
		pte := tableEntry(pdt.pdtFrame, index)
		if pte.HasFlags(FlagPresent) {
			releaseTable(pte.Frame(), 1)
			*pte = 0
		}
	}

	mm.FreeFrame(pdt.pdtFrame)
	pdt.pdtFrame = mm.InvalidFrame

	// The TLB is tagged with the root table address which may be reused
	// by a different page directory table.
	flushTLBFn()
}

// releaseTable recursively releases the page table at the given level and
// all tables it references.
func releaseTable(tableFrame mm.Frame, level uint8) {
	if level < pageLevels-1 {
		for index := uintptr(0); index < entriesPerTable; index++ {
			if pte := tableEntry(tableFrame, index); pte.HasFlags(FlagPresent) {
				releaseTable(pte.Frame(), level+1)
			}
		}
	}

	mm.FreeFrame(tableFrame)
}
