package vmm

import "vmcore/kernel/mm"

// PageTableEntryFlag is a set of page table entry bits.
type PageTableEntryFlag uintptr

// PageTableEntry is an amd64 page table entry: a frame address in bits
// 12-51 plus flag bits.
type PageTableEntry uintptr

// HasFlags reports whether every bit in flags is set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return PageTableEntryFlag(pte)&flags == flags
}

// HasAnyFlag reports whether at least one bit in flags is set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return PageTableEntryFlag(pte)&flags != 0
}

// SetFlags sets the bits in flags.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= PageTableEntry(flags)
}

// ClearFlags clears the bits in flags.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= PageTableEntry(flags)
}

// Flags returns every bit outside the frame address.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// Frame returns the frame the entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(uintptr(pte) & ptePhysPageMask)
}

// SetFrame points the entry at frame, keeping its flags.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	*pte = PageTableEntry(uintptr(*pte)&^ptePhysPageMask | frame.Address())
}
