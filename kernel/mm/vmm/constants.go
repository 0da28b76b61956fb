package vmm

const (
	// pageLevels is the depth of the amd64 page table hierarchy.
	pageLevels = 4

	// ptePhysPageMask selects the frame address (bits 12-51) of an entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// pteReservedMask covers the address bits above the 46-bit physical
	// address width of the simulated CPU. The MMU raises a reserved-bit
	// page fault if any of them is set.
	pteReservedMask = uintptr(0x000fc00000000000)

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 1 << 9

	// kernelHalfFirstEntry is the index of the first top-level entry that
	// maps the kernel half of the address space. Entries at or above this
	// index are shared by all page directory tables.
	kernelHalfFirstEntry = entriesPerTable / 2

	// KernelHalfStart is the lowest canonical kernel address.
	KernelHalfStart = uintptr(0xffff800000000000)

	// UserHalfEnd is the first address past the end of the canonical user half.
	UserHalfEnd = uintptr(0x0000800000000000)

	// KernelPageOffset is the link address of physical address 0 in the
	// kernel image mapping.
	KernelPageOffset = uintptr(0xffffffff80000000)
)

var (
	// Each level indexes 9 bits of the virtual address, starting with the
	// top-level table at bit 39.
	pageLevelBits   = [pageLevels]uint8{9, 9, 9, 9}
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// Page table entry flags. Bits 0-8 are defined by the architecture.
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThroughCaching
	FlagDoNotCache

	// FlagAccessed and FlagDirty are set by the MMU.
	FlagAccessed
	FlagDirty

	FlagHugePage

	// FlagGlobal entries survive TLB flushes caused by CR3 writes.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only entry whose frame is copied on the
	// first write. It uses one of the bits left to software.
	FlagCopyOnWrite = 1 << 9

	FlagNoExecute = 1 << 63
)

