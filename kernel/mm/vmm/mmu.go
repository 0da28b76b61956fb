package vmm

import (
	"strconv"
	"vmcore/kernel/cpu"
)

// FaultCode is the error code reported by the MMU when a page fault occurs.
type FaultCode uint64

const (
	// FaultProtection is set when the fault was caused by a page-level
	// protection violation and cleared when it was caused by a
	// non-present page.
	FaultProtection FaultCode = 1 << iota

	// FaultWrite is set when the access causing the fault was a write.
	FaultWrite

	// FaultUser is set when the access causing the fault originated in
	// user-mode.
	FaultUser

	// FaultReservedBit is set when a reserved bit was found set in one
	// of the page table entries.
	FaultReservedBit

	// FaultInstructionFetch is set when the access causing the fault was
	// an instruction fetch.
	FaultInstructionFetch
)

const faultCodeMask = FaultProtection | FaultWrite | FaultUser | FaultReservedBit | FaultInstructionFetch

// String describes the faulting access, e.g. "user-mode write: protection
// violation".
func (c FaultCode) String() string {
	if c&^faultCodeMask != 0 {
		return "unknown fault code 0x" + strconv.FormatUint(uint64(c), 16)
	}

	mode := "kernel-mode"
	if c&FaultUser != 0 {
		mode = "user-mode"
	}

	access := "read"
	switch {
	case c&FaultInstructionFetch != 0:
		access = "instruction fetch"
	case c&FaultWrite != 0:
		access = "write"
	}

	cause := "non-present page"
	switch {
	case c&FaultReservedBit != 0:
		cause = "reserved bit set in page table"
	case c&FaultProtection != 0:
		cause = "protection violation"
	}

	return mode + " " + access + ": " + cause
}

// AccessType describes a memory access checked by the MMU.
type AccessType uint8

// The supported access types. They can be combined.
const (
	AccessRead    AccessType = 0
	AccessWrite              = AccessType(FaultWrite)
	AccessUser               = AccessType(FaultUser)
	AccessExecute            = AccessType(FaultInstructionFetch)
)

var (
	tlbLookupFn = cpu.TLBLookup
	tlbFillFn   = cpu.TLBFill
	hasNXFn     = cpu.HasNX
)

// Resolve translates virtAddr the same way the MMU does when an access of
// the given type is performed while this table is active. Cached
// translations are served from the TLB of the current CPU. On a TLB miss the
// page tables are walked, the accessed and dirty bits are updated and the
// result is cached.
//
// If the access is not permitted, Resolve returns false together with the
// error code that the MMU would report.
func (pdt PageDirectoryTable) Resolve(virtAddr uintptr, access AccessType) (uintptr, FaultCode, bool) {
	root := pdt.pdtFrame.Address()

	if cached, ok := tlbLookupFn(root, virtAddr); ok {
		entry := PageTableEntry(cached)
		if checkAccess(entry, access) == 0 && (access&AccessWrite == 0 || entry.HasFlags(FlagDirty)) {
			return entry.Frame().Address() + PageOffset(virtAddr), 0, true
		}
	}

	var (
		code      FaultCode
		leaf      *PageTableEntry
		effective = FlagRW | FlagUserAccessible
		nxEnabled = hasNXFn()
	)

	walk(pdt.pdtFrame, virtAddr, func(pteLevel uint8, pte *PageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			code = FaultCode(access)
			return false
		}

		if uintptr(*pte)&pteReservedMask != 0 ||
			(pte.HasFlags(FlagNoExecute) && !nxEnabled) ||
			(pte.HasFlags(FlagHugePage) && pteLevel != pageLevels-1) {
			code = FaultCode(access) | FaultProtection | FaultReservedBit
			return false
		}

		// Access rights are the intersection of the rights at each level
		effective &= pte.Flags() | ^(FlagRW | FlagUserAccessible)
		if pte.HasFlags(FlagNoExecute) {
			effective |= FlagNoExecute
		}

		if pteLevel == pageLevels-1 {
			leaf = pte
		}
		return true
	})

	if leaf == nil {
		return 0, code, false
	}

	entry := PageTableEntry(leaf.Frame().Address()) | PageTableEntry(effective|FlagPresent)
	if code = checkAccess(entry, access); code != 0 {
		return 0, code, false
	}

	leaf.SetFlags(FlagAccessed)
	if access&AccessWrite != 0 {
		leaf.SetFlags(FlagDirty)
		entry.SetFlags(FlagDirty)
	}
	tlbFillFn(root, virtAddr, uint64(entry))

	return leaf.Frame().Address() + PageOffset(virtAddr), 0, true
}

// checkAccess returns the fault code for performing an access of the given
// type through a present entry with the supplied effective rights or 0 if
// the access is permitted.
func checkAccess(entry PageTableEntry, access AccessType) FaultCode {
	switch {
	case access&AccessWrite != 0 && !entry.HasFlags(FlagRW),
		access&AccessUser != 0 && !entry.HasFlags(FlagUserAccessible),
		access&AccessExecute != 0 && entry.HasFlags(FlagNoExecute):
		return FaultCode(access) | FaultProtection
	default:
		return 0
	}
}
