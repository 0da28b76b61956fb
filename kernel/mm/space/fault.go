package space

import (
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm/vmm"
	"vmcore/kernel/mm/vmobject"
)

// FaultOutcome describes how a page fault was handled.
type FaultOutcome uint8

const (
	// Resolved indicates that the faulting access can be retried.
	Resolved FaultOutcome = iota

	// SegmentationViolation indicates that the access is not permitted
	// by the region that contains the address or that no such region
	// exists.
	SegmentationViolation

	// OutOfMemory indicates that the fault could not be resolved because
	// a page or a page table could not be allocated.
	OutOfMemory
)

// String implements fmt.Stringer for FaultOutcome.
func (o FaultOutcome) String() string {
	switch o {
	case Resolved:
		return "resolved"
	case SegmentationViolation:
		return "segmentation violation"
	case OutOfMemory:
		return "out of memory"
	default:
		return "unknown"
	}
}

// PageFault handles a fault for an access to addr that the MMU rejected
// with the supplied error code.
//
// Faults on pages backed by the shared zero page commit a private zeroed
// page and faults on copy-on-write pages give the object an exclusive copy.
// In both cases every mapping of the object is refreshed before PageFault
// returns.
func (as *AddressSpace) PageFault(addr uintptr, code vmm.FaultCode) FaultOutcome {
	if code&vmm.FaultReservedBit != 0 {
		kfmt.Printf("[space] reserved bit violation at address 0x%16x (code: 0x%x)\n", addr, uint64(code))
		kfmt.Panic(errCorruptPageTable)
		return SegmentationViolation
	}

	as.lock.Acquire()

	region := as.findContainingLocked(addr)
	if region == nil || (code&vmm.FaultUser != 0 && !as.user) {
		as.lock.Release()
		return SegmentationViolation
	}

	var (
		index   = region.pageIndex(addr)
		write   = code&vmm.FaultWrite != 0
		fetch   = code&vmm.FaultInstructionFetch != 0
		present = code&vmm.FaultProtection != 0
	)

	switch {
	case write && !region.IsWritable(),
		fetch && !region.IsExecutable(),
		!write && !fetch && !region.IsReadable() && !region.IsWritable():
		as.lock.Release()
		return SegmentationViolation
	case write && region.needsCommit(index):
		return as.commitPage(region, index)
	case present && !write && !fetch:
		// Present pages only fault on writes or fetches
		as.lock.Release()
		return SegmentationViolation
	}

	// The translation is missing or stale
	err := region.mapPage(as, index)
	as.lock.Release()

	if err != nil {
		return OutOfMemory
	}
	return Resolved
}

// commitPage gives the object of region a private page for the page at
// index and refreshes every mapping of it. It is called with the space lock
// held and releases it.
func (as *AddressSpace) commitPage(region *Region, index uintptr) FaultOutcome {
	obj, ok := region.obj.(vmobject.Committable)
	if !ok {
		as.lock.Release()
		return SegmentationViolation
	}

	var (
		objIndex = region.offset + index
		outcome  = Resolved
	)

	if region.Page(index).IsSharedZeroPage() {
		if _, err := obj.HandleZeroFault(objIndex); err != nil {
			outcome = OutOfMemory
		}
	} else if err := obj.HandleCoWFault(objIndex); err != nil {
		outcome = OutOfMemory
	}
	as.lock.Release()

	if outcome != Resolved {
		return outcome
	}

	if err := vmobject.Remap(obj, objIndex); err != nil {
		return OutOfMemory
	}

	return Resolved
}
