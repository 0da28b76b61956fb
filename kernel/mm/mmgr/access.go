package mmgr

import (
	"vmcore/kernel"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vmm"
)

// maxFaultRetries bounds the number of faults raised for a single access.
// A resolved fault may be followed by a second one, e.g. a read of a
// reserved page followed by a write to it.
const maxFaultRetries = 3

var (
	errAccessNotResolved = &kernel.Error{Module: "mmgr", Message: "memory access still faults after the fault was resolved"}

	// replaced by tests
	raisePageFaultFn = vmm.RaisePageFault
	raiseGPFFn       = vmm.RaiseGeneralProtectionFault
)

// Memset fills size bytes starting at virtAddr in the active address space
// with value. The memory is accessed through the MMU; faults are raised
// and resolved like they would be for a kernel-mode store.
func (m *Manager) Memset(virtAddr uintptr, value byte, size uintptr) *kernel.Error {
	return m.access(virtAddr, size, vmm.AccessWrite, func(chunk []byte, _ uintptr) {
		for i := range chunk {
			chunk[i] = value
		}
	})
}

// WriteBytes copies data to virtAddr in the active address space.
func (m *Manager) WriteBytes(virtAddr uintptr, data []byte) *kernel.Error {
	return m.access(virtAddr, uintptr(len(data)), vmm.AccessWrite, func(chunk []byte, offset uintptr) {
		copy(chunk, data[offset:])
	})
}

// ReadBytes fills buf with the contents of virtAddr in the active address
// space.
func (m *Manager) ReadBytes(virtAddr uintptr, buf []byte) *kernel.Error {
	return m.access(virtAddr, uintptr(len(buf)), vmm.AccessRead, func(chunk []byte, offset uintptr) {
		copy(buf[offset:], chunk)
	})
}

// access splits [virtAddr, virtAddr+size) at page boundaries, translates
// each piece and passes the backing physical memory to fn along with the
// offset of the piece from virtAddr.
func (m *Manager) access(virtAddr, size uintptr, accessType vmm.AccessType, fn func(chunk []byte, offset uintptr)) *kernel.Error {
	for offset := uintptr(0); offset < size; {
		addr := virtAddr + offset
		chunkLen := mm.PageSize - vmm.PageOffset(addr)
		if chunkLen > size-offset {
			chunkLen = size - offset
		}

		physAddr, err := m.translate(addr, accessType)
		if err != nil {
			return err
		}

		fn(physmem.Bytes(physAddr, chunkLen), offset)
		offset += chunkLen
	}

	return nil
}

func (m *Manager) translate(virtAddr uintptr, accessType vmm.AccessType) (uintptr, *kernel.Error) {
	if !vmm.IsCanonical(virtAddr) {
		raiseGPFFn(virtAddr)
		return 0, ErrSegmentationViolation
	}

	for attempt := 0; attempt <= maxFaultRetries; attempt++ {
		as := m.spaceFor(virtAddr, activePDTFn())
		if as == nil {
			return 0, ErrSegmentationViolation
		}

		physAddr, code, ok := as.PDT().Resolve(virtAddr, accessType)
		if ok {
			return physAddr, nil
		}

		if attempt == maxFaultRetries {
			break
		}

		if err := raisePageFaultFn(virtAddr, code); err != nil {
			return 0, err
		}
	}

	return 0, errAccessNotResolved
}
