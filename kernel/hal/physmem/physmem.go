// Package physmem provides the RAM of the simulated machine. Physical
// addresses start at zero and are translated to host addresses by adding the
// arena base, which gives the kernel a direct map of all physical memory.
package physmem

import (
	"unsafe"
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
)

// pageSize is the granularity of the arena.
const pageSize = 4096

var (
	arena []byte
	base  uintptr
	size  uintptr

	// release undoes the platform-specific arena allocation.
	release func([]byte) error

	errAlreadyInitialized = &kernel.Error{Module: "physmem", Message: "physical memory already initialized"}
	errInvalidSize        = &kernel.Error{Module: "physmem", Message: "physical memory size must be a non-zero multiple of the page size"}
	errAllocFailed        = &kernel.Error{Module: "physmem", Message: "unable to reserve host memory for physical RAM"}
	errBusError           = &kernel.Error{Module: "physmem", Message: "access beyond the end of physical memory"}
)

// Init reserves ramSize bytes of zeroed host memory that back the physical
// address range [0, ramSize).
func Init(ramSize uintptr) *kernel.Error {
	if arena != nil {
		return errAlreadyInitialized
	}

	if ramSize == 0 || ramSize&(pageSize-1) != 0 {
		return errInvalidSize
	}

	mem, releaseFn, err := allocArena(ramSize)
	if err != nil {
		kfmt.Printf("[physmem] host allocation of %d bytes failed: %s\n", uint64(ramSize), err.Error())
		return errAllocFailed
	}

	arena, release, size = mem, releaseFn, ramSize
	base = uintptr(unsafe.Pointer(&arena[0]))
	return nil
}

// Release returns the arena to the host. Any host address previously
// obtained via HostAddr becomes invalid.
func Release() {
	if arena == nil {
		return
	}

	if err := release(arena); err != nil {
		kfmt.Printf("[physmem] unable to release physical memory: %s\n", err.Error())
	}
	arena, base, size, release = nil, 0, 0, nil
}

// Size returns the amount of simulated physical memory in bytes.
func Size() uintptr {
	return size
}

// Contains returns true if the physical range [physAddr, physAddr+length)
// is backed by RAM.
func Contains(physAddr, length uintptr) bool {
	return physAddr < size && length <= size-physAddr
}

// HostAddr returns the host address that physAddr maps to. Accessing an
// address outside the arena is fatal.
func HostAddr(physAddr uintptr) uintptr {
	if physAddr >= size {
		kfmt.Panic(errBusError)
	}
	return base + physAddr
}

// Bytes returns a byte slice overlaying the physical range
// [physAddr, physAddr+length).
func Bytes(physAddr, length uintptr) []byte {
	if !Contains(physAddr, length) {
		kfmt.Panic(errBusError)
	}
	return arena[physAddr : physAddr+length : physAddr+length]
}
