// Package cpu implements the simulated processor the memory manager runs on.
// Each goroutine acts as an execution context bound to one of MaxCPUs
// simulated CPUs. A context owns its own interrupt flag while each CPU owns
// a CR2/CR3 register pair and a TLB.
package cpu

import (
	"sync/atomic"
	"vmcore/kernel"
)

// MaxCPUs is the number of simulated CPUs.
const MaxCPUs = 8

const (
	// cpuid leaf 0x80000001 EDX bit that advertises NX support.
	cpuidExtFeatureNX = 1 << 20

	// "GenuineIntel" as returned in EBX, EDX, ECX by cpuid leaf 0.
	vendorEBX = 0x756e6547
	vendorEDX = 0x49656e69
	vendorECX = 0x6c65746e
)

var (
	cpuidFn = ID

	// nxDisabled is toggled by SetNXSupport to model CPUs without the
	// no-execute page protection bit.
	nxDisabled uint32

	// ErrHalted is the value that Halt panics with. The hosted machine
	// cannot stop executing so halting unwinds the calling context instead.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}
)

// Halt stops instruction execution on the current context. Calls to Halt
// never return.
func Halt() {
	DisableInterrupts()
	panic(ErrHalted)
}

// ID returns information about the CPU and its features. It models a CPUID
// instruction with EAX=leaf and returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32) {
	switch leaf {
	case 0:
		return 0xd, vendorEBX, vendorECX, vendorEDX
	case 0x80000000:
		return 0x80000008, 0, 0, 0
	case 0x80000001:
		var edx uint32
		if atomic.LoadUint32(&nxDisabled) == 0 {
			edx |= cpuidExtFeatureNX
		}
		return 0, 0, 0, edx
	default:
		return 0, 0, 0, 0
	}
}

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == vendorEBX && // "Genu"
		edx == vendorEDX && // "ineI"
		ecx == vendorECX // "ntel"
}

// HasNX returns true if the CPU supports the no-execute page protection bit.
func HasNX() bool {
	if maxLeaf, _, _, _ := cpuidFn(0x80000000); maxLeaf < 0x80000001 {
		return false
	}

	_, _, _, edx := cpuidFn(0x80000001)
	return edx&cpuidExtFeatureNX != 0
}

// SetNXSupport controls whether the simulated CPUs advertise NX support.
func SetNXSupport(enabled bool) {
	if enabled {
		atomic.StoreUint32(&nxDisabled, 0)
		return
	}
	atomic.StoreUint32(&nxDisabled, 1)
}
