package vmm

import (
	"sync"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/gate"
	"vmcore/kernel/kfmt"
)

// FaultResolver attempts to resolve a page fault for faultAddress. It
// returns nil if the fault was resolved and the faulting access can be
// retried.
type FaultResolver func(faultAddress uintptr, code FaultCode) *kernel.Error

var (
	// replaced by tests
	handleInterruptFn = gate.HandleInterrupt
	dispatchFn        = gate.Dispatch
	readCR2Fn         = cpu.ReadCR2
	writeCR2Fn        = cpu.WriteCR2

	faultResolver FaultResolver

	// faultStatus maps an execution context to the error reported for the
	// last user-mode page fault it raised that could not be resolved.
	faultStatus sync.Map

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// InstallFaultHandlers installs the handlers for paging-related exceptions.
// Page faults are forwarded to resolver.
func InstallFaultHandlers(resolver FaultResolver) {
	faultResolver = resolver
	handleInterruptFn(gate.PageFaultException, pageFaultHandler)
	handleInterruptFn(gate.GPFException, generalProtectionFaultHandler)
}

// RaisePageFault delivers a page fault for an access to virtAddr that the
// MMU rejected with the supplied error code, the same way the CPU would.
// It returns nil if the fault handler resolved the fault and the access can
// be retried or the error that prevented a user-mode fault from being
// resolved. Unresolved faults in kernel-mode halt the system.
func RaisePageFault(virtAddr uintptr, code FaultCode) *kernel.Error {
	ctxID := cpu.ContextID()
	faultStatus.Delete(ctxID)

	writeCR2Fn(uint64(virtAddr))
	dispatchFn(gate.PageFaultException, &gate.Registers{Info: uint64(code)})

	if err, ok := faultStatus.LoadAndDelete(ctxID); ok {
		return err.(*kernel.Error)
	}
	return nil
}

// IsCanonical reports whether virtAddr lies in the user or the kernel half
// of the address space.
func IsCanonical(virtAddr uintptr) bool {
	return virtAddr < UserHalfEnd || virtAddr >= KernelHalfStart
}

// RaiseGeneralProtectionFault delivers the general protection fault caused
// by an access to the non-canonical address virtAddr.
func RaiseGeneralProtectionFault(virtAddr uintptr) {
	writeCR2Fn(uint64(virtAddr))
	dispatchFn(gate.GPFException, &gate.Registers{})
}

// pageFaultHandler forwards the fault to the installed resolver. Unresolved
// user-mode faults are reported to the faulting context; unresolved
// kernel-mode faults halt the system.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		code         = FaultCode(regs.Info)
		err          = errUnrecoverableFault
	)

	if faultResolver != nil {
		if err = faultResolver(faultAddress, code); err == nil {
			return
		}
	}

	// Faults caused by user-mode accesses are reported back to the
	// faulting context instead of bringing down the kernel.
	if code&FaultUser != 0 {
		faultStatus.Store(cpu.ContextID(), err)
		return
	}

	nonRecoverablePageFault(faultAddress, regs, err)
}

// generalProtectionFaultHandler is raised for non-canonical addresses. It
// always halts the system.
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	kfmt.Panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\n", faultAddress)
	kfmt.Printf("Reason: %s\n\nRegisters:\n", FaultCode(regs.Info).String())
	regs.DumpTo(kfmt.GetOutputSink())

	kfmt.Panic(err)
}
