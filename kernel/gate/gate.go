// Package gate routes exceptions raised by the simulated CPUs to the
// handlers installed by the kernel.
package gate

import (
	"io"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/irq"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/sync"
)

// InterruptNumber is the vector of an exception or interrupt.
type InterruptNumber uint8

// Exception vectors raised by the memory management code.
const (
	GPFException       InterruptNumber = 13
	PageFaultException InterruptNumber = 14
)

var (
	handlersLock sync.Spinlock
	handlers     [256]func(*Registers)

	// depth counts the handlers running on each CPU.
	depth [cpu.MaxCPUs]int

	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt"}
)

// Registers is the register state captured when an exception is raised.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	// Info holds the error code pushed by the exception, if any.
	Info uint64

	// Interrupt return frame.
	RIP, CS, RFlags, RSP, SS uint64
}

// DumpTo writes the register state to w, two registers per line.
func (r *Registers) DumpTo(w io.Writer) {
	rows := [][2]struct {
		name string
		val  uint64
	}{
		{{"RAX", r.RAX}, {"RBX", r.RBX}},
		{{"RCX", r.RCX}, {"RDX", r.RDX}},
		{{"RSI", r.RSI}, {"RDI", r.RDI}},
		{{"RBP", r.RBP}, {"RSP", r.RSP}},
		{{"R8", r.R8}, {"R9", r.R9}},
		{{"R10", r.R10}, {"R11", r.R11}},
		{{"R12", r.R12}, {"R13", r.R13}},
		{{"R14", r.R14}, {"R15", r.R15}},
		{{"RIP", r.RIP}, {"RFL", r.RFlags}},
		{{"CS", r.CS}, {"SS", r.SS}},
	}

	for _, row := range rows {
		kfmt.Fprintf(w, "%-3s = %16x  %-3s = %16x\n", row[0].name, row[0].val, row[1].name, row[1].val)
	}
}

// Init removes all installed handlers.
func Init() {
	handlersLock.Acquire()
	handlers = [256]func(*Registers){}
	handlersLock.Release()
}

// HandleInterrupt installs handler for intNumber, replacing any previous one.
func HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	handlersLock.Acquire()
	handlers[intNumber] = handler
	handlersLock.Release()
}

// Dispatch delivers an exception to its handler on the current CPU. The
// handler runs with interrupts disabled and regs.Info carries the error
// code. When the outermost handler returns, the CPU runs its deferred calls
// and then restores its previous interrupt state. An exception without a
// handler panics the kernel.
func Dispatch(intNumber InterruptNumber, regs *Registers) {
	handlersLock.Acquire()
	handler := handlers[intNumber]
	handlersLock.Release()

	if handler == nil {
		kfmt.Printf("\nunhandled interrupt %d\n", uint8(intNumber))
		regs.DumpTo(kfmt.GetOutputSink())
		kfmt.Panic(errUnhandledInterrupt)
		return
	}

	cpuIndex := cpu.Index()
	enabled := cpu.SaveAndDisableInterrupts()
	depth[cpuIndex]++

	handler(regs)

	if depth[cpuIndex]--; depth[cpuIndex] == 0 {
		irq.RunDeferredCalls()
	}
	cpu.RestoreInterrupts(enabled)
}

// InHandler reports whether the current CPU is running a handler.
func InHandler() bool {
	return depth[cpu.Index()] != 0
}
