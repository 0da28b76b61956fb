package kfmt

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"

	"github.com/pkg/errors"
)

var (
	// cpuHaltFn is replaced by tests.
	cpuHaltFn = cpu.Halt

	cpuIndexFn = cpu.Index

	panicBanner = "\n-----------------------------------\n"
)

// Panic writes e to the console and halts the current CPU. It accepts a
// *kernel.Error, a string, any other error or nil. Errors wrapped with
// github.com/pkg/errors report the module of the *kernel.Error at the root of
// the chain. Panic never returns.
func Panic(e interface{}) {
	Printf("%s", panicBanner)
	if err := panicCause(e); err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic on cpu %d: system halted ***", cpuIndexFn())
	Printf("%s", panicBanner)

	cpuHaltFn()
}

// panicCause converts a Panic argument into a *kernel.Error.
func panicCause(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case nil:
		return nil
	case *kernel.Error:
		return t
	case string:
		return &kernel.Error{Module: "rt", Message: t}
	case error:
		if kerr, ok := errors.Cause(t).(*kernel.Error); ok {
			return &kernel.Error{Module: kerr.Module, Message: t.Error()}
		}
		return &kernel.Error{Module: "rt", Message: t.Error()}
	default:
		return &kernel.Error{Module: "rt", Message: "unknown cause"}
	}
}
