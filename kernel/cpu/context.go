package cpu

import (
	"runtime"
	"sync"
)

// context holds the per-execution-context CPU state.
type context struct {
	cpu         int
	irqDisabled bool
}

var (
	contextIDFn = goroutineID

	contexts sync.Map // uint64 -> *context
)

// ContextID returns a non-zero identifier for the execution context that is
// currently running.
func ContextID() uint64 {
	return contextIDFn()
}

// Bind attaches the current execution context to the simulated CPU with the
// given index. Contexts that never call Bind run on CPU 0.
func Bind(index int) {
	if index < 0 || index >= MaxCPUs {
		index = 0
	}
	current().cpu = index
}

// Index returns the index of the CPU that runs the current context.
func Index() int {
	return current().cpu
}

// Exit discards any state associated with the current execution context.
func Exit() {
	contexts.Delete(ContextID())
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	current().irqDisabled = false
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	current().irqDisabled = true
}

// InterruptsEnabled returns true if the current context accepts interrupts.
func InterruptsEnabled() bool {
	return !current().irqDisabled
}

// SaveAndDisableInterrupts disables interrupt handling and returns whether
// interrupts were enabled before the call. The returned value should be
// passed to RestoreInterrupts.
func SaveAndDisableInterrupts() bool {
	ctx := current()
	enabled := !ctx.irqDisabled
	ctx.irqDisabled = true
	return enabled
}

// RestoreInterrupts restores the interrupt flag to a value previously
// returned by SaveAndDisableInterrupts.
func RestoreInterrupts(enabled bool) {
	current().irqDisabled = !enabled
}

func current() *context {
	id := ContextID()
	if ctx, ok := contexts.Load(id); ok {
		return ctx.(*context)
	}

	ctx, _ := contexts.LoadOrStore(id, &context{})
	return ctx.(*context)
}

// goroutineID extracts the running goroutine's ID from the header line
// ("goroutine N [...") of its stack trace.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)

	var id uint64
	for i := len("goroutine "); i < n; i++ {
		ch := buf[i]
		if ch < '0' || ch > '9' {
			break
		}
		id = id*10 + uint64(ch-'0')
	}

	return id
}
