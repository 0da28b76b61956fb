package cpu

import (
	"sync"
	"testing"
)

func TestIsIntel(t *testing.T) {
	defer func() {
		cpuidFn = ID
	}()

	specs := []struct {
		eax, ebx, ecx, edx uint32
		exp                bool
	}{
		// CPUID output from an Intel CPU
		{0xd, 0x756e6547, 0x6c65746e, 0x49656e69, true},
		// CPUID output from an AMD Athlon CPU
		{0x1, 68747541, 0x444d4163, 0x69746e65, false},
	}

	for specIndex, spec := range specs {
		cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
			return spec.eax, spec.ebx, spec.ecx, spec.edx
		}

		if got := IsIntel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsIntel to return %t; got %t", specIndex, spec.exp, got)
		}
	}
}

func TestHasNX(t *testing.T) {
	defer SetNXSupport(true)

	if !HasNX() {
		t.Fatal("expected simulated CPU to support NX by default")
	}

	SetNXSupport(false)
	if HasNX() {
		t.Fatal("expected HasNX to return false after disabling NX support")
	}

	t.Run("missing extended leaf", func(t *testing.T) {
		defer func() {
			cpuidFn = ID
		}()
		cpuidFn = func(_ uint32) (uint32, uint32, uint32, uint32) {
			return 0xd, 0, 0, cpuidExtFeatureNX
		}

		if HasNX() {
			t.Fatal("expected HasNX to return false when leaf 0x80000001 is not available")
		}
	})
}

func TestHalt(t *testing.T) {
	defer func() {
		EnableInterrupts()
		if err := recover(); err != ErrHalted {
			t.Fatalf("expected Halt to panic with ErrHalted; got %v", err)
		}
	}()

	Halt()
	t.Fatal("expected Halt not to return")
}

func TestContextID(t *testing.T) {
	id := ContextID()
	if id == 0 {
		t.Fatal("expected a non-zero context ID")
	}

	if got := ContextID(); got != id {
		t.Fatalf("expected ContextID to be stable; got %d and %d", id, got)
	}

	var (
		wg      sync.WaitGroup
		otherID uint64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		otherID = ContextID()
	}()
	wg.Wait()

	if otherID == id {
		t.Fatal("expected different goroutines to report different context IDs")
	}
}

func TestInterruptFlag(t *testing.T) {
	defer Exit()

	if !InterruptsEnabled() {
		t.Fatal("expected interrupts to be enabled for a new context")
	}

	prev := SaveAndDisableInterrupts()
	if !prev || InterruptsEnabled() {
		t.Fatal("expected SaveAndDisableInterrupts to disable interrupts and report the previous state")
	}

	// The flag belongs to the context; other goroutines are not affected.
	done := make(chan bool)
	go func() {
		defer Exit()
		done <- InterruptsEnabled()
	}()
	if !<-done {
		t.Fatal("expected interrupts to remain enabled for other contexts")
	}

	if nested := SaveAndDisableInterrupts(); nested {
		t.Fatal("expected nested SaveAndDisableInterrupts call to report disabled interrupts")
	}
	RestoreInterrupts(false)
	if InterruptsEnabled() {
		t.Fatal("expected interrupts to stay disabled after restoring the nested state")
	}

	RestoreInterrupts(prev)
	if !InterruptsEnabled() {
		t.Fatal("expected interrupts to be enabled after restoring the original state")
	}
}

func TestBind(t *testing.T) {
	defer Exit()

	if got := Index(); got != 0 {
		t.Fatalf("expected unbound context to run on CPU 0; got %d", got)
	}

	Bind(3)
	if got := Index(); got != 3 {
		t.Fatalf("expected context to run on CPU 3; got %d", got)
	}

	Bind(MaxCPUs)
	if got := Index(); got != 0 {
		t.Fatalf("expected out of range CPU index to map to CPU 0; got %d", got)
	}
}

func TestTLB(t *testing.T) {
	defer Exit()

	Bind(1)
	defer SwitchPDT(0)

	root := uintptr(0x1000)
	SwitchPDT(root)
	if got := ActivePDT(); got != root {
		t.Fatalf("expected active PDT to be 0x%x; got 0x%x", root, got)
	}

	if _, ok := TLBLookup(root, 0x4000); ok {
		t.Fatal("expected TLB miss for an empty TLB")
	}

	TLBFill(root, 0x4123, 0xbeef)
	if entry, ok := TLBLookup(root, 0x4000); !ok || entry != 0xbeef {
		t.Fatalf("expected TLB hit with entry 0xbeef; got 0x%x (hit: %t)", entry, ok)
	}

	if _, ok := TLBLookup(root+0x1000, 0x4000); ok {
		t.Fatal("expected TLB entries to be tagged by the page table root")
	}

	before := ReadTLBStats()
	FlushTLBEntry(0x4fff)
	if _, ok := TLBLookup(root, 0x4000); ok {
		t.Fatal("expected TLB entry to be flushed")
	}
	if got := ReadTLBStats().EntryFlushes - before.EntryFlushes; got != 1 {
		t.Fatalf("expected entry flush counter to increase by 1; got %d", got)
	}

	TLBFill(root, 0x8000, 0xf00d)
	SwitchPDT(root)
	if _, ok := TLBLookup(root, 0x8000); ok {
		t.Fatal("expected SwitchPDT to flush the TLB")
	}

	TLBFill(root, 0x8000, 0xf00d)
	FlushTLB()
	if _, ok := TLBLookup(root, 0x8000); ok {
		t.Fatal("expected FlushTLB to flush the TLB")
	}
}

func TestCR2(t *testing.T) {
	defer Exit()

	WriteCR2(0xdeadb000)
	if got := ReadCR2(); got != 0xdeadb000 {
		t.Fatalf("expected CR2 to contain 0xdeadb000; got 0x%x", got)
	}
}
