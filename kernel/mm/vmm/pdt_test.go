package vmm

import (
	"testing"
	"vmcore/kernel/cpu"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/mm"
)

func TestPageDirectoryTableInit(t *testing.T) {
	_, teardown := setupMachine(t)
	defer teardown()

	frame, _ := mm.AllocFrame()
	for i, buf := 0, physmem.Bytes(frame.Address(), mm.PageSize); i < len(buf); i++ {
		buf[i] = 0xff
	}

	var kernelPDT PageDirectoryTable
	if err := kernelPDT.Init(frame, nil); err != nil {
		t.Fatal(err)
	}

	if !isTableEmpty(frame) {
		t.Fatal("expected table contents to be cleared")
	}

	if err := kernelPDT.preallocateKernelHalf(); err != nil {
		t.Fatal(err)
	}

	userPDT := newTestPDT(t, &kernelPDT)
	for index := uintptr(0); index < entriesPerTable; index++ {
		got, exp := *tableEntry(userPDT.Frame(), index), *tableEntry(kernelPDT.Frame(), index)
		if index < kernelHalfFirstEntry {
			exp = 0
		}

		if got != exp {
			t.Fatalf("[entry %d] expected 0x%x; got 0x%x", index, exp, got)
		}
	}

	if exp := userPDT.Frame().Address(); userPDT.RootAddress() != exp {
		t.Fatalf("expected root address 0x%x; got 0x%x", exp, userPDT.RootAddress())
	}
}

func TestPageDirectoryTableActivate(t *testing.T) {
	_, teardown := setupMachine(t)
	defer teardown()

	origPDT := cpu.ActivePDT()
	defer cpu.SwitchPDT(origPDT)

	pdtA, pdtB := newTestPDT(t, nil), newTestPDT(t, nil)

	pdtA.Activate()
	if !pdtA.IsActive() || pdtB.IsActive() {
		t.Fatal("expected only PDT A to be active")
	}

	pdtB.Activate()
	if pdtA.IsActive() || !pdtB.IsActive() {
		t.Fatal("expected only PDT B to be active")
	}

	if got := cpu.ActivePDT(); got != pdtB.RootAddress() {
		t.Fatalf("expected CR3 to contain 0x%x; got 0x%x", pdtB.RootAddress(), got)
	}
}

func TestPageDirectoryTableDestroy(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	defer func(origFlushTLB func()) {
		flushTLBFn = origFlushTLB
	}(flushTLBFn)

	var flushCount int
	flushTLBFn = func() { flushCount++ }

	kernelPDT := newTestPDT(t, nil)
	if err := kernelPDT.preallocateKernelHalf(); err != nil {
		t.Fatal(err)
	}

	userPDT := newTestPDT(t, &kernelPDT)
	allocCount := alloc.allocCount

	userAddrs := []uintptr{0x1000, 0x2000, 0x8000000000}
	for _, addr := range userAddrs {
		if err := userPDT.Map(mm.PageFromAddress(addr), mm.Frame(0x20), FlagPresent|FlagUserAccessible); err != nil {
			t.Fatal(err)
		}
	}

	kernelPage := mm.PageFromAddress(0xffffc00000000000)
	if err := userPDT.Map(kernelPage, mm.Frame(0x21), FlagPresent); err != nil {
		t.Fatal(err)
	}

	// 3 tables for each of the two top-level user entries and 2 tables
	// below the shared kernel half table
	if exp := allocCount + 3 + 3 + 2; alloc.allocCount != exp {
		t.Fatalf("expected %d frames to be allocated; got %d", exp, alloc.allocCount)
	}

	rootFrame := userPDT.Frame()
	userPDT.Destroy()

	// user tables and the root table
	if exp := 3 + 3 + 1; alloc.freeCount != exp {
		t.Fatalf("expected %d frames to be released; got %d", exp, alloc.freeCount)
	}

	var rootReleased bool
	for _, frame := range alloc.free {
		if frame == 0x20 || frame == 0x21 {
			t.Fatalf("expected mapped frame %d not to be released", frame)
		}
		rootReleased = rootReleased || frame == rootFrame
	}
	if !rootReleased {
		t.Fatal("expected root table to be released")
	}

	if userPDT.Frame() != mm.InvalidFrame {
		t.Fatal("expected PDT frame to be invalidated")
	}

	if flushCount != 1 {
		t.Fatalf("expected TLB to be flushed once; got %d", flushCount)
	}

	// kernel mappings survive
	if _, err := kernelPDT.Translate(kernelPage.Address()); err != nil {
		t.Fatalf("expected kernel mapping to survive; got %v", err)
	}

	userPDT.Destroy()
	if alloc.freeCount != 3+3+1 || flushCount != 1 {
		t.Fatal("expected destroying an already destroyed PDT to be a no-op")
	}
}
