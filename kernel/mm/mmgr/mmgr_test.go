package mmgr

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/gate"
	"vmcore/kernel/hal/multiboot"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/space"
	"vmcore/kernel/mm/vmm"
	"vmcore/kernel/mm/vmobject"
)

// setupMachine boots the frame allocator on an 8Mb machine and creates a
// memory manager with an empty kernel page directory table.
func setupMachine(t *testing.T) (*Manager, func()) {
	if err := physmem.Init(uintptr(8 * mm.Mb)); err != nil {
		t.Fatal(err)
	}

	var builder multiboot.InfoBuilder
	builder.AddMemoryRegion(0, 0x9fc00, multiboot.MemAvailable)
	builder.AddMemoryRegion(0x100000, uint64(7*mm.Mb), multiboot.MemAvailable)
	info := builder.Build()
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

	origSink := kfmt.GetOutputSink()
	kfmt.SetOutputSink(&bytes.Buffer{})

	alloc, err := pmm.Init(0x100000, 0x180000)
	if err != nil {
		t.Fatal(err)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	kernelPDT := new(vmm.PageDirectoryTable)
	if err = kernelPDT.Init(frame, nil); err != nil {
		t.Fatal(err)
	}
	cpu.FlushTLB()

	return New(alloc, kernelPDT), func() {
		gate.Init()
		cpu.SwitchPDT(0)
		kfmt.SetOutputSink(origSink)
		mm.SetFrameAllocator(nil)
		mm.SetFrameReleaser(nil)
		multiboot.SetInfoPtr(0)
		cpu.FlushTLB()
		physmem.Release()
		_ = info[0]
	}
}

func (m *Manager) createSpace(t *testing.T, parent *space.AddressSpace) *space.AddressSpace {
	t.Helper()

	as, err := m.CreateAddressSpace(parent)
	if err != nil {
		t.Fatal(err)
	}
	return as
}

func mapPurgeable(t *testing.T, m *Manager, as *space.AddressSpace, base uintptr, pages uintptr) *vmobject.Purgeable {
	t.Helper()

	obj, err := vmobject.NewPurgeable(m.Pages(), pages*mm.PageSize, vmobject.AllocateNow)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Unref()

	if _, err = as.AllocateRegionWithVMObject(mm.VirtualRange{Base: base, Size: pages * mm.PageSize}, obj, 0, "cache", space.AccessRead|space.AccessWrite, false); err != nil {
		t.Fatal(err)
	}
	return obj
}

func TestKernelRegions(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	alloc := func() *space.Region {
		t.Helper()

		region, err := m.AllocateKernelRegion(5000, "test", space.AccessRead|space.AccessWrite, vmobject.AllocateNow)
		if err != nil {
			t.Fatal(err)
		}
		return region
	}

	// Intermediate page tables of the kernel half are retained once
	// created.
	if err := m.DeallocateKernelRegion(alloc()); err != nil {
		t.Fatal(err)
	}

	freeFrames := m.Frames().FreeFrames()
	region := alloc()

	if exp := 2 * mm.PageSize; region.Size() != exp {
		t.Fatalf("expected the region size to be rounded up to %d; got %d", exp, region.Size())
	}

	if !space.KernelWindow.ContainsRange(region.Range()) {
		t.Fatalf("expected the region to be placed in the kernel window; got 0x%x", region.Base())
	}

	if found := m.KernelSpace().FindRegionContaining(region.Base() + mm.PageSize); found != region {
		t.Fatal("expected the region to be registered with the kernel space")
	}

	if err := m.DeallocateKernelRegion(region); err != nil {
		t.Fatal(err)
	}

	if got := m.Frames().FreeFrames(); got != freeFrames {
		t.Fatalf("expected %d free frames after the region was released; got %d", freeFrames, got)
	}

	if err := m.DeallocateKernelRegion(region); err != space.ErrNotFound {
		t.Fatalf("expected to get space.ErrNotFound; got %v", err)
	}

	t.Run("invalid size", func(t *testing.T) {
		if _, err := m.AllocateKernelRegion(0, "empty", space.AccessRead, vmobject.Reserve); err != space.ErrInvalidRange {
			t.Fatalf("expected to get space.ErrInvalidRange; got %v", err)
		}
	})
}

func TestAllocateKernelRegionForPhysical(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	const physAddr = uintptr(0x300000)

	specs := []struct {
		cacheable bool
	}{
		{true},
		{false},
	}

	for specIndex, spec := range specs {
		region, err := m.AllocateKernelRegionForPhysical(physAddr, mm.PageSize+1, "mmio", space.AccessRead|space.AccessWrite, spec.cacheable)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if region.Size() != 2*mm.PageSize || !region.IsShared() {
			t.Errorf("[spec %d] expected a shared region of 2 pages", specIndex)
		}

		for page := uintptr(0); page < 2; page++ {
			pte := m.KernelSpace().PDT().Entry(mm.PageFromAddress(region.Base() + page*mm.PageSize))
			if pte == nil {
				t.Fatalf("[spec %d] expected page %d to be mapped", specIndex, page)
			}

			if exp := mm.FrameFromAddress(physAddr) + mm.Frame(page); pte.Frame() != exp {
				t.Errorf("[spec %d] expected page %d to map frame %d; got %d", specIndex, page, exp, pte.Frame())
			}

			if got := pte.HasFlags(vmm.FlagDoNotCache); got == spec.cacheable {
				t.Errorf("[spec %d] expected DoNotCache to be %t", specIndex, !spec.cacheable)
			}
		}

		data := []byte("device")
		if err = m.WriteBytes(region.Base()+mm.PageSize-2, data); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if got := physmem.Bytes(physAddr+mm.PageSize-2, uintptr(len(data))); !bytes.Equal(got, data) {
			t.Errorf("[spec %d] expected the write to reach physical memory; got %q", specIndex, got)
		}

		if err = m.DeallocateKernelRegion(region); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}
	}

	t.Run("unaligned physical address", func(t *testing.T) {
		if _, err := m.AllocateKernelRegionForPhysical(physAddr+0x10, mm.PageSize, "mmio", space.AccessRead, true); err == nil {
			t.Fatal("expected to get an error")
		}

		if got := m.KernelSpace().RegionCount(); got != 0 {
			t.Fatalf("expected no regions to be left behind; got %d", got)
		}
	})
}

func TestAddressSpaces(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	parent := m.createSpace(t, nil)
	if _, err := parent.AllocateRegion(mm.VirtualRange{Base: 0x10000, Size: mm.PageSize}, "data", space.AccessRead|space.AccessWrite, vmobject.AllocateNow); err != nil {
		t.Fatal(err)
	}

	child := m.createSpace(t, parent)
	if child.RegionCount() != 1 {
		t.Fatalf("expected the child to inherit 1 region; got %d", child.RegionCount())
	}

	if got := m.AddressSpaces(); len(got) != 2 || got[0] != parent || got[1] != child {
		t.Fatalf("expected the manager to track both spaces; got %v", got)
	}

	if got := m.SystemStats().AddressSpaces; got != 2 {
		t.Fatalf("expected 2 address spaces; got %d", got)
	}

	t.Run("kernel space fork", func(t *testing.T) {
		if _, err := m.CreateAddressSpace(m.KernelSpace()); err == nil {
			t.Fatal("expected forking the kernel space to fail")
		}

		if got := len(m.AddressSpaces()); got != 2 {
			t.Fatalf("expected the failed fork not to be tracked; got %d spaces", got)
		}
	})

	if err := m.DestroyAddressSpace(child); err != nil {
		t.Fatal(err)
	}

	if err := m.DestroyAddressSpace(child); err != errUnknownSpace {
		t.Fatalf("expected to get errUnknownSpace; got %v", err)
	}

	if err := m.DestroyAddressSpace(m.KernelSpace()); err != errUnknownSpace {
		t.Fatalf("expected to get errUnknownSpace; got %v", err)
	}

	if err := m.DestroyAddressSpace(parent); err != nil {
		t.Fatal(err)
	}

	if got := len(m.AddressSpaces()); got != 0 {
		t.Fatalf("expected no address spaces; got %d", got)
	}
}

func TestPurge(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	as := m.createSpace(t, nil)
	defer func() { _ = m.DestroyAddressSpace(as) }()

	first := mapPurgeable(t, m, as, 0x100000, 2)
	second := mapPurgeable(t, m, as, 0x200000, 3)
	pinned := mapPurgeable(t, m, as, 0x300000, 1)

	first.SetVolatile(true)
	second.SetVolatile(true)

	stats := m.SystemStats()
	if exp := 5 * mm.PageSize; stats.PurgeableVolatile != exp {
		t.Fatalf("expected %d volatile bytes; got %d", exp, stats.PurgeableVolatile)
	}

	if exp := mm.PageSize; stats.PurgeableNonVolatile != exp {
		t.Fatalf("expected %d non-volatile bytes; got %d", exp, stats.PurgeableNonVolatile)
	}

	if exp := 6 * mm.PageSize; stats.Committed != exp {
		t.Fatalf("expected %d committed bytes; got %d", exp, stats.Committed)
	}

	freeFrames := m.Frames().FreeFrames()

	if got := m.Purge(PurgeUntil(1)); got != 2 {
		t.Fatalf("expected the first volatile object to be purged; got %d pages", got)
	}

	if !first.WasPurged() || second.WasPurged() {
		t.Fatal("expected PurgeUntil to stop after reaching its target")
	}

	if got := m.Purge(PurgeAll); got != 3 {
		t.Fatalf("expected the remaining volatile pages to be purged; got %d", got)
	}

	if got := m.Purge(PurgeAll); got != 0 {
		t.Fatalf("expected a second purge to release nothing; got %d", got)
	}

	if pinned.WasPurged() {
		t.Fatal("expected the non-volatile object to be left intact")
	}

	if got := m.Frames().FreeFrames() - freeFrames; got != 5 {
		t.Fatalf("expected 5 frames to be released; got %d", got)
	}

	stats = m.SystemStats()
	if stats.PurgedPages != 5 || stats.PurgeableVolatile != 0 {
		t.Fatalf("expected 5 purged pages and no volatile memory; got %d, %d", stats.PurgedPages, stats.PurgeableVolatile)
	}
}

// blockingPages stalls page allocations until release is closed, keeping
// the lock of the object that asked for the page held.
type blockingPages struct {
	*pageAllocator
	locked  chan struct{}
	release chan struct{}
}

func (p *blockingPages) AllocPage(zero bool) (*pmm.PhysicalPage, *kernel.Error) {
	close(p.locked)
	<-p.release
	return p.pageAllocator.AllocPage(zero)
}

func TestPurgeWithInterruptsDisabled(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	as := m.createSpace(t, nil)
	defer func() { _ = m.DestroyAddressSpace(as) }()

	obj := mapPurgeable(t, m, as, 0x100000, 2)
	obj.SetVolatile(true)

	pages := &blockingPages{pageAllocator: m.pages, locked: make(chan struct{}), release: make(chan struct{})}
	contended, err := vmobject.NewPurgeable(pages, mm.PageSize, vmobject.Reserve)
	if err != nil {
		t.Fatal(err)
	}
	defer contended.Unref()
	contended.SetVolatile(true)

	t.Run("object list contended", func(t *testing.T) {
		m.pages.lock.Acquire()
		purged, skipped := m.PurgeWithInterruptsDisabled()
		m.pages.lock.Release()

		if purged != 0 || skipped != 1 {
			t.Fatalf("expected the purge to be skipped; got %d purged, %d skipped", purged, skipped)
		}

		if !cpu.InterruptsEnabled() {
			t.Fatal("expected the interrupt flag to be restored")
		}
	})

	t.Run("object lock contended", func(t *testing.T) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer cpu.Exit()

			if _, err := contended.HandleZeroFault(0); err != nil {
				t.Error(err)
			}
		}()
		<-pages.locked

		purged, skipped := m.PurgeWithInterruptsDisabled()
		close(pages.release)
		<-done

		if purged != 2 || skipped != 1 {
			t.Fatalf("expected the contended object to be skipped; got %d purged, %d skipped", purged, skipped)
		}

		if !obj.WasPurged() || contended.WasPurged() {
			t.Fatal("expected only the uncontended object to be purged")
		}
	})

	t.Run("uncontended", func(t *testing.T) {
		purged, skipped := m.PurgeWithInterruptsDisabled()
		if purged != 1 || skipped != 0 {
			t.Fatalf("expected the page committed in the meantime to be purged; got %d purged, %d skipped", purged, skipped)
		}

		if !cpu.InterruptsEnabled() {
			t.Fatal("expected the interrupt flag to be restored")
		}

		if got := m.SystemStats().PurgedPages; got != 3 {
			t.Fatalf("expected 3 purged pages to be recorded; got %d", got)
		}
	})
}

func TestPurgeUnmappedObjects(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	obj, err := vmobject.NewPurgeable(m.Pages(), 3*mm.PageSize, vmobject.AllocateNow)
	if err != nil {
		t.Fatal(err)
	}
	obj.SetVolatile(true)

	freeFrames := m.Frames().FreeFrames()
	if got := m.Purge(PurgeAll); got != 3 {
		t.Fatalf("expected the unmapped volatile object to be purged; got %d pages", got)
	}
	if got := m.Frames().FreeFrames() - freeFrames; got != 3 {
		t.Fatalf("expected 3 frames to be released; got %d", got)
	}

	// Released objects are forgotten
	obj.Unref()
	if got := len(m.pages.trackedPurgeables()); got != 0 {
		t.Fatalf("expected no tracked objects; got %d", got)
	}

	as := m.createSpace(t, nil)
	defer func() { _ = m.DestroyAddressSpace(as) }()

	clone, err := mapPurgeable(t, m, as, 0x100000, 1).Clone()
	if err != nil {
		t.Fatal(err)
	}
	defer clone.Unref()
	if got := len(m.pages.trackedPurgeables()); got != 2 {
		t.Fatalf("expected clones to be tracked; got %d tracked objects", got)
	}
}

func TestAllocationFailurePurgesVolatileMemory(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	as := m.createSpace(t, nil)
	defer func() { _ = m.DestroyAddressSpace(as) }()

	region, err := as.AllocateRegion(mm.VirtualRange{Base: 0x400000, Size: 2 * mm.PageSize}, "data", space.AccessRead|space.AccessWrite, vmobject.Reserve)
	if err != nil {
		t.Fatal(err)
	}

	cache, err := vmobject.NewPurgeable(m.Pages(), mm.PageSize, vmobject.AllocateNow)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Unref()
	cache.SetVolatile(true)

	// Exhaust physical memory
	var hoarded []mm.Frame
	for {
		frame, err := m.Frames().AllocFrame()
		if err != nil {
			break
		}
		hoarded = append(hoarded, frame)
	}
	defer func() {
		for _, frame := range hoarded {
			m.Frames().FreeFrame(frame)
		}
	}()

	write := func(addr uintptr) space.FaultOutcome {
		_, code, ok := as.PDT().Resolve(addr, vmm.AccessWrite|vmm.AccessUser)
		if ok {
			t.Fatalf("expected the write to 0x%x to fault", addr)
		}
		return as.PageFault(addr, code)
	}

	if outcome := write(region.Base()); outcome != space.Resolved {
		t.Fatalf("expected the fault to be resolved by purging; got %s", outcome)
	}
	if !cache.WasPurged() {
		t.Fatal("expected the volatile object to be purged")
	}
	if region.Page(0).IsSharedZeroPage() {
		t.Fatal("expected the faulting page to be committed")
	}
	if got := m.SystemStats().PurgedPages; got != 1 {
		t.Fatalf("expected 1 purged page to be recorded; got %d", got)
	}

	// Nothing is left to reclaim
	if outcome := write(region.Base() + mm.PageSize); outcome != space.OutOfMemory {
		t.Fatalf("expected outcome %s; got %s", space.OutOfMemory, outcome)
	}
	if _, err = m.Pages().AllocPage(true); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected to get pmm.ErrOutOfMemory; got %v", err)
	}
}

func TestFaultRouting(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	gate.Init()
	m.InstallFaultHandlers()

	as := m.createSpace(t, nil)
	defer func() { _ = m.DestroyAddressSpace(as) }()

	region, err := as.AllocateRegion(mm.VirtualRange{Base: 0x400000, Size: 2 * mm.PageSize}, "data", space.AccessRead|space.AccessWrite, vmobject.Reserve)
	if err != nil {
		t.Fatal(err)
	}
	as.PDT().Activate()

	// The write straddles both pages so each one is committed by a fault.
	data := []byte("page boundary")
	addr := region.Base() + mm.PageSize - 5
	if err = m.WriteBytes(addr, data); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len(data))
	if err = m.ReadBytes(addr, buf); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf, data) {
		t.Fatalf("expected to read back %q; got %q", data, buf)
	}

	if got := as.AmountResident(); got != 2*mm.PageSize {
		t.Fatalf("expected both pages to be committed; got %d resident bytes", got)
	}

	stats := m.SystemStats()
	if stats.Faults != 2 || stats.ResolvedFaults != 2 {
		t.Fatalf("expected 2 resolved faults; got %d/%d", stats.ResolvedFaults, stats.Faults)
	}

	t.Run("kernel region", func(t *testing.T) {
		kregion, err := m.AllocateKernelRegion(mm.PageSize, "lazy", space.AccessRead|space.AccessWrite, vmobject.Reserve)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = m.DeallocateKernelRegion(kregion) }()

		if err = m.Memset(kregion.Base(), 0x7f, 16); err != nil {
			t.Fatal(err)
		}

		if kregion.Page(0).IsSharedZeroPage() {
			t.Fatal("expected the kernel page to be committed")
		}
	})

	t.Run("resolver", func(t *testing.T) {
		specs := []struct {
			addr   uintptr
			code   vmm.FaultCode
			expErr *kernel.Error
		}{
			{region.Base(), vmm.FaultUser | vmm.FaultWrite | vmm.FaultProtection, nil},
			{region.Base(), vmm.FaultUser | vmm.FaultProtection, ErrSegmentationViolation},
			{0x900000, vmm.FaultUser, ErrSegmentationViolation},
			{region.Base(), vmm.FaultUser | vmm.FaultInstructionFetch, ErrSegmentationViolation},
			{vmm.KernelHalfStart + 0x1000, vmm.FaultWrite, ErrSegmentationViolation},
		}

		for specIndex, spec := range specs {
			if err := m.resolveFault(spec.addr, spec.code); err != spec.expErr {
				t.Errorf("[spec %d] expected to get %v; got %v", specIndex, spec.expErr, err)
			}
		}
	})
}

func TestInstallFaultHandlers(t *testing.T) {
	defer func(origInstall func(vmm.FaultResolver)) {
		installFaultHandlers = origInstall
	}(installFaultHandlers)

	m, teardown := setupMachine(t)
	defer teardown()

	var installed vmm.FaultResolver
	installFaultHandlers = func(resolver vmm.FaultResolver) { installed = resolver }

	m.InstallFaultHandlers()
	if installed == nil {
		t.Fatal("expected a fault resolver to be installed")
	}

	if err := installed(vmm.KernelHalfStart, 0); err != ErrSegmentationViolation {
		t.Fatalf("expected to get ErrSegmentationViolation; got %v", err)
	}
}

func TestAccessErrors(t *testing.T) {
	defer func(origActive func() uintptr, origRaise func(uintptr, vmm.FaultCode) *kernel.Error) {
		activePDTFn = origActive
		raisePageFaultFn = origRaise
	}(activePDTFn, raisePageFaultFn)

	m, teardown := setupMachine(t)
	defer teardown()

	as := m.createSpace(t, nil)
	defer func() { _ = m.DestroyAddressSpace(as) }()

	if _, err := as.AllocateRegion(mm.VirtualRange{Base: 0x10000, Size: mm.PageSize}, "data", space.AccessRead|space.AccessWrite, vmobject.Reserve); err != nil {
		t.Fatal(err)
	}
	activePDTFn = func() uintptr { return as.PDT().RootAddress() }

	t.Run("no address space", func(t *testing.T) {
		activePDTFn = func() uintptr { return 0xdead000 }
		defer func() { activePDTFn = func() uintptr { return as.PDT().RootAddress() } }()

		if err := m.Memset(0x10000, 0, 1); err != ErrSegmentationViolation {
			t.Fatalf("expected to get ErrSegmentationViolation; got %v", err)
		}
	})

	t.Run("fault error", func(t *testing.T) {
		raisePageFaultFn = func(_ uintptr, _ vmm.FaultCode) *kernel.Error { return ErrOutOfMemory }

		if err := m.WriteBytes(0x10000, []byte{1}); err != ErrOutOfMemory {
			t.Fatalf("expected to get ErrOutOfMemory; got %v", err)
		}
	})

	t.Run("fault not resolved", func(t *testing.T) {
		var raised int
		raisePageFaultFn = func(_ uintptr, code vmm.FaultCode) *kernel.Error {
			raised++
			if code&vmm.FaultWrite == 0 {
				t.Errorf("expected a write fault; got code %d", code)
			}
			return nil
		}

		if err := m.Memset(0x10000, 0xff, 4); err != errAccessNotResolved {
			t.Fatalf("expected to get errAccessNotResolved; got %v", err)
		}

		if raised != maxFaultRetries {
			t.Fatalf("expected %d faults to be raised; got %d", maxFaultRetries, raised)
		}
	})

	t.Run("non-canonical address", func(t *testing.T) {
		defer func() { raiseGPFFn = vmm.RaiseGeneralProtectionFault }()

		var gpfAddr uintptr
		raiseGPFFn = func(addr uintptr) { gpfAddr = addr }

		var buf [8]byte
		if err := m.ReadBytes(0x0000900000000000, buf[:]); err != ErrSegmentationViolation {
			t.Fatalf("expected to get ErrSegmentationViolation; got %v", err)
		}

		if gpfAddr != 0x0000900000000000 {
			t.Fatalf("expected a general protection fault for the access; got address 0x%x", gpfAddr)
		}
	})

	t.Run("empty access", func(t *testing.T) {
		raisePageFaultFn = func(_ uintptr, _ vmm.FaultCode) *kernel.Error {
			t.Error("unexpected fault")
			return nil
		}

		if err := m.WriteBytes(0x10000, nil); err != nil {
			t.Fatal(err)
		}
	})
}

func TestMemset(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	region, err := m.AllocateKernelRegion(2*mm.PageSize, "buf", space.AccessRead|space.AccessWrite, vmobject.AllocateNow)
	if err != nil {
		t.Fatal(err)
	}

	addr := region.Base() + mm.PageSize - 100
	if err = m.Memset(addr, 0x5a, 200); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 2*mm.PageSize)
	if err = m.ReadBytes(region.Base(), buf); err != nil {
		t.Fatal(err)
	}

	for i, b := range buf {
		offset := uintptr(i)
		exp := byte(0)
		if offset >= mm.PageSize-100 && offset < mm.PageSize+100 {
			exp = 0x5a
		}

		if b != exp {
			t.Fatalf("expected byte at offset %d to be 0x%x; got 0x%x", offset, exp, b)
		}
	}

	// Both pages are backed by distinct frames.
	for page := uintptr(0); page < 2; page++ {
		phys := region.Page(page).Frame().Address()
		if got := physmem.Bytes(phys+mm.PageSize/2, 1)[0]; got != 0 {
			t.Fatalf("expected the middle of page %d to be untouched; got 0x%x", page, got)
		}
	}
}

func TestPageFaultCounters(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	if got := m.PageFault(nil, 0x1000, vmm.FaultUser); got != space.SegmentationViolation {
		t.Fatalf("expected a fault without an address space to be a segmentation violation; got %s", got)
	}

	stats := m.SystemStats()
	if stats.Faults != 1 || stats.ResolvedFaults != 0 {
		t.Fatalf("expected 1 unresolved fault; got %d/%d", stats.ResolvedFaults, stats.Faults)
	}
}

func TestPrintStats(t *testing.T) {
	m, teardown := setupMachine(t)
	defer teardown()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	m.PrintStats()

	stats := m.SystemStats()
	if stats.TotalFrames == 0 || stats.UsedFrames+stats.FreeFrames != stats.TotalFrames {
		t.Fatalf("inconsistent frame counters: %+v", stats)
	}

	for _, exp := range []string{"[mmgr] frames:", "[mmgr] committed:", "address spaces"} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}
