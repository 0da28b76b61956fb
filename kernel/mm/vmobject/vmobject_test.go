package vmobject

import (
	"bytes"
	"testing"
	"unsafe"
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/hal/multiboot"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
)

// setupMachine boots the frame allocator on an 8Mb machine.
func setupMachine(t *testing.T) (*pmm.BitmapAllocator, func()) {
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

	return alloc, func() {
		kfmt.SetOutputSink(origSink)
		mm.SetFrameAllocator(nil)
		mm.SetFrameReleaser(nil)
		multiboot.SetInfoPtr(0)
		physmem.Release()
		_ = info[0]
	}
}

func expectHalt(t *testing.T, fn func()) {
	t.Helper()

	defer func() {
		if err := recover(); err != cpu.ErrHalted {
			t.Fatalf("expected the CPU to be halted; got %v", err)
		}
		cpu.EnableInterrupts()
	}()

	fn()
}

type recordingMapping struct {
	remapped []uintptr
	err      *kernel.Error
	onRemap  func(index uintptr)
}

func (m *recordingMapping) RemapPage(index uintptr) *kernel.Error {
	m.remapped = append(m.remapped, index)
	if m.onRemap != nil {
		m.onRemap(index)
	}
	return m.err
}

func TestNewAnonymous(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	t.Run("invalid size", func(t *testing.T) {
		for specIndex, size := range []uintptr{0, 1, mm.PageSize + 1} {
			if _, err := NewAnonymous(alloc, size, Reserve); err != ErrInvalidSize {
				t.Errorf("[spec %d] expected error: %v; got %v", specIndex, ErrInvalidSize, err)
			}
		}
	})

	t.Run("reserve", func(t *testing.T) {
		var (
			zeroPage  = alloc.SharedZeroPage()
			zeroRefs  = zeroPage.RefCount()
			freeCount = alloc.FreeFrames()
		)

		obj, err := NewAnonymous(alloc, 4*mm.PageSize, Reserve)
		if err != nil {
			t.Fatal(err)
		}

		if obj.Size() != 4*mm.PageSize || obj.PageCount() != 4 {
			t.Fatalf("expected a 4-page object; got size %d, %d pages", obj.Size(), obj.PageCount())
		}

		for index := uintptr(0); index < obj.PageCount(); index++ {
			if obj.Page(index) != zeroPage {
				t.Fatalf("expected slot %d to reference the shared zero page", index)
			}
			if !obj.ShouldCoW(index, false) {
				t.Fatalf("expected writes to zero-page slot %d to fault", index)
			}
		}

		if got, exp := zeroPage.RefCount(), zeroRefs+4; got != exp {
			t.Fatalf("expected zero page refcount %d; got %d", exp, got)
		}

		if alloc.FreeFrames() != freeCount {
			t.Fatal("expected reserving an object not to consume frames")
		}

		obj.Unref()
		if got := zeroPage.RefCount(); got != zeroRefs {
			t.Fatalf("expected zero page refcount to be restored to %d; got %d", zeroRefs, got)
		}
	})

	t.Run("allocate now", func(t *testing.T) {
		freeCount := alloc.FreeFrames()

		obj, err := NewAnonymous(alloc, 3*mm.PageSize, AllocateNow)
		if err != nil {
			t.Fatal(err)
		}

		if exp := freeCount - 3; alloc.FreeFrames() != exp {
			t.Fatalf("expected %d free frames; got %d", exp, alloc.FreeFrames())
		}

		seen := make(map[mm.Frame]bool)
		for index := uintptr(0); index < obj.PageCount(); index++ {
			page := obj.Page(index)
			if page.IsSharedZeroPage() || seen[page.Frame()] {
				t.Fatalf("expected slot %d to hold a private page", index)
			}
			seen[page.Frame()] = true

			if obj.ShouldCoW(index, false) {
				t.Fatalf("expected committed slot %d not to be copy-on-write", index)
			}

			for _, b := range page.Bytes() {
				if b != 0 {
					t.Fatalf("expected slot %d to be zeroed", index)
				}
			}
		}

		obj.Unref()
		if alloc.FreeFrames() != freeCount {
			t.Fatalf("expected all frames to be released; free frames %d, expected %d", alloc.FreeFrames(), freeCount)
		}
	})

	t.Run("allocate now without enough memory", func(t *testing.T) {
		var frames []mm.Frame
		for {
			frame, err := alloc.AllocFrame()
			if err != nil {
				break
			}
			frames = append(frames, frame)
		}

		// Leave two frames available
		for _, frame := range frames[:2] {
			alloc.FreeFrame(frame)
		}

		if _, err := NewAnonymous(alloc, 3*mm.PageSize, AllocateNow); err != pmm.ErrOutOfMemory {
			t.Fatalf("expected error: %v; got %v", pmm.ErrOutOfMemory, err)
		}

		if got := alloc.FreeFrames(); got != 2 {
			t.Fatalf("expected partially committed frames to be released; %d free frames", got)
		}

		for _, frame := range frames[2:] {
			alloc.FreeFrame(frame)
		}
	})
}

func TestHandleZeroFault(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	obj, err := NewAnonymous(alloc, 2*mm.PageSize, Reserve)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Unref()

	freeCount := alloc.FreeFrames()

	committed, err := obj.HandleZeroFault(1)
	if err != nil || !committed {
		t.Fatalf("expected zero fault to commit a page; got %t, %v", committed, err)
	}

	if exp := freeCount - 1; alloc.FreeFrames() != exp {
		t.Fatalf("expected exactly one frame to be committed; free frames %d, expected %d", alloc.FreeFrames(), exp)
	}

	if obj.Page(1).IsSharedZeroPage() || !obj.Page(0).IsSharedZeroPage() {
		t.Fatal("expected only slot 1 to be committed")
	}

	if obj.ShouldCoW(1, false) {
		t.Fatal("expected committed slot not to be copy-on-write")
	}

	if committed, _ = obj.HandleZeroFault(1); committed {
		t.Fatal("expected a second zero fault on the same slot to be a no-op")
	}
}

func TestCloneCopyOnWrite(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	obj, err := NewAnonymous(alloc, 2*mm.PageSize, AllocateNow)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Unref()

	origPage := obj.Page(0)
	copy(origPage.Bytes(), "parent data")

	cloneObj, err := obj.Clone()
	if err != nil {
		t.Fatal(err)
	}
	defer cloneObj.Unref()

	clone := cloneObj.(*Anonymous)
	for _, o := range []*Anonymous{obj, clone} {
		if got := o.CoWPages(); got != 2 {
			t.Fatalf("expected 2 copy-on-write pages; got %d", got)
		}
		if !o.ShouldCoW(0, false) || o.ShouldCoW(0, true) {
			t.Fatal("expected private mappings to copy and shared mappings not to")
		}
	}

	if got := origPage.RefCount(); got != 2 {
		t.Fatalf("expected shared page refcount to be 2; got %d", got)
	}

	freeCount := alloc.FreeFrames()
	if err = clone.HandleCoWFault(0); err != nil {
		t.Fatal(err)
	}

	copied := clone.Page(0)
	if copied == origPage {
		t.Fatal("expected the clone to receive a private copy")
	}
	if !bytes.HasPrefix(copied.Bytes(), []byte("parent data")) {
		t.Fatal("expected page contents to be copied")
	}
	if exp := freeCount - 1; alloc.FreeFrames() != exp {
		t.Fatalf("expected one frame to be allocated for the copy; free frames %d, expected %d", alloc.FreeFrames(), exp)
	}

	copy(copied.Bytes(), "child data!")
	if !bytes.HasPrefix(origPage.Bytes(), []byte("parent data")) {
		t.Fatal("expected writes to the copy not to affect the parent")
	}

	// The parent is now the only owner and keeps its page
	if got := origPage.RefCount(); got != 1 {
		t.Fatalf("expected original page refcount to be 1; got %d", got)
	}

	freeCount = alloc.FreeFrames()
	if err = obj.HandleCoWFault(0); err != nil {
		t.Fatal(err)
	}
	if obj.Page(0) != origPage || alloc.FreeFrames() != freeCount {
		t.Fatal("expected the last owner to take over the page without copying")
	}

	if obj.CoWPages() != 1 || clone.CoWPages() != 1 {
		t.Fatalf("expected one copy-on-write page per object; got %d and %d", obj.CoWPages(), clone.CoWPages())
	}
}

func TestCloneKeepsZeroPages(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	obj, err := NewPurgeable(alloc, mm.PageSize, Reserve)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Unref()
	obj.SetVolatile(true)

	cloneObj, err := obj.Clone()
	if err != nil {
		t.Fatal(err)
	}
	defer cloneObj.Unref()

	clone, ok := cloneObj.(*Purgeable)
	if !ok {
		t.Fatalf("expected clone of a purgeable object to be purgeable; got %T", cloneObj)
	}

	if clone.IsVolatile() || clone.CoWPages() != 0 {
		t.Fatal("expected a non-volatile clone without copy-on-write pages")
	}

	// Writing a zero page allocates a fresh zeroed page
	if err = clone.HandleCoWFault(0); err != nil {
		t.Fatal(err)
	}
	if clone.Page(0).IsSharedZeroPage() || !obj.Page(0).IsSharedZeroPage() {
		t.Fatal("expected only the clone slot to be committed")
	}
}

func TestPurge(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	freeCount := alloc.FreeFrames()

	obj, err := NewPurgeable(alloc, 2*mm.PageSize, AllocateNow)
	if err != nil {
		t.Fatal(err)
	}

	mapping := &recordingMapping{}
	obj.AddMapping(mapping)

	if got := obj.Purge(); got != 0 {
		t.Fatalf("expected purging a non-volatile object to be a no-op; purged %d pages", got)
	}
	if obj.WasPurged() {
		t.Fatal("expected object not to be purged")
	}

	if wasPurged := obj.SetVolatile(true); wasPurged {
		t.Fatal("expected SetVolatile to report no purge")
	}

	if got := obj.Purge(); got != 2 {
		t.Fatalf("expected 2 pages to be purged; got %d", got)
	}

	for index := uintptr(0); index < obj.PageCount(); index++ {
		if !obj.Page(index).IsSharedZeroPage() {
			t.Fatalf("expected slot %d to reference the shared zero page", index)
		}
	}

	if !obj.WasPurged() {
		t.Fatal("expected object to be purged")
	}

	if alloc.FreeFrames() != freeCount {
		t.Fatalf("expected purged frames to be released; free frames %d, expected %d", alloc.FreeFrames(), freeCount)
	}

	if len(mapping.remapped) != 2 || mapping.remapped[0] != 0 || mapping.remapped[1] != 1 {
		t.Fatalf("expected both pages to be remapped; got %v", mapping.remapped)
	}

	// Purging again reclaims nothing and keeps the purged flag
	if got := obj.Purge(); got != 0 {
		t.Fatalf("expected second purge to reclaim nothing; purged %d pages", got)
	}
	if !obj.WasPurged() || len(mapping.remapped) != 2 {
		t.Fatal("expected second purge to leave the object untouched")
	}

	// Leaving the volatile state does not undo the purge
	if wasPurged := obj.SetVolatile(false); !wasPurged || !obj.WasPurged() {
		t.Fatal("expected purged flag to survive SetVolatile(false)")
	}

	obj.ClearPurged()
	if obj.WasPurged() {
		t.Fatal("expected ClearPurged to reset the purged flag")
	}

	obj.RemoveMapping(mapping)
	if got := len(obj.Mappings()); got != 0 {
		t.Fatalf("expected no mappings; got %d", got)
	}
	obj.Unref()
}

func TestPurgeReleasesPagesAfterRemap(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	obj, err := NewPurgeable(alloc, 2*mm.PageSize, AllocateNow)
	if err != nil {
		t.Fatal(err)
	}
	obj.SetVolatile(true)

	committed := []*pmm.PhysicalPage{obj.Page(0), obj.Page(1)}

	for _, purge := range []func() int{
		obj.Purge,
		func() int { purged, _ := obj.TryPurge(); return purged },
	} {
		freeCount := alloc.FreeFrames()
		mapping := &recordingMapping{}
		mapping.onRemap = func(index uintptr) {
			if got := alloc.FreeFrames(); got != freeCount {
				t.Errorf("expected no frames to be released while remapping page %d; free frames %d, expected %d", index, got, freeCount)
			}
			for _, page := range committed {
				if page.RefCount() == 0 {
					t.Errorf("expected frame %d to stay referenced while remapping page %d", page.Frame(), index)
				}
			}
		}
		obj.AddMapping(mapping)

		if got := purge(); got != 2 {
			t.Fatalf("expected 2 pages to be purged; got %d", got)
		}
		if len(mapping.remapped) != 2 {
			t.Fatalf("expected both pages to be remapped; got %v", mapping.remapped)
		}
		if exp := freeCount + 2; alloc.FreeFrames() != exp {
			t.Fatalf("expected purged frames to be released after the remap; free frames %d, expected %d", alloc.FreeFrames(), exp)
		}
		obj.RemoveMapping(mapping)

		// Recommit both slots for the next round
		for index := uintptr(0); index < 2; index++ {
			if _, err = obj.HandleZeroFault(index); err != nil {
				t.Fatal(err)
			}
		}
		committed = []*pmm.PhysicalPage{obj.Page(0), obj.Page(1)}
	}

	obj.Unref()
}

func TestTryPurge(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	obj, err := NewPurgeable(alloc, 3*mm.PageSize, AllocateNow)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Unref()
	obj.SetVolatile(true)

	obj.lock.Acquire()
	purged, status := obj.TryPurge()
	obj.lock.Release()

	if purged != 0 || status != PurgeSkippedContention {
		t.Fatalf("expected purge to be skipped; got %d, %s", purged, status)
	}
	if obj.WasPurged() {
		t.Fatal("expected a skipped purge not to mark the object as purged")
	}

	if purged, status = obj.TryPurge(); purged != 3 || status != PurgeDone {
		t.Fatalf("expected 3 pages to be purged; got %d, %s", purged, status)
	}

	if purged, status = obj.TryPurge(); purged != 0 || status != PurgeDone {
		t.Fatalf("expected nothing left to purge; got %d, %s", purged, status)
	}
}

func TestPurgeNonPurgeable(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	obj, err := NewAnonymous(alloc, mm.PageSize, Reserve)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Unref()

	expectHalt(t, func() {
		Purge(obj)
	})

	purgeable, err := NewPurgeable(alloc, mm.PageSize, AllocateNow)
	if err != nil {
		t.Fatal(err)
	}
	defer purgeable.Unref()

	purgeable.SetVolatile(true)
	if got := Purge(purgeable); got != 1 {
		t.Fatalf("expected 1 page to be purged; got %d", got)
	}
}

func TestRemap(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	obj, err := NewAnonymous(alloc, mm.PageSize, Reserve)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Unref()

	errRemap := &kernel.Error{Module: "test", Message: "remap failed"}
	mappingA, mappingB := &recordingMapping{err: errRemap}, &recordingMapping{}
	obj.AddMapping(mappingA)
	obj.AddMapping(mappingB)

	if err = Remap(obj, 0); err != errRemap {
		t.Fatalf("expected error: %v; got %v", errRemap, err)
	}

	for _, m := range []*recordingMapping{mappingA, mappingB} {
		if len(m.remapped) != 1 {
			t.Fatal("expected every mapping to be remapped")
		}
		obj.RemoveMapping(m)
	}
}

func TestUnrefWhileMapped(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	obj, err := NewAnonymous(alloc, mm.PageSize, Reserve)
	if err != nil {
		t.Fatal(err)
	}

	obj.AddMapping(&recordingMapping{})
	expectHalt(t, func() {
		obj.Unref()
	})
}

func TestPhysical(t *testing.T) {
	alloc, teardown := setupMachine(t)
	defer teardown()

	if _, err := NewPhysical(0x1800, mm.PageSize); err != errUnalignedPhysicalRange {
		t.Fatalf("expected error: %v; got %v", errUnalignedPhysicalRange, err)
	}

	if _, err := NewPhysical(0x2000, 0); err != ErrInvalidSize {
		t.Fatalf("expected error: %v; got %v", ErrInvalidSize, err)
	}

	freeCount := alloc.FreeFrames()
	obj, err := NewPhysical(0xfd000000, 2*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	if obj.PhysicalBase() != 0xfd000000 {
		t.Fatalf("unexpected physical base 0x%x", obj.PhysicalBase())
	}

	for index := uintptr(0); index < obj.PageCount(); index++ {
		if exp := mm.Frame(0xfd000 + index); obj.Page(index).Frame() != exp {
			t.Fatalf("expected slot %d to reference frame 0x%x; got 0x%x", index, exp, obj.Page(index).Frame())
		}
		if obj.ShouldCoW(index, false) {
			t.Fatal("expected physical pages never to be copied")
		}
	}

	cloneObj, err := obj.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if cloneObj.Page(1) != obj.Page(1) {
		t.Fatal("expected clone to share the physical pages")
	}

	cloneObj.Unref()
	obj.Unref()

	if alloc.FreeFrames() != freeCount {
		t.Fatal("expected physical objects not to touch the frame allocator")
	}
}

func TestPurgeStatusString(t *testing.T) {
	specs := []struct {
		status PurgeStatus
		exp    string
	}{
		{PurgeDone, "done"},
		{PurgeSkippedContention, "skipped (contention)"},
		{PurgeStatus(42), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.status.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
