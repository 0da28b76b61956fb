// Package vmobject describes what backs a range of virtual memory. A VM
// object owns one physical page slot for each page of its size; slots that
// were never written point to the shared zero page.
package vmobject

import (
	"sync/atomic"
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/sync"
)

// Strategy controls when the pages of a new anonymous object are committed.
type Strategy uint8

const (
	// Reserve backs every page with the shared zero page. Real frames are
	// committed when a page is first written.
	Reserve Strategy = iota

	// AllocateNow commits zeroed frames for every page up front.
	AllocateNow
)

var (
	// ErrInvalidSize is returned when an object size is zero or not a
	// multiple of the page size.
	ErrInvalidSize = &kernel.Error{Module: "vmobject", Message: "object size must be a non-zero multiple of the page size"}

	errNotPurgeable   = &kernel.Error{Module: "vmobject", Message: "purge requested for an object that is not purgeable"}
	errSlotOutOfRange = &kernel.Error{Module: "vmobject", Message: "page index is outside the object"}
	errObjectInUse    = &kernel.Error{Module: "vmobject", Message: "object released while still mapped"}
)

// PageAllocator provides the physical pages that back VM objects.
type PageAllocator interface {
	// AllocPage reserves a single page. If zero is true the page contents
	// are cleared.
	AllocPage(zero bool) (*pmm.PhysicalPage, *kernel.Error)

	// SharedZeroPage returns the page that backs unwritten memory.
	SharedZeroPage() *pmm.PhysicalPage
}

// PurgeableTracker is implemented by page allocators that keep track of the
// purgeable objects created with them.
type PurgeableTracker interface {
	TrackPurgeable(*Purgeable)
	UntrackPurgeable(*Purgeable)
}

// Mapping is implemented by everything that maps pages of a VM object into
// an address space. Objects ask their mappings to refresh their page table
// entries when a slot changes.
type Mapping interface {
	// RemapPage updates the translation for the object page at index.
	// Pages outside the mapped window must be ignored.
	RemapPage(index uintptr) *kernel.Error
}

// VMObject is implemented by all VM object variants.
type VMObject interface {
	// Size returns the object size in bytes.
	Size() uintptr

	// PageCount returns the number of page slots.
	PageCount() uintptr

	// Page returns the page in the given slot.
	Page(index uintptr) *pmm.PhysicalPage

	// ShouldCoW returns true if writes to the page in the given slot must
	// fault so that the writer receives a private copy. Shared mappings
	// never copy.
	ShouldCoW(index uintptr, shared bool) bool

	// Clone returns a copy-on-write copy of the object. The returned
	// object carries a single reference owned by the caller.
	Clone() (VMObject, *kernel.Error)

	// AddMapping registers a mapping of this object.
	AddMapping(Mapping)

	// RemoveMapping unregisters a mapping of this object.
	RemoveMapping(Mapping)

	// Mappings returns a snapshot of the registered mappings.
	Mappings() []Mapping

	// Ref adds a reference to the object.
	Ref()

	// Unref drops a reference to the object. Once the last reference is
	// dropped, every page slot releases its page.
	Unref()
}

// Committable is implemented by objects whose pages are committed lazily
// and can be copied on write.
type Committable interface {
	VMObject

	// HandleZeroFault replaces the shared zero page in the given slot
	// with a freshly zeroed private page. It returns false if the slot
	// was already committed.
	HandleZeroFault(index uintptr) (bool, *kernel.Error)

	// HandleCoWFault gives the object an exclusive copy of the page in
	// the given slot.
	HandleCoWFault(index uintptr) *kernel.Error

	// CoWPages returns the number of slots that are marked copy-on-write.
	CoWPages() int
}

// Remap asks every mapping of obj to refresh its entry for the page at
// index. The object lock must not be held by the caller.
func Remap(obj VMObject, index uintptr) *kernel.Error {
	var firstErr *kernel.Error
	for _, m := range obj.Mappings() {
		if err := m.RemapPage(index); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Purge reclaims the pages of a volatile purgeable object and returns the
// number of released pages. Calling Purge on any other kind of object is a
// programming error.
func Purge(obj VMObject) int {
	purgeable, ok := obj.(*Purgeable)
	if !ok {
		kfmt.Panic(errNotPurgeable)
		return 0
	}

	return purgeable.Purge()
}

// base holds the state shared by all VM object variants.
type base struct {
	lock     sync.Spinlock
	pages    []*pmm.PhysicalPage
	mappings []Mapping
	refCount atomic.Int32
}

func pageCountForSize(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 || !mm.IsPageAligned(size) {
		return 0, ErrInvalidSize
	}

	return size >> mm.PageShift, nil
}

// Size returns the object size in bytes.
func (obj *base) Size() uintptr {
	return uintptr(len(obj.pages)) << mm.PageShift
}

// PageCount returns the number of page slots.
func (obj *base) PageCount() uintptr {
	return uintptr(len(obj.pages))
}

// Page returns the page in the given slot.
func (obj *base) Page(index uintptr) *pmm.PhysicalPage {
	obj.lock.Acquire()
	defer obj.lock.Release()
	return obj.pageLocked(index)
}

func (obj *base) pageLocked(index uintptr) *pmm.PhysicalPage {
	if index >= uintptr(len(obj.pages)) {
		kfmt.Printf("[vmobject] page index %d out of range (%d slots)\n", uint64(index), len(obj.pages))
		kfmt.Panic(errSlotOutOfRange)
	}
	return obj.pages[index]
}

// AddMapping registers a mapping of this object.
func (obj *base) AddMapping(m Mapping) {
	obj.lock.Acquire()
	obj.mappings = append(obj.mappings, m)
	obj.lock.Release()
}

// RemoveMapping unregisters a mapping of this object.
func (obj *base) RemoveMapping(m Mapping) {
	obj.lock.Acquire()
	for i, other := range obj.mappings {
		if other == m {
			last := len(obj.mappings) - 1
			obj.mappings[i] = obj.mappings[last]
			obj.mappings[last] = nil
			obj.mappings = obj.mappings[:last]
			break
		}
	}
	obj.lock.Release()
}

// Mappings returns a snapshot of the registered mappings.
func (obj *base) Mappings() []Mapping {
	obj.lock.Acquire()
	snapshot := make([]Mapping, len(obj.mappings))
	copy(snapshot, obj.mappings)
	obj.lock.Release()
	return snapshot
}

// Ref adds a reference to the object.
func (obj *base) Ref() {
	obj.refCount.Add(1)
}

// Unref drops a reference to the object and releases all page slots once
// the last reference is gone.
func (obj *base) Unref() {
	if obj.refCount.Add(-1) == 0 {
		obj.release()
	}
}

func (obj *base) release() {
	obj.lock.Acquire()
	if len(obj.mappings) != 0 {
		obj.lock.Release()
		kfmt.Panic(errObjectInUse)
	}

	pages := obj.pages
	obj.pages = nil
	obj.lock.Release()

	for _, page := range pages {
		page.Unref()
	}
}
