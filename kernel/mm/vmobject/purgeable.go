package vmobject

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm/pmm"
)

// PurgeStatus describes the outcome of a TryPurge call.
type PurgeStatus uint8

const (
	// PurgeDone indicates that the object was examined. The returned page
	// count is zero if the object was not volatile or already purged.
	PurgeDone PurgeStatus = iota

	// PurgeSkippedContention indicates that the object lock was held by
	// someone else and the object was not examined.
	PurgeSkippedContention
)

// String implements fmt.Stringer for PurgeStatus.
func (s PurgeStatus) String() string {
	switch s {
	case PurgeDone:
		return "done"
	case PurgeSkippedContention:
		return "skipped (contention)"
	default:
		return "unknown"
	}
}

// Purgeable is an anonymous object whose owner may mark it volatile. The
// pages of a volatile object may be reclaimed at any time; reclaimed pages
// read as zero.
type Purgeable struct {
	Anonymous

	volatile  bool
	wasPurged bool
}

// NewPurgeable creates a non-volatile purgeable object of the given size.
// The returned object carries a single reference owned by the caller.
func NewPurgeable(alloc PageAllocator, size uintptr, strategy Strategy) (*Purgeable, *kernel.Error) {
	obj := &Purgeable{}
	if err := obj.init(alloc, size, strategy); err != nil {
		return nil, err
	}

	obj.track()
	return obj, nil
}

// Clone returns a copy-on-write copy of the object. The clone starts out
// non-volatile and not purged.
func (obj *Purgeable) Clone() (VMObject, *kernel.Error) {
	clone := &Purgeable{}
	obj.cloneInto(&clone.Anonymous)
	clone.track()
	return clone, nil
}

// Unref drops a reference to the object. Dropping the last reference
// unregisters the object from its page allocator and releases its pages.
func (obj *Purgeable) Unref() {
	if obj.refCount.Add(-1) != 0 {
		return
	}

	if tracker, ok := obj.alloc.(PurgeableTracker); ok {
		tracker.UntrackPurgeable(obj)
	}
	obj.release()
}

func (obj *Purgeable) track() {
	if tracker, ok := obj.alloc.(PurgeableTracker); ok {
		tracker.TrackPurgeable(obj)
	}
}

// SetVolatile updates the volatile flag of the object and returns whether
// the object was purged at some point. Clearing the flag does not restore
// purged contents; the owner must check the returned value and repopulate
// the object.
func (obj *Purgeable) SetVolatile(volatile bool) bool {
	obj.lock.Acquire()
	obj.volatile = volatile
	wasPurged := obj.wasPurged
	obj.lock.Release()
	return wasPurged
}

// IsVolatile returns true if the object may be purged.
func (obj *Purgeable) IsVolatile() bool {
	obj.lock.Acquire()
	defer obj.lock.Release()
	return obj.volatile
}

// WasPurged returns true if the object lost its contents to a purge since
// the last call to ClearPurged.
func (obj *Purgeable) WasPurged() bool {
	obj.lock.Acquire()
	defer obj.lock.Release()
	return obj.wasPurged
}

// ClearPurged resets the purged flag once the owner has repopulated the
// object.
func (obj *Purgeable) ClearPurged() {
	obj.lock.Acquire()
	obj.wasPurged = false
	obj.lock.Release()
}

// Purge replaces every committed page of a volatile object with the shared
// zero page and returns the number of released pages. Purging an object
// that is not volatile is a no-op.
func (obj *Purgeable) Purge() int {
	obj.lock.Acquire()
	purged := obj.purgeLocked()
	obj.lock.Release()

	obj.releasePurged(purged)
	return len(purged)
}

// TryPurge behaves like Purge but gives up instead of spinning if the
// object lock is contended. It is a best-effort reclaim meant for contexts
// that cannot wait.
func (obj *Purgeable) TryPurge() (int, PurgeStatus) {
	if !obj.lock.TryToAcquire() {
		return 0, PurgeSkippedContention
	}
	purged := obj.purgeLocked()
	obj.lock.Release()

	obj.releasePurged(purged)
	return len(purged), PurgeDone
}

// purgedPage records a slot that was reset to the shared zero page and the
// page it held.
type purgedPage struct {
	index uintptr
	page  *pmm.PhysicalPage
}

// purgeLocked resets every committed slot to the shared zero page. The
// displaced pages stay referenced until releasePurged runs.
func (obj *Purgeable) purgeLocked() []purgedPage {
	if !obj.volatile {
		return nil
	}

	var (
		purged   []purgedPage
		zeroPage = obj.alloc.SharedZeroPage()
	)

	for index, page := range obj.pages {
		if page.IsSharedZeroPage() {
			continue
		}

		zeroPage.Ref()
		obj.pages[index] = zeroPage
		obj.setCoW(uintptr(index), false)

		purged = append(purged, purgedPage{index: uintptr(index), page: page})
	}

	if len(purged) != 0 {
		obj.wasPurged = true
	}

	return purged
}

// releasePurged refreshes every mapping of the purged slots before it drops
// the displaced pages.
func (obj *Purgeable) releasePurged(purged []purgedPage) {
	for _, p := range purged {
		if err := Remap(obj, p.index); err != nil {
			kfmt.Printf("[vmobject] unable to remap purged page %d: %s\n", uint64(p.index), err.Message)
		}
	}

	for _, p := range purged {
		p.page.Unref()
	}
}
