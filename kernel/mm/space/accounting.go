package space

import "vmcore/kernel/mm/vmobject"

// AmountVirtual returns the number of bytes covered by regions.
func (as *AddressSpace) AmountVirtual() uintptr {
	return as.sum(func(r *Region) uintptr { return r.rng.Size })
}

// AmountResident returns the number of bytes backed by committed pages.
func (as *AddressSpace) AmountResident() uintptr {
	return as.sum((*Region).AmountResident)
}

// AmountShared returns the number of resident bytes whose pages are also
// referenced elsewhere.
func (as *AddressSpace) AmountShared() uintptr {
	return as.sum((*Region).AmountShared)
}

// AmountDirtyPrivate returns the number of bytes written through private
// regions.
func (as *AddressSpace) AmountDirtyPrivate() uintptr {
	return as.sum(func(r *Region) uintptr {
		if r.shared {
			return 0
		}
		return r.AmountDirty()
	})
}

// AmountPurgeableVolatile returns the number of resident bytes that belong
// to purgeable objects currently marked volatile.
func (as *AddressSpace) AmountPurgeableVolatile() uintptr {
	return as.sum(func(r *Region) uintptr {
		if obj, ok := r.obj.(*vmobject.Purgeable); ok && obj.IsVolatile() {
			return r.AmountResident()
		}
		return 0
	})
}

// AmountPurgeableNonVolatile returns the number of resident bytes that
// belong to purgeable objects that are not volatile.
func (as *AddressSpace) AmountPurgeableNonVolatile() uintptr {
	return as.sum(func(r *Region) uintptr {
		if obj, ok := r.obj.(*vmobject.Purgeable); ok && !obj.IsVolatile() {
			return r.AmountResident()
		}
		return 0
	})
}

func (as *AddressSpace) sum(amountFn func(*Region) uintptr) uintptr {
	as.lock.Acquire()
	defer as.lock.Release()

	var total uintptr
	as.regions.Ascend(func(r *Region) bool {
		total += amountFn(r)
		return true
	})
	return total
}
