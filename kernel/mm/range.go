package mm

// VirtualRange describes the half-open virtual address range [Base, Base+Size).
type VirtualRange struct {
	Base uintptr
	Size uintptr
}

// End returns the first address past the end of the range.
func (r VirtualRange) End() uintptr {
	return r.Base + r.Size
}

// IsEmpty returns true if the range does not contain any addresses.
func (r VirtualRange) IsEmpty() bool {
	return r.Size == 0
}

// PageCount returns the number of pages spanned by the range.
func (r VirtualRange) PageCount() uintptr {
	return PageCount(r.Size)
}

// Contains returns true if addr falls inside the range.
func (r VirtualRange) Contains(addr uintptr) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// ContainsRange returns true if other lies entirely inside the range.
func (r VirtualRange) ContainsRange(other VirtualRange) bool {
	return other.Base >= r.Base && other.End() <= r.End() && other.End() >= other.Base
}

// Intersects returns true if the two ranges share at least one address.
func (r VirtualRange) Intersects(other VirtualRange) bool {
	if r.Size == 0 || other.Size == 0 {
		return false
	}
	return r.Base < other.End() && other.Base < r.End()
}

// Intersect returns the overlapping part of the two ranges. The returned range
// is empty if the ranges do not intersect.
func (r VirtualRange) Intersect(other VirtualRange) VirtualRange {
	if !r.Intersects(other) {
		return VirtualRange{}
	}

	base, end := r.Base, r.End()
	if other.Base > base {
		base = other.Base
	}
	if other.End() < end {
		end = other.End()
	}
	return VirtualRange{Base: base, Size: end - base}
}

// Carve removes hole from the range and returns the zero, one or two ranges
// that remain. The hole must be contained in the range.
func (r VirtualRange) Carve(hole VirtualRange) []VirtualRange {
	var parts []VirtualRange

	if hole.Base > r.Base {
		parts = append(parts, VirtualRange{Base: r.Base, Size: hole.Base - r.Base})
	}

	if hole.End() < r.End() {
		parts = append(parts, VirtualRange{Base: hole.End(), Size: r.End() - hole.End()})
	}

	return parts
}

// IsPageAligned returns true if both the base and the size of the range are
// multiples of the page size.
func (r VirtualRange) IsPageAligned() bool {
	return IsPageAligned(r.Base) && IsPageAligned(r.Size)
}
