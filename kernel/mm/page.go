package mm

// Page geometry of the simulated amd64 machine.
const (
	// PointerShift is log2 of the pointer size.
	PointerShift = uintptr(3)

	// PageShift converts between addresses and page or frame indices.
	PageShift = uintptr(12)

	// PageSize is the size of a page and of a frame in bytes.
	PageSize = uintptr(1 << PageShift)
)

// Page is the index of a virtual page.
type Page uintptr

// Address returns the virtual address of the first byte in the page.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the page that contains virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> PageShift)
}

func pageOffset(addr uintptr) uintptr {
	return addr & (PageSize - 1)
}

// IsPageAligned reports whether addr falls on a page boundary.
func IsPageAligned(addr uintptr) bool {
	return pageOffset(addr) == 0
}

// PageRoundDown rounds addr down to a page boundary.
func PageRoundDown(addr uintptr) uintptr {
	return addr - pageOffset(addr)
}

// PageRoundUp rounds addr up to a page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return PageRoundDown(addr + PageSize - 1)
}

// PageCount returns the number of pages needed to hold size bytes.
func PageCount(size uintptr) uintptr {
	return PageRoundUp(size) >> PageShift
}
