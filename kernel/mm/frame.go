package mm

import (
	"math"
	"vmcore/kernel"
)

// Frame is the index of a physical page.
type Frame uintptr

// InvalidFrame is returned by frame allocators that cannot satisfy a request.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns false for InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in the frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the frame that contains physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// FrameAllocatorFn hands out a single physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn returns a frame to the allocator it came from.
type FrameReleaserFn func(Frame)

var (
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn
)

// SetFrameAllocator installs the allocator used by AllocFrame. The boot
// memory allocator is installed first and replaced by the bitmap allocator
// once it is initialized.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReleaser installs the function used by FreeFrame.
func SetFrameReleaser(freeFn FrameReleaserFn) { frameReleaser = freeFn }

// AllocFrame reserves a physical frame with the installed allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// FreeFrame hands frame back to the installed releaser. Without a releaser
// the frame is leaked; the boot memory allocator cannot take frames back.
func FreeFrame(frame Frame) {
	if frameReleaser != nil {
		frameReleaser(frame)
	}
}
