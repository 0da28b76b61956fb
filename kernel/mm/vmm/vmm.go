// Package vmm manipulates the amd64 page tables of the simulated machine and
// maps the kernel image.
package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/hal/multiboot"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

const (
	// RoAfterInitSection is the name of the kernel image section that
	// becomes read-only once the kernel is initialized.
	RoAfterInitSection = ".ro_after_init"

	// UnmapAfterInitSection is the name of the kernel image section that
	// is discarded once the kernel is initialized.
	UnmapAfterInitSection = ".unmap_after_init"
)

var (
	// visitElfSectionsFn is used by tests and is automatically inlined
	// by the compiler.
	visitElfSectionsFn = multiboot.VisitElfSections

	errNoKernelImage = &kernel.Error{Module: "vmm", Message: "bootloader did not report any kernel image sections"}
)

type imageSection struct {
	name string
	rng  mm.VirtualRange
}

// KernelImage describes the mapped kernel image and owns the page directory
// table that all other page directory tables share their kernel half with.
type KernelImage struct {
	pdt      PageDirectoryTable
	sections []imageSection

	protected bool
	unmapped  bool
}

// KernelImageBounds returns the physical address range [start, end) that is
// occupied by the kernel image sections reported by the bootloader.
func KernelImageBounds() (uintptr, uintptr) {
	var start, end uintptr
	visitElfSectionsFn(func(_ string, _ multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		if secAddress < KernelPageOffset {
			return
		}

		secStart, secEnd := secAddress-KernelPageOffset, secAddress-KernelPageOffset+uintptr(secSize)
		if end == 0 || secStart < start {
			start = secStart
		}
		if secEnd > end {
			end = secEnd
		}
	})

	return start, end
}

// Init queries the multiboot package for the ELF sections that correspond
// to the loaded kernel image and establishes a new granular PDT for the
// kernel's VMA using the appropriate flags (e.g. NX for data sections, RW for
// writable sections e.t.c). The new PDT is then activated.
func Init() (*KernelImage, *kernel.Error) {
	// Allocate frame for the page directory and initialize it
	kernelPDTFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	img := &KernelImage{}
	if err = img.pdt.Init(kernelPDTFrame, nil); err != nil {
		return nil, err
	}

	if err = img.pdt.preallocateKernelHalf(); err != nil {
		return nil, err
	}

	// Query the ELF sections of the kernel image and establish mappings
	// for each one using the appropriate flags
	visitElfSectionsFn(func(name string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if we have encountered an error; also ignore sections
		// not using the kernel's VMA
		if err != nil || secAddress < KernelPageOffset {
			return
		}

		img.sections = append(img.sections, imageSection{
			name: name,
			rng:  mm.VirtualRange{Base: secAddress, Size: uintptr(secSize)},
		})

		flags := FlagPresent | FlagGlobal

		if (secFlags&multiboot.ElfSectionExecutable) == 0 && cpu.HasNX() {
			flags |= FlagNoExecute
		}

		if (secFlags & multiboot.ElfSectionWritable) != 0 {
			flags |= FlagRW
		}

		// Map the start and end VMA addresses for the section contents
		// into a start and end (inclusive) page number. To figure out
		// the physical start frame we just need to subtract the
		// kernel's VMA offset from the virtual address and round that
		// down to the nearest frame number.
		curPage := mm.PageFromAddress(secAddress)
		lastPage := mm.PageFromAddress(secAddress + uintptr(secSize-1))
		curFrame := mm.Frame((secAddress - KernelPageOffset) >> mm.PageShift)
		for ; curPage <= lastPage; curFrame, curPage = curFrame+1, curPage+1 {
			if err = img.pdt.Map(curPage, curFrame, flags); err != nil {
				return
			}
		}
	})

	// If an error occurred while maping the ELF sections bail out
	if err != nil {
		return nil, err
	}

	if len(img.sections) == 0 {
		return nil, errNoKernelImage
	}

	// Activate the new PDT. After this point, the identify mapping for the
	// physical memory addresses where the kernel is loaded becomes invalid.
	img.pdt.Activate()

	return img, nil
}

// PDT returns the kernel page directory table.
func (img *KernelImage) PDT() *PageDirectoryTable {
	return &img.pdt
}

// Section returns the virtual address range of the kernel image section with
// the given name.
func (img *KernelImage) Section(name string) (mm.VirtualRange, bool) {
	for _, sec := range img.sections {
		if sec.name == name {
			return sec.rng, true
		}
	}

	return mm.VirtualRange{}, false
}

// ProtectReadOnlyAfterInit removes write access to the pages of the
// read-only-after-init section. The change is permanent.
func (img *KernelImage) ProtectReadOnlyAfterInit() {
	if img.protected {
		return
	}
	img.protected = true

	rng, ok := img.Section(RoAfterInitSection)
	if !ok || rng.IsEmpty() {
		return
	}

	lastPage := mm.PageFromAddress(rng.End() - 1)
	for page := mm.PageFromAddress(rng.Base); page <= lastPage; page++ {
		if pte := img.pdt.Entry(page); pte != nil && pte.HasFlags(FlagPresent) {
			pte.ClearFlags(FlagRW)
			flushTLBEntryFn(page.Address())
		}
	}

	kfmt.Printf("[vmm] write-protected %d pages of the %s section\n", uint64(lastPage-mm.PageFromAddress(rng.Base)+1), RoAfterInitSection)
}

// UnmapAfterInit unmaps the pages that are fully covered by the
// discardable-after-init section and hands their backing frames to freeFn.
// It returns the number of released frames.
func (img *KernelImage) UnmapAfterInit(freeFn func(mm.Frame)) int {
	if img.unmapped {
		return 0
	}
	img.unmapped = true

	rng, ok := img.Section(UnmapAfterInitSection)
	if !ok || rng.IsEmpty() {
		return 0
	}

	var (
		released  int
		firstPage = mm.PageFromAddress(rng.Base)
		lastPage  = mm.PageFromAddress(rng.End() - 1)
	)

	for page := firstPage; page <= lastPage; page++ {
		// Pages shared with a neighboring section stay mapped
		pageRange := mm.VirtualRange{Base: page.Address(), Size: mm.PageSize}
		if !rng.ContainsRange(pageRange) {
			continue
		}

		if err := img.pdt.Unmap(page); err != nil {
			continue
		}

		freeFn(mm.Frame((page.Address() - KernelPageOffset) >> mm.PageShift))
		released++
	}

	kfmt.Printf("[vmm] unmapped %s section; released %d frames\n", UnmapAfterInitSection, uint64(released))
	return released
}
