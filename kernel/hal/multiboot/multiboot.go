// Package multiboot parses the multiboot2 information block that the
// bootloader hands to the kernel.
package multiboot

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unsafe"
)

var (
	infoData  uintptr
	cmdLineKV map[string]string

	le = binary.LittleEndian
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// Layout of the information block. All fields are little-endian.
const (
	// The block starts with its total size (uint32) and a reserved uint32.
	infoHeaderSize = 8

	// Each tag starts at an 8-byte aligned offset with its type (uint32)
	// and its size including the header but not the padding (uint32).
	tagHeaderSize = 8
	tagAlignment  = 8

	// The memory map payload starts with the size and version of its
	// entries (uint32 each). Each entry holds the base address (uint64),
	// the length (uint64), the type (uint32) and a reserved uint32.
	mmapHeaderSize = 8
	mmapEntrySize  = 24

	// The ELF symbols payload starts with the section count (uint16 +
	// padding), the size of each section header (uint32) and the index of
	// the string table holding the section names (uint32).
	elfHeaderSize = 12

	// Offsets within an ELF64 section header.
	elfSectionSize       = 64
	elfSectionNameOff    = 0
	elfSectionFlagsOff   = 8
	elfSectionAddressOff = 16
	elfSectionSizeOff    = 32
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory region
// reported by the bootloader. The visitor returns false to abort the scan.
// The entry is only valid for the duration of the call.
type MemRegionVisitor func(*MemoryMapEntry) bool

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section occupies memory when the
	// image is loaded (e.g .bss sections).
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor is invoked by VisitElfSections for each non-empty
// section of the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

// VisitMemRegions invokes visitor for each memory region in the memory map
// reported by the bootloader. Regions with an unknown type are reported as
// reserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	payload := findTag(tagMemoryMap)
	if len(payload) < mmapHeaderSize {
		return
	}

	entrySize := int(le.Uint32(payload))
	if entrySize < mmapEntrySize {
		return
	}

	var entry MemoryMapEntry
	for off := mmapHeaderSize; off+entrySize <= len(payload); off += entrySize {
		entry = MemoryMapEntry{
			PhysAddress: le.Uint64(payload[off:]),
			Length:      le.Uint64(payload[off+8:]),
			Type:        MemoryEntryType(le.Uint32(payload[off+16:])),
		}

		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// VisitElfSections invokes visitor for each ELF section that belongs to the
// loaded kernel image.
func VisitElfSections(visitor ElfSectionVisitor) {
	payload := findTag(tagElfSymbols)
	if len(payload) < elfHeaderSize {
		return
	}

	var (
		numSections = int(le.Uint16(payload))
		secSize     = int(le.Uint32(payload[4:]))
		strtabIndex = int(le.Uint32(payload[8:]))
		headers     = payload[elfHeaderSize:]
	)

	if secSize < elfSectionSize || numSections*secSize > len(headers) || strtabIndex >= numSections {
		return
	}

	strtabAddr := uintptr(le.Uint64(headers[strtabIndex*secSize+elfSectionAddressOff:]))
	for secIndex := 0; secIndex < numSections; secIndex++ {
		hdr := headers[secIndex*secSize:]

		size := le.Uint64(hdr[elfSectionSizeOff:])
		if size == 0 {
			continue
		}

		visitor(
			stringAt(strtabAddr+uintptr(le.Uint32(hdr[elfSectionNameOff:]))),
			ElfSectionFlag(le.Uint64(hdr[elfSectionFlagsOff:])),
			uintptr(le.Uint64(hdr[elfSectionAddressOff:])),
			size,
		)
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Flags without a value map to themselves.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	cmdLine := findTag(tagBootCmdLine)
	if end := bytes.IndexByte(cmdLine, 0); end >= 0 {
		cmdLine = cmdLine[:end]
	}

	for _, field := range strings.Fields(string(cmdLine)) {
		key, value, found := strings.Cut(field, "=")
		switch {
		case !found:
			cmdLineKV[key] = key
		case !strings.Contains(value, "="):
			cmdLineKV[key] = value
		}
	}

	return cmdLineKV
}

// infoBlock returns the information block passed to SetInfoPtr.
func infoBlock() []byte {
	if infoData == 0 {
		return nil
	}

	totalSize := *(*uint32)(unsafe.Pointer(infoData))
	return unsafe.Slice((*byte)(unsafe.Pointer(infoData)), totalSize)
}

// findTag returns the payload of the first tag with the given type or nil
// if the information block does not contain one.
func findTag(want tagType) []byte {
	block := infoBlock()
	for off := infoHeaderSize; off+tagHeaderSize <= len(block); {
		tag, size := tagType(le.Uint32(block[off:])), int(le.Uint32(block[off+4:]))
		if tag == tagMbSectionEnd || size < tagHeaderSize || off+size > len(block) {
			return nil
		}

		if tag == want {
			return block[off+tagHeaderSize : off+size]
		}

		off += (size + tagAlignment - 1) &^ (tagAlignment - 1)
	}

	return nil
}

// stringAt returns the NULL-terminated string stored at addr.
func stringAt(addr uintptr) string {
	var n int
	for *(*byte)(unsafe.Pointer(addr + uintptr(n))) != 0 {
		n++
	}
	return unsafe.String((*byte)(unsafe.Pointer(addr)), n)
}

func hostAddr(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}
