package multiboot

// ElfSection describes a section of the loaded kernel image.
type ElfSection struct {
	Name    string
	Flags   ElfSectionFlag
	Address uintptr
	Size    uint64
}

// InfoBuilder assembles a multiboot2 information block the same way a
// bootloader would. It is used by the machine simulator to boot the kernel.
type InfoBuilder struct {
	cmdLine     string
	memoryMap   []MemoryMapEntry
	elfSections []ElfSection
}

// SetCmdLine sets the kernel command line.
func (b *InfoBuilder) SetCmdLine(cmdLine string) {
	b.cmdLine = cmdLine
}

// AddMemoryRegion appends an entry to the memory map.
func (b *InfoBuilder) AddMemoryRegion(physAddr, length uint64, entryType MemoryEntryType) {
	b.memoryMap = append(b.memoryMap, MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: entryType})
}

// AddElfSection appends a kernel image section.
func (b *InfoBuilder) AddElfSection(section ElfSection) {
	b.elfSections = append(b.elfSections, section)
}

// Build returns the encoded information block. The returned slice must be
// kept alive for as long as the kernel accesses it through SetInfoPtr.
func (b *InfoBuilder) Build() []byte {
	var (
		buf = make([]byte, infoHeaderSize)

		// The ELF string table is referenced by address so its location
		// is patched in once the final buffer exists.
		strtabAddrOff = -1
		strtabOff     int
	)

	if b.cmdLine != "" {
		buf = appendTag(buf, tagBootCmdLine, append([]byte(b.cmdLine), 0))
	}

	if len(b.memoryMap) != 0 {
		buf = appendTag(buf, tagMemoryMap, b.encodeMemoryMap())
	}

	if len(b.elfSections) != 0 {
		payload, strtabStart := b.encodeElfSections()

		tagStart := len(buf) + tagHeaderSize
		strtabAddrOff = tagStart + elfHeaderSize + elfSectionAddressOff
		strtabOff = tagStart + strtabStart
		buf = appendTag(buf, tagElfSymbols, payload)
	}

	buf = appendTag(buf, tagMbSectionEnd, nil)
	le.PutUint32(buf, uint32(len(buf)))

	// Copy to a buffer with exact capacity so its address stays fixed.
	out := make([]byte, len(buf))
	copy(out, buf)
	if strtabAddrOff >= 0 {
		le.PutUint64(out[strtabAddrOff:], uint64(hostAddr(&out[strtabOff])))
	}

	return out
}

func (b *InfoBuilder) encodeMemoryMap() []byte {
	payload := make([]byte, mmapHeaderSize+len(b.memoryMap)*mmapEntrySize)
	le.PutUint32(payload, mmapEntrySize)

	for i, entry := range b.memoryMap {
		off := mmapHeaderSize + i*mmapEntrySize
		le.PutUint64(payload[off:], entry.PhysAddress)
		le.PutUint64(payload[off+8:], entry.Length)
		le.PutUint32(payload[off+16:], uint32(entry.Type))
	}

	return payload
}

// encodeElfSections returns the ELF symbols payload and the offset of the
// string table within it. Section 0 describes the string table itself; its
// address is left for the caller to fill in.
func (b *InfoBuilder) encodeElfSections() ([]byte, int) {
	strtab := []byte{0}
	nameOffsets := make([]uint32, len(b.elfSections))
	for i, sec := range b.elfSections {
		nameOffsets[i] = uint32(len(strtab))
		strtab = append(append(strtab, sec.Name...), 0)
	}
	strtabName := uint32(len(strtab))
	strtab = append(append(strtab, ".shstrtab"...), 0)

	numSections := len(b.elfSections) + 1
	strtabStart := elfHeaderSize + numSections*elfSectionSize

	payload := make([]byte, strtabStart+len(strtab))
	le.PutUint16(payload, uint16(numSections))
	le.PutUint32(payload[4:], elfSectionSize)
	le.PutUint32(payload[8:], 0)

	writeSection := func(index int, nameIndex uint32, flags ElfSectionFlag, addr uintptr, size uint64) {
		hdr := payload[elfHeaderSize+index*elfSectionSize:]
		le.PutUint32(hdr[elfSectionNameOff:], nameIndex)
		le.PutUint64(hdr[elfSectionFlagsOff:], uint64(flags))
		le.PutUint64(hdr[elfSectionAddressOff:], uint64(addr))
		le.PutUint64(hdr[elfSectionSizeOff:], size)
	}

	writeSection(0, strtabName, 0, 0, uint64(len(strtab)))
	for i, sec := range b.elfSections {
		writeSection(i+1, nameOffsets[i], sec.Flags, sec.Address, sec.Size)
	}
	copy(payload[strtabStart:], strtab)

	return payload, strtabStart
}

// appendTag appends a tag header plus payload to buf and pads the result to
// the next tag boundary.
func appendTag(buf []byte, tag tagType, payload []byte) []byte {
	var hdr [tagHeaderSize]byte
	le.PutUint32(hdr[0:], uint32(tag))
	le.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))

	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	for len(buf)%tagAlignment != 0 {
		buf = append(buf, 0)
	}
	return buf
}
