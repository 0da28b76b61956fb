package kheap

import (
	"math/bits"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/space"
)

// subheap manages one contiguous block of kernel virtual memory that is
// carved into ChunkSize-byte chunks.
type subheap struct {
	rng mm.VirtualRange

	// region backs the subheap memory. It is nil for the static pool.
	region *space.Region

	chunkCount uint32

	// usedBitmap tracks used/free chunks. A set bit marks a used chunk.
	usedBitmap []uint64

	// allocChunks holds the length, in chunks, of each live allocation
	// indexed by its first chunk.
	allocChunks []uint32

	allocatedChunks uint32
}

func newSubheap(rng mm.VirtualRange, region *space.Region) *subheap {
	chunkCount := uint32(rng.Size / ChunkSize)
	return &subheap{
		rng:         rng,
		region:      region,
		chunkCount:  chunkCount,
		usedBitmap:  make([]uint64, (chunkCount+63)>>6),
		allocChunks: make([]uint32, chunkCount),
	}
}

// chunksFor returns the number of chunks needed for a size-byte allocation.
// Zero-sized allocations still occupy a chunk so each gets a unique address.
func chunksFor(size uintptr) uintptr {
	chunks := size / ChunkSize
	if size%ChunkSize != 0 || size == 0 {
		chunks++
	}
	return chunks
}

// memoryForBytes returns the subheap size needed to satisfy a size-byte
// allocation.
func memoryForBytes(size uintptr) uintptr {
	return chunksFor(size) * ChunkSize
}

func (sh *subheap) contains(ptr uintptr) bool {
	return sh.rng.Contains(ptr)
}

func (sh *subheap) freeBytes() uintptr {
	return uintptr(sh.chunkCount-sh.allocatedChunks) * ChunkSize
}

func (sh *subheap) allocatedBytes() uintptr {
	return uintptr(sh.allocatedChunks) * ChunkSize
}

func (sh *subheap) isUsed(chunk uint32) bool {
	return sh.usedBitmap[chunk>>6]&(1<<(chunk&63)) != 0
}

func (sh *subheap) setUsed(first, count uint32, used bool) {
	for chunk := first; chunk < first+count; chunk++ {
		mask := uint64(1) << (chunk & 63)
		if used {
			sh.usedBitmap[chunk>>6] |= mask
		} else {
			sh.usedBitmap[chunk>>6] &^= mask
		}
	}
}

// findFree returns the index of the first free chunk at or after from.
func (sh *subheap) findFree(from uint32) (uint32, bool) {
	for word := from >> 6; word < uint32(len(sh.usedBitmap)); word++ {
		free := ^sh.usedBitmap[word]
		if word == from>>6 {
			free &= ^uint64(0) << (from & 63)
		}

		if free == 0 {
			continue
		}

		chunk := word<<6 + uint32(bits.TrailingZeros64(free))
		if chunk >= sh.chunkCount {
			return 0, false
		}
		return chunk, true
	}

	return 0, false
}

// allocate reserves enough chunks for size bytes using a first-fit scan and
// returns the address of the first one.
func (sh *subheap) allocate(size uintptr) (uintptr, bool) {
	chunks := chunksFor(size)
	if chunks > uintptr(sh.chunkCount-sh.allocatedChunks) {
		return 0, false
	}

	count := uint32(chunks)

	for start := uint32(0); start+count <= sh.chunkCount; {
		var ok bool
		if start, ok = sh.findFree(start); !ok || start+count > sh.chunkCount {
			return 0, false
		}

		runLen := uint32(1)
		for ; runLen < count && !sh.isUsed(start+runLen); runLen++ {
		}

		if runLen == count {
			sh.setUsed(start, count, true)
			sh.allocChunks[start] = count
			sh.allocatedChunks += count
			return sh.rng.Base + uintptr(start)*ChunkSize, true
		}
		start += runLen
	}

	return 0, false
}

// allocationSize returns the number of bytes reserved for the allocation at
// ptr or 0 if ptr is not the start of a live allocation.
func (sh *subheap) allocationSize(ptr uintptr) uintptr {
	offset := ptr - sh.rng.Base
	if offset%ChunkSize != 0 {
		return 0
	}
	return uintptr(sh.allocChunks[offset/ChunkSize]) * ChunkSize
}

// free releases the allocation starting at ptr. It returns false if ptr
// does not point to a live allocation.
func (sh *subheap) free(ptr uintptr) bool {
	size := sh.allocationSize(ptr)
	if size == 0 {
		return false
	}

	first := uint32((ptr - sh.rng.Base) / ChunkSize)
	count := sh.allocChunks[first]
	sh.setUsed(first, count, false)
	sh.allocChunks[first] = 0
	sh.allocatedChunks -= count
	return true
}
