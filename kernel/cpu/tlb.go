package cpu

import (
	"sync"
	"sync/atomic"
)

// tlbPageMask clears the page offset bits of a virtual address.
const tlbPageMask = ^uintptr(4096 - 1)

type tlbKey struct {
	root uintptr
	page uintptr
}

// processor holds the control registers and the TLB of a simulated CPU.
type processor struct {
	mu  sync.Mutex
	cr2 uint64
	cr3 uintptr
	tlb map[tlbKey]uint64
}

// TLBStats contains the TLB counters for all simulated CPUs.
type TLBStats struct {
	Hits         uint64
	Misses       uint64
	EntryFlushes uint64
	FullFlushes  uint64
}

var (
	processors [MaxCPUs]processor
	tlbStats   TLBStats
)

func (p *processor) flushAll() {
	p.mu.Lock()
	p.tlb = nil
	p.mu.Unlock()
}

// FlushTLBEntry flushes the TLB entry for a particular virtual address. The
// entry is dropped on every CPU so that no CPU keeps using a stale
// translation after a page table update.
func FlushTLBEntry(virtAddr uintptr) {
	page := virtAddr & tlbPageMask
	for i := range processors {
		p := &processors[i]
		p.mu.Lock()
		for key := range p.tlb {
			if key.page == page {
				delete(p.tlb, key)
			}
		}
		p.mu.Unlock()
	}
	atomic.AddUint64(&tlbStats.EntryFlushes, 1)
}

// FlushTLB flushes all cached translations on every CPU.
func FlushTLB() {
	for i := range processors {
		processors[i].flushAll()
	}
	atomic.AddUint64(&tlbStats.FullFlushes, 1)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB of the current CPU.
func SwitchPDT(pdtPhysAddr uintptr) {
	p := &processors[Index()]
	p.mu.Lock()
	p.cr3 = pdtPhysAddr
	p.tlb = nil
	p.mu.Unlock()
	atomic.AddUint64(&tlbStats.FullFlushes, 1)
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	p := &processors[Index()]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cr3
}

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64 {
	p := &processors[Index()]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cr2
}

// WriteCR2 stores the faulting address in the CR2 register of the current CPU.
func WriteCR2(addr uint64) {
	p := &processors[Index()]
	p.mu.Lock()
	p.cr2 = addr
	p.mu.Unlock()
}

// TLBLookup returns the cached page table entry that translates virtAddr
// under the page table rooted at rootPhysAddr.
func TLBLookup(rootPhysAddr, virtAddr uintptr) (uint64, bool) {
	p := &processors[Index()]
	p.mu.Lock()
	entry, ok := p.tlb[tlbKey{rootPhysAddr, virtAddr & tlbPageMask}]
	p.mu.Unlock()

	if ok {
		atomic.AddUint64(&tlbStats.Hits, 1)
	} else {
		atomic.AddUint64(&tlbStats.Misses, 1)
	}
	return entry, ok
}

// TLBFill caches a page table entry for virtAddr on the current CPU.
func TLBFill(rootPhysAddr, virtAddr uintptr, entry uint64) {
	p := &processors[Index()]
	p.mu.Lock()
	if p.tlb == nil {
		p.tlb = make(map[tlbKey]uint64)
	}
	p.tlb[tlbKey{rootPhysAddr, virtAddr & tlbPageMask}] = entry
	p.mu.Unlock()
}

// ReadTLBStats returns a snapshot of the TLB counters.
func ReadTLBStats() TLBStats {
	return TLBStats{
		Hits:         atomic.LoadUint64(&tlbStats.Hits),
		Misses:       atomic.LoadUint64(&tlbStats.Misses),
		EntryFlushes: atomic.LoadUint64(&tlbStats.EntryFlushes),
		FullFlushes:  atomic.LoadUint64(&tlbStats.FullFlushes),
	}
}
