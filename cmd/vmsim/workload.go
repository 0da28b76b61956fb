package main

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"sync"
	"vmcore/kernel/cpu"
	"vmcore/kernel/irq"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/mmgr"
	"vmcore/kernel/mm/space"
	"vmcore/kernel/mm/vmobject"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// dataBase is where the data region of every simulated process is
	// mapped.
	dataBase = uintptr(0x400000)

	rw = space.AccessRead | space.AccessWrite
)

// process is a simulated user process.
type process struct {
	id    int
	space *space.AddressSpace
	data  *space.Region
	cache *vmobject.Purgeable
	child *space.AddressSpace
}

// workloadReport summarizes a workload run.
type workloadReport struct {
	Processes       int
	Forks           int
	HeapAllocations int
	VolatileCaches  int

	PurgedPages      int
	IRQPurgedPages   int
	IRQSkippedPurges int
	CachesPurged     int

	Stats mmgr.Stats
}

// fields returns the report as a set of log fields.
func (r *workloadReport) fields() logrus.Fields {
	return logrus.Fields{
		"processes":         r.Processes,
		"forks":             r.Forks,
		"heap_allocations":  r.HeapAllocations,
		"volatile_caches":   r.VolatileCaches,
		"purged_pages":      r.PurgedPages,
		"irq_purged_pages":  r.IRQPurgedPages,
		"irq_skipped":       r.IRQSkippedPurges,
		"caches_purged":     r.CachesPurged,
		"faults":            r.Stats.Faults,
		"resolved_faults":   r.Stats.ResolvedFaults,
		"free_frames":       r.Stats.FreeFrames,
		"committed_kb":      uint64(r.Stats.Committed / 1024),
		"address_spaces":    r.Stats.AddressSpaces,
		"volatile_bytes":    uint64(r.Stats.PurgeableVolatile),
		"nonvolatile_bytes": uint64(r.Stats.PurgeableNonVolatile),
	}
}

// worker runs a share of the simulated processes on a single CPU.
type worker struct {
	m   *machine
	cpu int
	rng *rand.Rand
	log *logrus.Entry

	processes []*process
	forks     int
	heapOps   int
	volatile  int
}

// runWorkload spreads the configured processes across one worker per CPU.
// Every process is populated, forked and exercises the kernel heap. Once
// all workers are done the volatile caches of the processes are purged
// and all processes are torn down.
func runWorkload(m *machine, log *logrus.Logger) (*workloadReport, error) {
	var (
		cfg     = m.cfg.Workload
		wg      sync.WaitGroup
		workers = make([]*worker, m.cfg.CPUs)
		errs    = make([]error, m.cfg.CPUs)
	)

	for index := range workers {
		workers[index] = &worker{
			m:   m,
			cpu: index,
			rng: rand.New(rand.NewPCG(cfg.Seed, uint64(index))),
			log: log.WithField("cpu", index),
		}
	}

	for index, w := range workers {
		wg.Add(1)
		go func(index int, w *worker) {
			defer wg.Done()
			errs[index] = w.run(index, m.cfg.CPUs)
		}(index, w)
	}
	wg.Wait()

	report := &workloadReport{}
	for _, w := range workers {
		report.Processes += len(w.processes)
		report.Forks += w.forks
		report.HeapAllocations += w.heapOps
		report.VolatileCaches += w.volatile
	}

	mgr := m.kernel.MM
	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}

	if firstErr == nil {
		report.IRQPurgedPages, report.IRQSkippedPurges = mgr.PurgeWithInterruptsDisabled()
		report.PurgedPages = mgr.Purge(mmgr.PurgeAll)
		report.PurgedPages += report.IRQPurgedPages

		for _, w := range workers {
			for _, p := range w.processes {
				if p.cache != nil && p.cache.WasPurged() {
					report.CachesPurged++
				}
			}
		}
	}

	report.Stats = mgr.SystemStats()

	for _, w := range workers {
		for _, p := range w.processes {
			if err := p.destroy(mgr); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}

	log.WithFields(report.fields()).Info("workload complete")
	return report, nil
}

// run executes processes first, first+stride, ... on the CPU of the
// worker.
func (w *worker) run(first, stride int) error {
	cpu.Bind(w.cpu)
	defer cpu.Exit()

	kernelPDT := w.m.kernel.Image.PDT()
	defer func() {
		kernelPDT.Activate()
		for irq.PendingDeferredCalls() != 0 {
			irq.RunDeferredCalls()
		}
	}()

	for id := first; id < w.m.cfg.Workload.Processes; id += stride {
		p, err := w.spawn(id)
		if p != nil {
			w.processes = append(w.processes, p)
		}
		if err != nil {
			return errors.Wrapf(err, "process %d", id)
		}

		// Returning to the scheduler is a safe point for deferred work.
		kernelPDT.Activate()
		irq.RunDeferredCalls()
	}

	return nil
}

// spawn creates a process, populates its memory, forks it and exercises the
// kernel heap on its behalf.
func (w *worker) spawn(id int) (*process, error) {
	var (
		cfg = w.m.cfg.Workload
		mgr = w.m.kernel.MM
		log = w.log.WithField("pid", id)
	)

	as, err := mgr.CreateAddressSpace(nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create address space")
	}
	p := &process{id: id, space: as}

	dataSize := uintptr(cfg.PagesPerProcess) * mm.PageSize
	if p.data, err = as.AllocateRegion(mm.VirtualRange{Base: dataBase, Size: dataSize}, "data", rw, vmobject.Reserve); err != nil {
		return p, errors.Wrap(err, "unable to map data region")
	}

	if cfg.CachePages != 0 {
		if p.cache, err = vmobject.NewPurgeable(mgr.Pages(), uintptr(cfg.CachePages)*mm.PageSize, vmobject.AllocateNow); err != nil {
			return p, errors.Wrap(err, "unable to create cache object")
		}

		_, err = as.AllocateRegionWithVMObject(mm.VirtualRange{Size: p.cache.Size()}, p.cache, 0, "cache", rw, false)
		if err != nil {
			return p, errors.Wrap(err, "unable to map cache region")
		}

		if w.rng.Float64() < cfg.VolatileRatio {
			p.cache.SetVolatile(true)
			w.volatile++
		}
	}

	as.PDT().Activate()

	// Touch a random subset of the data pages. The pattern identifies the
	// process so the fork check below can tell parent and child apart.
	pattern := []byte(fmt.Sprintf("pid-%04d", id))
	touched := w.touchPages(p, pattern)

	if cfg.ForkWrites != 0 && len(touched) != 0 {
		if err := w.fork(p, touched, pattern); err != nil {
			return p, err
		}
	}

	if err := w.exerciseHeap(); err != nil {
		return p, err
	}

	log.WithFields(logrus.Fields{
		"resident_kb": uint64(as.AmountResident() / 1024),
		"dirty_kb":    uint64(as.AmountDirtyPrivate() / 1024),
		"regions":     as.RegionCount(),
	}).Debug("process populated")

	return p, nil
}

// touchPages writes pattern to the start of a random half of the data
// pages of p and returns their indices. The address space of p must be
// active.
func (w *worker) touchPages(p *process, pattern []byte) []uintptr {
	var touched []uintptr
	for index := uintptr(0); index < p.data.PageCount(); index++ {
		if w.rng.IntN(2) == 0 {
			continue
		}

		if err := w.m.kernel.MM.WriteBytes(p.data.Base()+index*mm.PageSize, pattern); err == nil {
			touched = append(touched, index)
		}
	}

	return touched
}

// fork creates a copy-on-write child of p, overwrites some of the shared
// pages from the child and checks that the parent still sees its own data.
func (w *worker) fork(p *process, touched []uintptr, pattern []byte) error {
	mgr := w.m.kernel.MM

	child, err := mgr.CreateAddressSpace(p.space)
	if err != nil {
		return errors.Wrap(err, "fork failed")
	}
	p.child = child
	w.forks++

	child.PDT().Activate()
	childPattern := bytes.ToUpper(pattern)
	for i := 0; i < w.m.cfg.Workload.ForkWrites; i++ {
		index := touched[w.rng.IntN(len(touched))]
		if err = mgr.WriteBytes(dataBase+index*mm.PageSize, childPattern); err != nil {
			return errors.Wrap(err, "child write failed")
		}
	}

	p.space.PDT().Activate()
	buf := make([]byte, len(pattern))
	for _, index := range touched {
		if err = mgr.ReadBytes(dataBase+index*mm.PageSize, buf); err != nil {
			return errors.Wrap(err, "parent read failed")
		}

		if !bytes.Equal(buf, pattern) {
			return errors.Errorf("parent page %d was modified by its child; got %q", index, buf)
		}
	}

	return nil
}

// exerciseHeap performs random kernel heap allocations, fills them and
// frees them again in random order.
func (w *worker) exerciseHeap() error {
	var (
		cfg  = w.m.cfg.Workload
		heap = w.m.kernel.Heap
		mgr  = w.m.kernel.MM
		live []uintptr
	)

	for i := 0; i < cfg.HeapAllocations; i++ {
		size := uintptr(1 + w.rng.IntN(cfg.MaxHeapBlock))
		ptr, err := heap.Allocate(size)
		if err != nil {
			return errors.Wrapf(err, "heap allocation of %d bytes failed", size)
		}
		w.heapOps++

		if err = mgr.Memset(ptr, byte(i), size); err != nil {
			return errors.Wrap(err, "unable to fill heap block")
		}
		live = append(live, ptr)

		// Keep the live set bounded by freeing a random block now and
		// then.
		if len(live) > 1 && w.rng.IntN(4) == 0 {
			victim := w.rng.IntN(len(live))
			heap.Free(live[victim])
			live[victim] = live[len(live)-1]
			live = live[:len(live)-1]
		}
	}

	w.rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
	for _, ptr := range live {
		heap.Free(ptr)
	}

	return nil
}

// destroy releases the address spaces of p and its reference to the cache
// object.
func (p *process) destroy(mgr *mmgr.Manager) error {
	if p.child != nil {
		if err := mgr.DestroyAddressSpace(p.child); err != nil {
			return errors.Wrapf(err, "process %d: unable to destroy child", p.id)
		}
		p.child = nil
	}

	if p.space != nil {
		if err := mgr.DestroyAddressSpace(p.space); err != nil {
			return errors.Wrapf(err, "process %d: unable to destroy address space", p.id)
		}
		p.space = nil
	}

	if p.cache != nil {
		p.cache.Unref()
		p.cache = nil
	}

	return nil
}
