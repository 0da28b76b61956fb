package main

import (
	"strings"
	"unsafe"
	"vmcore/kernel/cpu"
	"vmcore/kernel/gate"
	"vmcore/kernel/hal/multiboot"
	"vmcore/kernel/hal/physmem"
	"vmcore/kernel/irq"
	"vmcore/kernel/kmain"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vmm"

	"github.com/pkg/errors"
)

// machine is a booted simulated machine.
type machine struct {
	cfg    *Config
	kernel *kmain.Kernel

	// bootInfo keeps the multiboot payload reachable for as long as the
	// kernel may inspect it.
	bootInfo []byte
}

// bootInfoFor builds the multiboot payload that a bootloader would pass to
// a kernel loaded with the configured memory map and sections.
func bootInfoFor(cfg *Config) []byte {
	var builder multiboot.InfoBuilder
	builder.SetCmdLine("vmsim")

	for _, region := range cfg.memoryMap() {
		builder.AddMemoryRegion(region.Base, region.Length, memoryTypes[strings.ToLower(region.Type)])
	}

	for _, sec := range cfg.Sections {
		flags := multiboot.ElfSectionAllocated
		if sec.Writable {
			flags |= multiboot.ElfSectionWritable
		}
		if sec.Executable {
			flags |= multiboot.ElfSectionExecutable
		}

		builder.AddElfSection(multiboot.ElfSection{
			Name:    sec.Name,
			Flags:   flags,
			Address: vmm.KernelPageOffset + uintptr(sec.Offset),
			Size:    sec.Size,
		})
	}

	return builder.Build()
}

// boot allocates the physical memory of the simulated machine and runs the
// kernel memory management bring-up on it.
func boot(cfg *Config) (*machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := physmem.Init(uintptr(cfg.RAMMb) * uintptr(mm.Mb)); err != nil {
		return nil, errors.Wrap(err, "unable to allocate physical memory")
	}

	cpu.SetNXSupport(cfg.NX)
	gate.Init()

	m := &machine{cfg: cfg, bootInfo: bootInfoFor(cfg)}
	k, err := kmain.Boot(uintptr(unsafe.Pointer(&m.bootInfo[0])))
	if err != nil {
		m.shutdown()
		return nil, errors.Wrap(err, "kernel boot failed")
	}

	m.kernel = k
	return m, nil
}

// shutdown drains any pending deferred work and releases the physical
// memory of the machine.
func (m *machine) shutdown() {
	for irq.PendingDeferredCalls() != 0 {
		irq.RunDeferredCalls()
	}

	gate.Init()
	cpu.SwitchPDT(0)
	cpu.FlushTLB()
	mm.SetFrameAllocator(nil)
	mm.SetFrameReleaser(nil)
	multiboot.SetInfoPtr(0)
	physmem.Release()
	m.kernel = nil
}
