package main

import (
	"encoding/json"
	"os"
	"strings"
	"vmcore/kernel/cpu"
	"vmcore/kernel/hal/multiboot"
	"vmcore/kernel/kmain"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vmm"

	"github.com/pkg/errors"
)

// MemoryRegion is an entry of the memory map reported by the simulated
// bootloader.
type MemoryRegion struct {
	Base   uint64 `json:"base"`
	Length uint64 `json:"length"`
	Type   string `json:"type"`
}

// Section describes a section of the kernel image. Offset is the physical
// load address of the section; it is mapped at vmm.KernelPageOffset+Offset.
type Section struct {
	Name       string `json:"name"`
	Offset     uint64 `json:"offset"`
	Size       uint64 `json:"size"`
	Writable   bool   `json:"writable"`
	Executable bool   `json:"executable"`
}

// WorkloadConfig controls the simulated processes.
type WorkloadConfig struct {
	Processes       int     `json:"processes"`
	PagesPerProcess int     `json:"pages_per_process"`
	CachePages      int     `json:"cache_pages"`
	ForkWrites      int     `json:"fork_writes"`
	HeapAllocations int     `json:"heap_allocations"`
	MaxHeapBlock    int     `json:"max_heap_block"`
	VolatileRatio   float64 `json:"volatile_ratio"`
	Seed            uint64  `json:"seed"`
}

// Config holds the simulator settings.
type Config struct {
	RAMMb     uint64         `json:"ram_mb"`
	CPUs      int            `json:"cpus"`
	NX        bool           `json:"nx"`
	MemoryMap []MemoryRegion `json:"memory_map"`
	Sections  []Section      `json:"kernel_sections"`
	Workload  WorkloadConfig `json:"workload"`
	LogLevel  string         `json:"log_level"`
	FrameMap  string         `json:"frame_map"`
}

var memoryTypes = map[string]multiboot.MemoryEntryType{
	"available": multiboot.MemAvailable,
	"reserved":  multiboot.MemReserved,
	"acpi":      multiboot.MemAcpiReclaimable,
	"nvs":       multiboot.MemNvs,
}

// defaultConfig returns a 32Mb machine with 4 CPUs running a kernel image
// loaded at 1Mb.
func defaultConfig() *Config {
	return &Config{
		RAMMb: 32,
		CPUs:  4,
		NX:    true,
		Sections: []Section{
			{Name: ".text", Offset: 0x100000, Size: 0x20000, Executable: true},
			{Name: ".rodata", Offset: 0x120000, Size: 0x8000},
			{Name: ".data", Offset: 0x128000, Size: 0x4000, Writable: true},
			{Name: vmm.RoAfterInitSection, Offset: 0x12c000, Size: 0x1000, Writable: true},
			{Name: vmm.UnmapAfterInitSection, Offset: 0x12d000, Size: 0x3000, Executable: true},
			{Name: kmain.EternalHeapSection, Offset: 0x130000, Size: 0x100000, Writable: true},
			{Name: kmain.HeapSection, Offset: 0x230000, Size: 0x200000, Writable: true},
		},
		Workload: WorkloadConfig{
			Processes:       8,
			PagesPerProcess: 64,
			CachePages:      16,
			ForkWrites:      8,
			HeapAllocations: 256,
			MaxHeapBlock:    4096,
			VolatileRatio:   0.5,
			Seed:            0xdeadc0de,
		},
		LogLevel: "info",
	}
}

// loadConfig returns the default configuration overridden by the contents
// of the JSON file at path. An empty path yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open config file")
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err = dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config file %q", path)
	}

	return cfg, nil
}

// memoryMap returns the configured memory map or, if none was configured,
// the memory map of a PC with RAMMb of memory.
func (cfg *Config) memoryMap() []MemoryRegion {
	if len(cfg.MemoryMap) != 0 {
		return cfg.MemoryMap
	}

	ramSize := cfg.RAMMb * uint64(mm.Mb)
	return []MemoryRegion{
		{Base: 0, Length: 0x9fc00, Type: "available"},
		{Base: 0x9fc00, Length: 0x100000 - 0x9fc00, Type: "reserved"},
		{Base: 0x100000, Length: ramSize - 0x100000, Type: "available"},
	}
}

// validate checks the configuration for settings the simulated machine
// cannot honor.
func (cfg *Config) validate() error {
	ramSize := cfg.RAMMb * uint64(mm.Mb)
	if cfg.RAMMb < 4 {
		return errors.Errorf("at least 4Mb of RAM are required; got %dMb", cfg.RAMMb)
	}

	if cfg.CPUs < 1 || cfg.CPUs > cpu.MaxCPUs {
		return errors.Errorf("cpu count must be between 1 and %d; got %d", cpu.MaxCPUs, cfg.CPUs)
	}

	for _, region := range cfg.memoryMap() {
		if _, ok := memoryTypes[strings.ToLower(region.Type)]; !ok {
			return errors.Errorf("memory region at 0x%x has unknown type %q", region.Base, region.Type)
		}
	}

	var hasHeap bool
	for _, sec := range cfg.Sections {
		if sec.Offset+sec.Size > ramSize {
			return errors.Errorf("kernel section %s does not fit in RAM", sec.Name)
		}
		hasHeap = hasHeap || sec.Name == kmain.HeapSection
	}

	if !hasHeap {
		return errors.Errorf("kernel image must contain a %s section", kmain.HeapSection)
	}

	w := cfg.Workload
	if w.Processes < 0 || w.PagesPerProcess < 1 || w.CachePages < 0 || w.ForkWrites < 0 || w.HeapAllocations < 0 {
		return errors.New("workload counters must not be negative and each process needs at least one page")
	}

	if w.MaxHeapBlock < 1 {
		return errors.Errorf("max heap block size must be positive; got %d", w.MaxHeapBlock)
	}

	if w.VolatileRatio < 0 || w.VolatileRatio > 1 {
		return errors.Errorf("volatile ratio must be in [0, 1]; got %f", w.VolatileRatio)
	}

	return nil
}
