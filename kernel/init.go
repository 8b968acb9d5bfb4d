// Package kernel wires the three core subsystems together: the APIC/IRQ
// interrupt core, the virtual memory manager, and the block buffer
// cache, per spec.md §9's component diagram. It replaces the teacher's
// kernel/chentry.go, a build-time ELF entry-point patcher with no
// runtime role in any of the three in-scope subsystems (booting and
// image-building are explicit spec.md Non-goals) — see DESIGN.md for the
// full justification of that removal.
package kernel

import (
	"apic"
	"bcache"
	"bounds"
	"clock"
	"irq"
	"mem"
	"res"
	"sysstat"
	"vm"
)

// Config supplies everything arch-specific that Boot needs but this core
// does not itself own: MMIO windows, a frame source, and the number of
// usable physical pages. An embedding kernel's arch-init code builds one
// of these after parsing ACPI tables and setting up early page tables.
type Config struct {
	LAPIC       apic.Window
	IOAPIC      apic.Window
	PIT         apic.PITSource
	NumPages    int
	DmapBase    uintptr
	FrameSource mem.FrameSource
	UserMin     uintptr
	UserMax     uintptr
	TSCDeadline bool
	ReadTSC     func() uint64

	// Clock is registered as package clock's primary source once booted,
	// so the rest of the core never reads hardware clocks directly.
	Clock clock.Source
}

// Kernel bundles the live instances of every subsystem, wired per
// spec.md §2's package mapping.
type Kernel struct {
	Phys   *mem.Physmem_t
	Timer  *apic.Timer
	IOAPIC *apic.IOAPIC
	IRQ    *irq.Dispatcher
	Cache  *bcache.Cache
	Stats  *sysstat.Source
}

// Boot brings up the three core subsystems in dependency order: physical
// memory first (everything else allocates frames through it), then the
// interrupt/timer core, then the IRQ dispatcher wired to the timer's EOI,
// then the block cache (which allocates its page-cache frames from the
// same mem.Physmem).
func Boot(cfg Config) *Kernel {
	phys := mem.Phys_init(cfg.NumPages, cfg.DmapBase, cfg.FrameSource)
	res.Init(func() int {
		free, _ := phys.Pgcount()
		return free
	})

	if cfg.Clock != nil {
		clock.SetPrimary(cfg.Clock)
	}

	timer := apic.New(cfg.LAPIC, 0, cfg.TSCDeadline, cfg.ReadTSC)
	timer.Calibrate(cfg.PIT, nil)

	dispatcher := irq.New(timer.EOI)
	ioapic := apic.NewIOAPIC(cfg.IOAPIC)

	cache := bcache.New()

	stats := &sysstat.Source{
		TotalPages: func() int64 { return int64(cfg.NumPages) },
		FreePages: func() int64 {
			free, _ := phys.Pgcount()
			return int64(free)
		},
		CachedPages: func() int64 { return 0 },
		Denied: func(b bounds.Bounds_t) int64 {
			return res.Denied(b)
		},
	}

	return &Kernel{
		Phys:   phys,
		Timer:  timer,
		IOAPIC: ioapic,
		IRQ:    dispatcher,
		Cache:  cache,
		Stats:  stats,
	}
}

// NewProcessAddressSpace allocates a fresh top-level page table and
// returns an address space covering [userMin, userMax), the per-process
// entry point into package vm.
func (k *Kernel) NewProcessAddressSpace(userMin, userMax uintptr) (*vm.AddressSpace_t, bool) {
	root, pa, ok := k.Phys.Pmap_new()
	if !ok {
		return nil, false
	}
	for i := range root {
		root[i] = 0
	}
	return vm.NewAddressSpace(root, pa, userMin, userMax), true
}
