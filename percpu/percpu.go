// Package percpu holds the per-CPU state spec.md §5 enumerates: each
// CPU's LAPIC pointer/id, tick counter, scheduler quantum, current-thread
// pointer, and scheduler lock. It is adapted from the teacher's
// tinfo/tinfo.go, whose Current()/SetCurrent() were built on that
// fork's runtime.Gptr/Setgptr hooks (a per-goroutine scratch word baked
// into biscuit's modified scheduler). This core links the stock Go
// runtime, so Design Notes §9's prescribed shape is used instead: a
// fixed, cache-line-padded table indexed by CPU id, with atomic
// accessors and a per-CPU lock (Lock/Unlock) that callers take around
// reads of another CPU's slot.
package percpu

import (
	"sync"
	"sync/atomic"
)

// MAXCPUS bounds the per-CPU table. Matches mem.MAXCPUS; kept as an
// independent constant so this package has no import-cycle dependency on
// mem.
const MAXCPUS = 64

// Note is the per-thread state a CPU's "current thread" slot points at.
// The VMM only needs enough of it to know which address space a CPU is
// running against for TLB shootdown (spec.md §4.5); scheduler-internal
// fields live in the embedding kernel's own thread struct, reached
// through AS via an opaque pointer.
type Note struct {
	Tid int
	// AS is the thread's owning address space, typed as any to avoid a
	// package-import cycle between percpu and vm (vm imports percpu to
	// drive shootdowns; percpu cannot import vm back).
	AS any
}

// cell is one cache-line-padded per-CPU slot: a scheduler lock plus the
// atomic pointer to that CPU's current thread Note, a tick counter, and
// a scheduler quantum. Padding keeps adjacent CPUs' cells off the same
// cache line so Lock/Unlock traffic from one CPU never bounces another's.
type cell struct {
	sync.Mutex
	current  atomic.Pointer[Note]
	ticks    uint64
	quantum  int32
	lapicID  uint32
	_        [64 - 8 - 8 - 8 - 4 - 4]byte
}

var table [MAXCPUS]cell

// Lock acquires cpu's scheduler lock. Spec.md §5 requires any read of
// another CPU's current-thread pointer to go through this lock.
func Lock(cpu int) { table[cpu].Lock() }

// Unlock releases cpu's scheduler lock.
func Unlock(cpu int) { table[cpu].Unlock() }

// Current returns cpu's current thread Note, or nil if none is running
// (the idle state the APIC per-tick handler treats specially). The
// caller must hold cpu's lock when reading another CPU's slot; reading
// one's own slot without the lock is safe because only that CPU writes
// it outside of IPI-driven shootdown bookkeeping.
func Current(cpu int) *Note {
	return table[cpu].current.Load()
}

// SetCurrent installs n as cpu's current thread.
func SetCurrent(cpu int, n *Note) {
	table[cpu].current.Store(n)
}

// ClearCurrent removes cpu's current thread (the CPU is about to idle).
func ClearCurrent(cpu int) {
	table[cpu].current.Store(nil)
}

// Tick increments cpu's tick counter and decrements its scheduler
// quantum, returning the quantum's new value so the APIC per-tick
// handler can tell whether it reached zero.
func Tick(cpu int) int32 {
	atomic.AddUint64(&table[cpu].ticks, 1)
	return atomic.AddInt32(&table[cpu].quantum, -1)
}

// ResetQuantum rearms cpu's scheduler quantum to n ticks.
func ResetQuantum(cpu int, n int32) {
	atomic.StoreInt32(&table[cpu].quantum, n)
}

// Ticks returns cpu's tick counter, for diagnostics.
func Ticks(cpu int) uint64 {
	return atomic.LoadUint64(&table[cpu].ticks)
}

// SetLAPICID records the LAPIC id discovered for cpu during MADT parsing.
func SetLAPICID(cpu int, id uint32) {
	atomic.StoreUint32(&table[cpu].lapicID, id)
}

// LAPICID returns cpu's LAPIC id.
func LAPICID(cpu int) uint32 {
	return atomic.LoadUint32(&table[cpu].lapicID)
}
