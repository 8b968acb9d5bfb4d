// Package sysstat encodes the memstat syscall's result (spec.md §6):
// total physical pages, free pages, pages held by the buffer cache, and
// the resource-budget denial counters package res tracks. Adapted from
// the teacher's accnt/accnt.go To_rusage idiom — a mutex-protected
// snapshot marshaled into a fixed-width little-endian word layout
// suitable for vm.K2user — generalized from accounting a single
// process's CPU time to reporting kernel-wide memory state.
package sysstat

import (
	"sync"

	"bounds"
	"util"
)

// Snap is a point-in-time memory usage snapshot.
type Snap struct {
	TotalPages  int64
	FreePages   int64
	CachedPages int64
	Denied      [bounds.B_MAX]int64
}

// Source supplies the live counters a Snapshot call reads. The kernel
// wiring package (kernel) constructs one backed by mem.Physmem and res;
// its CachedPages always reports 0, since bcache exposes no page count.
// Tests substitute fakes.
type Source struct {
	mu sync.Mutex

	TotalPages func() int64
	FreePages  func() int64
	CachedPages func() int64
	Denied     func(bounds.Bounds_t) int64
}

// Snapshot takes a consistent-enough reading of every counter and
// encodes it as rows of 8-byte little-endian words, the layout
// vm.K2user copies to the caller's memstat buffer: total, free, cached,
// followed by one word per bounds.Bounds_t denial counter.
func (s *Source) Snapshot() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	words := 3 + int(bounds.B_MAX)
	ret := make([]uint8, words*8)
	off := 0
	put := func(v int64) {
		util.Writen(ret, 8, off, int(v))
		off += 8
	}
	put(s.TotalPages())
	put(s.FreePages())
	put(s.CachedPages())
	for b := bounds.Bounds_t(0); b < bounds.B_MAX; b++ {
		put(s.Denied(b))
	}
	return ret
}
