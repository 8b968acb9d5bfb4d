// Package res gates loops that may allocate kernel resources (heap
// pages, region-tree nodes) so that a single syscall cannot monopolize
// memory while the system is low. It grounds the res.Resadd_noblock(gimme)
// calls already present in the teacher's vm/as.go, whose own res package
// was an empty stub in the retrieval pack.
package res

import (
	"sync/atomic"

	"bounds"
)

// lowWater is the number of free pages below which a call site is
// refused admission without blocking; the caller must then return
// -defs.ENOHEAP to userspace and unwind whatever it had partially built.
const lowWater = 64

// freeFn reports the current number of free physical pages. It is
// registered through Init (kernel.Boot passes a query over the page
// allocator's free count); res does not import mem
// directly so the page allocator never has to import a resource package.
var freeFn func() int

// denied counts refusals per call site, purely for memstat/kmaps
// diagnostics.
var denied [bounds.B_MAX]int64

// Init registers the free-page query consulted by Resadd_noblock.
func Init(free func() int) {
	freeFn = free
}

// Resadd_noblock admits one more unit of work for the call site named by
// gimme without blocking. It returns false when the system is too low on
// free pages to admit more concurrent allocation; the caller must return
// -defs.ENOHEAP (or equivalent) and unwind rather than loop again.
func Resadd_noblock(gimme bounds.Bounds_t) bool {
	if freeFn != nil && freeFn() < lowWater {
		atomic.AddInt64(&denied[gimme], 1)
		return false
	}
	return true
}

// Denied returns how many times gimme has been refused admission, for
// diagnostics.
func Denied(gimme bounds.Bounds_t) int64 {
	return atomic.LoadInt64(&denied[gimme])
}
