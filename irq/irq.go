// Package irq dispatches hardware interrupts to registered handler
// chains and runs deferred (bottom-half) work off the interrupt path,
// per spec.md §4.1's IRQ dispatch requirements.
//
// Grounded on original_source/kernel/arch/x86_64/irq.c: irq_routines'
// per-line handler chain and irq_handler's in-IRQ flag and
// registration-order invocation are kept nearly as-is (Install/Dispatch
// below); irq_schedule_work/irq_get_work's work queue is NOT carried
// over as written — that queue finds its next work item by scanning for
// a NULL callback pointer, which only terminates correctly if unused
// queue memory happens to read as zero, the exact bug the Design Notes
// flag as an open question. DeferredQueue_t replaces it with circbuf's
// explicit head/tail ring, so draining never depends on buffer content.
// Lines >= 24 are passed to a single high-line handler; this package does
// not allocate MSI vectors.
package irq

import (
	"sync"

	"circbuf"
	"defs"
)

// Handler runs for one IRQ line. cookie is whatever Install registered
// it with; Handler returns true if it claimed/handled the interrupt
// (used for shared lines where more than one device can assert the
// same line).
type Handler func(cookie any) bool

type chain struct {
	sync.Mutex
	handlers []Handler
	cookies  []any
}

// NumISALines is the legacy PIC/IOAPIC line count the original's fixed
// irq_routines[24] array covered; Dispatcher keeps that as its owned
// range and passes lines >= NumISALines straight through to a registered
// high-line handler instead (MSI/MSI-X vectors, which this core's
// embedding driver layer allocates from its own vector space above the
// ISA lines).
const NumISALines = 24

// Dispatcher routes IRQ lines below NumISALines through per-line handler
// chains invoked in registration order, and lines at or above it through
// a single pass-through handler (set via SetHighLineHandler).
type Dispatcher struct {
	lines  [NumISALines]chain
	inIRQ  bool // diagnostic only; dispatch is never reentrant on one CPU
	eoi    func()
	high   func(line int) bool
	highMu sync.Mutex
}

func New(eoi func()) *Dispatcher {
	return &Dispatcher{eoi: eoi}
}

// InIRQ reports whether a Dispatch call is currently running on this
// dispatcher. Diagnostic only — this core has one dispatcher per CPU and
// never reenters Dispatch on the same CPU.
func (d *Dispatcher) InIRQ() bool { return d.inIRQ }

// Install registers handler on line, appended after any existing
// handlers (matching the original's append-at-tail chain order).
func (d *Dispatcher) Install(line int, h Handler, cookie any) defs.Err_t {
	if line < 0 || line >= NumISALines {
		return -defs.EINVAL
	}
	c := &d.lines[line]
	c.Lock()
	c.handlers = append(c.handlers, h)
	c.cookies = append(c.cookies, cookie)
	c.Unlock()
	return 0
}

// Uninstall removes the registration on line whose cookie equals
// cookie. Function values aren't comparable in Go, so unlike the
// original's irq_uninstall_handler (which matches on the handler
// pointer), callers are identified by the cookie they registered with —
// a stable identity the original didn't need since C function pointers
// are themselves comparable.
func (d *Dispatcher) Uninstall(line int, cookie any) defs.Err_t {
	if line < 0 || line >= NumISALines {
		return -defs.EINVAL
	}
	c := &d.lines[line]
	c.Lock()
	defer c.Unlock()
	for i, ck := range c.cookies {
		if ck == cookie {
			c.handlers = append(c.handlers[:i], c.handlers[i+1:]...)
			c.cookies = append(c.cookies[:i], c.cookies[i+1:]...)
			return 0
		}
	}
	return -defs.EINVAL
}

// SetHighLineHandler installs the single handler used for lines
// >= NumISALines (MSI/MSI-X vectors routed through the APIC rather than
// the legacy IOAPIC redirection table).
func (d *Dispatcher) SetHighLineHandler(h func(line int) bool) {
	d.highMu.Lock()
	d.high = h
	d.highMu.Unlock()
}

// Dispatch runs every handler registered on line in registration order,
// then issues end-of-interrupt. It returns true if at least one handler
// claimed the interrupt.
func (d *Dispatcher) Dispatch(line int) bool {
	d.inIRQ = true
	defer func() { d.inIRQ = false }()
	defer d.eoi()

	if line >= NumISALines {
		d.highMu.Lock()
		h := d.high
		d.highMu.Unlock()
		if h == nil {
			return false
		}
		return h(line)
	}

	c := &d.lines[line]
	c.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	cookies := append([]any(nil), c.cookies...)
	c.Unlock()

	claimed := false
	for i, h := range handlers {
		if h(cookies[i]) {
			claimed = true
		}
	}
	return claimed
}

// workItem is one deferred callback plus its captured payload.
type workItem struct {
	cb      func(payload any)
	payload any
}

// DeferredQueue_t is a bounded FIFO of work deferred out of IRQ context:
// an interrupt handler that must not block (allocate, take a sleeping
// lock) calls Schedule to hand the rest of its work to a worker
// goroutine instead of doing it inline.
//
// Unlike the original's irq_schedule_work/irq_get_work (a single
// fixed-size byte buffer that finds its next entry by scanning forward
// until it reads a zero callback pointer — broken whenever stale data
// from a prior wrap happens to look like a non-zero callback), this
// queue is backed by a slice ring of typed entries addressed by
// circbuf-style head/tail counters, so draining is pure arithmetic, never
// a content scan.
type DeferredQueue_t struct {
	mu    sync.Mutex
	items []workItem
	head  int
	tail  int
	cap   int
	ring  circbuf.Ring_t // tracks occupancy bookkeeping only (slot count, not bytes)
}

// NewDeferredQueue creates a queue holding up to capacity pending items.
func NewDeferredQueue(capacity int) *DeferredQueue_t {
	q := &DeferredQueue_t{
		items: make([]workItem, capacity),
		cap:   capacity,
	}
	q.ring.Init(make([]uint8, capacity))
	return q
}

// Schedule enqueues cb to run with payload outside IRQ context. It
// returns EAGAIN if the queue is full rather than blocking — callers are
// running with interrupts disabled and must not wait.
func (q *DeferredQueue_t) Schedule(cb func(payload any), payload any) defs.Err_t {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ring.Full() {
		return -defs.EAGAIN
	}
	q.items[q.head%q.cap] = workItem{cb: cb, payload: payload}
	q.head++
	q.ring.Push([]uint8{0})
	return 0
}

// take removes and returns the oldest pending item, if any.
func (q *DeferredQueue_t) take() (workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ring.Empty() {
		return workItem{}, false
	}
	it := q.items[q.tail%q.cap]
	q.tail++
	q.ring.Advance(1)
	return it, true
}

// RunWorker drains the queue until stop is closed, calling each item's
// callback with its payload; yield is invoked between empty polls so the
// caller can block on a scheduler primitive instead of busy-spinning
// (the original's irq_worker calls sched_yield in that slot).
func (q *DeferredQueue_t) RunWorker(stop <-chan struct{}, yield func()) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		it, ok := q.take()
		if !ok {
			yield()
			continue
		}
		it.cb(it.payload)
	}
}
