// Package mem implements the PhysPage allocator contract from spec.md
// §2/§3: owned physical frames, each exclusively held by exactly one VMO,
// reference counted, with a direct-mapped virtual alias the VMM and
// buffer cache use to read/write frame contents without a temporary
// mapping. Adapted from the teacher's mem/mem.go and mem/dmap.go; the
// teacher's page-table bootstrap (Dmap_init's PML4 wiring via its forked
// runtime's Cpuid/Vtop/Pml4freeze hooks) is out of spec.md's scope
// (booting is an explicit Non-goal) and is replaced by a pluggable frame
// source supplied by whatever arch-init code embeds this core.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"util"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Page-table entry bits (Intel SDM vol 3A, table 4-19 numbering).
const (
	PTE_P      Pa_t = 1 << 0 /// present
	PTE_W      Pa_t = 1 << 1 /// writable
	PTE_U      Pa_t = 1 << 2 /// user accessible
	PTE_PWT    Pa_t = 1 << 3 /// write-through
	PTE_PCD    Pa_t = 1 << 4 /// cache disable
	PTE_A      Pa_t = 1 << 5 /// accessed
	PTE_D      Pa_t = 1 << 6 /// dirty
	PTE_PS     Pa_t = 1 << 7 /// large page
	PTE_G      Pa_t = 1 << 8 /// global
	PTE_COW    Pa_t = 1 << 9 /// software: copy-on-write
	PTE_WASCOW Pa_t = 1 << 10 /// software: was COW, now owned writable
)

// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

// Pa_t represents a physical address.
type Pa_t uintptr

// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

// Pg_t is a generic page of ints.
type Pg_t [512]int

// Pmap_t is a page-table page: 512 page-table entries.
type Pmap_t [512]Pa_t

// Unpin_i allows unpinning of physical pages held by a shared/unpin
// mapping (spec.md §4.4's Vmadd_sharefile unpin callback).
type Unpin_i interface {
	Unpin(Pa_t)
}

// Page_i abstracts physical page allocation for anything (circbuf rings,
// block buffers) that needs a frame but isn't itself part of a VMO.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

// Refaddr returns the refcount pointer and index for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt, idx
}

// Tlbaddr returns the CPU-mask word used to track which CPUs have this
// page (as a pmap) loaded into cr3, for the Tlbshoot fast path.
func (phys *Physmem_t) Tlbaddr(p_pg Pa_t) *uint64 {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Cpumask
}

// Physpg_t describes a single physical page.
type Physpg_t struct {
	Refcnt int32
	// index into Pgs of next page on the free list
	nexti uint32
	// bitmask where bit n is set if CPU n has this page (a pmap) loaded
	// into its cr3 register
	Cpumask uint64
}

const nilIdx = ^uint32(0)

// MAXCPUS bounds the per-CPU free-list sharding below. It is a plain
// constant rather than a value read from the runtime, since this core
// links against the stock Go runtime and has no notion of "this CPU"
// except what the caller supplies via CPUHint.
const MAXCPUS = 64

// CPUHint is supplied by the embedding kernel so the per-CPU free lists
// below can shard without a lock on the common path. It must return a
// stable value in [0, MAXCPUS) for the calling CPU.
var CPUHint func() int

// Physmem_t manages all physical memory for the system.
type Physmem_t struct {
	Pgs    []Physpg_t
	startn uint32
	// index into Pgs of first free page
	freei   uint32
	freelen int32
	pmaps   uint32
	pmaplen int32
	sync.Mutex
	Dmapinit bool
	percpu   [MAXCPUS]pcpuphys_t
}

type pcpuphys_t struct {
	sync.Mutex
	freei   uint32
	freelen int32
	pmaps   uint32
	pmaplen int32
}

func (pc *pcpuphys_t) percpu_init() {
	pc.freei = nilIdx
	pc.pmaps = nilIdx
	pc.freelen, pc.pmaplen = 0, 0
}

func cpuhint() int {
	if CPUHint == nil {
		return 0
	}
	return CPUHint()
}

// returns true iff the page was added to the per-CPU free list
func (phys *Physmem_t) _pcpu_put(idx uint32, ispmap bool) bool {
	mine := &phys.percpu[cpuhint()]
	var fl *uint32
	var cnt *int32
	if ispmap {
		if mine.pmaplen >= 20 {
			return false
		}
		fl = &mine.pmaps
		cnt = &mine.pmaplen
	} else {
		if mine.freelen >= 100 {
			return false
		}
		fl = &mine.freei
		cnt = &mine.freelen
	}
	phys._phys_insert(fl, idx, mine, cnt)
	return true
}

func (phys *Physmem_t) _pcpu_new(ispmap bool) (*Pg_t, Pa_t, bool) {
	mine := &phys.percpu[cpuhint()]
	fl := &mine.freei
	cnt := &mine.freelen
	if ispmap {
		fl = &mine.pmaps
		cnt = &mine.pmaplen
	}
	return phys._phys_new(fl, mine, cnt)
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	if pg, p_pg, ok := phys._pcpu_new(false); ok {
		return pg, p_pg, ok
	}
	return phys._phys_new(&phys.freei, phys, &phys.freelen)
}

// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	if c <= 0 {
		panic("refup of a free page")
	}
}

// returns true if p_pg should be added to the free list, and its index
func (phys *Physmem_t) _refdec(p_pg Pa_t) (bool, uint32) {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("refdown of a free page")
	}
	return c == 0, idx
}

// Refdown decrements the reference count of a page. It returns true when
// the page's count reached zero and the page was freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	return phys._phys_put(p_pg, false)
}

// Zeropg is a shared zero-filled page backing fresh anonymous mappings.
var Zeropg *Pg_t

// P_zeropg is the physical address of Zeropg.
var P_zeropg Pa_t

// Refpg_new allocates a zeroed page and returns its mapping and address.
// The returned page's refcount is not incremented.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("refpg_new before dmap init")
	}
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = *Zeropg
	return pg, p_pg, true
}

// Refpg_new_nozero allocates an uninitialised page.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	return phys._refpg_new()
}

// Pmap_new allocates a new page-table page.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	a, b, ok := phys._pcpu_new(true)
	if !ok {
		a, b, ok = phys._phys_new(&phys.pmaps, phys, &phys.pmaplen)
	}
	if !ok {
		a, b, ok = phys.Refpg_new()
	}
	return (*Pmap_t)(unsafe.Pointer(a)), b, ok
}

func (phys *Physmem_t) _phys_new(fl *uint32, lock sync.Locker, cnt *int32) (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("dmap not initted")
	}
	var p_pg Pa_t
	var ok bool
	lock.Lock()
	ff := *fl
	if ff != nilIdx {
		p_pg = Pa_t(ff+phys.startn) << PGSHIFT
		*fl = phys.Pgs[ff].nexti
		ok = true
		if phys.Pgs[ff].Refcnt < 0 {
			panic("negative ref count")
		}
		*cnt--
		if *cnt < 0 {
			panic("free list count went negative")
		}
	}
	lock.Unlock()
	if ok {
		return phys.Dmap(p_pg), p_pg, true
	}
	return nil, 0, false
}

func (phys *Physmem_t) _phys_insert(fl *uint32, idx uint32, lock sync.Locker, cnt *int32) {
	lock.Lock()
	phys.Pgs[idx].nexti = *fl
	*fl = idx
	*cnt++
	lock.Unlock()
}

// returns true iff p_pg was added to a free list (i.e. it reached refcnt 0)
func (phys *Physmem_t) _phys_put(p_pg Pa_t, ispmap bool) bool {
	add, idx := phys._refdec(p_pg)
	if !add {
		return false
	}
	if phys._pcpu_put(idx, ispmap) {
		return true
	}
	fl := &phys.freei
	cnt := &phys.freelen
	if ispmap {
		fl = &phys.pmaps
		cnt = &phys.pmaplen
	}
	phys._phys_insert(fl, idx, phys, cnt)
	return true
}

// Dec_pmap decreases the reference count of a pmap, freeing it once no
// CPU has it loaded in cr3.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	phys._phys_put(p_pmap, true)
}

// Vdirect holds the virtual base address of the direct map. It is set by
// Phys_init from the base the embedding arch-init code hands in; the
// teacher derives this constant from its own recursive-mapping scheme,
// which this core does not reimplement (see package doc).
var Vdirect uintptr

// Dmap converts a physical address into its direct-mapped virtual alias.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	pa := uintptr(p)
	v := Vdirect + uintptr(util.Rounddown(int(pa), PGSIZE))
	return (*Pg_t)(unsafe.Pointer(v))
}

// Dmap_v2p converts a direct-mapped virtual address back to physical.
func (phys *Physmem_t) Dmap_v2p(v *Pg_t) Pa_t {
	va := uintptr(unsafe.Pointer(v))
	if va < Vdirect {
		panic("address isn't in the direct map")
	}
	return Pa_t(va - Vdirect)
}

// Dmap8 returns a byte slice mapped to the given physical address.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

// Pgcount reports the free-page and free-pmap counts, each summed over
// the global and per-CPU free lists. kernel.Boot uses the free count for
// the memstat snapshot (sysstat package) and for res admission.
func (phys *Physmem_t) Pgcount() (free int, pmaps int) {
	phys.Lock()
	free = int(phys.freelen)
	pmaps = int(phys.pmaplen)
	phys.Unlock()
	for i := range phys.percpu {
		pc := &phys.percpu[i]
		pc.Lock()
		free += int(pc.freelen)
		pmaps += int(pc.pmaplen)
		pc.Unlock()
	}
	return free, pmaps
}

// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

// FrameSource supplies fresh page-aligned physical frames during
// Phys_init; it is spec.md §2's external "PhysPage allocator" collaborator
// boiled down to the one primitive the VMM actually needs at boot: a
// stream of distinct frame addresses. ok is false once frames are
// exhausted.
type FrameSource func() (p Pa_t, ok bool)

// Phys_init builds the free-page list from frames handed back by next,
// reserving npages of them, and installs the direct map base dmapBase.
// It returns the initialized allocator.
func Phys_init(npages int, dmapBase uintptr, next FrameSource) *Physmem_t {
	phys := Physmem
	phys.Pgs = make([]Physpg_t, npages)
	for i := range phys.Pgs {
		phys.Pgs[i].Refcnt = -10
	}
	Vdirect = dmapBase

	first, ok := next()
	if !ok {
		panic("no physical frames available")
	}
	fpgn := _pg2pgn(first)
	phys.startn = fpgn
	phys.freei = 0
	phys.freelen = 1
	phys.pmaps = nilIdx
	phys.Pgs[0].Refcnt = 0
	phys.Pgs[0].nexti = nilIdx
	last := phys.freei
	for i := 0; i < npages-1; i++ {
		p_pg, ok := next()
		if !ok {
			break
		}
		pgn := _pg2pgn(p_pg)
		idx := pgn - phys.startn
		if int(idx) >= len(phys.Pgs) {
			continue
		}
		phys.Pgs[idx].Refcnt = 0
		phys.Pgs[last].nexti = idx
		phys.Pgs[idx].nexti = nilIdx
		last = idx
		phys.freelen++
	}
	for i := range phys.percpu {
		phys.percpu[i].percpu_init()
	}
	phys.Dmapinit = true

	Zeropg, P_zeropg, ok = phys._refpg_new()
	if !ok {
		panic("out of memory reserving the zero page")
	}
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	phys.Refup(P_zeropg)

	fmt.Printf("mem: reserved %v pages (%vMB)\n", phys.freelen, phys.freelen>>8)
	return phys
}
