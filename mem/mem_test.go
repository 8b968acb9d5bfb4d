package mem

import (
	"testing"
	"unsafe"
)

// newTestPhysmem builds a real Physmem_t backed by an ordinary Go byte
// slice instead of actual hardware memory: frame addresses are handed out
// as offsets into backing, and dmapBase is backing's own address, so Dmap's
// pointer arithmetic (Vdirect + offset) lands on real, addressable memory.
// backing must stay referenced by the caller for as long as any returned
// page pointer is dereferenced.
func newTestPhysmem(npages int, backing []byte) *Physmem_t {
	base := uintptr(unsafe.Pointer(&backing[0]))
	next := 0
	frames := func() (Pa_t, bool) {
		if next >= npages {
			return 0, false
		}
		pa := Pa_t(next * PGSIZE)
		next++
		return pa, true
	}
	return Phys_init(npages, base, frames)
}

func TestPhysInitReservesZeroPageAndFreeList(t *testing.T) {
	backing := make([]byte, 4*PGSIZE)
	phys := newTestPhysmem(4, backing)

	for _, b := range Zeropg {
		if b != 0 {
			t.Fatal("Zeropg must be all-zero")
		}
	}
	if phys.Refcnt(P_zeropg) != 1 {
		t.Fatalf("zero page refcnt = %d; want 1", phys.Refcnt(P_zeropg))
	}
	free, _ := phys.Pgcount()
	if free != 3 {
		t.Fatalf("free = %d; want 3 (4 reserved minus the zero page)", free)
	}
}

func TestRefpgNewAllocatesDistinctZeroedPages(t *testing.T) {
	backing := make([]byte, 4*PGSIZE)
	phys := newTestPhysmem(4, backing)

	pg1, pa1, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("Refpg_new failed")
	}
	pg2, pa2, ok := phys.Refpg_new()
	if !ok {
		t.Fatal("Refpg_new failed")
	}
	if pa1 == pa2 {
		t.Fatal("two Refpg_new calls returned the same physical address")
	}
	for _, v := range pg1 {
		if v != 0 {
			t.Fatal("freshly allocated page should read as zero")
		}
	}
	pg1[0] = 0xdead
	if pg2[0] == 0xdead {
		t.Fatal("pages should not alias")
	}
}

func TestRefupRefdownTracksRefcount(t *testing.T) {
	backing := make([]byte, 4*PGSIZE)
	phys := newTestPhysmem(4, backing)

	_, pa, ok := phys.Refpg_new_nozero()
	if !ok {
		t.Fatal("Refpg_new_nozero failed")
	}
	if phys.Refcnt(pa) != 0 {
		t.Fatalf("fresh page refcnt = %d; want 0", phys.Refcnt(pa))
	}
	phys.Refup(pa)
	phys.Refup(pa)
	if phys.Refcnt(pa) != 2 {
		t.Fatalf("refcnt = %d; want 2", phys.Refcnt(pa))
	}
	if phys.Refdown(pa) {
		t.Fatal("Refdown should not report free while refcnt is still 1")
	}
	if !phys.Refdown(pa) {
		t.Fatal("Refdown should report free once refcnt reaches 0")
	}
}

func TestDmapRoundTripsThroughDmapV2p(t *testing.T) {
	backing := make([]byte, 2*PGSIZE)
	phys := newTestPhysmem(2, backing)

	_, pa, ok := phys.Refpg_new_nozero()
	if !ok {
		t.Fatal("Refpg_new_nozero failed")
	}
	pg := phys.Dmap(pa)
	if phys.Dmap_v2p(pg) != pa {
		t.Fatalf("Dmap_v2p(Dmap(pa)) = %v; want %v", phys.Dmap_v2p(pg), pa)
	}
}

func TestPmapNewReturnsZeroedTable(t *testing.T) {
	backing := make([]byte, 2*PGSIZE)
	phys := newTestPhysmem(2, backing)

	pmap, _, ok := phys.Pmap_new()
	if !ok {
		t.Fatal("Pmap_new failed")
	}
	for _, e := range pmap {
		if e != 0 {
			t.Fatal("a freshly allocated page-table page should read as zero")
		}
	}
}
