package vmo

import (
	"mem"
	"testing"
)

func TestAnonGetPopulatesZeroPage(t *testing.T) {
	v := New(KindAnon, 4096, nil)
	pg, err := v.Get(0, true)
	if err != 0 {
		t.Fatalf("Get failed: %v", err)
	}
	if pg != mem.P_zeropg {
		t.Fatalf("got %v; want shared zero page %v", pg, mem.P_zeropg)
	}
}

func TestGetWithoutPopulateMisses(t *testing.T) {
	v := New(KindAnon, 4096, nil)
	if _, err := v.Get(0, false); err == 0 {
		t.Fatal("expected EFAULT on uncommitted offset with mayPopulate=false")
	}
}

func TestCommitThenGetReturnsCommittedPage(t *testing.T) {
	v := New(KindAnon, 8192, nil)
	v.Commit(4096, mem.Pa_t(0x1000))
	pg, err := v.Get(4096, false)
	if err != 0 || pg != 0x1000 {
		t.Fatalf("got %v, %v; want 0x1000, 0", pg, err)
	}
}

func TestCommitOverwritesExisting(t *testing.T) {
	v := New(KindAnon, 4096, nil)
	v.Commit(0, mem.Pa_t(0x1000))
	v.Commit(0, mem.Pa_t(0x2000))
	pg, _ := v.Get(0, false)
	if pg != 0x2000 {
		t.Fatalf("got %v; want 0x2000", pg)
	}
}

func TestForkCOWSharesPagesUntilWrite(t *testing.T) {
	parent := New(KindAnon, 4096, nil)
	parent.Commit(0, mem.Pa_t(0x3000))

	var acquired []mem.Pa_t
	child := parent.Fork(func(pa mem.Pa_t) { acquired = append(acquired, pa) }, true)

	if child == parent {
		t.Fatal("COW fork must return a distinct VMO")
	}
	pg, _ := child.Get(0, false)
	if pg != 0x3000 {
		t.Fatalf("child should inherit parent's committed page, got %v", pg)
	}
	if len(acquired) != 1 || acquired[0] != 0x3000 {
		t.Fatalf("expected acquirePage called once with 0x3000, got %v", acquired)
	}
	if child.ForkedFrom() != parent {
		t.Fatal("child.ForkedFrom() should point back at parent")
	}
}

func TestForkSharedReturnsSameVMOAndBumpsRef(t *testing.T) {
	v := New(KindAnon, 4096, nil)
	v.Commit(0, mem.Pa_t(0x1000))
	same := v.Fork(func(mem.Pa_t) {}, false)
	if same != v {
		t.Fatal("shared fork must return the same VMO instance")
	}
	var released []mem.Pa_t
	same.Unref(func(pa mem.Pa_t) { released = append(released, pa) })
	if released != nil {
		t.Fatal("Unref should not release pages while refcnt > 0 (fork bumped it to 2)")
	}
	v.Unref(func(pa mem.Pa_t) { released = append(released, pa) })
	if released == nil {
		t.Fatal("second Unref should release pages once refcnt reaches 0")
	}
}

func TestSplitDividesCommittedPages(t *testing.T) {
	v := New(KindAnon, 8192, nil)
	v.Commit(0, mem.Pa_t(0x1000))
	v.Commit(4096, mem.Pa_t(0x2000))

	tail := v.Split(4096)

	if v.Size() != 4096 {
		t.Fatalf("head size = %v; want 4096", v.Size())
	}
	if tail.Size() != 4096 {
		t.Fatalf("tail size = %v; want 4096", tail.Size())
	}
	if pg, _ := v.Get(0, false); pg != 0x1000 {
		t.Fatalf("head page at 0 = %v; want 0x1000", pg)
	}
	if pg, _ := tail.Get(0, false); pg != 0x2000 {
		t.Fatalf("tail page at 0 (was offset 4096) = %v; want 0x2000", pg)
	}
}

func TestResizeShrinkDropsTrailingPages(t *testing.T) {
	v := New(KindAnon, 8192, nil)
	v.Commit(0, mem.Pa_t(0x1000))
	v.Commit(4096, mem.Pa_t(0x2000))

	var dropped []mem.Pa_t
	v.Resize(4096, func(pa mem.Pa_t) { dropped = append(dropped, pa) })

	if v.Size() != 4096 {
		t.Fatalf("size = %v; want 4096", v.Size())
	}
	if len(dropped) != 1 || dropped[0] != 0x2000 {
		t.Fatalf("dropped = %v; want [0x2000]", dropped)
	}
	if _, err := v.Get(0, false); err != 0 {
		t.Fatal("page within new size should survive")
	}
}

func TestResizeGrowNeverDrops(t *testing.T) {
	v := New(KindAnon, 4096, nil)
	v.Commit(0, mem.Pa_t(0x1000))
	v.Resize(8192, func(mem.Pa_t) { t.Fatal("growing must never release pages") })
	if v.Size() != 8192 {
		t.Fatalf("size = %v; want 8192", v.Size())
	}
}

func TestTruncateBeginningShiftsOffsets(t *testing.T) {
	v := New(KindAnon, 8192, nil)
	v.Commit(0, mem.Pa_t(0x1000))
	v.Commit(4096, mem.Pa_t(0x2000))

	var dropped []mem.Pa_t
	v.TruncateBeginningAndResize(4096, func(pa mem.Pa_t) { dropped = append(dropped, pa) })

	if v.Size() != 4096 {
		t.Fatalf("size = %v; want 4096", v.Size())
	}
	if len(dropped) != 1 || dropped[0] != 0x1000 {
		t.Fatalf("dropped = %v; want [0x1000]", dropped)
	}
	if pg, _ := v.Get(0, false); pg != 0x2000 {
		t.Fatalf("page formerly at 4096 should now be at 0, got %v", pg)
	}
}

func TestConvertToPrivateOnWriteClearsSharedOpt(t *testing.T) {
	v := New(KindAnon, 4096, nil)
	v.SetSharedOpt(true)
	if !v.SharedOpt() {
		t.Fatal("SetSharedOpt(true) should take effect")
	}
	pg := v.ConvertToPrivateOnWrite(0, func() mem.Pa_t { return mem.Pa_t(0x9000) })
	if pg != 0x9000 {
		t.Fatalf("got %v; want 0x9000", pg)
	}
	if v.SharedOpt() {
		t.Fatal("ConvertToPrivateOnWrite must clear sharedOpt")
	}
	if got, _ := v.Get(0, false); got != 0x9000 {
		t.Fatalf("offset 0 should now be privately committed to 0x9000, got %v", got)
	}
}
