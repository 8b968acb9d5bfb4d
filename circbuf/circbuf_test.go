package circbuf

import "testing"

func TestEmptyAndFull(t *testing.T) {
	var r Ring_t
	r.Init(make([]uint8, 4))
	if !r.Empty() {
		t.Fatal("fresh ring should be empty")
	}
	if r.Full() {
		t.Fatal("fresh ring should not be full")
	}
	r.Push([]uint8{1, 2, 3, 4})
	if !r.Full() {
		t.Fatal("ring should be full after pushing its capacity")
	}
	if r.Left() != 0 {
		t.Fatalf("Left() = %d; want 0", r.Left())
	}
}

func TestPushPeekAdvanceWraps(t *testing.T) {
	var r Ring_t
	r.Init(make([]uint8, 4))
	r.Push([]uint8{1, 2, 3})
	r.Advance(2) // tail now at 2, head at 3: used=1
	r.Push([]uint8{4, 5, 6})
	// head=3+3=6, tail=2 -> used=4, fully wrapped around the 4-byte buffer
	if r.Used() != 4 {
		t.Fatalf("Used() = %d; want 4", r.Used())
	}
	got := r.Peek(4)
	want := []uint8{3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Peek() = %v; want %v", got, want)
		}
	}
}

func TestPushPastCapacityPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic pushing past remaining capacity")
		}
	}()
	var r Ring_t
	r.Init(make([]uint8, 2))
	r.Push([]uint8{1, 2, 3})
}

func TestAdvancePastUsedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic advancing past Used()")
		}
	}()
	var r Ring_t
	r.Init(make([]uint8, 4))
	r.Push([]uint8{1})
	r.Advance(2)
}

func TestUsedLeftAreArithmeticNotContentDependent(t *testing.T) {
	// Regression for the original's free-space computation depending on
	// uninitialized buffer bytes: an all-zero buffer backing the ring
	// must never be mistaken for "full of zero markers" — Used/Left only
	// look at head/tail.
	buf := make([]uint8, 8)
	var r Ring_t
	r.Init(buf)
	if r.Used() != 0 || r.Left() != 8 {
		t.Fatalf("Used()=%d Left()=%d on zeroed buffer; want 0, 8", r.Used(), r.Left())
	}
}
