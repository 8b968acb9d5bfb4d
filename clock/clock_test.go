package clock

import "testing"

type fakeSource struct {
	ns    int64
	ticks uint64
}

func (f *fakeSource) Nanotime() int64 { return f.ns }
func (f *fakeSource) Ticks() uint64   { return f.ticks }

func TestNowAndTicksReadThroughPrimary(t *testing.T) {
	SetPrimary(&fakeSource{ns: 42, ticks: 7})
	if Now() != 42 {
		t.Fatalf("Now() = %d; want 42", Now())
	}
	if Ticks() != 7 {
		t.Fatalf("Ticks() = %d; want 7", Ticks())
	}
}

func TestSetPrimaryReplacesSource(t *testing.T) {
	SetPrimary(&fakeSource{ns: 1, ticks: 1})
	SetPrimary(&fakeSource{ns: 100, ticks: 200})
	if Now() != 100 || Ticks() != 200 {
		t.Fatalf("Now()=%d Ticks()=%d; want 100, 200", Now(), Ticks())
	}
}
