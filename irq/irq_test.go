package irq

import (
	"sync"
	"testing"
	"time"
)

func TestInstallDispatchesInRegistrationOrder(t *testing.T) {
	var eoiCalled bool
	d := New(func() { eoiCalled = true })

	var order []int
	d.Install(3, func(cookie any) bool {
		order = append(order, cookie.(int))
		return false
	}, 1)
	d.Install(3, func(cookie any) bool {
		order = append(order, cookie.(int))
		return true
	}, 2)

	claimed := d.Dispatch(3)
	if !claimed {
		t.Fatal("expected claimed=true, one handler returned true")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v; want [1 2]", order)
	}
	if !eoiCalled {
		t.Fatal("expected EOI to be called after dispatch")
	}
}

func TestInstallRejectsOutOfRangeLine(t *testing.T) {
	d := New(func() {})
	if err := d.Install(NumISALines, func(any) bool { return true }, nil); err == 0 {
		t.Fatal("expected EINVAL for line >= NumISALines")
	}
	if err := d.Install(-1, func(any) bool { return true }, nil); err == 0 {
		t.Fatal("expected EINVAL for negative line")
	}
}

func TestUninstallMatchesByCookie(t *testing.T) {
	d := New(func() {})
	ran := false
	d.Install(0, func(any) bool { ran = true; return true }, "a")
	d.Install(0, func(any) bool { return true }, "b")

	if err := d.Uninstall(0, "a"); err != 0 {
		t.Fatalf("Uninstall failed: %v", err)
	}
	d.Dispatch(0)
	if ran {
		t.Fatal("uninstalled handler should not run")
	}

	if err := d.Uninstall(0, "absent"); err == 0 {
		t.Fatal("expected EINVAL uninstalling an unregistered cookie")
	}
}

func TestHighLineHandlerPassthrough(t *testing.T) {
	d := New(func() {})
	var gotLine int
	d.SetHighLineHandler(func(line int) bool {
		gotLine = line
		return true
	})
	if !d.Dispatch(NumISALines + 5) {
		t.Fatal("expected high-line handler to claim the interrupt")
	}
	if gotLine != NumISALines+5 {
		t.Fatalf("gotLine = %d; want %d", gotLine, NumISALines+5)
	}
}

func TestHighLineWithoutHandlerReturnsFalse(t *testing.T) {
	d := New(func() {})
	if d.Dispatch(NumISALines) {
		t.Fatal("expected false with no high-line handler registered")
	}
}

func TestDeferredQueueFIFOOrder(t *testing.T) {
	q := NewDeferredQueue(4)
	var results []int
	for i := 0; i < 4; i++ {
		if err := q.Schedule(func(p any) { results = append(results, p.(int)) }, i); err != 0 {
			t.Fatalf("Schedule(%d) failed: %v", i, err)
		}
	}
	if err := q.Schedule(func(any) {}, 99); err == 0 {
		t.Fatal("expected EAGAIN scheduling past capacity")
	}

	for i := 0; i < 4; i++ {
		it, ok := q.take()
		if !ok {
			t.Fatalf("take() %d: expected an item", i)
		}
		it.cb(it.payload)
	}
	for i, v := range results {
		if v != i {
			t.Fatalf("results = %v; want [0 1 2 3]", results)
		}
	}
	if _, ok := q.take(); ok {
		t.Fatal("expected empty queue after draining all items")
	}
}

func TestRunWorkerDrainsUntilStopped(t *testing.T) {
	q := NewDeferredQueue(8)
	var mu sync.Mutex
	var sum int
	for i := 1; i <= 3; i++ {
		q.Schedule(func(p any) {
			mu.Lock()
			sum += p.(int)
			mu.Unlock()
		}, i)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.RunWorker(stop, func() { time.Sleep(time.Millisecond) })
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		s := sum
		mu.Unlock()
		if s == 6 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker did not drain all scheduled work in time")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(stop)
	<-done
}
