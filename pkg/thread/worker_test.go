package thread

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWorkerCall(t *testing.T) {
	w := NewWorker(1)
	w.Start()
	defer w.Stop()

	value := 0
	if err := w.Call(func() { value = 1 }); err != nil {
		t.Fatal(err)
	}
	if value != 1 {
		t.Errorf("wrong value %v", value)
	}
}

func TestWorkerRunsInOrder(t *testing.T) {
	w := NewWorker(64)
	w.Start()

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		for !w.TryPost(func() { got = append(got, i) }) {
		}
	}
	w.Stop()

	if len(got) != 50 {
		t.Fatalf("expected 50 runs, got %v", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %v: %v", i, v)
		}
	}
}

func TestWorkerSingleThread(t *testing.T) {
	w := NewWorker(8)
	w.Start()
	defer w.Stop()

	var running, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Call(func() {
				if atomic.AddInt32(&running, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				atomic.AddInt32(&running, -1)
			})
		}()
	}
	wg.Wait()
	if overlaps > 0 {
		t.Errorf("functions overlapped %v times", overlaps)
	}
}

func TestWorkerStop(t *testing.T) {
	w := NewWorker(1)
	if w.TryPost(func() {}) {
		t.Error("post before start should fail")
	}
	w.Start()
	w.Stop()
	w.Stop()

	if err := w.Call(func() {}); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if w.TryPost(func() {}) {
		t.Error("post after stop should fail")
	}
}
