package pairing

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/horizonfpv/stereocam/pkg/camera"
)

func frame(ts time.Duration) *camera.ImageFrame {
	return camera.NewImageFrame(ts, 1920, 1080, camera.FormatJPEG, []byte{0xff}, nil)
}

func TestPairEvent(t *testing.T) {
	b := New()
	defer b.Close()

	l, r := frame(0), frame(5*time.Millisecond)
	b.Submit(camera.Left, l)
	select {
	case <-b.Pairs():
		t.Fatal("pair with a single frame")
	default:
	}
	b.Submit(camera.Right, r)

	select {
	case p := <-b.Pairs():
		if p.Left != l || p.Right != r {
			t.Error("wrong frames in the pair")
		}
		if p.Skew() != 5*time.Millisecond {
			t.Errorf("wrong skew %v", p.Skew())
		}
		p.Release()
	default:
		t.Fatal("no pair")
	}
	if b.Pending(camera.Left) || b.Pending(camera.Right) {
		t.Error("slots should be empty after pairing")
	}
	if s := b.Stats(); s.Pairs != 1 || s.Replaced != 0 {
		t.Errorf("wrong stats %+v", s)
	}
}

func TestStaleFrameReplaced(t *testing.T) {
	b := New()
	defer b.Close()

	r1, r2 := frame(0), frame(33*time.Millisecond)
	b.Submit(camera.Right, r1)
	b.Submit(camera.Right, r2)

	if !r1.Released() {
		t.Error("first frame should be released")
	}
	if r2.Released() {
		t.Error("second frame should stay pending")
	}
	select {
	case <-b.Pairs():
		t.Fatal("unexpected pair")
	default:
	}
	if !b.Pending(camera.Right) || b.Pending(camera.Left) {
		t.Error("only the right slot should be pending")
	}

	l := frame(40 * time.Millisecond)
	b.Submit(camera.Left, l)
	p := <-b.Pairs()
	if p.Right != r2 || p.Left != l {
		t.Error("pair should use the latest right frame")
	}
	p.Release()
}

func TestMaxSkew(t *testing.T) {
	b := New(WithMaxSkew(10 * time.Millisecond))
	defer b.Close()

	old := frame(0)
	b.Submit(camera.Left, old)
	r := frame(50 * time.Millisecond)
	b.Submit(camera.Right, r)

	if !old.Released() {
		t.Error("older frame should be dropped")
	}
	if !b.Pending(camera.Right) || b.Pending(camera.Left) {
		t.Error("newer frame should wait")
	}
	l := frame(55 * time.Millisecond)
	b.Submit(camera.Left, l)
	p := <-b.Pairs()
	if p.Left != l || p.Right != r {
		t.Error("wrong pair")
	}
	p.Release()
	if s := b.Stats(); s.Skewed != 1 || s.Pairs != 1 {
		t.Errorf("wrong stats %+v", s)
	}
}

func TestCloseReleases(t *testing.T) {
	b := New()
	l := frame(0)
	b.Submit(camera.Left, l)
	b.Close()
	if !l.Released() {
		t.Error("pending frame should be released on close")
	}
	late := frame(1)
	b.Submit(camera.Right, late)
	if !late.Released() {
		t.Error("frame after close should be released")
	}
	b.Close()
}

// Any submit order keeps one frame per side at most and
// each pair has one frame of each side.
func TestRandomSubmits(t *testing.T) {
	b := New(WithBacklog(1000))
	defer b.Close()

	rnd := rand.New(rand.NewSource(1))
	var all []*camera.ImageFrame
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		seed := rnd.Int63()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				f := frame(time.Duration(i))
				mu.Lock()
				all = append(all, f)
				mu.Unlock()
				b.Submit(camera.LensSide(r.Intn(2)), f)
			}
		}()
	}
	wg.Wait()

	pairs := 0
	for done := false; !done; {
		select {
		case p := <-b.Pairs():
			if p.Left.Side != camera.Left || p.Right.Side != camera.Right {
				t.Fatalf("bad pair sides %v %v", p.Left.Side, p.Right.Side)
			}
			if p.Left.Released() || p.Right.Released() {
				t.Fatal("paired frame is released")
			}
			p.Release()
			pairs++
		default:
			done = true
		}
	}

	pending := 0
	for _, s := range camera.Sides {
		if b.Pending(s) {
			pending++
		}
	}
	alive := 0
	for _, f := range all {
		if !f.Released() {
			alive++
		}
	}
	if alive != pending {
		t.Errorf("%v frames are alive, %v pending", alive, pending)
	}
	if st := b.Stats(); int(st.Pairs) != pairs || int(st.Replaced)+2*pairs+pending != len(all) {
		t.Errorf("frames are not accounted: %+v, pairs %v, pending %v, total %v", st, pairs, pending, len(all))
	}
}
