package camera_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/horizonfpv/stereocam/pkg/camera"
	"github.com/horizonfpv/stereocam/pkg/camera/sim"
)

var res = camera.Resolution{Width: 64, Height: 32}

type stills struct {
	mu     sync.Mutex
	frames []*camera.ImageFrame
	got    chan struct{}
}

func newStills() *stills { return &stills{got: make(chan struct{}, 16)} }

func (s *stills) DeliverImage(f *camera.ImageFrame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.got <- struct{}{}
}

type textures struct {
	mu    sync.Mutex
	sides map[camera.LensSide]int
}

func (t *textures) DeliverTexture(f *camera.TextureFrame) {
	t.mu.Lock()
	t.sides[f.Side]++
	t.mu.Unlock()
}

func (t *textures) count(side camera.LensSide) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sides[side]
}

func TestOpenBothRightFails(t *testing.T) {
	boom := errors.New("no such lens")
	p := sim.New(sim.WithOpenError("51", boom))
	d := camera.NewDual(p, time.Second, nil)

	err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStill)
	var oe *camera.OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if oe.Failed(camera.Left) || !oe.Failed(camera.Right) {
		t.Errorf("wrong sides failed: %v", oe)
	}
	if !errors.Is(err, boom) {
		t.Errorf("cause is lost: %v", err)
	}
	if left := p.Device("50"); left == nil || !left.Closed() {
		t.Error("left lens should be closed")
	}
	if s := d.State(); s != camera.Closed {
		t.Errorf("expected closed, got %v", s)
	}
}

func TestOpenBothTimeout(t *testing.T) {
	p := sim.New(sim.WithOpenDelay("50", time.Second))
	d := camera.NewDual(p, 50*time.Millisecond, nil)

	err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStill)
	if !errors.Is(err, camera.ErrOpenTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if right := p.Device("51"); right == nil || !right.Closed() {
		t.Error("right lens should be closed")
	}
}

func TestOpenBothBothFail(t *testing.T) {
	p := sim.New(sim.WithOpenError("50", errors.New("a")), sim.WithOpenError("51", errors.New("b")))
	d := camera.NewDual(p, time.Second, nil)

	err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStill)
	var oe *camera.OpenError
	if !errors.As(err, &oe) || !oe.Failed(camera.Left) || !oe.Failed(camera.Right) {
		t.Fatalf("expected both sides failed, got %v", err)
	}
}

func TestStatesDuringStill(t *testing.T) {
	p := sim.New(sim.WithFps(100))
	d := camera.NewDual(p, time.Second, nil)
	if d.State() != camera.Idle {
		t.Fatalf("expected idle, got %v", d.State())
	}
	if err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStill); err != nil {
		t.Fatal(err)
	}
	if d.State() != camera.BothOpen {
		t.Fatalf("expected open, got %v", d.State())
	}

	if err := d.CaptureStill(); !errors.Is(err, camera.ErrBadState) {
		t.Errorf("capture without preview should fail, got %v", err)
	}

	l, r := newStills(), newStills()
	if err := d.StartPreview(nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := d.ConfigureStill(l, r); err != nil {
		t.Fatal(err)
	}
	if d.State() != camera.Previewing {
		t.Fatalf("expected previewing, got %v", d.State())
	}
	if err := d.CaptureStill(); err != nil {
		t.Fatal(err)
	}

	for _, s := range []*stills{l, r} {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatal("no still frame")
		}
	}
	if l.frames[0].Side != camera.Left || r.frames[0].Side != camera.Right {
		t.Errorf("frames have wrong sides: %v %v", l.frames[0].Side, r.frames[0].Side)
	}
	for _, f := range append(l.frames, r.frames...) {
		_ = f.Release()
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if !p.Device("50").Closed() || !p.Device("51").Closed() {
		t.Error("devices are not closed")
	}
}

func TestStreaming(t *testing.T) {
	p := sim.New(sim.WithFps(200))
	d := camera.NewDual(p, time.Second, nil)
	if err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStream); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()

	if err := d.ConfigureStill(newStills(), newStills()); !errors.Is(err, camera.ErrBadState) {
		t.Errorf("still targets in stream mode should fail, got %v", err)
	}

	tx := &textures{sides: map[camera.LensSide]int{}}
	if err := d.StartStreaming(tx, tx); err != nil {
		t.Fatal(err)
	}
	if d.State() != camera.Recording {
		t.Fatalf("expected recording, got %v", d.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for tx.count(camera.Left) < 3 || tx.count(camera.Right) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no streaming frames")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := d.StopStreaming(); err != nil {
		t.Fatal(err)
	}
	l, r := tx.count(camera.Left), tx.count(camera.Right)
	time.Sleep(30 * time.Millisecond)
	if tx.count(camera.Left) != l || tx.count(camera.Right) != r {
		t.Error("frames after stop")
	}

	if err := d.RestorePreview(); err != nil {
		t.Fatal(err)
	}
	if d.State() != camera.Previewing {
		t.Errorf("expected previewing, got %v", d.State())
	}
}

func TestConfigureFailure(t *testing.T) {
	p := sim.New(sim.WithConfigureError("51", errors.New("bad surface")))
	d := camera.NewDual(p, time.Second, nil)

	if err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStill); err == nil {
		t.Fatal("expected error")
	}
	if d.State() != camera.Error {
		t.Errorf("expected error state, got %v", d.State())
	}
	if !p.Device("50").Closed() || !p.Device("51").Closed() {
		t.Error("devices are not closed")
	}
}

func TestDisconnect(t *testing.T) {
	p := sim.New()
	d := camera.NewDual(p, time.Second, nil)
	if err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStill); err != nil {
		t.Fatal(err)
	}
	p.Device("51").Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for d.State() != camera.Error {
		if time.Now().After(deadline) {
			t.Fatalf("expected error state, got %v", d.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !p.Device("50").Closed() || !p.Device("51").Closed() {
		t.Error("both devices should be closed")
	}
	if err := d.Close(); err != nil {
		t.Errorf("close after disconnect: %v", err)
	}
	if d.State() != camera.Closed {
		t.Errorf("expected closed, got %v", d.State())
	}
}

// slowProvider hands out devices whose Close waits for the gate.
type slowProvider struct {
	*sim.Provider
	gate chan struct{}
}

func (p slowProvider) Open(ctx context.Context, id string) (camera.Device, error) {
	dev, err := p.Provider.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return slowDevice{Device: dev, gate: p.gate}, nil
}

type slowDevice struct {
	camera.Device
	gate chan struct{}
}

func (d slowDevice) Close() error {
	<-d.gate
	return d.Device.Close()
}

func TestCloseDuringDisconnect(t *testing.T) {
	p := slowProvider{Provider: sim.New(), gate: make(chan struct{})}
	d := camera.NewDual(p, time.Second, nil)
	if err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStill); err != nil {
		t.Fatal(err)
	}
	p.Device("50").Disconnect()

	deadline := time.Now().Add(2 * time.Second)
	for d.State() != camera.Closing {
		if time.Now().After(deadline) {
			t.Fatalf("expected teardown, got %v", d.State())
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- d.Close() }()
	select {
	case err := <-done:
		t.Fatalf("close returned before the teardown: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(p.gate)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("close after disconnect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close hangs")
	}
	if d.State() != camera.Closed {
		t.Errorf("expected closed, got %v", d.State())
	}
	if !p.Device("50").Closed() || !p.Device("51").Closed() {
		t.Error("both devices should be closed")
	}
}

func TestCloseIdle(t *testing.T) {
	d := camera.NewDual(sim.New(), time.Second, nil)
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if d.State() != camera.Closed {
		t.Errorf("expected closed, got %v", d.State())
	}
}
