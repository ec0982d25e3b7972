package photo

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/horizonfpv/stereocam/pkg/camera"
	"github.com/horizonfpv/stereocam/pkg/camera/sim"
	"github.com/horizonfpv/stereocam/pkg/publisher"
)

func TestComposeSize(t *testing.T) {
	tests := []struct {
		l, r image.Point
		want image.Point
	}{
		{l: image.Pt(1920, 1080), r: image.Pt(1920, 1080), want: image.Pt(3840, 1080)},
		{l: image.Pt(4, 2), r: image.Pt(3, 5), want: image.Pt(7, 5)},
	}
	for _, test := range tests {
		l := imaging.New(test.l.X, test.l.Y, color.White)
		r := imaging.New(test.r.X, test.r.Y, color.White)
		if got := Compose(l, r).Bounds().Size(); got != test.want {
			t.Errorf("got %v, want %v", got, test.want)
		}
	}
}

func TestComposeLayout(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	out := Compose(imaging.New(4, 2, red), imaging.New(3, 5, blue))

	if got := out.NRGBAAt(3, 1); got != red {
		t.Errorf("left is %v", got)
	}
	if got := out.NRGBAAt(4, 4); got != blue {
		t.Errorf("right is %v", got)
	}
	if got := out.NRGBAAt(0, 4); got != (color.NRGBA{A: 255}) {
		t.Errorf("uncovered area is %v", got)
	}
}

func TestDecodeJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(8, 6, color.White), imaging.JPEG); err != nil {
		t.Fatal(err)
	}
	f := camera.NewImageFrame(0, 8, 6, camera.FormatJPEG, buf.Bytes(), nil)
	img, err := Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 8 || img.Bounds().Dy() != 6 {
		t.Errorf("wrong size %v", img.Bounds())
	}
	_ = f.Release()
	if _, err := Decode(f); err != camera.ErrReleased {
		t.Errorf("decode after release: %v", err)
	}
}

func TestShooter(t *testing.T) {
	res := camera.Resolution{Width: 32, Height: 16}
	d := camera.NewDual(sim.New(), time.Second, nil)
	if err := d.OpenBoth(context.Background(), "50", "51", res, camera.ModeStill); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.Close() }()
	if err := d.StartPreview(nil, nil); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	pub, err := publisher.NewLocal(root, "Pictures/HorizonFPV", "Movies/HorizonFPV", publisher.DefaultSuffix, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewShooter(d, pub, Options{TempDir: filepath.Join(t.TempDir(), "tmp")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := s.ShootWait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if r.Size != image.Pt(64, 16) {
		t.Errorf("wrong photo size %v", r.Size)
	}
	if filepath.Dir(r.Path) != filepath.Join(root, "Pictures", "HorizonFPV") {
		t.Errorf("wrong place %v", r.Path)
	}
	img, err := imaging.Open(r.Path)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Size() != image.Pt(64, 16) {
		t.Errorf("wrong file size %v", img.Bounds())
	}
	if st := s.Pairing().Stats(); st.Pairs != 1 {
		t.Errorf("expected one pair, got %+v", st)
	}
	if _, err := os.Stat(r.Path); err != nil {
		t.Error(err)
	}
}

// stillCam delivers broken data on the first shot and JPEGs afterwards.
type stillCam struct {
	mu     sync.Mutex
	left   camera.StillTarget
	right  camera.StillTarget
	shots  int
	delay  time.Duration
	frames []*camera.ImageFrame
}

func (c *stillCam) ConfigureStill(left, right camera.StillTarget) error {
	c.left, c.right = left, right
	return nil
}

func (c *stillCam) CaptureStill() error {
	c.mu.Lock()
	c.shots++
	n := c.shots
	c.mu.Unlock()

	for _, t := range []camera.StillTarget{c.left, c.right} {
		data := []byte("not a jpeg")
		if n > 1 {
			var buf bytes.Buffer
			if err := imaging.Encode(&buf, imaging.New(8, 4, color.White), imaging.JPEG); err != nil {
				return err
			}
			data = buf.Bytes()
		}
		f := camera.NewImageFrame(time.Duration(n)*time.Millisecond, 8, 4, camera.FormatJPEG, data, nil)
		c.mu.Lock()
		c.frames = append(c.frames, f)
		c.mu.Unlock()
		go func(t camera.StillTarget) {
			time.Sleep(c.delay)
			t.DeliverImage(f)
		}(t)
	}
	return nil
}

func TestShooterBadFrame(t *testing.T) {
	root := t.TempDir()
	pub, err := publisher.NewLocal(root, "Pictures/HorizonFPV", "Movies/HorizonFPV", publisher.DefaultSuffix, nil)
	if err != nil {
		t.Fatal(err)
	}
	cam := &stillCam{}
	s, err := NewShooter(cam, pub, Options{TempDir: filepath.Join(t.TempDir(), "tmp")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := s.ShootWait(ctx)
	if err == nil || r.Err == nil {
		t.Fatal("broken frame should fail the shot")
	}
	cam.mu.Lock()
	for _, f := range cam.frames {
		if !f.Released() {
			t.Errorf("%v frame is not released", f.Side)
		}
	}
	cam.mu.Unlock()

	r, err = s.ShootWait(ctx)
	if err != nil {
		t.Fatalf("next shot failed: %v", err)
	}
	if r.Size != image.Pt(16, 4) {
		t.Errorf("wrong photo size %v", r.Size)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "Pictures", "HorizonFPV"))
	if len(entries) != 1 {
		t.Errorf("expected one photo, got %v", entries)
	}
}

func TestPhotoNamedAfterShot(t *testing.T) {
	root := t.TempDir()
	pub, err := publisher.NewLocal(root, "Pictures/HorizonFPV", "Movies/HorizonFPV", publisher.DefaultSuffix, nil)
	if err != nil {
		t.Fatal(err)
	}
	cam := &stillCam{shots: 1, delay: 300 * time.Millisecond}
	s, err := NewShooter(cam, pub, Options{TempDir: filepath.Join(t.TempDir(), "tmp")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	before := time.Now()
	r, err := s.ShootWait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d := r.Taken.Sub(before); d < 0 || d >= cam.delay {
		t.Errorf("photo time is %v after the shot", d)
	}
	want := publisher.Name(r.Taken, publisher.DefaultSuffix, publisher.Photo)
	if filepath.Base(r.Path) != want {
		t.Errorf("got %v, want %v", filepath.Base(r.Path), want)
	}
}
