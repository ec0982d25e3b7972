// Package photo makes side-by-side stereo photos.
package photo

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gofrs/uuid"
	"github.com/horizonfpv/stereocam/pkg/camera"
	"github.com/horizonfpv/stereocam/pkg/encoder"
	"github.com/horizonfpv/stereocam/pkg/logger"
	"github.com/horizonfpv/stereocam/pkg/os"
	"github.com/horizonfpv/stereocam/pkg/pairing"
	"github.com/horizonfpv/stereocam/pkg/publisher"
)

// Compose puts the eyes next to each other, left first.
// The result is as wide as both images and as tall as the taller one,
// uncovered pixels stay black.
func Compose(left, right image.Image) *image.NRGBA {
	lb, rb := left.Bounds(), right.Bounds()
	h := lb.Dy()
	if rb.Dy() > h {
		h = rb.Dy()
	}
	out := imaging.New(lb.Dx()+rb.Dx(), h, color.Black)
	out = imaging.Paste(out, left, image.Pt(0, 0))
	return imaging.Paste(out, right, image.Pt(lb.Dx(), 0))
}

// Decode reads the frame as an image.
func Decode(f *camera.ImageFrame) (image.Image, error) {
	data, err := f.Bytes()
	if err != nil {
		return nil, err
	}
	switch f.Format {
	case camera.FormatRGBA:
		if len(data) < f.Width*f.Height*4 {
			return nil, fmt.Errorf("photo: short rgba frame, %v bytes", len(data))
		}
		return &image.RGBA{Pix: data, Stride: 4 * f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}, nil
	default:
		return imaging.Decode(bytes.NewReader(data))
	}
}

// Result of one stereo shot.
type Result struct {
	// Taken is the wall time the shot was triggered at.
	Taken time.Time
	Path  string
	Size  image.Point
	Skew  time.Duration
	Err   error
}

// Camera is the part of the dual camera a shooter needs.
type Camera interface {
	ConfigureStill(left, right camera.StillTarget) error
	CaptureStill() error
}

// Shooter turns pairs of still frames into published photos.
type Shooter struct {
	cam     Camera
	pairs   *pairing.Buffer
	pub     publisher.Publisher
	tempDir string
	quality int
	log     *logger.Logger

	mu      sync.Mutex
	shots   []time.Time
	results chan Result
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

type Options struct {
	TempDir     string
	JpegQuality int
	MaxSkew     time.Duration
}

// NewShooter attaches a pairing buffer to the camera still outputs.
func NewShooter(cam Camera, pub publisher.Publisher, opts Options, log *logger.Logger) (*Shooter, error) {
	if log == nil {
		log = logger.Nop()
	}
	if opts.JpegQuality <= 0 {
		opts.JpegQuality = 100
	}
	if err := os.CheckCreateDir(opts.TempDir); err != nil {
		return nil, err
	}
	s := &Shooter{
		cam:     cam,
		pub:     pub,
		tempDir: opts.TempDir,
		quality: opts.JpegQuality,
		log:     log.Component("photo"),
		results: make(chan Result, 4),
		done:    make(chan struct{}),
	}
	s.pairs = pairing.New(pairing.WithMaxSkew(opts.MaxSkew), pairing.WithLogger(log))
	if err := cam.ConfigureStill(s.pairs.Target(camera.Left), s.pairs.Target(camera.Right)); err != nil {
		s.pairs.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Results delivers outcomes of the shots in the pairing order.
func (s *Shooter) Results() <-chan Result { return s.results }

// Pairing exposes the buffer stats.
func (s *Shooter) Pairing() *pairing.Buffer { return s.pairs }

// Shoot triggers a single-shot capture on both lenses.
// Photos are named after the time of this call.
func (s *Shooter) Shoot() error {
	s.mu.Lock()
	s.shots = append(s.shots, time.Now())
	s.mu.Unlock()

	if err := s.cam.CaptureStill(); err != nil {
		s.mu.Lock()
		if n := len(s.shots); n > 0 {
			s.shots = s.shots[:n-1]
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// taken returns the trigger time of the oldest pending shot.
func (s *Shooter) taken() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.shots) == 0 {
		return time.Now()
	}
	t := s.shots[0]
	s.shots = s.shots[1:]
	return t
}

// ShootWait triggers a shot and waits for its result.
func (s *Shooter) ShootWait(ctx context.Context) (Result, error) {
	if err := s.Shoot(); err != nil {
		return Result{}, err
	}
	select {
	case r := <-s.results:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Shooter) run() {
	defer s.wg.Done()
	for {
		select {
		case p := <-s.pairs.Pairs():
			r := s.handle(p)
			select {
			case s.results <- r:
			default:
				s.log.Warn().Msg("photo result is not read")
			}
		case <-s.done:
			return
		}
	}
}

// handle owns the pair, both frames are released when it returns.
func (s *Shooter) handle(p pairing.Pair) Result {
	defer p.Release()
	taken := s.taken()
	res := Result{Taken: taken, Skew: p.Skew()}

	left, err := Decode(p.Left)
	if err == nil {
		var right image.Image
		if right, err = Decode(p.Right); err == nil {
			img := Compose(left, right)
			res.Size = img.Bounds().Size()
			res.Path, err = s.save(img, taken)
		}
	}
	if err != nil {
		res.Err = err
		s.log.Error().Err(err).Msg("stereo photo is dropped")
		return res
	}
	s.log.Info().Str("file", res.Path).Dur("skew", res.Skew).Msg("stereo photo")
	return res
}

func (s *Shooter) save(img image.Image, taken time.Time) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	tmp := filepath.Join(s.tempDir, id.String()+publisher.Photo.Ext())
	if err = encoder.WriteJPEG(tmp, img, s.quality); err != nil {
		return "", err
	}
	if s.pub == nil {
		return tmp, nil
	}
	return s.pub.Publish(context.Background(), publisher.Item{Path: tmp, Kind: publisher.Photo, Taken: taken})
}

// Close stops the shooter and releases frames waiting for a pair.
func (s *Shooter) Close() {
	s.once.Do(func() {
		close(s.done)
		s.pairs.Close()
		s.wg.Wait()
	})
}
