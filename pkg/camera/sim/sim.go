// Package sim provides synthetic camera devices.
// Each device paints a flat color picked from its id with a moving bar,
// which makes it easy to tell the eyes apart on composed output.
package sim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/horizonfpv/stereocam/pkg/camera"
)

var ErrClosed = errors.New("sim: device is closed")

type Provider struct {
	epoch time.Time
	fps   int

	mu        sync.Mutex
	openErr   map[string]error
	openDelay map[string]time.Duration
	confErr   map[string]error
	devices   map[string]*Device
}

type Option func(*Provider)

func WithFps(fps int) Option { return func(p *Provider) { p.fps = fps } }

// WithOpenError makes the open of the given id fail.
func WithOpenError(id string, err error) Option {
	return func(p *Provider) { p.openErr[id] = err }
}

// WithOpenDelay slows down the open of the given id.
func WithOpenDelay(id string, d time.Duration) Option {
	return func(p *Provider) { p.openDelay[id] = d }
}

// WithConfigureError makes session configuration of the given id fail.
func WithConfigureError(id string, err error) Option {
	return func(p *Provider) { p.confErr[id] = err }
}

func New(opts ...Option) *Provider {
	p := &Provider{
		epoch:     time.Now(),
		fps:       30,
		openErr:   map[string]error{},
		openDelay: map[string]time.Duration{},
		confErr:   map[string]error{},
		devices:   map[string]*Device{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.fps <= 0 {
		p.fps = 30
	}
	return p
}

func (p *Provider) Open(ctx context.Context, id string) (camera.Device, error) {
	p.mu.Lock()
	delay, err := p.openDelay[id], p.openErr[id]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	d := &Device{
		id:      id,
		epoch:   p.epoch,
		period:  time.Second / time.Duration(p.fps),
		color:   colorOf(id),
		gone:    make(chan struct{}),
		confErr: p.confErr[id],
	}
	p.mu.Lock()
	p.devices[id] = d
	p.mu.Unlock()
	return d, nil
}

// Device returns the last device opened with the id.
func (p *Provider) Device(id string) *Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[id]
}

type Device struct {
	id      string
	epoch   time.Time
	period  time.Duration
	color   color.NRGBA
	gone    chan struct{}
	confErr error

	mu       sync.Mutex
	res      camera.Resolution
	out      camera.Outputs
	closed   bool
	lost     bool
	stop     chan struct{}
	inflight sync.WaitGroup
	frames   int
	captures int
}

func (d *Device) ID() string { return d.id }

func (d *Device) Configure(res camera.Resolution, out camera.Outputs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.confErr != nil {
		return d.confErr
	}
	if res.Width <= 0 || res.Height <= 0 {
		return fmt.Errorf("sim: bad resolution %v", res)
	}
	d.res, d.out = res, out
	return nil
}

func (d *Device) SetRepeating(t camera.Template) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.stop != nil {
		return errors.New("sim: repeating request is active")
	}
	d.stop = make(chan struct{})
	d.inflight.Add(1)
	go d.repeat(t, d.res, d.out, d.stop)
	return nil
}

func (d *Device) repeat(t camera.Template, res camera.Resolution, out camera.Outputs, stop chan struct{}) {
	defer d.inflight.Done()
	tick := time.NewTicker(d.period)
	defer tick.Stop()
	n := 0
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}
		img := d.paint(res, n)
		n++
		if out.Preview != nil {
			out.Preview.Preview(camera.Left, img)
		}
		if t == camera.TemplateRecord && out.Stream != nil {
			ts := time.Since(d.epoch)
			out.Stream.DeliverTexture(camera.NewTextureFrame(ts, res.Width, res.Height, img.Pix, camera.Identity()))
		}
		d.mu.Lock()
		d.frames++
		d.mu.Unlock()
	}
}

func (d *Device) StopRepeating() error {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	d.inflight.Wait()
	return nil
}

// Capture delivers one JPEG frame asynchronously.
func (d *Device) Capture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	out, res := d.out.Still, d.res
	if out == nil {
		return errors.New("sim: no still output")
	}
	d.captures++
	n := d.captures
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		ts := time.Since(d.epoch)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, d.paint(res, n), imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
			return
		}
		out.DeliverImage(camera.NewImageFrame(ts, res.Width, res.Height, camera.FormatJPEG, buf.Bytes(), nil))
	}()
	return nil
}

func (d *Device) Disconnected() <-chan struct{} { return d.gone }

// Disconnect simulates a lost device.
func (d *Device) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.lost {
		d.lost = true
		close(d.gone)
	}
}

func (d *Device) Close() error {
	_ = d.StopRepeating()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	d.out = camera.Outputs{}
	return nil
}

func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Frames returns the number of repeating frames produced so far.
func (d *Device) Frames() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

func (d *Device) paint(res camera.Resolution, n int) *image.NRGBA {
	img := imaging.New(res.Width, res.Height, d.color)
	bar := res.Width / 16
	if bar == 0 {
		bar = 1
	}
	x := (n * bar) % res.Width
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	for y := 0; y < res.Height; y++ {
		for i := x; i < x+bar && i < res.Width; i++ {
			img.SetNRGBA(i, y, white)
		}
	}
	return img
}

func colorOf(id string) color.NRGBA {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	v := h.Sum32()
	return color.NRGBA{R: uint8(v), G: uint8(v >> 8), B: uint8(v >> 16), A: 255}
}
