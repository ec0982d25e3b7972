// Package gst opens V4L2 cameras through GStreamer.
//
// Pipeline per device:
//
//	v4l2src → videoconvert → videoscale → RGBA caps → appsink
package gst

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/horizonfpv/stereocam/pkg/camera"
	"github.com/horizonfpv/stereocam/pkg/logger"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var (
	initOnce sync.Once

	ErrClosed = errors.New("gst: device is closed")
)

type Provider struct {
	// Devices maps lens ids to device paths, ids without a mapping go to /dev/video<id>.
	Devices map[string]string
	Fps     int

	epoch time.Time
	log   *logger.Logger
}

func New(devices map[string]string, fps int, log *logger.Logger) *Provider {
	if log == nil {
		log = logger.Nop()
	}
	if fps <= 0 {
		fps = 30
	}
	return &Provider{Devices: devices, Fps: fps, epoch: time.Now(), log: log.Component("gst")}
}

func (p *Provider) path(id string) string {
	if path, ok := p.Devices[id]; ok {
		return path
	}
	if strings.HasPrefix(id, "/") {
		return id
	}
	return "/dev/video" + id
}

func (p *Provider) Open(ctx context.Context, id string) (camera.Device, error) {
	initOnce.Do(func() { gst.Init(nil) })

	path := p.path(id)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("gst: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Device{
		id:     id,
		path:   path,
		fps:    p.Fps,
		epoch:  p.epoch,
		gone:   make(chan struct{}),
		log:    p.log.Extend(p.log.With().Str("lens", id)),
	}, nil
}

type Device struct {
	id    string
	path  string
	fps   int
	epoch time.Time
	gone  chan struct{}
	log   *logger.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	res      camera.Resolution
	out      camera.Outputs
	template camera.Template
	live     bool
	stills   int
	closed   bool
	lost     bool
	cancel   context.CancelFunc
	watching sync.WaitGroup
}

func (d *Device) ID() string { return d.id }

func (d *Device) Disconnected() <-chan struct{} { return d.gone }

func (d *Device) launch(res camera.Resolution) string {
	return fmt.Sprintf("v4l2src device=%s ! videoconvert ! videoscale ! "+
		"video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1 ! "+
		"appsink name=sink max-buffers=1 drop=true sync=false emit-signals=false",
		d.path, res.Width, res.Height, d.fps)
}

func (d *Device) Configure(res camera.Resolution, out camera.Outputs) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.pipeline != nil && d.res == res {
		d.out = out
		d.mu.Unlock()
		return nil
	}
	old, cancel := d.detach()
	d.mu.Unlock()
	d.release(old, cancel)

	pipeline, err := gst.NewPipelineFromString(d.launch(res))
	if err != nil {
		return fmt.Errorf("gst pipeline: %w", err)
	}
	el, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("gst sink: %w", err)
	}
	sink := app.SinkFromElement(el)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onSample,
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		pipeline.Unref()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.pipeline, d.res, d.out, d.cancel = pipeline, res, out, cancel
	d.watching.Add(1)
	go d.watch(ctx, pipeline)
	return nil
}

// Pipeline state changes wait for the streaming thread,
// which may wait for the device lock in onSample, so they
// happen without the lock.

func (d *Device) SetRepeating(t camera.Template) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	p := d.pipeline
	if p == nil {
		d.mu.Unlock()
		return errors.New("gst: device is not configured")
	}
	d.template, d.live = t, true
	d.mu.Unlock()

	if err := p.SetState(gst.StatePlaying); err != nil {
		d.mu.Lock()
		d.live = false
		d.mu.Unlock()
		return fmt.Errorf("gst play: %w", err)
	}
	return nil
}

func (d *Device) StopRepeating() error {
	d.mu.Lock()
	d.stills = 0
	p, live := d.pipeline, d.live
	d.live = false
	d.mu.Unlock()

	if !live || p == nil {
		return nil
	}
	if err := p.SetState(gst.StatePaused); err != nil {
		return fmt.Errorf("gst pause: %w", err)
	}
	return nil
}

// Capture takes the next frame of the running stream as a still.
func (d *Device) Capture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if !d.live {
		return errors.New("gst: capture needs a running stream")
	}
	if d.out.Still == nil {
		return errors.New("gst: no still output")
	}
	d.stills++
	return nil
}

func (d *Device) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}
	data := buffer.Map(gst.MapRead).Bytes()
	pix := make([]byte, len(data))
	copy(pix, data)
	buffer.Unmap()
	ts := time.Since(d.epoch)

	d.mu.Lock()
	out, res, t, live := d.out, d.res, d.template, d.live
	still := false
	if d.stills > 0 {
		d.stills--
		still = true
	}
	d.mu.Unlock()

	if !live || len(pix) < res.Width*res.Height*4 {
		return gst.FlowOK
	}
	if out.Preview != nil {
		out.Preview.Preview(camera.Left, &image.RGBA{Pix: pix, Stride: 4 * res.Width, Rect: image.Rect(0, 0, res.Width, res.Height)})
	}
	if still && out.Still != nil {
		s := make([]byte, len(pix))
		copy(s, pix)
		out.Still.DeliverImage(camera.NewImageFrame(ts, res.Width, res.Height, camera.FormatRGBA, s, nil))
	}
	if t == camera.TemplateRecord && out.Stream != nil {
		out.Stream.DeliverTexture(camera.NewTextureFrame(ts, res.Width, res.Height, pix, camera.Identity()))
	}
	return gst.FlowOK
}

// watch reports the device lost on pipeline errors.
func (d *Device) watch(ctx context.Context, pipeline *gst.Pipeline) {
	defer d.watching.Done()
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			d.log.Error().Str("debug", gerr.DebugString()).Msgf("device error: %v", gerr.Error())
			d.disconnect()
			return
		case gst.MessageEOS:
			d.log.Warn().Msg("device stream ended")
			d.disconnect()
			return
		}
	}
}

func (d *Device) disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.lost {
		d.lost = true
		close(d.gone)
	}
}

// detach must be called with the lock held.
func (d *Device) detach() (*gst.Pipeline, context.CancelFunc) {
	p, cancel := d.pipeline, d.cancel
	d.pipeline, d.cancel, d.live = nil, nil, false
	return p, cancel
}

func (d *Device) release(p *gst.Pipeline, cancel context.CancelFunc) {
	if p == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	d.watching.Wait()
	if err := p.SetState(gst.StateNull); err != nil {
		d.log.Warn().Err(err).Msg("pipeline stop")
	}
	p.Unref()
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.out = camera.Outputs{}
	p, cancel := d.detach()
	d.mu.Unlock()

	d.release(p, cancel)
	return nil
}
