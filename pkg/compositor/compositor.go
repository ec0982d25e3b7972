// Package compositor joins streaming frames of both lenses into
// side-by-side frames for the encoder.
//
// Frames arrive on the camera goroutines and only flip per-side ready
// flags under a short lock. Once both sides are ready a draw is queued
// to a single render thread where the Renderer lives.
package compositor

import (
	"errors"
	"image"
	"sync"
	"time"

	"github.com/horizonfpv/stereocam/pkg/camera"
	"github.com/horizonfpv/stereocam/pkg/logger"
	"github.com/horizonfpv/stereocam/pkg/thread"
)

var ErrNotReady = errors.New("compositor: not started")

// Renderer draws both eyes into one frame, twice the eye width wide.
// All the calls happen on one thread.
type Renderer interface {
	Init(eyeWidth, eyeHeight int) error
	// Draw returns the composed frame, valid until the next call.
	Draw(left, right *camera.TextureFrame) (*image.RGBA, error)
	Deinit()
}

// Surface takes composed frames, i.e. the encoder input.
type Surface interface {
	Swap(frame *image.RGBA, pts time.Duration) error
}

type Stats struct {
	Draws     uint64
	Replaced  uint64
	Dropped   uint64
	Skewed    uint64
	Backwards uint64
	Errors    uint64
}

type Compositor struct {
	renderer Renderer
	surface  Surface
	eye      camera.Resolution
	maxSkew  time.Duration
	queue    int
	log      *logger.Logger

	worker *thread.Worker

	mu        sync.Mutex
	latest    [2]*camera.TextureFrame
	ready     [2]bool
	accepting bool
	stopped   bool
	hasPTS    bool
	lastPTS   time.Duration
	stats     Stats
}

type Option func(*Compositor)

// WithMaxSkew drops the older eye when the eyes are further apart in time.
func WithMaxSkew(d time.Duration) Option { return func(c *Compositor) { c.maxSkew = d } }

// WithQueue sets how many draws may wait for the render thread.
func WithQueue(n int) Option { return func(c *Compositor) { c.queue = n } }

func WithLogger(l *logger.Logger) Option { return func(c *Compositor) { c.log = l } }

func New(r Renderer, s Surface, eye camera.Resolution, opts ...Option) *Compositor {
	c := &Compositor{renderer: r, surface: s, eye: eye, queue: 2, log: logger.Nop()}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Component("compositor")
	c.worker = thread.NewWorker(c.queue)
	return c
}

// Size of the composed frames.
func (c *Compositor) Size() (w, h int) { return 2 * c.eye.Width, c.eye.Height }

// Start spins up the render thread and initializes the renderer on it.
func (c *Compositor) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("compositor: already stopped")
	}
	if c.accepting {
		return nil
	}

	c.worker.Start()
	var err error
	if e := c.worker.Call(func() { err = c.renderer.Init(c.eye.Width, c.eye.Height) }); e != nil {
		err = e
	}
	if err != nil {
		c.worker.Stop()
		c.stopped = true
		return err
	}
	c.accepting = true
	c.log.Debug().Str("eye", c.eye.String()).Msg("compositor is started")
	return nil
}

// Ready tells whether frames are accepted.
func (c *Compositor) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepting
}

// Target adapts the compositor to a camera streaming output.
// Both lenses may share it, frames carry their side.
func (c *Compositor) Target() camera.StreamTarget { return c }

// DeliverTexture records the latest frame of its side and queues
// a draw when the other side is ready as well.
func (c *Compositor) DeliverTexture(f *camera.TextureFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.accepting {
		f.Consume()
		return
	}
	side := f.Side
	if old := c.latest[side]; old != nil {
		old.Consume()
		c.stats.Replaced++
	}
	c.latest[side], c.ready[side] = f, true
	if !c.ready[camera.Left] || !c.ready[camera.Right] {
		return
	}

	left, right := c.latest[camera.Left], c.latest[camera.Right]
	if c.maxSkew > 0 && abs(left.Timestamp-right.Timestamp) > c.maxSkew {
		older := camera.Left
		if right.Timestamp < left.Timestamp {
			older = camera.Right
		}
		c.latest[older].Consume()
		c.latest[older], c.ready[older] = nil, false
		c.stats.Skewed++
		return
	}

	c.latest = [2]*camera.TextureFrame{}
	c.ready = [2]bool{}

	pts := left.Timestamp
	if c.hasPTS && pts < c.lastPTS {
		left.Consume()
		right.Consume()
		c.stats.Backwards++
		c.log.Debug().Dur("pts", pts).Dur("last", c.lastPTS).Msg("pair is out of order")
		return
	}
	// the post happens under the lock so that draws keep the pts order
	if !c.worker.TryPost(func() { c.draw(left, right, pts) }) {
		left.Consume()
		right.Consume()
		c.stats.Dropped++
		return
	}
	c.hasPTS, c.lastPTS = true, pts
}

// draw runs on the render thread.
func (c *Compositor) draw(left, right *camera.TextureFrame, pts time.Duration) {
	frame, err := c.renderer.Draw(left, right)
	left.Consume()
	right.Consume()
	if err == nil {
		err = c.surface.Swap(frame, pts)
	}

	c.mu.Lock()
	if err != nil {
		c.stats.Errors++
	} else {
		c.stats.Draws++
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error().Err(err).Dur("pts", pts).Msg("draw failed")
	}
}

func (c *Compositor) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Stop rejects new frames, finishes queued draws and
// releases the renderer on its thread. Repeated calls are no-op.
func (c *Compositor) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	started := c.accepting
	c.stopped, c.accepting = true, false
	for i, f := range c.latest {
		if f != nil {
			f.Consume()
		}
		c.latest[i], c.ready[i] = nil, false
	}
	c.mu.Unlock()

	if !started {
		return
	}
	if err := c.worker.Call(c.renderer.Deinit); err != nil {
		c.log.Warn().Err(err).Msg("renderer deinit")
	}
	c.worker.Stop()
	st := c.Stats()
	c.log.Debug().Uint64("draws", st.Draws).Uint64("dropped", st.Dropped).Msg("compositor is stopped")
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
