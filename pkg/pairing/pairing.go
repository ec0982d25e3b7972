// Package pairing matches still frames of both lenses into stereo pairs.
//
// Every side owns a single slot: a newer frame replaces (and releases)
// the pending one, so pairs are always built from the latest frames.
package pairing

import (
	"sync"
	"time"

	"github.com/horizonfpv/stereocam/pkg/camera"
	"github.com/horizonfpv/stereocam/pkg/logger"
)

// Pair is one frame per side, owned by the receiver.
type Pair struct {
	Left, Right *camera.ImageFrame
}

// Skew is the capture time distance between the eyes.
func (p Pair) Skew() time.Duration { return abs(p.Left.Timestamp - p.Right.Timestamp) }

// Release releases both frames.
func (p Pair) Release() {
	_ = p.Left.Release()
	_ = p.Right.Release()
}

type Stats struct {
	Pairs    uint64
	Replaced uint64
	Skewed   uint64
	LastSkew time.Duration
}

type Buffer struct {
	maxSkew time.Duration
	log     *logger.Logger

	mu      sync.Mutex
	pending [2]*camera.ImageFrame
	closed  bool
	stats   Stats

	out  chan Pair
	done chan struct{}
}

type Option func(*Buffer)

// WithMaxSkew drops the older frame of a pair when the eyes are further apart.
// Zero disables the check.
func WithMaxSkew(d time.Duration) Option { return func(b *Buffer) { b.maxSkew = d } }

func WithLogger(l *logger.Logger) Option { return func(b *Buffer) { b.log = l } }

// WithBacklog sets how many pairs may wait for the reader.
func WithBacklog(n int) Option {
	return func(b *Buffer) {
		if n >= 0 {
			b.out = make(chan Pair, n)
		}
	}
}

func New(opts ...Option) *Buffer {
	b := &Buffer{
		log:  logger.Nop(),
		out:  make(chan Pair, 1),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.Component("pairing")
	return b
}

// Pairs delivers pairing events. Receivers own the frames.
func (b *Buffer) Pairs() <-chan Pair { return b.out }

// Submit hands a frame over to the buffer, it takes the ownership.
// The pair, if any, is delivered outside of the lock and Submit waits
// for a free backlog place or the buffer close.
func (b *Buffer) Submit(side camera.LensSide, f *camera.ImageFrame) {
	f.Side = side

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = f.Release()
		return
	}
	if stale := b.pending[side]; stale != nil {
		b.stats.Replaced++
		_ = stale.Release()
		b.log.Debug().Str("side", side.String()).Msg("stale frame replaced")
	}
	b.pending[side] = f

	other := b.pending[side.Other()]
	if other == nil {
		b.mu.Unlock()
		return
	}

	skew := abs(f.Timestamp - other.Timestamp)
	b.stats.LastSkew = skew
	if b.maxSkew > 0 && skew > b.maxSkew {
		// keep the newer one waiting for a closer counterpart
		older := side
		if other.Timestamp < f.Timestamp {
			older = side.Other()
		}
		dropped := b.pending[older]
		b.pending[older] = nil
		b.stats.Skewed++
		b.mu.Unlock()
		_ = dropped.Release()
		b.log.Warn().Str("side", older.String()).Dur("skew", skew).Msg("frame dropped, eyes too far apart")
		return
	}

	p := Pair{Left: b.pending[camera.Left], Right: b.pending[camera.Right]}
	b.pending = [2]*camera.ImageFrame{}
	b.stats.Pairs++
	b.mu.Unlock()

	select {
	case b.out <- p:
	case <-b.done:
		p.Release()
	}
}

// Target adapts one side of the buffer to a camera still output.
func (b *Buffer) Target(side camera.LensSide) camera.StillTarget {
	return target{b: b, side: side}
}

type target struct {
	b    *Buffer
	side camera.LensSide
}

func (t target) DeliverImage(f *camera.ImageFrame) { t.b.Submit(t.side, f) }

// Pending tells whether a frame of the side waits for its counterpart.
func (b *Buffer) Pending(side camera.LensSide) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[side] != nil
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close releases pending frames and unblocks waiting submitters.
// Pairs left unread in the backlog are released too.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = [2]*camera.ImageFrame{}
	close(b.done)
	b.mu.Unlock()

	for _, f := range pending {
		if f != nil {
			_ = f.Release()
		}
	}
	for {
		select {
		case p := <-b.out:
			p.Release()
		default:
			return
		}
	}
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
