package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/horizonfpv/stereocam/pkg/logger"
)

type State uint8

const (
	Idle State = iota
	OpeningBoth
	BothOpen
	Previewing
	Capturing
	Recording
	Closing
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OpeningBoth:
		return "opening"
	case BothOpen:
		return "open"
	case Previewing:
		return "previewing"
	case Capturing:
		return "capturing"
	case Recording:
		return "recording"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

var (
	ErrBadState     = errors.New("camera: operation is not allowed in the current state")
	ErrDisconnected = errors.New("camera: device disconnected")
	ErrOpenTimeout  = errors.New("camera: open timed out")
	ErrNoStill      = errors.New("camera: no still targets attached")
)

// OpenError holds the per-side causes of a failed dual open.
// At least one of them is set.
type OpenError struct {
	Left, Right error
}

func (e *OpenError) Error() string {
	var err *multierror.Error
	if e.Left != nil {
		err = multierror.Append(err, fmt.Errorf("left: %w", e.Left))
	}
	if e.Right != nil {
		err = multierror.Append(err, fmt.Errorf("right: %w", e.Right))
	}
	if err == nil {
		return "camera: open failed"
	}
	err.ErrorFormat = func(es []error) string {
		s := "camera: open failed"
		for _, e := range es {
			s += "; " + e.Error()
		}
		return s
	}
	return err.Error()
}

func (e *OpenError) Unwrap() []error {
	var errs []error
	for _, err := range []error{e.Left, e.Right} {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Failed tells whether the given side failed to open.
func (e *OpenError) Failed(side LensSide) bool {
	if side == Left {
		return e.Left != nil
	}
	return e.Right != nil
}

// Dual manages both lenses as a single unit.
// Lifecycle calls are expected from one control goroutine,
// State may be read from anywhere.
type Dual struct {
	provider Provider
	timeout  time.Duration
	log      *logger.Logger

	mu       sync.Mutex
	state    State
	res      Resolution
	mode     Mode
	sessions [2]*session
	preview  [2]PreviewTarget
	still    [2]StillTarget
	stop     chan struct{}
	watching sync.WaitGroup
}

func NewDual(provider Provider, openTimeout time.Duration, log *logger.Logger) *Dual {
	if log == nil {
		log = logger.Nop()
	}
	return &Dual{provider: provider, timeout: openTimeout, log: log.Component("camera")}
}

// State returns the current state, the opening phase looks like Idle.
func (d *Dual) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == OpeningBoth {
		return Idle
	}
	return d.state
}

func (d *Dual) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// OpenBoth opens both lenses concurrently and configures their sessions
// only after both of them are open and alive.
// On failure every opened side is closed and *OpenError is returned.
func (d *Dual) OpenBoth(ctx context.Context, leftID, rightID string, res Resolution, mode Mode) error {
	d.mu.Lock()
	if d.state == Error {
		d.mu.Unlock()
		if err := d.Close(); err != nil {
			d.log.Warn().Err(err).Msg("cleanup before reopen")
		}
		d.mu.Lock()
	}
	switch d.state {
	case Idle, Closed:
	default:
		d.mu.Unlock()
		return fmt.Errorf("open in %v: %w", d.state, ErrBadState)
	}
	d.state = OpeningBoth
	d.res, d.mode = res, mode
	d.preview = [2]PreviewTarget{}
	d.still = [2]StillTarget{}
	d.mu.Unlock()

	start := time.Now()
	devs, errs := d.openPair(ctx, [2]string{leftID, rightID})

	for i, dev := range devs {
		if dev == nil {
			continue
		}
		select {
		case <-dev.Disconnected():
			errs[i] = ErrDisconnected
		default:
		}
	}

	if errs[Left] != nil || errs[Right] != nil {
		for i, dev := range devs {
			if dev == nil {
				continue
			}
			if err := dev.Close(); err != nil {
				d.log.Warn().Err(err).Str("side", LensSide(i).String()).Msg("close after failed open")
			}
		}
		d.mu.Lock()
		d.state = Closed
		d.mu.Unlock()
		err := &OpenError{Left: errs[Left], Right: errs[Right]}
		d.log.Error().Err(err).Msg("dual open failed")
		return err
	}

	sessions := [2]*session{{side: Left, dev: devs[Left]}, {side: Right, dev: devs[Right]}}
	for _, s := range sessions {
		if err := s.configure(res, Outputs{}); err != nil {
			d.log.Error().Err(err).Str("side", s.side.String()).Msg("session configuration failed")
			for _, s := range sessions {
				_ = s.close()
			}
			d.mu.Lock()
			d.state = Error
			d.mu.Unlock()
			return fmt.Errorf("configure %v session: %w", s.side, err)
		}
	}

	d.mu.Lock()
	d.sessions = sessions
	d.state = BothOpen
	d.stop = make(chan struct{})
	d.watching.Add(1)
	go d.watch(devs, d.stop)
	d.mu.Unlock()

	d.log.Info().
		Str("left", leftID).Str("right", rightID).
		Str("res", res.String()).Str("mode", mode.String()).
		Dur("took", time.Since(start)).
		Msg("both lenses are open")
	return nil
}

// openPair runs both opens at once, each bounded by the open timeout.
func (d *Dual) openPair(ctx context.Context, ids [2]string) (devs [2]Device, errs [2]error) {
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			devs[i], errs[i] = d.openOne(ctx, ids[i])
		}(i)
	}
	wg.Wait()
	return
}

func (d *Dual) openOne(ctx context.Context, id string) (Device, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	type result struct {
		dev Device
		err error
	}
	res := make(chan result, 1)
	go func() {
		dev, err := d.provider.Open(ctx, id)
		res <- result{dev, err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("open %v: %w", id, ErrOpenTimeout)
			}
			return nil, fmt.Errorf("open %v: %w", id, r.err)
		}
		return r.dev, nil
	case <-ctx.Done():
		// a late device still has to be closed
		go func() {
			if r := <-res; r.dev != nil {
				_ = r.dev.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("open %v: %w", id, ErrOpenTimeout)
		}
		return nil, fmt.Errorf("open %v: %w", id, ctx.Err())
	}
}

// watch tears both sides down when any of the devices is lost.
func (d *Dual) watch(devs [2]Device, stop chan struct{}) {
	defer d.watching.Done()

	var side LensSide
	select {
	case <-devs[Left].Disconnected():
		side = Left
	case <-devs[Right].Disconnected():
		side = Right
	case <-stop:
		return
	}

	d.mu.Lock()
	if d.state == Closing || d.state == Closed {
		d.mu.Unlock()
		return
	}
	sessions := d.sessions
	d.sessions = [2]*session{}
	d.state = Closing
	d.mu.Unlock()

	d.log.Error().Str("side", side.String()).Msg("device disconnected, closing both lenses")
	d.closeSessions(sessions)

	d.mu.Lock()
	d.state = Error
	d.mu.Unlock()
}

// Close releases both sessions, devices and attached targets.
// It is safe to call in any state and more than once.
func (d *Dual) Close() error {
	d.mu.Lock()
	if d.state == Closing {
		// a lost device may be tearing the pair down, wait for it
		d.mu.Unlock()
		d.watching.Wait()
		d.mu.Lock()
	}
	switch d.state {
	case Closed:
		d.mu.Unlock()
		return nil
	case Idle:
		d.state = Closed
		d.mu.Unlock()
		return nil
	case Closing, OpeningBoth:
		d.mu.Unlock()
		return fmt.Errorf("close in %v: %w", d.state, ErrBadState)
	}
	sessions := d.sessions
	d.sessions = [2]*session{}
	d.preview = [2]PreviewTarget{}
	d.still = [2]StillTarget{}
	stop := d.stop
	d.stop = nil
	d.state = Closing
	d.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	d.watching.Wait()

	err := d.closeSessions(sessions)

	d.mu.Lock()
	d.state = Closed
	d.mu.Unlock()
	d.log.Info().Msg("lenses are closed")
	return err
}

func (d *Dual) closeSessions(sessions [2]*session) error {
	var err error
	for _, s := range sessions {
		if s == nil {
			continue
		}
		if e := s.close(); e != nil {
			err = multierror.Append(err, fmt.Errorf("%v: %w", s.side, e))
		}
	}
	return err
}

// StartPreview attaches the preview targets and starts repeating preview requests.
// Either target may be nil.
func (d *Dual) StartPreview(left, right PreviewTarget) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != BothOpen && d.state != Previewing {
		return fmt.Errorf("preview in %v: %w", d.state, ErrBadState)
	}
	d.preview = [2]PreviewTarget{left, right}
	return d.reconfigure(d.previewOutputs(), TemplatePreview, Previewing)
}

// ConfigureStill attaches the single-shot targets of a still mode session.
func (d *Dual) ConfigureStill(left, right StillTarget) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode != ModeStill {
		return fmt.Errorf("still targets in %v mode: %w", d.mode, ErrBadState)
	}
	if d.state != BothOpen && d.state != Previewing {
		return fmt.Errorf("still targets in %v: %w", d.state, ErrBadState)
	}
	d.still = [2]StillTarget{left, right}
	return d.reconfigure(d.previewOutputs(), TemplatePreview, Previewing)
}

// CaptureStill issues single-shot requests on both lenses together.
// Frames arrive asynchronously at the still targets.
func (d *Dual) CaptureStill() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Previewing {
		return fmt.Errorf("capture in %v: %w", d.state, ErrBadState)
	}
	if d.still[Left] == nil || d.still[Right] == nil {
		return ErrNoStill
	}
	d.state = Capturing
	defer func() {
		if d.state == Capturing {
			d.state = Previewing
		}
	}()

	var err error
	for _, s := range d.sessions {
		if e := s.dev.Capture(); e != nil {
			err = multierror.Append(err, fmt.Errorf("%v: %w", s.side, e))
		}
	}
	if err != nil {
		d.log.Error().Err(err).Msg("still capture failed")
	}
	return err
}

// StartStreaming reconfigures both sessions for the streaming targets
// and issues the repeating record requests.
// When the second side fails, the first one is halted.
func (d *Dual) StartStreaming(left, right StreamTarget) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != BothOpen && d.state != Previewing {
		return fmt.Errorf("stream in %v: %w", d.state, ErrBadState)
	}
	out := [2]Outputs{
		{Preview: d.preview[Left], Stream: left},
		{Preview: d.preview[Right], Stream: right},
	}
	if err := d.reconfigure(out, TemplateRecord, Recording); err != nil {
		return err
	}
	d.log.Info().Msg("streaming started")
	return nil
}

// StopStreaming halts the repeating requests and aborts in-flight captures on both sides.
// The sessions are left open without output.
func (d *Dual) StopStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Recording {
		return nil
	}
	err := d.haltAll()
	d.state = BothOpen
	d.log.Info().Msg("streaming stopped")
	return err
}

// RestorePreview reattaches the preview and still targets after streaming.
func (d *Dual) RestorePreview() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case BothOpen, Previewing:
	case Recording:
		if err := d.haltAll(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("restore preview in %v: %w", d.state, ErrBadState)
	}
	return d.reconfigure(d.previewOutputs(), TemplatePreview, Previewing)
}

func (d *Dual) previewOutputs() [2]Outputs {
	out := [2]Outputs{{Preview: d.preview[Left]}, {Preview: d.preview[Right]}}
	if d.mode == ModeStill {
		out[Left].Still, out[Right].Still = d.still[Left], d.still[Right]
	}
	return out
}

// reconfigure must be called with the lock held.
func (d *Dual) reconfigure(out [2]Outputs, t Template, next State) error {
	if err := d.haltAll(); err != nil {
		return d.fail(err)
	}
	for i, s := range d.sessions {
		if err := s.configure(d.res, out[i]); err != nil {
			return d.fail(fmt.Errorf("configure %v session: %w", s.side, err))
		}
	}
	for _, s := range d.sessions {
		if err := s.repeat(t); err != nil {
			_ = d.haltAll()
			return d.fail(fmt.Errorf("start %v requests: %w", s.side, err))
		}
	}
	d.state = next
	return nil
}

func (d *Dual) haltAll() error {
	var err error
	for _, s := range d.sessions {
		if s == nil {
			continue
		}
		if e := s.halt(); e != nil {
			err = multierror.Append(err, fmt.Errorf("%v: %w", s.side, e))
		}
	}
	return err
}

func (d *Dual) fail(err error) error {
	d.log.Error().Err(err).Msg("capture session failure")
	d.state = Error
	return err
}
