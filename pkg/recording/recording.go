// Package recording runs one stereo video recording from
// arming the encoder to publishing the file.
package recording

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/horizonfpv/stereocam/pkg/camera"
	"github.com/horizonfpv/stereocam/pkg/compositor"
	"github.com/horizonfpv/stereocam/pkg/encoder"
	"github.com/horizonfpv/stereocam/pkg/logger"
	"github.com/horizonfpv/stereocam/pkg/os"
	"github.com/horizonfpv/stereocam/pkg/publisher"
)

type State uint8

const (
	Idle State = iota
	Preparing
	Armed
	Recording
	Stopping
	Finalized
	Error
)

func (s State) String() string {
	return [...]string{"idle", "preparing", "armed", "recording", "stopping", "finalized", "error"}[s]
}

var ErrBadState = errors.New("recording: operation is not allowed in the current state")

// Camera is the part of the dual camera a recording needs.
type Camera interface {
	StartStreaming(left, right camera.StreamTarget) error
	StopStreaming() error
	RestorePreview() error
}

type Options struct {
	Eye     camera.Resolution
	Encoder encoder.Config
	TempDir string
	MaxSkew time.Duration
	Queue   int
}

type Session struct {
	id       uuid.UUID
	cam      Camera
	backend  encoder.Backend
	renderer compositor.Renderer
	pub      publisher.Publisher
	opts     Options
	log      *logger.Logger

	mu      sync.Mutex
	state   State
	muxer   *encoder.Muxer
	comp    *compositor.Compositor
	started time.Time
	path    string
	err     error
}

func New(cam Camera, backend encoder.Backend, renderer compositor.Renderer, pub publisher.Publisher,
	opts Options, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Nop()
	}
	id := uuid.Must(uuid.NewV4())
	opts.Encoder.Width, opts.Encoder.Height = 2*opts.Eye.Width, opts.Eye.Height
	return &Session{
		id:       id,
		cam:      cam,
		backend:  backend,
		renderer: renderer,
		pub:      pub,
		opts:     opts,
		log:      log.Extend(log.With().Str("c", "recording").Str("sid", id.String())),
	}
}

func (s *Session) ID() string { return s.id.String() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path returns the published file once finalized.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Err returns the failure that moved the session into Error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats of the compositor, zero before Prepare.
func (s *Session) Stats() compositor.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.comp == nil {
		return compositor.Stats{}
	}
	return s.comp.Stats()
}

// Prepare arms the encoder and the compositor.
func (s *Session) Prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return fmt.Errorf("prepare in %v: %w", s.state, ErrBadState)
	}
	s.state = Preparing

	if err := os.CheckCreateDir(s.opts.TempDir); err != nil {
		return s.fail(err)
	}
	tmp := filepath.Join(s.opts.TempDir, s.id.String()+publisher.Video.Ext())
	muxer := encoder.NewMuxer(s.backend, tmp, s.opts.Encoder, s.log)
	if err := muxer.Prepare(); err != nil {
		return s.fail(err)
	}
	comp := compositor.New(s.renderer, muxer, s.opts.Eye,
		compositor.WithMaxSkew(s.opts.MaxSkew),
		compositor.WithQueue(s.opts.Queue),
		compositor.WithLogger(s.log))
	if err := comp.Start(); err != nil {
		_ = muxer.Stop()
		return s.fail(fmt.Errorf("compositor: %w", err))
	}
	s.muxer, s.comp = muxer, comp
	s.state = Armed
	s.log.Debug().Str("file", tmp).Msg("recording is armed")
	return nil
}

// Start begins the encoding and streaming on both lenses.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Armed {
		return fmt.Errorf("start in %v: %w", s.state, ErrBadState)
	}
	if err := s.muxer.Start(); err != nil {
		s.teardown()
		return s.fail(err)
	}
	target := s.comp.Target()
	if err := s.cam.StartStreaming(target, target); err != nil {
		s.teardown()
		s.removeTemp()
		return s.fail(fmt.Errorf("streaming: %w", err))
	}
	s.started = time.Now()
	s.state = Recording
	s.log.Info().Msg("recording")
	return nil
}

// Stop halts both lenses, drains the compositor, finalizes the file,
// restores the preview and publishes the file.
// A session stopped before Start gives no file. Repeated calls return the same result.
func (s *Session) Stop(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Finalized:
		return s.path, nil
	case Error:
		s.teardown()
		return "", s.err
	case Idle:
		s.state = Finalized
		return "", nil
	case Armed:
		s.teardown()
		s.state = Finalized
		s.log.Info().Msg("recording is cancelled")
		return "", nil
	case Recording:
	default:
		return "", fmt.Errorf("stop in %v: %w", s.state, ErrBadState)
	}
	s.state = Stopping

	var warn error
	if err := s.cam.StopStreaming(); err != nil {
		warn = multierror.Append(warn, err)
	}
	s.comp.Stop()
	err := s.muxer.Stop()
	if e := s.cam.RestorePreview(); e != nil {
		warn = multierror.Append(warn, e)
	}
	if warn != nil {
		s.log.Warn().Err(warn).Msg("camera did not stop cleanly")
	}
	if err != nil {
		return "", s.fail(err)
	}

	st := s.comp.Stats()
	s.log.Info().
		Dur("length", time.Since(s.started)).
		Uint64("frames", s.muxer.Frames()).
		Uint64("dropped", st.Dropped+st.Skewed+st.Backwards).
		Msg("recording is finished")

	path := s.muxer.Path()
	if s.pub != nil {
		if path, err = s.pub.Publish(ctx, publisher.Item{Path: path, Kind: publisher.Video, Taken: s.started}); err != nil {
			return "", s.fail(fmt.Errorf("publish: %w", err))
		}
	}
	s.path = path
	s.state = Finalized
	return path, nil
}

// teardown releases the compositor and the encoder, if any.
func (s *Session) teardown() {
	if s.comp != nil {
		s.comp.Stop()
	}
	if s.muxer != nil && !s.muxer.Stopped() {
		if err := s.muxer.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("encoder stop")
		}
	}
}

func (s *Session) removeTemp() {
	if s.muxer == nil {
		return
	}
	if path := s.muxer.Path(); os.Exists(path) {
		if err := os.Remove(path); err != nil {
			s.log.Warn().Err(err).Msg("temp file is left")
		}
	}
}

func (s *Session) fail(err error) error {
	s.err = err
	s.state = Error
	s.log.Error().Err(err).Msg("recording failed")
	return err
}
