// Package encoder turns composed stereo frames into an mp4 file.
//
// Muxer owns the lifecycle of a recording file and hands frames over
// to a Backend (see the gst subpackage) that does the actual encoding.
package encoder

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/horizonfpv/stereocam/pkg/logger"
)

var (
	ErrNotStarted = errors.New("encoder: not started")
	ErrStopped    = errors.New("encoder: stopped")
	ErrBadFrame   = errors.New("encoder: frame size mismatch")
)

const (
	DefaultVideoBitrate  = 14_000_000
	DefaultFrameRate     = 30
	DefaultAudioChannels = 2
	DefaultSampleRate    = 48000
	DefaultAudioBitrate  = 256_000
)

// Config of the output stream. Width and height are of the composed
// frame, i.e. twice the single eye width.
type Config struct {
	Width            int
	Height           int
	VideoBitrate     int
	FrameRate        int
	KeyframeInterval int
	Preset           string
	NoAudio          bool
	AudioChannels    int
	SampleRate       int
	AudioBitrate     int
}

// DefaultConfig returns the config for a stereo frame of the given size.
func DefaultConfig(width, height int) Config {
	return Config{
		Width:            width,
		Height:           height,
		VideoBitrate:     DefaultVideoBitrate,
		FrameRate:        DefaultFrameRate,
		KeyframeInterval: DefaultFrameRate,
		Preset:           "veryfast",
		AudioChannels:    DefaultAudioChannels,
		SampleRate:       DefaultSampleRate,
		AudioBitrate:     DefaultAudioBitrate,
	}
}

func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("encoder: bad frame size %vx%v", c.Width, c.Height)
	}
	if c.VideoBitrate <= 0 || c.FrameRate <= 0 {
		return fmt.Errorf("encoder: bad video params %v bps %v fps", c.VideoBitrate, c.FrameRate)
	}
	if !c.NoAudio && (c.AudioChannels <= 0 || c.SampleRate <= 0 || c.AudioBitrate <= 0) {
		return fmt.Errorf("encoder: bad audio params %v ch %v Hz %v bps", c.AudioChannels, c.SampleRate, c.AudioBitrate)
	}
	return nil
}

// Backend encodes and muxes frames into a file.
type Backend interface {
	// Prepare builds the encoding chain for the output file.
	Prepare(path string, conf Config) error
	Start() error
	Push(frame *image.RGBA, pts time.Duration) error
	// Finish signals the end of the stream and waits for the container to be written.
	Finish() error
	Release()
}

type state uint8

const (
	created state = iota
	prepared
	started
	stopped
)

// Muxer is the input surface of the compositor.
// The call order is Prepare, Start, Swap..., Stop.
type Muxer struct {
	backend Backend
	conf    Config
	path    string
	log     *logger.Logger

	mu      sync.Mutex
	state   state
	frames  uint64
	base    time.Duration
	lastPTS time.Duration
}

func NewMuxer(backend Backend, path string, conf Config, log *logger.Logger) *Muxer {
	if log == nil {
		log = logger.Nop()
	}
	return &Muxer{backend: backend, path: path, conf: conf, log: log.Component("encoder")}
}

func (m *Muxer) Path() string { return m.path }

func (m *Muxer) Config() Config { return m.conf }

func (m *Muxer) Prepare() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != created {
		return fmt.Errorf("encoder: prepare twice")
	}
	if err := m.conf.Validate(); err != nil {
		m.state = stopped
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		m.state = stopped
		return err
	}
	if err := m.backend.Prepare(m.path, m.conf); err != nil {
		m.cleanup()
		return fmt.Errorf("encoder prepare: %w", err)
	}
	m.state = prepared
	m.log.Debug().Str("file", m.path).
		Int("w", m.conf.Width).Int("h", m.conf.Height).
		Int("bitrate", m.conf.VideoBitrate).Int("fps", m.conf.FrameRate).
		Msg("encoder is prepared")
	return nil
}

func (m *Muxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case created:
		return ErrNotStarted
	case started:
		return nil
	case stopped:
		return ErrStopped
	}
	if err := m.backend.Start(); err != nil {
		m.cleanup()
		return fmt.Errorf("encoder start: %w", err)
	}
	m.state = started
	return nil
}

// Swap pushes one composed frame with its presentation time.
// Times are counted from the first frame, the stream starts at 0
// along with the audio captured since Start.
func (m *Muxer) Swap(frame *image.RGBA, pts time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case created, prepared:
		return ErrNotStarted
	case stopped:
		return ErrStopped
	}
	if b := frame.Bounds(); b.Dx() != m.conf.Width || b.Dy() != m.conf.Height {
		return fmt.Errorf("%w: %vx%v", ErrBadFrame, b.Dx(), b.Dy())
	}
	if m.frames == 0 {
		m.base = pts
	}
	pts -= m.base
	if pts < 0 {
		pts = 0
	}
	if err := m.backend.Push(frame, pts); err != nil {
		return err
	}
	m.frames++
	m.lastPTS = pts
	return nil
}

// Stop ends the stream and finalizes the file.
// A muxer that never started leaves no file. Repeated calls are no-op.
func (m *Muxer) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stopped:
		return nil
	case created, prepared:
		m.cleanup()
		return nil
	}
	m.state = stopped

	var err error
	if e := m.backend.Finish(); e != nil {
		err = multierror.Append(err, fmt.Errorf("encoder finish: %w", e))
	}
	m.backend.Release()
	if err != nil {
		m.removeFile()
		return err
	}
	m.log.Info().Str("file", m.path).Uint64("frames", m.frames).Dur("length", m.lastPTS).Msg("recording is written")
	return nil
}

// Frames returns the number of frames pushed so far.
func (m *Muxer) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// Stopped tells whether the muxer takes no more frames.
func (m *Muxer) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stopped
}

func (m *Muxer) cleanup() {
	m.state = stopped
	m.backend.Release()
	m.removeFile()
}

func (m *Muxer) removeFile() {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str("file", m.path).Msg("partial file is left")
	}
}
