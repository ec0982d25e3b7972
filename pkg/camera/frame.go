package camera

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrReleased = errors.New("frame is released")
	ErrConsumed = errors.New("texture frame is consumed")
)

type PixelFormat uint8

const (
	FormatJPEG PixelFormat = iota
	FormatRGBA
)

func (p PixelFormat) String() string {
	if p == FormatRGBA {
		return "rgba"
	}
	return "jpeg"
}

// ImageFrame is an exclusively owned still image buffer.
// It must be released exactly once by its current owner.
type ImageFrame struct {
	Side      LensSide
	Timestamp time.Duration
	Width     int
	Height    int
	Format    PixelFormat

	mu        sync.Mutex
	data      []byte
	released  bool
	onRelease func()
}

// NewImageFrame wraps data into a frame.
// The onRelease hook, if any, runs once the frame is released,
// producers use it to get their buffer slot back.
func NewImageFrame(ts time.Duration, w, h int, format PixelFormat, data []byte, onRelease func()) *ImageFrame {
	return &ImageFrame{Timestamp: ts, Width: w, Height: h, Format: format, data: data, onRelease: onRelease}
}

// Bytes returns the payload of the frame.
// The slice is valid until the frame is released.
func (f *ImageFrame) Bytes() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return nil, ErrReleased
	}
	return f.data, nil
}

func (f *ImageFrame) Release() error {
	f.mu.Lock()
	if f.released {
		f.mu.Unlock()
		return ErrReleased
	}
	f.released = true
	f.data = nil
	hook := f.onRelease
	f.onRelease = nil
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *ImageFrame) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// Matrix is a 4x4 column-major texture transform.
type Matrix [16]float32

func Identity() Matrix {
	return Matrix{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// TextureFrame is a streaming frame of one lens.
// It has no explicit release, it becomes invalid once the renderer consumes it.
type TextureFrame struct {
	Side      LensSide
	Timestamp time.Duration
	Transform Matrix
	Width     int
	Height    int

	pix      []byte
	consumed atomic.Bool
}

// NewTextureFrame wraps RGBA pixels (4 bytes per pixel, no padding).
func NewTextureFrame(ts time.Duration, w, h int, pix []byte, transform Matrix) *TextureFrame {
	return &TextureFrame{Timestamp: ts, Width: w, Height: h, pix: pix, Transform: transform}
}

func (f *TextureFrame) Pixels() ([]byte, error) {
	if f.consumed.Load() {
		return nil, ErrConsumed
	}
	return f.pix, nil
}

// RGBA returns the frame as an image sharing the frame memory.
func (f *TextureFrame) RGBA() (*image.RGBA, error) {
	pix, err := f.Pixels()
	if err != nil {
		return nil, err
	}
	if len(pix) < f.Width*f.Height*4 {
		return nil, errors.New("texture frame is too short")
	}
	return &image.RGBA{Pix: pix, Stride: f.Width * 4, Rect: image.Rect(0, 0, f.Width, f.Height)}, nil
}

// Consume invalidates the frame.
func (f *TextureFrame) Consume() {
	f.consumed.Store(true)
	f.pix = nil
}

func (f *TextureFrame) Consumed() bool { return f.consumed.Load() }
