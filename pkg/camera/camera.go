// Package camera drives the two fixed lenses of the headset as one unit.
//
// Devices come from a Provider (GStreamer, simulated, ...) and deliver
// frames on their own goroutines into the targets of a capture session.
// Dual opens both lenses behind a barrier so that callers never see
// a half-open pair.
package camera

import (
	"context"
	"fmt"
	"image"
)

// LensSide identifies one of the two fixed lenses.
type LensSide uint8

const (
	Left LensSide = iota
	Right
)

// Sides lists both lenses in the canonical order.
var Sides = [2]LensSide{Left, Right}

func (s LensSide) Other() LensSide { return 1 - s }

func (s LensSide) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("side(%d)", uint8(s))
}

type Resolution struct {
	Width, Height int
}

func (r Resolution) String() string { return fmt.Sprintf("%vx%v", r.Width, r.Height) }

// Mode is requested at open time and decides which outputs the sessions get.
type Mode uint8

const (
	ModeStill Mode = iota
	ModeStream
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "still"
}

// Template selects the outputs a repeating request feeds.
type Template uint8

const (
	// TemplatePreview feeds the preview output only.
	TemplatePreview Template = iota
	// TemplateRecord feeds the preview and the streaming texture outputs.
	TemplateRecord
)

type (
	// PreviewTarget shows frames to the user, frames are borrowed for the call only.
	PreviewTarget interface {
		Preview(side LensSide, img image.Image)
	}
	// StillTarget receives single-shot captures and owns them afterwards.
	StillTarget interface {
		DeliverImage(f *ImageFrame)
	}
	// StreamTarget receives streaming texture frames.
	StreamTarget interface {
		DeliverTexture(f *TextureFrame)
	}
)

// Outputs of one capture session, any of them may be nil.
type Outputs struct {
	Preview PreviewTarget
	Still   StillTarget
	Stream  StreamTarget
}

// Device is an opened camera device handle.
type Device interface {
	ID() string
	// Configure creates the capture session of the device.
	// Any previous session and its outputs are dropped.
	Configure(res Resolution, out Outputs) error
	// SetRepeating starts continuous delivery into the outputs picked by t.
	SetRepeating(t Template) error
	// StopRepeating halts continuous delivery and aborts in-flight captures.
	StopRepeating() error
	// Capture requests a single still frame.
	Capture() error
	// Disconnected is closed when the device is lost.
	Disconnected() <-chan struct{}
	Close() error
}

// Provider opens camera devices by their ids.
// Open should give up when ctx is done.
type Provider interface {
	Open(ctx context.Context, id string) (Device, error)
}
