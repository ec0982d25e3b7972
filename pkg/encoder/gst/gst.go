// Package gst encodes composed frames with GStreamer.
//
// Pipeline:
//
//	appsrc (RGBA) → videoconvert → x264enc → h264parse → mp4mux → filesink
//	autoaudiosrc → audioconvert → audioresample → AAC encoder ↗
package gst

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/horizonfpv/stereocam/pkg/encoder"
	"github.com/horizonfpv/stereocam/pkg/logger"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var initOnce sync.Once

const (
	DefaultAudioEncoder = "avenc_aac"
	finishTimeout       = 10 * time.Second
)

type Backend struct {
	// AudioEncoder is the GStreamer AAC element name.
	AudioEncoder string
	// AudioSource is the audio capture element name.
	AudioSource string

	log      *logger.Logger
	pipeline *gst.Pipeline
	src      *app.Source
	playing  bool
}

func New(log *logger.Logger) *Backend {
	if log == nil {
		log = logger.Nop()
	}
	return &Backend{
		AudioEncoder: DefaultAudioEncoder,
		AudioSource:  "autoaudiosrc",
		log:          log.Component("gst"),
	}
}

// Launch returns the pipeline description for the output file.
func (b *Backend) Launch(path string, c encoder.Config) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "appsrc name=video format=time is-live=true do-timestamp=false "+
		"caps=video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1 ! "+
		"queue ! videoconvert ! video/x-raw,format=I420 ! "+
		"x264enc bitrate=%d speed-preset=%s key-int-max=%d tune=zerolatency ! "+
		"h264parse ! queue ! mp4mux name=mux ! filesink location=%q",
		c.Width, c.Height, c.FrameRate,
		c.VideoBitrate/1000, preset(c.Preset), c.KeyframeInterval,
		path)
	if !c.NoAudio {
		fmt.Fprintf(&sb, " %s ! queue ! audioconvert ! audioresample ! "+
			"audio/x-raw,channels=%d,rate=%d ! %s bitrate=%d ! queue ! mux.",
			b.AudioSource, c.AudioChannels, c.SampleRate, b.AudioEncoder, c.AudioBitrate)
	}
	return sb.String()
}

func preset(p string) string {
	if p == "" {
		return "veryfast"
	}
	return p
}

func (b *Backend) Prepare(path string, c encoder.Config) error {
	initOnce.Do(func() { gst.Init(nil) })

	launch := b.Launch(path, c)
	b.log.Debug().Str("pipeline", launch).Msg("encoder pipeline")
	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	el, err := pipeline.GetElementByName("video")
	if err != nil {
		pipeline.Unref()
		return fmt.Errorf("no video source: %w", err)
	}
	b.pipeline = pipeline
	b.src = app.SrcFromElement(el)
	return nil
}

func (b *Backend) Start() error {
	if b.pipeline == nil {
		return errors.New("gst: pipeline is not prepared")
	}
	if err := b.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	b.playing = true
	return nil
}

func (b *Backend) Push(frame *image.RGBA, pts time.Duration) error {
	buf := gst.NewBufferFromBytes(frame.Pix)
	buf.SetPresentationTimestamp(pts)
	if ret := b.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("gst: push buffer: %v", ret)
	}
	return nil
}

// Finish sends EOS into every source and waits until the muxer
// has written the container.
func (b *Backend) Finish() error {
	if !b.playing {
		return nil
	}
	b.pipeline.SendEvent(gst.NewEOSEvent())

	bus := b.pipeline.GetPipelineBus()
	deadline := time.Now().Add(finishTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			b.log.Error().Str("debug", gerr.DebugString()).Msg("pipeline error")
			return fmt.Errorf("gst: %v", gerr.Error())
		}
	}
	return errors.New("gst: no EOS from the pipeline")
}

func (b *Backend) Release() {
	if b.pipeline == nil {
		return
	}
	if err := b.pipeline.SetState(gst.StateNull); err != nil {
		b.log.Warn().Err(err).Msg("pipeline stop")
	}
	b.pipeline.Unref()
	b.pipeline, b.src, b.playing = nil, nil, false
}
