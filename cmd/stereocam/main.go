package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync/atomic"
	"time"

	"github.com/horizonfpv/stereocam/pkg/camera"
	camgst "github.com/horizonfpv/stereocam/pkg/camera/gst"
	"github.com/horizonfpv/stereocam/pkg/camera/sim"
	"github.com/horizonfpv/stereocam/pkg/compositor"
	"github.com/horizonfpv/stereocam/pkg/compositor/gl"
	"github.com/horizonfpv/stereocam/pkg/config"
	"github.com/horizonfpv/stereocam/pkg/encoder"
	encgst "github.com/horizonfpv/stereocam/pkg/encoder/gst"
	"github.com/horizonfpv/stereocam/pkg/logger"
	"github.com/horizonfpv/stereocam/pkg/monitoring"
	xos "github.com/horizonfpv/stereocam/pkg/os"
	"github.com/horizonfpv/stereocam/pkg/pairing"
	"github.com/horizonfpv/stereocam/pkg/photo"
	"github.com/horizonfpv/stereocam/pkg/publisher"
	"github.com/horizonfpv/stereocam/pkg/recording"
	"github.com/horizonfpv/stereocam/pkg/service"
	"github.com/horizonfpv/stereocam/pkg/thread"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
)

var Version = "?"

type app struct {
	conf config.Config
	log  *logger.Logger

	// what the metrics read
	pairs      atomic.Pointer[pairing.Buffer]
	rec        atomic.Pointer[recording.Session]
	recorded   atomic.Uint64
	recFailed  atomic.Uint64
	stopSignal chan struct{}
}

func run() {
	conf, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	mode := flag.String("mode", "photo", "Capture mode [photo, record]")
	duration := flag.Duration("duration", 10*time.Second, "Recording length, 0 records until terminated")
	shots := flag.Int("shots", 1, "Number of photos to take")
	watch := flag.Bool("watch", false, "Reload the config file on change")
	conf.WithFlags(flag.CommandLine)
	flag.Parse()
	if config.Path() != "" {
		if conf, err = config.NewConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		// flags win over the file
		_ = flag.CommandLine.Parse(os.Args[1:])
	}

	log := logger.NewConsole(conf.Debug, "cam", false)
	if err = conf.Validate(); err != nil {
		log.Fatal().Err(err).Msg("bad config")
	}
	log.Info().Msgf("version: %v", Version)
	log.Debug().Msgf("conf: %+v", conf)

	a := &app{conf: conf, log: log, stopSignal: xos.ExpectTermination()}

	services := service.Group{}
	if conf.Monitoring.IsEnabled() {
		reg := prometheus.NewRegistry()
		if err = monitoring.Register(reg, a.sources()); err != nil {
			log.Fatal().Err(err).Msg("metrics")
		}
		services.Add(monitoring.New(conf.Monitoring, reg, log))
	}
	if err = services.Start(); err != nil {
		log.Fatal().Err(err).Msg("services")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := services.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	if *watch && config.Path() != "" {
		w, err := config.Watch(config.Path(), func(c config.Config) {
			log.Info().Msgf("config has changed, restart to apply: %+v", c)
		}, log)
		if err != nil {
			log.Warn().Err(err).Msg("config watch")
		} else {
			defer func() { _ = w.Close() }()
		}
	}

	switch *mode {
	case "photo":
		err = a.photos(*shots)
	case "record":
		err = a.record(*duration)
	default:
		err = fmt.Errorf("unknown mode %v", *mode)
	}
	if err != nil {
		log.Error().Err(err).Msg("capture failed")
	}
}

func (a *app) sources() monitoring.Sources {
	return monitoring.Sources{
		Pairing: func() pairing.Stats {
			if p := a.pairs.Load(); p != nil {
				return p.Stats()
			}
			return pairing.Stats{}
		},
		Compositor: func() compositor.Stats {
			if r := a.rec.Load(); r != nil {
				return r.Stats()
			}
			return compositor.Stats{}
		},
		Recordings: func() (uint64, uint64) { return a.recorded.Load(), a.recFailed.Load() },
	}
}

func (a *app) provider() (camera.Provider, error) {
	switch a.conf.Camera.Source {
	case "sim":
		return sim.New(sim.WithFps(a.conf.Camera.Fps)), nil
	case "gst":
		return camgst.New(a.conf.Camera.Devices, a.conf.Camera.Fps, a.log), nil
	}
	return nil, fmt.Errorf("unknown camera source %v", a.conf.Camera.Source)
}

func (a *app) publisher(ctx context.Context) (publisher.Publisher, func(), error) {
	o := a.conf.Output
	switch o.Publisher {
	case "local":
		p, err := publisher.NewLocal(o.Root, o.PhotoDir, o.VideoDir, o.Suffix, a.log)
		return p, func() {}, err
	case "gcs":
		p, err := publisher.NewGCS(ctx, o.Gcs.Bucket, o.Gcs.Prefix, o.Gcs.Credentials, o.Suffix, a.log)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = p.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown publisher %v", o.Publisher)
}

func (a *app) renderer() (compositor.Renderer, error) {
	switch a.conf.Compositor.Renderer {
	case "software":
		return &compositor.SoftwareRenderer{}, nil
	case "gl":
		return gl.New(a.log), nil
	}
	return nil, fmt.Errorf("unknown renderer %v", a.conf.Compositor.Renderer)
}

// open opens both lenses and starts the preview.
func (a *app) open(mode camera.Mode) (*camera.Dual, error) {
	p, err := a.provider()
	if err != nil {
		return nil, err
	}
	c := a.conf.Camera
	dual := camera.NewDual(p, c.OpenTimeout, a.log)
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.OpenTimeout)
	defer cancel()
	res := camera.Resolution{Width: c.Width, Height: c.Height}
	if err = dual.OpenBoth(ctx, c.LeftID, c.RightID, res, mode); err != nil {
		return nil, err
	}
	if err = dual.StartPreview(&previewLog{log: a.log}, nil); err != nil {
		_ = dual.Close()
		return nil, err
	}
	return dual, nil
}

func (a *app) photos(n int) error {
	dual, err := a.open(camera.ModeStill)
	if err != nil {
		return err
	}
	defer func() { _ = dual.Close() }()

	pub, closePub, err := a.publisher(context.Background())
	if err != nil {
		return err
	}
	defer closePub()

	s, err := photo.NewShooter(dual, pub, photo.Options{
		TempDir:     a.conf.Output.TempPath(),
		JpegQuality: a.conf.Output.JpegQuality,
		MaxSkew:     a.conf.Pairing.MaxSkew,
	}, a.log)
	if err != nil {
		return err
	}
	defer s.Close()
	a.pairs.Store(s.Pairing())

	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r, err := s.ShootWait(ctx)
		cancel()
		if err != nil {
			return err
		}
		a.log.Info().Str("file", r.Path).Msgf("photo %v/%v", i+1, n)
		select {
		case <-a.stopSignal:
			return nil
		default:
		}
	}
	return nil
}

func (a *app) record(d time.Duration) error {
	dual, err := a.open(camera.ModeStream)
	if err != nil {
		return err
	}
	defer func() { _ = dual.Close() }()

	pub, closePub, err := a.publisher(context.Background())
	if err != nil {
		return err
	}
	defer closePub()
	r, err := a.renderer()
	if err != nil {
		return err
	}

	v, au := a.conf.Encoder.Video, a.conf.Encoder.Audio
	enc := encoder.Config{
		VideoBitrate:     v.Bitrate,
		FrameRate:        v.FrameRate,
		KeyframeInterval: v.KeyframeInterval,
		Preset:           v.Preset,
		NoAudio:          au.Disabled,
		AudioChannels:    au.Channels,
		SampleRate:       au.SampleRate,
		AudioBitrate:     au.Bitrate,
	}
	s := recording.New(dual, encgst.New(a.log), r, pub, recording.Options{
		Eye:     camera.Resolution{Width: a.conf.Camera.Width, Height: a.conf.Camera.Height},
		Encoder: enc,
		TempDir: a.conf.Output.TempPath(),
		MaxSkew: a.conf.Compositor.MaxSkew,
		Queue:   a.conf.Compositor.Queue,
	}, a.log)
	a.rec.Store(s)

	if err = s.Prepare(); err == nil {
		err = s.Start()
	}
	if err != nil {
		a.recFailed.Add(1)
		_, _ = s.Stop(context.Background())
		return err
	}

	var timeout <-chan time.Time
	if d > 0 {
		timeout = time.After(d)
	}
	select {
	case <-timeout:
	case <-a.stopSignal:
	}

	path, err := s.Stop(context.Background())
	if err != nil {
		a.recFailed.Add(1)
		return err
	}
	a.recorded.Add(1)
	a.log.Info().Str("file", path).Msg("video")
	return nil
}

// previewLog reports the preview size once.
type previewLog struct {
	log  *logger.Logger
	seen atomic.Bool
}

func (p *previewLog) Preview(side camera.LensSide, img image.Image) {
	if p.seen.CompareAndSwap(false, true) {
		p.log.Info().Msgf("preview %v: %v", side, img.Bounds().Size())
	}
}

func main() {
	thread.MainWrapMaybe(run)
}
