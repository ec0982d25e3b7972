package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Config holds everything the capture pipeline needs at session-open time.
type Config struct {
	Camera     Camera
	Compositor Compositor
	Debug      bool
	Encoder    Encoder
	Monitoring Monitoring
	Output     Output
	Pairing    Pairing
}

type Camera struct {
	// Source selects the device provider: sim or gst.
	Source      string            `default:"sim"`
	LeftID      string            `default:"50"`
	RightID     string            `default:"51"`
	Devices     map[string]string // lens id -> device path (gst)
	Width       int               `default:"1920"`
	Height      int               `default:"1080"`
	Fps         int               `default:"30"`
	OpenTimeout time.Duration     `default:"3s"`
}

type Compositor struct {
	// Renderer is either software or gl.
	Renderer string `default:"software"`
	Queue    int    `default:"2"`
	// MaxSkew rejects pairs whose eyes are further apart in time, 0 disables.
	MaxSkew time.Duration
}

type Pairing struct {
	MaxSkew time.Duration
}

type Encoder struct {
	Video Video
	Audio Audio
}

type Video struct {
	Bitrate          int    `default:"14000000"`
	FrameRate        int    `default:"30"`
	KeyframeInterval int    `default:"30"`
	Preset           string `default:"veryfast"`
}

type Audio struct {
	Disabled   bool
	Channels   int `default:"2"`
	SampleRate int `default:"48000"`
	Bitrate    int `default:"256000"`
}

type Output struct {
	Root        string `default:"{user}/HorizonFPV"`
	TempDir     string
	PhotoDir    string `default:"Pictures/HorizonFPV"`
	VideoDir    string `default:"Movies/HorizonFPV"`
	Suffix      string `default:"_3D_LR"`
	JpegQuality int    `default:"100"`
	// Publisher is local or gcs.
	Publisher string `default:"local"`
	Gcs       struct {
		Bucket      string
		Prefix      string
		Credentials string
	}
}

type Monitoring struct {
	Port             int    `default:"6601"`
	URLPrefix        string
	MetricEnabled    bool
	ProfilingEnabled bool
}

func (m *Monitoring) IsEnabled() bool { return m.MetricEnabled || m.ProfilingEnabled }

// allows custom config path
var configPath string

// NewConfig loads the config from the default locations.
func NewConfig() (conf Config, err error) {
	if err = LoadConfig(&conf, configPath); err != nil {
		return
	}
	err = conf.expandSpecialTags()
	return
}

// WithFlags binds runtime flags with default values set to the current config params.
// Don't forget to call Parse on the flag set.
func (c *Config) WithFlags(fs *pflag.FlagSet) {
	fs.StringVar(&configPath, "config", configPath, "Set custom configuration directory")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logs")
	fs.StringVar(&c.Camera.Source, "source", c.Camera.Source, "Camera source [sim, gst]")
	fs.StringVar(&c.Camera.LeftID, "left", c.Camera.LeftID, "Left lens id")
	fs.StringVar(&c.Camera.RightID, "right", c.Camera.RightID, "Right lens id")
	fs.IntVar(&c.Camera.Width, "width", c.Camera.Width, "Single eye width")
	fs.IntVar(&c.Camera.Height, "height", c.Camera.Height, "Single eye height")
	fs.StringVar(&c.Compositor.Renderer, "renderer", c.Compositor.Renderer, "Compositor renderer [software, gl]")
	fs.StringVar(&c.Output.Root, "out", c.Output.Root, "Shared media root")
	fs.StringVar(&c.Output.Publisher, "publisher", c.Output.Publisher, "Output publisher [local, gcs]")
	fs.IntVar(&c.Monitoring.Port, "monitoring.port", c.Monitoring.Port, "Monitoring server port")
	fs.BoolVar(&c.Monitoring.MetricEnabled, "metrics", c.Monitoring.MetricEnabled, "Enable Prometheus metrics")
}

// Path returns the custom config directory if any.
func Path() string { return configPath }

// Validate checks values the pipeline can't work without.
func (c *Config) Validate() error {
	if c.Camera.LeftID == "" || c.Camera.RightID == "" {
		return fmt.Errorf("both lens ids are required")
	}
	if c.Camera.LeftID == c.Camera.RightID {
		return fmt.Errorf("lens ids must differ, got %v twice", c.Camera.LeftID)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("bad resolution %vx%v", c.Camera.Width, c.Camera.Height)
	}
	if c.Encoder.Video.FrameRate <= 0 || c.Encoder.Video.Bitrate <= 0 {
		return fmt.Errorf("bad video params: %v fps, %v bps", c.Encoder.Video.FrameRate, c.Encoder.Video.Bitrate)
	}
	if q := c.Output.JpegQuality; q < 1 || q > 100 {
		return fmt.Errorf("jpeg quality %v is out of [1, 100]", q)
	}
	if c.Compositor.MaxSkew < 0 || c.Pairing.MaxSkew < 0 {
		return fmt.Errorf("max skew can't be negative")
	}
	return nil
}

// TempPath returns the directory for unfinished files.
func (o *Output) TempPath() string {
	if o.TempDir != "" {
		return o.TempDir
	}
	return filepath.Join(os.TempDir(), "stereocam")
}

// expandSpecialTags replaces all the special tags in the config.
func (c *Config) expandSpecialTags() error {
	tag := "{user}"
	for _, dir := range []*string{&c.Output.Root, &c.Output.TempDir} {
		if *dir == "" || !strings.Contains(*dir, tag) {
			continue
		}
		userHomeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("couldn't read user home directory, %w", err)
		}
		*dir = strings.Replace(*dir, tag, userHomeDir, -1)
		*dir = filepath.FromSlash(*dir)
	}
	return nil
}
