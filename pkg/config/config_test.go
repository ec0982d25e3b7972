package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/horizonfpv/stereocam/pkg/logger"
)

func TestDefaults(t *testing.T) {
	var conf Config
	if err := LoadConfigEnv(&conf); err != nil {
		t.Fatal(err)
	}

	if conf.Camera.LeftID != "50" || conf.Camera.RightID != "51" {
		t.Errorf("wrong lens ids %v/%v", conf.Camera.LeftID, conf.Camera.RightID)
	}
	if conf.Camera.OpenTimeout != 3*time.Second {
		t.Errorf("wrong open timeout %v", conf.Camera.OpenTimeout)
	}
	if conf.Encoder.Video.Bitrate != 14000000 || conf.Encoder.Video.FrameRate != 30 {
		t.Errorf("wrong video defaults %+v", conf.Encoder.Video)
	}
	a := conf.Encoder.Audio
	if a.Channels != 2 || a.SampleRate != 48000 || a.Bitrate != 256000 {
		t.Errorf("wrong audio defaults %+v", a)
	}
	if conf.Output.Suffix != "_3D_LR" || conf.Output.JpegQuality != 100 {
		t.Errorf("wrong output defaults %+v", conf.Output)
	}
	if conf.Compositor.MaxSkew != 0 || conf.Pairing.MaxSkew != 0 {
		t.Errorf("skew check should be off by default")
	}
	if err := conf.Validate(); err != nil {
		t.Error(err)
	}
}

func TestConfigEnv(t *testing.T) {
	t.Setenv("STEREOCAM_CAMERA_WIDTH", "1280")
	t.Setenv("STEREOCAM_PAIRING_MAXSKEW", "15ms")

	var conf Config
	if err := LoadConfigEnv(&conf); err != nil {
		t.Fatal(err)
	}
	if conf.Camera.Width != 1280 {
		t.Errorf("width %v is not 1280", conf.Camera.Width)
	}
	if conf.Pairing.MaxSkew != 15*time.Millisecond {
		t.Errorf("max skew %v is not 15ms", conf.Pairing.MaxSkew)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		fn   func(c *Config)
	}{
		{name: "same ids", fn: func(c *Config) { c.Camera.RightID = c.Camera.LeftID }},
		{name: "no id", fn: func(c *Config) { c.Camera.LeftID = "" }},
		{name: "zero width", fn: func(c *Config) { c.Camera.Width = 0 }},
		{name: "bad quality", fn: func(c *Config) { c.Output.JpegQuality = 101 }},
		{name: "negative skew", fn: func(c *Config) { c.Pairing.MaxSkew = -time.Millisecond }},
		{name: "no fps", fn: func(c *Config) { c.Encoder.Video.FrameRate = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var conf Config
			if err := LoadConfigEnv(&conf); err != nil {
				t.Fatal(err)
			}
			tt.fn(&conf)
			if err := conf.Validate(); err == nil {
				t.Errorf("expected an error")
			}
		})
	}
}

func TestExpandSpecialTags(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	conf := Config{Output: Output{Root: "{user}/media"}}
	if err = conf.expandSpecialTags(); err != nil {
		t.Fatal(err)
	}
	if want := filepath.FromSlash(home + "/media"); conf.Output.Root != want {
		t.Errorf("root %v != %v", conf.Output.Root, want)
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan Config, 4)
	w, err := Watch(dir, func(c Config) { changes <- c }, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	data := []byte("camera:\n  width: 640\n  height: 480\n")
	if err = os.WriteFile(filepath.Join(dir, fileName), data, 0644); err != nil {
		t.Fatal(err)
	}

	// the file may be seen half-written first
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Camera.Width == 640 && c.Camera.Height == 480 {
				return
			}
		case <-timeout:
			t.Fatal("no reload")
		}
	}
}
