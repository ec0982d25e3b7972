package camera

import (
	"image"

	"github.com/hashicorp/go-multierror"
)

// session is the capture session of one side.
// It stamps the lens side on delivered frames and never outlives its device.
type session struct {
	side LensSide
	dev  Device
	live bool
}

func (s *session) configure(res Resolution, out Outputs) error {
	return s.dev.Configure(res, s.sided(out))
}

// sided binds outputs to the session side.
func (s *session) sided(out Outputs) Outputs {
	o := Outputs{}
	if out.Preview != nil {
		o.Preview = sidedPreview{side: s.side, t: out.Preview}
	}
	if out.Still != nil {
		o.Still = sidedStill{side: s.side, t: out.Still}
	}
	if out.Stream != nil {
		o.Stream = sidedStream{side: s.side, t: out.Stream}
	}
	return o
}

func (s *session) repeat(t Template) error {
	if err := s.dev.SetRepeating(t); err != nil {
		return err
	}
	s.live = true
	return nil
}

func (s *session) halt() error {
	if !s.live {
		return nil
	}
	s.live = false
	return s.dev.StopRepeating()
}

func (s *session) close() error {
	var err error
	if e := s.halt(); e != nil {
		err = multierror.Append(err, e)
	}
	if e := s.dev.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	return err
}

type sidedPreview struct {
	side LensSide
	t    PreviewTarget
}

func (p sidedPreview) Preview(_ LensSide, img image.Image) { p.t.Preview(p.side, img) }

type sidedStill struct {
	side LensSide
	t    StillTarget
}

func (p sidedStill) DeliverImage(f *ImageFrame) {
	f.Side = p.side
	p.t.DeliverImage(f)
}

type sidedStream struct {
	side LensSide
	t    StreamTarget
}

func (p sidedStream) DeliverTexture(f *TextureFrame) {
	f.Side = p.side
	p.t.DeliverTexture(f)
}
