package compositor

import (
	"errors"
	"image"

	"github.com/horizonfpv/stereocam/pkg/camera"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// SoftwareRenderer composes frames on the CPU.
// Each eye is drawn into its half through the texture transform
// of the frame, like the shader does.
type SoftwareRenderer struct {
	// Interpolator is used for the transform, bilinear by default.
	Interpolator draw.Interpolator

	w, h int
	out  *image.RGBA
}

func (r *SoftwareRenderer) Init(eyeWidth, eyeHeight int) error {
	if eyeWidth <= 0 || eyeHeight <= 0 {
		return errors.New("compositor: bad eye size")
	}
	r.w, r.h = eyeWidth, eyeHeight
	r.out = image.NewRGBA(image.Rect(0, 0, 2*eyeWidth, eyeHeight))
	if r.Interpolator == nil {
		r.Interpolator = draw.ApproxBiLinear
	}
	return nil
}

func (r *SoftwareRenderer) Draw(left, right *camera.TextureFrame) (*image.RGBA, error) {
	if r.out == nil {
		return nil, ErrNotReady
	}
	for i, f := range [2]*camera.TextureFrame{left, right} {
		if err := r.drawEye(f, i*r.w); err != nil {
			return nil, err
		}
	}
	return r.out, nil
}

func (r *SoftwareRenderer) drawEye(f *camera.TextureFrame, x0 int) error {
	src, err := f.RGBA()
	if err != nil {
		return err
	}
	half := r.out.SubImage(image.Rect(x0, 0, x0+r.w, r.h)).(*image.RGBA)
	draw.Draw(half, half.Bounds(), image.Black, image.Point{}, draw.Src)

	s2d, err := eyeTransform(f.Transform, src.Bounds().Dx(), src.Bounds().Dy(), r.w, r.h)
	if err != nil {
		return err
	}
	s2d[2] += float64(x0)
	r.Interpolator.Transform(half, s2d, src, src.Bounds(), draw.Src, nil)
	return nil
}

func (r *SoftwareRenderer) Deinit() { r.out = nil }

// eyeTransform turns a texture matrix into the source to eye affine transform.
// Texture coordinates go bottom-up, image rows go top-down.
func eyeTransform(m camera.Matrix, sw, sh, w, h int) (f64.Aff3, error) {
	fw, fh, sW, sH := float64(w), float64(h), float64(sw), float64(sh)
	m0, m1, m4, m5 := float64(m[0]), float64(m[1]), float64(m[4]), float64(m[5])
	m12, m13 := float64(m[12]), float64(m[13])

	// eye pixel -> source pixel
	a := sW * m0 / fw
	b := -sW * m4 / fh
	c := sW * (m4 + m12)
	d := -sH * m1 / fw
	e := sH * m5 / fh
	g := sH - sH*(m5+m13)

	det := a*e - b*d
	if det == 0 {
		return f64.Aff3{}, errors.New("compositor: degenerate texture transform")
	}
	return f64.Aff3{
		e / det, -b / det, (b*g - e*c) / det,
		-d / det, a / det, (d*c - a*g) / det,
	}, nil
}
