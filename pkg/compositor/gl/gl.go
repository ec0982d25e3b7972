// Package gl composes stereo frames with OpenGL 2.1.
//
// It needs a hidden SDL window for the context and must be driven from
// a single thread, the compositor render thread does that.
package gl

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/go-gl/gl/v2.1/gl"
	"github.com/horizonfpv/stereocam/pkg/camera"
	"github.com/horizonfpv/stereocam/pkg/logger"
	"github.com/horizonfpv/stereocam/pkg/thread"
	"github.com/veandco/go-sdl2/sdl"
)

const vertexShader = `
#version 120
attribute vec2 aPos;
attribute vec2 aTex;
uniform mat4 uTexMatrix;
varying vec2 vTex;
void main() {
	gl_Position = vec4(aPos, 0.0, 1.0);
	vTex = (uTexMatrix * vec4(aTex, 0.0, 1.0)).xy;
}
` + "\x00"

const fragmentShader = `
#version 120
uniform sampler2D uTex;
varying vec2 vTex;
void main() {
	gl_FragColor = texture2D(uTex, vTex);
}
` + "\x00"

// Two quads, x y s t per vertex, drawn as triangle strips.
// The bottom of the framebuffer gets the top image row,
// so read back rows come out top-down.
var quads = [2][16]float32{
	{
		-1, -1, 0, 0,
		0, -1, 1, 0,
		-1, 1, 0, 1,
		0, 1, 1, 1,
	},
	{
		0, -1, 0, 0,
		1, -1, 1, 0,
		0, 1, 0, 1,
		1, 1, 1, 1,
	},
}

type Renderer struct {
	log *logger.Logger

	win *sdl.Window
	ctx sdl.GLContext

	program    uint32
	aPos, aTex uint32
	uMatrix    int32
	uTex       int32
	vbo        [2]uint32
	tex        [2]uint32
	fbo, color uint32

	w, h int32
	out  *image.RGBA
}

func New(log *logger.Logger) *Renderer {
	if log == nil {
		log = logger.Nop()
	}
	return &Renderer{log: log.Component("gl")}
}

func (r *Renderer) Init(eyeWidth, eyeHeight int) error {
	if eyeWidth <= 0 || eyeHeight <= 0 {
		return errors.New("gl: bad eye size")
	}
	r.w, r.h = int32(eyeWidth), int32(eyeHeight)

	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return fmt.Errorf("sdl: %w", err)
	}
	_ = sdl.GLSetAttribute(sdl.GL_CONTEXT_MAJOR_VERSION, 2)
	_ = sdl.GLSetAttribute(sdl.GL_CONTEXT_MINOR_VERSION, 1)

	var err error
	// window and context creation on macOS has to happen in the main thread
	thread.MainMaybe(func() { err = r.createWindow() })
	if err != nil {
		sdl.Quit()
		return err
	}
	if err = r.win.GLMakeCurrent(r.ctx); err != nil {
		r.destroyWindow()
		return fmt.Errorf("sdl: %w", err)
	}
	if err = gl.InitWithProcAddrFunc(sdl.GLGetProcAddress); err != nil {
		r.destroyWindow()
		return fmt.Errorf("gl: %w", err)
	}
	r.log.Debug().
		Str("vendor", gl.GoStr(gl.GetString(gl.VENDOR))).
		Str("renderer", gl.GoStr(gl.GetString(gl.RENDERER))).
		Str("version", gl.GoStr(gl.GetString(gl.VERSION))).
		Msg("OpenGL context")

	if err = r.initProgram(); err != nil {
		r.destroyWindow()
		return err
	}
	if err = r.initTargets(); err != nil {
		r.Deinit()
		return err
	}
	r.out = image.NewRGBA(image.Rect(0, 0, 2*eyeWidth, eyeHeight))
	return nil
}

// createWindow creates a fake window for the context.
func (r *Renderer) createWindow() (err error) {
	if r.win, err = sdl.CreateWindow("stereocam", sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED,
		1, 1, sdl.WINDOW_OPENGL|sdl.WINDOW_HIDDEN); err != nil {
		return fmt.Errorf("sdl window: %w", err)
	}
	if r.ctx, err = r.win.GLCreateContext(); err != nil {
		_ = r.win.Destroy()
		r.win = nil
		return fmt.Errorf("sdl context: %w", err)
	}
	return nil
}

func (r *Renderer) destroyWindow() {
	if r.win == nil {
		return
	}
	sdl.GLDeleteContext(r.ctx)
	thread.MainMaybe(func() {
		if err := r.win.Destroy(); err != nil {
			r.log.Warn().Err(err).Msg("couldn't destroy the window")
		}
	})
	r.win = nil
	sdl.Quit()
}

func (r *Renderer) initProgram() error {
	vs, err := compile(vertexShader, gl.VERTEX_SHADER)
	if err != nil {
		return err
	}
	fs, err := compile(fragmentShader, gl.FRAGMENT_SHADER)
	if err != nil {
		gl.DeleteShader(vs)
		return err
	}
	p := gl.CreateProgram()
	gl.AttachShader(p, vs)
	gl.AttachShader(p, fs)
	gl.LinkProgram(p)
	gl.DeleteShader(vs)
	gl.DeleteShader(fs)

	var status int32
	gl.GetProgramiv(p, gl.LINK_STATUS, &status)
	if status == gl.FALSE {
		var n int32
		gl.GetProgramiv(p, gl.INFO_LOG_LENGTH, &n)
		msg := strings.Repeat("\x00", int(n+1))
		gl.GetProgramInfoLog(p, n, nil, gl.Str(msg))
		gl.DeleteProgram(p)
		return fmt.Errorf("gl: link program: %v", msg)
	}
	r.program = p
	r.aPos = uint32(gl.GetAttribLocation(p, gl.Str("aPos\x00")))
	r.aTex = uint32(gl.GetAttribLocation(p, gl.Str("aTex\x00")))
	r.uMatrix = gl.GetUniformLocation(p, gl.Str("uTexMatrix\x00"))
	r.uTex = gl.GetUniformLocation(p, gl.Str("uTex\x00"))
	return nil
}

func compile(src string, kind uint32) (uint32, error) {
	s := gl.CreateShader(kind)
	csrc, free := gl.Strs(src)
	gl.ShaderSource(s, 1, csrc, nil)
	free()
	gl.CompileShader(s)

	var status int32
	gl.GetShaderiv(s, gl.COMPILE_STATUS, &status)
	if status == gl.FALSE {
		var n int32
		gl.GetShaderiv(s, gl.INFO_LOG_LENGTH, &n)
		msg := strings.Repeat("\x00", int(n+1))
		gl.GetShaderInfoLog(s, n, nil, gl.Str(msg))
		gl.DeleteShader(s)
		return 0, fmt.Errorf("gl: compile shader: %v", msg)
	}
	return s, nil
}

// initTargets makes eye textures, quad buffers and the offscreen framebuffer.
func (r *Renderer) initTargets() error {
	gl.GenTextures(2, &r.tex[0])
	for _, t := range r.tex {
		gl.BindTexture(gl.TEXTURE_2D, t)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	}

	gl.GenBuffers(2, &r.vbo[0])
	for i, b := range r.vbo {
		gl.BindBuffer(gl.ARRAY_BUFFER, b)
		gl.BufferData(gl.ARRAY_BUFFER, len(quads[i])*4, gl.Ptr(&quads[i][0]), gl.STATIC_DRAW)
	}
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)

	gl.GenTextures(1, &r.color)
	gl.BindTexture(gl.TEXTURE_2D, r.color)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, 2*r.w, r.h, 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
	gl.BindTexture(gl.TEXTURE_2D, 0)

	gl.GenFramebuffers(1, &r.fbo)
	gl.BindFramebuffer(gl.FRAMEBUFFER, r.fbo)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.COLOR_ATTACHMENT0, gl.TEXTURE_2D, r.color, 0)
	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	if status != gl.FRAMEBUFFER_COMPLETE {
		return fmt.Errorf("gl: framebuffer status 0x%X, error 0x%X", status, gl.GetError())
	}
	return nil
}

func (r *Renderer) Draw(left, right *camera.TextureFrame) (*image.RGBA, error) {
	if r.out == nil {
		return nil, errors.New("gl: renderer is not initialized")
	}

	gl.BindFramebuffer(gl.FRAMEBUFFER, r.fbo)
	gl.Viewport(0, 0, 2*r.w, r.h)
	gl.ClearColor(0, 0, 0, 1)
	gl.Clear(gl.COLOR_BUFFER_BIT)
	gl.UseProgram(r.program)
	gl.ActiveTexture(gl.TEXTURE0)
	gl.Uniform1i(r.uTex, 0)

	for i, f := range [2]*camera.TextureFrame{left, right} {
		pix, err := f.Pixels()
		if err != nil {
			gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
			return nil, err
		}
		gl.BindTexture(gl.TEXTURE_2D, r.tex[i])
		gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA8, int32(f.Width), int32(f.Height), 0, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(pix))
		m := f.Transform
		gl.UniformMatrix4fv(r.uMatrix, 1, false, &m[0])

		gl.BindBuffer(gl.ARRAY_BUFFER, r.vbo[i])
		gl.EnableVertexAttribArray(r.aPos)
		gl.VertexAttribPointer(r.aPos, 2, gl.FLOAT, false, 16, gl.PtrOffset(0))
		gl.EnableVertexAttribArray(r.aTex)
		gl.VertexAttribPointer(r.aTex, 2, gl.FLOAT, false, 16, gl.PtrOffset(8))
		gl.DrawArrays(gl.TRIANGLE_STRIP, 0, 4)
	}
	gl.DisableVertexAttribArray(r.aPos)
	gl.DisableVertexAttribArray(r.aTex)
	gl.BindBuffer(gl.ARRAY_BUFFER, 0)

	gl.ReadPixels(0, 0, 2*r.w, r.h, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(&r.out.Pix[0]))
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)

	if e := gl.GetError(); e != gl.NO_ERROR {
		return nil, fmt.Errorf("gl: error 0x%X", e)
	}
	return r.out, nil
}

func (r *Renderer) Deinit() {
	if r.win == nil {
		return
	}
	if r.fbo != 0 {
		gl.DeleteFramebuffers(1, &r.fbo)
		gl.DeleteTextures(1, &r.color)
	}
	gl.DeleteBuffers(2, &r.vbo[0])
	gl.DeleteTextures(2, &r.tex[0])
	if r.program != 0 {
		gl.DeleteProgram(r.program)
	}
	r.fbo, r.color, r.program = 0, 0, 0
	r.out = nil
	r.destroyWindow()
	r.log.Debug().Msg("OpenGL context is released")
}
