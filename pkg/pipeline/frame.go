package pipeline

import (
	"image"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/lumakit/go-matte/pkg/gpu"
)

// Frame is one camera image handed to the engine. Pixels is tightly packed
// RGBA, Width*Height*4 bytes. The pipeline never retains a frame past the
// call that received it; on the processor's worker path the pixel buffer
// stays with the worker until its result is polled.
type Frame struct {
	Width  int
	Height int
	Pixels []byte
	// TimestampMs is a monotonic capture timestamp in milliseconds.
	TimestampMs float64
}

// FromRGBA wraps an image.RGBA without copying when its stride is tight.
func FromRGBA(img *image.RGBA, timestampMs float64) *Frame {
	b := img.Bounds()
	f := &Frame{Width: b.Dx(), Height: b.Dy(), TimestampMs: timestampMs}
	if img.Stride == f.Width*4 {
		f.Pixels = img.Pix
		return f
	}
	f.Pixels = make([]byte, f.Width*f.Height*4)
	for y := 0; y < f.Height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]
		copy(f.Pixels[y*f.Width*4:], row)
	}
	return f
}

// Valid reports whether the frame can be uploaded as a 2D texture.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pixels) >= f.Width*f.Height*4
}

// Surface is the composited output of one pipeline dispatch. It stays valid
// until the next Process/ProcessInterpolated call on the same pipeline.
type Surface struct {
	ctx    *gpu.Context
	tex    *wgpu.Texture
	Width  int
	Height int
}

// Texture exposes the underlying GPU texture for downstream encode/display.
func (s *Surface) Texture() *wgpu.Texture { return s.tex }

// ReadRGBA copies the surface back to the CPU as tightly packed RGBA bytes.
func (s *Surface) ReadRGBA() ([]byte, error) {
	return s.ctx.ReadTextureRGBA(s.tex, s.Width, s.Height)
}

// ToImage reads the surface back into an image.RGBA.
func (s *Surface) ToImage() (*image.RGBA, error) {
	pix, err := s.ReadRGBA()
	if err != nil {
		return nil, err
	}
	return &image.RGBA{
		Pix:    pix,
		Stride: s.Width * 4,
		Rect:   image.Rect(0, 0, s.Width, s.Height),
	}, nil
}
