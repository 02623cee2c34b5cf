package pipeline

import (
	"testing"

	"github.com/lumakit/go-matte/pkg/gpu"
	"github.com/lumakit/go-matte/pkg/mask"
)

// These tests dispatch the real GPU chain and read the output back. They
// skip on machines without a usable adapter.

func newTestPipeline(t *testing.T, bg Background) *Pipeline {
	t.Helper()
	if !gpu.Available() {
		t.Skip("no GPU adapter available")
	}
	p := New()
	err := p.Init(Config{
		Width: 64, Height: 64,
		MaskWidth: 32, MaskHeight: 32,
		Background: bg,
		Tunables:   DefaultTunables(),
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(p.Destroy)
	return p
}

func solidFrame(w, h int, r, g, b byte) *Frame {
	f := &Frame{Width: w, Height: h, Pixels: make([]byte, w*h*4)}
	for i := 0; i < w*h; i++ {
		f.Pixels[i*4] = r
		f.Pixels[i*4+1] = g
		f.Pixels[i*4+2] = b
		f.Pixels[i*4+3] = 255
	}
	return f
}

func checkerFrame(w, h int) *Frame {
	f := &Frame{Width: w, Height: h, Pixels: make([]byte, w*h*4)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte(0)
			if (x/4+y/4)%2 == 0 {
				v = 255
			}
			i := (y*w + x) * 4
			f.Pixels[i], f.Pixels[i+1], f.Pixels[i+2], f.Pixels[i+3] = v, v, v, 255
		}
	}
	return f
}

func uniformMask(w, h int, v float32) *mask.Mask {
	m := mask.New(w, h)
	for i := range m.Data {
		m.Data[i] = v
	}
	return m
}

func TestProcess_ColorMode_EmptyMask(t *testing.T) {
	p := newTestPipeline(t, ColorBackground{R: 0, G: 0, B: 0})

	surface, err := p.Process(solidFrame(64, 64, 255, 255, 255), uniformMask(32, 32, 0), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	pix, err := surface.ReadRGBA()
	if err != nil {
		t.Fatalf("readback: %v", err)
	}
	for i := 0; i < len(pix); i += 4 {
		if pix[i] > 2 || pix[i+1] > 2 || pix[i+2] > 2 {
			t.Fatalf("pixel %d not black: %v", i/4, pix[i:i+3])
		}
	}
}

func TestProcess_ColorMode_FullMask(t *testing.T) {
	p := newTestPipeline(t, ColorBackground{R: 0, G: 0, B: 0})

	surface, err := p.Process(solidFrame(64, 64, 255, 255, 255), uniformMask(32, 32, 1), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	pix, err := surface.ReadRGBA()
	if err != nil {
		t.Fatalf("readback: %v", err)
	}
	for i := 0; i < len(pix); i += 4 {
		if pix[i] < 253 || pix[i+1] < 253 || pix[i+2] < 253 {
			t.Fatalf("pixel %d not white: %v", i/4, pix[i:i+3])
		}
	}
}

func TestProcess_BlurMode_CenterSquare(t *testing.T) {
	p := newTestPipeline(t, BlurBackground{Radius: 4})

	m := mask.New(32, 32)
	for y := 8; y < 24; y++ {
		for x := 8; x < 24; x++ {
			m.Set(x, y, 1)
		}
	}
	if cov := m.Coverage(); cov != 0.25 {
		t.Fatalf("mask coverage = %v, want 0.25", cov)
	}

	frame := checkerFrame(64, 64)
	surface, err := p.Process(frame, m, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	pix, err := surface.ReadRGBA()
	if err != nil {
		t.Fatalf("readback: %v", err)
	}

	// Outer region must be lower-variance than the raw checkerboard: the
	// corner 8x8 block of a 4px checker has full-range variance when
	// sharp, and collapses toward mid-gray when blurred.
	varCorner := regionVariance(pix, 64, 0, 0, 8, 8)
	varRaw := regionVariance(frame.Pixels, 64, 0, 0, 8, 8)
	if varCorner >= varRaw/2 {
		t.Errorf("corner variance %v not reduced vs raw %v", varCorner, varRaw)
	}
}

func regionVariance(pix []byte, stride, x0, y0, w, h int) float64 {
	var sum, sum2 float64
	n := 0
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			v := float64(pix[(y*stride+x)*4])
			sum += v
			sum2 += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sum2/float64(n) - mean*mean
}

func TestPreviousMask_PersistsAcrossCalls(t *testing.T) {
	p := newTestPipeline(t, ColorBackground{R: 0, G: 0, B: 0})

	// First fresh mask is adopted verbatim (first-frame alpha=1), so a
	// following interpolated frame with zero shift composites with it.
	surface, err := p.Process(solidFrame(64, 64, 255, 255, 255), uniformMask(32, 32, 1), nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := surface.ReadRGBA(); err != nil {
		t.Fatalf("readback: %v", err)
	}
	if p.FirstFrame() {
		t.Error("first-frame flag must clear after one dispatch")
	}

	surface, err = p.ProcessInterpolated(solidFrame(64, 64, 255, 255, 255), 0, 0)
	if err != nil {
		t.Fatalf("interpolated: %v", err)
	}
	pix, err := surface.ReadRGBA()
	if err != nil {
		t.Fatalf("readback: %v", err)
	}
	for i := 0; i < len(pix); i += 4 {
		if pix[i] < 253 {
			t.Fatalf("interpolated output lost the persisted mask at %d: %v", i/4, pix[i:i+3])
		}
	}
}

func TestProcess_RejectsBadInput(t *testing.T) {
	p := newTestPipeline(t, ColorBackground{})

	if _, err := p.Process(&Frame{}, uniformMask(32, 32, 1), nil); err == nil {
		t.Error("zero-sized frame must fail upload")
	}
	if _, err := p.Process(solidFrame(64, 64, 0, 0, 0), uniformMask(16, 16, 1), nil); err == nil {
		t.Error("wrong mask size must be rejected")
	}
}
