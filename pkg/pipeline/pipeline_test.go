package pipeline

import (
	"image"
	"testing"

	"github.com/lumakit/go-matte/pkg/mask"
)

func TestCropActive(t *testing.T) {
	p := &Pipeline{}
	if p.cropActive() {
		t.Error("no rect set, crop must be inactive")
	}

	full := mask.FullFrame
	p.SetCropRect(&full)
	if p.cropActive() {
		t.Error("full-frame rect must not trigger the crop pass")
	}

	r := mask.Rect{X: 0.1, Y: 0.1, W: 0.5, H: 0.5}
	p.SetCropRect(&r)
	if !p.cropActive() {
		t.Error("sub-frame rect must trigger the crop pass")
	}

	p.SetCropRect(nil)
	if p.cropActive() {
		t.Error("clearing the rect must disable the crop pass")
	}
}

func TestSetCropRect_Clamps(t *testing.T) {
	p := &Pipeline{}
	r := mask.Rect{X: 0.9, Y: 0.9, W: 0.5, H: 0.5}
	p.SetCropRect(&r)
	if !p.cropRect.Valid() {
		t.Errorf("stored crop rect invalid: %+v", p.cropRect)
	}
	// The caller's rect must not be mutated.
	if r.X != 0.9 {
		t.Error("SetCropRect mutated the caller's rect")
	}
}

func TestModeInfo(t *testing.T) {
	p := &Pipeline{}

	p.bg = BlurBackground{Radius: 2}
	mode, _, _, radius := p.modeInfo()
	if mode != modeBlur || radius != 4 {
		t.Errorf("blur: mode=%v radius=%v", mode, radius)
	}

	p.bg = ColorBackground{R: 255, G: 0, B: 0, Fixed: true}
	mode, color, fixed, _ := p.modeInfo()
	if mode != modeColor || color[0] != 1 || color[1] != 0 || !fixed {
		t.Errorf("color: mode=%v color=%v fixed=%v", mode, color, fixed)
	}

	p.bg = ImageBackground{Fixed: true}
	mode, _, fixed, _ = p.modeInfo()
	if mode != modeImage || !fixed {
		t.Errorf("image: mode=%v fixed=%v", mode, fixed)
	}
}

func TestSetColorMatchGain_ClampsAndDirties(t *testing.T) {
	p := &Pipeline{matchGain: [3]float64{1, 1, 1}}
	p.SetColorMatchGain(0.1, 1.0, 5.0)
	if p.matchGain != [3]float64{0.7, 1.0, 1.4} {
		t.Errorf("gain = %v", p.matchGain)
	}
	if !p.gainDirty {
		t.Error("gain change must mark dirty")
	}

	p.gainDirty = false
	p.SetColorMatchGain(0.7, 1.0, 1.4)
	if p.gainDirty {
		t.Error("unchanged gain must not mark dirty")
	}
}

func TestFrameFromRGBA(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	img.Pix[0] = 200
	f := FromRGBA(img, 123)
	if f.Width != 8 || f.Height != 4 || f.TimestampMs != 123 {
		t.Errorf("frame = %+v", f)
	}
	// Tight stride shares the backing array.
	if &f.Pixels[0] != &img.Pix[0] {
		t.Error("tight-stride frame should not copy")
	}
	if !f.Valid() {
		t.Error("frame should be valid")
	}

	var zero Frame
	if zero.Valid() {
		t.Error("zero frame must be invalid")
	}
}

func TestDefaultTunables(t *testing.T) {
	tun := DefaultTunables()
	if tun.AppearRate <= tun.DisappearRate {
		t.Error("appear rate must exceed disappear rate (temporal hysteresis)")
	}
	if tun.Softness != 0.25 {
		t.Errorf("softness = %v, want 0.25", tun.Softness)
	}
}
