package autoframe

import (
	"math"
	"testing"

	"github.com/lumakit/go-matte/pkg/mask"
)

// centeredMask builds a mask with a person block of the given normalized
// width/height centered at (0.5, 0.5).
func centeredMask(size int, w, h float64) *mask.Mask {
	m := mask.New(size, size)
	x0 := int((0.5 - w/2) * float64(size))
	x1 := int((0.5 + w/2) * float64(size))
	y0 := int((0.5 - h/2) * float64(size))
	y1 := int((0.5 + h/2) * float64(size))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m.Set(x, y, 1)
		}
	}
	return m
}

func TestFirstMaskSnaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxZoom = 3.5
	cfg.Padding = 0
	f := New(cfg)

	crop := f.UpdateFromMask(centeredMask(100, 0.3, 0.3))
	// Target zoom = 0.9 / 0.3 = 3.0; first update snaps straight there.
	if math.Abs(crop.Zoom-3.0) > 0.15 {
		t.Errorf("zoom = %v, want ~3.0", crop.Zoom)
	}
	if math.Abs(crop.W-crop.H) > 1e-12 {
		t.Errorf("crop not square: %+v", crop)
	}
}

func TestZoomClampedToMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxZoom = 1.5
	f := New(cfg)

	crop := f.UpdateFromMask(centeredMask(100, 0.3, 0.3))
	if crop.Zoom > 1.5+1e-9 {
		t.Errorf("zoom %v exceeds max", crop.Zoom)
	}
}

func TestSmoothingApproach(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxZoom = 3.5
	cfg.Padding = 0
	cfg.DeadZone = 0
	f := New(cfg)

	// Widths wobble around 0.3; the smoothed crop must converge toward
	// zoom 3.0 with factor 0.75 per update after the initial snap.
	widths := []float64{0.3, 0.302, 0.299, 0.298}
	var crops []CropRect
	for _, w := range widths {
		crops = append(crops, f.UpdateFromMask(centeredMask(200, w, w)))
	}

	for i, c := range crops {
		if math.Abs(c.Zoom-3.0) > 0.25 {
			t.Errorf("update %d: zoom %v drifted from 3.0", i, c.Zoom)
		}
	}
	// Consecutive crops move by at most (1-s) of the remaining distance:
	// changes should be small.
	for i := 1; i < len(crops); i++ {
		if d := math.Abs(crops[i].W - crops[i-1].W); d > 0.05 {
			t.Errorf("update %d: crop width jumped by %v", i, d)
		}
	}
}

func TestInvariants_SquareAndBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxZoom = 2.0
	f := New(cfg)

	sizes := []float64{0.1, 0.5, 0.9, 0.25}
	for _, s := range sizes {
		crop := f.UpdateFromMask(centeredMask(100, s, s))
		if math.Abs(crop.W-crop.H) > 1e-12 {
			t.Fatalf("crop not square: %+v", crop)
		}
		if crop.W < 1/cfg.MaxZoom-1e-9 || crop.W > 1/cfg.MinZoom+1e-9 {
			t.Fatalf("crop size %v outside [1/maxZoom, 1/minZoom]", crop.W)
		}
		if !crop.Rect().Valid() {
			t.Fatalf("crop outside frame: %+v", crop)
		}
	}
}

func TestEmptyMaskHoldsCrop(t *testing.T) {
	f := New(DefaultConfig())
	before := f.UpdateFromMask(centeredMask(100, 0.4, 0.4))

	after := f.UpdateFromMask(mask.New(100, 100))
	if after != before {
		t.Errorf("empty mask moved the crop: %+v -> %+v", before, after)
	}
}

func TestTinyBBoxHoldsCrop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Padding = 0
	f := New(cfg)
	before := f.UpdateFromMask(centeredMask(100, 0.4, 0.4))

	// 0.05 x 0.05 person: area 0.0025 < 0.01 threshold.
	after := f.UpdateFromMask(centeredMask(100, 0.05, 0.05))
	if after != before {
		t.Errorf("tiny bbox moved the crop")
	}
}

func TestDeadZoneSuppressesJitter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeadZone = 0.05
	cfg.Padding = 0
	f := New(cfg)

	first := f.UpdateFromMask(centeredMask(200, 0.4, 0.4))
	// A sub-pixel wobble stays inside the dead zone.
	second := f.UpdateFromMask(centeredMask(200, 0.405, 0.405))
	if second != first {
		t.Errorf("dead zone failed: %+v -> %+v", first, second)
	}
}

func TestNonContinuousFreezes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Continuous = false
	cfg.DeadZone = 0
	f := New(cfg)

	for i := 0; i <= settleFrames; i++ {
		f.UpdateFromMask(centeredMask(100, 0.4, 0.4))
	}
	frozen := f.Current()

	// Subject moves but the settled crop must not.
	m := mask.New(100, 100)
	for y := 10; y < 50; y++ {
		for x := 5; x < 45; x++ {
			m.Set(x, y, 1)
		}
	}
	after := f.UpdateFromMask(m)
	if after != frozen {
		t.Errorf("non-continuous framer kept moving")
	}
}

func TestDisabledReturnsIdentity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	f := New(cfg)

	crop := f.UpdateFromMask(centeredMask(100, 0.3, 0.3))
	if crop.Zoom != 1 || crop.W != 1 {
		t.Errorf("disabled framer moved: %+v", crop)
	}
}

func TestUpdateFromFace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxZoom = 3.0
	f := New(cfg)

	face := mask.Rect{X: 0.45, Y: 0.2, W: 0.1, H: 0.12}
	crop := f.UpdateFromFace(face)
	if crop.Zoom <= 1 {
		t.Errorf("face framing should zoom in, got %+v", crop)
	}
	if !crop.Rect().Valid() {
		t.Errorf("face crop outside frame: %+v", crop)
	}

	// The crop should cover the face.
	if face.X < crop.X || face.X+face.W > crop.X+crop.W {
		t.Errorf("face outside crop horizontally: face %+v crop %+v", face, crop)
	}
}

func TestReset(t *testing.T) {
	f := New(DefaultConfig())
	f.UpdateFromMask(centeredMask(100, 0.4, 0.4))
	f.Reset()
	c := f.Current()
	if c.Zoom != 1 || c.X != 0 || c.Y != 0 {
		t.Errorf("reset did not restore identity: %+v", c)
	}
}
