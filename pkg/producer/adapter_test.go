package producer

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/lumakit/go-matte/pkg/mask"
	"github.com/lumakit/go-matte/pkg/pipeline"
)

// fakeProducer returns a scripted sequence of confidence maps.
type fakeProducer struct {
	w, h    int
	masks   [][]float32
	call    int
	failAll bool
	inputs  []*image.RGBA
}

func (f *fakeProducer) Produce(input *image.RGBA, _ float64) ([]ConfidenceMap, error) {
	cp := image.NewRGBA(input.Bounds())
	copy(cp.Pix, input.Pix)
	f.inputs = append(f.inputs, cp)

	if f.failAll {
		return nil, errors.New("model exploded")
	}
	idx := f.call
	if idx >= len(f.masks) {
		idx = len(f.masks) - 1
	}
	f.call++
	return []ConfidenceMap{NewFloatMap(f.w, f.h, f.masks[idx])}, nil
}

func (f *fakeProducer) Close() error { return nil }

// blockMask builds a w*h map with a rectangle of ones.
func blockMask(w, h, x0, y0, x1, y1 int) []float32 {
	m := make([]float32, w*h)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			m[y*w+x] = 1
		}
	}
	return m
}

func grayFrame(w, h int) *pipeline.Frame {
	f := &pipeline.Frame{Width: w, Height: h, Pixels: make([]byte, w*h*4)}
	for i := range f.Pixels {
		f.Pixels[i] = 128
	}
	return f
}

func TestPersonChannel(t *testing.T) {
	single := []ConfidenceMap{NewFloatMap(2, 1, []float32{0.2, 0.8})}
	got := personChannel(single, nil)
	if got[0] != 0.2 || got[1] != 0.8 {
		t.Errorf("single channel: %v", got)
	}

	// Multiclass: person = 1 - background (class 0).
	multi := []ConfidenceMap{
		NewFloatMap(2, 1, []float32{0.9, 0.1}), // background
		NewFloatMap(2, 1, []float32{0, 0}),
		NewFloatMap(2, 1, []float32{0, 0}),
	}
	got = personChannel(multi, got)
	if math.Abs(float64(got[0])-0.1) > 1e-6 || math.Abs(float64(got[1])-0.9) > 1e-6 {
		t.Errorf("multiclass: %v", got)
	}
}

func TestSegment_FullFrame(t *testing.T) {
	fake := &fakeProducer{w: 16, h: 16, masks: [][]float32{blockMask(16, 16, 4, 4, 12, 12)}}
	a := NewAdapter(fake, Config{ModelWidth: 16, ModelHeight: 16, MaskWidth: 32, MaskHeight: 32})

	res := a.Segment(grayFrame(64, 64), 0, nil)
	if res.Stale {
		t.Fatal("unexpected stale result")
	}
	if !res.HasPerson {
		t.Fatal("expected a person")
	}
	// The 16x16 model output upsamples 2x into the 32x32 full mask, so
	// the block [4,12) maps to [8,24).
	if res.Mask.At(16, 16) != 1 {
		t.Error("center should be inside the person")
	}
	if res.Mask.At(2, 2) != 0 {
		t.Error("corner should be background")
	}
	if res.BBox.MinX != 8 || res.BBox.MaxX != 23 {
		t.Errorf("bbox = %+v", res.BBox)
	}
	if res.Motion != nil {
		t.Error("first segmentation must not have a motion map")
	}
}

func TestSegment_ROIBackMap(t *testing.T) {
	// Model sees only the crop; its full-activation output must land in
	// the crop's rectangle of the full mask, zeros elsewhere.
	full := make([]float32, 16*16)
	for i := range full {
		full[i] = 1
	}
	fake := &fakeProducer{w: 16, h: 16, masks: [][]float32{full}}
	a := NewAdapter(fake, Config{ModelWidth: 16, ModelHeight: 16, MaskWidth: 32, MaskHeight: 32})

	crop := &mask.Rect{X: 0.25, Y: 0.25, W: 0.5, H: 0.5}
	res := a.Segment(grayFrame(64, 64), 0, crop)

	if res.Mask.At(16, 16) != 1 {
		t.Error("crop interior must carry the model output")
	}
	if res.Mask.At(2, 2) != 0 || res.Mask.At(30, 30) != 0 {
		t.Error("outside the crop must stay zero")
	}
	if res.BBox.MinX != 8 || res.BBox.MaxX != 23 || res.BBox.MinY != 8 || res.BBox.MaxY != 23 {
		t.Errorf("bbox = %+v", res.BBox)
	}

	r := a.PersonBBox(0)
	if r == nil || !r.Valid() {
		t.Fatalf("person bbox = %+v", r)
	}
	if math.Abs(r.X-0.25) > 0.04 || math.Abs(r.W-0.5) > 0.04 {
		t.Errorf("normalized bbox = %+v", r)
	}
}

func TestSegment_ProducerFailure(t *testing.T) {
	good := blockMask(16, 16, 4, 4, 12, 12)
	fake := &fakeProducer{w: 16, h: 16, masks: [][]float32{good}}
	a := NewAdapter(fake, Config{ModelWidth: 16, ModelHeight: 16, MaskWidth: 32, MaskHeight: 32})

	first := a.Segment(grayFrame(64, 64), 0, nil)
	if first.Stale {
		t.Fatal("first call should succeed")
	}

	fake.failAll = true
	second := a.Segment(grayFrame(64, 64), 16, nil)
	if !second.Stale {
		t.Fatal("failure must produce a stale result")
	}
	if second.Mask == nil {
		t.Fatal("stale result must carry the previous mask")
	}
	if !second.HasPerson {
		t.Error("stale result keeps the cached bbox")
	}
}

func TestSegment_FailureBeforeAnyMask(t *testing.T) {
	fake := &fakeProducer{w: 16, h: 16, failAll: true}
	a := NewAdapter(fake, Config{ModelWidth: 16, ModelHeight: 16, MaskWidth: 32, MaskHeight: 32})

	res := a.Segment(grayFrame(64, 64), 0, nil)
	if !res.Stale || res.Mask != nil {
		t.Errorf("expected stale nil-mask result, got %+v", res)
	}
	if a.PersonBBox(0) != nil {
		t.Error("no person should be cached")
	}
}

func TestMotionMap_AvailableFromSecondCall(t *testing.T) {
	m1 := blockMask(16, 16, 2, 2, 10, 10)
	m2 := blockMask(16, 16, 4, 2, 12, 10)
	fake := &fakeProducer{w: 16, h: 16, masks: [][]float32{m1, m2}}
	a := NewAdapter(fake, Config{ModelWidth: 16, ModelHeight: 16, MaskWidth: 16, MaskHeight: 16})

	if a.MotionMap() != nil {
		t.Error("motion map before any call")
	}
	a.Segment(grayFrame(64, 64), 0, nil)
	if a.MotionMap() != nil {
		t.Error("motion map after first call")
	}
	res := a.Segment(grayFrame(64, 64), 16, nil)
	if res.Motion == nil || a.MotionMap() == nil {
		t.Fatal("motion map missing after second call")
	}

	// The block moved 2 columns: entered and exited columns light up.
	motion := res.Motion
	if motion[5*16+2] == 0 {
		t.Error("vacated column should register motion")
	}
	if motion[5*16+11] == 0 {
		t.Error("entered column should register motion")
	}
	if motion[5*16+6] != 0 {
		t.Error("stable interior should not register motion")
	}
}

func TestCentroidVelocity_EMAConvergence(t *testing.T) {
	// Person block slides right by 2 px per model frame on a 100-wide
	// mask: raw centroid velocity 0.02 per frame.
	const w, h = 100, 100
	var masks [][]float32
	for i := 0; i < 4; i++ {
		x0 := 40 + i*2
		masks = append(masks, blockMask(w, h, x0, 30, x0+20, 70))
	}
	fake := &fakeProducer{w: w, h: h, masks: masks}
	a := NewAdapter(fake, Config{ModelWidth: w, ModelHeight: h, MaskWidth: w, MaskHeight: h})

	for i := 0; i < 4; i++ {
		a.Segment(grayFrame(200, 200), float64(i*33), nil)
	}

	mv := a.MotionVector()
	// v after seed+3 updates: 0.8*0.02, then EMA toward 0.02.
	if mv.VX[0] < 0.019 || mv.VX[0] > 0.0201 {
		t.Errorf("vx[0] = %v, want ~0.0198", mv.VX[0])
	}
	if math.Abs(mv.VY) > 1e-6 {
		t.Errorf("vy = %v, want 0 for horizontal motion", mv.VY)
	}
}

func TestReset_ClearsVelocityAndSeedsNext(t *testing.T) {
	const w, h = 100, 100
	masks := [][]float32{
		blockMask(w, h, 40, 30, 60, 70),
		blockMask(w, h, 44, 30, 64, 70),
		blockMask(w, h, 80, 30, 100, 70), // big jump after reset
	}
	fake := &fakeProducer{w: w, h: h, masks: masks}
	a := NewAdapter(fake, Config{ModelWidth: w, ModelHeight: h, MaskWidth: w, MaskHeight: h})

	a.Segment(grayFrame(200, 200), 0, nil)
	a.Segment(grayFrame(200, 200), 33, nil)
	if a.MotionVector().VX[0] == 0 {
		t.Fatal("expected nonzero velocity before reset")
	}

	a.Reset()
	mv := a.MotionVector()
	if mv.VX != [3]float64{} || mv.VY != 0 {
		t.Errorf("velocities not cleared: %+v", mv)
	}

	// First detection after reset seeds only: the far-away block must not
	// produce a velocity spike.
	a.Segment(grayFrame(200, 200), 66, nil)
	mv = a.MotionVector()
	if mv.VX != [3]float64{} || mv.VY != 0 {
		t.Errorf("post-reset seed produced a velocity: %+v", mv)
	}
}

func TestRasterize_CropRegion(t *testing.T) {
	// Frame: left half black, right half white. Cropping the right half
	// must fill the tile with white.
	frame := &pipeline.Frame{Width: 8, Height: 8, Pixels: make([]byte, 8*8*4)}
	for y := 0; y < 8; y++ {
		for x := 4; x < 8; x++ {
			i := (y*8 + x) * 4
			frame.Pixels[i], frame.Pixels[i+1], frame.Pixels[i+2] = 255, 255, 255
		}
	}

	fake := &fakeProducer{w: 4, h: 4, masks: [][]float32{make([]float32, 16)}}
	a := NewAdapter(fake, Config{ModelWidth: 4, ModelHeight: 4, MaskWidth: 8, MaskHeight: 8})

	crop := &mask.Rect{X: 0.5, Y: 0, W: 0.5, H: 1}
	a.Segment(frame, 0, crop)

	tile := fake.inputs[0]
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if tile.Pix[y*tile.Stride+x*4] != 255 {
				t.Fatalf("tile (%d,%d) not white", x, y)
			}
		}
	}
}

func TestPersonBBox_PaddingClamps(t *testing.T) {
	// Block touching the top-left corner; padding must clamp, not spill.
	fake := &fakeProducer{w: 16, h: 16, masks: [][]float32{blockMask(16, 16, 0, 0, 8, 8)}}
	a := NewAdapter(fake, Config{ModelWidth: 16, ModelHeight: 16, MaskWidth: 16, MaskHeight: 16})
	a.Segment(grayFrame(64, 64), 0, nil)

	r := a.PersonBBox(0.1)
	if r == nil {
		t.Fatal("expected bbox")
	}
	if !r.Valid() {
		t.Errorf("padded bbox invalid: %+v", r)
	}
	if r.X != 0 || r.Y != 0 {
		t.Errorf("corner bbox should clamp to origin: %+v", r)
	}
}
