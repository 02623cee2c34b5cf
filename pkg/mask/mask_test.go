package mask

import (
	"math"
	"testing"
)

func TestPadEdges_DuplicatesInnerRing(t *testing.T) {
	m := New(32, 32)
	// Fill with a gradient so every row/col is distinct.
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			m.Set(x, y, float32(y*32+x)/1024.0)
		}
	}
	m.PadEdges()

	// The 4 outermost rows/cols must equal the 5th-from-outside row/col.
	for i := 0; i < 4; i++ {
		for x := 4; x < 28; x++ {
			if m.At(x, i) != m.At(x, 4) {
				t.Errorf("top row %d col %d: got %v want %v", i, x, m.At(x, i), m.At(x, 4))
			}
			if m.At(x, 31-i) != m.At(x, 27) {
				t.Errorf("bottom row %d col %d: got %v want %v", 31-i, x, m.At(x, 31-i), m.At(x, 27))
			}
		}
		for y := 0; y < 32; y++ {
			if m.At(i, y) != m.At(4, y) {
				t.Errorf("left col %d row %d: got %v want %v", i, y, m.At(i, y), m.At(4, y))
			}
			if m.At(31-i, y) != m.At(27, y) {
				t.Errorf("right col %d row %d: got %v want %v", 31-i, y, m.At(31-i, y), m.At(27, y))
			}
		}
	}
}

func TestPadEdges_TinyMaskUntouched(t *testing.T) {
	m := New(6, 6)
	for i := range m.Data {
		m.Data[i] = float32(i)
	}
	want := append([]float32(nil), m.Data...)
	m.PadEdges()
	for i := range m.Data {
		if m.Data[i] != want[i] {
			t.Fatalf("tiny mask modified at %d", i)
		}
	}
}

func TestBBox(t *testing.T) {
	m := New(32, 32)
	// 16x16 block centered: rows/cols 8..23.
	for y := 8; y < 24; y++ {
		for x := 8; x < 24; x++ {
			m.Set(x, y, 1.0)
		}
	}
	bbox, ok := m.BBox(0.5)
	if !ok {
		t.Fatal("expected bbox")
	}
	if bbox.MinX != 8 || bbox.MinY != 8 || bbox.MaxX != 23 || bbox.MaxY != 23 {
		t.Errorf("bbox = %+v", bbox)
	}

	r := bbox.Normalized(32, 32)
	if math.Abs(r.W-0.5) > 1e-9 || math.Abs(r.H-0.5) > 1e-9 {
		t.Errorf("normalized bbox = %+v", r)
	}
	if bbox.TouchesEdge(32, 32) {
		t.Error("centered bbox should not touch edge")
	}
}

func TestBBox_Empty(t *testing.T) {
	m := New(16, 16)
	if _, ok := m.BBox(0.5); ok {
		t.Error("all-zero mask must report no bbox")
	}
}

func TestCoverage(t *testing.T) {
	m := New(32, 32)
	for y := 8; y < 24; y++ {
		for x := 8; x < 24; x++ {
			m.Set(x, y, 1.0)
		}
	}
	if got := m.Coverage(); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("coverage = %v, want 0.25", got)
	}
}

func TestMotionInto(t *testing.T) {
	a := New(4, 4)
	b := New(4, 4)
	a.Data[5] = 0.9
	b.Data[5] = 0.2
	b.Data[7] = 0.4

	motion := a.MotionInto(b, nil)
	if math.Abs(float64(motion[5])-0.7) > 1e-6 {
		t.Errorf("motion[5] = %v", motion[5])
	}
	if math.Abs(float64(motion[7])-0.4) > 1e-6 {
		t.Errorf("motion[7] = %v", motion[7])
	}
	if motion[0] != 0 {
		t.Errorf("motion[0] = %v", motion[0])
	}

	// Buffer reuse: same backing array comes back.
	again := a.MotionInto(b, motion)
	if &again[0] != &motion[0] {
		t.Error("motion buffer was reallocated")
	}
}

func TestRectClamp(t *testing.T) {
	cases := []struct {
		in   Rect
		want Rect
	}{
		{Rect{X: -0.1, Y: 0, W: 0.5, H: 0.5}, Rect{X: 0, Y: 0, W: 0.5, H: 0.5}},
		{Rect{X: 0.8, Y: 0.9, W: 0.5, H: 0.5}, Rect{X: 0.5, Y: 0.5, W: 0.5, H: 0.5}},
		{Rect{X: 0, Y: 0, W: 1.5, H: 2}, Rect{X: 0, Y: 0, W: 1, H: 1}},
		{Rect{X: 0.2, Y: 0.2, W: -1, H: 0.1}, Rect{X: 0.2, Y: 0.2, W: 0, H: 0.1}},
	}
	for i, c := range cases {
		got := c.in.Clamp()
		if got != c.want {
			t.Errorf("case %d: got %+v want %+v", i, got, c.want)
		}
		if !got.Valid() {
			t.Errorf("case %d: clamped rect invalid: %+v", i, got)
		}
	}
}

func TestRectPad(t *testing.T) {
	r := Rect{X: 0.4, Y: 0.4, W: 0.2, H: 0.2}.Pad(0.1)
	want := Rect{X: 0.3, Y: 0.3, W: 0.4, H: 0.4}
	if math.Abs(r.X-want.X) > 1e-9 || math.Abs(r.W-want.W) > 1e-9 {
		t.Errorf("pad = %+v", r)
	}

	// Padding near the border clamps instead of spilling out.
	edge := Rect{X: 0, Y: 0, W: 0.2, H: 0.2}.Pad(0.1)
	if !edge.Valid() {
		t.Errorf("padded edge rect invalid: %+v", edge)
	}
}

func TestMaskReset_ReusesBuffer(t *testing.T) {
	m := New(32, 32)
	data := m.Data
	m.Data[0] = 1
	m.Reset(16, 16)
	if m.Width != 16 || m.Height != 16 || len(m.Data) != 256 {
		t.Fatalf("reset dims wrong: %dx%d len %d", m.Width, m.Height, len(m.Data))
	}
	if &m.Data[0] != &data[0] {
		t.Error("smaller reset should reuse backing array")
	}
	if m.Data[0] != 0 {
		t.Error("reset must zero-fill")
	}
}
