package mask

// Rect is a normalized rectangle: all fields in [0,1], X+W <= 1, Y+H <= 1.
// Used for ROI crops, auto-frame crops and bbox exchange between components.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// FullFrame is the identity rect covering the whole frame.
var FullFrame = Rect{X: 0, Y: 0, W: 1, H: 1}

// Clamp forces the rect into [0,1]^2 while keeping W and H non-negative.
// Oversized rects are shrunk, out-of-range origins are shifted.
func (r Rect) Clamp() Rect {
	if r.W < 0 {
		r.W = 0
	}
	if r.H < 0 {
		r.H = 0
	}
	if r.W > 1 {
		r.W = 1
	}
	if r.H > 1 {
		r.H = 1
	}
	if r.X < 0 {
		r.X = 0
	}
	if r.Y < 0 {
		r.Y = 0
	}
	if r.X+r.W > 1 {
		r.X = 1 - r.W
	}
	if r.Y+r.H > 1 {
		r.Y = 1 - r.H
	}
	return r
}

// Pad grows the rect symmetrically by pad on each side, then clamps.
func (r Rect) Pad(pad float64) Rect {
	return Rect{
		X: r.X - pad,
		Y: r.Y - pad,
		W: r.W + 2*pad,
		H: r.H + 2*pad,
	}.Clamp()
}

// Valid reports whether the rect satisfies the normalized-rect invariant.
func (r Rect) Valid() bool {
	return r.X >= 0 && r.Y >= 0 && r.W >= 0 && r.H >= 0 &&
		r.X+r.W <= 1+1e-9 && r.Y+r.H <= 1+1e-9
}

// CenterX returns the horizontal center.
func (r Rect) CenterX() float64 { return r.X + r.W/2 }

// CenterY returns the vertical center.
func (r Rect) CenterY() float64 { return r.Y + r.H/2 }

// Area returns W*H.
func (r Rect) Area() float64 { return r.W * r.H }

// Normalized converts a pixel bbox into a Rect relative to a w×h grid.
// The bbox is inclusive, so the far edge is MaxX+1 / MaxY+1.
func (b PixelBBox) Normalized(w, h int) Rect {
	if b.Empty() || w <= 0 || h <= 0 {
		return Rect{}
	}
	return Rect{
		X: float64(b.MinX) / float64(w),
		Y: float64(b.MinY) / float64(h),
		W: float64(b.MaxX-b.MinX+1) / float64(w),
		H: float64(b.MaxY-b.MinY+1) / float64(h),
	}.Clamp()
}

// TouchesEdge reports whether the pixel bbox touches the border of a
// w×h grid. Used by diagnostics to count likely truncated detections.
func (b PixelBBox) TouchesEdge(w, h int) bool {
	if b.Empty() {
		return false
	}
	return b.MinX == 0 || b.MinY == 0 || b.MaxX == w-1 || b.MaxY == h-1
}
