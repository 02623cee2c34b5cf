// Package mask provides the CPU-side buffers shared by the segmentation
// engine: single-channel confidence masks, normalized rectangles, bounding
// boxes and motion maps. All buffers are allocated once and reused; resizes
// happen only when dimensions change.
package mask

// Mask is a single-channel confidence map with values in [0,1].
// Width*Height floats, row-major.
type Mask struct {
	Width  int
	Height int
	Data   []float32
}

// New allocates a mask of the given dimensions, zero-filled.
func New(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Data:   make([]float32, width*height),
	}
}

// Reset resizes the mask if the dimensions changed and zero-fills it.
// The backing slice is reused when it is already large enough.
func (m *Mask) Reset(width, height int) {
	n := width * height
	if cap(m.Data) < n {
		m.Data = make([]float32, n)
	}
	m.Data = m.Data[:n]
	m.Width = width
	m.Height = height
	for i := range m.Data {
		m.Data[i] = 0
	}
}

// At returns the value at (x, y). No bounds checking.
func (m *Mask) At(x, y int) float32 {
	return m.Data[y*m.Width+x]
}

// Set writes the value at (x, y). No bounds checking.
func (m *Mask) Set(x, y int, v float32) {
	m.Data[y*m.Width+x] = v
}

// padWidth is how many edge rows/columns are overwritten with their inner
// neighbor before GPU upload. Kernel taps near the border otherwise pick up
// model garbage from the outermost rows.
const padWidth = 4

// PadEdges duplicates the value at the padWidth-th row/column outward into
// the padWidth outermost rows/columns, on all four sides. Masks smaller than
// 2*padWidth+1 on either axis are left untouched.
func (m *Mask) PadEdges() {
	w, h := m.Width, m.Height
	if w <= 2*padWidth || h <= 2*padWidth {
		return
	}

	// Top and bottom rows.
	top := m.Data[padWidth*w : padWidth*w+w]
	bottom := m.Data[(h-1-padWidth)*w : (h-padWidth)*w]
	for row := 0; row < padWidth; row++ {
		copy(m.Data[row*w:row*w+w], top)
		copy(m.Data[(h-1-row)*w:(h-row)*w], bottom)
	}

	// Left and right columns.
	for y := 0; y < h; y++ {
		left := m.Data[y*w+padWidth]
		right := m.Data[y*w+w-1-padWidth]
		for col := 0; col < padWidth; col++ {
			m.Data[y*w+col] = left
			m.Data[y*w+w-1-col] = right
		}
	}
}

// PixelBBox is an inclusive bounding box in mask pixel coordinates.
type PixelBBox struct {
	MinX, MinY int
	MaxX, MaxY int
}

// Empty reports whether the bbox covers no pixels.
func (b PixelBBox) Empty() bool {
	return b.MaxX < b.MinX || b.MaxY < b.MinY
}

// emptyBBox is the seed value for running min/max scans.
func emptyBBox(w, h int) PixelBBox {
	return PixelBBox{MinX: w, MinY: h, MaxX: -1, MaxY: -1}
}

// Include grows the bbox to cover (x, y).
func (b *PixelBBox) Include(x, y int) {
	if x < b.MinX {
		b.MinX = x
	}
	if x > b.MaxX {
		b.MaxX = x
	}
	if y < b.MinY {
		b.MinY = y
	}
	if y > b.MaxY {
		b.MaxY = y
	}
}

// BBox scans the mask and returns the bounding box of pixels above the
// threshold. ok is false when no pixel qualifies.
func (m *Mask) BBox(threshold float32) (bbox PixelBBox, ok bool) {
	bbox = emptyBBox(m.Width, m.Height)
	for y := 0; y < m.Height; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x, v := range row {
			if v > threshold {
				bbox.Include(x, y)
			}
		}
	}
	return bbox, !bbox.Empty()
}

// Coverage returns the mean confidence over the whole mask, i.e. the
// fraction of the frame occupied by a fully confident person.
func (m *Mask) Coverage() float64 {
	if len(m.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.Data {
		sum += float64(v)
	}
	return sum / float64(len(m.Data))
}

// MotionInto writes |m − prev| element-wise into dst, growing dst if needed,
// and returns it. Dimensions of prev must match m.
func (m *Mask) MotionInto(prev *Mask, dst []float32) []float32 {
	n := len(m.Data)
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i, v := range m.Data {
		d := v - prev.Data[i]
		if d < 0 {
			d = -d
		}
		dst[i] = d
	}
	return dst
}

// CopyFrom copies src into m, resizing as needed.
func (m *Mask) CopyFrom(src *Mask) {
	m.Reset(src.Width, src.Height)
	copy(m.Data, src.Data)
}
