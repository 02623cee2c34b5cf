// Package producer feeds person-confidence masks into the engine: it wraps
// an external segmentation model behind a small interface, schedules calls
// against a region-of-interest crop, tracks the person's motion between
// masks, and optionally runs the whole thing on a dedicated worker
// goroutine.
package producer

import "image"

// ConfidenceMap is one class channel returned by a segmentation model.
type ConfidenceMap interface {
	// Width and Height of the map; matches the model input tile.
	Width() int
	Height() int

	// Floats exposes the confidence values in [0,1], row-major. The slice
	// is only valid until Close.
	Floats() []float32

	// Close releases the underlying model output.
	Close()
}

// Producer is the external segmentation model. Given an RGB tile of the
// configured model size and a timestamp, it returns one or more class
// confidence maps of the same size.
type Producer interface {
	Produce(input *image.RGBA, timestampMs float64) ([]ConfidenceMap, error)
	Close() error
}

// FloatMap is a plain in-memory ConfidenceMap.
type FloatMap struct {
	W, H int
	Data []float32
}

// NewFloatMap wraps a float slice as a ConfidenceMap.
func NewFloatMap(w, h int, data []float32) *FloatMap {
	return &FloatMap{W: w, H: h, Data: data}
}

func (f *FloatMap) Width() int        { return f.W }
func (f *FloatMap) Height() int       { return f.H }
func (f *FloatMap) Floats() []float32 { return f.Data }
func (f *FloatMap) Close()            {}

// personChannel extracts person confidence from the model's class maps
// into dst, resizing dst as needed.
//
// Three or more classes means a multiclass model: person is one minus the
// background class (channel 0). One or two channels means the last channel
// already is the person.
func personChannel(maps []ConfidenceMap, dst []float32) []float32 {
	if len(maps) == 0 {
		return dst[:0]
	}

	var src []float32
	invert := false
	if len(maps) >= 3 {
		src = maps[0].Floats()
		invert = true
	} else {
		src = maps[len(maps)-1].Floats()
	}

	if cap(dst) < len(src) {
		dst = make([]float32, len(src))
	}
	dst = dst[:len(src)]
	if invert {
		for i, v := range src {
			dst[i] = 1 - v
		}
	} else {
		copy(dst, src)
	}
	return dst
}
