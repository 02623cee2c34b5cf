// Package autoframe derives a smoothed zoom crop from the person mask so
// the subject stays framed like a camera operator would: head in the upper
// third, slow drift instead of jitter, zoom bounded.
package autoframe

import (
	"math"

	"github.com/lumakit/go-matte/pkg/mask"
)

// CropRect is the auto-frame output: a square crop (W == H == 1/Zoom) in
// normalized frame coordinates.
type CropRect struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	W    float64 `json:"w"`
	H    float64 `json:"h"`
	Zoom float64 `json:"zoom"`
}

// Rect converts the crop to a plain normalized rect.
func (c CropRect) Rect() mask.Rect {
	return mask.Rect{X: c.X, Y: c.Y, W: c.W, H: c.H}
}

// Config holds all tunable auto-framing parameters.
type Config struct {
	// Enabled gates the whole feature.
	Enabled bool `json:"enabled"`

	// TargetFill is how much of the crop the person's larger bbox axis
	// should occupy.
	TargetFill float64 `json:"target_fill"`

	// Zoom bounds. MinZoom 1.0 means "may zoom all the way out".
	MinZoom float64 `json:"min_zoom"`
	MaxZoom float64 `json:"max_zoom"`

	// Smoothing is the EMA weight on the previous crop (higher = slower).
	Smoothing float64 `json:"smoothing"`

	// Headroom shifts the subject center down inside the crop; 0.55 puts
	// the head in the upper third.
	Headroom float64 `json:"headroom"`

	// DeadZone suppresses target updates smaller than this, in normalized
	// units, so breathing-level motion does not wobble the frame.
	DeadZone float64 `json:"dead_zone"`

	// Continuous keeps re-framing forever; when false the crop freezes
	// after the settle window.
	Continuous bool `json:"continuous"`

	// Padding grows the detected bbox before fitting the crop.
	Padding float64 `json:"padding"`
}

// DefaultConfig returns the recommended auto-framing parameters.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		TargetFill: 0.9,
		MinZoom:    1.0,
		MaxZoom:    1.5,
		Smoothing:  0.75,
		Headroom:   0.55,
		DeadZone:   0.01,
		Continuous: true,
		Padding:    0.02,
	}
}

// settleFrames bounds the mask updates of a non-continuous framer: it
// freezes once more than settleFrames updates have been applied.
const settleFrames = 30

// minBBoxArea is the normalized person area below which the framer holds
// its current crop rather than chase noise.
const minBBoxArea = 0.01

// Framer computes and smooths the crop. Not safe for concurrent use; the
// processor drives it from the frame loop only.
type Framer struct {
	config Config

	smoothed CropRect
	hasCrop  bool
	updates  int
}

// New creates a framer with the given configuration.
func New(config Config) *Framer {
	cfg := config
	if cfg.TargetFill <= 0 {
		cfg.TargetFill = 0.9
	}
	if cfg.MinZoom <= 0 {
		cfg.MinZoom = 1.0
	}
	if cfg.MaxZoom < cfg.MinZoom {
		cfg.MaxZoom = cfg.MinZoom
	}
	if cfg.Smoothing <= 0 || cfg.Smoothing >= 1 {
		cfg.Smoothing = 0.75
	}
	if cfg.Headroom == 0 {
		cfg.Headroom = 0.55
	}
	f := &Framer{config: cfg}
	f.smoothed = identityCrop()
	return f
}

func identityCrop() CropRect {
	return CropRect{X: 0, Y: 0, W: 1, H: 1, Zoom: 1}
}

// Current returns the smoothed crop.
func (f *Framer) Current() CropRect { return f.smoothed }

// Reset forgets all state; the next mask snaps instead of easing.
func (f *Framer) Reset() {
	f.smoothed = identityCrop()
	f.hasCrop = false
	f.updates = 0
}

// UpdateFromMask recomputes the crop target from a fresh mask and eases
// the smoothed crop toward it. It returns the smoothed crop.
func (f *Framer) UpdateFromMask(m *mask.Mask) CropRect {
	if !f.config.Enabled {
		return f.smoothed
	}
	if !f.config.Continuous && f.updates > settleFrames {
		return f.smoothed
	}

	// Weighted bbox: every pixel above 0.5 contributes to the extent and
	// to a value-weighted centroid.
	var weight, cxSum, cySum float64
	bbox := mask.PixelBBox{MinX: m.Width, MinY: m.Height, MaxX: -1, MaxY: -1}
	for y := 0; y < m.Height; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x, v := range row {
			if v > 0.5 {
				bbox.Include(x, y)
				fv := float64(v)
				weight += fv
				cxSum += float64(x) * fv
				cySum += float64(y) * fv
			}
		}
	}
	if weight < 1 || bbox.Empty() {
		return f.smoothed
	}

	box := bbox.Normalized(m.Width, m.Height).Pad(f.config.Padding)
	if box.Area() < minBBoxArea {
		return f.smoothed
	}
	cx := cxSum / weight / float64(m.Width)
	cy := cySum / weight / float64(m.Height)

	target := f.targetFor(box, cx, cy)
	f.updates++

	if !f.hasCrop {
		f.smoothed = target
		f.hasCrop = true
		return f.smoothed
	}

	// Dead zone: ignore sub-threshold target motion.
	if math.Abs(target.X-f.smoothed.X) < f.config.DeadZone &&
		math.Abs(target.Y-f.smoothed.Y) < f.config.DeadZone &&
		math.Abs(target.W-f.smoothed.W) < f.config.DeadZone {
		return f.smoothed
	}

	s := f.config.Smoothing
	f.smoothed.X = f.smoothed.X*s + target.X*(1-s)
	f.smoothed.Y = f.smoothed.Y*s + target.Y*(1-s)
	f.smoothed.W = f.smoothed.W*s + target.W*(1-s)
	f.smoothed.H = f.smoothed.W
	f.smoothed.Zoom = 1 / f.smoothed.W
	f.clampSmoothed()
	return f.smoothed
}

// UpdateFromFace frames from an externally supplied face box, extending it
// downward to approximate the body before running the same fitting math.
func (f *Framer) UpdateFromFace(face mask.Rect) CropRect {
	if !f.config.Enabled {
		return f.smoothed
	}

	// Heuristic body extension: twice the face width, starting 0.3
	// face-heights above the face and four face-heights tall.
	body := mask.Rect{
		X: face.X - face.W*0.5,
		Y: face.Y - face.H*0.3,
		W: face.W * 2,
		H: face.H * 4,
	}.Clamp()
	if body.Area() < minBBoxArea {
		return f.smoothed
	}

	target := f.targetFor(body, body.CenterX(), face.Y+face.H*1.2)
	f.updates++

	if !f.hasCrop {
		f.smoothed = target
		f.hasCrop = true
		return f.smoothed
	}
	s := f.config.Smoothing
	f.smoothed.X = f.smoothed.X*s + target.X*(1-s)
	f.smoothed.Y = f.smoothed.Y*s + target.Y*(1-s)
	f.smoothed.W = f.smoothed.W*s + target.W*(1-s)
	f.smoothed.H = f.smoothed.W
	f.smoothed.Zoom = 1 / f.smoothed.W
	f.clampSmoothed()
	return f.smoothed
}

// targetFor fits a square crop around the subject box.
func (f *Framer) targetFor(box mask.Rect, cx, cy float64) CropRect {
	maxDim := math.Max(box.W, box.H)

	zoom := f.config.TargetFill / maxDim
	zoom = math.Min(math.Max(zoom, f.config.MinZoom), f.config.MaxZoom)
	size := 1 / zoom

	// Headroom grows slightly for smaller subjects (wider shots).
	vertOffset := f.config.Headroom + (1-maxDim)*0.03

	target := CropRect{
		X:    cx - size/2,
		Y:    cy - size*vertOffset,
		W:    size,
		H:    size,
		Zoom: zoom,
	}
	r := target.Rect().Clamp()
	target.X, target.Y = r.X, r.Y
	return target
}

func (f *Framer) clampSmoothed() {
	// Keep the invariant W == H == 1/Zoom with Zoom inside its bounds.
	size := f.smoothed.W
	minSize := 1 / f.config.MaxZoom
	maxSize := 1 / f.config.MinZoom
	if size < minSize {
		size = minSize
	}
	if size > maxSize {
		size = maxSize
	}
	f.smoothed.W, f.smoothed.H = size, size
	f.smoothed.Zoom = 1 / size

	r := f.smoothed.Rect().Clamp()
	f.smoothed.X, f.smoothed.Y = r.X, r.Y
}
