package producer

import (
	"image"
	"time"

	"github.com/lumakit/go-matte/internal/log"
	"github.com/lumakit/go-matte/pkg/mask"
	"github.com/lumakit/go-matte/pkg/pipeline"
)

// velocityAlpha is the EMA weight on the newest centroid velocity sample.
const velocityAlpha = 0.8

// Config sizes the adapter's buffers.
type Config struct {
	// ModelWidth/Height is the tile fed to the model. Changes with the
	// quality tier.
	ModelWidth  int
	ModelHeight int

	// MaskWidth/Height is the full-frame mask resolution expected by the
	// GPU pipeline. Fixed at init from the top tier.
	MaskWidth  int
	MaskHeight int
}

// Result is one segmentation outcome in full-frame mask space.
type Result struct {
	// Mask is the full-frame confidence mask. Owned by the adapter and
	// valid until the next Segment call.
	Mask *mask.Mask

	// Motion is |mask - previous mask|, nil until the second successful
	// segmentation.
	Motion []float32

	// BBox of mask values above 0.5, with HasPerson false when no pixel
	// qualified.
	BBox      mask.PixelBBox
	HasPerson bool

	// MV is the EMA-smoothed centroid velocity as of this mask.
	MV MotionVector

	// Stale marks a producer failure: Mask is the previous result (or nil
	// if none exists) and the frame should run as interpolation.
	Stale bool

	InferenceMs float64
}

// MotionVector is the person's EMA-smoothed velocity in normalized frame
// units per model frame: three horizontal bands plus one vertical.
type MotionVector struct {
	VX [3]float64
	VY float64
}

// Adapter owns the external model handle and everything needed to turn its
// crop-space output into a full-frame mask: the scratch tile, the ROI
// back-map, bbox and centroid tracking, and the motion map.
type Adapter struct {
	cfg      Config
	producer Producer

	scratch  *image.RGBA // model input tile, reused
	cropBuf  []float32   // crop-space person confidence, reused
	current  *mask.Mask  // full-frame mask, reused
	previous *mask.Mask  // previous full-frame mask for the motion map
	motion   []float32   // reused motion buffer

	haveMask bool
	havePrev bool

	bbox      mask.PixelBBox
	hasPerson bool

	// Centroid history: three horizontal band centroids and one vertical.
	seeded bool
	cx     [3]float64
	cy     float64
	vx     [3]float64
	vy     float64
}

// NewAdapter creates an adapter around the given producer.
func NewAdapter(p Producer, cfg Config) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		producer: p,
		current:  mask.New(cfg.MaskWidth, cfg.MaskHeight),
		previous: mask.New(cfg.MaskWidth, cfg.MaskHeight),
	}
	a.scratch = image.NewRGBA(image.Rect(0, 0, cfg.ModelWidth, cfg.ModelHeight))
	return a
}

// SetModelSize resizes the model input tile, e.g. after a tier change.
// The full-frame mask resolution is unaffected.
func (a *Adapter) SetModelSize(w, h int) {
	if w == a.cfg.ModelWidth && h == a.cfg.ModelHeight {
		return
	}
	a.cfg.ModelWidth, a.cfg.ModelHeight = w, h
	a.scratch = image.NewRGBA(image.Rect(0, 0, w, h))
}

// Segment runs one model call against the frame, optionally restricted to
// the crop region, and returns the full-frame result.
//
// A producer error is not propagated: the previous mask (or nil) comes
// back with Stale set, and the caller runs the frame as interpolation.
func (a *Adapter) Segment(frame *pipeline.Frame, timestampMs float64, crop *mask.Rect) *Result {
	a.rasterize(frame, crop)

	start := time.Now()
	maps, err := a.producer.Produce(a.scratch, timestampMs)
	inferMs := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		log.Component("producer").Warn("inference failed", "err", err)
		return a.staleResult(inferMs)
	}
	defer func() {
		for _, m := range maps {
			m.Close()
		}
	}()

	a.cropBuf = personChannel(maps, a.cropBuf)
	if len(a.cropBuf) < a.cfg.ModelWidth*a.cfg.ModelHeight {
		log.Component("producer").Warn("short confidence map", "len", len(a.cropBuf))
		return a.staleResult(inferMs)
	}

	// Swap mask buffers so the outgoing mask becomes the motion reference.
	if a.haveMask {
		a.current, a.previous = a.previous, a.current
		a.havePrev = true
	}

	region := mask.FullFrame
	if crop != nil {
		region = crop.Clamp()
	}
	a.backMap(region)
	a.haveMask = true

	a.updateCentroids()

	var motion []float32
	if a.havePrev {
		a.motion = a.current.MotionInto(a.previous, a.motion)
		motion = a.motion
	}

	return &Result{
		Mask:        a.current,
		Motion:      motion,
		BBox:        a.bbox,
		HasPerson:   a.hasPerson,
		MV:          MotionVector{VX: a.vx, VY: a.vy},
		InferenceMs: inferMs,
	}
}

func (a *Adapter) staleResult(inferMs float64) *Result {
	r := &Result{Stale: true, InferenceMs: inferMs, MV: MotionVector{VX: a.vx, VY: a.vy}}
	if a.haveMask {
		r.Mask = a.current
		r.BBox = a.bbox
		r.HasPerson = a.hasPerson
	}
	return r
}

// rasterize samples the frame's crop region (or the whole frame) into the
// model tile with nearest-neighbor sampling.
func (a *Adapter) rasterize(frame *pipeline.Frame, crop *mask.Rect) {
	region := mask.FullFrame
	if crop != nil {
		region = crop.Clamp()
	}

	sw, sh := a.cfg.ModelWidth, a.cfg.ModelHeight
	x0 := region.X * float64(frame.Width)
	y0 := region.Y * float64(frame.Height)
	spanX := region.W * float64(frame.Width)
	spanY := region.H * float64(frame.Height)

	for y := 0; y < sh; y++ {
		sy := int(y0 + (float64(y)+0.5)*spanY/float64(sh))
		if sy >= frame.Height {
			sy = frame.Height - 1
		}
		if sy < 0 {
			sy = 0
		}
		for x := 0; x < sw; x++ {
			sx := int(x0 + (float64(x)+0.5)*spanX/float64(sw))
			if sx >= frame.Width {
				sx = frame.Width - 1
			}
			if sx < 0 {
				sx = 0
			}
			si := (sy*frame.Width + sx) * 4
			di := y*a.scratch.Stride + x*4
			a.scratch.Pix[di] = frame.Pixels[si]
			a.scratch.Pix[di+1] = frame.Pixels[si+1]
			a.scratch.Pix[di+2] = frame.Pixels[si+2]
			a.scratch.Pix[di+3] = 255
		}
	}
}

// backMap places the crop-space confidence into the full-frame mask and,
// in the same pass, tracks the person bbox over pixels above 0.5.
func (a *Adapter) backMap(region mask.Rect) {
	mw, mh := a.cfg.MaskWidth, a.cfg.MaskHeight
	sw, sh := a.cfg.ModelWidth, a.cfg.ModelHeight
	a.current.Reset(mw, mh)

	// Inclusive-exclusive destination bounds of the crop region.
	x0 := int(region.X * float64(mw))
	y0 := int(region.Y * float64(mh))
	x1 := ceilInt((region.X + region.W) * float64(mw))
	y1 := ceilInt((region.Y + region.H) * float64(mh))
	x1 = clampInt(x1, 0, mw)
	y1 = clampInt(y1, 0, mh)
	x0 = clampInt(x0, 0, mw)
	y0 = clampInt(y0, 0, mh)

	bbox := mask.PixelBBox{MinX: mw, MinY: mh, MaxX: -1, MaxY: -1}
	cw, ch := x1-x0, y1-y0
	if cw <= 0 || ch <= 0 {
		a.bbox = bbox
		a.hasPerson = false
		return
	}

	for y := y0; y < y1; y++ {
		sy := (y - y0) * sh / ch
		if sy >= sh {
			sy = sh - 1
		}
		srcRow := a.cropBuf[sy*sw : (sy+1)*sw]
		dstRow := a.current.Data[y*mw : (y+1)*mw]
		for x := x0; x < x1; x++ {
			sx := (x - x0) * sw / cw
			if sx >= sw {
				sx = sw - 1
			}
			v := srcRow[sx]
			dstRow[x] = v
			if v > 0.5 {
				bbox.Include(x, y)
			}
		}
	}

	a.bbox = bbox
	a.hasPerson = !bbox.Empty()
}

// updateCentroids computes three horizontal band centroids over the person
// bbox plus one vertical centroid, then EMA-smooths their velocities. The
// first detection seeds the history without producing a velocity.
func (a *Adapter) updateCentroids() {
	if !a.hasPerson {
		return
	}
	mw := a.cfg.MaskWidth

	bandH := (a.bbox.MaxY - a.bbox.MinY + 1) / 3
	if bandH < 1 {
		bandH = 1
	}

	var cx [3]float64
	var cySum, cyW float64
	for band := 0; band < 3; band++ {
		yStart := a.bbox.MinY + band*bandH
		yEnd := yStart + bandH
		if band == 2 {
			yEnd = a.bbox.MaxY + 1
		}
		var xSum, w float64
		for y := yStart; y < yEnd && y <= a.bbox.MaxY; y++ {
			row := a.current.Data[y*mw : y*mw+mw]
			for x := a.bbox.MinX; x <= a.bbox.MaxX; x++ {
				v := float64(row[x])
				if v > 0.5 {
					xSum += float64(x) * v
					w += v
					cySum += float64(y) * v
					cyW += v
				}
			}
		}
		if w > 0 {
			cx[band] = xSum / w / float64(mw)
		} else if a.seeded {
			cx[band] = a.cx[band]
		}
	}

	cy := a.cy
	if cyW > 0 {
		cy = cySum / cyW / float64(a.cfg.MaskHeight)
	}

	if !a.seeded {
		a.cx = cx
		a.cy = cy
		a.seeded = true
		return
	}

	for i := 0; i < 3; i++ {
		raw := cx[i] - a.cx[i]
		a.vx[i] = velocityAlpha*raw + (1-velocityAlpha)*a.vx[i]
	}
	rawY := cy - a.cy
	a.vy = velocityAlpha*rawY + (1-velocityAlpha)*a.vy

	a.cx = cx
	a.cy = cy
}

// PersonBBox returns the cached person bbox as a normalized rect with
// symmetric padding, or nil when the last mask held no person.
func (a *Adapter) PersonBBox(padding float64) *mask.Rect {
	if !a.hasPerson {
		return nil
	}
	r := a.bbox.Normalized(a.cfg.MaskWidth, a.cfg.MaskHeight).Pad(padding)
	return &r
}

// MotionVector returns the EMA-smoothed centroid velocities.
func (a *Adapter) MotionVector() MotionVector {
	return MotionVector{VX: a.vx, VY: a.vy}
}

// MotionMap returns the reused motion buffer, nil before the second
// successful segmentation.
func (a *Adapter) MotionMap() []float32 {
	if !a.havePrev {
		return nil
	}
	return a.motion
}

// Reset clears all history: masks, bbox, centroids and velocities. The
// next detection seeds without a velocity spike.
func (a *Adapter) Reset() {
	a.haveMask = false
	a.havePrev = false
	a.hasPerson = false
	a.seeded = false
	a.vx = [3]float64{}
	a.vy = 0
	a.cx = [3]float64{}
	a.cy = 0
}

// Close releases the wrapped producer.
func (a *Adapter) Close() error {
	if a.producer == nil {
		return nil
	}
	return a.producer.Close()
}

func ceilInt(v float64) int {
	i := int(v)
	if v > float64(i) {
		return i + 1
	}
	return i
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
