package matte

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lumakit/go-matte/internal/log"
	"github.com/lumakit/go-matte/pkg/autoframe"
	"github.com/lumakit/go-matte/pkg/gpu"
	"github.com/lumakit/go-matte/pkg/mask"
	"github.com/lumakit/go-matte/pkg/pipeline"
	"github.com/lumakit/go-matte/pkg/producer"
	"github.com/lumakit/go-matte/pkg/quality"
)

// ErrCapabilityMissing means the host fails a hard requirement from the
// capability probe; the engine cannot start.
var ErrCapabilityMissing = errors.New("matte: required capability missing")

// enginePipeline is what the orchestrator needs from the GPU pipeline;
// tests substitute a fake.
type enginePipeline interface {
	Process(frame *pipeline.Frame, m *mask.Mask, motion []float32) (*pipeline.Surface, error)
	ProcessInterpolated(frame *pipeline.Frame, shiftX, shiftY float64) (*pipeline.Surface, error)
	SetCropRect(r *mask.Rect)
	UpdateOptions(tun pipeline.Tunables, bg pipeline.Background) error
	SetColorMatchGain(r, g, b float64)
	ContextLost() bool
	Destroy()
}

// Processor is the top-level orchestrator: it owns the pipeline, the mask
// producer (in-thread adapter or worker), the auto-framer, the adaptive
// quality controller and diagnostics, and drives them once per frame.
type Processor struct {
	opts   Options
	width  int
	height int

	// Mask-space resolution, fixed at init from tier 0.
	maskW, maskH int

	pipe    enginePipeline
	adapter *producer.Adapter
	worker  *producer.Worker
	ctrl    *quality.Controller
	framer  *autoframe.Framer
	diag    *diagnostics

	roi            *mask.Rect
	mv             producer.MotionVector
	interpFrames   int
	lastModelRunMs float64
	haveModelRun   bool

	// Tier changes latch here and apply at the next frame start;
	// mid-frame uniform changes are forbidden.
	pendingTier int
	appliedTier int

	baseIntervalMs float64
	stopped        bool
}

// New creates an unstarted processor.
func New(opts Options) *Processor {
	if opts.Background == nil {
		opts.Background = pipeline.BlurBackground{Radius: 12}
	}
	return &Processor{opts: opts}
}

// Init probes capabilities, builds the GPU pipeline at the current tier's
// parameters, and starts the mask producer (worker or in-thread).
func (p *Processor) Init(width, height int) error {
	caps := gpu.Probe()
	if !caps.MeetsHardRequirements() {
		return fmt.Errorf("%w: %+v", ErrCapabilityMissing, caps)
	}

	seed := quality.TierForQuality(p.opts.Quality)
	tier := quality.Tiers[seed]

	pipe := pipeline.New()
	err := pipe.Init(pipeline.Config{
		Width:      width,
		Height:     height,
		MaskWidth:  quality.Tiers[0].MaskWidth,
		MaskHeight: quality.Tiers[0].MaskHeight,
		Background: p.opts.Background,
		Tunables:   tunablesFor(seed),
	})
	if err != nil {
		return err
	}

	if err := p.initWith(pipe, width, height, seed); err != nil {
		pipe.Destroy()
		return err
	}

	p.diag.emitInit(InitInfo{
		AdapterName:   caps.AdapterName,
		AdapterVendor: caps.AdapterVendor,
		FrameWidth:    width,
		FrameHeight:   height,
		MaskWidth:     p.maskW,
		MaskHeight:    p.maskH,
		UseWorker:     p.worker != nil,
	}, 0)

	log.Info("processor initialized",
		"size", fmt.Sprintf("%dx%d", width, height),
		"tier", tier.Label, "worker", p.worker != nil)
	return nil
}

// initWith wires everything around an existing pipeline; split out so
// tests can inject a fake.
func (p *Processor) initWith(pipe enginePipeline, width, height, seedTier int) error {
	p.pipe = pipe
	p.width = width
	p.height = height
	p.maskW = quality.Tiers[0].MaskWidth
	p.maskH = quality.Tiers[0].MaskHeight

	ctrlCfg := quality.DefaultConfig()
	if p.opts.AdaptiveConfig != nil {
		ctrlCfg = *p.opts.AdaptiveConfig
	}
	p.ctrl = quality.NewController(ctrlCfg, seedTier)
	if !p.opts.Adaptive {
		p.ctrl.Lock()
	}
	p.ctrl.OnTierChange(func(tier int) { p.pendingTier = tier })
	p.pendingTier = seedTier
	p.appliedTier = seedTier
	p.baseIntervalMs = p.modelIntervalFor(seedTier)
	p.lastModelRunMs = math.Inf(-1)

	p.framer = autoframe.New(p.opts.AutoFrame)
	p.diag = newDiagnostics(p.opts.Diagnostics)

	if p.opts.ProducerFactory != nil {
		cfg := producer.Config{
			ModelWidth:  quality.Tiers[seedTier].MaskWidth,
			ModelHeight: quality.Tiers[seedTier].MaskHeight,
			MaskWidth:   p.maskW,
			MaskHeight:  p.maskH,
		}
		if p.opts.UseWorker {
			w, err := producer.NewWorker(p.opts.ProducerFactory, cfg, p.opts.WorkerInitTimeout)
			if err != nil {
				log.Warn("worker init failed, falling back to in-thread inference", "err", err)
			} else {
				p.worker = w
			}
		}
		if p.worker == nil {
			prod, err := p.opts.ProducerFactory()
			if err != nil {
				return fmt.Errorf("producer init: %w", err)
			}
			p.adapter = producer.NewAdapter(prod, cfg)
		}
	}
	return nil
}

func (p *Processor) modelIntervalFor(tier int) float64 {
	if p.opts.ModelFPS > 0 {
		return 1000.0 / p.opts.ModelFPS
	}
	return quality.Tiers[tier].ModelIntervalMs()
}

// tunablesFor maps a tier record onto pipeline tunables.
func tunablesFor(tier int) pipeline.Tunables {
	t := quality.Tiers[tier]
	return pipeline.Tunables{
		AppearRate:    t.AppearRate,
		DisappearRate: t.DisappearRate,
		Softness:      0.25,
		FeatherRadius: t.FeatherRadius,
		RangeSigma:    t.RangeSigma,
		BlurScale:     t.BlurScale,
		Morphology:    t.Morphology,
		LightWrap:     t.LightWrap,
		WrapStrength:  0.06,
	}
}

// ProcessFrame runs one camera frame through the engine and returns the
// composited surface, or nil when the background mode is none.
//
// When the worker path is active the frame's pixel buffer is loaned to the
// worker until its mask comes back; hosts that recycle capture buffers
// should hand in a copy.
func (p *Processor) ProcessFrame(frame *pipeline.Frame, timestampMs float64) (*pipeline.Surface, error) {
	if p.stopped {
		return nil, pipeline.ErrContextLost
	}
	if _, ok := p.opts.Background.(pipeline.NoBackground); ok {
		return nil, nil
	}

	start := time.Now()

	// Tier changes land between frames.
	if p.pendingTier != p.appliedTier {
		p.applyTier(p.pendingTier)
	}

	// Motion speeds the model up: a fast-moving subject needs fresher
	// masks, a still one can coast on interpolation.
	motionMag := math.Sqrt(maxAbs3(p.mv.VX)*maxAbs3(p.mv.VX) + p.mv.VY*p.mv.VY)
	speedup := math.Min(4, 1+20*motionMag)
	effectiveInterval := math.Max(minModelIntervalMs, p.baseIntervalMs/speedup)
	shouldRunModel := timestampMs-p.lastModelRunMs >= effectiveInterval

	p.pushCrop()

	var surface *pipeline.Surface
	var err error

	switch {
	case p.worker != nil:
		if res := p.worker.Poll(); res != nil && !res.Stale && res.Mask != nil {
			surface, err = p.consumeFresh(frame, res)
		} else {
			if res != nil {
				p.diag.emptyMask()
			}
			surface, err = p.interpolate(frame)
		}
		if err == nil && shouldRunModel {
			if p.worker.TrySubmit(frame, timestampMs, p.roi) {
				p.lastModelRunMs = timestampMs
			}
		}

	case p.adapter != nil && shouldRunModel:
		res := p.adapter.Segment(frame, timestampMs, p.roi)
		p.lastModelRunMs = timestampMs
		if res.Stale || res.Mask == nil {
			p.diag.emptyMask()
			p.diag.model(res.InferenceMs)
			surface, err = p.interpolate(frame)
		} else {
			surface, err = p.consumeFresh(frame, res)
		}

	default:
		surface, err = p.interpolate(frame)
	}

	if err != nil {
		if errors.Is(err, pipeline.ErrUpload) {
			// Bad frame: drop silently, keep the session alive.
			p.diag.drop()
			return nil, nil
		}
		if errors.Is(err, pipeline.ErrContextLost) || p.pipe.ContextLost() {
			p.stopped = true
		}
		return nil, err
	}

	totalMs := float64(time.Since(start).Microseconds()) / 1000.0
	p.ctrl.ReportFrame(totalMs, timestampMs)
	p.diag.frame(totalMs, totalMs)

	crop := p.framer.Current()
	p.diag.maybeEmit(timestampMs, p.ctrl.Tier(), p.ctrl.Current().Label,
		p.roi, crop.Zoom, p.pipe.ContextLost())

	return surface, nil
}

// consumeFresh feeds a fresh mask through the pipeline and refreshes all
// derived state: ROI, auto-frame, motion vector, color match.
func (p *Processor) consumeFresh(frame *pipeline.Frame, res *producer.Result) (*pipeline.Surface, error) {
	p.mv = res.MV
	p.interpFrames = 0

	if res.HasPerson {
		cand := res.BBox.Normalized(p.maskW, p.maskH).Pad(p.opts.ROIPadding)
		p.updateROI(&cand)
		if res.BBox.TouchesEdge(p.maskW, p.maskH) {
			p.diag.edgeBBox()
		}
	} else {
		p.diag.emptyMask()
	}

	p.framer.UpdateFromMask(res.Mask)
	p.diag.coverage(res.Mask.Coverage())
	p.diag.model(res.InferenceMs)

	if img, ok := p.opts.Background.(pipeline.ImageBackground); ok && img.MatchStrength > 0 {
		r, g, b := matchGain(frame, res.Mask)
		p.pipe.SetColorMatchGain(r, g, b)
	}

	return p.pipe.Process(frame, res.Mask, res.Motion)
}

// interpolate runs the frame against the persisted mask, shifted by the
// accumulated motion prediction.
func (p *Processor) interpolate(frame *pipeline.Frame) (*pipeline.Surface, error) {
	p.interpFrames++
	dx, dy := p.accumulatedShift()
	return p.pipe.ProcessInterpolated(frame, dx, dy)
}

// accumulatedShift predicts how far the person moved since the last fresh
// mask: band-weighted horizontal velocity, dead-zoned, scaled by the
// number of coasted frames, clamped.
func (p *Processor) accumulatedShift() (float64, float64) {
	vx := 0.6*p.mv.VX[0] + 0.3*p.mv.VX[1] + 0.1*p.mv.VX[2]
	vy := p.mv.VY
	if math.Abs(vx) < 0.003 && math.Abs(vy) < 0.003 {
		return 0, 0
	}
	t := float64(p.interpFrames)
	return clampShift(vx * t), clampShift(vy * t)
}

func clampShift(v float64) float64 {
	if v > 0.12 {
		return 0.12
	}
	if v < -0.12 {
		return -0.12
	}
	return v
}

// updateROI smooths the model crop toward the candidate with a dead zone,
// so the crop and the mask do not oscillate around each other.
func (p *Processor) updateROI(cand *mask.Rect) {
	if p.roi == nil {
		r := *cand
		p.roi = &r
		return
	}
	posShift := math.Max(math.Abs(cand.X-p.roi.X), math.Abs(cand.Y-p.roi.Y))
	sizeShift := math.Max(math.Abs(cand.W-p.roi.W), math.Abs(cand.H-p.roi.H))
	if posShift <= 0.03 && sizeShift <= 0.015 {
		return
	}
	const s = 0.5
	blended := mask.Rect{
		X: p.roi.X*s + cand.X*(1-s),
		Y: p.roi.Y*s + cand.Y*(1-s),
		W: p.roi.W*s + cand.W*(1-s),
		H: p.roi.H*s + cand.H*(1-s),
	}.Clamp()
	p.roi = &blended
}

// pushCrop forwards the auto-frame crop to the pipeline; zooms close to 1
// mean no crop.
func (p *Processor) pushCrop() {
	crop := p.framer.Current()
	if crop.Zoom > zoomEpsilon {
		r := crop.Rect()
		p.pipe.SetCropRect(&r)
	} else {
		p.pipe.SetCropRect(nil)
	}
}

// applyTier propagates a tier change into the pipeline and the model.
func (p *Processor) applyTier(tier int) {
	p.appliedTier = tier
	t := quality.Tiers[tier]
	if err := p.pipe.UpdateOptions(tunablesFor(tier), nil); err != nil {
		log.Warn("tier options update failed", "err", err)
	}
	p.baseIntervalMs = p.modelIntervalFor(tier)
	if p.worker != nil {
		p.worker.SetModelSize(t.MaskWidth, t.MaskHeight)
	}
	if p.adapter != nil {
		p.adapter.SetModelSize(t.MaskWidth, t.MaskHeight)
	}
}

// matchGain estimates per-channel fgMean/bgMean from the frame sampled at
// mask resolution. Runs at model rate only.
func matchGain(frame *pipeline.Frame, m *mask.Mask) (float64, float64, float64) {
	var fg [3]float64
	var bg [3]float64
	var fgN, bgN float64

	for y := 0; y < m.Height; y++ {
		fy := y * frame.Height / m.Height
		for x := 0; x < m.Width; x++ {
			fx := x * frame.Width / m.Width
			i := (fy*frame.Width + fx) * 4
			r := float64(frame.Pixels[i])
			g := float64(frame.Pixels[i+1])
			b := float64(frame.Pixels[i+2])
			if m.At(x, y) > 0.5 {
				fg[0] += r
				fg[1] += g
				fg[2] += b
				fgN++
			} else {
				bg[0] += r
				bg[1] += g
				bg[2] += b
				bgN++
			}
		}
	}
	if fgN == 0 || bgN == 0 {
		return 1, 1, 1
	}
	gain := func(f, b float64) float64 {
		fm := f / fgN
		bm := b / bgN
		if bm < 1 {
			bm = 1
		}
		return fm / bm
	}
	return gain(fg[0], bg[0]), gain(fg[1], bg[1]), gain(fg[2], bg[2])
}

func maxAbs3(v [3]float64) float64 {
	m := math.Abs(v[0])
	if a := math.Abs(v[1]); a > m {
		m = a
	}
	if a := math.Abs(v[2]); a > m {
		m = a
	}
	return m
}

// SetBackground swaps the background variant at runtime.
func (p *Processor) SetBackground(bg pipeline.Background) error {
	p.opts.Background = bg
	return p.pipe.UpdateOptions(tunablesFor(p.appliedTier), bg)
}

// SetTier overrides the tier explicitly; the adaptive loop keeps running
// unless LockQuality is also called.
func (p *Processor) SetTier(tier int, nowMs float64) {
	p.ctrl.SetTier(tier, nowMs)
}

// LockQuality freezes the current tier; UnlockQuality resumes adaptation.
func (p *Processor) LockQuality()   { p.ctrl.Lock() }
func (p *Processor) UnlockQuality() { p.ctrl.Unlock() }

// Tier returns the currently applied tier index.
func (p *Processor) Tier() int { return p.appliedTier }

// AutoFrameCrop returns the current smoothed crop.
func (p *Processor) AutoFrameCrop() autoframe.CropRect { return p.framer.Current() }

// ROI returns the current model crop, nil when none.
func (p *Processor) ROI() *mask.Rect { return p.roi }

// Calibrate seeds the tier from a benchmark sample of the full pipeline.
func (p *Processor) Calibrate(sampleMs float64) int {
	return p.ctrl.CalibrateFromBenchmark(sampleMs)
}

// Reset clears all motion and framing history, as after a scene cut.
func (p *Processor) Reset() {
	p.mv = producer.MotionVector{}
	p.interpFrames = 0
	p.roi = nil
	p.framer.Reset()
	p.ctrl.Reset()
	if p.worker != nil {
		p.worker.Reset()
	}
	if p.adapter != nil {
		p.adapter.Reset()
	}
}

// Close tears the engine down. The processor must not be used afterwards.
func (p *Processor) Close() {
	if p.worker != nil {
		p.worker.Close()
	}
	if p.adapter != nil {
		p.adapter.Close()
	}
	if p.pipe != nil {
		p.pipe.Destroy()
	}
	p.stopped = true
}
