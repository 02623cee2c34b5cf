// Package pipeline implements the GPU post-processing chain that turns a
// noisy low-resolution person mask into a composited output frame:
// temporal smoothing, morphology, bilateral upsampling, edge feathering,
// background blur, matting composite, light wrap and auto-frame crop.
//
// All GPU objects are owned by the Pipeline with a strict
// Init -> Process* -> Destroy lifecycle. Work is submitted stage by stage
// on the shared device queue; intra-frame ordering comes from submission
// order.
package pipeline

import (
	"fmt"
	"image"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/lumakit/go-matte/internal/log"
	"github.com/lumakit/go-matte/pkg/gpu"
	"github.com/lumakit/go-matte/pkg/mask"
)

// maskSource identifies which texture feeds the bilateral upsample.
type maskSource int

const (
	srcTemporal maskSource = iota // fresh mask, morphology off
	srcMorph                      // fresh mask, morphology on
	srcShift                      // interpolated with motion shift
	srcPrevious                   // interpolated, zero shift
)

// stage bundles one shader program with its fixed-size uniform buffer.
type stage struct {
	pipeline *wgpu.RenderPipeline
	layout   *wgpu.BindGroupLayout
	uniform  *wgpu.Buffer
	uniSize  int
}

func (s *stage) release() {
	if s.pipeline != nil {
		s.pipeline.Release()
	}
	if s.layout != nil {
		s.layout.Release()
	}
	if s.uniform != nil {
		s.uniform.Destroy()
	}
}

// Pipeline owns every GPU resource of the post-processing chain.
type Pipeline struct {
	ctx *gpu.Context
	cfg Config
	tun Tunables
	bg  Background

	sampler *wgpu.Sampler

	// Upload textures.
	camera  *target // rgba8unorm, W x H
	maskRaw *target // r8unorm, M x N
	motion  *target // r8unorm, M x N
	bgImage *target // rgba8unorm, native image size; recreated on change

	// Render targets. Mask-space targets are M x N, full-res W x H,
	// blur targets half-res.
	temporal   *target
	previous   *target
	morphA     *target
	morphB     *target
	shiftT     *target
	bilateral  *target
	feather    *target
	compositeT *target
	preCrop    *target
	bgAdjusted *target
	blurA      *target
	blurB      *target
	output     *target // rgba8unorm presentable surface

	// Shader stages.
	stTemporal   stage
	stMorph      stage
	stShift      stage
	stBilateral  stage
	stFeather    stage
	stBlur       stage
	stComposite  stage
	stLightWrap  stage
	stCrop       stage
	stColorMatch stage

	// Prebuilt bind groups; only bindColorMatch is ever recreated
	// (when the background image texture changes).
	bindTemporal   *wgpu.BindGroup
	bindDilate     *wgpu.BindGroup
	bindErode      *wgpu.BindGroup
	bindErodeFull  *wgpu.BindGroup
	bindShift      *wgpu.BindGroup
	bindBilateral  map[maskSource]*wgpu.BindGroup
	bindFeather    *wgpu.BindGroup
	bindBlurCam    *wgpu.BindGroup
	bindBlurAB     *wgpu.BindGroup
	bindBlurBA     *wgpu.BindGroup
	bindComposite  *wgpu.BindGroup
	bindLightWrap  *wgpu.BindGroup
	bindCrop       *wgpu.BindGroup
	bindColorMatch *wgpu.BindGroup

	// Reused upload scratch.
	maskScratch   []byte
	motionScratch []byte

	cropRect    *mask.Rect
	firstFrame  bool
	contextLost bool

	matchGain          [3]float64
	matchStrengthValue float64
	gainDirty          bool
	surface            Surface
	initialized        bool
}

// New constructs an uninitialized pipeline; call Init before use.
func New() *Pipeline {
	return &Pipeline{}
}

// Init compiles all shaders, allocates every framebuffer and upload
// texture, uploads the background image if one is configured, and clears
// the previous-mask target to zero.
func (p *Pipeline) Init(cfg Config) error {
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.MaskWidth <= 0 || cfg.MaskHeight <= 0 {
		return fmt.Errorf("%w: bad dimensions %dx%d mask %dx%d",
			ErrFramebufferIncomplete, cfg.Width, cfg.Height, cfg.MaskWidth, cfg.MaskHeight)
	}

	ctx, err := gpu.Get()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContextUnavailable, err)
	}
	p.ctx = ctx
	p.cfg = cfg
	p.tun = cfg.Tunables
	p.bg = cfg.Background
	if p.bg == nil {
		p.bg = BlurBackground{Radius: 12}
	}
	p.firstFrame = true
	p.matchGain = [3]float64{1, 1, 1}

	if err := p.createSampler(); err != nil {
		return err
	}
	if err := p.createStages(); err != nil {
		p.Destroy()
		return err
	}
	if err := p.createTargets(); err != nil {
		p.Destroy()
		return err
	}
	if err := p.createBindGroups(); err != nil {
		p.Destroy()
		return err
	}

	p.clearTarget(p.previous)

	if img, ok := p.bg.(ImageBackground); ok && img.Image != nil {
		if err := p.uploadBackgroundImage(img.Image, img.MatchStrength); err != nil {
			p.Destroy()
			return err
		}
	}

	p.surface = Surface{ctx: p.ctx, tex: p.output.tex, Width: cfg.Width, Height: cfg.Height}
	p.initialized = true
	log.Info("pipeline initialized",
		"frame", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"mask", fmt.Sprintf("%dx%d", cfg.MaskWidth, cfg.MaskHeight))
	return nil
}

func (p *Pipeline) createSampler() error {
	s, err := p.ctx.Device.CreateSampler(&wgpu.SamplerDescriptor{
		Label:         "matte-linear-clamp",
		AddressModeU:  wgpu.AddressModeClampToEdge,
		AddressModeV:  wgpu.AddressModeClampToEdge,
		AddressModeW:  wgpu.AddressModeClampToEdge,
		MagFilter:     wgpu.FilterModeLinear,
		MinFilter:     wgpu.FilterModeLinear,
		MipmapFilter:  wgpu.MipmapFilterModeNearest,
		LodMinClamp:   0,
		LodMaxClamp:   32,
		MaxAnisotropy: 1,
	})
	if err != nil {
		return fmt.Errorf("%w: sampler: %v", ErrContextUnavailable, err)
	}
	p.sampler = s
	return nil
}

// stageEntries builds the standard layout: uniform, sampler, then nTex
// sampled textures.
func stageEntries(nTex int) []wgpu.BindGroupLayoutEntry {
	entries := []wgpu.BindGroupLayoutEntry{
		{
			Binding:    0,
			Visibility: wgpu.ShaderStageFragment,
			Buffer:     wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
		},
		{
			Binding:    1,
			Visibility: wgpu.ShaderStageFragment,
			Sampler:    wgpu.SamplerBindingLayout{Type: wgpu.SamplerBindingTypeFiltering},
		},
	}
	for i := 0; i < nTex; i++ {
		entries = append(entries, wgpu.BindGroupLayoutEntry{
			Binding:    uint32(2 + i),
			Visibility: wgpu.ShaderStageFragment,
			Texture: wgpu.TextureBindingLayout{
				SampleType:    wgpu.TextureSampleTypeFloat,
				ViewDimension: wgpu.TextureViewDimension2D,
			},
		})
	}
	return entries
}

func (p *Pipeline) newStage(label, src string, nTex int, format wgpu.TextureFormat, uniFloats int) (stage, error) {
	dev := p.ctx.Device

	module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src},
	})
	if err != nil {
		return stage{}, fmt.Errorf("%w: %s: %v", ErrShaderCompile, label, err)
	}
	defer module.Release()

	layout, err := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label + "-bgl",
		Entries: stageEntries(nTex),
	})
	if err != nil {
		return stage{}, fmt.Errorf("%w: %s layout: %v", ErrShaderCompile, label, err)
	}

	pipelineLayout, err := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label + "-pl",
		BindGroupLayouts: []*wgpu.BindGroupLayout{layout},
	})
	if err != nil {
		layout.Release()
		return stage{}, fmt.Errorf("%w: %s pipeline layout: %v", ErrShaderCompile, label, err)
	}
	defer pipelineLayout.Release()

	pipe, err := dev.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  label,
		Layout: pipelineLayout,
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{Format: format, WriteMask: wgpu.ColorWriteMaskAll},
			},
		},
	})
	if err != nil {
		layout.Release()
		return stage{}, fmt.Errorf("%w: %s: %v", ErrShaderCompile, label, err)
	}

	uniBytes := uniFloats * 4
	uni, err := dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label + "-uniforms",
		Size:  uint64(uniBytes),
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		pipe.Release()
		layout.Release()
		return stage{}, fmt.Errorf("%w: %s uniforms: %v", ErrShaderCompile, label, err)
	}

	return stage{pipeline: pipe, layout: layout, uniform: uni, uniSize: uniBytes}, nil
}

func (p *Pipeline) createStages() error {
	const f16 = wgpu.TextureFormatRGBA16Float
	const u8 = wgpu.TextureFormatRGBA8Unorm

	var err error
	if p.stTemporal, err = p.newStage("temporal-smooth", temporalSrc, 3, f16, 8); err != nil {
		return err
	}
	if p.stMorph, err = p.newStage("morphology", morphologySrc, 1, f16, 4); err != nil {
		return err
	}
	if p.stShift, err = p.newStage("mask-shift", shiftSrc, 1, f16, 4); err != nil {
		return err
	}
	if p.stBilateral, err = p.newStage("bilateral-upsample", bilateralSrc, 2, f16, 4); err != nil {
		return err
	}
	if p.stFeather, err = p.newStage("edge-feather", featherSrc, 1, f16, 4); err != nil {
		return err
	}
	if p.stBlur, err = p.newStage("background-blur", blurSrc, 1, f16, 4); err != nil {
		return err
	}
	// Composite, light wrap and crop all write rgba8 surfaces
	// (compositeT, preCrop or output), so they compile against that
	// format; the mask chain stays in float targets.
	if p.stComposite, err = p.newStage("composite", compositeSrc, 4, u8, 12); err != nil {
		return err
	}
	if p.stLightWrap, err = p.newStage("light-wrap", lightWrapSrc, 4, u8, 12); err != nil {
		return err
	}
	if p.stCrop, err = p.newStage("crop", cropSrc, 1, u8, 4); err != nil {
		return err
	}
	if p.stColorMatch, err = p.newStage("color-match", colorMatchSrc, 1, f16, 8); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) createTargets() error {
	c := p.ctx
	w, h := p.cfg.Width, p.cfg.Height
	mw, mh := p.cfg.MaskWidth, p.cfg.MaskHeight
	hw, hh := max(1, w/2), max(1, h/2)

	var err error
	if p.camera, err = newUploadTexture(c, "camera", w, h, wgpu.TextureFormatRGBA8Unorm); err != nil {
		return err
	}
	if p.maskRaw, err = newUploadTexture(c, "mask-raw", mw, mh, wgpu.TextureFormatR8Unorm); err != nil {
		return err
	}
	if p.motion, err = newUploadTexture(c, "motion-map", mw, mh, wgpu.TextureFormatR8Unorm); err != nil {
		return err
	}

	if p.temporal, err = newRenderTarget(c, "temporal", mw, mh); err != nil {
		return err
	}
	if p.previous, err = newRenderTarget(c, "previous-mask", mw, mh); err != nil {
		return err
	}
	if p.morphA, err = newRenderTarget(c, "morph-a", mw, mh); err != nil {
		return err
	}
	if p.morphB, err = newRenderTarget(c, "morph-b", mw, mh); err != nil {
		return err
	}
	if p.shiftT, err = newRenderTarget(c, "mask-shift", mw, mh); err != nil {
		return err
	}
	if p.bilateral, err = newRenderTarget(c, "bilateral", w, h); err != nil {
		return err
	}
	if p.feather, err = newRenderTarget(c, "feather", w, h); err != nil {
		return err
	}
	if p.bgAdjusted, err = newRenderTarget(c, "bg-adjusted", w, h); err != nil {
		return err
	}
	if p.blurA, err = newRenderTarget(c, "blur-a", hw, hh); err != nil {
		return err
	}
	if p.blurB, err = newRenderTarget(c, "blur-b", hw, hh); err != nil {
		return err
	}

	// Full-res rgba8 surfaces written by composite/lightwrap/crop.
	u8usage := wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopySrc
	if p.compositeT, err = newTexture(c, "composite", w, h, wgpu.TextureFormatRGBA8Unorm, u8usage); err != nil {
		return err
	}
	if p.preCrop, err = newTexture(c, "pre-crop", w, h, wgpu.TextureFormatRGBA8Unorm, u8usage); err != nil {
		return err
	}
	if p.output, err = newTexture(c, "output", w, h, wgpu.TextureFormatRGBA8Unorm, u8usage); err != nil {
		return err
	}

	p.maskScratch = make([]byte, mw*mh)
	p.motionScratch = make([]byte, mw*mh)
	return nil
}

func (p *Pipeline) bindGroup(st *stage, label string, views ...*wgpu.TextureView) (*wgpu.BindGroup, error) {
	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: st.uniform, Size: uint64(st.uniSize)},
		{Binding: 1, Sampler: p.sampler},
	}
	for i, v := range views {
		entries = append(entries, wgpu.BindGroupEntry{Binding: uint32(2 + i), TextureView: v})
	}
	bg, err := p.ctx.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label,
		Layout:  st.layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: bind group %s: %v", ErrShaderCompile, label, err)
	}
	return bg, nil
}

func (p *Pipeline) createBindGroups() error {
	var err error
	if p.bindTemporal, err = p.bindGroup(&p.stTemporal, "temporal",
		p.maskRaw.view, p.previous.view, p.motion.view); err != nil {
		return err
	}
	if p.bindDilate, err = p.bindGroup(&p.stMorph, "dilate", p.temporal.view); err != nil {
		return err
	}
	if p.bindErode, err = p.bindGroup(&p.stMorph, "erode", p.morphA.view); err != nil {
		return err
	}
	if p.bindErodeFull, err = p.bindGroup(&p.stMorph, "erode-full", p.feather.view); err != nil {
		return err
	}
	if p.bindShift, err = p.bindGroup(&p.stShift, "shift", p.previous.view); err != nil {
		return err
	}

	p.bindBilateral = make(map[maskSource]*wgpu.BindGroup, 4)
	sources := map[maskSource]*target{
		srcTemporal: p.temporal,
		srcMorph:    p.morphB,
		srcShift:    p.shiftT,
		srcPrevious: p.previous,
	}
	for src, t := range sources {
		bg, err := p.bindGroup(&p.stBilateral, "bilateral", t.view, p.camera.view)
		if err != nil {
			return err
		}
		p.bindBilateral[src] = bg
	}

	if p.bindFeather, err = p.bindGroup(&p.stFeather, "feather", p.bilateral.view); err != nil {
		return err
	}
	if p.bindBlurCam, err = p.bindGroup(&p.stBlur, "blur-cam", p.camera.view); err != nil {
		return err
	}
	if p.bindBlurAB, err = p.bindGroup(&p.stBlur, "blur-ab", p.blurA.view); err != nil {
		return err
	}
	if p.bindBlurBA, err = p.bindGroup(&p.stBlur, "blur-ba", p.blurB.view); err != nil {
		return err
	}
	if p.bindComposite, err = p.bindGroup(&p.stComposite, "composite",
		p.camera.view, p.bilateral.view, p.blurB.view, p.bgAdjusted.view); err != nil {
		return err
	}
	if p.bindLightWrap, err = p.bindGroup(&p.stLightWrap, "light-wrap",
		p.compositeT.view, p.bilateral.view, p.blurB.view, p.bgAdjusted.view); err != nil {
		return err
	}
	if p.bindCrop, err = p.bindGroup(&p.stCrop, "crop", p.preCrop.view); err != nil {
		return err
	}
	return nil
}

// clearTarget zero-fills a render target with an empty render pass.
func (p *Pipeline) clearTarget(t *target) {
	enc, err := p.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return
	}
	pass := enc.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       t.view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{},
		}},
	})
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return
	}
	p.ctx.Queue.Submit(cmd)
}

// runPass writes the stage uniforms and draws the fullscreen triangle into
// dst. Each pass is its own submission; queue order provides the
// inter-stage dependency.
func (p *Pipeline) runPass(st *stage, bind *wgpu.BindGroup, dst *target, uniforms []float32) error {
	p.ctx.Queue.WriteBuffer(st.uniform, 0, wgpu.ToBytes(uniforms))

	enc, err := p.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		p.contextLost = true
		return fmt.Errorf("%w: %v", ErrContextLost, err)
	}
	pass := enc.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       dst.view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{},
		}},
	})
	pass.SetPipeline(st.pipeline)
	pass.SetBindGroup(0, bind, nil)
	pass.Draw(3, 1, 0, 0)
	pass.End()

	cmd, err := enc.Finish(nil)
	if err != nil {
		p.contextLost = true
		return fmt.Errorf("%w: %v", ErrContextLost, err)
	}
	p.ctx.Queue.Submit(cmd)
	return nil
}

// modeInfo flattens the background variant for the shaders.
func (p *Pipeline) modeInfo() (mode float32, color [3]float32, fixed bool, blurRadius float64) {
	switch bg := p.bg.(type) {
	case BlurBackground:
		return modeBlur, color, false, clampBlurRadius(bg.Radius)
	case ImageBackground:
		return modeImage, color, bg.Fixed, 0
	case ColorBackground:
		return modeColor, [3]float32{
			float32(bg.R) / 255, float32(bg.G) / 255, float32(bg.B) / 255,
		}, bg.Fixed, 0
	default:
		return modeBlur, color, false, 12
	}
}

// cropActive reports whether the final crop pass runs.
func (p *Pipeline) cropActive() bool {
	return p.cropRect != nil && (p.cropRect.W < 1 || p.cropRect.H < 1)
}

// bgCrop returns the rect used to reverse-transform the background UV.
func (p *Pipeline) bgCrop() mask.Rect {
	if p.cropRect != nil {
		return *p.cropRect
	}
	return mask.FullFrame
}

// Process uploads a fresh mask plus the camera frame and runs the full
// chain. motion may be nil on the first mask after init.
func (p *Pipeline) Process(frame *Frame, m *mask.Mask, motion []float32) (*Surface, error) {
	if p.contextLost {
		return nil, ErrContextLost
	}
	if !frame.Valid() || frame.Width != p.cfg.Width || frame.Height != p.cfg.Height {
		return nil, ErrUpload
	}
	if m == nil || m.Width != p.cfg.MaskWidth || m.Height != p.cfg.MaskHeight {
		return nil, ErrMaskSize
	}

	p.uploadCamera(frame)
	m.PadEdges()
	p.uploadMask(m, motion)

	// 1. Temporal smooth, then persist the result as the previous mask.
	hasMotion := float32(0)
	if motion != nil {
		hasMotion = 1
	}
	first := float32(0)
	if p.firstFrame {
		first = 1
	}
	if err := p.runPass(&p.stTemporal, p.bindTemporal, p.temporal, []float32{
		float32(p.tun.AppearRate), float32(p.tun.DisappearRate),
		float32(p.tun.Softness), hasMotion, first, 0, 0, 0,
	}); err != nil {
		return nil, err
	}
	if err := p.copyTexture(p.temporal, p.previous); err != nil {
		return nil, err
	}

	// 2. Optional morphological close at mask resolution.
	src := srcTemporal
	if p.tun.Morphology {
		mt := [2]float32{1 / float32(p.cfg.MaskWidth), 1 / float32(p.cfg.MaskHeight)}
		if err := p.runPass(&p.stMorph, p.bindDilate, p.morphA,
			[]float32{mt[0], mt[1], 0, 1}); err != nil {
			return nil, err
		}
		if err := p.runPass(&p.stMorph, p.bindErode, p.morphB,
			[]float32{mt[0], mt[1], 1, 1}); err != nil {
			return nil, err
		}
		src = srcMorph
	}

	if err := p.sharedTail(src); err != nil {
		return nil, err
	}
	p.firstFrame = false
	return &p.surface, nil
}

// ProcessInterpolated reuses the persisted previous mask, optionally
// translated by the predicted shift, and runs the rest of the chain.
func (p *Pipeline) ProcessInterpolated(frame *Frame, shiftX, shiftY float64) (*Surface, error) {
	if p.contextLost {
		return nil, ErrContextLost
	}
	if !frame.Valid() || frame.Width != p.cfg.Width || frame.Height != p.cfg.Height {
		return nil, ErrUpload
	}

	p.uploadCamera(frame)

	src := srcPrevious
	if abs64(shiftX) > 1e-4 || abs64(shiftY) > 1e-4 {
		if err := p.runPass(&p.stShift, p.bindShift, p.shiftT, []float32{
			float32(shiftX), float32(shiftY), 0, 0,
		}); err != nil {
			return nil, err
		}
		src = srcShift
	}

	if err := p.sharedTail(src); err != nil {
		return nil, err
	}
	return &p.surface, nil
}

// sharedTail runs bilateral -> feather -> erode -> blur -> composite ->
// light wrap -> crop, common to fresh and interpolated frames.
func (p *Pipeline) sharedTail(src maskSource) error {
	w, h := p.cfg.Width, p.cfg.Height
	lowTexel := [2]float32{1 / float32(p.cfg.MaskWidth), 1 / float32(p.cfg.MaskHeight)}
	fullTexel := [2]float32{1 / float32(w), 1 / float32(h)}

	// Bilateral upsample to full resolution.
	if err := p.runPass(&p.stBilateral, p.bindBilateral[src], p.bilateral, []float32{
		lowTexel[0], lowTexel[1], float32(p.tun.RangeSigma), 0,
	}); err != nil {
		return err
	}

	// Edge feather.
	if err := p.runPass(&p.stFeather, p.bindFeather, p.feather, []float32{
		fullTexel[0], fullTexel[1], float32(p.tun.FeatherRadius), 0,
	}); err != nil {
		return err
	}

	// Half-texel erosion pulls the matte just inside the body outline.
	if err := p.runPass(&p.stMorph, p.bindErodeFull, p.bilateral, []float32{
		fullTexel[0], fullTexel[1], 1, 0.5,
	}); err != nil {
		return err
	}

	mode, bgColor, fixed, blurRadius := p.modeInfo()

	// Background blur: three separable iterations at half resolution, the
	// second and third at 0.7x radius.
	if mode == modeBlur {
		hw, hh := p.blurA.width, p.blurA.height
		dirH := [2]float32{1 / float32(hw), 0}
		dirV := [2]float32{0, 1 / float32(hh)}
		radius := blurRadius * p.tun.BlurScale / 6.0

		scale := float32(radius)
		if err := p.runPass(&p.stBlur, p.bindBlurCam, p.blurA, []float32{dirH[0], dirH[1], scale, 0}); err != nil {
			return err
		}
		if err := p.runPass(&p.stBlur, p.bindBlurAB, p.blurB, []float32{dirV[0], dirV[1], scale, 0}); err != nil {
			return err
		}
		scale = float32(radius * 0.7)
		for i := 0; i < 2; i++ {
			if err := p.runPass(&p.stBlur, p.bindBlurBA, p.blurA, []float32{dirH[0], dirH[1], scale, 0}); err != nil {
				return err
			}
			if err := p.runPass(&p.stBlur, p.bindBlurAB, p.blurB, []float32{dirV[0], dirV[1], scale, 0}); err != nil {
				return err
			}
		}
	}

	// Refresh the exposure-matched background image when the gain moved.
	if p.gainDirty && p.bindColorMatch != nil {
		if err := p.runColorMatch(); err != nil {
			return err
		}
	}

	crop := p.bgCrop()
	fixedF := float32(0)
	if fixed && p.cropActive() {
		fixedF = 1
	}
	compositeUniforms := []float32{
		float32(crop.X), float32(crop.Y), float32(crop.W), float32(crop.H),
		bgColor[0], bgColor[1], bgColor[2], 1,
		fullTexel[0], fullTexel[1], mode, fixedF,
	}

	// Route the final full-res passes: composite feeds light wrap when
	// enabled; the last writer targets preCrop when a crop is active.
	cropOn := p.cropActive()
	finalDst := p.output
	if cropOn {
		finalDst = p.preCrop
	}

	if p.tun.LightWrap {
		if err := p.runPass(&p.stComposite, p.bindComposite, p.compositeT, compositeUniforms); err != nil {
			return err
		}
		wrapUniforms := []float32{
			float32(crop.X), float32(crop.Y), float32(crop.W), float32(crop.H),
			bgColor[0], bgColor[1], bgColor[2], 1,
			mode, fixedF, float32(p.tun.WrapStrength), 0,
		}
		if err := p.runPass(&p.stLightWrap, p.bindLightWrap, finalDst, wrapUniforms); err != nil {
			return err
		}
	} else {
		if err := p.runPass(&p.stComposite, p.bindComposite, finalDst, compositeUniforms); err != nil {
			return err
		}
	}

	if cropOn {
		r := *p.cropRect
		if err := p.runPass(&p.stCrop, p.bindCrop, p.output, []float32{
			float32(r.X), float32(r.Y), float32(r.W), float32(r.H),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) copyTexture(src, dst *target) error {
	enc, err := p.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		p.contextLost = true
		return fmt.Errorf("%w: %v", ErrContextLost, err)
	}
	enc.CopyTextureToTexture(src.tex.AsImageCopy(), dst.tex.AsImageCopy(),
		&wgpu.Extent3D{Width: uint32(src.width), Height: uint32(src.height), DepthOrArrayLayers: 1})
	cmd, err := enc.Finish(nil)
	if err != nil {
		p.contextLost = true
		return fmt.Errorf("%w: %v", ErrContextLost, err)
	}
	p.ctx.Queue.Submit(cmd)
	return nil
}

func (p *Pipeline) uploadCamera(f *Frame) {
	writeTexture(p.ctx, p.camera, f.Pixels[:f.Width*f.Height*4], 4)
}

func (p *Pipeline) uploadMask(m *mask.Mask, motion []float32) {
	for i, v := range m.Data {
		p.maskScratch[i] = floatToUnorm(v)
	}
	writeTexture(p.ctx, p.maskRaw, p.maskScratch, 1)

	if motion != nil {
		for i, v := range motion {
			p.motionScratch[i] = floatToUnorm(v)
		}
		writeTexture(p.ctx, p.motion, p.motionScratch, 1)
	}
}

func floatToUnorm(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(v*255 + 0.5)
}

// SetCropRect installs (or clears, with nil) the auto-frame crop. Never
// reallocates resources.
func (p *Pipeline) SetCropRect(r *mask.Rect) {
	if r == nil {
		p.cropRect = nil
		return
	}
	clamped := r.Clamp()
	p.cropRect = &clamped
}

// UpdateOptions swaps the tunables and the background variant. A changed
// background image is re-uploaded unconditionally; everything else is a
// uniform change with no allocation.
func (p *Pipeline) UpdateOptions(tun Tunables, bg Background) error {
	p.tun = tun
	if bg != nil {
		p.bg = bg
		if img, ok := bg.(ImageBackground); ok && img.Image != nil {
			return p.uploadBackgroundImage(img.Image, img.MatchStrength)
		}
	}
	return nil
}

// SetColorMatchGain installs fgMean/bgMean gains (clamped to [0.7, 1.4])
// computed by the orchestrator at model rate.
func (p *Pipeline) SetColorMatchGain(r, g, b float64) {
	clampGain := func(v float64) float64 {
		if v < 0.7 {
			return 0.7
		}
		if v > 1.4 {
			return 1.4
		}
		return v
	}
	gain := [3]float64{clampGain(r), clampGain(g), clampGain(b)}
	if gain != p.matchGain {
		p.matchGain = gain
		p.gainDirty = true
	}
}

// uploadBackgroundImage (re)creates the background texture at the image's
// native size and refreshes the adjusted copy.
func (p *Pipeline) uploadBackgroundImage(img *image.RGBA, matchStrength float64) error {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return ErrUpload
	}

	if p.bgImage != nil {
		p.bgImage.release()
		p.bgImage = nil
	}
	if p.bindColorMatch != nil {
		p.bindColorMatch.Release()
		p.bindColorMatch = nil
	}

	t, err := newUploadTexture(p.ctx, "bg-image", w, h, wgpu.TextureFormatRGBA8Unorm)
	if err != nil {
		return err
	}
	p.bgImage = t

	if img.Stride == w*4 {
		writeTexture(p.ctx, t, img.Pix[:w*h*4], 4)
	} else {
		packed := make([]byte, w*h*4)
		for y := 0; y < h; y++ {
			copy(packed[y*w*4:], img.Pix[y*img.Stride:y*img.Stride+w*4])
		}
		writeTexture(p.ctx, t, packed, 4)
	}

	bgrp, err := p.bindGroup(&p.stColorMatch, "color-match", t.view)
	if err != nil {
		return err
	}
	p.bindColorMatch = bgrp

	p.matchStrengthValue = matchStrength
	p.gainDirty = true
	return p.runColorMatch()
}

func (p *Pipeline) runColorMatch() error {
	if p.bindColorMatch == nil {
		p.gainDirty = false
		return nil
	}
	err := p.runPass(&p.stColorMatch, p.bindColorMatch, p.bgAdjusted, []float32{
		float32(p.matchGain[0]), float32(p.matchGain[1]), float32(p.matchGain[2]), 1,
		float32(p.matchStrengthValue), 0, 0, 0,
	})
	if err == nil {
		p.gainDirty = false
	}
	return err
}

// ContextLost reports whether the device died mid-session. Once set, only
// Destroy followed by a fresh Init clears it.
func (p *Pipeline) ContextLost() bool { return p.contextLost }

// FirstFrame reports whether no fresh-mask dispatch has completed yet.
func (p *Pipeline) FirstFrame() bool { return p.firstFrame }

// Destroy releases every GPU object. The pipeline must not be used again
// until a fresh Init.
func (p *Pipeline) Destroy() {
	for _, bg := range []*wgpu.BindGroup{
		p.bindTemporal, p.bindDilate, p.bindErode, p.bindErodeFull,
		p.bindShift, p.bindFeather, p.bindBlurCam, p.bindBlurAB,
		p.bindBlurBA, p.bindComposite, p.bindLightWrap, p.bindCrop,
		p.bindColorMatch,
	} {
		if bg != nil {
			bg.Release()
		}
	}
	for _, bg := range p.bindBilateral {
		bg.Release()
	}
	p.bindBilateral = nil

	for _, st := range []*stage{
		&p.stTemporal, &p.stMorph, &p.stShift, &p.stBilateral, &p.stFeather,
		&p.stBlur, &p.stComposite, &p.stLightWrap, &p.stCrop, &p.stColorMatch,
	} {
		st.release()
	}

	for _, t := range []*target{
		p.camera, p.maskRaw, p.motion, p.bgImage,
		p.temporal, p.previous, p.morphA, p.morphB, p.shiftT,
		p.bilateral, p.feather, p.compositeT, p.preCrop, p.bgAdjusted,
		p.blurA, p.blurB, p.output,
	} {
		t.release()
	}

	if p.sampler != nil {
		p.sampler.Release()
		p.sampler = nil
	}
	p.initialized = false
	p.contextLost = false
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
