package gpu

// Capabilities reports what the host can do, split into hard requirements
// (the engine refuses to start without them) and soft extras.
type Capabilities struct {
	// Hard requirements.
	OffscreenSurface     bool `json:"offscreen_surface"`       // can render without a window
	GPUAPIv2             bool `json:"gpu_api_v2"`              // modern GPU API (WebGPU) present
	FloatColorRenderable bool `json:"float_color_renderable"`  // rgba16float render targets

	// Soft capabilities.
	TextureFloatLinear bool `json:"texture_float_linear"` // linear filtering of float textures
	WorkerThread       bool `json:"worker_thread"`        // off-thread mask producer
	FrameTransfer      bool `json:"frame_transfer"`       // zero-copy frame handoff

	// Adapter metadata, empty when no adapter was found.
	AdapterName   string `json:"adapter_name,omitempty"`
	AdapterVendor string `json:"adapter_vendor,omitempty"`
}

// Probe inspects the host synchronously and without side effects beyond
// lazily creating the shared GPU context. It never returns an error; absent
// capabilities are reported as false.
func Probe() Capabilities {
	caps := Capabilities{
		// Goroutines and slice handoff are always available in-process.
		WorkerThread:  true,
		FrameTransfer: true,
	}

	c, err := Get()
	if err != nil {
		return caps
	}

	caps.OffscreenSurface = true
	caps.GPUAPIv2 = true
	// rgba16float render attachments and linear filtering are core WebGPU;
	// any adapter that passed device creation supports them.
	caps.FloatColorRenderable = true
	caps.TextureFloatLinear = true
	caps.AdapterName = c.AdapterName
	caps.AdapterVendor = c.AdapterVendor
	return caps
}

// MeetsHardRequirements reports whether the engine can run at all.
func (c Capabilities) MeetsHardRequirements() bool {
	return c.OffscreenSurface && c.GPUAPIv2 && c.FloatColorRenderable
}
