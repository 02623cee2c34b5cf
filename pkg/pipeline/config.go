package pipeline

// Config fixes the pipeline's geometry and initial state. Sizes are
// immutable after Init; everything in Tunables can change per frame via
// UpdateOptions without reallocating GPU resources.
type Config struct {
	// Frame dimensions.
	Width  int
	Height int

	// Mask-space dimensions; fixed at init from the top quality tier's
	// model resolution, regardless of later tier changes.
	MaskWidth  int
	MaskHeight int

	Background Background
	Tunables   Tunables
}

// Tunables are the per-frame quality knobs driven by the adaptive
// controller and user options.
type Tunables struct {
	// Temporal smoothing rates: how fast foreground appears/disappears.
	AppearRate    float64 `json:"appear_rate"`
	DisappearRate float64 `json:"disappear_rate"`
	// Softness of the raw-mask threshold around 0.5.
	Softness float64 `json:"softness"`

	// Edge feather Gaussian sigma in full-res texels; 0 disables feathering
	// in practice (the gradient early-exit dominates).
	FeatherRadius float64 `json:"feather_radius"`

	// Bilateral range sigma in perceptual color distance.
	RangeSigma float64 `json:"range_sigma"`

	// Background blur radius multiplier on top of the mode's radius.
	BlurScale float64 `json:"blur_scale"`

	// Morphological close (dilate then erode) on the mask-res mask.
	Morphology bool `json:"morphology"`

	// Light wrap over the finished composite.
	LightWrap    bool    `json:"light_wrap"`
	WrapStrength float64 `json:"wrap_strength"`
}

// DefaultTunables matches the top quality tier.
func DefaultTunables() Tunables {
	return Tunables{
		AppearRate:    0.92,
		DisappearRate: 0.85,
		Softness:      0.25,
		FeatherRadius: 2.0,
		RangeSigma:    0.08,
		BlurScale:     1.0,
		Morphology:    true,
		LightWrap:     true,
		WrapStrength:  0.06,
	}
}
