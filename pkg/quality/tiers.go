// Package quality holds the tier table and the adaptive controller that
// walks it: frame times in, tier changes out, with hysteresis so the
// engine neither flaps nor stays degraded longer than needed.
package quality

// Tier is one fully specified operating point. The table is ordered best
// first; a downgrade moves to a higher index.
type Tier struct {
	Label string `json:"label"`

	// Model input resolution.
	MaskWidth  int `json:"mask_width"`
	MaskHeight int `json:"mask_height"`

	// ModelFPS is the target segmentation rate.
	ModelFPS float64 `json:"model_fps"`

	// Temporal smoothing rates.
	AppearRate    float64 `json:"appear_rate"`
	DisappearRate float64 `json:"disappear_rate"`

	// Post-processing knobs.
	FeatherRadius float64 `json:"feather_radius"`
	RangeSigma    float64 `json:"range_sigma"`
	BlurScale     float64 `json:"blur_scale"`
	LightWrap     bool    `json:"light_wrap"`
	Morphology    bool    `json:"morphology"`
}

// ModelIntervalMs is the tier's model period in milliseconds.
func (t Tier) ModelIntervalMs() float64 {
	if t.ModelFPS <= 0 {
		return 1000.0 / 15.0
	}
	return 1000.0 / t.ModelFPS
}

// Tiers is the fixed five-step ladder, ultra to minimal.
var Tiers = [5]Tier{
	{Label: "ultra", MaskWidth: 256, MaskHeight: 256, ModelFPS: 30,
		AppearRate: 0.92, DisappearRate: 0.85, FeatherRadius: 2.0,
		RangeSigma: 0.08, BlurScale: 1.0, LightWrap: true, Morphology: true},
	{Label: "high", MaskWidth: 256, MaskHeight: 256, ModelFPS: 24,
		AppearRate: 0.90, DisappearRate: 0.80, FeatherRadius: 2.0,
		RangeSigma: 0.08, BlurScale: 1.0, LightWrap: true, Morphology: true},
	{Label: "medium", MaskWidth: 192, MaskHeight: 192, ModelFPS: 18,
		AppearRate: 0.88, DisappearRate: 0.78, FeatherRadius: 1.5,
		RangeSigma: 0.10, BlurScale: 0.85, LightWrap: true, Morphology: false},
	{Label: "low", MaskWidth: 160, MaskHeight: 160, ModelFPS: 12,
		AppearRate: 0.85, DisappearRate: 0.75, FeatherRadius: 1.0,
		RangeSigma: 0.12, BlurScale: 0.70, LightWrap: false, Morphology: false},
	{Label: "minimal", MaskWidth: 128, MaskHeight: 128, ModelFPS: 8,
		AppearRate: 0.82, DisappearRate: 0.72, FeatherRadius: 0.0,
		RangeSigma: 0.15, BlurScale: 0.55, LightWrap: false, Morphology: false},
}

// TierForQuality maps the user-facing quality names to a seed tier.
func TierForQuality(q string) int {
	switch q {
	case "ultra":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	case "low":
		return 3
	default:
		return 0
	}
}
