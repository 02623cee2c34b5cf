// Package matte is the engine's front door: the per-frame orchestrator
// that decides between a fresh mask and motion-compensated interpolation,
// wires the quality controller into the GPU pipeline and the mask
// producer, and emits diagnostics.
package matte

import (
	"time"

	"github.com/lumakit/go-matte/pkg/autoframe"
	"github.com/lumakit/go-matte/pkg/pipeline"
	"github.com/lumakit/go-matte/pkg/producer"
	"github.com/lumakit/go-matte/pkg/quality"
)

// Options configures the processor. Zero values fall back to sensible
// defaults; these can also be adjusted at runtime through the setters on
// Processor.
type Options struct {
	// === Compositing ===
	// Background selects the compositor branch. NoBackground bypasses
	// processing entirely.
	Background pipeline.Background

	// === Model scheduling ===
	// ModelFPS overrides the tier's segmentation rate; 0 keeps the tier
	// default.
	ModelFPS float64 `json:"model_fps"`

	// OutputFPS is advisory only; the host's frame clock drives output.
	OutputFPS float64 `json:"output_fps"`

	// ProducerFactory builds the segmentation model. With UseWorker it is
	// invoked on the worker goroutine so slow loads never block frames.
	ProducerFactory func() (producer.Producer, error)

	// UseWorker routes inference through a dedicated goroutine; failures
	// fall back to in-thread inference transparently.
	UseWorker bool `json:"use_worker"`

	// WorkerInitTimeout bounds worker startup before the fallback kicks
	// in. Zero means the default 30 s.
	WorkerInitTimeout time.Duration `json:"-"`

	// ROIPadding grows the person bbox before it becomes the next model
	// crop.
	ROIPadding float64 `json:"roi_padding"`

	// === Quality ===
	// Quality seeds the tier: "low", "medium", "high" or "ultra".
	Quality string `json:"quality"`

	// Adaptive enables the closed-loop controller; when false the seed
	// tier is locked.
	Adaptive bool `json:"adaptive"`

	// AdaptiveConfig overrides the controller thresholds.
	AdaptiveConfig *quality.Config `json:"adaptive_config,omitempty"`

	// === Auto-framing ===
	AutoFrame autoframe.Config `json:"auto_frame"`

	// === Diagnostics ===
	Diagnostics DiagnosticsOptions `json:"diagnostics"`
}

// DefaultOptions returns a blur-background engine at ultra quality with
// adaptation on.
func DefaultOptions() Options {
	return Options{
		Background: pipeline.BlurBackground{Radius: 12},
		Quality:    "ultra",
		Adaptive:   true,
		ROIPadding: 0.08,
		AutoFrame:  autoframe.Config{Enabled: false},
		Diagnostics: DiagnosticsOptions{
			Level:      DiagOff,
			IntervalMs: 5000,
		},
	}
}

// zoomEpsilon: auto-frame zoom at or below this is treated as "no crop".
const zoomEpsilon = 1.02

// minModelIntervalMs floors the motion-driven model speedup.
const minModelIntervalMs = 16.0
