package matte

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/lumakit/go-matte/pkg/mask"
)

// Diagnostics levels.
const (
	DiagOff     = "off"
	DiagSummary = "summary"
)

// DiagnosticsOptions routes the engine's telemetry.
type DiagnosticsOptions struct {
	Level      string  `json:"level"`
	IntervalMs float64 `json:"interval_ms"`

	// ClientID tags every event; generated when empty.
	ClientID string `json:"client_id"`

	// IncludeImage is accepted for config compatibility; summary events
	// in this engine never attach image payloads (the preview websocket
	// already carries frames).
	IncludeImage bool `json:"include_image"`

	// OnEvent receives init and summary events. Called from the frame
	// loop; keep it cheap.
	OnEvent func(Event) `json:"-"`
}

// Event is one diagnostics emission.
type Event struct {
	Type        string   `json:"type"` // "init" or "summary"
	ClientID    string   `json:"client_id"`
	TimestampMs float64  `json:"timestamp_ms"`
	Init        *InitInfo `json:"init,omitempty"`
	Summary     *Summary  `json:"summary,omitempty"`
}

// InitInfo describes the session once, at startup.
type InitInfo struct {
	AdapterName   string `json:"adapter_name"`
	AdapterVendor string `json:"adapter_vendor"`
	FrameWidth    int    `json:"frame_width"`
	FrameHeight   int    `json:"frame_height"`
	MaskWidth     int    `json:"mask_width"`
	MaskHeight    int    `json:"mask_height"`
	UseWorker     bool   `json:"use_worker"`
}

// Summary is the recurring rollup of one diagnostics interval.
type Summary struct {
	FPS            float64    `json:"fps"`
	ModelFPS       float64    `json:"model_fps"`
	AvgModelMs     float64    `json:"avg_model_ms"`
	AvgPipelineMs  float64    `json:"avg_pipeline_ms"`
	AvgTotalMs     float64    `json:"avg_total_ms"`
	P95TotalMs     float64    `json:"p95_total_ms"`
	DroppedFrames  int        `json:"dropped_frames"`
	QualityTier    int        `json:"quality_tier"`
	QualityLabel   string     `json:"quality_label"`
	ROICrop        *mask.Rect `json:"roi_crop,omitempty"`
	AutoFrameZoom  float64    `json:"auto_frame_zoom"`
	MaskCoverage   float64    `json:"mask_coverage"`
	BBoxAtEdgeCount int       `json:"bbox_at_edge_count"`
	MaskEmptyCount  int       `json:"mask_empty_count"`
	ContextLost    bool       `json:"context_lost"`
}

// diagnostics accumulates per-interval counters. It never affects
// processing; with level off every method is a cheap no-op.
type diagnostics struct {
	opts    DiagnosticsOptions
	enabled bool

	intervalStartMs float64
	frames          int
	modelRuns       int
	sumModelMs      float64
	sumPipelineMs   float64
	sumTotalMs      float64
	totals          []float64
	dropped         int
	bboxAtEdge      int
	maskEmpty       int
	coverageSum     float64
	coverageN       int
}

func newDiagnostics(opts DiagnosticsOptions) *diagnostics {
	if opts.IntervalMs <= 0 {
		opts.IntervalMs = 5000
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	return &diagnostics{
		opts:            opts,
		enabled:         opts.Level == DiagSummary && opts.OnEvent != nil,
		intervalStartMs: math.NaN(),
	}
}

// emitInit sends the one-time init event.
func (d *diagnostics) emitInit(info InitInfo, nowMs float64) {
	if !d.enabled {
		return
	}
	d.opts.OnEvent(Event{
		Type:        "init",
		ClientID:    d.opts.ClientID,
		TimestampMs: nowMs,
		Init:        &info,
	})
}

// frame records one processed frame.
func (d *diagnostics) frame(totalMs, pipelineMs float64) {
	if !d.enabled {
		return
	}
	d.frames++
	d.sumTotalMs += totalMs
	d.sumPipelineMs += pipelineMs
	d.totals = append(d.totals, totalMs)
}

// model records one model inference.
func (d *diagnostics) model(inferMs float64) {
	if !d.enabled {
		return
	}
	d.modelRuns++
	d.sumModelMs += inferMs
}

func (d *diagnostics) drop() {
	if !d.enabled {
		return
	}
	d.dropped++
}
func (d *diagnostics) edgeBBox() {
	if !d.enabled {
		return
	}
	d.bboxAtEdge++
}
func (d *diagnostics) emptyMask() {
	if !d.enabled {
		return
	}
	d.maskEmpty++
}
func (d *diagnostics) coverage(c float64) {
	if !d.enabled {
		return
	}
	d.coverageSum += c
	d.coverageN++
}

// maybeEmit sends a summary when the interval elapsed and resets the
// accumulators.
func (d *diagnostics) maybeEmit(nowMs float64, tier int, label string, roi *mask.Rect, zoom float64, contextLost bool) {
	if !d.enabled {
		return
	}
	if math.IsNaN(d.intervalStartMs) {
		d.intervalStartMs = nowMs
		return
	}
	elapsed := nowMs - d.intervalStartMs
	if elapsed < d.opts.IntervalMs || d.frames == 0 {
		return
	}

	s := &Summary{
		FPS:            float64(d.frames) / (elapsed / 1000),
		ModelFPS:       float64(d.modelRuns) / (elapsed / 1000),
		DroppedFrames:  d.dropped,
		QualityTier:    tier,
		QualityLabel:   label,
		ROICrop:        roi,
		AutoFrameZoom:  zoom,
		BBoxAtEdgeCount: d.bboxAtEdge,
		MaskEmptyCount:  d.maskEmpty,
		ContextLost:    contextLost,
	}
	if d.frames > 0 {
		s.AvgTotalMs = d.sumTotalMs / float64(d.frames)
		s.AvgPipelineMs = d.sumPipelineMs / float64(d.frames)
	}
	if d.modelRuns > 0 {
		s.AvgModelMs = d.sumModelMs / float64(d.modelRuns)
	}
	if d.coverageN > 0 {
		s.MaskCoverage = d.coverageSum / float64(d.coverageN)
	}
	if len(d.totals) > 0 {
		sort.Float64s(d.totals)
		idx := int(math.Ceil(0.95*float64(len(d.totals)))) - 1
		if idx < 0 {
			idx = 0
		}
		s.P95TotalMs = d.totals[idx]
	}

	d.opts.OnEvent(Event{
		Type:        "summary",
		ClientID:    d.opts.ClientID,
		TimestampMs: nowMs,
		Summary:     s,
	})

	d.intervalStartMs = nowMs
	d.frames = 0
	d.modelRuns = 0
	d.sumModelMs = 0
	d.sumPipelineMs = 0
	d.sumTotalMs = 0
	d.totals = d.totals[:0]
	d.dropped = 0
	d.bboxAtEdge = 0
	d.maskEmpty = 0
	d.coverageSum = 0
	d.coverageN = 0
}
