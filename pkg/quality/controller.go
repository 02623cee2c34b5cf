package quality

import (
	"math"
	"sort"

	"github.com/lumakit/go-matte/internal/log"
)

// Config holds the adaptive controller's thresholds.
type Config struct {
	// TargetMs is the frame-time budget.
	TargetMs float64 `json:"target_ms"`

	// CriticalMs triggers the fast path: three consecutive frames above
	// it force an immediate downgrade, cooldown or not.
	CriticalMs float64 `json:"critical_ms"`

	// WindowSize is how many frames one evaluation window spans.
	WindowSize int `json:"window_size"`

	// DowngradeWindows / UpgradeWindows are how many consecutive bad/good
	// windows trigger a tier change.
	DowngradeWindows int `json:"downgrade_windows"`
	UpgradeWindows   int `json:"upgrade_windows"`

	// CooldownMs is the minimum spacing between tier changes.
	CooldownMs float64 `json:"cooldown_ms"`
}

// DefaultConfig returns the recommended controller thresholds.
func DefaultConfig() Config {
	return Config{
		TargetMs:         28,
		CriticalMs:       40,
		WindowSize:       30,
		DowngradeWindows: 2,
		UpgradeWindows:   5,
		CooldownMs:       1000,
	}
}

// Controller watches frame times and walks the tier ladder. Drive it from
// the frame loop only; it is not goroutine-safe.
type Controller struct {
	config Config

	tier   int
	locked bool

	ring      []float64
	ringPos   int
	ringFull  bool
	frameInWn int
	sorted    []float64 // reused P95 scratch

	goodWindows      int
	badWindows       int
	criticalInARow   int
	lastAdjustmentMs float64

	// appliers run after every tier change.
	appliers []func(tier int)
}

// NewController creates a controller seeded at the given tier.
func NewController(config Config, seedTier int) *Controller {
	if config.WindowSize <= 0 {
		config = DefaultConfig()
	}
	c := &Controller{
		config:           config,
		ring:             make([]float64, config.WindowSize),
		sorted:           make([]float64, 0, config.WindowSize),
		lastAdjustmentMs: -config.CooldownMs,
	}
	c.tier = clampTier(seedTier)
	return c
}

// OnTierChange registers an applier invoked after every change.
func (c *Controller) OnTierChange(fn func(tier int)) {
	c.appliers = append(c.appliers, fn)
}

// Tier returns the current tier index.
func (c *Controller) Tier() int { return c.tier }

// Current returns the current tier record.
func (c *Controller) Current() Tier { return Tiers[c.tier] }

// Lock freezes the tier; ReportFrame keeps accumulating but never changes
// tier until Unlock.
func (c *Controller) Lock()   { c.locked = true }
func (c *Controller) Unlock() { c.locked = false }

// Reset clears all windows and counters, keeping the tier.
func (c *Controller) Reset() {
	c.ringPos = 0
	c.ringFull = false
	c.frameInWn = 0
	c.goodWindows = 0
	c.badWindows = 0
	c.criticalInARow = 0
	c.lastAdjustmentMs = -c.config.CooldownMs
}

// SetTier jumps to a tier explicitly (user override). Appliers run; the
// cooldown restarts so the adaptive logic does not immediately fight it.
func (c *Controller) SetTier(tier int, nowMs float64) {
	tier = clampTier(tier)
	if tier == c.tier {
		return
	}
	c.tier = tier
	c.lastAdjustmentMs = nowMs
	c.goodWindows = 0
	c.badWindows = 0
	c.criticalInARow = 0
	c.apply()
}

// ReportFrame feeds one total frame time. nowMs is the same clock used for
// the cooldown.
func (c *Controller) ReportFrame(totalMs, nowMs float64) {
	c.ring[c.ringPos] = totalMs
	c.ringPos = (c.ringPos + 1) % len(c.ring)
	if c.ringPos == 0 {
		c.ringFull = true
	}

	// Fast path: a burst of catastrophic frames downgrades immediately,
	// ignoring window boundaries and cooldown.
	if totalMs > c.config.CriticalMs {
		c.criticalInARow++
		if c.criticalInARow >= 3 {
			c.criticalInARow = 0
			if !c.locked {
				c.downgrade(nowMs)
			}
			return
		}
	} else {
		c.criticalInARow = 0
	}

	c.frameInWn++
	if c.frameInWn < c.config.WindowSize {
		return
	}
	c.frameInWn = 0
	c.evaluateWindow(nowMs)
}

func (c *Controller) evaluateWindow(nowMs float64) {
	mean, p95 := c.windowStats()

	cooled := nowMs-c.lastAdjustmentMs >= c.config.CooldownMs

	switch {
	case mean > c.config.TargetMs || p95 > c.config.CriticalMs:
		c.badWindows++
		c.goodWindows = 0
		if c.badWindows >= c.config.DowngradeWindows && cooled && !c.locked {
			c.badWindows = 0
			c.downgrade(nowMs)
		}
	case mean < 0.6*c.config.TargetMs:
		c.goodWindows++
		c.badWindows = 0
		if c.goodWindows >= c.config.UpgradeWindows && cooled && !c.locked {
			c.goodWindows = 0
			c.upgrade(nowMs)
		}
	default:
		// Stable: inside the band, both streaks break.
		c.goodWindows = 0
		c.badWindows = 0
	}
}

func (c *Controller) windowStats() (mean, p95 float64) {
	n := len(c.ring)
	if !c.ringFull {
		n = c.ringPos
	}
	if n == 0 {
		return 0, 0
	}
	c.sorted = c.sorted[:0]
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += c.ring[i]
		c.sorted = append(c.sorted, c.ring[i])
	}
	sort.Float64s(c.sorted)
	idx := int(math.Ceil(0.95*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return sum / float64(n), c.sorted[idx]
}

// downgrade saturates at the bottom of the ladder.
func (c *Controller) downgrade(nowMs float64) {
	if c.tier >= len(Tiers)-1 {
		return
	}
	c.tier++
	c.lastAdjustmentMs = nowMs
	log.Component("quality").Info("tier downgraded", "tier", Tiers[c.tier].Label)
	c.apply()
}

// upgrade saturates at the top.
func (c *Controller) upgrade(nowMs float64) {
	if c.tier <= 0 {
		return
	}
	c.tier--
	c.lastAdjustmentMs = nowMs
	log.Component("quality").Info("tier upgraded", "tier", Tiers[c.tier].Label)
	c.apply()
}

func (c *Controller) apply() {
	for _, fn := range c.appliers {
		fn(c.tier)
	}
}

// CalibrateFromBenchmark picks a starting tier from one measured sample of
// the full pipeline, against fractions of the target budget.
func (c *Controller) CalibrateFromBenchmark(sampleMs float64) int {
	t := c.config.TargetMs
	thresholds := []float64{0.5 * t, 0.8 * t, 1.0 * t, 1.5 * t}
	tier := len(thresholds)
	for i, th := range thresholds {
		if sampleMs <= th {
			tier = i
			break
		}
	}
	c.tier = clampTier(tier)
	c.apply()
	return c.tier
}

func clampTier(t int) int {
	if t < 0 {
		return 0
	}
	if t >= len(Tiers) {
		return len(Tiers) - 1
	}
	return t
}
