package quality

import (
	"testing"
)

// feed reports n frames of the same duration, advancing the clock by
// stepMs per frame, and returns the clock.
func feed(c *Controller, n int, totalMs, nowMs, stepMs float64) float64 {
	for i := 0; i < n; i++ {
		nowMs += stepMs
		c.ReportFrame(totalMs, nowMs)
	}
	return nowMs
}

func TestWindowDowngrade_ExactlyOnce(t *testing.T) {
	c := NewController(DefaultConfig(), 0)

	// One clean window: stable, no counters.
	now := feed(c, 30, 20, 0, 20)
	if c.Tier() != 0 || c.badWindows != 0 {
		t.Fatalf("clean window changed state: tier %d bad %d", c.Tier(), c.badWindows)
	}

	// Two windows above target (35ms > 28ms, below the 40ms critical):
	// the downgrade fires at the second window boundary, exactly once.
	now = feed(c, 30, 35, now, 35)
	if c.Tier() != 0 {
		t.Fatalf("one bad window must not downgrade, tier %d", c.Tier())
	}
	if c.badWindows != 1 {
		t.Fatalf("badWindows = %d, want 1", c.badWindows)
	}

	now = feed(c, 30, 35, now, 35)
	if c.Tier() != 1 {
		t.Fatalf("tier = %d, want 1 after two bad windows", c.Tier())
	}
	if c.badWindows != 0 {
		t.Errorf("badWindows must reset after downgrade, got %d", c.badWindows)
	}

	// Cooldown: two more bad windows inside the next second must not
	// downgrade again.
	feed(c, 60, 35, now, 1)
	if c.Tier() != 1 {
		t.Errorf("cooldown violated: tier %d", c.Tier())
	}
}

func TestCriticalFastPath(t *testing.T) {
	c := NewController(DefaultConfig(), 0)

	// Two critical frames: nothing yet.
	now := feed(c, 2, 50, 0, 16)
	if c.Tier() != 0 {
		t.Fatalf("two criticals must not downgrade")
	}
	// Third consecutive critical downgrades immediately, mid-window.
	now = feed(c, 1, 50, now, 16)
	if c.Tier() != 1 {
		t.Fatalf("tier = %d, want 1 after 3 criticals", c.Tier())
	}
	if c.criticalInARow != 0 {
		t.Errorf("criticalInARow must reset, got %d", c.criticalInARow)
	}

	// A non-critical frame breaks the streak.
	now = feed(c, 2, 50, now, 16)
	now = feed(c, 1, 20, now, 16)
	feed(c, 2, 50, now, 16)
	if c.Tier() != 1 {
		t.Errorf("broken streak must not downgrade, tier %d", c.Tier())
	}
}

func TestSustainedOverload_SaturatesAtFloor(t *testing.T) {
	c := NewController(DefaultConfig(), 0)

	now := feed(c, 60, 100, 0, 100)
	if c.Tier() != len(Tiers)-1 {
		t.Fatalf("sustained 100ms should reach the floor, tier %d", c.Tier())
	}
	// Further slow frames keep the tier pinned.
	feed(c, 60, 100, now, 100)
	if c.Tier() != len(Tiers)-1 {
		t.Errorf("floor tier moved")
	}
}

func TestSustainedFast_UpgradesAfterFiveWindows(t *testing.T) {
	c := NewController(DefaultConfig(), len(Tiers)-1)

	// 5ms frames: mean far below 0.6*target. Five windows then upgrade.
	now := 0.0
	for w := 0; w < 4; w++ {
		now = feed(c, 30, 5, now, 33)
		if c.Tier() != len(Tiers)-1 {
			t.Fatalf("window %d: upgraded early to %d", w, c.Tier())
		}
	}
	feed(c, 30, 5, now, 33)
	if c.Tier() != len(Tiers)-2 {
		t.Errorf("tier = %d, want %d after five good windows", c.Tier(), len(Tiers)-2)
	}
}

func TestUpgradeSaturatesAtTop(t *testing.T) {
	c := NewController(DefaultConfig(), 0)
	now := 0.0
	for w := 0; w < 10; w++ {
		now = feed(c, 30, 5, now, 40)
	}
	if c.Tier() != 0 {
		t.Errorf("tier rose above the ceiling: %d", c.Tier())
	}
}

func TestLockFreezesTier(t *testing.T) {
	c := NewController(DefaultConfig(), 1)
	c.Lock()
	feed(c, 90, 100, 0, 100)
	if c.Tier() != 1 {
		t.Errorf("locked controller changed tier to %d", c.Tier())
	}

	c.Unlock()
	feed(c, 3, 100, 10000, 16)
	if c.Tier() != 2 {
		t.Errorf("unlock did not restore adaptation, tier %d", c.Tier())
	}
}

func TestSetTierRunsAppliers(t *testing.T) {
	c := NewController(DefaultConfig(), 0)
	var applied []int
	c.OnTierChange(func(tier int) { applied = append(applied, tier) })

	c.SetTier(3, 0)
	if c.Tier() != 3 || len(applied) != 1 || applied[0] != 3 {
		t.Errorf("tier %d applied %v", c.Tier(), applied)
	}

	// No-op set does not re-apply.
	c.SetTier(3, 0)
	if len(applied) != 1 {
		t.Errorf("no-op SetTier re-applied: %v", applied)
	}

	// Out-of-range clamps.
	c.SetTier(99, 0)
	if c.Tier() != len(Tiers)-1 {
		t.Errorf("tier %d, want floor", c.Tier())
	}
}

func TestCalibrateFromBenchmark(t *testing.T) {
	c := NewController(DefaultConfig(), 0) // target 28ms

	cases := []struct {
		sample float64
		want   int
	}{
		{10, 0},   // <= 14
		{20, 1},   // <= 22.4
		{25, 2},   // <= 28
		{40, 3},   // <= 42
		{100, 4},  // beyond all thresholds
	}
	for _, tc := range cases {
		if got := c.CalibrateFromBenchmark(tc.sample); got != tc.want {
			t.Errorf("calibrate(%v) = %d, want %d", tc.sample, got, tc.want)
		}
	}
}

func TestReset(t *testing.T) {
	c := NewController(DefaultConfig(), 0)
	feed(c, 35, 35, 0, 35)
	c.Reset()
	if c.badWindows != 0 || c.goodWindows != 0 || c.criticalInARow != 0 {
		t.Error("reset left counters")
	}
	if c.Tier() != 0 {
		t.Error("reset must keep the tier")
	}
}

func TestTierTable_Monotonic(t *testing.T) {
	for i := 1; i < len(Tiers); i++ {
		if Tiers[i].ModelFPS >= Tiers[i-1].ModelFPS {
			t.Errorf("tier %d model fps not decreasing", i)
		}
		if Tiers[i].MaskWidth > Tiers[i-1].MaskWidth {
			t.Errorf("tier %d mask width increased", i)
		}
	}
	if TierForQuality("ultra") != 0 || TierForQuality("low") != 3 || TierForQuality("bogus") != 0 {
		t.Error("quality name mapping wrong")
	}
}
