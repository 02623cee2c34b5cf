// matteprobe reports the host's capabilities and, when a GPU is present,
// benchmarks a short run of synthetic pipeline dispatches to recommend a
// starting quality tier.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/lumakit/go-matte/internal/log"
	"github.com/lumakit/go-matte/pkg/gpu"
	"github.com/lumakit/go-matte/pkg/mask"
	"github.com/lumakit/go-matte/pkg/pipeline"
	"github.com/lumakit/go-matte/pkg/quality"
)

const benchFrames = 20

func main() {
	log.Init("warn")

	caps := gpu.Probe()
	out, _ := json.MarshalIndent(caps, "", "  ")
	fmt.Println(string(out))

	if !caps.MeetsHardRequirements() {
		fmt.Println("hard requirements not met; engine cannot run here")
		os.Exit(1)
	}

	sample, err := benchmark()
	if err != nil {
		fmt.Printf("benchmark failed: %v\n", err)
		os.Exit(1)
	}

	ctrl := quality.NewController(quality.DefaultConfig(), 0)
	tier := ctrl.CalibrateFromBenchmark(sample)
	fmt.Printf("avg dispatch: %.2f ms -> recommended tier %d (%s)\n",
		sample, tier, quality.Tiers[tier].Label)
}

// benchmark times full fresh-mask dispatches at 720p.
func benchmark() (float64, error) {
	p := pipeline.New()
	err := p.Init(pipeline.Config{
		Width: 1280, Height: 720,
		MaskWidth:  quality.Tiers[0].MaskWidth,
		MaskHeight: quality.Tiers[0].MaskHeight,
		Background: pipeline.BlurBackground{Radius: 12},
		Tunables:   pipeline.DefaultTunables(),
	})
	if err != nil {
		return 0, err
	}
	defer p.Destroy()

	frame := &pipeline.Frame{Width: 1280, Height: 720, Pixels: make([]byte, 1280*720*4)}
	for i := range frame.Pixels {
		frame.Pixels[i] = byte(i * 31)
	}
	m := mask.New(quality.Tiers[0].MaskWidth, quality.Tiers[0].MaskHeight)
	for y := 64; y < 192; y++ {
		for x := 64; x < 192; x++ {
			m.Set(x, y, 1)
		}
	}

	// Warm-up dispatch compiles lazily-created driver state.
	if _, err := p.Process(frame, m, nil); err != nil {
		return 0, err
	}

	start := time.Now()
	for i := 0; i < benchFrames; i++ {
		surface, err := p.Process(frame, m, nil)
		if err != nil {
			return 0, err
		}
		// Readback forces the queue to drain so the timing is honest.
		if _, err := surface.ReadRGBA(); err != nil {
			return 0, err
		}
	}
	return float64(time.Since(start).Microseconds()) / 1000.0 / benchFrames, nil
}
