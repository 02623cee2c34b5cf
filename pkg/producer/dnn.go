package producer

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// DNNConfig holds the local segmentation model configuration.
type DNNConfig struct {
	// ModelPath points at an ONNX segmentation model whose output is one
	// confidence channel per input pixel (selfie-segmentation style). The
	// last InputWidth*InputHeight output values are returned as a single
	// person map; a multiclass output is not split into classes.
	ModelPath string

	// InputWidth/Height is the model's native input tile.
	InputWidth  int
	InputHeight int
}

// DefaultDNNConfig returns production defaults for MediaPipe-style selfie
// segmentation exported to ONNX.
func DefaultDNNConfig() DNNConfig {
	return DNNConfig{
		ModelPath:   "models/selfie_segmentation.onnx",
		InputWidth:  256,
		InputHeight: 256,
	}
}

// DNNProducer runs a local ONNX segmentation model through gocv.
type DNNProducer struct {
	net    gocv.Net
	config DNNConfig
	mu     sync.Mutex
	out    []float32 // reused copy of the network output
}

// NewDNN loads the ONNX model and prepares the producer.
func NewDNN(cfg DNNConfig) (*DNNProducer, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load segmentation model from %s", cfg.ModelPath)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &DNNProducer{net: net, config: cfg}, nil
}

// Produce runs one inference over the tile. The input must already be at
// the model's native size; the adapter's rasterizer guarantees that.
func (d *DNNProducer) Produce(input *image.RGBA, _ float64) ([]ConfidenceMap, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.ImageToMatRGBA(input)
	if err != nil {
		return nil, fmt.Errorf("convert input: %w", err)
	}
	defer img.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(img, &bgr, gocv.ColorRGBAToBGR)

	blob := gocv.BlobFromImage(bgr, 1.0/255.0,
		image.Pt(d.config.InputWidth, d.config.InputHeight),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}

	want := d.config.InputWidth * d.config.InputHeight
	if len(data) < want {
		return nil, fmt.Errorf("output too small: %d < %d", len(data), want)
	}

	// The output tensor is released with the Mat, so hand out a copy from
	// the reused buffer.
	if cap(d.out) < want {
		d.out = make([]float32, want)
	}
	d.out = d.out[:want]
	copy(d.out, data[len(data)-want:])
	clamp01(d.out)

	return []ConfidenceMap{
		NewFloatMap(d.config.InputWidth, d.config.InputHeight, d.out),
	}, nil
}

// Close releases the network.
func (d *DNNProducer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

func clamp01(vals []float32) {
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		} else if v > 1 {
			vals[i] = 1
		}
	}
}
