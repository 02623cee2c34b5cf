package producer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"net/http"

	"github.com/lumakit/go-matte/internal/httpc"
)

// RemoteConfig points the producer at an HTTP segmentation service.
type RemoteConfig struct {
	// URL accepts a POSTed JPEG tile and answers with raw little-endian
	// float32 confidences, row-major, one value per input pixel.
	URL string

	// JPEGQuality for the uploaded tile.
	JPEGQuality int

	// InputWidth/Height of the tile; used to validate the response.
	InputWidth  int
	InputHeight int
}

// RemoteProducer posts tiles to a segmentation endpoint. A failed call is
// an ordinary inference failure: the adapter keeps the previous mask and
// the frame interpolates, so no retry logic lives here.
type RemoteProducer struct {
	config RemoteConfig
	buf    bytes.Buffer // reused JPEG encode buffer
	out    []float32    // reused response buffer
}

// NewRemote creates a remote producer.
func NewRemote(cfg RemoteConfig) (*RemoteProducer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote producer needs a URL")
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	return &RemoteProducer{config: cfg}, nil
}

// Produce uploads the tile and decodes the confidence map.
func (r *RemoteProducer) Produce(input *image.RGBA, timestampMs float64) ([]ConfidenceMap, error) {
	r.buf.Reset()
	if err := jpeg.Encode(&r.buf, input, &jpeg.Options{Quality: r.config.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode tile: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, r.config.URL, bytes.NewReader(r.buf.Bytes()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Timestamp-Ms", fmt.Sprintf("%.3f", timestampMs))

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segment request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("segment request: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	want := r.config.InputWidth * r.config.InputHeight
	if len(raw) < want*4 {
		return nil, fmt.Errorf("short response: %d bytes, want %d", len(raw), want*4)
	}

	if cap(r.out) < want {
		r.out = make([]float32, want)
	}
	r.out = r.out[:want]
	for i := 0; i < want; i++ {
		r.out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	clamp01(r.out)

	return []ConfidenceMap{
		NewFloatMap(r.config.InputWidth, r.config.InputHeight, r.out),
	}, nil
}

// Close is a no-op; the shared HTTP client outlives the producer.
func (r *RemoteProducer) Close() error { return nil }
