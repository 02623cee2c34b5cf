package pipeline

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/lumakit/go-matte/pkg/gpu"
)

// target is one texture plus its default view. Render targets are
// rgba16float so sub-threshold mask values survive between stages; upload
// textures are 8-bit.
type target struct {
	tex    *wgpu.Texture
	view   *wgpu.TextureView
	width  int
	height int
}

func (t *target) release() {
	if t == nil {
		return
	}
	if t.view != nil {
		t.view.Release()
	}
	if t.tex != nil {
		t.tex.Destroy()
	}
}

func newTexture(c *gpu.Context, label string, w, h int, format wgpu.TextureFormat, usage wgpu.TextureUsage) (*target, error) {
	tex, err := c.Device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         label,
		Size:          wgpu.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        format,
		Usage:         usage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFramebufferIncomplete, label, err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Destroy()
		return nil, fmt.Errorf("%w: %s view: %v", ErrFramebufferIncomplete, label, err)
	}
	return &target{tex: tex, view: view, width: w, height: h}, nil
}

// newRenderTarget allocates a float color attachment that can also be
// sampled and copied.
func newRenderTarget(c *gpu.Context, label string, w, h int) (*target, error) {
	return newTexture(c, label, w, h, wgpu.TextureFormatRGBA16Float,
		wgpu.TextureUsageRenderAttachment|wgpu.TextureUsageTextureBinding|
			wgpu.TextureUsageCopySrc|wgpu.TextureUsageCopyDst)
}

// newUploadTexture allocates a CPU-writable sampled texture.
func newUploadTexture(c *gpu.Context, label string, w, h int, format wgpu.TextureFormat) (*target, error) {
	return newTexture(c, label, w, h, format,
		wgpu.TextureUsageTextureBinding|wgpu.TextureUsageCopyDst)
}

// writeTexture uploads tightly packed pixel rows.
func writeTexture(c *gpu.Context, t *target, data []byte, bytesPerPixel int) {
	c.Queue.WriteTexture(
		t.tex.AsImageCopy(),
		data,
		&wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(t.width * bytesPerPixel),
			RowsPerImage: uint32(t.height),
		},
		&wgpu.Extent3D{Width: uint32(t.width), Height: uint32(t.height), DepthOrArrayLayers: 1},
	)
}
