// Package gpu owns the process-wide WebGPU context used by the render
// pipeline: instance, adapter, device and queue, plus readback helpers.
// The context is created once and shared; all pipeline work is submitted
// on the single device queue.
package gpu

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/lumakit/go-matte/internal/log"
)

// Context holds the single WebGPU context for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue

	// Adapter metadata captured at init for diagnostics.
	AdapterName   string
	AdapterVendor string
}

var (
	ctx     *Context
	ctxErr  error
	ctxOnce sync.Once
)

// Get returns the singleton GPU context, initializing it on first call.
// Initialization prefers a discrete adapter, then falls back to high
// performance, low power and finally the default adapter.
func Get() (*Context, error) {
	ctxOnce.Do(func() {
		ctx, ctxErr = initContext()
	})
	return ctx, ctxErr
}

// Available reports whether a usable GPU context can be created.
// Tests use this to skip GPU-dependent cases on headless machines.
func Available() bool {
	_, err := Get()
	return err == nil
}

func initContext() (*Context, error) {
	c := &Context{}

	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return nil, fmt.Errorf("create webgpu instance failed")
	}

	// Prefer a discrete adapter when one is present.
	adapters := c.Instance.EnumerateAdapters(nil)
	for _, a := range adapters {
		info := a.GetInfo()
		if info.AdapterType == wgpu.AdapterTypeDiscreteGPU {
			c.Adapter = a
			break
		}
	}

	tryRequest := func(opts *wgpu.RequestAdapterOptions) {
		if c.Adapter != nil {
			return
		}
		a, err := c.Instance.RequestAdapter(opts)
		if err == nil && a != nil {
			c.Adapter = a
		}
	}
	tryRequest(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceHighPerformance})
	tryRequest(&wgpu.RequestAdapterOptions{PowerPreference: wgpu.PowerPreferenceLowPower})
	tryRequest(nil)

	if c.Adapter == nil {
		return nil, fmt.Errorf("no webgpu adapter available")
	}

	info := c.Adapter.GetInfo()
	c.AdapterName = info.Name
	c.AdapterVendor = info.VendorName
	log.Info("gpu adapter selected", "name", info.Name, "vendor", info.VendorName)

	device, err := c.Adapter.RequestDevice(nil)
	if err != nil {
		return nil, fmt.Errorf("request device: %w", err)
	}
	c.Device = device
	c.Queue = device.GetQueue()
	if c.Queue == nil {
		return nil, fmt.Errorf("device has no queue")
	}

	return c, nil
}

// IsSoftware reports whether the selected adapter is a software rasterizer
// (llvmpipe and friends). Useful for benchmark calibration.
func (c *Context) IsSoftware() bool {
	name := strings.ToLower(c.AdapterName)
	return strings.Contains(name, "llvmpipe") || strings.Contains(name, "software")
}

// readbackAlign is the wgpu requirement for CopyTextureToBuffer row pitch.
const readbackAlign = 256

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}

// ReadTextureRGBA copies an rgba8 texture into a CPU byte slice
// (width*height*4, tightly packed). Blocks until the copy completes.
func (c *Context) ReadTextureRGBA(tex *wgpu.Texture, width, height int) ([]byte, error) {
	rowBytes := width * 4
	paddedRow := alignUp(rowBytes, readbackAlign)
	size := uint64(paddedRow * height)

	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ReadbackStaging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	defer staging.Destroy()

	encoder, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	encoder.CopyTextureToBuffer(
		tex.AsImageCopy(),
		&wgpu.ImageCopyBuffer{
			Buffer: staging,
			Layout: wgpu.TextureDataLayout{
				Offset:       0,
				BytesPerRow:  uint32(paddedRow),
				RowsPerImage: uint32(height),
			},
		},
		&wgpu.Extent3D{Width: uint32(width), Height: uint32(height), DepthOrArrayLayers: 1},
	)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("finish readback encoder: %w", err)
	}
	c.Queue.Submit(cmd)

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = fmt.Errorf("map readback buffer: status %v", status)
		}
		close(done)
	})
	if err != nil {
		return nil, fmt.Errorf("map readback buffer: %w", err)
	}

	timeout := time.After(2 * time.Second)
poll:
	for {
		c.Device.Poll(false, nil)
		select {
		case <-done:
			break poll
		case <-timeout:
			return nil, fmt.Errorf("readback timed out")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if mapErr != nil {
		return nil, mapErr
	}

	mapped := staging.GetMappedRange(0, uint(size))
	if mapped == nil {
		staging.Unmap()
		return nil, fmt.Errorf("mapped range unavailable")
	}

	out := make([]byte, rowBytes*height)
	for y := 0; y < height; y++ {
		copy(out[y*rowBytes:(y+1)*rowBytes], mapped[y*paddedRow:y*paddedRow+rowBytes])
	}
	staging.Unmap()
	return out, nil
}
