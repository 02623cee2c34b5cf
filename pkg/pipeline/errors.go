package pipeline

import "errors"

// Init-time failures propagate to the caller; steady-state failures are
// absorbed into flags and metrics (see Pipeline.ContextLost).
var (
	// ErrContextUnavailable means no GPU device could be created.
	ErrContextUnavailable = errors.New("pipeline: gpu context unavailable")

	// ErrShaderCompile means a WGSL module or render pipeline failed to build.
	ErrShaderCompile = errors.New("pipeline: shader compile failed")

	// ErrFramebufferIncomplete means a render target or texture could not
	// be allocated.
	ErrFramebufferIncomplete = errors.New("pipeline: framebuffer incomplete")

	// ErrContextLost means the device died mid-session; the pipeline must
	// be destroyed and re-initialized.
	ErrContextLost = errors.New("pipeline: gpu context lost")

	// ErrUpload means a per-frame resource upload failed (for example a
	// zero-sized frame). The frame is dropped.
	ErrUpload = errors.New("pipeline: resource upload failed")

	// ErrMaskSize means the mask handed to Process does not match the
	// configured mask dimensions.
	ErrMaskSize = errors.New("pipeline: mask dimensions mismatch")
)
