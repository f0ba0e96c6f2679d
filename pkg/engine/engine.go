// Package engine defines the contract between the tiled orchestrator and a
// super-resolution inference backend. The backend is a black box that maps
// one padded pixel tile to an upscaled tile; everything the orchestrator
// needs from it is captured by the Engine interface.
package engine

import (
	"context"
	"image"
)

// Mode selects the execution path used for inference
type Mode string

const (
	// ModeAccelerated runs inference on the hardware accelerator
	ModeAccelerated Mode = "accelerated"

	// ModeFallback runs inference on the general-purpose path. Slower, but
	// not subject to accelerator memory limits.
	ModeFallback Mode = "fallback"
)

func (m Mode) String() string {
	return string(m)
}

// Engine upscales one pixel tile at a time. Implementations must be
// deterministic for a fixed model and mode, and must return
// ErrResourceExhausted (possibly wrapped) when the accelerated path cannot
// allocate working memory for the given tile size. Any other error is
// treated as fatal for the job and is not retried.
type Engine interface {
	// ScaleFactor returns the model's fixed upscaling factor
	ScaleFactor() int

	// Upscale runs one tile through the model in the given mode. The
	// returned image dimensions are the input dimensions multiplied by
	// ScaleFactor.
	Upscale(ctx context.Context, tile *image.NRGBA, mode Mode) (*image.NRGBA, error)

	// Close releases the model and any device memory it holds. Safe to
	// call more than once.
	Close() error
}
