package engine

import (
	"fmt"
	"sync"
)

// Factory constructs an Engine, typically loading model weights into device
// memory. Called at most once per acquisition cycle.
type Factory func() (Engine, error)

// Handle owns exclusive access to a lazily loaded engine. The model is a
// process-wide singleton that cannot serve concurrent tiles, so the handle
// hands out the one engine instance and releases it when the work goes
// idle.
//
// Acquire and Release are safe to call repeatedly but are not reentrant:
// callers must not hold the engine across a Release.
type Handle struct {
	mu       sync.Mutex
	factory  Factory
	engine   Engine
	external bool
}

// NewHandle wraps a factory in a handle. The engine is not loaded until the
// first Acquire; after a Release the next Acquire loads a fresh instance.
func NewHandle(factory Factory) *Handle {
	return &Handle{factory: factory}
}

// Wrap returns a handle around an engine the caller owns. Acquire always
// returns the same instance and Release leaves it open; closing it remains
// the caller's responsibility.
func Wrap(eng Engine) *Handle {
	return &Handle{engine: eng, external: true}
}

// Acquire returns the engine, loading it on first use
func (h *Handle) Acquire() (Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine != nil {
		return h.engine, nil
	}
	if h.factory == nil {
		return nil, ErrEngineClosed
	}

	eng, err := h.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to load engine: %w", err)
	}
	h.engine = eng
	return h.engine, nil
}

// Release closes a factory-loaded engine if one is held. For wrapped
// engines this is a no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.external || h.engine == nil {
		return nil
	}
	err := h.engine.Close()
	h.engine = nil
	if err != nil {
		return fmt.Errorf("failed to release engine: %w", err)
	}
	return nil
}

// Loaded reports whether an engine instance is currently held
func (h *Handle) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine != nil
}
