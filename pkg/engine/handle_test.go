package engine

import (
	"context"
	"errors"
	"image"
	"testing"
)

type stubEngine struct {
	closed int
}

func (s *stubEngine) ScaleFactor() int { return 2 }

func (s *stubEngine) Upscale(ctx context.Context, tile *image.NRGBA, mode Mode) (*image.NRGBA, error) {
	return tile, nil
}

func (s *stubEngine) Close() error {
	s.closed++
	return nil
}

func TestHandleLoadsLazily(t *testing.T) {
	built := 0
	h := NewHandle(func() (Engine, error) {
		built++
		return &stubEngine{}, nil
	})

	if h.Loaded() {
		t.Error("engine loaded before first Acquire")
	}
	if built != 0 {
		t.Fatalf("factory ran %d times before Acquire", built)
	}

	a, err := h.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	b, err := h.Acquire()
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if a != b {
		t.Error("repeated Acquire returned different instances")
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
	if !h.Loaded() {
		t.Error("Loaded() = false after Acquire")
	}
}

func TestHandleReleaseAndReload(t *testing.T) {
	built := 0
	var last *stubEngine
	h := NewHandle(func() (Engine, error) {
		built++
		last = &stubEngine{}
		return last, nil
	})

	if _, err := h.Acquire(); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	first := last

	if err := h.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if first.closed != 1 {
		t.Errorf("engine closed %d times, want 1", first.closed)
	}
	if h.Loaded() {
		t.Error("Loaded() = true after Release")
	}

	// Releasing an idle handle is a no-op
	if err := h.Release(); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}

	if _, err := h.Acquire(); err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if built != 2 {
		t.Errorf("factory ran %d times, want 2", built)
	}
}

func TestHandleFactoryError(t *testing.T) {
	boom := errors.New("model load failed")
	h := NewHandle(func() (Engine, error) { return nil, boom })

	if _, err := h.Acquire(); !errors.Is(err, boom) {
		t.Errorf("error = %v, want the factory error", err)
	}
	if h.Loaded() {
		t.Error("Loaded() = true after a failed Acquire")
	}
}

func TestWrapKeepsEngineOpen(t *testing.T) {
	eng := &stubEngine{}
	h := Wrap(eng)

	got, err := h.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if got != Engine(eng) {
		t.Error("wrapped handle returned a different engine")
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if eng.closed != 0 {
		t.Error("Release closed a caller-owned engine")
	}

	// Still usable after Release
	again, err := h.Acquire()
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	if again != Engine(eng) {
		t.Error("reacquire returned a different engine")
	}
}
