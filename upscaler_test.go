package upscaler

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/image-upscaler/pkg/engine"
	"github.com/menta2k/image-upscaler/pkg/imageio"
	"github.com/menta2k/image-upscaler/pkg/types"
)

// fakeEngine upscales by pixel replication
type fakeEngine struct {
	scale  int
	closed bool
}

func (f *fakeEngine) ScaleFactor() int { return f.scale }

func (f *fakeEngine) Upscale(ctx context.Context, tile *image.NRGBA, mode engine.Mode) (*image.NRGBA, error) {
	b := tile.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx()*f.scale, b.Dy()*f.scale))
	for y := 0; y < out.Rect.Dy(); y++ {
		for x := 0; x < out.Rect.Dx(); x++ {
			si := tile.PixOffset(b.Min.X+x/f.scale, b.Min.Y+y/f.scale)
			di := out.PixOffset(x, y)
			copy(out.Pix[di:di+4], tile.Pix[si:si+4])
		}
	}
	return out, nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(x % 251)
			img.Pix[i+1] = uint8(y % 241)
			img.Pix[i+2] = uint8((x + y) % 239)
			img.Pix[i+3] = 255
		}
	}
	return img
}

func testOptions() Options {
	return Options{
		TileSize:    64,
		TilePad:     8,
		MinTileSize: 16,
		Mode:        engine.ModeAccelerated,
		Format:      "png",
		Quality:     90,
	}
}

func TestUpscaleImage(t *testing.T) {
	up, err := New(&fakeEngine{scale: 2}, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer up.Close()

	out, err := up.UpscaleImage(context.Background(), testImage(100, 70))
	if err != nil {
		t.Fatalf("UpscaleImage failed: %v", err)
	}
	if out.Bounds().Dx() != 200 || out.Bounds().Dy() != 140 {
		t.Errorf("result is %dx%d, want 200x140", out.Bounds().Dx(), out.Bounds().Dy())
	}

	if _, err := up.UpscaleImage(context.Background(), nil); err == nil {
		t.Error("expected an error for a nil image")
	}
}

func TestUpscaleImageEmitsEvents(t *testing.T) {
	up, err := New(&fakeEngine{scale: 2}, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := up.UpscaleImage(context.Background(), testImage(100, 70)); err != nil {
		t.Fatalf("UpscaleImage failed: %v", err)
	}
	up.Close()

	var phases []types.Phase
	for e := range up.Events() {
		phases = append(phases, e.Phase)
	}
	if len(phases) == 0 {
		t.Fatal("no events emitted")
	}
	if phases[0] != types.PhaseStarted {
		t.Errorf("first phase = %v, want started", phases[0])
	}
	if phases[len(phases)-1] != types.PhaseCompleted {
		t.Errorf("last phase = %v, want completed", phases[len(phases)-1])
	}
}

func TestUpscaleFile(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.png")
	outPath := filepath.Join(dir, "out.png")

	if err := imageio.SaveImage(testImage(40, 30), inPath, "png", 90, false); err != nil {
		t.Fatalf("failed to write input: %v", err)
	}

	up, err := New(&fakeEngine{scale: 2}, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer up.Close()

	if err := up.UpscaleFile(context.Background(), inPath, outPath); err != nil {
		t.Fatalf("UpscaleFile failed: %v", err)
	}

	out, err := imageio.LoadImage(outPath)
	if err != nil {
		t.Fatalf("failed to load output: %v", err)
	}
	if out.Bounds().Dx() != 80 || out.Bounds().Dy() != 60 {
		t.Errorf("output is %dx%d, want 80x60", out.Bounds().Dx(), out.Bounds().Dy())
	}
}

func TestUpscaleFileMissingInput(t *testing.T) {
	up, err := New(&fakeEngine{scale: 2}, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer up.Close()

	dir := t.TempDir()
	err = up.UpscaleFile(context.Background(), filepath.Join(dir, "missing.png"), filepath.Join(dir, "out.png"))
	if err == nil {
		t.Error("expected an error")
	}
}

func TestUpscaleBatch(t *testing.T) {
	inDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "results")

	var paths []string
	for _, name := range []string{"a.png", "b.png"} {
		p := filepath.Join(inDir, name)
		if err := imageio.SaveImage(testImage(32, 32), p, "png", 90, false); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		paths = append(paths, p)
	}

	up, err := New(&fakeEngine{scale: 2}, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer up.Close()

	summary, items, err := up.UpscaleBatch(context.Background(), paths, outDir)
	if err != nil {
		t.Fatalf("UpscaleBatch failed: %v", err)
	}
	if summary.Completed != 2 {
		t.Fatalf("summary = %+v, want 2 completed", summary)
	}
	for _, item := range items {
		if item.Status != types.StatusCompleted {
			t.Errorf("item %s status = %v, want completed", item.Path, item.Status)
		}
		if _, err := os.Stat(item.OutputPath); err != nil {
			t.Errorf("output for %s missing: %v", item.Path, err)
		}
	}

	if _, _, err := up.UpscaleBatch(context.Background(), nil, outDir); err == nil {
		t.Error("expected an error for an empty batch")
	}
}

func TestCloseLeavesWrappedEngineOpen(t *testing.T) {
	eng := &fakeEngine{scale: 2}
	up, err := New(eng, testOptions())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := up.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if eng.closed {
		t.Error("Close closed a caller-owned engine")
	}
}

func TestNewWithFactoryLoadsLazily(t *testing.T) {
	built := 0
	eng := &fakeEngine{scale: 2}
	up, err := NewWithFactory(func() (engine.Engine, error) {
		built++
		return eng, nil
	}, testOptions())
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}
	if built != 0 {
		t.Fatalf("factory ran %d times before any job", built)
	}

	if _, err := up.UpscaleImage(context.Background(), testImage(32, 32)); err != nil {
		t.Fatalf("UpscaleImage failed: %v", err)
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}

	if err := up.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !eng.closed {
		t.Error("Close did not release the factory-loaded engine")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	opts := testOptions()
	opts.TilePad = opts.TileSize
	if _, err := New(&fakeEngine{scale: 2}, opts); err == nil {
		t.Error("expected an error for pad >= tile size")
	}
}

func TestFatalErrorSurfacesTile(t *testing.T) {
	boom := errors.New("inference crashed")
	up, err := NewWithFactory(func() (engine.Engine, error) {
		return &failingEngine{err: boom}, nil
	}, testOptions())
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}
	defer up.Close()

	_, err = up.UpscaleImage(context.Background(), testImage(32, 32))
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want the engine error", err)
	}
}

type failingEngine struct {
	err error
}

func (f *failingEngine) ScaleFactor() int { return 2 }

func (f *failingEngine) Upscale(ctx context.Context, tile *image.NRGBA, mode engine.Mode) (*image.NRGBA, error) {
	return nil, f.err
}

func (f *failingEngine) Close() error { return nil }
