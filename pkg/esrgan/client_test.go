package esrgan

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/menta2k/image-upscaler/pkg/engine"
	"github.com/menta2k/image-upscaler/pkg/imageio"
)

func testTile(w, h int) *image.NRGBA {
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

// newUpscaleServer fakes an inference server that upscales tiles by pixel
// replication. Received requests are recorded for assertions.
func newUpscaleServer(t *testing.T, requests *[]UpscaleRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/upscale" {
			http.NotFound(w, r)
			return
		}

		var req UpscaleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if requests != nil {
			*requests = append(*requests, req)
		}

		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		img, err := imageio.DecodeBytes(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		src := imageio.ToNRGBA(img)
		b := src.Bounds()
		out := image.NewNRGBA(image.Rect(0, 0, b.Dx()*req.Scale, b.Dy()*req.Scale))
		for y := 0; y < out.Rect.Dy(); y++ {
			for x := 0; x < out.Rect.Dx(); x++ {
				si := src.PixOffset(x/req.Scale, y/req.Scale)
				di := out.PixOffset(x, y)
				copy(out.Pix[di:di+4], src.Pix[si:si+4])
			}
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(UpscaleResponse{
			Image:  base64.StdEncoding.EncodeToString(buf.Bytes()),
			Width:  out.Rect.Dx(),
			Height: out.Rect.Dy(),
		})
	}))
}

func newErrorServer(t *testing.T, status int, serverErr string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, serverErr, status)
			return
		}
		json.NewEncoder(w).Encode(UpscaleResponse{Error: serverErr})
	}))
}

func TestUpscaleRoundTrip(t *testing.T) {
	var requests []UpscaleRequest
	srv := newUpscaleServer(t, &requests)
	defer srv.Close()

	c, err := NewClient(srv.URL, "RealESRGAN_x4plus", WithScaleFactor(2))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	tile := testTile(16, 12)
	out, err := c.Upscale(context.Background(), tile, engine.ModeAccelerated)
	if err != nil {
		t.Fatalf("Upscale failed: %v", err)
	}
	if out.Bounds().Dx() != 32 || out.Bounds().Dy() != 24 {
		t.Fatalf("result is %dx%d, want 32x24", out.Bounds().Dx(), out.Bounds().Dy())
	}

	// PNG transport is lossless: spot-check a replicated pixel
	si := tile.PixOffset(7, 5)
	di := out.PixOffset(14, 10)
	for k := 0; k < 4; k++ {
		if out.Pix[di+k] != tile.Pix[si+k] {
			t.Fatalf("channel %d: got %d, want %d", k, out.Pix[di+k], tile.Pix[si+k])
		}
	}

	if len(requests) != 1 {
		t.Fatalf("server saw %d requests, want 1", len(requests))
	}
	req := requests[0]
	if req.Model != "RealESRGAN_x4plus" {
		t.Errorf("model = %q, want RealESRGAN_x4plus", req.Model)
	}
	if req.Device != "cuda" {
		t.Errorf("device = %q, want cuda for accelerated mode", req.Device)
	}
	if req.Scale != 2 {
		t.Errorf("scale = %d, want 2", req.Scale)
	}
}

func TestUpscaleFallbackUsesCPU(t *testing.T) {
	var requests []UpscaleRequest
	srv := newUpscaleServer(t, &requests)
	defer srv.Close()

	c, err := NewClient(srv.URL, "", WithScaleFactor(2))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	if _, err := c.Upscale(context.Background(), testTile(8, 8), engine.ModeFallback); err != nil {
		t.Fatalf("Upscale failed: %v", err)
	}
	if requests[0].Device != "cpu" {
		t.Errorf("device = %q, want cpu for fallback mode", requests[0].Device)
	}
}

func TestUpscaleClassifiesExhaustion(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		serverErr string
		wantOOM   bool
	}{
		{"cuda oom message", http.StatusOK, "CUDA error: out of memory", true},
		{"vram message", http.StatusOK, "model ran out of VRAM", true},
		{"allocation message", http.StatusOK, "failed to allocate 1.2GiB", true},
		{"insufficient storage status", http.StatusInsufficientStorage, "no memory", true},
		{"bad model", http.StatusOK, "unknown model weights", false},
		{"server error status", http.StatusInternalServerError, "worker crashed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newErrorServer(t, tt.status, tt.serverErr)
			defer srv.Close()

			c, err := NewClient(srv.URL, "", WithScaleFactor(2))
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}
			defer c.Close()

			_, err = c.Upscale(context.Background(), testTile(8, 8), engine.ModeAccelerated)
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := errors.Is(err, engine.ErrResourceExhausted); got != tt.wantOOM {
				t.Errorf("errors.Is(err, ErrResourceExhausted) = %v, want %v (err: %v)", got, tt.wantOOM, err)
			}
		})
	}
}

func TestUpscaleRejectsInvalidTiles(t *testing.T) {
	c, err := NewClient("http://localhost:1", "", WithScaleFactor(2))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	if _, err := c.Upscale(context.Background(), nil, engine.ModeAccelerated); !errors.Is(err, engine.ErrInvalidImage) {
		t.Errorf("nil tile: error = %v, want ErrInvalidImage", err)
	}
	empty := image.NewNRGBA(image.Rect(0, 0, 0, 0))
	if _, err := c.Upscale(context.Background(), empty, engine.ModeAccelerated); !errors.Is(err, engine.ErrInvalidImage) {
		t.Errorf("empty tile: error = %v, want ErrInvalidImage", err)
	}
}

func TestUpscaleAfterClose(t *testing.T) {
	c, err := NewClient("http://localhost:1", "", WithScaleFactor(2))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := c.Upscale(context.Background(), testTile(8, 8), engine.ModeAccelerated); !errors.Is(err, engine.ErrEngineClosed) {
		t.Errorf("error = %v, want ErrEngineClosed", err)
	}
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("", "")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.ScaleFactor() != DefaultScaleFactor {
		t.Errorf("scale = %d, want %d", c.ScaleFactor(), DefaultScaleFactor)
	}
	if c.baseURL != "http://localhost:8090" {
		t.Errorf("base URL = %q, want the default", c.baseURL)
	}
	if c.model != "RealESRGAN_x4plus" {
		t.Errorf("model = %q, want RealESRGAN_x4plus", c.model)
	}

	if _, err := NewClient("", "", WithScaleFactor(0)); err == nil {
		t.Error("expected an error for scale 0")
	}
}
