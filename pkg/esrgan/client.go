// Package esrgan implements the engine contract against a Real-ESRGAN
// inference server over HTTP. Tiles travel as base64 PNG so the round trip
// is lossless; the server's device selection maps onto the execution modes
// (cuda for accelerated, cpu for fallback).
package esrgan

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/menta2k/image-upscaler/pkg/engine"
	"github.com/menta2k/image-upscaler/pkg/imageio"
)

// DefaultScaleFactor matches the RealESRGAN_x4plus family of models
const DefaultScaleFactor = 4

type Client struct {
	baseURL    string
	model      string
	scale      int
	httpClient *http.Client

	mu     sync.Mutex
	closed bool
}

// UpscaleRequest is the wire format for one tile. The prompt and guidance
// fields are accepted for interface compatibility with diffusion-style
// upscalers and have no effect on Real-ESRGAN models.
type UpscaleRequest struct {
	Model             string  `json:"model"`
	Image             string  `json:"image"`
	Device            string  `json:"device"`
	Scale             int     `json:"scale"`
	Prompt            string  `json:"prompt,omitempty"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
}

// UpscaleResponse is the wire format for an upscaled tile
type UpscaleResponse struct {
	Image  string `json:"image"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Option configures a Client
type Option func(*Client)

// WithScaleFactor overrides the model scale factor reported to the
// orchestrator
func WithScaleFactor(scale int) Option {
	return func(c *Client) { c.scale = scale }
}

// WithTimeout overrides the per-tile HTTP timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient substitutes the HTTP client, mainly for tests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for a Real-ESRGAN inference server
func NewClient(serverURL, model string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		serverURL = "http://localhost:8090"
	}
	if model == "" {
		model = "RealESRGAN_x4plus"
	}

	c := &Client{
		baseURL: strings.TrimSuffix(serverURL, "/"),
		model:   model,
		scale:   DefaultScaleFactor,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scale < 1 {
		return nil, fmt.Errorf("invalid scale factor: %d", c.scale)
	}
	return c, nil
}

// ScaleFactor returns the model's fixed upscaling factor
func (c *Client) ScaleFactor() int {
	return c.scale
}

// Upscale sends one padded tile to the server and decodes the result
func (c *Client) Upscale(ctx context.Context, tile *image.NRGBA, mode engine.Mode) (*image.NRGBA, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, engine.ErrEngineClosed
	}
	if tile == nil || tile.Bounds().Empty() {
		return nil, engine.ErrInvalidImage
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	imgB64, err := encodeTile(tile)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tile: %w", err)
	}

	req := UpscaleRequest{
		Model:  c.model,
		Image:  imgB64,
		Device: deviceFor(mode),
		Scale:  c.scale,
	}

	respBody, err := c.sendRequest(ctx, "/v1/upscale", req)
	if err != nil {
		return nil, err
	}

	var resp UpscaleResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %v", err)
	}
	if resp.Error != "" {
		return nil, classifyServerError(resp.Error)
	}
	if resp.Image == "" {
		return nil, fmt.Errorf("empty image in server response")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %v", err)
	}
	out, err := imageio.DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode upscaled tile: %w", err)
	}
	return imageio.ToNRGBA(out), nil
}

// Close marks the client closed. The server owns the model lifetime; no
// remote call is made.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) sendRequest(ctx context.Context, endpoint string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusInsufficientStorage {
			return nil, fmt.Errorf("server status %d: %w", resp.StatusCode, engine.ErrResourceExhausted)
		}
		return nil, classifyServerError(fmt.Sprintf("server returned status %d: %s", resp.StatusCode, string(body)))
	}

	return body, nil
}

// classifyServerError maps a server error message onto the engine error
// taxonomy. Real-ESRGAN servers report CUDA allocation failures as plain
// text, so resource exhaustion is recognized by message.
func classifyServerError(msg string) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "out of memory") ||
		strings.Contains(lower, "out of vram") ||
		strings.Contains(lower, "cuda error: out of") ||
		strings.Contains(lower, "failed to allocate") {
		return fmt.Errorf("%s: %w", msg, engine.ErrResourceExhausted)
	}
	return fmt.Errorf("inference failed: %s", msg)
}

func deviceFor(mode engine.Mode) string {
	if mode == engine.ModeFallback {
		return "cpu"
	}
	return "cuda"
}

func encodeTile(tile *image.NRGBA) (string, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, tile); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
