// Package upscaler provides tiled super-resolution upscaling with bounded
// memory use.
//
// Images are partitioned into overlapping tiles, each tile is driven
// through an external inference engine, and the upscaled tiles are
// reassembled into a seamless full-resolution result. When the accelerated
// execution path runs out of working memory, processing recovers
// automatically by shrinking the tile size and, as a last resort, falling
// back to a slower execution path.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//
//		upscaler "github.com/menta2k/image-upscaler"
//		"github.com/menta2k/image-upscaler/pkg/esrgan"
//	)
//
//	func main() {
//		eng, err := esrgan.NewClient("http://localhost:8090", "RealESRGAN_x4plus")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		up, err := upscaler.New(eng, upscaler.DefaultOptions())
//		if err != nil {
//			log.Fatal(err)
//		}
//		defer up.Close()
//
//		if err := up.UpscaleFile(context.Background(), "photo.jpg", "photo_4x.png"); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// The package consists of the following components:
//
//  1. Grid (pkg/grid): deterministic tile layout planning
//  2. Stitcher (pkg/stitcher): reflect-padded extraction and canvas assembly
//  3. Guard (pkg/guard): adaptive retry on accelerator memory exhaustion
//  4. Pipeline (pkg/pipeline): per-image orchestration and progress events
//  5. Batch (pkg/batch): sequential multi-image runs with per-item status
//  6. Engine (pkg/engine, pkg/esrgan): the inference backend contract and
//     an HTTP client for Real-ESRGAN inference servers
//
// Tiling is invisible in the result: the same image upscaled with any valid
// tile size yields identical pixels, and a mid-job tile-size reduction
// changes only how the work is split, never what is produced.
package upscaler

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/menta2k/image-upscaler/internal/utils"
	"github.com/menta2k/image-upscaler/pkg/batch"
	"github.com/menta2k/image-upscaler/pkg/engine"
	"github.com/menta2k/image-upscaler/pkg/imageio"
	"github.com/menta2k/image-upscaler/pkg/pipeline"
	"github.com/menta2k/image-upscaler/pkg/progress"
	"github.com/menta2k/image-upscaler/pkg/types"
)

// Version of the image upscaler library
const Version = "1.0.0"

// Options configures an Upscaler
type Options struct {
	// TileSize is the target tile edge length in source pixels
	TileSize int

	// TilePad is the padding margin extracted around each tile core
	TilePad int

	// MinTileSize is the floor for adaptive tile shrinking
	MinTileSize int

	// Mode is the initial execution mode for each job
	Mode engine.Mode

	// Format, Quality and Lossless control file output encoding
	Format   string
	Quality  int
	Lossless bool

	// EventBuffer is the progress stream capacity (progress.DefaultBuffer
	// if zero)
	EventBuffer int

	// Logger receives structured processing logs (no-op if nil)
	Logger *zap.Logger
}

// DefaultOptions returns the processing defaults: 400 px tiles, 10 px
// padding, 64 px floor, accelerated execution, PNG output
func DefaultOptions() Options {
	cfg := pipeline.DefaultConfig()
	return Options{
		TileSize:    cfg.TileSize,
		TilePad:     cfg.TilePad,
		MinTileSize: cfg.MinTileSize,
		Mode:        cfg.Mode,
		Format:      "png",
		Quality:     90,
	}
}

// Upscaler is the high-level interface to the tiled upscaling pipeline.
// One Upscaler owns one engine handle; jobs and batches run sequentially.
type Upscaler struct {
	opts Options
	sink *progress.Sink
	pipe *pipeline.Pipeline
	log  *zap.Logger
}

// New creates an Upscaler around an already constructed engine. The caller
// keeps ownership of the engine and closes it after Close.
func New(eng engine.Engine, opts Options) (*Upscaler, error) {
	return newUpscaler(engine.Wrap(eng), opts)
}

// NewWithFactory creates an Upscaler that loads its engine lazily on first
// use through the given factory and releases it when a batch goes idle
func NewWithFactory(factory engine.Factory, opts Options) (*Upscaler, error) {
	return newUpscaler(engine.NewHandle(factory), opts)
}

func newUpscaler(handle *engine.Handle, opts Options) (*Upscaler, error) {
	if opts.Format == "" {
		opts.Format = "png"
	}
	if opts.Quality <= 0 {
		opts.Quality = 90
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	sink := progress.NewSink(opts.EventBuffer)
	pipe, err := pipeline.New(handle, pipeline.Config{
		TileSize:    opts.TileSize,
		TilePad:     opts.TilePad,
		MinTileSize: opts.MinTileSize,
		Mode:        opts.Mode,
	}, sink, log)
	if err != nil {
		sink.Close()
		return nil, err
	}

	return &Upscaler{opts: opts, sink: sink, pipe: pipe, log: log}, nil
}

// Events returns the progress stream. Events are dropped, never blocked on,
// when the listener falls behind.
func (u *Upscaler) Events() <-chan types.Event {
	return u.sink.Events()
}

// UpscaleImage upscales a single in-memory image and returns the result
func (u *Upscaler) UpscaleImage(ctx context.Context, img image.Image) (image.Image, error) {
	if img == nil {
		return nil, pipeline.ErrInvalidImage
	}
	out, err := u.pipe.Run(ctx, pipeline.NewJob(0, imageio.ToNRGBA(img)))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpscaleFile loads an image from a file path or URL, upscales it, and
// writes the result to outputPath. The output format follows the output
// file extension, falling back to the configured format.
func (u *Upscaler) UpscaleFile(ctx context.Context, inputPath, outputPath string) error {
	img, err := imageio.LoadImageSmart(inputPath)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	out, err := u.pipe.Run(ctx, pipeline.NewJob(0, imageio.ToNRGBA(img)))
	if err != nil {
		return err
	}

	format := utils.GetFileExtension(outputPath)
	if format == "" {
		format = u.opts.Format
	}
	if err := imageio.SaveImage(out, outputPath, format, u.opts.Quality, u.opts.Lossless); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// UpscaleBatch upscales the given files or URLs into outputDir, one at a
// time. Per-item failures are recorded on the returned items; cancellation
// stops the batch at the next job boundary.
func (u *Upscaler) UpscaleBatch(ctx context.Context, paths []string, outputDir string) (types.Summary, []*batch.Item, error) {
	if len(paths) == 0 {
		return types.Summary{}, nil, fmt.Errorf("no input files")
	}
	if err := utils.EnsureDir(outputDir); err != nil {
		return types.Summary{}, nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	items := make([]*batch.Item, len(paths))
	for i, p := range paths {
		items[i] = &batch.Item{Path: p}
	}

	runner := batch.New(u.pipe, batch.Options{
		OutputDir: outputDir,
		Format:    u.opts.Format,
		Quality:   u.opts.Quality,
		Lossless:  u.opts.Lossless,
	}, u.log)
	return runner.Run(ctx, items), items, nil
}

// Close releases the engine and ends the progress stream
func (u *Upscaler) Close() error {
	err := u.pipe.Release()
	u.sink.Close()
	return err
}
