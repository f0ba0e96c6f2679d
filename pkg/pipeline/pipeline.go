// Package pipeline runs one image through the tiled upscaling flow: plan
// the grid, drive each tile through the memory guard, stitch the upscaled
// cores, and report progress along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/image-upscaler/pkg/engine"
	"github.com/menta2k/image-upscaler/pkg/grid"
	"github.com/menta2k/image-upscaler/pkg/guard"
	"github.com/menta2k/image-upscaler/pkg/progress"
	"github.com/menta2k/image-upscaler/pkg/stitcher"
	"github.com/menta2k/image-upscaler/pkg/types"
)

// ErrInvalidImage is returned for sources that cannot be tiled at all
// (nil image, zero dimensions). Raised before any inference happens.
var ErrInvalidImage = errors.New("pipeline: invalid source image")

// TileError is a fatal inference failure, carrying the index of the tile
// that caused it for diagnosis
type TileError struct {
	Tile int
	Err  error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("pipeline: tile %d failed: %v", e.Tile, e.Err)
}

func (e *TileError) Unwrap() error {
	return e.Err
}

// Config holds the per-job processing parameters
type Config struct {
	// TileSize is the target tile edge length in source pixels
	TileSize int

	// TilePad is the padding margin around each tile core
	TilePad int

	// MinTileSize is the floor for the memory guard's tile halving
	MinTileSize int

	// Mode is the initial execution mode for each job
	Mode engine.Mode
}

// DefaultConfig returns the processing defaults: 400 px tiles with a 10 px
// margin, a 64 px floor, accelerated execution
func DefaultConfig() Config {
	return Config{
		TileSize:    400,
		TilePad:     10,
		MinTileSize: guard.DefaultMinTileSize,
		Mode:        engine.ModeAccelerated,
	}
}

// Validate checks the configuration ranges
func (c Config) Validate() error {
	if c.TileSize <= 0 {
		return fmt.Errorf("tile_size must be positive, got %d", c.TileSize)
	}
	if c.TilePad < 0 {
		return fmt.Errorf("tile_pad must be non-negative, got %d", c.TilePad)
	}
	if c.TilePad >= c.TileSize {
		return fmt.Errorf("tile_pad %d must be smaller than tile_size %d", c.TilePad, c.TileSize)
	}
	if c.MinTileSize < 0 {
		return fmt.Errorf("min_tile_size must be non-negative, got %d", c.MinTileSize)
	}
	if c.Mode != engine.ModeAccelerated && c.Mode != engine.ModeFallback {
		return fmt.Errorf("unknown execution mode %q", c.Mode)
	}
	return nil
}

// Job is one upscale request: a source image plus its position in the batch
type Job struct {
	Index  int
	ID     string
	Source *image.NRGBA
}

// NewJob creates a job with a fresh ID
func NewJob(index int, source *image.NRGBA) *Job {
	return &Job{Index: index, ID: uuid.NewString(), Source: source}
}

// Pipeline upscales images one at a time through a shared engine handle.
// The engine is acquired lazily on the first job and kept until Release.
type Pipeline struct {
	handle *engine.Handle
	cfg    Config
	sink   *progress.Sink
	log    *zap.Logger
}

// New creates a pipeline. The sink may be nil when no listener is
// interested in progress; the logger defaults to a no-op.
func New(handle *engine.Handle, cfg Config, sink *progress.Sink, log *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{handle: handle, cfg: cfg, sink: sink, log: log}, nil
}

// Config returns the pipeline's processing parameters
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Run processes one job to completion. It returns the upscaled image, or an
// error after emitting the matching terminal event. Cancellation is checked
// between tiles; an in-flight tile inference finishes first.
func (p *Pipeline) Run(ctx context.Context, job *Job) (*image.NRGBA, error) {
	if job == nil || job.Source == nil {
		return nil, ErrInvalidImage
	}
	b := job.Source.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidImage, b.Dx(), b.Dy())
	}

	eng, err := p.handle.Acquire()
	if err != nil {
		p.emitTerminal(job, 0, types.PhaseFailed, err)
		return nil, err
	}
	scale := eng.ScaleFactor()
	if scale < 1 {
		err := fmt.Errorf("pipeline: engine reports invalid scale factor %d", scale)
		p.emitTerminal(job, 0, types.PhaseFailed, err)
		return nil, err
	}

	g, err := grid.Plan(b.Dx(), b.Dy(), p.cfg.TileSize, p.cfg.TilePad)
	if err != nil {
		p.emitTerminal(job, 0, types.PhaseFailed, err)
		return nil, err
	}

	p.log.Info("job started",
		zap.String("job_id", job.ID),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
		zap.Int("tiles", g.Len()),
		zap.Int("scale", scale))
	p.emit(types.Event{
		JobIndex:   job.Index,
		JobID:      job.ID,
		TilesTotal: g.Len(),
		Phase:      types.PhaseStarted,
		TileSize:   p.cfg.TileSize,
		Mode:       p.cfg.Mode.String(),
	})

	tileGuard := guard.New(eng, guard.Config{
		TileSize:    p.cfg.TileSize,
		TilePad:     p.cfg.TilePad,
		MinTileSize: p.cfg.MinTileSize,
	}, p.cfg.Mode, func(e types.Event) {
		e.JobIndex = job.Index
		e.JobID = job.ID
		e.TilesTotal = g.Len()
		p.emit(e)
	}, p.log)

	canvas := stitcher.NewCanvas(image.Rect(0, 0, b.Dx(), b.Dy()), scale)
	src := normalize(job.Source)

	for i, t := range g.Tiles {
		if err := ctx.Err(); err != nil {
			p.log.Info("job cancelled", zap.String("job_id", job.ID), zap.Int("tile", i))
			p.emitTerminal(job, g.Len(), types.PhaseCancelled, err)
			return nil, err
		}

		upscaledCore, err := tileGuard.Upscale(ctx, src, i, t.Core)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.emitTerminal(job, g.Len(), types.PhaseCancelled, err)
				return nil, err
			}
			tileErr := &TileError{Tile: i, Err: err}
			p.log.Error("job failed", zap.String("job_id", job.ID), zap.Int("tile", i), zap.Error(err))
			p.emitTerminal(job, g.Len(), types.PhaseFailed, tileErr)
			return nil, tileErr
		}
		if err := canvas.PlaceCore(t.Core, upscaledCore); err != nil {
			tileErr := &TileError{Tile: i, Err: err}
			p.emitTerminal(job, g.Len(), types.PhaseFailed, tileErr)
			return nil, tileErr
		}

		p.emit(types.Event{
			JobIndex:   job.Index,
			JobID:      job.ID,
			TileIndex:  i,
			TilesTotal: g.Len(),
			Phase:      types.PhaseTileDone,
			Mode:       tileGuard.Mode().String(),
		})
	}

	p.log.Info("job completed", zap.String("job_id", job.ID))
	p.emit(types.Event{
		JobIndex:   job.Index,
		JobID:      job.ID,
		TileIndex:  g.Len() - 1,
		TilesTotal: g.Len(),
		Phase:      types.PhaseCompleted,
		Mode:       tileGuard.Mode().String(),
	})
	return canvas.Image(), nil
}

// Release closes the lazily acquired engine. Safe to call repeatedly.
func (p *Pipeline) Release() error {
	return p.handle.Release()
}

func (p *Pipeline) emit(e types.Event) {
	if p.sink != nil {
		p.sink.Publish(e)
	}
}

func (p *Pipeline) emitTerminal(job *Job, tiles int, phase types.Phase, err error) {
	p.emit(types.Event{
		JobIndex:   job.Index,
		JobID:      job.ID,
		TilesTotal: tiles,
		Phase:      phase,
		Err:        err,
	})
}

// normalize rebases the source so pixel math can assume a zero origin
func normalize(src *image.NRGBA) *image.NRGBA {
	if src.Bounds().Min == (image.Point{}) {
		return src
	}
	out := image.NewNRGBA(image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy()))
	for y := 0; y < out.Rect.Dy(); y++ {
		si := src.PixOffset(src.Bounds().Min.X, src.Bounds().Min.Y+y)
		di := out.PixOffset(0, y)
		copy(out.Pix[di:di+out.Stride], src.Pix[si:si+4*out.Rect.Dx()])
	}
	return out
}
