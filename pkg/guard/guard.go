// Package guard executes tile inference with automatic recovery from
// accelerator memory exhaustion.
//
// Recovery is an explicit ladder rather than ad hoc error handling: on
// resource exhaustion the effective tile size is halved and a finer local
// grid is derived for the failing tile's region, down to a configured
// minimum; only when the minimum still exhausts accelerated memory does the
// guard downgrade the whole job to the fallback execution path, one attempt
// at the original tile size. The downgrade is one-way for the job, so a
// demonstrated memory limit is never probed again tile after tile.
package guard

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/menta2k/image-upscaler/pkg/engine"
	"github.com/menta2k/image-upscaler/pkg/grid"
	"github.com/menta2k/image-upscaler/pkg/stitcher"
	"github.com/menta2k/image-upscaler/pkg/types"
)

// DefaultMinTileSize is the smallest tile core edge the guard will shrink
// to before abandoning the accelerated path
const DefaultMinTileSize = 64

// Config holds the guard parameters for one job
type Config struct {
	// TileSize is the job's target tile edge length
	TileSize int

	// TilePad is the padding margin extracted around each tile core
	TilePad int

	// MinTileSize is the floor for tile-size halving (DefaultMinTileSize
	// if zero)
	MinTileSize int
}

// Guard drives one job's inference calls through the recovery ladder. It
// holds the job's current execution mode; a downgrade sticks for the
// remaining tiles of the job.
type Guard struct {
	engine engine.Engine
	cfg    Config
	mode   engine.Mode
	emit   func(types.Event)
	log    *zap.Logger
}

// New creates a guard for a single job starting in the given mode. The emit
// callback receives retrying and mode-switched events; it may be nil.
func New(eng engine.Engine, cfg Config, mode engine.Mode, emit func(types.Event), log *zap.Logger) *Guard {
	if cfg.MinTileSize <= 0 {
		cfg.MinTileSize = DefaultMinTileSize
	}
	if cfg.MinTileSize > cfg.TileSize {
		cfg.MinTileSize = cfg.TileSize
	}
	if emit == nil {
		emit = func(types.Event) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{engine: eng, cfg: cfg, mode: mode, emit: emit, log: log}
}

// Mode returns the job's current execution mode
func (g *Guard) Mode() engine.Mode {
	return g.mode
}

// Upscale produces the upscaled core for one top-level tile, recovering
// from resource exhaustion transparently to the caller. The returned image
// measures exactly core.Dx()*scale × core.Dy()*scale.
func (g *Guard) Upscale(ctx context.Context, src *image.NRGBA, tileIndex int, core image.Rectangle) (*image.NRGBA, error) {
	size := g.cfg.TileSize

	var lastErr error
	for size >= g.cfg.MinTileSize {
		out, err := g.upscaleAt(ctx, src, core, size)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, engine.ErrResourceExhausted) {
			return nil, err
		}
		lastErr = err

		next := size / 2
		if next < g.cfg.MinTileSize {
			break
		}
		g.log.Warn("accelerated memory exhausted, shrinking tile",
			zap.Int("tile", tileIndex),
			zap.Int("from", size),
			zap.Int("to", next))
		g.emit(types.Event{
			TileIndex: tileIndex,
			Phase:     types.PhaseRetrying,
			TileSize:  next,
			Mode:      g.mode.String(),
		})
		size = next
	}

	if g.mode == engine.ModeFallback {
		return nil, fmt.Errorf("guard: fallback inference failed at minimum tile size: %w", lastErr)
	}

	// Tile-size reduction is exhausted: downgrade the job for good and try
	// once more at the original tile size.
	g.mode = engine.ModeFallback
	g.log.Warn("switching job to fallback execution",
		zap.Int("tile", tileIndex),
		zap.Int("min_tile_size", g.cfg.MinTileSize))
	g.emit(types.Event{
		TileIndex: tileIndex,
		Phase:     types.PhaseModeSwitched,
		TileSize:  g.cfg.TileSize,
		Mode:      g.mode.String(),
	})

	out, err := g.upscaleAt(ctx, src, core, g.cfg.TileSize)
	if err != nil {
		return nil, fmt.Errorf("guard: fallback inference failed: %w", err)
	}
	return out, nil
}

// upscaleAt runs one attempt over the tile's core region using a local grid
// of the given tile size. Any sub-tile failure fails the whole attempt.
func (g *Guard) upscaleAt(ctx context.Context, src *image.NRGBA, core image.Rectangle, size int) (*image.NRGBA, error) {
	pad := g.cfg.TilePad
	if pad >= size {
		pad = size - 1
	}
	local, err := grid.PlanRegion(core, size, pad)
	if err != nil {
		return nil, fmt.Errorf("guard: failed to plan local grid: %w", err)
	}

	canvas := stitcher.NewCanvas(core, g.engine.ScaleFactor())
	for _, t := range local.Tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		padded := stitcher.ExtractPadded(src, t.Core, t.Pad)
		upscaled, err := g.engine.Upscale(ctx, padded, g.mode)
		if err != nil {
			return nil, err
		}
		if err := canvas.Place(t.Core, upscaled, t.Pad); err != nil {
			return nil, err
		}
	}
	return canvas.Image(), nil
}
