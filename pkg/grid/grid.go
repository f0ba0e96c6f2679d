// Package grid computes deterministic tile layouts for tiled upscaling.
//
// A grid partitions a rectangular pixel region into row-major tile cores of
// at most tile×tile pixels. Cores never overlap and leave no gaps, so the
// upscaled cores can be copied straight into the output canvas without
// blending. Each tile additionally carries a padding margin that is included
// in the pixels sent to the model and cropped away again before stitching.
package grid

import (
	"fmt"
	"image"
)

// Tile is one entry of a Grid. Core is the rectangle, in source-image
// coordinates, that this tile contributes to the final output. Pad is the
// margin, in source pixels, extracted around the core on every side.
type Tile struct {
	Index int
	Core  image.Rectangle
	Pad   int
}

// PaddedSize returns the dimensions of the pixel block extracted for this
// tile, padding included
func (t Tile) PaddedSize() (w, h int) {
	return t.Core.Dx() + 2*t.Pad, t.Core.Dy() + 2*t.Pad
}

// Grid is an ordered tile layout over a region
type Grid struct {
	Region image.Rectangle
	Tiles  []Tile
	Cols   int
	Rows   int
}

// Plan computes the tile grid for a w×h image with the given tile edge
// length and padding width. The layout is row-major and fully determined by
// its inputs: identical arguments always yield an identical grid.
//
// The last column and row may hold tiles with a smaller core; no core is
// ever empty. If tile >= max(w, h) the grid is a single tile. The effective
// padding is clamped so a mirrored source row/column always exists.
func Plan(w, h, tile, pad int) (Grid, error) {
	return PlanRegion(image.Rect(0, 0, w, h), tile, pad)
}

// PlanRegion computes a tile grid covering an arbitrary sub-region of an
// image. Used by the memory guard to re-derive a finer local grid for a
// single tile's core after a resource-exhaustion retry.
func PlanRegion(region image.Rectangle, tile, pad int) (Grid, error) {
	w, h := region.Dx(), region.Dy()
	if w <= 0 || h <= 0 {
		return Grid{}, fmt.Errorf("grid: empty region %v", region)
	}
	if tile <= 0 {
		return Grid{}, fmt.Errorf("grid: tile size must be positive, got %d", tile)
	}
	if pad < 0 {
		return Grid{}, fmt.Errorf("grid: padding must be non-negative, got %d", pad)
	}
	if pad >= tile {
		return Grid{}, fmt.Errorf("grid: padding %d must be smaller than tile size %d", pad, tile)
	}

	// Mirror padding needs at least one source row/column to reflect
	effPad := pad
	if effPad > w-1 {
		effPad = w - 1
	}
	if effPad > h-1 {
		effPad = h - 1
	}
	if effPad < 0 {
		effPad = 0
	}

	cols := (w + tile - 1) / tile
	rows := (h + tile - 1) / tile

	tiles := make([]Tile, 0, cols*rows)
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			x0 := region.Min.X + col*tile
			y0 := region.Min.Y + row*tile
			x1 := x0 + tile
			y1 := y0 + tile
			if x1 > region.Max.X {
				x1 = region.Max.X
			}
			if y1 > region.Max.Y {
				y1 = region.Max.Y
			}
			tiles = append(tiles, Tile{
				Index: len(tiles),
				Core:  image.Rect(x0, y0, x1, y1),
				Pad:   effPad,
			})
		}
	}

	return Grid{Region: region, Tiles: tiles, Cols: cols, Rows: rows}, nil
}

// Len returns the number of tiles in the grid
func (g Grid) Len() int {
	return len(g.Tiles)
}
