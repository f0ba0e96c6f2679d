// Package stitcher moves pixels between the source image, the per-tile
// buffers sent to the inference engine, and the final output canvas.
//
// Extraction pads each tile core with surrounding source pixels so the model
// sees context across tile boundaries; where the padded rectangle leaves the
// image, pixels are mirrored at the edge rather than zero-filled, which
// avoids seam artifacts from fabricated content. Placement crops the scaled
// padding back off and copies the upscaled core into its canvas slot, so
// every output pixel is written by exactly one tile.
package stitcher

import (
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
)

// reflect maps an out-of-range coordinate into [0, n) by mirroring at the
// edges without repeating the edge pixel (period 2n-2)
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2*n - 2
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// ExtractPadded copies the core rectangle plus a pad-wide margin on every
// side out of src. Margin pixels that fall outside src are mirrored at the
// image edge. The result is always (coreW+2*pad)×(coreH+2*pad).
func ExtractPadded(src *image.NRGBA, core image.Rectangle, pad int) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	out := image.NewNRGBA(image.Rect(0, 0, core.Dx()+2*pad, core.Dy()+2*pad))
	for y := 0; y < out.Rect.Dy(); y++ {
		srcY := reflect(core.Min.Y-pad+y-b.Min.Y, h) + b.Min.Y
		for x := 0; x < out.Rect.Dx(); x++ {
			srcX := reflect(core.Min.X-pad+x-b.Min.X, w) + b.Min.X
			si := src.PixOffset(srcX, srcY)
			di := out.PixOffset(x, y)
			copy(out.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return out
}

// Canvas accumulates upscaled tile cores for a source region. The canvas
// dimensions are the region dimensions multiplied by the scale factor.
type Canvas struct {
	region image.Rectangle
	scale  int
	img    *image.NRGBA
}

// NewCanvas allocates an output canvas for the given source region and
// scale factor
func NewCanvas(region image.Rectangle, scale int) *Canvas {
	return &Canvas{
		region: region,
		scale:  scale,
		img:    image.NewNRGBA(image.Rect(0, 0, region.Dx()*scale, region.Dy()*scale)),
	}
}

// Place crops the scaled padding off an upscaled tile and copies the
// remaining core into the canvas slot corresponding to the tile's core
// rectangle. The upscaled image must measure exactly
// (coreW+2*pad)*scale × (coreH+2*pad)*scale.
func (c *Canvas) Place(core image.Rectangle, upscaled *image.NRGBA, pad int) error {
	wantW := (core.Dx() + 2*pad) * c.scale
	wantH := (core.Dy() + 2*pad) * c.scale
	gotW, gotH := upscaled.Bounds().Dx(), upscaled.Bounds().Dy()
	if gotW != wantW || gotH != wantH {
		return fmt.Errorf("stitcher: upscaled tile is %dx%d, want %dx%d", gotW, gotH, wantW, wantH)
	}

	crop := upscaled
	if pad > 0 {
		m := pad * c.scale
		crop = imaging.Crop(upscaled, image.Rect(m, m, gotW-m, gotH-m))
	}
	return c.PlaceCore(core, crop)
}

// PlaceCore copies an already cropped upscaled core into its canvas slot
func (c *Canvas) PlaceCore(core image.Rectangle, upscaledCore *image.NRGBA) error {
	wantW := core.Dx() * c.scale
	wantH := core.Dy() * c.scale
	gotW, gotH := upscaledCore.Bounds().Dx(), upscaledCore.Bounds().Dy()
	if gotW != wantW || gotH != wantH {
		return fmt.Errorf("stitcher: upscaled core is %dx%d, want %dx%d", gotW, gotH, wantW, wantH)
	}
	if !core.In(c.region) {
		return fmt.Errorf("stitcher: core %v outside canvas region %v", core, c.region)
	}

	dst := image.Rect(
		(core.Min.X-c.region.Min.X)*c.scale,
		(core.Min.Y-c.region.Min.Y)*c.scale,
		(core.Max.X-c.region.Min.X)*c.scale,
		(core.Max.Y-c.region.Min.Y)*c.scale,
	)
	draw.Draw(c.img, dst, upscaledCore, upscaledCore.Bounds().Min, draw.Src)
	return nil
}

// Image returns the assembled canvas
func (c *Canvas) Image() *image.NRGBA {
	return c.img
}
