// Package batch sequences multiple upscale jobs through one pipeline.
//
// Jobs run strictly one at a time: the model is a process-wide singleton
// and cannot serve concurrent tiles. Failures are isolated per item, so one
// bad image never aborts its siblings, while cancellation stops the batch
// at the next job boundary.
package batch

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/menta2k/image-upscaler/internal/utils"
	"github.com/menta2k/image-upscaler/pkg/imageio"
	"github.com/menta2k/image-upscaler/pkg/pipeline"
	"github.com/menta2k/image-upscaler/pkg/types"
)

// Item is one entry of a batch. Either Source or Path must be set; Path may
// be a file or an http(s) URL. Status and Err are filled in by the runner.
type Item struct {
	Path       string
	Source     *image.NRGBA
	OutputPath string

	Status types.JobStatus
	Err    error
	Output *image.NRGBA
}

// Options controls what the runner does with each result
type Options struct {
	// OutputDir, when set, makes the runner write each result to disk as
	// <stem>_upscaled.<format> (or the item's OutputPath when given)
	OutputDir string

	// Format is the output encoding: jpg, png or webp (default jpg)
	Format string

	// Quality is the JPEG/WebP quality (default 90)
	Quality int

	// Lossless enables lossless WebP output
	Lossless bool

	// KeepResults retains the upscaled image on each item even when it was
	// written to disk. Results are always retained when OutputDir is empty.
	KeepResults bool
}

// Runner owns a batch for the duration of one Run call
type Runner struct {
	pipe *pipeline.Pipeline
	opts Options
	log  *zap.Logger
}

// New creates a batch runner on top of a pipeline
func New(pipe *pipeline.Pipeline, opts Options, log *zap.Logger) *Runner {
	if opts.Format == "" {
		opts.Format = "jpg"
	}
	if opts.Quality <= 0 {
		opts.Quality = 90
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{pipe: pipe, opts: opts, log: log}
}

// Run processes the items in order and returns the aggregate outcome.
// A fatal failure marks its item failed and moves on; cancellation marks
// the current and all remaining items cancelled and stops. The engine is
// released when the batch goes idle.
func (r *Runner) Run(ctx context.Context, items []*Item) types.Summary {
	defer func() {
		if err := r.pipe.Release(); err != nil {
			r.log.Warn("failed to release engine", zap.Error(err))
		}
	}()

	summary := types.Summary{Total: len(items)}
	for _, item := range items {
		if item.Status == "" {
			item.Status = types.StatusPending
		}
	}
	for idx, item := range items {
		if ctx.Err() != nil {
			cancelRemaining(items[idx:], &summary)
			break
		}

		item.Status = types.StatusRunning
		if err := r.runItem(ctx, idx, item); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				item.Status = types.StatusCancelled
				item.Err = err
				summary.Cancelled++
				cancelRemaining(items[idx+1:], &summary)
				break
			}
			item.Status = types.StatusFailed
			item.Err = err
			summary.Failed++
			r.log.Warn("batch item failed",
				zap.Int("index", idx),
				zap.String("path", item.Path),
				zap.Error(err))
			continue
		}

		item.Status = types.StatusCompleted
		summary.Completed++
	}
	return summary
}

func (r *Runner) runItem(ctx context.Context, idx int, item *Item) error {
	src := item.Source
	if src == nil {
		if item.Path == "" {
			return fmt.Errorf("batch: item %d has neither source image nor path", idx)
		}
		img, err := imageio.LoadImageSmart(item.Path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", item.Path, err)
		}
		src = imageio.ToNRGBA(img)
	}

	out, err := r.pipe.Run(ctx, pipeline.NewJob(idx, src))
	if err != nil {
		return err
	}

	if r.opts.OutputDir != "" {
		dest := item.OutputPath
		if dest == "" {
			dest = utils.GenerateOutputFilename(item.Path, r.opts.OutputDir, "", "_upscaled", r.opts.Format)
		}
		if err := imageio.SaveImage(out, dest, r.opts.Format, r.opts.Quality, r.opts.Lossless); err != nil {
			return fmt.Errorf("failed to save %s: %w", dest, err)
		}
		item.OutputPath = dest
		if r.opts.KeepResults {
			item.Output = out
		}
	} else {
		item.Output = out
	}
	return nil
}

func cancelRemaining(items []*Item, summary *types.Summary) {
	for _, item := range items {
		if item.Status.Terminal() {
			continue
		}
		item.Status = types.StatusCancelled
		summary.Cancelled++
	}
}
