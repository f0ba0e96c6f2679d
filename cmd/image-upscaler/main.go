package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	upscaler "github.com/menta2k/image-upscaler"
	"github.com/menta2k/image-upscaler/internal/config"
	"github.com/menta2k/image-upscaler/internal/logging"
	"github.com/menta2k/image-upscaler/internal/utils"
	"github.com/menta2k/image-upscaler/pkg/engine"
	"github.com/menta2k/image-upscaler/pkg/esrgan"
	"github.com/menta2k/image-upscaler/pkg/types"
)

func main() {
	var in, out, cfgPath, serverURL, model, mode, ext string
	var scale, tile, tilePad, minTile, quality int
	var lossless, verbose bool

	flag.StringVar(&in, "in", "", "input image path, URL, or directory for batch processing")
	flag.StringVar(&out, "out", "output", "output file (single image) or directory (batch)")
	flag.StringVar(&cfgPath, "config", "", "JSON config file (flags override config values)")
	flag.StringVar(&serverURL, "url", "", "inference server URL (default http://localhost:8090)")
	flag.StringVar(&model, "model", "", "model name (default RealESRGAN_x4plus)")
	flag.StringVar(&mode, "mode", "", "initial execution mode: accelerated|fallback")
	flag.IntVar(&scale, "scale", 0, "model scale factor (default 4)")
	flag.IntVar(&tile, "tile", 0, "tile size in pixels (default 400)")
	flag.IntVar(&tilePad, "tilepad", 0, "tile padding in pixels (default 10)")
	flag.IntVar(&minTile, "mintile", 0, "minimum tile size for adaptive shrinking (default 64)")
	flag.StringVar(&ext, "ext", "", "output format: jpg|png|webp (default png)")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality 1-100 (default 90)")
	flag.BoolVar(&lossless, "lossless", false, "WebP lossless output")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	logger, err := logging.New(verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if in == "" {
		logger.Fatal(fmt.Sprintf("usage: %s -in input.jpg|URL|dir [-out output] [-url server_url] [-tile 400] [-mode accelerated|fallback]", filepath.Base(os.Args[0])))
	}

	cfg := config.Default()
	if cfgPath != "" {
		cfg, err = config.LoadFromFile(cfgPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}
	applyFlags(cfg, serverURL, model, mode, ext, scale, tile, tilePad, minTile, quality, lossless)
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	factory := func() (engine.Engine, error) {
		return esrgan.NewClient(cfg.Engine.ServerURL, cfg.Engine.Model,
			esrgan.WithScaleFactor(cfg.Engine.Scale))
	}

	up, err := upscaler.NewWithFactory(factory, upscaler.Options{
		TileSize:    cfg.Processing.TileSize,
		TilePad:     cfg.Processing.TilePad,
		MinTileSize: cfg.Processing.MinTileSize,
		Mode:        engine.Mode(cfg.Engine.Mode),
		Format:      cfg.Output.Format,
		Quality:     cfg.Output.Quality,
		Lossless:    cfg.Output.Lossless,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("failed to create upscaler", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		reportProgress(logger, up.Events())
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	if utils.DirExists(in) {
		exitCode = runBatch(ctx, logger, up, in, out)
	} else {
		exitCode = runSingle(ctx, logger, up, cfg, in, out)
	}

	if err := up.Close(); err != nil {
		logger.Warn("failed to release engine", zap.Error(err))
	}
	<-done
	os.Exit(exitCode)
}

func runSingle(ctx context.Context, logger *zap.Logger, up *upscaler.Upscaler, cfg *config.Config, in, out string) int {
	dest := out
	if utils.GetFileExtension(dest) == "" {
		// Treat an extension-less destination as a directory
		if err := utils.EnsureDir(dest); err != nil {
			logger.Error("failed to create output directory", zap.Error(err))
			return 1
		}
		dest = utils.GenerateOutputFilename(in, dest, "", "_upscaled", cfg.Output.Format)
	}

	if err := up.UpscaleFile(ctx, in, dest); err != nil {
		logger.Error("upscaling failed", zap.String("input", in), zap.Error(err))
		return 1
	}
	logger.Info("wrote upscaled image", zap.String("output", dest))
	return 0
}

func runBatch(ctx context.Context, logger *zap.Logger, up *upscaler.Upscaler, in, out string) int {
	files, err := utils.ListImageFiles(in)
	if err != nil {
		logger.Error("failed to list input directory", zap.Error(err))
		return 1
	}
	if len(files) == 0 {
		logger.Error("no image files found", zap.String("dir", in))
		return 1
	}

	summary, items, err := up.UpscaleBatch(ctx, files, out)
	if err != nil {
		logger.Error("batch failed", zap.Error(err))
		return 1
	}

	for _, item := range items {
		if item.Status == types.StatusFailed {
			logger.Warn("item failed", zap.String("path", item.Path), zap.Error(item.Err))
		}
	}
	logger.Info("batch finished",
		zap.Int("total", summary.Total),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("cancelled", summary.Cancelled))

	if summary.Completed != summary.Total {
		return 1
	}
	return 0
}

func reportProgress(logger *zap.Logger, events <-chan types.Event) {
	for e := range events {
		switch e.Phase {
		case types.PhaseStarted:
			logger.Info("started", zap.Int("job", e.JobIndex), zap.Int("tiles", e.TilesTotal))
		case types.PhaseTileDone:
			logger.Debug("tile done",
				zap.Int("job", e.JobIndex),
				zap.Int("tile", e.TileIndex+1),
				zap.Int("of", e.TilesTotal))
		case types.PhaseRetrying:
			logger.Warn("retrying with smaller tiles",
				zap.Int("job", e.JobIndex),
				zap.Int("tile", e.TileIndex),
				zap.Int("tile_size", e.TileSize))
		case types.PhaseModeSwitched:
			logger.Warn("switched to fallback execution", zap.Int("job", e.JobIndex))
		case types.PhaseCompleted:
			logger.Info("completed", zap.Int("job", e.JobIndex))
		case types.PhaseFailed:
			logger.Error("failed", zap.Int("job", e.JobIndex), zap.Error(e.Err))
		case types.PhaseCancelled:
			logger.Warn("cancelled", zap.Int("job", e.JobIndex))
		}
	}
}

func applyFlags(cfg *config.Config, serverURL, model, mode, ext string, scale, tile, tilePad, minTile, quality int, lossless bool) {
	if serverURL != "" {
		cfg.Engine.ServerURL = serverURL
	}
	if model != "" {
		cfg.Engine.Model = model
	}
	if mode != "" {
		cfg.Engine.Mode = mode
	}
	if scale > 0 {
		cfg.Engine.Scale = scale
	}
	if tile > 0 {
		cfg.Processing.TileSize = tile
	}
	if tilePad > 0 {
		cfg.Processing.TilePad = tilePad
	}
	if minTile > 0 {
		cfg.Processing.MinTileSize = minTile
	}
	if ext != "" {
		cfg.Output.Format = ext
	}
	if quality > 0 {
		cfg.Output.Quality = quality
	}
	if lossless {
		cfg.Output.Lossless = true
	}
}
