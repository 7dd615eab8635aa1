package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leandermaerkisch/hover-net/pkg/config"
	"github.com/leandermaerkisch/hover-net/pkg/geometry"
	"github.com/leandermaerkisch/hover-net/pkg/inference"
	"github.com/leandermaerkisch/hover-net/pkg/pipeline"
	"github.com/leandermaerkisch/hover-net/pkg/postproc"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing slide images")
	maskDir := flag.String("masks", "", "Directory containing tissue mask images (optional)")
	outputDir := flag.String("output", "output", "Directory to save results")
	cacheDir := flag.String("cache", "", "Directory for intermediate buffers (default: temp dir)")
	configPath := flag.String("config", "hovernet.yaml", "Configuration file path")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration file and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config file: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := slog.LevelWarn
	if cfg.Output.Verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Each run gets its own cache directory unless one is configured.
	cache := *cacheDir
	if cache == "" {
		cache = cfg.Cache.Dir
	}
	if cache == "" {
		tmp, err := os.MkdirTemp("", "hovernet-cache-")
		if err != nil {
			log.Fatalf("Failed to create cache directory: %v", err)
		}
		defer os.RemoveAll(tmp)
		cache = tmp
	}

	params := &pipeline.Params{
		ProcMag:         cfg.Processing.ProcMag,
		MaskMag:         1.25,
		ChunkInputSize:  cfg.Processing.ChunkSize,
		TileSize:        cfg.Processing.TileSize,
		AmbiguousSize:   cfg.Processing.AmbiguousSize,
		PatchInputSize:  cfg.Processing.PatchInputSize,
		PatchOutputSize: cfg.Processing.PatchOutputSize,
		BatchSize:       cfg.Processing.BatchSize,
		PostProcWorkers: cfg.Processing.PostProcWorkers,
		TypeCount:       cfg.Processing.TypeCount,
		CacheDir:        cache,
		OutputDir:       *outputDir,
		SaveThumbnail:   cfg.Output.SaveThumbnail,
		SaveMask:        cfg.Output.SaveMask,
		Logger:          logger,
	}

	channels := 3
	if cfg.Processing.TypeCount > 0 {
		channels = 4
	}
	predictor := &inference.IntensityPredictor{
		Output: geometry.Shape{
			H: cfg.Processing.PatchOutputSize,
			W: cfg.Processing.PatchOutputSize,
		},
		Channels: channels,
	}
	segmenter := &postproc.SimpleSegmenter{Threshold: 0.5, MinArea: 10}

	runner, err := pipeline.NewRunner(params, predictor, segmenter)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting whole-slide nucleus segmentation...")
	startTime := time.Now()
	if err := runner.ProcessBatch(ctx, *inputDir, *maskDir); err != nil {
		log.Fatalf("Processing failed: %v", err)
	}
	fmt.Printf("\nBatch completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Results saved to: %s\n", *outputDir)
}
