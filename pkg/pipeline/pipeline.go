// Package pipeline ties the stages of whole-slide inference together:
// grid planning, tissue filtering, chunked model inference, tiled
// post-processing and boundary-correct stitching. One Runner processes
// a batch of slides sequentially; parallelism lives inside the stages.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/leandermaerkisch/hover-net/internal/models"
	"github.com/leandermaerkisch/hover-net/pkg/buffer"
	"github.com/leandermaerkisch/hover-net/pkg/geometry"
	"github.com/leandermaerkisch/hover-net/pkg/inference"
	"github.com/leandermaerkisch/hover-net/pkg/postproc"
	"github.com/leandermaerkisch/hover-net/pkg/slide"
	"github.com/leandermaerkisch/hover-net/pkg/stitch"
	"github.com/leandermaerkisch/hover-net/pkg/tissue"
)

// Params holds the whole-slide processing parameters. These control the
// grid geometry, the batching and worker configuration, and the input,
// cache and output locations.
type Params struct {
	// ProcMag is the magnification the slide is processed at.
	ProcMag float64

	// MaskMag is the low magnification used to render the thumbnail a
	// tissue mask is derived from when no mask file is provided.
	MaskMag float64

	// ChunkInputSize is the requested chunk size in pixels per axis.
	// The effective size is rounded down so chunk outputs align with
	// the patch output grid.
	ChunkInputSize int

	// TileSize is the post-processing tile size in pixels per axis.
	TileSize int

	// AmbiguousSize is the width of the band along tile seams where an
	// instance may have been cut in half. Boundary and cross tiles are
	// sized from it.
	AmbiguousSize int

	// PatchInputSize and PatchOutputSize are the model patch geometry
	// in pixels per axis. Input must not be smaller than output and
	// their difference must be even.
	PatchInputSize  int
	PatchOutputSize int

	// BatchSize is the number of patches fed to the predictor at once.
	BatchSize int

	// PostProcWorkers is the post-processing pool size; zero or less
	// segments tiles on the dispatching goroutine.
	PostProcWorkers int

	// TypeCount is the number of nucleus type classes the model
	// predicts. Zero disables type prediction and drops the type
	// channel from the prediction buffer.
	TypeCount int

	// CacheDir holds the intermediate prediction and instance map
	// buffers. It must be on a filesystem large enough for
	// H*W*(channels*4+4) bytes per slide.
	CacheDir string

	// OutputDir receives the per-slide JSON results plus optional
	// thumbnail and mask images in subdirectories.
	OutputDir string

	// SaveThumbnail and SaveMask control whether the slide thumbnail
	// and the tissue mask are written next to the results.
	SaveThumbnail bool
	SaveMask      bool

	// MaskDilation grows generated tissue masks by this many mask
	// pixels so patches at tissue borders are kept.
	MaskDilation int

	// MaskMinObjectArea drops tissue specks below this many mask
	// pixels from generated masks.
	MaskMinObjectArea int

	// OpenSlide opens a slide file. Defaults to the plain raster
	// reader when nil.
	OpenSlide func(path string) (slide.Reader, error)

	// Logger receives structured progress and warning records.
	// Defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Runner processes whole slides with a fixed predictor and segmenter.
type Runner struct {
	params *Params
	pred   inference.Predictor
	seg    postproc.Segmenter
	log    *slog.Logger
}

// NewRunner validates the parameters and creates a runner. Geometry
// errors are reported here, before any slide is opened.
func NewRunner(params *Params, pred inference.Predictor, seg postproc.Segmenter) (*Runner, error) {
	if err := validate(params); err != nil {
		return nil, err
	}
	if pred == nil {
		return nil, fmt.Errorf("pipeline: predictor is required")
	}
	if seg == nil {
		return nil, fmt.Errorf("pipeline: segmenter is required")
	}
	log := params.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{params: params, pred: pred, seg: seg, log: log}, nil
}

func validate(p *Params) error {
	switch {
	case p == nil:
		return fmt.Errorf("pipeline: params are required")
	case p.ProcMag <= 0:
		return fmt.Errorf("pipeline: processing magnification must be positive, got %v", p.ProcMag)
	case p.PatchOutputSize <= 0 || p.PatchInputSize < p.PatchOutputSize:
		return fmt.Errorf("pipeline: invalid patch sizes %d/%d", p.PatchInputSize, p.PatchOutputSize)
	case (p.PatchInputSize-p.PatchOutputSize)%2 != 0:
		return fmt.Errorf("pipeline: patch input/output difference %d is odd", p.PatchInputSize-p.PatchOutputSize)
	case p.ChunkInputSize < p.PatchInputSize:
		return fmt.Errorf("pipeline: chunk size %d is smaller than patch input %d", p.ChunkInputSize, p.PatchInputSize)
	case p.TileSize <= 0:
		return fmt.Errorf("pipeline: tile size must be positive, got %d", p.TileSize)
	case p.AmbiguousSize <= 0 || p.AmbiguousSize > p.TileSize:
		return fmt.Errorf("pipeline: ambiguous size %d must be in (0, %d]", p.AmbiguousSize, p.TileSize)
	case p.BatchSize <= 0:
		return fmt.Errorf("pipeline: batch size must be positive, got %d", p.BatchSize)
	case p.TypeCount < 0:
		return fmt.Errorf("pipeline: type count must not be negative, got %d", p.TypeCount)
	case p.CacheDir == "":
		return fmt.Errorf("pipeline: cache directory is required")
	case p.OutputDir == "":
		return fmt.Errorf("pipeline: output directory is required")
	}
	return nil
}

// slideName strips the directory and extension from a slide path.
func slideName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (r *Runner) openSlide(path string) (slide.Reader, error) {
	if r.params.OpenSlide != nil {
		return r.params.OpenSlide(path)
	}
	return slide.OpenImage(path, r.params.ProcMag)
}

// ProcessSlide runs the full pipeline for one slide and writes its JSON
// result. maskPath may be empty, in which case a tissue mask is
// generated from a low-magnification thumbnail. A slide with no tissue
// produces no result file and no cache buffers.
func (r *Runner) ProcessSlide(ctx context.Context, slidePath, maskPath string) error {
	name := slideName(slidePath)
	log := r.log.With("slide", name)
	p := r.params

	reader, err := r.openSlide(slidePath)
	if err != nil {
		return fmt.Errorf("failed to open slide: %w", err)
	}
	defer reader.Close()

	fmt.Println("Step 1: Reading slide geometry...")
	if err := reader.Prepare(p.ProcMag); err != nil {
		return fmt.Errorf("failed to prepare slide at %vx: %w", p.ProcMag, err)
	}
	width, height, err := reader.Dimensions(p.ProcMag)
	if err != nil {
		return fmt.Errorf("failed to read slide dimensions: %w", err)
	}
	procShape := geometry.Shape{H: height, W: width}

	fmt.Println("Step 2: Building tissue mask...")
	mask, err := r.loadOrGenerateMask(reader, maskPath)
	if err != nil {
		return err
	}
	if mask.Sum() == 0 {
		log.Warn("no tissue detected, skipping slide")
		return nil
	}
	filter, err := tissue.NewFilter(mask, procShape)
	if err != nil {
		return fmt.Errorf("failed to build tissue filter: %w", err)
	}
	if err := r.saveOverviews(reader, mask, name); err != nil {
		return err
	}

	fmt.Println("Step 3: Planning patch and chunk grids...")
	patchInput := geometry.Shape{H: p.PatchInputSize, W: p.PatchInputSize}
	patchOutput := geometry.Shape{H: p.PatchOutputSize, W: p.PatchOutputSize}
	chunkInput := geometry.Shape{H: p.ChunkInputSize, W: p.ChunkInputSize}
	chunks, patches, err := geometry.ChunkAndPatchGrid(procShape, chunkInput, patchInput, patchOutput)
	if err != nil {
		return fmt.Errorf("failed to plan chunk grid: %w", err)
	}

	channels := 3
	if p.TypeCount > 0 {
		channels = 4
	}
	predMap, err := buffer.CreateFloat32(filepath.Join(p.CacheDir, name+"_pred.f32"), procShape, channels)
	if err != nil {
		return fmt.Errorf("failed to create prediction buffer: %w", err)
	}
	defer predMap.Remove()
	instMap, err := buffer.CreateInt32(filepath.Join(p.CacheDir, name+"_inst.i32"), procShape)
	if err != nil {
		return fmt.Errorf("failed to create instance map buffer: %w", err)
	}
	defer instMap.Remove()

	fmt.Println("Step 4: Running chunked inference...")
	engine := inference.NewEngine(reader, r.pred, filter, predMap, inference.Config{
		PatchInput:  patchInput,
		PatchOutput: patchOutput,
		Channels:    channels,
		BatchSize:   p.BatchSize,
		StagingPath: filepath.Join(p.CacheDir, name+"_chunk.u8"),
	}, log)
	if err := engine.Run(ctx, chunks, patches); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}

	fmt.Println("Step 5: Post-processing and stitching tiles...")
	tileShape := geometry.Shape{H: p.TileSize, W: p.TileSize}
	normal, boundary, cross, err := geometry.TileGrid(procShape, tileShape, p.AmbiguousSize)
	if err != nil {
		return fmt.Errorf("failed to plan tile grid: %w", err)
	}

	stitcher := stitch.New(instMap, log)
	dispatcher := &postproc.Dispatcher{Workers: p.PostProcWorkers, Logger: log}
	opts := postproc.Options{TypeCount: p.TypeCount, ReturnCentroids: true}
	phases := []struct {
		kind  string
		tiles []geometry.TileInfo
		merge func(*postproc.Result) error
	}{
		{"normal", filter.Tiles(normal), stitcher.MergeNormal},
		{"boundary", filter.Tiles(boundary), stitcher.MergeFix},
		{"cross", filter.Tiles(cross), stitcher.MergeFix},
	}
	for _, phase := range phases {
		log.Info("post-processing phase", "kind", phase.kind, "tiles", len(phase.tiles))
		if err := dispatcher.Run(ctx, phase.tiles, predMap, r.seg, opts, phase.merge); err != nil {
			return fmt.Errorf("post-processing %s tiles failed: %w", phase.kind, err)
		}
	}

	fmt.Println("Step 6: Writing results...")
	if err := r.writeResult(name, stitcher.Table()); err != nil {
		return err
	}
	log.Info("slide complete", "instances", len(stitcher.Table()))
	return nil
}

// loadOrGenerateMask reads the provided mask image, or derives one from
// a thumbnail when no mask file is given. The mask keeps its own
// resolution; the filter scales query boxes into it.
func (r *Runner) loadOrGenerateMask(reader slide.Reader, maskPath string) (*tissue.Mask, error) {
	if maskPath != "" {
		img, err := imaging.Open(maskPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open tissue mask: %w", err)
		}
		return tissue.FromMaskImage(img), nil
	}
	thumb, err := reader.Thumbnail(r.params.MaskMag)
	if err != nil {
		return nil, fmt.Errorf("failed to render thumbnail: %w", err)
	}
	return tissue.FromThumbnail(thumb, tissue.GenerateOptions{
		DilationRadius: r.params.MaskDilation,
		MinObjectArea:  r.params.MaskMinObjectArea,
	}), nil
}

// saveOverviews writes the thumbnail and mask images when configured.
func (r *Runner) saveOverviews(reader slide.Reader, mask *tissue.Mask, name string) error {
	p := r.params
	if p.SaveThumbnail {
		thumb, err := reader.Thumbnail(p.MaskMag)
		if err != nil {
			return fmt.Errorf("failed to render thumbnail: %w", err)
		}
		path := filepath.Join(p.OutputDir, "thumb", name+".png")
		if err := imaging.Save(thumb, path); err != nil {
			return fmt.Errorf("failed to save thumbnail: %w", err)
		}
	}
	if p.SaveMask {
		path := filepath.Join(p.OutputDir, "mask", name+".png")
		if err := imaging.Save(mask.ToImage(), path); err != nil {
			return fmt.Errorf("failed to save tissue mask: %w", err)
		}
	}
	return nil
}

// slideResult is the JSON document written per slide.
type slideResult struct {
	Mag float64                  `json:"mag"`
	Nuc map[int]*models.Instance `json:"nuc"`
}

func (r *Runner) writeResult(name string, table map[int]*models.Instance) error {
	doc := slideResult{Mag: r.params.ProcMag, Nuc: table}
	data, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	path := filepath.Join(r.params.OutputDir, "json", name+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

// resultPath returns where ProcessSlide writes the given slide's JSON.
func (r *Runner) resultPath(slidePath string) string {
	return filepath.Join(r.params.OutputDir, "json", slideName(slidePath)+".json")
}

// ProcessBatch processes every slide file in inputDir in sorted order.
// Slides whose JSON result already exists are skipped, so an interrupted
// batch resumes where it stopped. A failing slide is logged and the
// batch moves on; the error returned covers setup problems only.
func (r *Runner) ProcessBatch(ctx context.Context, inputDir, maskDir string) error {
	p := r.params
	for _, dir := range []string{p.CacheDir, filepath.Join(p.OutputDir, "json")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if p.SaveThumbnail {
		if err := os.MkdirAll(filepath.Join(p.OutputDir, "thumb"), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if p.SaveMask {
		if err := os.MkdirAll(filepath.Join(p.OutputDir, "mask"), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	slides, err := listSlides(inputDir)
	if err != nil {
		return err
	}
	if len(slides) == 0 {
		return fmt.Errorf("no slide files found in %s", inputDir)
	}

	failed := 0
	for i, path := range slides {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Printf("Processing slide %d/%d: %s\n", i+1, len(slides), filepath.Base(path))
		if _, err := os.Stat(r.resultPath(path)); err == nil {
			r.log.Info("result exists, skipping", "slide", slideName(path))
			continue
		}
		maskPath := ""
		if maskDir != "" {
			candidate := filepath.Join(maskDir, slideName(path)+".png")
			if _, err := os.Stat(candidate); err == nil {
				maskPath = candidate
			}
		}
		if err := r.ProcessSlide(ctx, path, maskPath); err != nil {
			r.log.Error("slide failed", "slide", slideName(path), "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d slides failed", failed, len(slides))
	}
	return nil
}

// listSlides returns the image files in dir, sorted by name.
func listSlides(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list slide directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
