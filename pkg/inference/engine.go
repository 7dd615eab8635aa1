// Package inference streams slide chunks through a per-patch prediction
// collaborator and assembles the results into the full-resolution raw
// prediction buffer.
package inference

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/leandermaerkisch/hover-net/pkg/buffer"
	"github.com/leandermaerkisch/hover-net/pkg/geometry"
	"github.com/leandermaerkisch/hover-net/pkg/slide"
	"github.com/leandermaerkisch/hover-net/pkg/tissue"
)

// Prediction is one model output, tagged with the batch index of the
// patch it belongs to. The engine pairs outputs back to coordinates via
// this tag and assumes nothing else about ordering.
type Prediction struct {
	Index  int
	Output *buffer.FloatBlock
}

// Predictor is the prediction collaborator: a black box accepting one
// batch of equal-size RGB patches and returning one fixed-size output
// block per patch.
type Predictor interface {
	Predict(ctx context.Context, patches []*buffer.ByteBlock) ([]Prediction, error)
}

// Config holds the engine geometry and batching parameters.
type Config struct {
	PatchInput  geometry.Shape
	PatchOutput geometry.Shape
	// Channels is the per-pixel width of the prediction, 3 or 4
	// depending on whether the model classifies nucleus types.
	Channels int
	// BatchSize is clamped to [1, number of patches in the chunk].
	BatchSize int
	// StagingPath is the cache file holding the current chunk's pixels.
	StagingPath string
}

// Engine iterates chunks sequentially, keeping one chunk's pixels in RAM,
// and funnels all prediction writes through a single writer goroutine.
type Engine struct {
	reader slide.Reader
	pred   Predictor
	filter *tissue.Filter
	out    *buffer.Float32
	cfg    Config
	log    *slog.Logger
}

// NewEngine wires the engine to its collaborators. filter may be nil when
// no tissue mask is in use.
func NewEngine(reader slide.Reader, pred Predictor, filter *tissue.Filter, out *buffer.Float32, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{reader: reader, pred: pred, filter: filter, out: out, cfg: cfg, log: log}
}

// patchWrite is one prediction placed at its absolute output position.
type patchWrite struct {
	at    geometry.Point
	block *buffer.FloatBlock
}

// writeJob carries one chunk's results to the writer. A nil results slice
// means the chunk had no valid patches and its region stays untouched.
type writeJob struct {
	chunk   geometry.ChunkInfo
	results []patchWrite
}

// Run processes every chunk in order. Any prediction error aborts the
// whole run; raw predictions already written remain on disk but the run
// is not resumable.
func (e *Engine) Run(ctx context.Context, chunks []geometry.ChunkInfo, patches []geometry.PatchInfo) error {
	jobs := make(chan writeJob, 4)
	writeErr := make(chan error, 1)
	go e.writeLoop(jobs, writeErr)

	runErr := e.runChunks(ctx, chunks, patches, jobs)
	close(jobs)
	if err := <-writeErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// writeLoop is the single writer: every copy into the raw prediction
// buffer happens here, serializing access to the shared mapping.
func (e *Engine) writeLoop(jobs <-chan writeJob, done chan<- error) {
	var firstErr error
	for job := range jobs {
		if job.results == nil {
			continue
		}
		for _, w := range job.results {
			if err := e.out.WriteBlock(w.at, w.block); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("assembling chunk %v: %w", job.chunk.Input, err)
			}
		}
	}
	done <- firstErr
}

func (e *Engine) runChunks(ctx context.Context, chunks []geometry.ChunkInfo, patches []geometry.PatchInfo, jobs chan<- writeJob) error {
	for idx, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		selected := selectChunkPatches(chunk, patches, e.cfg.PatchInput)
		if e.filter != nil {
			selected = e.filter.Patches(selected)
		}
		if len(selected) == 0 {
			// Normal outcome: chunk entirely outside tissue. The
			// writer leaves its output region untouched.
			jobs <- writeJob{chunk: chunk}
			continue
		}

		fmt.Printf("\rProcessing chunk %d/%d (%d patches)", idx+1, len(chunks), len(selected))
		results, err := e.runChunk(ctx, chunk, selected)
		if err != nil {
			return fmt.Errorf("chunk %d/%d: %w", idx+1, len(chunks), err)
		}
		jobs <- writeJob{chunk: chunk, results: results}
	}
	fmt.Println()
	return nil
}

func (e *Engine) runChunk(ctx context.Context, chunk geometry.ChunkInfo, selected []geometry.PatchInfo) ([]patchWrite, error) {
	shape := chunk.Input.Shape()
	pixels, err := e.reader.ReadRegion(chunk.Input.TL.X, chunk.Input.TL.Y, shape.W, shape.H)
	if err != nil {
		return nil, fmt.Errorf("reading slide region: %w", err)
	}

	staging, err := buffer.CreateUint8(e.cfg.StagingPath, shape, 3)
	if err != nil {
		return nil, err
	}
	defer staging.Remove()
	if err := staging.Fill(pixels); err != nil {
		return nil, err
	}

	batchSize := e.cfg.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	if batchSize > len(selected) {
		batchSize = len(selected)
	}

	results := make([]patchWrite, 0, len(selected))
	for start := 0; start < len(selected); start += batchSize {
		end := start + batchSize
		if end > len(selected) {
			end = len(selected)
		}
		batch := selected[start:end]

		blocks := make([]*buffer.ByteBlock, len(batch))
		for i, p := range batch {
			// Re-express the patch relative to the chunk origin.
			rel := p.Input.TL.Sub(chunk.Input.TL)
			block, err := staging.ReadPatch(rel, e.cfg.PatchInput)
			if err != nil {
				return nil, err
			}
			blocks[i] = block
		}

		preds, err := e.pred.Predict(ctx, blocks)
		if err != nil {
			return nil, fmt.Errorf("prediction failed: %w", err)
		}
		paired, err := e.pairBatch(batch, preds)
		if err != nil {
			return nil, err
		}
		results = append(results, paired...)
	}
	return results, nil
}

// pairBatch matches tagged predictions back to their originating patches
// and verifies each patch received exactly one output of the right shape.
func (e *Engine) pairBatch(batch []geometry.PatchInfo, preds []Prediction) ([]patchWrite, error) {
	if len(preds) != len(batch) {
		return nil, fmt.Errorf("predictor returned %d outputs for %d patches", len(preds), len(batch))
	}
	seen := make([]bool, len(batch))
	out := make([]patchWrite, len(batch))
	for _, p := range preds {
		if p.Index < 0 || p.Index >= len(batch) {
			return nil, fmt.Errorf("prediction tag %d out of range for batch of %d", p.Index, len(batch))
		}
		if seen[p.Index] {
			return nil, fmt.Errorf("duplicate prediction for batch index %d", p.Index)
		}
		seen[p.Index] = true
		if p.Output.H != e.cfg.PatchOutput.H || p.Output.W != e.cfg.PatchOutput.W || p.Output.C != e.cfg.Channels {
			return nil, fmt.Errorf("prediction %d has shape %vx%d, want %vx%d",
				p.Index, p.Output.Shape(), p.Output.C, e.cfg.PatchOutput, e.cfg.Channels)
		}
		out[p.Index] = patchWrite{at: batch[p.Index].Output.TL, block: p.Output}
	}
	return out, nil
}

// selectChunkPatches returns the patches whose input top-left falls within
// [chunk.Input.TL, chunk.Input.BR - patchInput] on both axes.
func selectChunkPatches(chunk geometry.ChunkInfo, patches []geometry.PatchInfo, patchInput geometry.Shape) []geometry.PatchInfo {
	maxY := chunk.Input.BR.Y - patchInput.H
	maxX := chunk.Input.BR.X - patchInput.W
	selected := make([]geometry.PatchInfo, 0)
	for _, p := range patches {
		tl := p.Input.TL
		if tl.Y >= chunk.Input.TL.Y && tl.Y <= maxY && tl.X >= chunk.Input.TL.X && tl.X <= maxX {
			selected = append(selected, p)
		}
	}
	return selected
}
