// Package postproc fans per-tile segmentation out across a worker pool
// and hands completed results to a single merge callback.
package postproc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/leandermaerkisch/hover-net/internal/models"
	"github.com/leandermaerkisch/hover-net/pkg/buffer"
	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

// Options is the configuration passed to the segmentation collaborator.
type Options struct {
	// TypeCount is the number of nucleus types the model predicts; zero
	// means the model does not classify types.
	TypeCount int
	// ReturnCentroids requests centroid computation per instance.
	ReturnCentroids bool
}

// Segmenter is the per-tile segmentation collaborator: it converts a raw
// prediction block into labeled instances plus their metadata, keyed by
// tile-local instance id. Ids are positive and need not be contiguous; an
// id may appear in the label block but not the map when the collaborator
// dropped it (degenerate contour).
type Segmenter interface {
	Segment(block *buffer.FloatBlock, opts Options) (*buffer.LabelBlock, map[int]*models.Instance, error)
}

// Result is one tile's completed segmentation.
type Result struct {
	Tile      geometry.TileInfo
	Labels    *buffer.LabelBlock
	Instances map[int]*models.Instance
}

// PostProcessingError reports a failed tile. A single tile failure
// invalidates the whole phase.
type PostProcessingError struct {
	Tile geometry.TileInfo
	Err  error
}

func (e *PostProcessingError) Error() string {
	return fmt.Sprintf("post-processing tile %v (%s): %v", e.Tile.Box, e.Tile.Kind, e.Err)
}

func (e *PostProcessingError) Unwrap() error { return e.Err }

// Dispatcher runs one post-processing phase over a set of tiles of a
// single kind. Workers only compute; the merge callback always runs on
// the dispatching goroutine, so exactly one merge executes at a time.
type Dispatcher struct {
	// Workers is the pool size; zero means synchronous dispatch with no
	// pool at all.
	Workers int
	Logger  *slog.Logger
}

// Run reads each tile's region from the raw prediction buffer,
// materializes it, segments it, and invokes merge per completed tile.
// Tiles within a phase complete in no particular order. On the first
// failure the remaining in-flight tiles are drained (not merged) and the
// phase fails with a PostProcessingError.
func (d *Dispatcher) Run(ctx context.Context, tiles []geometry.TileInfo, src *buffer.Float32, seg Segmenter, opts Options, merge func(*Result) error) error {
	if len(tiles) == 0 {
		return nil
	}
	if d.Workers <= 0 {
		return d.runSync(ctx, tiles, src, seg, opts, merge)
	}
	return d.runParallel(ctx, tiles, src, seg, opts, merge)
}

func (d *Dispatcher) runSync(ctx context.Context, tiles []geometry.TileInfo, src *buffer.Float32, seg Segmenter, opts Options, merge func(*Result) error) error {
	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := processTile(tile, src, seg, opts)
		if err != nil {
			return &PostProcessingError{Tile: tile, Err: err}
		}
		if err := merge(res); err != nil {
			return &PostProcessingError{Tile: tile, Err: err}
		}
	}
	return nil
}

// outcome is what a worker reports back for one tile; exactly one outcome
// arrives per submitted tile so the dispatch loop can always drain.
type outcome struct {
	tile    geometry.TileInfo
	res     *Result
	err     error
	skipped bool
}

func (d *Dispatcher) runParallel(ctx context.Context, tiles []geometry.TileInfo, src *buffer.Float32, seg Segmenter, opts Options, merge func(*Result) error) error {
	jobs := make(chan geometry.TileInfo, len(tiles))
	for _, tile := range tiles {
		jobs <- tile
	}
	close(jobs)

	var failed atomic.Bool
	outcomes := make(chan outcome, len(tiles))
	var wg sync.WaitGroup
	for i := 0; i < d.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tile := range jobs {
				// Once the phase has failed, drain the queue
				// without starting new work.
				if failed.Load() || ctx.Err() != nil {
					outcomes <- outcome{tile: tile, skipped: true}
					continue
				}
				res, err := processTile(tile, src, seg, opts)
				outcomes <- outcome{tile: tile, res: res, err: err}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// Poll completions here: workers never invoke the merge callback
	// themselves, so instance map mutation stays single-threaded.
	var phaseErr error
	for oc := range outcomes {
		switch {
		case oc.skipped:
		case oc.err != nil:
			failed.Store(true)
			if phaseErr == nil {
				phaseErr = &PostProcessingError{Tile: oc.tile, Err: oc.err}
			}
		case phaseErr != nil:
			// Completed after the failure; collected but not merged.
		default:
			if err := merge(oc.res); err != nil {
				failed.Store(true)
				phaseErr = &PostProcessingError{Tile: oc.tile, Err: err}
			}
		}
	}
	if phaseErr == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return phaseErr
}

func processTile(tile geometry.TileInfo, src *buffer.Float32, seg Segmenter, opts Options) (*Result, error) {
	block := src.ReadRegion(tile.Box)
	labels, instances, err := seg.Segment(block, opts)
	if err != nil {
		return nil, err
	}
	return &Result{Tile: tile, Labels: labels, Instances: instances}, nil
}
