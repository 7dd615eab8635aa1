package postproc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/leandermaerkisch/hover-net/internal/models"
	"github.com/leandermaerkisch/hover-net/pkg/buffer"
	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

// blobBuffer creates a prediction buffer with square foreground blobs at
// the given top-left corners.
func blobBuffer(t *testing.T, shape geometry.Shape, blobTLs []geometry.Point, size int) *buffer.Float32 {
	t.Helper()
	buf, err := buffer.CreateFloat32(filepath.Join(t.TempDir(), "pred.f32"), shape, 1)
	if err != nil {
		t.Fatalf("Failed to create prediction buffer: %v", err)
	}
	t.Cleanup(func() { buf.Remove() })

	for _, tl := range blobTLs {
		block := buffer.NewFloatBlock(size, size, 1)
		for i := range block.Data {
			block.Data[i] = 1
		}
		if err := buf.WriteBlock(tl, block); err != nil {
			t.Fatalf("Failed to write blob: %v", err)
		}
	}
	return buf
}

func quarterTiles(shape geometry.Shape) []geometry.TileInfo {
	h, w := shape.H/2, shape.W/2
	var tiles []geometry.TileInfo
	for _, y := range []int{0, h} {
		for _, x := range []int{0, w} {
			tiles = append(tiles, geometry.TileInfo{
				Box: geometry.Box{
					TL: geometry.Point{Y: y, X: x},
					BR: geometry.Point{Y: y + h, X: x + w},
				},
				Kind: geometry.TileNormal,
			})
		}
	}
	return tiles
}

// countInstances runs a full dispatch and tallies merged instances.
func countInstances(t *testing.T, workers int, src *buffer.Float32, tiles []geometry.TileInfo) (int, int) {
	t.Helper()
	d := &Dispatcher{Workers: workers}
	seg := &SimpleSegmenter{Threshold: 0.5, MinArea: 4}

	merged, instances := 0, 0
	err := d.Run(context.Background(), tiles, src, seg, Options{ReturnCentroids: true}, func(res *Result) error {
		merged++
		instances += len(res.Instances)
		return nil
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	return merged, instances
}

func TestDispatcherSyncAndParallelAgree(t *testing.T) {
	shape := geometry.Shape{H: 64, W: 64}
	// One blob per quadrant, well away from tile borders.
	src := blobBuffer(t, shape, []geometry.Point{
		{Y: 8, X: 8}, {Y: 8, X: 40}, {Y: 40, X: 8}, {Y: 40, X: 40},
	}, 6)
	tiles := quarterTiles(shape)

	syncMerged, syncInstances := countInstances(t, 0, src, tiles)
	parMerged, parInstances := countInstances(t, 4, src, tiles)

	if syncMerged != len(tiles) || parMerged != len(tiles) {
		t.Errorf("Merged %d sync / %d parallel tiles, want %d", syncMerged, parMerged, len(tiles))
	}
	if syncInstances != 4 || parInstances != 4 {
		t.Errorf("Found %d sync / %d parallel instances, want 4", syncInstances, parInstances)
	}
}

func TestDispatcherFailureDrains(t *testing.T) {
	shape := geometry.Shape{H: 64, W: 64}
	src := blobBuffer(t, shape, []geometry.Point{{Y: 8, X: 8}}, 6)
	tiles := quarterTiles(shape)

	boom := errors.New("segmentation exploded")
	failing := segmentFunc(func(*buffer.FloatBlock, Options) (*buffer.LabelBlock, map[int]*models.Instance, error) {
		return nil, nil, boom
	})

	for _, workers := range []int{0, 3} {
		d := &Dispatcher{Workers: workers}
		mergedAfterError := false
		err := d.Run(context.Background(), tiles, src, failing, Options{}, func(res *Result) error {
			mergedAfterError = true
			return nil
		})
		if err == nil {
			t.Fatalf("Workers=%d: expected the dispatch to fail", workers)
		}
		var ppe *PostProcessingError
		if !errors.As(err, &ppe) {
			t.Fatalf("Workers=%d: expected PostProcessingError, got %T", workers, err)
		}
		if !errors.Is(err, boom) {
			t.Errorf("Workers=%d: error does not wrap the cause", workers)
		}
		if mergedAfterError {
			t.Errorf("Workers=%d: merge ran for a failed dispatch", workers)
		}
	}
}

// segmentFunc adapts a function to the Segmenter interface.
type segmentFunc func(*buffer.FloatBlock, Options) (*buffer.LabelBlock, map[int]*models.Instance, error)

func (f segmentFunc) Segment(block *buffer.FloatBlock, opts Options) (*buffer.LabelBlock, map[int]*models.Instance, error) {
	return f(block, opts)
}

func TestDispatcherMergeErrorStopsPhase(t *testing.T) {
	shape := geometry.Shape{H: 64, W: 64}
	src := blobBuffer(t, shape, []geometry.Point{
		{Y: 8, X: 8}, {Y: 8, X: 40}, {Y: 40, X: 8}, {Y: 40, X: 40},
	}, 6)
	tiles := quarterTiles(shape)

	bad := errors.New("merge rejected")
	d := &Dispatcher{Workers: 2}
	calls := 0
	err := d.Run(context.Background(), tiles, src, &SimpleSegmenter{Threshold: 0.5}, Options{}, func(*Result) error {
		calls++
		return bad
	})
	if !errors.Is(err, bad) {
		t.Fatalf("Expected the merge error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Merge ran %d times after failing, want 1", calls)
	}
}

func TestDispatcherCancelled(t *testing.T) {
	shape := geometry.Shape{H: 64, W: 64}
	src := blobBuffer(t, shape, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &Dispatcher{Workers: 2}
	err := d.Run(ctx, quarterTiles(shape), src, &SimpleSegmenter{}, Options{}, func(*Result) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
