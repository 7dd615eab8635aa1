// Package stitch merges per-tile segmentation results into one globally
// consistent instance map and instance table. The merge runs in three
// sequential phases (normal, boundary, cross tiles); each phase reads
// state written by the previous one, so phases must never overlap in time.
package stitch

import (
	"fmt"
	"log/slog"

	"github.com/leandermaerkisch/hover-net/internal/models"
	"github.com/leandermaerkisch/hover-net/pkg/buffer"
	"github.com/leandermaerkisch/hover-net/pkg/postproc"
)

// Stitcher owns the slide's instance map and instance table. It is not
// safe for concurrent use: the dispatcher guarantees merge callbacks run
// one at a time.
type Stitcher struct {
	instMap *buffer.Int32
	table   map[int]*models.Instance
	log     *slog.Logger
}

// New creates a stitcher over a freshly created (all-background) instance
// map.
func New(instMap *buffer.Int32, log *slog.Logger) *Stitcher {
	if log == nil {
		log = slog.Default()
	}
	return &Stitcher{
		instMap: instMap,
		table:   make(map[int]*models.Instance),
		log:     log,
	}
}

// Table returns the instance table. Keys are final instance ids, positive
// and not necessarily contiguous.
func (s *Stitcher) Table() map[int]*models.Instance { return s.table }

// maxID returns the current maximum instance id, 0 when the table is
// empty. Ids are not contiguous, so the maximum is the only safe offset.
func (s *Stitcher) maxID() int {
	max := 0
	for id := range s.table {
		if id > max {
			max = id
		}
	}
	return max
}

// MergeNormal merges one normal tile's result (phase 1): offset the fresh
// ids past the current table maximum, translate instance coordinates to
// absolute, and copy the offset labels into the map at the tile location.
// Tiles with no instances leave the map untouched.
func (s *Stitcher) MergeNormal(res *postproc.Result) error {
	if len(res.Instances) == 0 {
		return nil
	}
	if err := checkShape(res); err != nil {
		return err
	}

	offset := s.maxID()
	for id, inst := range res.Instances {
		inst.Translate(res.Tile.Box.TL)
		s.table[id+offset] = inst
	}
	offsetLabels(res.Labels, int32(offset))
	return s.instMap.WriteBlock(res.Tile.Box.TL, res.Labels)
}

// MergeFix merges one boundary or cross tile's result (phases 2 and 3).
// Instances split by this tile's own edge are preserved from the existing
// map; everything else inside the region is replaced by the tile's fresh,
// correctly segmented instances, except fresh instances that overlap a
// preserved pixel (those duplicate what was kept).
func (s *Stitcher) MergeFix(res *postproc.Result) error {
	if len(res.Instances) == 0 {
		return nil
	}
	if err := checkShape(res); err != nil {
		return err
	}

	// The offset must be taken before interior ids are removed from the
	// table, or fresh ids could collide with ids still present in the
	// map outside this region.
	offset := s.maxID()

	roi := s.instMap.ReadRegion(res.Tile.Box)

	// Ids touching the one-pixel border are nuclei genuinely split by
	// this tile's boundary; they survive. Everything fully inside the
	// region is replaced and leaves the table.
	edge := edgeIDs(roi)
	for id := range collectIDs(roi, edge) {
		delete(s.table, int(id))
	}
	for i, v := range roi.Data {
		if v != 0 && !edge[v] {
			roi.Data[i] = 0
		}
	}

	// Fresh instances overlapping any preserved pixel duplicate a kept
	// nucleus and are discarded.
	discard := map[int32]bool{}
	for i, v := range res.Labels.Data {
		if v != 0 && roi.Data[i] != 0 {
			discard[v] = true
		}
	}
	for i, v := range res.Labels.Data {
		if discard[v] {
			res.Labels.Data[i] = 0
		}
	}

	kept := collectIDs(res.Labels, nil)
	for id := range kept {
		inst, ok := res.Instances[int(id)]
		if !ok {
			// The segmenter dropped this id (degenerate contour);
			// its pixels stay but it has no metadata.
			s.log.Warn("instance id missing from tile info map, skipping",
				"id", id, "tile", res.Tile.Box.String())
			continue
		}
		inst.Translate(res.Tile.Box.TL)
		s.table[int(id)+offset] = inst
	}

	offsetLabels(res.Labels, int32(offset))
	// After the overlap discard the preserved and fresh pixels are
	// disjoint, so the combined region is a plain overlay.
	for i, v := range res.Labels.Data {
		if v != 0 {
			roi.Data[i] = v
		}
	}
	return s.instMap.WriteBlock(res.Tile.Box.TL, roi)
}

func checkShape(res *postproc.Result) error {
	want := res.Tile.Box.Shape()
	if res.Labels.H != want.H || res.Labels.W != want.W {
		return fmt.Errorf("stitch: label block %v does not match tile %v", res.Labels.Shape(), want)
	}
	return nil
}

// edgeIDs collects the non-zero ids present on the one-pixel border of
// the block.
func edgeIDs(block *buffer.LabelBlock) map[int32]bool {
	ids := map[int32]bool{}
	for x := 0; x < block.W; x++ {
		if v := block.At(0, x); v != 0 {
			ids[v] = true
		}
		if v := block.At(block.H-1, x); v != 0 {
			ids[v] = true
		}
	}
	for y := 0; y < block.H; y++ {
		if v := block.At(y, 0); v != 0 {
			ids[v] = true
		}
		if v := block.At(y, block.W-1); v != 0 {
			ids[v] = true
		}
	}
	return ids
}

// collectIDs gathers the non-zero ids in the block, excluding any in skip.
func collectIDs(block *buffer.LabelBlock, skip map[int32]bool) map[int32]struct{} {
	ids := make(map[int32]struct{})
	for _, v := range block.Data {
		if v != 0 && !skip[v] {
			ids[v] = struct{}{}
		}
	}
	return ids
}

func offsetLabels(block *buffer.LabelBlock, offset int32) {
	if offset == 0 {
		return
	}
	for i, v := range block.Data {
		if v > 0 {
			block.Data[i] = v + offset
		}
	}
}
