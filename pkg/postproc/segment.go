package postproc

import (
	"math"

	"github.com/leandermaerkisch/hover-net/internal/models"
	"github.com/leandermaerkisch/hover-net/pkg/buffer"
	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

// SimpleSegmenter is a reference segmentation collaborator: it thresholds
// channel 0 of the raw prediction and labels 4-connected foreground
// components. Instances whose boundary degenerates to fewer than 3
// contour points stay in the label block but are omitted from the info
// map, mirroring how model post-processing drops malformed contours.
type SimpleSegmenter struct {
	// Threshold on channel 0 above which a pixel is foreground.
	Threshold float32
	// MinArea suppresses components smaller than this many pixels.
	MinArea int
}

// Segment implements Segmenter.
func (s *SimpleSegmenter) Segment(block *buffer.FloatBlock, opts Options) (*buffer.LabelBlock, map[int]*models.Instance, error) {
	labels := buffer.NewLabelBlock(block.H, block.W)
	instances := make(map[int]*models.Instance)

	next := int32(1)
	stack := make([]geometry.Point, 0, 64)
	for sy := 0; sy < block.H; sy++ {
		for sx := 0; sx < block.W; sx++ {
			if labels.At(sy, sx) != 0 || block.At(sy, sx, 0) <= s.Threshold {
				continue
			}

			// Flood-fill one 4-connected component.
			id := next
			next++
			pixels := pixels{}
			stack = append(stack[:0], geometry.Point{Y: sy, X: sx})
			labels.Set(sy, sx, id)
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				pixels.add(p)
				for _, q := range [4]geometry.Point{
					{Y: p.Y - 1, X: p.X}, {Y: p.Y + 1, X: p.X},
					{Y: p.Y, X: p.X - 1}, {Y: p.Y, X: p.X + 1},
				} {
					if q.Y < 0 || q.Y >= block.H || q.X < 0 || q.X >= block.W {
						continue
					}
					if labels.At(q.Y, q.X) != 0 || block.At(q.Y, q.X, 0) <= s.Threshold {
						continue
					}
					labels.Set(q.Y, q.X, id)
					stack = append(stack, q)
				}
			}

			if s.MinArea > 0 && pixels.count < s.MinArea {
				for _, p := range pixels.points {
					labels.Set(p.Y, p.X, 0)
				}
				continue
			}

			inst := pixels.instance(labels, id, block, opts)
			if inst != nil {
				instances[int(id)] = inst
			}
		}
	}
	return labels, instances, nil
}

// pixels accumulates one component during the flood fill.
type pixels struct {
	points []geometry.Point
	count  int
	sumY   float64
	sumX   float64
	bbox   geometry.Box
}

func (c *pixels) add(p geometry.Point) {
	if c.count == 0 {
		c.bbox = geometry.Box{TL: p, BR: geometry.Point{Y: p.Y + 1, X: p.X + 1}}
	} else {
		if p.Y < c.bbox.TL.Y {
			c.bbox.TL.Y = p.Y
		}
		if p.X < c.bbox.TL.X {
			c.bbox.TL.X = p.X
		}
		if p.Y+1 > c.bbox.BR.Y {
			c.bbox.BR.Y = p.Y + 1
		}
		if p.X+1 > c.bbox.BR.X {
			c.bbox.BR.X = p.X + 1
		}
	}
	c.points = append(c.points, p)
	c.count++
	c.sumY += float64(p.Y)
	c.sumX += float64(p.X)
}

func (c *pixels) instance(labels *buffer.LabelBlock, id int32, block *buffer.FloatBlock, opts Options) *models.Instance {
	contour := traceContour(labels, id, c.bbox)
	if len(contour) < 3 {
		return nil
	}
	inst := &models.Instance{
		BBox:    c.bbox,
		Contour: contour,
	}
	if opts.ReturnCentroids {
		inst.Centroid = models.Centroid{
			Y: c.sumY / float64(c.count),
			X: c.sumX / float64(c.count),
		}
	}
	if opts.TypeCount > 0 && block.C >= 2 {
		inst.Type = majorityType(c.points, block, opts.TypeCount)
	}
	return inst
}

// majorityType votes the last prediction channel over the instance pixels.
func majorityType(points []geometry.Point, block *buffer.FloatBlock, typeCount int) int {
	votes := make([]int, typeCount+1)
	for _, p := range points {
		t := int(math.Round(float64(block.At(p.Y, p.X, block.C-1))))
		if t < 0 {
			t = 0
		}
		if t > typeCount {
			t = typeCount
		}
		votes[t]++
	}
	best := 0
	for t, n := range votes {
		if n > votes[best] {
			best = t
		}
	}
	return best
}

// traceContour walks the component boundary clockwise (Moore tracing)
// starting from its topmost-leftmost pixel.
func traceContour(labels *buffer.LabelBlock, id int32, bbox geometry.Box) []geometry.Point {
	var start geometry.Point
	found := false
	for y := bbox.TL.Y; y < bbox.BR.Y && !found; y++ {
		for x := bbox.TL.X; x < bbox.BR.X; x++ {
			if labels.At(y, x) == id {
				start = geometry.Point{Y: y, X: x}
				found = true
				break
			}
		}
	}
	if !found {
		return nil
	}

	// 8-neighborhood, clockwise from west.
	dirs := [8]geometry.Point{
		{Y: 0, X: -1}, {Y: -1, X: -1}, {Y: -1, X: 0}, {Y: -1, X: 1},
		{Y: 0, X: 1}, {Y: 1, X: 1}, {Y: 1, X: 0}, {Y: 1, X: -1},
	}
	isSet := func(p geometry.Point) bool {
		return p.Y >= 0 && p.Y < labels.H && p.X >= 0 && p.X < labels.W && labels.At(p.Y, p.X) == id
	}

	contour := []geometry.Point{start}
	cur, dir := start, 0
	limit := 4 * (bbox.Shape().H + bbox.Shape().W) * 4
	for step := 0; step < limit; step++ {
		moved := false
		for i := 0; i < 8; i++ {
			d := (dir + i) % 8
			q := cur.Add(dirs[d])
			if isSet(q) {
				cur = q
				// Back up so the search resumes from the
				// neighbor behind the one we came from.
				dir = (d + 6) % 8
				moved = true
				break
			}
		}
		if !moved {
			break // isolated pixel
		}
		if cur == start {
			break
		}
		contour = append(contour, cur)
	}
	return contour
}
