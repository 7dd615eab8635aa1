// Package geometry computes the patch, chunk, and tile grids used to
// decompose a whole-slide image into units small enough to process.
// All coordinates are (row, col) in image space; boxes are half-open.
package geometry

import "fmt"

// Shape is a (height, width) pair in pixels. All shapes are 2D; channel
// counts are tracked separately by the buffers that carry pixel data.
type Shape struct {
	H int
	W int
}

// Valid reports whether both dimensions are positive.
func (s Shape) Valid() bool {
	return s.H > 0 && s.W > 0
}

// Fits reports whether s is at least as large as other on both axes.
func (s Shape) Fits(other Shape) bool {
	return s.H >= other.H && s.W >= other.W
}

// Area returns the number of pixels covered by the shape.
func (s Shape) Area() int {
	return s.H * s.W
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d)", s.H, s.W)
}

// Point is a (row, col) position in image coordinates.
type Point struct {
	Y int `json:"y"`
	X int `json:"x"`
}

// Add returns the component-wise sum of two points.
func (p Point) Add(q Point) Point {
	return Point{Y: p.Y + q.Y, X: p.X + q.X}
}

// Sub returns the component-wise difference of two points.
func (p Point) Sub(q Point) Point {
	return Point{Y: p.Y - q.Y, X: p.X - q.X}
}

// Box is a half-open rectangle [TL, BR) in row-major image coordinates.
// The invariant TL <= BR holds component-wise for every box produced by
// this package.
type Box struct {
	TL Point `json:"tl"`
	BR Point `json:"br"`
}

// Shape returns the (height, width) extent of the box.
func (b Box) Shape() Shape {
	return Shape{H: b.BR.Y - b.TL.Y, W: b.BR.X - b.TL.X}
}

// Empty reports whether the box covers no pixels.
func (b Box) Empty() bool {
	return b.BR.Y <= b.TL.Y || b.BR.X <= b.TL.X
}

// Contains reports whether the point lies inside the box.
func (b Box) Contains(p Point) bool {
	return p.Y >= b.TL.Y && p.Y < b.BR.Y && p.X >= b.TL.X && p.X < b.BR.X
}

// Overlaps reports whether two boxes share at least one pixel.
func (b Box) Overlaps(other Box) bool {
	return b.TL.Y < other.BR.Y && other.TL.Y < b.BR.Y &&
		b.TL.X < other.BR.X && other.TL.X < b.BR.X
}

// Translate returns the box shifted by the given offset.
func (b Box) Translate(offset Point) Box {
	return Box{TL: b.TL.Add(offset), BR: b.BR.Add(offset)}
}

// Clip returns the box clamped to [0, bounds) on both axes.
func (b Box) Clip(bounds Shape) Box {
	c := b
	if c.TL.Y < 0 {
		c.TL.Y = 0
	}
	if c.TL.X < 0 {
		c.TL.X = 0
	}
	if c.BR.Y > bounds.H {
		c.BR.Y = bounds.H
	}
	if c.BR.X > bounds.W {
		c.BR.X = bounds.W
	}
	if c.BR.Y < c.TL.Y {
		c.BR.Y = c.TL.Y
	}
	if c.BR.X < c.TL.X {
		c.BR.X = c.TL.X
	}
	return c
}

func (b Box) String() string {
	return fmt.Sprintf("[(%d,%d)-(%d,%d))", b.TL.Y, b.TL.X, b.BR.Y, b.BR.X)
}

// PatchInfo describes one inference patch: the input region read from the
// slide and the smaller centered output region the model predicts for it.
// The margin (input - output) is assumed even and identical on both sides.
type PatchInfo struct {
	Input  Box
	Output Box
}

// ChunkInfo describes one I/O chunk: a large slide region read in a single
// call, whose output region decomposes into a whole number of patch outputs.
type ChunkInfo struct {
	Input  Box
	Output Box
}

// TileKind distinguishes the three tile sets used during post-processing.
type TileKind int

const (
	// TileNormal tiles are non-overlapping and cover the whole image.
	TileNormal TileKind = iota
	// TileBoundary tiles straddle the seam between two adjacent normal
	// tiles along one axis.
	TileBoundary
	// TileCross tiles straddle the 4-way intersection of normal tiles.
	TileCross
)

func (k TileKind) String() string {
	switch k {
	case TileNormal:
		return "normal"
	case TileBoundary:
		return "boundary"
	case TileCross:
		return "cross"
	}
	return "unknown"
}

// TileInfo is one post-processing tile.
type TileInfo struct {
	Box  Box
	Kind TileKind
}

// InvalidShapeError reports grid parameters that cannot produce a valid
// decomposition. It is returned before any I/O has started.
type InvalidShapeError struct {
	Reason string
}

func (e *InvalidShapeError) Error() string {
	return "geometry: " + e.Reason
}

func invalidShapef(format string, args ...interface{}) error {
	return &InvalidShapeError{Reason: fmt.Sprintf(format, args...)}
}
