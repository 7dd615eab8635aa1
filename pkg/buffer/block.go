// Package buffer provides the disk-backed, memory-mapped arrays that hold
// full-resolution predictions and instance labels for a slide, plus the
// in-memory pixel blocks exchanged between pipeline stages.
package buffer

import "github.com/leandermaerkisch/hover-net/pkg/geometry"

// FloatBlock is an in-memory (H, W, C) float32 array in row-major order.
type FloatBlock struct {
	H, W, C int
	Data    []float32
}

// NewFloatBlock allocates a zeroed block.
func NewFloatBlock(h, w, c int) *FloatBlock {
	return &FloatBlock{H: h, W: w, C: c, Data: make([]float32, h*w*c)}
}

// At returns the value at (y, x, c).
func (b *FloatBlock) At(y, x, c int) float32 {
	return b.Data[(y*b.W+x)*b.C+c]
}

// Set stores the value at (y, x, c).
func (b *FloatBlock) Set(y, x, c int, v float32) {
	b.Data[(y*b.W+x)*b.C+c] = v
}

// Shape returns the spatial extent of the block.
func (b *FloatBlock) Shape() geometry.Shape {
	return geometry.Shape{H: b.H, W: b.W}
}

// ByteBlock is an in-memory (H, W, C) uint8 pixel array, typically RGB.
type ByteBlock struct {
	H, W, C int
	Data    []uint8
}

// NewByteBlock allocates a zeroed block.
func NewByteBlock(h, w, c int) *ByteBlock {
	return &ByteBlock{H: h, W: w, C: c, Data: make([]uint8, h*w*c)}
}

// At returns the value at (y, x, c).
func (b *ByteBlock) At(y, x, c int) uint8 {
	return b.Data[(y*b.W+x)*b.C+c]
}

// Set stores the value at (y, x, c).
func (b *ByteBlock) Set(y, x, c int, v uint8) {
	b.Data[(y*b.W+x)*b.C+c] = v
}

// Shape returns the spatial extent of the block.
func (b *ByteBlock) Shape() geometry.Shape {
	return geometry.Shape{H: b.H, W: b.W}
}

// Crop returns a copy of the region [tl, tl+size) of the block.
func (b *ByteBlock) Crop(tl geometry.Point, size geometry.Shape) *ByteBlock {
	out := NewByteBlock(size.H, size.W, b.C)
	for y := 0; y < size.H; y++ {
		srcOff := ((tl.Y+y)*b.W + tl.X) * b.C
		dstOff := y * size.W * b.C
		copy(out.Data[dstOff:dstOff+size.W*b.C], b.Data[srcOff:srcOff+size.W*b.C])
	}
	return out
}

// LabelBlock is an in-memory (H, W) int32 instance-label array. Zero is
// background; positive values are instance identifiers.
type LabelBlock struct {
	H, W int
	Data []int32
}

// NewLabelBlock allocates a zeroed block.
func NewLabelBlock(h, w int) *LabelBlock {
	return &LabelBlock{H: h, W: w, Data: make([]int32, h*w)}
}

// At returns the label at (y, x).
func (b *LabelBlock) At(y, x int) int32 {
	return b.Data[y*b.W+x]
}

// Set stores the label at (y, x).
func (b *LabelBlock) Set(y, x int, v int32) {
	b.Data[y*b.W+x] = v
}

// Shape returns the spatial extent of the block.
func (b *LabelBlock) Shape() geometry.Shape {
	return geometry.Shape{H: b.H, W: b.W}
}
