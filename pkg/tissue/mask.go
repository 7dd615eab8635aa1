// Package tissue provides the low-resolution tissue mask and the filter
// that discards patches and tiles with no tissue overlap.
package tissue

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

// Mask is a low-resolution binary tissue map. Values are 0 or 1.
type Mask struct {
	shape geometry.Shape
	data  []uint8
}

// NewMask wraps raw binary data of the given shape.
func NewMask(shape geometry.Shape, data []uint8) (*Mask, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("tissue: invalid mask shape %v", shape)
	}
	if len(data) != shape.Area() {
		return nil, fmt.Errorf("tissue: mask data has %d values, shape %v needs %d",
			len(data), shape, shape.Area())
	}
	return &Mask{shape: shape, data: data}, nil
}

// Shape returns the mask resolution.
func (m *Mask) Shape() geometry.Shape { return m.shape }

// At returns the mask value at (y, x).
func (m *Mask) At(y, x int) uint8 { return m.data[y*m.shape.W+x] }

// Sum returns the number of tissue pixels in the whole mask.
func (m *Mask) Sum() int {
	total := 0
	for _, v := range m.data {
		if v > 0 {
			total++
		}
	}
	return total
}

// RegionSum returns the number of tissue pixels inside the box, clipped
// to the mask bounds.
func (m *Mask) RegionSum(region geometry.Box) int {
	region = region.Clip(m.shape)
	total := 0
	for y := region.TL.Y; y < region.BR.Y; y++ {
		row := m.data[y*m.shape.W : (y+1)*m.shape.W]
		for x := region.TL.X; x < region.BR.X; x++ {
			if row[x] > 0 {
				total++
			}
		}
	}
	return total
}

// FromMaskImage binarizes a user-supplied mask image: any pixel with a
// non-zero gray value counts as tissue.
func FromMaskImage(img image.Image) *Mask {
	bounds := img.Bounds()
	shape := geometry.Shape{H: bounds.Dy(), W: bounds.Dx()}
	data := make([]uint8, shape.Area())
	for y := 0; y < shape.H; y++ {
		for x := 0; x < shape.W; x++ {
			g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			if g.Y > 0 {
				data[y*shape.W+x] = 1
			}
		}
	}
	m, _ := NewMask(shape, data)
	return m
}

// ToImage renders the mask as an 8-bit grayscale image, tissue white.
func (m *Mask) ToImage() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.shape.W, m.shape.H))
	for i, v := range m.data {
		if v > 0 {
			img.Pix[i] = 255
		}
	}
	return img
}

// Filter rescales candidate boxes from processing resolution down to mask
// resolution and keeps only those overlapping tissue.
type Filter struct {
	mask   *Mask
	ratioY float64
	ratioX float64
}

// NewFilter builds a filter for candidates expressed at procShape
// resolution against a mask at its own (lower) resolution. The ratio is
// computed per axis but assumed isotropic in practice.
func NewFilter(mask *Mask, procShape geometry.Shape) (*Filter, error) {
	if !procShape.Valid() {
		return nil, fmt.Errorf("tissue: invalid processing shape %v", procShape)
	}
	return &Filter{
		mask:   mask,
		ratioY: float64(mask.shape.H) / float64(procShape.H),
		ratioX: float64(mask.shape.W) / float64(procShape.W),
	}, nil
}

// Mask returns the underlying mask.
func (f *Filter) Mask() *Mask { return f.mask }

// Keep reports whether the box, given at processing resolution, overlaps
// any tissue after rescaling to mask resolution.
func (f *Filter) Keep(box geometry.Box) bool {
	scaled := geometry.Box{
		TL: geometry.Point{
			Y: int(math.Round(float64(box.TL.Y) * f.ratioY)),
			X: int(math.Round(float64(box.TL.X) * f.ratioX)),
		},
		BR: geometry.Point{
			Y: int(math.Round(float64(box.BR.Y) * f.ratioY)),
			X: int(math.Round(float64(box.BR.X) * f.ratioX)),
		},
	}
	return f.mask.RegionSum(scaled) > 0
}

// Patches returns the patches whose output region overlaps tissue,
// preserving their relative order.
func (f *Filter) Patches(patches []geometry.PatchInfo) []geometry.PatchInfo {
	kept := make([]geometry.PatchInfo, 0, len(patches))
	for _, p := range patches {
		if f.Keep(p.Output) {
			kept = append(kept, p)
		}
	}
	return kept
}

// Tiles returns the tiles overlapping tissue, preserving their relative
// order.
func (f *Filter) Tiles(tiles []geometry.TileInfo) []geometry.TileInfo {
	kept := make([]geometry.TileInfo, 0, len(tiles))
	for _, t := range tiles {
		if f.Keep(t.Box) {
			kept = append(kept, t)
		}
	}
	return kept
}
