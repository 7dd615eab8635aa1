package tissue

import (
	"image"
	"image/color"
	"testing"

	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

// maskWith builds a mask of the given shape with tissue at the listed
// (row, col) positions.
func maskWith(t *testing.T, shape geometry.Shape, tissue []geometry.Point) *Mask {
	t.Helper()
	data := make([]uint8, shape.Area())
	for _, p := range tissue {
		data[p.Y*shape.W+p.X] = 1
	}
	m, err := NewMask(shape, data)
	if err != nil {
		t.Fatalf("Failed to build mask: %v", err)
	}
	return m
}

func TestMaskSums(t *testing.T) {
	m := maskWith(t, geometry.Shape{H: 8, W: 8}, []geometry.Point{
		{Y: 2, X: 3}, {Y: 2, X: 4}, {Y: 6, X: 1},
	})
	if got := m.Sum(); got != 3 {
		t.Errorf("Sum = %d, want 3", got)
	}
	region := geometry.Box{TL: geometry.Point{Y: 2, X: 3}, BR: geometry.Point{Y: 3, X: 5}}
	if got := m.RegionSum(region); got != 2 {
		t.Errorf("RegionSum = %d, want 2", got)
	}
	// Region sums clip to the mask.
	wide := geometry.Box{TL: geometry.Point{Y: -4, X: -4}, BR: geometry.Point{Y: 100, X: 100}}
	if got := m.RegionSum(wide); got != 3 {
		t.Errorf("Clipped RegionSum = %d, want 3", got)
	}
}

func TestFilterKeep(t *testing.T) {
	// An 8x8 mask over a 32x32 processing plane: one mask pixel covers
	// a 4x4 region.
	m := maskWith(t, geometry.Shape{H: 8, W: 8}, []geometry.Point{{Y: 2, X: 3}})
	f, err := NewFilter(m, geometry.Shape{H: 32, W: 32})
	if err != nil {
		t.Fatalf("Failed to build filter: %v", err)
	}

	cases := []struct {
		name string
		box  geometry.Box
		want bool
	}{
		{"on tissue", geometry.Box{TL: geometry.Point{Y: 8, X: 12}, BR: geometry.Point{Y: 12, X: 16}}, true},
		{"off tissue", geometry.Box{TL: geometry.Point{Y: 20, X: 20}, BR: geometry.Point{Y: 24, X: 24}}, false},
		{"straddling", geometry.Box{TL: geometry.Point{Y: 4, X: 8}, BR: geometry.Point{Y: 12, X: 16}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.Keep(tc.box); got != tc.want {
				t.Errorf("Keep(%v) = %v, want %v", tc.box, got, tc.want)
			}
		})
	}
}

func TestFilterPatchesAndTiles(t *testing.T) {
	m := maskWith(t, geometry.Shape{H: 8, W: 8}, []geometry.Point{{Y: 0, X: 0}})
	f, err := NewFilter(m, geometry.Shape{H: 32, W: 32})
	if err != nil {
		t.Fatalf("Failed to build filter: %v", err)
	}

	onTissue := geometry.Box{TL: geometry.Point{}, BR: geometry.Point{Y: 4, X: 4}}
	offTissue := geometry.Box{TL: geometry.Point{Y: 16, X: 16}, BR: geometry.Point{Y: 20, X: 20}}

	patches := []geometry.PatchInfo{
		{Input: onTissue, Output: onTissue},
		{Input: offTissue, Output: offTissue},
	}
	kept := f.Patches(patches)
	if len(kept) != 1 || kept[0].Output != onTissue {
		t.Errorf("Patches kept %d entries, want only the tissue patch", len(kept))
	}

	tiles := []geometry.TileInfo{
		{Box: offTissue, Kind: geometry.TileNormal},
		{Box: onTissue, Kind: geometry.TileNormal},
	}
	keptTiles := f.Tiles(tiles)
	if len(keptTiles) != 1 || keptTiles[0].Box != onTissue {
		t.Errorf("Tiles kept %d entries, want only the tissue tile", len(keptTiles))
	}
}

func TestFromMaskImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 2, color.Gray{Y: 255})
	img.SetGray(3, 3, color.Gray{Y: 1})

	m := FromMaskImage(img)
	if m.Shape() != (geometry.Shape{H: 4, W: 4}) {
		t.Fatalf("Mask shape = %v, want 4x4", m.Shape())
	}
	// Column-major image coordinates become (row, col).
	if m.At(2, 1) != 1 {
		t.Error("Expected tissue at (2,1)")
	}
	if m.At(3, 3) != 1 {
		t.Error("Any non-zero gray value counts as tissue")
	}
	if m.Sum() != 2 {
		t.Errorf("Sum = %d, want 2", m.Sum())
	}
}

func TestFromThumbnail(t *testing.T) {
	// Dark tissue square on a white background.
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.White)
		}
	}
	for y := 4; y < 10; y++ {
		for x := 4; x < 10; x++ {
			img.Set(x, y, color.NRGBA{R: 40, G: 20, B: 60, A: 255})
		}
	}

	m := FromThumbnail(img, GenerateOptions{})
	if m.At(6, 6) != 1 {
		t.Error("Expected tissue inside the dark square")
	}
	if m.At(0, 0) != 0 {
		t.Error("Expected background outside the dark square")
	}
	if got := m.Sum(); got != 36 {
		t.Errorf("Sum = %d, want 36", got)
	}

	// Dilation grows the region by one pixel in every direction.
	d := FromThumbnail(img, GenerateOptions{DilationRadius: 1})
	if d.Sum() <= m.Sum() {
		t.Errorf("Dilated sum = %d, want more than %d", d.Sum(), m.Sum())
	}
	if d.At(3, 4) != 1 {
		t.Error("Expected dilation to reach the pixel above the square")
	}
}

func TestFromThumbnailRemovesSpecks(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.White)
		}
	}
	dark := color.NRGBA{R: 30, G: 30, B: 30, A: 255}
	for y := 4; y < 10; y++ {
		for x := 4; x < 10; x++ {
			img.Set(x, y, dark)
		}
	}
	// A lone dark pixel well away from the tissue block.
	img.Set(13, 13, dark)

	m := FromThumbnail(img, GenerateOptions{MinObjectArea: 4})
	if m.At(13, 13) != 0 {
		t.Error("Expected the speck to be removed")
	}
	if got := m.Sum(); got != 36 {
		t.Errorf("Sum = %d, want the 36 tissue pixels only", got)
	}
}
