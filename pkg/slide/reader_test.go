package slide

import (
	"image"
	"image/color"
	"testing"
)

// gradientImage builds a test image where the red channel encodes the
// column and the green channel the row.
func gradientImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 7, A: 255})
		}
	}
	return img
}

func TestDimensions(t *testing.T) {
	r := NewImageReader(gradientImage(100, 60), 40)

	w, h, err := r.Dimensions(40)
	if err != nil {
		t.Fatalf("Failed to read dimensions: %v", err)
	}
	if w != 100 || h != 60 {
		t.Errorf("Dimensions at base mag = %dx%d, want 100x60", w, h)
	}

	// Half magnification halves both axes.
	w, h, err = r.Dimensions(20)
	if err != nil {
		t.Fatalf("Failed to read dimensions: %v", err)
	}
	if w != 50 || h != 30 {
		t.Errorf("Dimensions at half mag = %dx%d, want 50x30", w, h)
	}

	if _, _, err := r.Dimensions(0); err == nil {
		t.Error("Expected an error for non-positive magnification")
	}
}

func TestReadRegion(t *testing.T) {
	r := NewImageReader(gradientImage(100, 60), 40)

	if _, err := r.ReadRegion(0, 0, 4, 4); err == nil {
		t.Fatal("Expected an error before Prepare")
	}
	if err := r.Prepare(40); err != nil {
		t.Fatalf("Failed to prepare slide: %v", err)
	}

	block, err := r.ReadRegion(10, 20, 5, 3)
	if err != nil {
		t.Fatalf("Failed to read region: %v", err)
	}
	if block.H != 3 || block.W != 5 || block.C != 3 {
		t.Fatalf("Block shape = %dx%dx%d, want 3x5x3", block.H, block.W, block.C)
	}
	// (x, y) arguments map to (col, row) pixels.
	if got := block.At(0, 0, 0); got != 10 {
		t.Errorf("Red at origin = %d, want column 10", got)
	}
	if got := block.At(2, 4, 1); got != 22 {
		t.Errorf("Green at (2,4) = %d, want row 22", got)
	}
	if got := block.At(0, 0, 2); got != 7 {
		t.Errorf("Blue at origin = %d, want 7", got)
	}

	if _, err := r.ReadRegion(98, 0, 5, 5); err == nil {
		t.Error("Expected an error reading past the slide edge")
	}
}

func TestThumbnail(t *testing.T) {
	r := NewImageReader(gradientImage(80, 80), 40)
	thumb, err := r.Thumbnail(10)
	if err != nil {
		t.Fatalf("Failed to render thumbnail: %v", err)
	}
	b := thumb.Bounds()
	if b.Dx() != 20 || b.Dy() != 20 {
		t.Errorf("Thumbnail = %dx%d, want 20x20", b.Dx(), b.Dy())
	}
}
