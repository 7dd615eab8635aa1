// Package slide defines the reader protocol for whole-slide image
// backends and provides a backend for plain raster images.
//
// The protocol speaks (x, y) / (col, row) order, matching slide-format
// libraries; callers transpose to the engine's (row, col) convention at
// this boundary.
package slide

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/leandermaerkisch/hover-net/pkg/buffer"
)

// Reader is the slide-decoder collaborator. Implementations for real WSI
// formats (OpenSlide, TIFF pyramids) live outside this module.
type Reader interface {
	// Dimensions returns the slide extent in pixels at the given
	// magnification, in (width, height) order.
	Dimensions(mag float64) (width, height int, err error)

	// Prepare resolves pixel data at the given magnification so later
	// ReadRegion calls serve from it.
	Prepare(mag float64) error

	// ReadRegion returns the RGB pixels of the (width, height) region
	// with top-left (x, y) at the prepared magnification.
	ReadRegion(x, y, width, height int) (*buffer.ByteBlock, error)

	// Thumbnail returns the full slide rendered at the given (low)
	// magnification.
	Thumbnail(mag float64) (image.Image, error)

	// Close releases backend resources.
	Close() error
}

// ImageReader serves a plain raster image (PNG, JPEG) as a slide, with
// the whole file treated as captured at BaseMag.
type ImageReader struct {
	src      image.Image
	baseMag  float64
	prepared *image.NRGBA
}

// OpenImage decodes the image at path and wraps it as a slide captured at
// baseMag.
func OpenImage(path string, baseMag float64) (*ImageReader, error) {
	if baseMag <= 0 {
		return nil, fmt.Errorf("slide: base magnification must be positive, got %g", baseMag)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("slide: opening %s: %w", path, err)
	}
	return &ImageReader{src: img, baseMag: baseMag}, nil
}

// NewImageReader wraps an already decoded image. Used by tests.
func NewImageReader(img image.Image, baseMag float64) *ImageReader {
	return &ImageReader{src: img, baseMag: baseMag}
}

func (r *ImageReader) scaleFor(mag float64) float64 {
	return mag / r.baseMag
}

// Dimensions implements Reader.
func (r *ImageReader) Dimensions(mag float64) (int, int, error) {
	if mag <= 0 {
		return 0, 0, fmt.Errorf("slide: magnification must be positive, got %g", mag)
	}
	s := r.scaleFor(mag)
	b := r.src.Bounds()
	w := int(math.Round(float64(b.Dx()) * s))
	h := int(math.Round(float64(b.Dy()) * s))
	return w, h, nil
}

// Prepare implements Reader by rescaling the source once to the requested
// magnification.
func (r *ImageReader) Prepare(mag float64) error {
	w, h, err := r.Dimensions(mag)
	if err != nil {
		return err
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), r.src, r.src.Bounds(), xdraw.Over, nil)
	r.prepared = dst
	return nil
}

// ReadRegion implements Reader. The region must lie within the prepared
// slide bounds.
func (r *ImageReader) ReadRegion(x, y, width, height int) (*buffer.ByteBlock, error) {
	if r.prepared == nil {
		return nil, fmt.Errorf("slide: ReadRegion before Prepare")
	}
	b := r.prepared.Bounds()
	if x < 0 || y < 0 || x+width > b.Dx() || y+height > b.Dy() {
		return nil, fmt.Errorf("slide: region (%d,%d)+(%d,%d) exceeds slide %dx%d",
			x, y, width, height, b.Dx(), b.Dy())
	}
	block := buffer.NewByteBlock(height, width, 3)
	for row := 0; row < height; row++ {
		srcOff := r.prepared.PixOffset(x, y+row)
		for col := 0; col < width; col++ {
			p := r.prepared.Pix[srcOff+col*4 : srcOff+col*4+3]
			dst := (row*width + col) * 3
			block.Data[dst] = p[0]
			block.Data[dst+1] = p[1]
			block.Data[dst+2] = p[2]
		}
	}
	return block, nil
}

// Thumbnail implements Reader.
func (r *ImageReader) Thumbnail(mag float64) (image.Image, error) {
	w, h, err := r.Dimensions(mag)
	if err != nil {
		return nil, err
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), r.src, r.src.Bounds(), xdraw.Over, nil)
	return dst, nil
}

// Close implements Reader.
func (r *ImageReader) Close() error {
	r.src = nil
	r.prepared = nil
	return nil
}
