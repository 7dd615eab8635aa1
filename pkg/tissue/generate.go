package tissue

import (
	"image"
	"image/color"

	"gonum.org/v1/gonum/floats"

	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

// GenerateOptions controls mask generation from a slide thumbnail.
type GenerateOptions struct {
	// DilationRadius grows tissue regions by this many mask pixels so
	// patches near tissue edges are not lost. Zero disables dilation.
	DilationRadius int

	// MinObjectArea removes connected tissue specks smaller than this
	// many mask pixels (pen marks, dust). Zero keeps everything.
	MinObjectArea int
}

// FromThumbnail derives a binary tissue mask from a low-magnification RGB
// thumbnail by Otsu thresholding on intensity. Tissue stains darker than
// the glass background, so pixels at or below the threshold count as
// tissue.
func FromThumbnail(img image.Image, opts GenerateOptions) *Mask {
	bounds := img.Bounds()
	shape := geometry.Shape{H: bounds.Dy(), W: bounds.Dx()}

	gray := make([]uint8, shape.Area())
	hist := make([]float64, 256)
	for y := 0; y < shape.H; y++ {
		for x := 0; x < shape.W; x++ {
			g := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			gray[y*shape.W+x] = g.Y
			hist[g.Y]++
		}
	}

	threshold := otsuThreshold(hist, float64(shape.Area()))

	// The threshold bounds the dark class inclusively.
	data := make([]uint8, shape.Area())
	for i, v := range gray {
		if v <= threshold {
			data[i] = 1
		}
	}
	if opts.MinObjectArea > 0 {
		removeSmallObjects(data, shape, opts.MinObjectArea)
	}
	if opts.DilationRadius > 0 {
		data = dilate(data, shape, opts.DilationRadius)
	}

	m, _ := NewMask(shape, data)
	return m
}

// otsuThreshold picks the gray level maximizing between-class variance.
func otsuThreshold(hist []float64, total float64) uint8 {
	// Cumulative pixel counts and intensity-weighted counts per level.
	cumCount := make([]float64, len(hist))
	floats.CumSum(cumCount, hist)

	weighted := make([]float64, len(hist))
	for i, h := range hist {
		weighted[i] = float64(i) * h
	}
	cumMean := make([]float64, len(hist))
	floats.CumSum(cumMean, weighted)
	globalMean := cumMean[len(cumMean)-1]

	best, bestVar := 0, -1.0
	for t := 0; t < len(hist); t++ {
		w0 := cumCount[t]
		w1 := total - w0
		if w0 == 0 || w1 == 0 {
			continue
		}
		mu0 := cumMean[t] / w0
		mu1 := (globalMean - cumMean[t]) / w1
		between := w0 * w1 * (mu0 - mu1) * (mu0 - mu1)
		if between > bestVar {
			bestVar = between
			best = t
		}
	}
	return uint8(best)
}

// removeSmallObjects zeroes 4-connected tissue components smaller than
// minArea pixels.
func removeSmallObjects(data []uint8, shape geometry.Shape, minArea int) {
	visited := make([]bool, len(data))
	stack := make([]geometry.Point, 0, 64)
	component := make([]int, 0, 64)
	for sy := 0; sy < shape.H; sy++ {
		for sx := 0; sx < shape.W; sx++ {
			idx := sy*shape.W + sx
			if data[idx] == 0 || visited[idx] {
				continue
			}
			component = component[:0]
			stack = append(stack[:0], geometry.Point{Y: sy, X: sx})
			visited[idx] = true
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				component = append(component, p.Y*shape.W+p.X)
				for _, q := range [4]geometry.Point{
					{Y: p.Y - 1, X: p.X}, {Y: p.Y + 1, X: p.X},
					{Y: p.Y, X: p.X - 1}, {Y: p.Y, X: p.X + 1},
				} {
					if q.Y < 0 || q.Y >= shape.H || q.X < 0 || q.X >= shape.W {
						continue
					}
					qi := q.Y*shape.W + q.X
					if data[qi] == 0 || visited[qi] {
						continue
					}
					visited[qi] = true
					stack = append(stack, q)
				}
			}
			if len(component) < minArea {
				for _, i := range component {
					data[i] = 0
				}
			}
		}
	}
}

// dilate performs binary dilation with a square structuring element.
func dilate(data []uint8, shape geometry.Shape, radius int) []uint8 {
	out := make([]uint8, len(data))
	for y := 0; y < shape.H; y++ {
		for x := 0; x < shape.W; x++ {
			if data[y*shape.W+x] == 0 {
				continue
			}
			y0, y1 := y-radius, y+radius
			x0, x1 := x-radius, x+radius
			if y0 < 0 {
				y0 = 0
			}
			if x0 < 0 {
				x0 = 0
			}
			if y1 >= shape.H {
				y1 = shape.H - 1
			}
			if x1 >= shape.W {
				x1 = shape.W - 1
			}
			for yy := y0; yy <= y1; yy++ {
				for xx := x0; xx <= x1; xx++ {
					out[yy*shape.W+xx] = 1
				}
			}
		}
	}
	return out
}
