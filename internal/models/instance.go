// Package models holds the value types shared across the inference,
// post-processing, and stitching stages.
package models

import "github.com/leandermaerkisch/hover-net/pkg/geometry"

// Centroid is the sub-pixel center of mass of an instance, (row, col).
type Centroid struct {
	Y float64 `json:"y"`
	X float64 `json:"x"`
}

// Instance is one segmented nucleus. Coordinates are tile-relative when
// produced by a segmenter and absolute after stitching translates them.
type Instance struct {
	// BBox is the tight bounding box of the instance pixels.
	BBox geometry.Box `json:"bbox"`

	// Contour is the boundary polygon, at least 3 points.
	Contour []geometry.Point `json:"contour"`

	// Centroid is the center of mass.
	Centroid Centroid `json:"centroid"`

	// Type is the predicted nucleus type, 0 when the model does not
	// classify types.
	Type int `json:"type"`
}

// Translate shifts the bounding box, contour, and centroid by the given
// offset, converting tile-relative coordinates to absolute ones.
func (i *Instance) Translate(offset geometry.Point) {
	i.BBox = i.BBox.Translate(offset)
	for j := range i.Contour {
		i.Contour[j] = i.Contour[j].Add(offset)
	}
	i.Centroid.Y += float64(offset.Y)
	i.Centroid.X += float64(offset.X)
}
