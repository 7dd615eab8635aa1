package geometry

import "sort"

// PatchGrid computes the input/output patch pairs covering imageShape.
//
// With diff = input - output, the number of patches per axis is
// floor((image - diff) / output) + 1. Output top-lefts form an arithmetic
// sequence starting at diff/2 with stride output; input top-lefts sit
// diff/2 before them so the output is the centered region of the input.
// The grid is emitted row-major: rows outer, columns inner.
//
// Patches in the bottom/right margin may extend past the image; the
// chunked inference engine only schedules patches that fall inside a
// clipped chunk, so those are never read.
func PatchGrid(imageShape, inputSize, outputSize Shape) ([]PatchInfo, error) {
	if err := validatePatchGrid(imageShape, inputSize, outputSize); err != nil {
		return nil, err
	}

	diff := Shape{H: inputSize.H - outputSize.H, W: inputSize.W - outputSize.W}
	numY := (imageShape.H-diff.H)/outputSize.H + 1
	numX := (imageShape.W-diff.W)/outputSize.W + 1

	patches := make([]PatchInfo, 0, numY*numX)
	for iy := 0; iy < numY; iy++ {
		outY := diff.H/2 + iy*outputSize.H
		for ix := 0; ix < numX; ix++ {
			outX := diff.W/2 + ix*outputSize.W
			output := Box{
				TL: Point{Y: outY, X: outX},
				BR: Point{Y: outY + outputSize.H, X: outX + outputSize.W},
			}
			input := Box{
				TL: Point{Y: outY - diff.H/2, X: outX - diff.W/2},
				BR: Point{Y: outY - diff.H/2 + inputSize.H, X: outX - diff.W/2 + inputSize.W},
			}
			patches = append(patches, PatchInfo{Input: input, Output: output})
		}
	}
	return patches, nil
}

// ChunkAndPatchGrid computes the full patch grid together with the chunk
// grid used for slide I/O. The chunk output size is the largest multiple
// of patchOutputSize not exceeding chunkInputSize minus the patch margin,
// so every chunk output region decomposes into whole patch outputs. The
// last chunk per row/column is clipped so its input never exceeds the
// image, with the clipped size re-rounded down to keep that alignment.
func ChunkAndPatchGrid(imageShape, chunkInputSize, patchInputSize, patchOutputSize Shape) ([]ChunkInfo, []PatchInfo, error) {
	if err := validatePatchGrid(imageShape, patchInputSize, patchOutputSize); err != nil {
		return nil, nil, err
	}

	diff := Shape{H: patchInputSize.H - patchOutputSize.H, W: patchInputSize.W - patchOutputSize.W}
	chunkOutputSize := Shape{
		H: roundDownMultiple(chunkInputSize.H-diff.H, patchOutputSize.H),
		W: roundDownMultiple(chunkInputSize.W-diff.W, patchOutputSize.W),
	}
	if chunkOutputSize.H < patchOutputSize.H || chunkOutputSize.W < patchOutputSize.W {
		return nil, nil, invalidShapef("chunk input %v cannot hold a single %v patch output plus margin %v",
			chunkInputSize, patchOutputSize, diff)
	}
	chunkInputSize = Shape{H: chunkOutputSize.H + diff.H, W: chunkOutputSize.W + diff.W}

	patches, err := PatchGrid(imageShape, patchInputSize, patchOutputSize)
	if err != nil {
		return nil, nil, err
	}

	seeds, err := PatchGrid(imageShape, chunkInputSize, chunkOutputSize)
	if err != nil {
		return nil, nil, err
	}

	chunks := make([]ChunkInfo, len(seeds))
	for i, seed := range seeds {
		tl := seed.Input.TL
		br := Point{Y: tl.Y + chunkInputSize.H, X: tl.X + chunkInputSize.W}
		// Clip the last chunk per row/column back onto the patch-output
		// grid so it stays within the image. The re-rounded size can be
		// smaller than one patch; such a chunk simply selects no patches.
		if br.Y > imageShape.H {
			br.Y = tl.Y + roundDownMultiple(imageShape.H-diff.H-tl.Y, patchOutputSize.H) + diff.H
		}
		if br.X > imageShape.W {
			br.X = tl.X + roundDownMultiple(imageShape.W-diff.W-tl.X, patchOutputSize.W) + diff.W
		}
		chunks[i] = ChunkInfo{
			Input: Box{TL: tl, BR: br},
			Output: Box{
				TL: Point{Y: tl.Y + diff.H/2, X: tl.X + diff.W/2},
				BR: Point{Y: br.Y - diff.H/2, X: br.X - diff.W/2},
			},
		}
	}
	return chunks, patches, nil
}

// TileGrid computes the three post-processing tile sets: normal tiles on a
// regular non-overlapping grid covering the image, boundary tiles spanning
// a band of 2*ambiguousSize centered on each interior seam, and cross
// tiles spanning 4*ambiguousSize centered on each interior seam
// intersection. All tiles are clipped to the image bounds.
func TileGrid(imageShape, tileShape Shape, ambiguousSize int) (normal, boundary, cross []TileInfo, err error) {
	if ambiguousSize <= 0 {
		return nil, nil, nil, invalidShapef("ambiguous size must be positive, got %d", ambiguousSize)
	}
	seeds, err := PatchGrid(imageShape, tileShape, tileShape)
	if err != nil {
		return nil, nil, nil, err
	}

	// Collect the distinct grid lines while clamping normal tiles to the
	// image. Seeds landing exactly on the image edge produce empty tiles
	// and are dropped, so only interior lines generate seam tiles.
	rowSet := map[int]bool{}
	colSet := map[int]bool{}
	for _, seed := range seeds {
		box := Box{
			TL: seed.Input.TL,
			BR: Point{Y: seed.Input.TL.Y + tileShape.H, X: seed.Input.TL.X + tileShape.W},
		}.Clip(imageShape)
		if box.Empty() {
			continue
		}
		normal = append(normal, TileInfo{Box: box, Kind: TileNormal})
		rowSet[box.TL.Y] = true
		colSet[box.TL.X] = true
	}
	rows := sortedKeys(rowSet)
	cols := sortedKeys(colSet)

	// Vertical seams: full tile height, a 2*ambiguousSize band around the
	// seam column.
	for _, y := range rows {
		for _, x := range cols[1:] {
			box := Box{
				TL: Point{Y: y, X: x - ambiguousSize},
				BR: Point{Y: y + tileShape.H, X: x + ambiguousSize},
			}.Clip(imageShape)
			if !box.Empty() {
				boundary = append(boundary, TileInfo{Box: box, Kind: TileBoundary})
			}
		}
	}
	// Horizontal seams, symmetric.
	for _, y := range rows[1:] {
		for _, x := range cols {
			box := Box{
				TL: Point{Y: y - ambiguousSize, X: x},
				BR: Point{Y: y + ambiguousSize, X: x + tileShape.W},
			}.Clip(imageShape)
			if !box.Empty() {
				boundary = append(boundary, TileInfo{Box: box, Kind: TileBoundary})
			}
		}
	}

	for _, y := range rows[1:] {
		for _, x := range cols[1:] {
			box := Box{
				TL: Point{Y: y - 2*ambiguousSize, X: x - 2*ambiguousSize},
				BR: Point{Y: y + 2*ambiguousSize, X: x + 2*ambiguousSize},
			}.Clip(imageShape)
			if !box.Empty() {
				cross = append(cross, TileInfo{Box: box, Kind: TileCross})
			}
		}
	}
	return normal, boundary, cross, nil
}

func validatePatchGrid(imageShape, inputSize, outputSize Shape) error {
	if !imageShape.Valid() {
		return invalidShapef("image shape %v must be positive", imageShape)
	}
	if !inputSize.Valid() || !outputSize.Valid() {
		return invalidShapef("patch sizes must be positive, got input %v output %v", inputSize, outputSize)
	}
	if !inputSize.Fits(outputSize) {
		return invalidShapef("input size %v must be >= output size %v on both axes", inputSize, outputSize)
	}
	if !imageShape.Fits(inputSize) {
		return invalidShapef("image %v is smaller than the input patch %v", imageShape, inputSize)
	}
	return nil
}

// roundDownMultiple rounds x down to the nearest multiple of m.
func roundDownMultiple(x, m int) int {
	if x < 0 {
		return 0
	}
	return (x / m) * m
}

func sortedKeys(set map[int]bool) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
