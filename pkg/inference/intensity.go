package inference

import (
	"context"
	"fmt"

	"github.com/leandermaerkisch/hover-net/pkg/buffer"
	"github.com/leandermaerkisch/hover-net/pkg/geometry"
)

// IntensityPredictor is a model-free prediction collaborator for
// classical thresholding pipelines and tests. Channel 0 of each output is
// the inverted normalized intensity of the corresponding pixel in the
// centered crop of the input patch (nuclei stain dark, so dark pixels
// score high); any remaining channels stay zero.
type IntensityPredictor struct {
	Output   geometry.Shape
	Channels int
}

// Predict implements Predictor.
func (p *IntensityPredictor) Predict(_ context.Context, patches []*buffer.ByteBlock) ([]Prediction, error) {
	preds := make([]Prediction, len(patches))
	for i, patch := range patches {
		if patch.H < p.Output.H || patch.W < p.Output.W {
			return nil, fmt.Errorf("patch %vx%d smaller than output %v", patch.Shape(), patch.C, p.Output)
		}
		offY := (patch.H - p.Output.H) / 2
		offX := (patch.W - p.Output.W) / 2
		out := buffer.NewFloatBlock(p.Output.H, p.Output.W, p.Channels)
		for y := 0; y < p.Output.H; y++ {
			for x := 0; x < p.Output.W; x++ {
				r := patch.At(offY+y, offX+x, 0)
				g := patch.At(offY+y, offX+x, 1)
				b := patch.At(offY+y, offX+x, 2)
				gray := (float32(r) + float32(g) + float32(b)) / (3 * 255)
				out.Set(y, x, 0, 1-gray)
			}
		}
		preds[i] = Prediction{Index: i, Output: out}
	}
	return preds, nil
}
