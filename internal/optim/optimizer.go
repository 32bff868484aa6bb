// Package optim implements the optimizers used to train the translation
// models. Design follows PyTorch's torch.optim: optimizers hold the
// parameter list and read each parameter's accumulated gradient slot.
package optim

import (
	"math"

	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Optimizer updates parameters in place from their gradient slots.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient.
	Step()

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// LR returns the current learning rate.
	LR() float32

	// SetLR changes the learning rate, for scheduling.
	SetLR(lr float32)

	// StateDict returns optimizer state (moment buffers, timestep) for
	// checkpointing. Keys are stable across runs for a fixed model.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores optimizer state saved by StateDict.
	LoadStateDict(state map[string]*tensor.RawTensor) error
}

// ScaleGrads multiplies every present gradient by factor. Used to turn
// accumulated micro-batch gradient sums into means before stepping.
func ScaleGrads[B tensor.Backend](params []*nn.Parameter[B], factor float32) {
	for _, p := range params {
		if g := p.Grad(); g != nil {
			gv := g.Data()
			for i := range gv {
				gv[i] *= factor
			}
		}
	}
}

// ClipGradNorm rescales gradients so their global L2 norm does not
// exceed maxNorm. Returns the norm before clipping.
func ClipGradNorm[B tensor.Backend](params []*nn.Parameter[B], maxNorm float32) float32 {
	var sumSq float64
	for _, p := range params {
		if g := p.Grad(); g != nil {
			for _, v := range g.Data() {
				sumSq += float64(v) * float64(v)
			}
		}
	}
	norm := float32(math.Sqrt(sumSq))
	if norm > maxNorm && norm > 0 {
		scale := maxNorm / norm
		ScaleGrads(params, scale)
	}
	return norm
}
