package nn

import (
	"fmt"
	"math/rand"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Dropout randomly zeroes elements with probability p during training
// and scales survivors by 1/(1-p) (inverted dropout). In evaluation mode
// it is the identity.
//
// The mask is applied with an element-wise multiply, so the gradient is
// masked by the same pattern without a dedicated backward rule.
type Dropout[B tensor.Backend] struct {
	p        float32
	training bool
	backend  B
}

// NewDropout creates a Dropout layer in evaluation mode.
func NewDropout[B tensor.Backend](p float32, backend B) *Dropout[B] {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("Dropout: probability must be in [0, 1), got %g", p))
	}
	return &Dropout[B]{p: p, backend: backend}
}

// SetTraining switches between training and evaluation behavior.
func (d *Dropout[B]) SetTraining(training bool) {
	d.training = training
}

// Forward applies the dropout mask, or returns the input unchanged when
// not training or p is zero.
func (d *Dropout[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.p == 0 {
		return x
	}

	keep := 1 - d.p
	scale := 1 / keep

	mask := tensor.MustNewRaw(x.Shape(), tensor.Float32, d.backend.Device())
	mv := mask.AsFloat32()
	for i := range mv {
		if rand.Float32() < keep {
			mv[i] = scale
		}
	}
	return x.Mul(tensor.New[float32, B](mask, d.backend))
}

// Parameters returns nil; dropout has no trainable state.
func (d *Dropout[B]) Parameters() []*Parameter[B] { return nil }

// StateDict returns an empty map.
func (d *Dropout[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (d *Dropout[B]) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }
