package nn

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// crossEntropyBackend is the backend capability for masked, label-smoothed
// cross-entropy over flattened logits.
type crossEntropyBackend interface {
	CrossEntropyMasked(logits, targets *tensor.RawTensor, ignoreIndex int32, smoothing float32) *tensor.RawTensor
}

// CrossEntropyLoss computes label-smoothed cross-entropy averaged over
// positions whose target differs from ignoreIndex. Padding positions
// therefore contribute neither loss nor gradient.
type CrossEntropyLoss[B tensor.Backend] struct {
	ignoreIndex int32
	smoothing   float32
}

// NewCrossEntropyLoss creates the loss with the given ignored target id
// (typically the pad token) and smoothing factor in [0, 1).
func NewCrossEntropyLoss[B tensor.Backend](ignoreIndex int32, smoothing float32) *CrossEntropyLoss[B] {
	if smoothing < 0 || smoothing >= 1 {
		panic(fmt.Sprintf("CrossEntropyLoss: smoothing must be in [0, 1), got %g", smoothing))
	}
	return &CrossEntropyLoss[B]{ignoreIndex: ignoreIndex, smoothing: smoothing}
}

// Forward computes the scalar loss.
//
// logits: [batch, seq, vocab] or [n, vocab]; targets: matching leading
// shape of int32 ids. Logits are flattened to rows before the backend
// call. Panics if the backend lacks the cross-entropy capability.
func (l *CrossEntropyLoss[B]) Forward(
	logits *tensor.Tensor[float32, B],
	targets *tensor.Tensor[int32, B],
) *tensor.Tensor[float32, B] {
	backend := logits.Backend()
	ce, ok := any(backend).(crossEntropyBackend)
	if !ok {
		panic(fmt.Sprintf("CrossEntropyLoss: backend %s does not support CrossEntropyMasked", backend.Name()))
	}

	ls := logits.Shape()
	flat := logits
	if len(ls) == 3 {
		flat = logits.Reshape(ls[0]*ls[1], ls[2])
	} else if len(ls) != 2 {
		panic(fmt.Sprintf("CrossEntropyLoss: expected 2D or 3D logits, got %v", ls))
	}
	if flat.Shape()[0] != targets.NumElements() {
		panic(fmt.Sprintf("CrossEntropyLoss: %d logit rows but %d targets", flat.Shape()[0], targets.NumElements()))
	}

	raw := ce.CrossEntropyMasked(flat.Raw(), targets.Raw(), l.ignoreIndex, l.smoothing)
	return tensor.New[float32, B](raw, backend)
}
