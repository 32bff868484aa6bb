// Package nn implements the neural network building blocks of the
// fusion translation models:
//   - Parameter: trainable tensors with gradient slots
//   - Linear, LayerNorm, Dropout: basic layers
//   - TokenEmbedding, PositionalEncoding: input pipeline
//   - MultiHeadAttention, FeedForward, Sublayer: transformer pieces
//   - CrossEntropyLoss: label-smoothed, pad-masked loss
//
// Design follows PyTorch's nn.Module conventions adapted to Go generics.
package nn

import (
	"fmt"
	"strings"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Module is the base interface for network components. Forward methods
// are deliberately excluded: their signatures vary (self-attention takes
// three streams and a mask, a loss takes logits and targets), so each
// module declares its own.
type Module[B tensor.Backend] interface {
	// Parameters returns all trainable parameters, including those of
	// nested modules. Empty for parameterless modules such as Dropout.
	Parameters() []*Parameter[B]

	// StateDict returns the module's parameters keyed by qualified name,
	// e.g. "layers.0.self_attn.query.weight".
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict copies values from a state dictionary into the
	// module's parameters. Shapes must match exactly.
	LoadStateDict(state map[string]*tensor.RawTensor) error
}

// mergeState copies src entries into dst under prefix.
func mergeState(dst map[string]*tensor.RawTensor, prefix string, src map[string]*tensor.RawTensor) {
	for k, v := range src {
		dst[prefix+"."+k] = v
	}
}

// subState extracts the entries under prefix, with the prefix stripped.
func subState(state map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	for k, v := range state {
		if strings.HasPrefix(k, prefix+".") {
			out[strings.TrimPrefix(k, prefix+".")] = v
		}
	}
	return out
}

// loadParam copies a raw tensor from the state dict into a parameter,
// validating presence, shape and dtype.
func loadParam[B tensor.Backend](state map[string]*tensor.RawTensor, key string, p *Parameter[B]) error {
	raw, ok := state[key]
	if !ok {
		return fmt.Errorf("missing %q in state dict", key)
	}
	want := p.Tensor().Shape()
	if !raw.Shape().Equal(want) {
		return fmt.Errorf("%q shape mismatch: expected %v, got %v", key, want, raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		return fmt.Errorf("%q dtype mismatch: expected float32, got %s", key, raw.DType())
	}
	copy(p.Tensor().Data(), raw.AsFloat32())
	return nil
}
