package model

import (
	"fmt"
	"strings"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// State-dict plumbing for composite modules. Keys are dot-qualified,
// e.g. "encoder.layers.3.self_attn.query.weight".

func mergeState(dst map[string]*tensor.RawTensor, prefix string, src map[string]*tensor.RawTensor) {
	for k, v := range src {
		dst[prefix+"."+k] = v
	}
}

func subState(state map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	out := make(map[string]*tensor.RawTensor)
	for k, v := range state {
		if strings.HasPrefix(k, prefix+".") {
			out[strings.TrimPrefix(k, prefix+".")] = v
		}
	}
	return out
}

func layerKey(i int) string {
	return fmt.Sprintf("layers.%d", i)
}
