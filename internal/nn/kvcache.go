package nn

import "github.com/fusenmt/fusenmt/internal/tensor"

// KVCache accumulates projected key/value tensors across incremental
// decoding steps so each step only projects the newest token.
//
// Tensors are stored split into heads, [batch, heads, len, headDim],
// and grown along the length dimension.
type KVCache[B tensor.Backend] struct {
	k, v *tensor.Tensor[float32, B]
}

// Append concatenates the step's keys and values onto the cache and
// returns the full accumulated tensors.
func (c *KVCache[B]) Append(k, v *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	if c.k == nil {
		c.k, c.v = k, v
	} else {
		c.k = tensor.Cat([]*tensor.Tensor[float32, B]{c.k, k}, 2)
		c.v = tensor.Cat([]*tensor.Tensor[float32, B]{c.v, v}, 2)
	}
	return c.k, c.v
}

// Set replaces the cache contents. Used for static cross-attention
// keys/values that are projected once per sequence.
func (c *KVCache[B]) Set(k, v *tensor.Tensor[float32, B]) {
	c.k, c.v = k, v
}

// KV returns the cached tensors, nil before the first Append or Set.
func (c *KVCache[B]) KV() (*tensor.Tensor[float32, B], *tensor.Tensor[float32, B]) {
	return c.k, c.v
}

// Len returns the cached sequence length.
func (c *KVCache[B]) Len() int {
	if c.k == nil {
		return 0
	}
	return c.k.Shape()[2]
}

// Reset clears the cache for a new sequence.
func (c *KVCache[B]) Reset() {
	c.k, c.v = nil, nil
}
