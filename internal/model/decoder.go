package model

import (
	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// DecoderLayer is one decoder block. Self-attention keeps the full
// residual; the cross-attention stage averages its branches in the
// fusion variant:
//
//	x = x + self(x)                                  (causal)
//	x = x + 0.5*context(x) + 0.5*memory(x)           (fused)
//	x = x + memory(x)                                (plain)
//	x = x + ffn(x)
//
// Both cross branches read the same post-self-attention x.
type DecoderLayer[B tensor.Backend] struct {
	selfAttn  *nn.MultiHeadAttention[B]
	ctxAttn   *nn.MultiHeadAttention[B] // nil in the plain variant
	crossAttn *nn.MultiHeadAttention[B]
	ffn       *nn.FeedForward[B]

	selfWrap  *nn.Sublayer[B]
	ctxWrap   *nn.Sublayer[B]
	crossWrap *nn.Sublayer[B]
	ffnWrap   *nn.Sublayer[B]
}

// NewDecoderLayer creates a decoder block. fused enables the context
// cross-attention branch.
func NewDecoderLayer[B tensor.Backend](cfg Config, fused bool, backend B) *DecoderLayer[B] {
	l := &DecoderLayer[B]{
		selfAttn:  nn.NewMultiHeadAttention(cfg.HiddenDim, cfg.NumHeads, backend),
		crossAttn: nn.NewMultiHeadAttention(cfg.HiddenDim, cfg.NumHeads, backend),
		ffn:       nn.NewFeedForward(cfg.HiddenDim, cfg.FFNDim, backend),
		selfWrap:  nn.NewSublayer(cfg.HiddenDim, cfg.Dropout, backend),
		crossWrap: nn.NewSublayer(cfg.HiddenDim, cfg.Dropout, backend),
		ffnWrap:   nn.NewSublayer(cfg.HiddenDim, cfg.Dropout, backend),
	}
	if fused {
		l.ctxAttn = nn.NewMultiHeadAttention(cfg.HiddenDim, cfg.NumHeads, backend)
		l.ctxWrap = nn.NewSublayer(cfg.HiddenDim, cfg.Dropout, backend)
	}
	return l
}

// Forward runs the block. memory is the encoder output, ctx the context
// encoder output (nil in the plain variant). selfMask is the causal
// decoder mask; memMask is the source pad mask shared by both cross
// branches.
func (l *DecoderLayer[B]) Forward(
	x, memory, ctx, selfMask, memMask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	x = x.Add(l.selfWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
		return l.selfAttn.Forward(h, h, h, selfMask)
	}))

	if l.ctxAttn == nil {
		x = x.Add(l.crossWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return l.crossAttn.Forward(h, memory, memory, memMask)
		}))
	} else {
		c := l.ctxWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return l.ctxAttn.Forward(h, ctx, ctx, memMask)
		})
		m := l.crossWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return l.crossAttn.Forward(h, memory, memory, memMask)
		})
		x = x.Add(c.MulScalar(0.5)).Add(m.MulScalar(0.5))
	}

	return x.Add(l.ffnWrap.Wrap(x, l.ffn.Forward))
}

// layerSession holds the per-layer incremental decoding state: a growing
// self-attention cache and the static projected cross keys/values.
type layerSession[B tensor.Backend] struct {
	self         *nn.KVCache[B]
	ctxKV, memKV *nn.KVCache[B]
}

// beginSession projects the static cross-attention keys and values once.
func (l *DecoderLayer[B]) beginSession(memory, ctx *tensor.Tensor[float32, B]) *layerSession[B] {
	s := &layerSession[B]{
		self:  &nn.KVCache[B]{},
		memKV: &nn.KVCache[B]{},
	}
	s.memKV.Set(l.crossAttn.ProjectKV(memory, memory))
	if l.ctxAttn != nil {
		s.ctxKV = &nn.KVCache[B]{}
		s.ctxKV.Set(l.ctxAttn.ProjectKV(ctx, ctx))
	}
	return s
}

// step runs the block for a single new position x [batch, 1, hidden].
// Self-attention appends the step's keys/values to the cache and attends
// over everything cached, which makes an explicit causal mask redundant.
func (l *DecoderLayer[B]) step(
	x *tensor.Tensor[float32, B],
	s *layerSession[B],
	memMask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	x = x.Add(l.selfWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
		k, v := l.selfAttn.ProjectKV(h, h)
		fullK, fullV := s.self.Append(k, v)
		return l.selfAttn.Attend(h, fullK, fullV, nil)
	}))

	if l.ctxAttn == nil {
		x = x.Add(l.crossWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			k, v := s.memKV.KV()
			return l.crossAttn.Attend(h, k, v, memMask)
		}))
	} else {
		c := l.ctxWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			k, v := s.ctxKV.KV()
			return l.ctxAttn.Attend(h, k, v, memMask)
		})
		m := l.crossWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			k, v := s.memKV.KV()
			return l.crossAttn.Attend(h, k, v, memMask)
		})
		x = x.Add(c.MulScalar(0.5)).Add(m.MulScalar(0.5))
	}

	return x.Add(l.ffnWrap.Wrap(x, l.ffn.Forward))
}

// SetTraining toggles dropout in the block's sublayers.
func (l *DecoderLayer[B]) SetTraining(training bool) {
	l.selfWrap.SetTraining(training)
	l.crossWrap.SetTraining(training)
	l.ffnWrap.SetTraining(training)
	if l.ctxWrap != nil {
		l.ctxWrap.SetTraining(training)
	}
}

// Parameters returns the block's trainable parameters.
func (l *DecoderLayer[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, l.selfAttn.Parameters()...)
	if l.ctxAttn != nil {
		params = append(params, l.ctxAttn.Parameters()...)
	}
	params = append(params, l.crossAttn.Parameters()...)
	params = append(params, l.ffn.Parameters()...)
	params = append(params, l.selfWrap.Parameters()...)
	if l.ctxWrap != nil {
		params = append(params, l.ctxWrap.Parameters()...)
	}
	params = append(params, l.crossWrap.Parameters()...)
	params = append(params, l.ffnWrap.Parameters()...)
	return params
}

// StateDict returns the block's parameters under qualified names.
func (l *DecoderLayer[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "self_attn", l.selfAttn.StateDict())
	mergeState(state, "cross_attn", l.crossAttn.StateDict())
	mergeState(state, "ffn", l.ffn.StateDict())
	mergeState(state, "self_wrap", l.selfWrap.StateDict())
	mergeState(state, "cross_wrap", l.crossWrap.StateDict())
	mergeState(state, "ffn_wrap", l.ffnWrap.StateDict())
	if l.ctxAttn != nil {
		mergeState(state, "ctx_attn", l.ctxAttn.StateDict())
		mergeState(state, "ctx_wrap", l.ctxWrap.StateDict())
	}
	return state
}

// LoadStateDict restores the block's parameters.
func (l *DecoderLayer[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := l.selfAttn.LoadStateDict(subState(state, "self_attn")); err != nil {
		return err
	}
	if err := l.crossAttn.LoadStateDict(subState(state, "cross_attn")); err != nil {
		return err
	}
	if err := l.ffn.LoadStateDict(subState(state, "ffn")); err != nil {
		return err
	}
	if err := l.selfWrap.LoadStateDict(subState(state, "self_wrap")); err != nil {
		return err
	}
	if err := l.crossWrap.LoadStateDict(subState(state, "cross_wrap")); err != nil {
		return err
	}
	if err := l.ffnWrap.LoadStateDict(subState(state, "ffn_wrap")); err != nil {
		return err
	}
	if l.ctxAttn != nil {
		if err := l.ctxAttn.LoadStateDict(subState(state, "ctx_attn")); err != nil {
			return err
		}
		return l.ctxWrap.LoadStateDict(subState(state, "ctx_wrap"))
	}
	return nil
}

// Decoder embeds decoder input ids, runs the layer stack, normalizes and
// projects to vocabulary logits.
type Decoder[B tensor.Backend] struct {
	cfg    Config
	embed  *nn.TokenEmbedding[B]
	pos    *nn.PositionalEncoding[B]
	drop   *nn.Dropout[B]
	layers []*DecoderLayer[B]
	norm   *nn.LayerNorm[B]
	proj   *nn.Linear[B]
}

// NewDecoder creates the decoder stack. fused enables context branches
// in every layer.
func NewDecoder[B tensor.Backend](cfg Config, fused bool, backend B) *Decoder[B] {
	layers := make([]*DecoderLayer[B], cfg.NumLayers)
	for i := range layers {
		layers[i] = NewDecoderLayer(cfg, fused, backend)
	}
	return &Decoder[B]{
		cfg:    cfg,
		embed:  nn.NewTokenEmbedding(cfg.VocabSize, cfg.HiddenDim, backend),
		pos:    nn.NewPositionalEncoding(cfg.MaxLen, cfg.HiddenDim, backend),
		drop:   nn.NewDropout(cfg.Dropout, backend),
		layers: layers,
		norm:   nn.NewLayerNorm(cfg.HiddenDim, backend),
		proj:   nn.NewLinear(cfg.HiddenDim, cfg.VocabSize, backend),
	}
}

// Forward decodes input ids [batch, len] into logits [batch, len, vocab].
func (d *Decoder[B]) Forward(
	input *tensor.Tensor[int32, B],
	memory, ctx, selfMask, memMask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	x := d.drop.Forward(d.embed.Forward(input).Add(d.pos.Forward(input.Shape()[1])))
	for _, layer := range d.layers {
		x = layer.Forward(x, memory, ctx, selfMask, memMask)
	}
	return d.proj.Forward(d.norm.Forward(x))
}

// DecodeSession is the incremental decoding state for one source batch:
// static cross-attention projections plus growing self-attention caches.
type DecodeSession[B tensor.Backend] struct {
	dec     *Decoder[B]
	layers  []*layerSession[B]
	memMask *tensor.Tensor[float32, B]
	pos     int
}

// BeginDecode prepares an incremental session over the given encoder
// memory and context output (ctx nil for the plain variant).
func (d *Decoder[B]) BeginDecode(memory, ctx, memMask *tensor.Tensor[float32, B]) *DecodeSession[B] {
	sessions := make([]*layerSession[B], len(d.layers))
	for i, layer := range d.layers {
		sessions[i] = layer.beginSession(memory, ctx)
	}
	return &DecodeSession[B]{dec: d, layers: sessions, memMask: memMask}
}

// Step consumes one token per batch element [batch, 1] and returns the
// logits for the next position [batch, 1, vocab].
func (s *DecodeSession[B]) Step(tok *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	d := s.dec
	x := d.embed.Forward(tok).Add(d.pos.Window(s.pos, 1))
	for i, layer := range d.layers {
		x = layer.step(x, s.layers[i], s.memMask)
	}
	s.pos++
	return d.proj.Forward(d.norm.Forward(x))
}

// Pos returns the number of tokens consumed so far.
func (s *DecodeSession[B]) Pos() int { return s.pos }

// SetTraining toggles dropout across the stack.
func (d *Decoder[B]) SetTraining(training bool) {
	d.drop.SetTraining(training)
	for _, layer := range d.layers {
		layer.SetTraining(training)
	}
}

// Parameters returns the stack's trainable parameters.
func (d *Decoder[B]) Parameters() []*nn.Parameter[B] {
	params := d.embed.Parameters()
	for _, layer := range d.layers {
		params = append(params, layer.Parameters()...)
	}
	params = append(params, d.norm.Parameters()...)
	return append(params, d.proj.Parameters()...)
}

// StateDict returns the stack's parameters under qualified names.
func (d *Decoder[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "embed", d.embed.StateDict())
	for i, layer := range d.layers {
		mergeState(state, layerKey(i), layer.StateDict())
	}
	mergeState(state, "norm", d.norm.StateDict())
	mergeState(state, "proj", d.proj.StateDict())
	return state
}

// LoadStateDict restores the stack's parameters.
func (d *Decoder[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := d.embed.LoadStateDict(subState(state, "embed")); err != nil {
		return err
	}
	for i, layer := range d.layers {
		if err := layer.LoadStateDict(subState(state, layerKey(i))); err != nil {
			return err
		}
	}
	if err := d.norm.LoadStateDict(subState(state, "norm")); err != nil {
		return err
	}
	return d.proj.LoadStateDict(subState(state, "proj"))
}
