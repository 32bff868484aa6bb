package model

import (
	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// EncoderLayer is one encoder block. In the fusion variant the
// self-attention branch and the context cross-attention branch both read
// the same pre-fusion input and are averaged into the residual stream:
//
//	x = x + 0.5*self(x) + 0.5*context(x)
//
// The plain variant has no context branch and keeps the full residual:
//
//	x = x + self(x)
//
// The feed-forward block always takes a full residual.
type EncoderLayer[B tensor.Backend] struct {
	selfAttn *nn.MultiHeadAttention[B]
	ctxAttn  *nn.MultiHeadAttention[B] // nil in the plain variant
	ffn      *nn.FeedForward[B]

	selfWrap *nn.Sublayer[B]
	ctxWrap  *nn.Sublayer[B]
	ffnWrap  *nn.Sublayer[B]
}

// NewEncoderLayer creates an encoder block. fused enables the context
// cross-attention branch.
func NewEncoderLayer[B tensor.Backend](cfg Config, fused bool, backend B) *EncoderLayer[B] {
	l := &EncoderLayer[B]{
		selfAttn: nn.NewMultiHeadAttention(cfg.HiddenDim, cfg.NumHeads, backend),
		ffn:      nn.NewFeedForward(cfg.HiddenDim, cfg.FFNDim, backend),
		selfWrap: nn.NewSublayer(cfg.HiddenDim, cfg.Dropout, backend),
		ffnWrap:  nn.NewSublayer(cfg.HiddenDim, cfg.Dropout, backend),
	}
	if fused {
		l.ctxAttn = nn.NewMultiHeadAttention(cfg.HiddenDim, cfg.NumHeads, backend)
		l.ctxWrap = nn.NewSublayer(cfg.HiddenDim, cfg.Dropout, backend)
	}
	return l
}

// Forward runs the block. ctx is the context encoder output aligned with
// the source (nil in the plain variant); padMask blocks padding keys for
// both branches since they index the same positions.
func (l *EncoderLayer[B]) Forward(x, ctx, padMask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if l.ctxAttn == nil {
		x = x.Add(l.selfWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return l.selfAttn.Forward(h, h, h, padMask)
		}))
	} else {
		s := l.selfWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return l.selfAttn.Forward(h, h, h, padMask)
		})
		c := l.ctxWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
			return l.ctxAttn.Forward(h, ctx, ctx, padMask)
		})
		x = x.Add(s.MulScalar(0.5)).Add(c.MulScalar(0.5))
	}
	return x.Add(l.ffnWrap.Wrap(x, l.ffn.Forward))
}

// SetTraining toggles dropout in the block's sublayers.
func (l *EncoderLayer[B]) SetTraining(training bool) {
	l.selfWrap.SetTraining(training)
	l.ffnWrap.SetTraining(training)
	if l.ctxWrap != nil {
		l.ctxWrap.SetTraining(training)
	}
}

// Parameters returns the block's trainable parameters.
func (l *EncoderLayer[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	params = append(params, l.selfAttn.Parameters()...)
	if l.ctxAttn != nil {
		params = append(params, l.ctxAttn.Parameters()...)
	}
	params = append(params, l.ffn.Parameters()...)
	params = append(params, l.selfWrap.Parameters()...)
	if l.ctxWrap != nil {
		params = append(params, l.ctxWrap.Parameters()...)
	}
	params = append(params, l.ffnWrap.Parameters()...)
	return params
}

// StateDict returns the block's parameters under qualified names.
func (l *EncoderLayer[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "self_attn", l.selfAttn.StateDict())
	mergeState(state, "ffn", l.ffn.StateDict())
	mergeState(state, "self_wrap", l.selfWrap.StateDict())
	mergeState(state, "ffn_wrap", l.ffnWrap.StateDict())
	if l.ctxAttn != nil {
		mergeState(state, "ctx_attn", l.ctxAttn.StateDict())
		mergeState(state, "ctx_wrap", l.ctxWrap.StateDict())
	}
	return state
}

// LoadStateDict restores the block's parameters.
func (l *EncoderLayer[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := l.selfAttn.LoadStateDict(subState(state, "self_attn")); err != nil {
		return err
	}
	if err := l.ffn.LoadStateDict(subState(state, "ffn")); err != nil {
		return err
	}
	if err := l.selfWrap.LoadStateDict(subState(state, "self_wrap")); err != nil {
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

// Encoder embeds source ids, runs the layer stack and applies the final
// normalization, producing the memory the decoder attends over.
type Encoder[B tensor.Backend] struct {
	cfg    Config
	embed  *nn.TokenEmbedding[B]
	pos    *nn.PositionalEncoding[B]
	drop   *nn.Dropout[B]
	layers []*EncoderLayer[B]
	norm   *nn.LayerNorm[B]
}

// NewEncoder creates the encoder stack. fused enables context branches
// in every layer.
func NewEncoder[B tensor.Backend](cfg Config, fused bool, backend B) *Encoder[B] {
	layers := make([]*EncoderLayer[B], cfg.NumLayers)
	for i := range layers {
		layers[i] = NewEncoderLayer(cfg, fused, backend)
	}
	return &Encoder[B]{
		cfg:    cfg,
		embed:  nn.NewTokenEmbedding(cfg.VocabSize, cfg.HiddenDim, backend),
		pos:    nn.NewPositionalEncoding(cfg.MaxLen, cfg.HiddenDim, backend),
		drop:   nn.NewDropout(cfg.Dropout, backend),
		layers: layers,
		norm:   nn.NewLayerNorm(cfg.HiddenDim, backend),
	}
}

// Forward encodes src ids [batch, len] into memory [batch, len, hidden].
// ctx is nil for the plain variant.
func (e *Encoder[B]) Forward(
	src *tensor.Tensor[int32, B],
	ctx, padMask *tensor.Tensor[float32, B],
) *tensor.Tensor[float32, B] {
	x := e.drop.Forward(e.embed.Forward(src).Add(e.pos.Forward(src.Shape()[1])))
	for _, layer := range e.layers {
		x = layer.Forward(x, ctx, padMask)
	}
	return e.norm.Forward(x)
}

// SetTraining toggles dropout across the stack.
func (e *Encoder[B]) SetTraining(training bool) {
	e.drop.SetTraining(training)
	for _, layer := range e.layers {
		layer.SetTraining(training)
	}
}

// Parameters returns the stack's trainable parameters.
func (e *Encoder[B]) Parameters() []*nn.Parameter[B] {
	params := e.embed.Parameters()
	for _, layer := range e.layers {
		params = append(params, layer.Parameters()...)
	}
	return append(params, e.norm.Parameters()...)
}

// StateDict returns the stack's parameters under qualified names.
func (e *Encoder[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "embed", e.embed.StateDict())
	for i, layer := range e.layers {
		mergeState(state, layerKey(i), layer.StateDict())
	}
	mergeState(state, "norm", e.norm.StateDict())
	return state
}

// LoadStateDict restores the stack's parameters.
func (e *Encoder[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := e.embed.LoadStateDict(subState(state, "embed")); err != nil {
		return err
	}
	for i, layer := range e.layers {
		if err := layer.LoadStateDict(subState(state, layerKey(i))); err != nil {
			return err
		}
	}
	return e.norm.LoadStateDict(subState(state, "norm"))
}
