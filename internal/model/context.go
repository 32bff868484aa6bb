package model

import (
	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// ContextEncoder produces the frozen contextual representations that
// fusion layers attend over. Implementations are not trained with the
// model; their weights come pretrained via LoadStateDict.
type ContextEncoder[B tensor.Backend] interface {
	// Encode maps source ids [batch, len] to representations
	// [batch, len, hidden], aligned position-for-position with the
	// source so its pad mask applies to both.
	Encode(src *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B]

	// StateDict and LoadStateDict carry the pretrained weights through
	// checkpoints.
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(state map[string]*tensor.RawTensor) error
}

// contextLayer is one standard pre-norm encoder block: full-residual
// self-attention followed by a full-residual feed-forward.
type contextLayer[B tensor.Backend] struct {
	selfAttn *nn.MultiHeadAttention[B]
	ffn      *nn.FeedForward[B]
	selfWrap *nn.Sublayer[B]
	ffnWrap  *nn.Sublayer[B]
}

func newContextLayer[B tensor.Backend](cfg Config, backend B) *contextLayer[B] {
	return &contextLayer[B]{
		selfAttn: nn.NewMultiHeadAttention(cfg.HiddenDim, cfg.NumHeads, backend),
		ffn:      nn.NewFeedForward(cfg.HiddenDim, cfg.FFNDim, backend),
		selfWrap: nn.NewSublayer(cfg.HiddenDim, 0, backend),
		ffnWrap:  nn.NewSublayer(cfg.HiddenDim, 0, backend),
	}
}

func (l *contextLayer[B]) forward(x, mask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x = x.Add(l.selfWrap.Wrap(x, func(h *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
		return l.selfAttn.Forward(h, h, h, mask)
	}))
	return x.Add(l.ffnWrap.Wrap(x, l.ffn.Forward))
}

func (l *contextLayer[B]) stateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "self_attn", l.selfAttn.StateDict())
	mergeState(state, "ffn", l.ffn.StateDict())
	mergeState(state, "self_wrap", l.selfWrap.StateDict())
	mergeState(state, "ffn_wrap", l.ffnWrap.StateDict())
	return state
}

func (l *contextLayer[B]) loadStateDict(state map[string]*tensor.RawTensor) error {
	if err := l.selfAttn.LoadStateDict(subState(state, "self_attn")); err != nil {
		return err
	}
	if err := l.ffn.LoadStateDict(subState(state, "ffn")); err != nil {
		return err
	}
	if err := l.selfWrap.LoadStateDict(subState(state, "self_wrap")); err != nil {
		return err
	}
	return l.ffnWrap.LoadStateDict(subState(state, "ffn_wrap"))
}

// TransformerContext is a BERT-style transformer encoder used as the
// frozen context source. Dropout is disabled throughout: the module
// always runs in inference mode.
type TransformerContext[B tensor.Backend] struct {
	cfg    Config
	embed  *nn.TokenEmbedding[B]
	pos    *nn.PositionalEncoding[B]
	layers []*contextLayer[B]
	norm   *nn.LayerNorm[B]
}

// NewTransformerContext builds a context encoder with the model's
// dimensions. Weights are random until loaded from a checkpoint.
func NewTransformerContext[B tensor.Backend](cfg Config, backend B) *TransformerContext[B] {
	layers := make([]*contextLayer[B], cfg.NumLayers)
	for i := range layers {
		layers[i] = newContextLayer(cfg, backend)
	}
	return &TransformerContext[B]{
		cfg:    cfg,
		embed:  nn.NewTokenEmbedding(cfg.VocabSize, cfg.HiddenDim, backend),
		pos:    nn.NewPositionalEncoding(cfg.MaxLen, cfg.HiddenDim, backend),
		layers: layers,
		norm:   nn.NewLayerNorm(cfg.HiddenDim, backend),
	}
}

// Encode implements ContextEncoder.
func (t *TransformerContext[B]) Encode(src *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	mask := PadMask(src, t.cfg.PadID)
	x := t.embed.Forward(src).Add(t.pos.Forward(src.Shape()[1]))
	for _, layer := range t.layers {
		x = layer.forward(x, mask)
	}
	return t.norm.Forward(x)
}

// StateDict returns all context encoder weights.
func (t *TransformerContext[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "embed", t.embed.StateDict())
	for i, layer := range t.layers {
		mergeState(state, layerKey(i), layer.stateDict())
	}
	mergeState(state, "norm", t.norm.StateDict())
	return state
}

// LoadStateDict restores pretrained context encoder weights.
func (t *TransformerContext[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := t.embed.LoadStateDict(subState(state, "embed")); err != nil {
		return err
	}
	for i, layer := range t.layers {
		if err := layer.loadStateDict(subState(state, layerKey(i))); err != nil {
			return err
		}
	}
	return t.norm.LoadStateDict(subState(state, "norm"))
}
