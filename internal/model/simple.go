package model

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Simple is the plain transformer baseline: the same encoder and decoder
// stacks as Fused but with no context branches, used for comparison runs
// and as a sanity check for the shared machinery.
type Simple[B tensor.Backend] struct {
	cfg     Config
	encoder *Encoder[B]
	decoder *Decoder[B]
	loss    *nn.CrossEntropyLoss[B]
	backend B
}

// NewSimple creates the baseline model.
func NewSimple[B tensor.Backend](cfg Config, backend B) *Simple[B] {
	return &Simple[B]{
		cfg:     cfg,
		encoder: NewEncoder(cfg, false, backend),
		decoder: NewDecoder(cfg, false, backend),
		loss:    nn.NewCrossEntropyLoss[B](cfg.PadID, cfg.LabelSmoothing),
		backend: backend,
	}
}

// Forward implements Seq2Seq.
func (m *Simple[B]) Forward(src, trg *tensor.Tensor[int32, B]) (logits, loss *tensor.Tensor[float32, B]) {
	if src.Shape()[0] != trg.Shape()[0] {
		panic(fmt.Sprintf("Simple.Forward: source batch %d does not match target batch %d",
			src.Shape()[0], trg.Shape()[0]))
	}

	padMask := PadMask(src, m.cfg.PadID)
	memory := m.encoder.Forward(src, nil, padMask)

	decInput := shiftRight(trg, m.cfg.PadID)
	selfMask := CausalPadMask(trg, m.cfg.PadID)

	logits = m.decoder.Forward(decInput, memory, nil, selfMask, padMask)
	loss = m.loss.Forward(logits, trg)
	return logits, loss
}

// Logits implements Seq2Seq.
func (m *Simple[B]) Logits(src, decInput *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	padMask := PadMask(src, m.cfg.PadID)
	memory := m.encoder.Forward(src, nil, padMask)
	selfMask := CausalMask(decInput.Shape()[1], m.backend)
	return m.decoder.Forward(decInput, memory, nil, selfMask, padMask)
}

// BeginDecode implements Seq2Seq.
func (m *Simple[B]) BeginDecode(src *tensor.Tensor[int32, B]) *DecodeSession[B] {
	padMask := PadMask(src, m.cfg.PadID)
	memory := m.encoder.Forward(src, nil, padMask)
	return m.decoder.BeginDecode(memory, nil, padMask)
}

// SetTraining toggles dropout across the model.
func (m *Simple[B]) SetTraining(training bool) {
	m.encoder.SetTraining(training)
	m.decoder.SetTraining(training)
}

// Parameters returns all trainable parameters.
func (m *Simple[B]) Parameters() []*nn.Parameter[B] {
	return append(m.encoder.Parameters(), m.decoder.Parameters()...)
}

// StateDict returns all model weights.
func (m *Simple[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "encoder", m.encoder.StateDict())
	mergeState(state, "decoder", m.decoder.StateDict())
	return state
}

// LoadStateDict restores all model weights.
func (m *Simple[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := m.encoder.LoadStateDict(subState(state, "encoder")); err != nil {
		return err
	}
	return m.decoder.LoadStateDict(subState(state, "decoder"))
}

// Config implements Seq2Seq.
func (m *Simple[B]) Config() Config { return m.cfg }
