package model

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Fused is the fusion translation model. A frozen context encoder reads
// the source once per batch; every encoder and decoder layer then
// attends over its output alongside the usual attention streams.
type Fused[B tensor.Backend] struct {
	cfg     Config
	context ContextEncoder[B]
	encoder *Encoder[B]
	decoder *Decoder[B]
	loss    *nn.CrossEntropyLoss[B]
	backend B
}

// NewFused creates the fusion model around a context encoder. The
// context encoder's weights are not part of Parameters(), so training
// never updates them.
func NewFused[B tensor.Backend](cfg Config, context ContextEncoder[B], backend B) *Fused[B] {
	return &Fused[B]{
		cfg:     cfg,
		context: context,
		encoder: NewEncoder(cfg, true, backend),
		decoder: NewDecoder(cfg, true, backend),
		loss:    nn.NewCrossEntropyLoss[B](cfg.PadID, cfg.LabelSmoothing),
		backend: backend,
	}
}

// Forward implements Seq2Seq.
func (f *Fused[B]) Forward(src, trg *tensor.Tensor[int32, B]) (logits, loss *tensor.Tensor[float32, B]) {
	if src.Shape()[0] != trg.Shape()[0] {
		panic(fmt.Sprintf("Fused.Forward: source batch %d does not match target batch %d",
			src.Shape()[0], trg.Shape()[0]))
	}

	padMask := PadMask(src, f.cfg.PadID)
	ctx := f.context.Encode(src)
	memory := f.encoder.Forward(src, ctx, padMask)

	decInput := shiftRight(trg, f.cfg.PadID)
	selfMask := CausalPadMask(trg, f.cfg.PadID)

	logits = f.decoder.Forward(decInput, memory, ctx, selfMask, padMask)
	loss = f.loss.Forward(logits, trg)
	return logits, loss
}

// Logits implements Seq2Seq. The decoder input is used verbatim under a
// causal-only mask, as during greedy decoding.
func (f *Fused[B]) Logits(src, decInput *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	padMask := PadMask(src, f.cfg.PadID)
	ctx := f.context.Encode(src)
	memory := f.encoder.Forward(src, ctx, padMask)
	selfMask := CausalMask(decInput.Shape()[1], f.backend)
	return f.decoder.Forward(decInput, memory, ctx, selfMask, padMask)
}

// BeginDecode implements Seq2Seq.
func (f *Fused[B]) BeginDecode(src *tensor.Tensor[int32, B]) *DecodeSession[B] {
	padMask := PadMask(src, f.cfg.PadID)
	ctx := f.context.Encode(src)
	memory := f.encoder.Forward(src, ctx, padMask)
	return f.decoder.BeginDecode(memory, ctx, padMask)
}

// SetTraining toggles dropout in the encoder and decoder. The context
// encoder always runs in inference mode.
func (f *Fused[B]) SetTraining(training bool) {
	f.encoder.SetTraining(training)
	f.decoder.SetTraining(training)
}

// Parameters returns the trainable parameters, excluding the frozen
// context encoder.
func (f *Fused[B]) Parameters() []*nn.Parameter[B] {
	return append(f.encoder.Parameters(), f.decoder.Parameters()...)
}

// StateDict returns all model weights, context encoder included, so a
// checkpoint is self-contained.
func (f *Fused[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor)
	mergeState(state, "encoder", f.encoder.StateDict())
	mergeState(state, "decoder", f.decoder.StateDict())
	mergeState(state, "context", f.context.StateDict())
	return state
}

// LoadStateDict restores all model weights.
func (f *Fused[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	if err := f.encoder.LoadStateDict(subState(state, "encoder")); err != nil {
		return err
	}
	if err := f.decoder.LoadStateDict(subState(state, "decoder")); err != nil {
		return err
	}
	return f.context.LoadStateDict(subState(state, "context"))
}

// Config implements Seq2Seq.
func (f *Fused[B]) Config() Config { return f.cfg }

// shiftRight builds the teacher-forcing decoder input: a leading pad
// token followed by the target with its last position dropped. The pad
// id doubles as the start-of-sequence token.
func shiftRight[B tensor.Backend](trg *tensor.Tensor[int32, B], padID int32) *tensor.Tensor[int32, B] {
	shape := trg.Shape()
	batch, length := shape[0], shape[1]

	raw := tensor.MustNewRaw(tensor.Shape{batch, length}, tensor.Int32, trg.Backend().Device())
	out, in := raw.AsInt32(), trg.Data()
	for b := 0; b < batch; b++ {
		out[b*length] = padID
		copy(out[b*length+1:(b+1)*length], in[b*length:(b+1)*length-1])
	}
	return tensor.New[int32, B](raw, trg.Backend())
}
