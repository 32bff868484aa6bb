// Package model implements the translation models: a plain transformer
// baseline and the fusion variant whose encoder and decoder layers attend
// over a frozen context encoder's output alongside their usual streams.
package model

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Kind selects the model architecture. The set is closed; resolution
// happens at construction and unknown values are rejected there.
type Kind string

const (
	// KindSimple is the plain transformer baseline.
	KindSimple Kind = "simple"
	// KindFused attends over a frozen context encoder in both the
	// encoder and the decoder.
	KindFused Kind = "fused"
	// KindGeneration is the fused variant with a pretrained generation
	// decoder. Recognized but not buildable without pretrained decoder
	// weights, so Build returns an error for it.
	KindGeneration Kind = "generation"
)

// ParseKind validates a model kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSimple, KindFused, KindGeneration:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown model kind %q (want simple, fused or generation)", s)
	}
}

// Config holds the model hyperparameters. Defaults mirror the standard
// base transformer setup with a BERT-compatible vocabulary.
type Config struct {
	Kind Kind

	VocabSize int
	HiddenDim int
	NumHeads  int
	FFNDim    int
	NumLayers int

	Dropout        float32
	LabelSmoothing float32

	MaxLen int

	// PadID doubles as the decoder start token after the shift-right.
	PadID int32
	// EOSID marks sequence completion during generation.
	EOSID int32
}

// DefaultConfig returns the standard configuration.
func DefaultConfig(kind Kind) Config {
	return Config{
		Kind:           kind,
		VocabSize:      30522,
		HiddenDim:      512,
		NumHeads:       8,
		FFNDim:         2048,
		NumLayers:      6,
		Dropout:        0.1,
		LabelSmoothing: 0.1,
		MaxLen:         300,
		PadID:          0,
		EOSID:          102,
	}
}

// Validate checks the configuration for construction-time errors.
func (c Config) Validate() error {
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return err
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.HiddenDim <= 0 || c.NumHeads <= 0 || c.HiddenDim%c.NumHeads != 0 {
		return fmt.Errorf("hidden dim %d must be positive and divisible by heads %d", c.HiddenDim, c.NumHeads)
	}
	if c.FFNDim <= 0 || c.NumLayers <= 0 || c.MaxLen <= 0 {
		return fmt.Errorf("ffn dim, layers and max len must be positive")
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	if c.LabelSmoothing < 0 || c.LabelSmoothing >= 1 {
		return fmt.Errorf("label smoothing must be in [0, 1), got %g", c.LabelSmoothing)
	}
	if c.PadID < 0 || int(c.PadID) >= c.VocabSize {
		return fmt.Errorf("pad id %d outside vocabulary of %d", c.PadID, c.VocabSize)
	}
	if c.EOSID < 0 || int(c.EOSID) >= c.VocabSize {
		return fmt.Errorf("eos id %d outside vocabulary of %d", c.EOSID, c.VocabSize)
	}
	return nil
}

// Seq2Seq is the training and decoding surface shared by all model kinds.
// The embedded nn.Module covers parameters and checkpointable state:
// Parameters excludes frozen context encoder weights, while StateDict
// and LoadStateDict include them.
type Seq2Seq[B tensor.Backend] interface {
	nn.Module[B]

	// Forward runs teacher-forced training: the decoder input is the
	// target shifted right with a leading pad, and the returned loss is
	// label-smoothed cross-entropy against the unshifted target.
	// Logits have shape [batch, targetLen, vocab].
	Forward(src, trg *tensor.Tensor[int32, B]) (logits, loss *tensor.Tensor[float32, B])

	// Logits runs the decoder over an explicit decoder input without
	// shifting or loss. Used by the recompute decoding strategy.
	Logits(src, decInput *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B]

	// BeginDecode precomputes the encoder-side state for one source
	// batch and returns an incremental decoding session.
	BeginDecode(src *tensor.Tensor[int32, B]) *DecodeSession[B]

	// SetTraining toggles dropout across the model.
	SetTraining(training bool)

	// Config returns the model configuration.
	Config() Config
}

// Build constructs the model for the configured kind.
//
// The generation kind requires pretrained generation decoder weights
// that this build cannot provide, so it is rejected here rather than
// producing a silently untrained decoder.
func Build[B tensor.Backend](cfg Config, backend B) (Seq2Seq[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case KindSimple:
		return NewSimple(cfg, backend), nil
	case KindFused:
		return NewFused(cfg, NewTransformerContext(cfg, backend), backend), nil
	case KindGeneration:
		return nil, fmt.Errorf("model kind %q requires a pretrained generation decoder and cannot be built from scratch", cfg.Kind)
	default:
		return nil, fmt.Errorf("unknown model kind %q", cfg.Kind)
	}
}
