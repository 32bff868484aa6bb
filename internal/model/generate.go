package model

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// DecodeStrategy selects how greedy decoding runs the decoder.
type DecodeStrategy int

const (
	// StrategyRecompute re-runs the decoder over the whole generated
	// prefix at every step. Slower but exercises exactly the training
	// forward path, so it is the default.
	StrategyRecompute DecodeStrategy = iota
	// StrategyKVCache decodes incrementally, caching per-layer key and
	// value projections so each step processes one token.
	StrategyKVCache
)

// Generator produces translations by greedy decoding.
//
// Decoding starts from the pad token (the same start convention as
// teacher forcing) and tracks completion per batch element: a sequence
// is finished once it emits the EOS token, after which its output is
// frozen while the rest of the batch continues. Decoding stops when
// every sequence has finished or the length limit is reached.
type Generator[B tensor.Backend] struct {
	model    Seq2Seq[B]
	strategy DecodeStrategy
	maxLen   int
	backend  B
}

// NewGenerator creates a Generator. maxLen bounds the generated length
// including the implicit start position; it must not exceed the model's
// configured maximum.
func NewGenerator[B tensor.Backend](m Seq2Seq[B], strategy DecodeStrategy, maxLen int, backend B) *Generator[B] {
	if maxLen <= 1 || maxLen > m.Config().MaxLen {
		panic(fmt.Sprintf("Generator: maxLen %d outside (1, %d]", maxLen, m.Config().MaxLen))
	}
	return &Generator[B]{model: m, strategy: strategy, maxLen: maxLen, backend: backend}
}

// Generate greedily decodes one batch of source ids [batch, srcLen].
// Each returned sequence contains the generated tokens up to and
// excluding EOS; a sequence that never emits EOS is cut at maxLen-1
// tokens.
func (g *Generator[B]) Generate(src *tensor.Tensor[int32, B]) [][]int32 {
	switch g.strategy {
	case StrategyKVCache:
		return g.generateCached(src)
	default:
		return g.generateRecompute(src)
	}
}

func (g *Generator[B]) generateRecompute(src *tensor.Tensor[int32, B]) [][]int32 {
	cfg := g.model.Config()
	batch := src.Shape()[0]

	// preds[b][0] stays pad; generated tokens fill positions 1..maxLen-1.
	preds := make([]int32, batch*g.maxLen)
	for i := range preds {
		preds[i] = cfg.PadID
	}
	finished := make([]bool, batch)

	for t := 1; t < g.maxLen; t++ {
		prefix := make([]int32, batch*t)
		for b := 0; b < batch; b++ {
			copy(prefix[b*t:(b+1)*t], preds[b*g.maxLen:b*g.maxLen+t])
		}
		decInput := tensor.MustFromSlice(prefix, tensor.Shape{batch, t}, g.backend)

		logits := g.model.Logits(src, decInput) // [batch, t, vocab]
		for b := 0; b < batch; b++ {
			if finished[b] {
				continue
			}
			next := argmaxRow(logits, b, t-1)
			if next == cfg.EOSID {
				finished[b] = true
				continue
			}
			preds[b*g.maxLen+t] = next
		}
		if allDone(finished) {
			break
		}
	}

	return collect(preds, batch, g.maxLen, cfg.PadID)
}

func (g *Generator[B]) generateCached(src *tensor.Tensor[int32, B]) [][]int32 {
	cfg := g.model.Config()
	batch := src.Shape()[0]
	session := g.model.BeginDecode(src)

	preds := make([]int32, batch*g.maxLen)
	for i := range preds {
		preds[i] = cfg.PadID
	}
	finished := make([]bool, batch)

	current := make([]int32, batch) // pad: the start token
	for i := range current {
		current[i] = cfg.PadID
	}

	for t := 1; t < g.maxLen; t++ {
		tok := tensor.MustFromSlice(current, tensor.Shape{batch, 1}, g.backend)
		logits := session.Step(tok) // [batch, 1, vocab]

		next := make([]int32, batch)
		for b := 0; b < batch; b++ {
			if finished[b] {
				next[b] = cfg.PadID
				continue
			}
			id := argmaxRow(logits, b, 0)
			if id == cfg.EOSID {
				finished[b] = true
				next[b] = cfg.PadID
				continue
			}
			preds[b*g.maxLen+t] = id
			next[b] = id
		}
		if allDone(finished) {
			break
		}
		current = next
	}

	return collect(preds, batch, g.maxLen, cfg.PadID)
}

// argmaxRow returns the argmax over the vocabulary at (batch, position)
// of a [batch, len, vocab] logits tensor.
func argmaxRow[B tensor.Backend](logits *tensor.Tensor[float32, B], batch, position int) int32 {
	shape := logits.Shape()
	length, vocab := shape[1], shape[2]
	row := logits.Data()[(batch*length+position)*vocab : (batch*length+position+1)*vocab]

	best, bestIdx := row[0], 0
	for i := 1; i < vocab; i++ {
		if row[i] > best {
			best, bestIdx = row[i], i
		}
	}
	return int32(bestIdx)
}

func allDone(finished []bool) bool {
	for _, f := range finished {
		if !f {
			return false
		}
	}
	return true
}

// collect extracts each sequence's generated tokens, dropping the start
// slot and trailing pads.
func collect(preds []int32, batch, maxLen int, padID int32) [][]int32 {
	out := make([][]int32, batch)
	for b := 0; b < batch; b++ {
		row := preds[b*maxLen+1 : (b+1)*maxLen]
		end := len(row)
		for end > 0 && row[end-1] == padID {
			end--
		}
		out[b] = append([]int32(nil), row[:end]...)
	}
	return out
}
