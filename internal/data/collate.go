package data

import (
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Batch is a collated batch: row-major [BatchSize, SrcLen] source ids
// and [BatchSize, TrgLen] target ids, padded on the right.
type Batch struct {
	Src []int32
	Trg []int32

	BatchSize int
	SrcLen    int
	TrgLen    int
}

// Collate pads a batch of pairs to their maximum lengths. An eosID
// column is appended to every target before padding so the decoder
// always has an end marker to learn; sources are used as stored.
func Collate(pairs []Pair, padID, eosID int32) Batch {
	srcLen, trgLen := 0, 0
	for _, p := range pairs {
		srcLen = max(srcLen, len(p.Src))
		trgLen = max(trgLen, len(p.Trg)+1)
	}

	b := Batch{
		Src:       make([]int32, len(pairs)*srcLen),
		Trg:       make([]int32, len(pairs)*trgLen),
		BatchSize: len(pairs),
		SrcLen:    srcLen,
		TrgLen:    trgLen,
	}

	for i := range b.Src {
		b.Src[i] = padID
	}
	for i := range b.Trg {
		b.Trg[i] = padID
	}
	for i, p := range pairs {
		copy(b.Src[i*srcLen:], p.Src)
		copy(b.Trg[i*trgLen:], p.Trg)
		b.Trg[i*trgLen+len(p.Trg)] = eosID
	}
	return b
}

// Tensors materializes the batch on a backend.
func Tensors[B tensor.Backend](b Batch, backend B) (src, trg *tensor.Tensor[int32, B]) {
	src = tensor.MustFromSlice(b.Src, tensor.Shape{b.BatchSize, b.SrcLen}, backend)
	trg = tensor.MustFromSlice(b.Trg, tensor.Shape{b.BatchSize, b.TrgLen}, backend)
	return src, trg
}
