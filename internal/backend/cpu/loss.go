package cpu

import (
	"fmt"
	"math"

	"github.com/fusenmt/fusenmt/internal/tensor"
)

// CrossEntropyMasked computes label-smoothed cross-entropy averaged over the
// positions whose target is not ignoreIndex.
//
// logits: [N, vocab], targets: [N] int32. Returns a single-element tensor.
//
// With smoothing eps, the target distribution is
// (1-eps)*onehot + eps/vocab, so per position:
//
//	loss = (1-eps) * (-logp[target]) + eps/vocab * sum_j(-logp[j])
//
// A batch whose targets are all ignoreIndex yields zero loss.
func (c *Backend) CrossEntropyMasked(
	logits, targets *tensor.RawTensor,
	ignoreIndex int32,
	smoothing float32,
) *tensor.RawTensor {
	n, vocab := ceShapes(logits, targets)
	lv, tv := logits.AsFloat32(), targets.AsInt32()

	var total float32
	valid := 0
	logProbs := make([]float32, vocab)

	for i := 0; i < n; i++ {
		target := tv[i]
		if target == ignoreIndex {
			continue
		}
		if target < 0 || int(target) >= vocab {
			panic(fmt.Sprintf("cross entropy: target %d out of range [0, %d)", target, vocab))
		}
		valid++

		logSoftmaxInto(logProbs, lv[i*vocab:(i+1)*vocab])

		var sumLogP float32
		for _, lp := range logProbs {
			sumLogP += lp
		}
		total += (1-smoothing)*(-logProbs[target]) + smoothing/float32(vocab)*(-sumLogP)
	}

	out := tensor.MustNewRaw(tensor.Shape{1}, tensor.Float32, c.device)
	if valid > 0 {
		out.AsFloat32()[0] = total / float32(valid)
	}
	return out
}

// CrossEntropyMaskedGrad computes d(loss)/d(logits) for CrossEntropyMasked.
// Rows whose target is ignoreIndex receive zero gradient; the rest are
// averaged over the valid count.
func (c *Backend) CrossEntropyMaskedGrad(
	logits, targets *tensor.RawTensor,
	ignoreIndex int32,
	smoothing float32,
) *tensor.RawTensor {
	n, vocab := ceShapes(logits, targets)
	lv, tv := logits.AsFloat32(), targets.AsInt32()

	valid := 0
	for i := 0; i < n; i++ {
		if tv[i] != ignoreIndex {
			valid++
		}
	}

	grad := tensor.MustNewRaw(logits.Shape(), tensor.Float32, c.device)
	if valid == 0 {
		return grad
	}
	gv := grad.AsFloat32()

	logProbs := make([]float32, vocab)
	uniform := smoothing / float32(vocab)
	for i := 0; i < n; i++ {
		target := tv[i]
		if target == ignoreIndex {
			continue
		}

		logSoftmaxInto(logProbs, lv[i*vocab:(i+1)*vocab])
		row := gv[i*vocab : (i+1)*vocab]

		// d/dz = softmax(z) - q, with q the smoothed target distribution.
		for j := 0; j < vocab; j++ {
			q := uniform
			if int32(j) == target {
				q += 1 - smoothing
			}
			row[j] = (float32(math.Exp(float64(logProbs[j]))) - q) / float32(valid)
		}
	}
	return grad
}

func ceShapes(logits, targets *tensor.RawTensor) (n, vocab int) {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("cross entropy: logits must be 2D [n, vocab], got %v", shape))
	}
	if logits.DType() != tensor.Float32 || targets.DType() != tensor.Int32 {
		panic(fmt.Sprintf("cross entropy: expected float32 logits and int32 targets, got %s and %s",
			logits.DType(), targets.DType()))
	}
	n, vocab = shape[0], shape[1]
	if targets.NumElements() != n {
		panic(fmt.Sprintf("cross entropy: %d logit rows but %d targets", n, targets.NumElements()))
	}
	return n, vocab
}

// logSoftmaxInto writes log(softmax(z)) into dst using the log-sum-exp trick.
func logSoftmaxInto(dst, z []float32) {
	maxZ := z[0]
	for _, v := range z[1:] {
		if v > maxZ {
			maxZ = v
		}
	}

	var sumExp float32
	for _, v := range z {
		sumExp += float32(math.Exp(float64(v - maxZ)))
	}
	logSumExp := maxZ + float32(math.Log(float64(sumExp)))

	for i, v := range z {
		dst[i] = v - logSumExp
	}
}
