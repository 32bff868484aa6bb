package train

import (
	"log/slog"

	"github.com/fusenmt/fusenmt/internal/data"
	"github.com/fusenmt/fusenmt/internal/model"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Result summarizes a test-set evaluation.
type Result struct {
	// Loss is the mean teacher-forced loss.
	Loss float64
	// TokenAcc is the fraction of reference tokens the greedy decode
	// reproduced at the right position.
	TokenAcc float64
	// ExactMatch is the fraction of examples decoded exactly.
	ExactMatch float64
	// Examples is the number of test pairs scored.
	Examples int
}

// Tester scores a model on held-out data: teacher-forced loss plus
// greedy-decoding accuracy against the references.
//
// Run does not touch gradient state; when the model sits on an autodiff
// backend the caller must stop tape recording first.
type Tester[B tensor.Backend] struct {
	model   model.Seq2Seq[B]
	gen     *model.Generator[B]
	backend B
	log     *slog.Logger
}

// NewTester creates a Tester decoding with the given strategy up to
// maxLen tokens.
func NewTester[B tensor.Backend](
	m model.Seq2Seq[B],
	strategy model.DecodeStrategy,
	maxLen int,
	backend B,
	logger *slog.Logger,
) *Tester[B] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tester[B]{
		model:   m,
		gen:     model.NewGenerator(m, strategy, maxLen, backend),
		backend: backend,
		log:     logger,
	}
}

// Run evaluates the test set in batches of batchSize.
func (t *Tester[B]) Run(test *data.Dataset, batchSize int) Result {
	t.model.SetTraining(false)
	cfg := t.model.Config()

	var totalLoss float64
	var refTokens, hitTokens, exact int

	batches := test.Batches(batchSize, false, nil)
	for i, pairs := range batches {
		b := data.Collate(pairs, cfg.PadID, cfg.EOSID)
		src, trg := data.Tensors(b, t.backend)

		_, loss := t.model.Forward(src, trg)
		totalLoss += float64(loss.Item())

		decoded := t.gen.Generate(src)
		for j, p := range pairs {
			hits, refLen, match := score(decoded[j], p.Trg)
			hitTokens += hits
			refTokens += refLen
			if match {
				exact++
			}
		}

		t.log.Debug("test batch", "batch", i+1, "batches", len(batches))
	}

	res := Result{
		Loss:     totalLoss / float64(len(batches)),
		Examples: test.Len(),
	}
	if refTokens > 0 {
		res.TokenAcc = float64(hitTokens) / float64(refTokens)
	}
	if test.Len() > 0 {
		res.ExactMatch = float64(exact) / float64(test.Len())
	}
	return res
}

// score compares a decoded sequence against the reference, counting
// positional token hits. The reference carries no EOS, matching what
// Generate returns.
func score(decoded, ref []int32) (hits, refLen int, exact bool) {
	refLen = len(ref)
	n := min(len(decoded), refLen)
	for i := 0; i < n; i++ {
		if decoded[i] == ref[i] {
			hits++
		}
	}
	exact = len(decoded) == refLen && hits == refLen
	return hits, refLen, exact
}
