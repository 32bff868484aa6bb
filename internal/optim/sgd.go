package optim

import (
	"fmt"

	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// SGD implements stochastic gradient descent with optional momentum:
//
//	buf = momentum*buf + g
//	param -= lr * buf
type SGD[B tensor.Backend] struct {
	params   []*nn.Parameter[B]
	lr       float32
	momentum float32
	buf      [][]float32
}

// SGDConfig holds SGD hyperparameters. LR zero defaults to 0.01;
// momentum zero disables the momentum buffers' effect.
type SGDConfig struct {
	LR       float32
	Momentum float32
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], config SGDConfig) *SGD[B] {
	if config.LR == 0 {
		config.LR = 0.01
	}
	buf := make([][]float32, len(params))
	for i, p := range params {
		buf[i] = make([]float32, p.Tensor().NumElements())
	}
	return &SGD[B]{params: params, lr: config.LR, momentum: config.Momentum, buf: buf}
}

// Step implements Optimizer.
func (s *SGD[B]) Step() {
	for i, param := range s.params {
		grad := param.Grad()
		if grad == nil {
			continue
		}
		gv := grad.Data()
		pv := param.Tensor().Data()
		buf := s.buf[i]
		for j := range pv {
			buf[j] = s.momentum*buf[j] + gv[j]
			pv[j] -= s.lr * buf[j]
		}
	}
}

// ZeroGrad implements Optimizer.
func (s *SGD[B]) ZeroGrad() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

// LR implements Optimizer.
func (s *SGD[B]) LR() float32 { return s.lr }

// SetLR implements Optimizer.
func (s *SGD[B]) SetLR(lr float32) { s.lr = lr }

// StateDict implements Optimizer. Keys are "buf.<i>".
func (s *SGD[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, len(s.buf))
	for i := range s.buf {
		state[fmt.Sprintf("buf.%d", i)] = floatsRaw(s.buf[i])
	}
	return state
}

// LoadStateDict implements Optimizer.
func (s *SGD[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	for i := range s.buf {
		if err := copyFloats(state, fmt.Sprintf("buf.%d", i), s.buf[i]); err != nil {
			return err
		}
	}
	return nil
}
