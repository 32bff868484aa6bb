package optim

import (
	"fmt"
	"math"

	"github.com/fusenmt/fusenmt/internal/nn"
	"github.com/fusenmt/fusenmt/internal/tensor"
)

// Adam implements Adam (Kingma & Ba, 2014):
//
//	m_t = beta1*m + (1-beta1)*g
//	v_t = beta2*v + (1-beta2)*g²
//	param -= lr * (m_t/(1-beta1^t)) / (sqrt(v_t/(1-beta2^t)) + eps)
//
// Moment buffers are indexed by parameter position, which is stable for
// a fixed model architecture, so optimizer state round-trips through
// checkpoints.
type Adam[B tensor.Backend] struct {
	params []*nn.Parameter[B]
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32
	t      int

	m [][]float32
	v [][]float32
}

// AdamConfig holds Adam hyperparameters. Zero values take the usual
// defaults (lr 0.001, betas 0.9/0.999, eps 1e-8).
type AdamConfig struct {
	LR    float32
	Betas [2]float32
	Eps   float32
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam[B tensor.Backend](params []*nn.Parameter[B], config AdamConfig) *Adam[B] {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	m := make([][]float32, len(params))
	v := make([][]float32, len(params))
	for i, p := range params {
		n := p.Tensor().NumElements()
		m[i] = make([]float32, n)
		v[i] = make([]float32, n)
	}

	return &Adam[B]{
		params: params,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		m:      m,
		v:      v,
	}
}

// Step implements Optimizer. Parameters without a gradient are skipped.
func (a *Adam[B]) Step() {
	a.t++
	bc1 := float32(1 - math.Pow(float64(a.beta1), float64(a.t)))
	bc2 := float32(1 - math.Pow(float64(a.beta2), float64(a.t)))

	for i, param := range a.params {
		grad := param.Grad()
		if grad == nil {
			continue
		}

		gv := grad.Data()
		pv := param.Tensor().Data()
		m, v := a.m[i], a.v[i]

		for j := range pv {
			g := gv[j]
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2
			pv[j] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
		}
	}
}

// ZeroGrad implements Optimizer.
func (a *Adam[B]) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// LR implements Optimizer.
func (a *Adam[B]) LR() float32 { return a.lr }

// SetLR implements Optimizer.
func (a *Adam[B]) SetLR(lr float32) { a.lr = lr }

// StateDict implements Optimizer. Keys are "m.<i>", "v.<i>" and "t".
func (a *Adam[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, 2*len(a.params)+1)
	for i := range a.params {
		state[fmt.Sprintf("m.%d", i)] = floatsRaw(a.m[i])
		state[fmt.Sprintf("v.%d", i)] = floatsRaw(a.v[i])
	}
	t := tensor.MustNewRaw(tensor.Shape{1}, tensor.Int32, tensor.CPU)
	t.AsInt32()[0] = int32(a.t)
	state["t"] = t
	return state
}

// LoadStateDict implements Optimizer.
func (a *Adam[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	for i := range a.params {
		if err := copyFloats(state, fmt.Sprintf("m.%d", i), a.m[i]); err != nil {
			return err
		}
		if err := copyFloats(state, fmt.Sprintf("v.%d", i), a.v[i]); err != nil {
			return err
		}
	}
	t, ok := state["t"]
	if !ok {
		return fmt.Errorf("missing \"t\" in optimizer state")
	}
	a.t = int(t.AsInt32()[0])
	return nil
}

func floatsRaw(data []float32) *tensor.RawTensor {
	raw := tensor.MustNewRaw(tensor.Shape{len(data)}, tensor.Float32, tensor.CPU)
	copy(raw.AsFloat32(), data)
	return raw
}

func copyFloats(state map[string]*tensor.RawTensor, key string, dst []float32) error {
	raw, ok := state[key]
	if !ok {
		return fmt.Errorf("missing %q in optimizer state", key)
	}
	if raw.NumElements() != len(dst) {
		return fmt.Errorf("%q has %d elements, expected %d", key, raw.NumElements(), len(dst))
	}
	copy(dst, raw.AsFloat32())
	return nil
}
