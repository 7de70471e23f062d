package optimizer

import (
	"math"
	"sync"

	"github.com/tsawler/go-lightning/tensor"
)

// AdamConfig holds configuration for the Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias correction
type Adam struct {
	parameters []*tensor.Tensor
	config     AdamConfig
	step       map[*tensor.Tensor]int64
	m          map[*tensor.Tensor][]float64 // First moment estimates
	v          map[*tensor.Tensor][]float64 // Second moment estimates
	mutex      sync.RWMutex
}

// NewAdam creates a new Adam optimizer over parameters
func NewAdam(parameters []*tensor.Tensor, config AdamConfig) *Adam {
	return &Adam{
		parameters: parameters,
		config:     config,
		step:       make(map[*tensor.Tensor]int64),
		m:          make(map[*tensor.Tensor][]float64),
		v:          make(map[*tensor.Tensor][]float64),
	}
}

// Step performs a single optimization step. Step counts are tracked per
// parameter so parameters frozen by optimizer toggling keep their own
// bias correction.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	cfg := adam.config

	for _, param := range activeParameters(adam.parameters) {
		m, ok := adam.m[param]
		if !ok {
			m = make([]float64, len(param.Data))
			adam.m[param] = m
			adam.v[param] = make([]float64, len(param.Data))
		}
		v := adam.v[param]

		adam.step[param]++
		step := float64(adam.step[param])

		// Bias correction factors
		bias1 := 1.0 - math.Pow(cfg.Beta1, step)
		bias2 := 1.0 - math.Pow(cfg.Beta2, step)

		grad := param.Grad().Data
		for i := range param.Data {
			g := float64(grad[i])
			if cfg.WeightDecay > 0 {
				g += cfg.WeightDecay * float64(param.Data[i])
			}

			m[i] = cfg.Beta1*m[i] + (1-cfg.Beta1)*g
			v[i] = cfg.Beta2*v[i] + (1-cfg.Beta2)*g*g

			mHat := m[i] / bias1
			vHat := v[i] / bias2

			param.Data[i] -= float32(cfg.LearningRate * mHat / (math.Sqrt(vHat) + cfg.Epsilon))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.config.LearningRate
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.config.LearningRate = lr
}

func (adam *Adam) Parameters() []*tensor.Tensor {
	return adam.parameters
}

func (adam *Adam) Name() string {
	return "Adam"
}
