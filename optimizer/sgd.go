package optimizer

import (
	"sync"

	"github.com/tsawler/go-lightning/tensor"
)

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	Dampening    float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements Stochastic Gradient Descent with optional momentum
type SGD struct {
	parameters []*tensor.Tensor
	config     SGDConfig
	velocities map[*tensor.Tensor][]float32
	mutex      sync.RWMutex
}

// NewSGD creates a new SGD optimizer over parameters
func NewSGD(parameters []*tensor.Tensor, config SGDConfig) *SGD {
	return &SGD{
		parameters: parameters,
		config:     config,
		velocities: make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.config.LearningRate)
	momentum := float32(sgd.config.Momentum)
	dampening := float32(sgd.config.Dampening)
	weightDecay := float32(sgd.config.WeightDecay)

	for _, param := range activeParameters(sgd.parameters) {
		grad := param.Grad().Data

		velocity, seeded := sgd.velocities[param]
		if momentum != 0 && !seeded {
			velocity = make([]float32, len(param.Data))
			sgd.velocities[param] = velocity
		}

		for i := range param.Data {
			d := grad[i]
			if weightDecay != 0 {
				d += weightDecay * param.Data[i]
			}

			if momentum != 0 {
				// First step seeds the buffer with the raw gradient
				if seeded {
					velocity[i] = momentum*velocity[i] + (1-dampening)*d
				} else {
					velocity[i] = d
				}
				if sgd.config.Nesterov {
					d += momentum * velocity[i]
				} else {
					d = velocity[i]
				}
			}

			param.Data[i] -= lr * d
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.config.LearningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.config.LearningRate = lr
}

func (sgd *SGD) Parameters() []*tensor.Tensor {
	return sgd.parameters
}

func (sgd *SGD) Name() string {
	return "SGD"
}
