package optimizer

import (
	"github.com/tsawler/go-lightning/tensor"
)

// Optimizer defines the methods that all optimizers must implement
type Optimizer interface {
	// Step updates every parameter that requires grad and has a gradient
	Step() error

	// ZeroGrad resets gradients to zero for all parameters
	ZeroGrad()

	// GetLR returns the current learning rate
	GetLR() float64

	// SetLR sets the learning rate used by the next Step
	SetLR(lr float64)

	// Parameters returns the tensors this optimizer updates, in registration order
	Parameters() []*tensor.Tensor

	// Name returns the optimizer name for logging
	Name() string
}

// activeParameters yields the parameters a step should touch
func activeParameters(params []*tensor.Tensor) []*tensor.Tensor {
	active := make([]*tensor.Tensor, 0, len(params))
	for _, p := range params {
		if !p.RequiresGrad() || p.Grad() == nil {
			continue
		}
		active = append(active, p)
	}
	return active
}
