package tensor

import (
	"fmt"
)

// Backward computes gradients of a scalar tensor with respect to every leaf
// in its graph that requires grad. Gradients accumulate into Grad() until
// ZeroGrad is called.
func (t *Tensor) Backward() error {
	if t.NumElems() != 1 {
		return fmt.Errorf("%w: backward needs a single-element loss, got shape %v", ErrNotScalar, t.Shape)
	}
	if !t.requiresGrad {
		return ErrNoGradient
	}

	order := topologicalOrder(t)

	seed, err := Ones(t.Shape)
	if err != nil {
		return err
	}
	grads := map[*Tensor]*Tensor{t: seed}

	// Outputs come after their inputs in order, so walk it backwards
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		grad := grads[node]
		if grad == nil {
			continue
		}

		if node.creator == nil {
			if node.requiresGrad {
				node.accumulateGrad(grad)
			}
			continue
		}

		inputGrads, err := node.creator.Backward(grad)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}

		for j, input := range node.creator.Inputs() {
			if !input.requiresGrad || j >= len(inputGrads) || inputGrads[j] == nil {
				continue
			}
			if existing := grads[input]; existing != nil {
				addInPlace(existing, inputGrads[j])
			} else {
				grads[input] = inputGrads[j]
			}
		}
	}

	return nil
}

func (t *Tensor) accumulateGrad(grad *Tensor) {
	if t.grad == nil {
		t.grad = grad.Detach()
		t.grad.Device = t.Device
		return
	}
	addInPlace(t.grad, grad)
}

func addInPlace(dst, src *Tensor) {
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
}

// topologicalOrder lists the graph reachable from root with inputs before outputs
func topologicalOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, input := range t.creator.Inputs() {
				if input.requiresGrad {
					visit(input)
				}
			}
		}
		order = append(order, t)
	}
	visit(root)

	return order
}

// reduceGradientToShape sums a gradient over broadcast elements so it
// matches the input it flows back into
func reduceGradientToShape(grad []float32, target *Tensor) *Tensor {
	if len(grad) == target.NumElems() {
		data := make([]float32, len(grad))
		copy(data, grad)
		return &Tensor{Shape: append([]int(nil), target.Shape...), Data: data, Device: target.Device}
	}

	// Only single-element inputs are broadcast
	var sum float32
	for _, g := range grad {
		sum += g
	}
	return &Tensor{Shape: append([]int(nil), target.Shape...), Data: []float32{sum}, Device: target.Device}
}
