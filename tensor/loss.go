package tensor

import (
	"fmt"
)

// BinaryCrossEntropy computes mean(-(y*log(p) + (1-y)*log(1-p))) for
// probabilities p and targets y of the same shape
func BinaryCrossEntropy(predicted, target *Tensor) (*Tensor, error) {
	if !shapesEqual(predicted.Shape, target.Shape) {
		return nil, fmt.Errorf("%w: predicted %v, target %v", ErrShapeMismatch, predicted.Shape, target.Shape)
	}

	one := FromScalar(1)

	posTerm, err := Mul(target, Log(predicted))
	if err != nil {
		return nil, err
	}

	invPred, err := Sub(one, predicted)
	if err != nil {
		return nil, err
	}
	invTarget, err := Sub(one, target)
	if err != nil {
		return nil, err
	}
	negTerm, err := Mul(invTarget, Log(invPred))
	if err != nil {
		return nil, err
	}

	total, err := Add(posTerm, negTerm)
	if err != nil {
		return nil, err
	}

	return Scale(Mean(total), -1), nil
}

// MSE computes mean((predicted - target)^2)
func MSE(predicted, target *Tensor) (*Tensor, error) {
	diff, err := Sub(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("subtraction failed: %v", err)
	}
	squared, err := Mul(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("multiplication failed: %v", err)
	}
	return Mean(squared), nil
}
