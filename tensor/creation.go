package tensor

import (
	"fmt"
	"math/rand"
)

// New creates a CPU tensor of the given shape backed by data
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{Shape: s, Data: data, Device: CPU}, nil
}

// Zeros creates a zero-filled tensor
func Zeros(shape []int) (*Tensor, error) {
	return Full(shape, 0)
}

// Ones creates a tensor filled with ones
func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// Full creates a tensor with every element set to value
func Full(shape []int, value float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = value
	}
	return New(shape, data)
}

// FromScalar creates a single-element tensor of shape [1]
func FromScalar(value float64) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float32{float32(value)}, Device: CPU}
}

// Parameter creates a trainable tensor initialised from data
func Parameter(shape []int, data []float32) (*Tensor, error) {
	t, err := New(shape, data)
	if err != nil {
		return nil, err
	}
	t.requiresGrad = true
	return t, nil
}

// Randn samples a tensor from N(mean, std^2) using rng
func Randn(shape []int, mean, std float64, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = float32(mean + std*rng.NormFloat64())
	}
	return New(shape, data)
}

// Stack joins same-shaped tensors along a new leading dimension
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot stack an empty list of tensors")
	}

	first := tensors[0]
	data := make([]float32, 0, len(tensors)*first.NumElems())
	for i, t := range tensors {
		if !shapesEqual(t.Shape, first.Shape) {
			return nil, fmt.Errorf("%w: element %d has shape %v, expected %v", ErrShapeMismatch, i, t.Shape, first.Shape)
		}
		data = append(data, t.Data...)
	}

	shape := append([]int{len(tensors)}, first.Shape...)
	return New(shape, data)
}
