package tensor

import (
	"fmt"
	"math"
)

// logEpsilon keeps Log finite for probabilities that underflow to zero
const logEpsilon = 1e-7

// broadcastShape returns the output shape of an element-wise op on a and b.
// Tensors must have the same shape, or one of them must hold a single element.
func broadcastShape(a, b *Tensor) ([]int, error) {
	switch {
	case shapesEqual(a.Shape, b.Shape):
		return a.Shape, nil
	case b.NumElems() == 1:
		return a.Shape, nil
	case a.NumElems() == 1:
		return b.Shape, nil
	default:
		return nil, fmt.Errorf("%w: %v and %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
}

func at(t *Tensor, i int) float32 {
	if len(t.Data) == 1 {
		return t.Data[0]
	}
	return t.Data[i]
}

func newResult(shape []int, data []float32, op Operation, inputs ...*Tensor) *Tensor {
	out := &Tensor{Shape: append([]int(nil), shape...), Data: data, Device: inputs[0].Device}
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}

func elementwise(a, b *Tensor, fn func(x, y float32) float32) ([]int, []float32, error) {
	shape, err := broadcastShape(a, b)
	if err != nil {
		return nil, nil, err
	}
	data := make([]float32, calculateNumElements(shape))
	for i := range data {
		data[i] = fn(at(a, i), at(b, i))
	}
	return shape, data, nil
}

// AddOp implements the Operation interface for tensor addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{
		reduceGradientToShape(gradOut.Data, op.inputs[0]),
		reduceGradientToShape(gradOut.Data, op.inputs[1]),
	}, nil
}

// Add returns a + b
func Add(a, b *Tensor) (*Tensor, error) {
	shape, data, err := elementwise(a, b, func(x, y float32) float32 { return x + y })
	if err != nil {
		return nil, fmt.Errorf("add failed: %w", err)
	}
	op := &AddOp{inputs: []*Tensor{a, b}}
	return newResult(shape, data, op, a, b), nil
}

// SubOp implements the Operation interface for tensor subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	neg := make([]float32, len(gradOut.Data))
	for i, g := range gradOut.Data {
		neg[i] = -g
	}
	return []*Tensor{
		reduceGradientToShape(gradOut.Data, op.inputs[0]),
		reduceGradientToShape(neg, op.inputs[1]),
	}, nil
}

// Sub returns a - b
func Sub(a, b *Tensor) (*Tensor, error) {
	shape, data, err := elementwise(a, b, func(x, y float32) float32 { return x - y })
	if err != nil {
		return nil, fmt.Errorf("sub failed: %w", err)
	}
	op := &SubOp{inputs: []*Tensor{a, b}}
	return newResult(shape, data, op, a, b), nil
}

// MulOp implements the Operation interface for element-wise multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	gradA := make([]float32, len(gradOut.Data))
	gradB := make([]float32, len(gradOut.Data))
	for i, g := range gradOut.Data {
		gradA[i] = g * at(b, i)
		gradB[i] = g * at(a, i)
	}
	return []*Tensor{
		reduceGradientToShape(gradA, a),
		reduceGradientToShape(gradB, b),
	}, nil
}

// Mul returns the element-wise product a * b
func Mul(a, b *Tensor) (*Tensor, error) {
	shape, data, err := elementwise(a, b, func(x, y float32) float32 { return x * y })
	if err != nil {
		return nil, fmt.Errorf("mul failed: %w", err)
	}
	op := &MulOp{inputs: []*Tensor{a, b}}
	return newResult(shape, data, op, a, b), nil
}

// ScaleOp implements the Operation interface for multiplication by a constant
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := make([]float32, len(gradOut.Data))
	for i, g := range gradOut.Data {
		grad[i] = g * op.factor
	}
	return []*Tensor{reduceGradientToShape(grad, op.inputs[0])}, nil
}

// Scale returns a * factor
func Scale(a *Tensor, factor float64) *Tensor {
	f := float32(factor)
	data := make([]float32, len(a.Data))
	for i, x := range a.Data {
		data[i] = x * f
	}
	op := &ScaleOp{inputs: []*Tensor{a}, factor: f}
	return newResult(a.Shape, data, op, a)
}

// SigmoidOp implements the Operation interface for the logistic function
type SigmoidOp struct {
	inputs []*Tensor
	output []float32
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// d sigmoid(x)/dx = s * (1 - s)
	grad := make([]float32, len(gradOut.Data))
	for i, g := range gradOut.Data {
		s := op.output[i]
		grad[i] = g * s * (1 - s)
	}
	return []*Tensor{reduceGradientToShape(grad, op.inputs[0])}, nil
}

// Sigmoid applies 1 / (1 + exp(-x)) element-wise
func Sigmoid(a *Tensor) *Tensor {
	data := make([]float32, len(a.Data))
	for i, x := range a.Data {
		data[i] = float32(1.0 / (1.0 + math.Exp(-float64(x))))
	}
	op := &SigmoidOp{inputs: []*Tensor{a}, output: data}
	return newResult(a.Shape, data, op, a)
}

// LogOp implements the Operation interface for the natural logarithm
type LogOp struct {
	inputs []*Tensor
}

func (op *LogOp) Inputs() []*Tensor { return op.inputs }

func (op *LogOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	grad := make([]float32, len(gradOut.Data))
	for i, g := range gradOut.Data {
		grad[i] = g / clampLog(a.Data[i])
	}
	return []*Tensor{reduceGradientToShape(grad, a)}, nil
}

func clampLog(x float32) float32 {
	if x < logEpsilon {
		return logEpsilon
	}
	return x
}

// Log applies the natural logarithm element-wise, clamping inputs at 1e-7
func Log(a *Tensor) *Tensor {
	data := make([]float32, len(a.Data))
	for i, x := range a.Data {
		data[i] = float32(math.Log(float64(clampLog(x))))
	}
	op := &LogOp{inputs: []*Tensor{a}}
	return newResult(a.Shape, data, op, a)
}

// SumOp implements the Operation interface for a full reduction
type SumOp struct {
	inputs []*Tensor
	scale  float32
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

func (op *SumOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	g := gradOut.Data[0] * op.scale
	grad := make([]float32, a.NumElems())
	for i := range grad {
		grad[i] = g
	}
	return []*Tensor{{Shape: append([]int(nil), a.Shape...), Data: grad, Device: a.Device}}, nil
}

// Sum reduces all elements into a tensor of shape [1]
func Sum(a *Tensor) *Tensor {
	var sum float32
	for _, x := range a.Data {
		sum += x
	}
	op := &SumOp{inputs: []*Tensor{a}, scale: 1}
	return newResult([]int{1}, []float32{sum}, op, a)
}

// Mean averages all elements into a tensor of shape [1]
func Mean(a *Tensor) *Tensor {
	var sum float32
	for _, x := range a.Data {
		sum += x
	}
	n := float32(a.NumElems())
	op := &SumOp{inputs: []*Tensor{a}, scale: 1 / n}
	return newResult([]int{1}, []float32{sum / n}, op, a)
}
