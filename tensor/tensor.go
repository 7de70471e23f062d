package tensor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrShapeMismatch is returned when two tensors cannot be combined element-wise
	ErrShapeMismatch = errors.New("tensor shapes are not compatible")
	// ErrNotScalar is returned by operations that need a single-element tensor
	ErrNotScalar = errors.New("tensor is not a scalar")
	// ErrNoGradient is returned when Backward is called on a tensor outside any gradient graph
	ErrNoGradient = errors.New("tensor does not require grad")
	// ErrDeviceUnavailable is returned when a tensor is moved to a device this build cannot address
	ErrDeviceUnavailable = errors.New("device not available")
)

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseDevice converts a configuration string ("cpu", "gpu") into a DeviceType
func ParseDevice(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda", "metal":
		return GPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", name)
	}
}

// Operation records how a tensor was produced so gradients can flow back to its inputs
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

// Tensor is a dense float32 array with an optional gradient graph
type Tensor struct {
	Shape  []int
	Data   []float32
	Device DeviceType

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d, requires_grad=%t)",
		t.Shape, t.Device, t.NumElems(), t.requiresGrad)
}

// NumElems returns the number of stored elements
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been computed
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// IsLeaf reports whether the tensor was created directly rather than by an operation
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// ZeroGrad drops the accumulated gradient
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// Item returns the value of a single-element tensor
func (t *Tensor) Item() (float64, error) {
	if t.NumElems() != 1 {
		return 0, fmt.Errorf("%w: item() needs exactly one element, got %d", ErrNotScalar, t.NumElems())
	}
	return float64(t.Data[0]), nil
}

// Clone returns a deep copy that keeps the gradient flag but not the graph
func (t *Tensor) Clone() *Tensor {
	out := t.Detach()
	out.requiresGrad = t.requiresGrad
	return out
}

// Detach returns a copy of the data that is cut off from the gradient graph
func (t *Tensor) Detach() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{Shape: shape, Data: data, Device: t.Device}
}

// MoveTo places the tensor's storage on the given device
func (t *Tensor) MoveTo(device DeviceType) error {
	if device != CPU {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, device)
	}
	t.Device = device
	if t.grad != nil {
		t.grad.Device = device
	}
	return nil
}

// ZeroGrad resets gradients for all given parameters
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
