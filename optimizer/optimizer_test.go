package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-lightning/tensor"
)

func paramWithGrad(t *testing.T, value, grad float32) *tensor.Tensor {
	t.Helper()
	w, err := tensor.Parameter([]int{1}, []float32{value})
	if err != nil {
		t.Fatalf("Parameter failed: %v", err)
	}
	loss := tensor.Scale(w, float64(grad))
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	return w
}

func TestSGDStep(t *testing.T) {
	tests := []struct {
		name     string
		config   SGDConfig
		steps    int
		expected float32
	}{
		{"plain", SGDConfig{LearningRate: 0.1}, 1, 0.9},
		{"weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: 0.5}, 1, 0.85},
		// v1 = g = 1; v2 = 0.9*1 + 1 = 1.9; w = 1 - 0.1 - 0.19
		{"momentum", SGDConfig{LearningRate: 0.1, Momentum: 0.9}, 2, 0.71},
		// d1 = 1 + 0.9*1; d2 = 1 + 0.9*1.9; w = 1 - 0.19 - 0.271
		{"nesterov", SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}, 2, 0.539},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := paramWithGrad(t, 1, 1)
			sgd := NewSGD([]*tensor.Tensor{w}, tt.config)
			for i := 0; i < tt.steps; i++ {
				if err := sgd.Step(); err != nil {
					t.Fatalf("Step failed: %v", err)
				}
			}
			if math.Abs(float64(w.Data[0]-tt.expected)) > 1e-5 {
				t.Errorf("Expected %f, got %f", tt.expected, w.Data[0])
			}
		})
	}
}

func TestSGDMomentumBufferCoversAllElements(t *testing.T) {
	w, _ := tensor.Parameter([]int{2}, []float32{1, 1})
	if err := tensor.Sum(w).Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	sgd := NewSGD([]*tensor.Tensor{w}, SGDConfig{LearningRate: 0.1, Momentum: 0.9})
	sgd.Step()
	sgd.Step()

	if w.Data[0] != w.Data[1] {
		t.Errorf("Elements diverged: %v", w.Data)
	}
}

func TestOptimizerSkipsFrozenParameters(t *testing.T) {
	w := paramWithGrad(t, 1, 1)
	w.SetRequiresGrad(false)

	for _, opt := range []Optimizer{
		NewSGD([]*tensor.Tensor{w}, DefaultSGDConfig()),
		NewAdam([]*tensor.Tensor{w}, DefaultAdamConfig()),
	} {
		if err := opt.Step(); err != nil {
			t.Fatalf("%s step failed: %v", opt.Name(), err)
		}
		if w.Data[0] != 1 {
			t.Errorf("%s updated a frozen parameter: %f", opt.Name(), w.Data[0])
		}
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	w := paramWithGrad(t, 1, 3)
	adam := NewAdam([]*tensor.Tensor{w}, DefaultAdamConfig())
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// Bias corrected m/sqrt(v) is sign(g) on the first step
	if math.Abs(float64(w.Data[0])-0.999) > 1e-5 {
		t.Errorf("Expected 0.999, got %f", w.Data[0])
	}
}

func TestZeroGradAndLR(t *testing.T) {
	w := paramWithGrad(t, 1, 1)
	adam := NewAdam([]*tensor.Tensor{w}, DefaultAdamConfig())

	adam.SetLR(0.5)
	if adam.GetLR() != 0.5 {
		t.Errorf("Expected LR 0.5, got %f", adam.GetLR())
	}
	adam.ZeroGrad()
	if w.Grad() != nil {
		t.Errorf("Expected gradient cleared")
	}
	if len(adam.Parameters()) != 1 || adam.Name() != "Adam" {
		t.Errorf("Unexpected parameters or name")
	}
}
