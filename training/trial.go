// Package training is the hosting harness: the contracts a trial is written
// against and a single-process implementation that drives trials over
// in-memory data.
package training

import (
	"github.com/tsawler/go-lightning/optimizer"
	"github.com/tsawler/go-lightning/tensor"
)

// Model is anything whose parameters the harness places and trains
type Model interface {
	Parameters() []*tensor.Tensor
}

// Trial is the unit of user code the harness drives batch by batch
type Trial interface {
	// TrainBatch runs one training batch and returns its metrics
	TrainBatch(batch any, epochIdx int, batchIdx int) (Metrics, error)

	// EvaluateBatch runs one validation batch and returns its metrics
	EvaluateBatch(batch any, batchIdx int) (Metrics, error)

	// BuildCallbacks returns named callbacks; names deduplicate registrations
	BuildCallbacks() map[string]Callback
}

// TrialFactory constructs a trial from the context it will run in
type TrialFactory func(ctx TrialContext) (Trial, error)

// Callback receives epoch lifecycle events
type Callback interface {
	OnTrainEpochStart() error
	OnTrainEpochEnd(outputs []Metrics) error
	OnValidationEpochStart() error
	OnValidationEpochEnd(outputs []Metrics) error
}

// BaseCallback implements Callback with no-ops
type BaseCallback struct{}

func (BaseCallback) OnTrainEpochStart() error                     { return nil }
func (BaseCallback) OnTrainEpochEnd(outputs []Metrics) error      { return nil }
func (BaseCallback) OnValidationEpochStart() error                { return nil }
func (BaseCallback) OnValidationEpochEnd(outputs []Metrics) error { return nil }

// TrialContext is what a trial may ask of the harness
type TrialContext interface {
	// WrapModel registers a model; the harness owns its placement
	WrapModel(m Model)

	// WrapOptimizer registers an optimizer. Registration order is preserved.
	WrapOptimizer(opt optimizer.Optimizer) optimizer.Optimizer

	// WrapLRScheduler hands stepping of s to the harness
	WrapLRScheduler(s *optimizer.LRScheduler, mode StepMode) *LRScheduler

	// Backward runs the differentiation pass from loss
	Backward(loss *tensor.Tensor) error

	// StepOptimizer updates parameters, calls onBeforeZeroGrad exactly once,
	// then clears gradients.
	StepOptimizer(opt optimizer.Optimizer, onBeforeZeroGrad func(optimizer.Optimizer) error) error

	Distributed() DistributedContext
	MixedPrecision() bool
	Device() tensor.DeviceType

	// CurrentTrainEpoch returns the epoch of the batch being trained
	CurrentTrainEpoch() int

	// CurrentBatchIdx returns the global batch index and whether batch
	// tracking has started.
	CurrentBatchIdx() (int, bool)
}
