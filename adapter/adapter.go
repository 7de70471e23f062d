package adapter

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/pkg/errors"

	"github.com/tsawler/go-lightning/lightning"
	"github.com/tsawler/go-lightning/optimizer"
	"github.com/tsawler/go-lightning/tensor"
	"github.com/tsawler/go-lightning/training"
)

// Adapter drives a lightning.Module through the training.Trial contract
type Adapter struct {
	ctx    training.TrialContext
	module lightning.Module
	base   *lightning.Base
	hooks  lightning.HookSet
	logger *slog.Logger

	optimizers []optimizer.Optimizer
	schedulers []*training.LRScheduler
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the logger used for construction details
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// StepModeFor maps a scheduler interval onto the harness step mode
func StepModeFor(interval string) training.StepMode {
	if interval == lightning.IntervalEpoch {
		return training.StepEveryEpoch
	}
	return training.StepEveryBatch
}

// New checks m, registers it and its optimizers with ctx and prepares its
// state for the harness.
func New(ctx training.TrialContext, m lightning.Module, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		ctx:    ctx,
		module: m,
		base:   m.LightningBase(),
		hooks:  lightning.Inspect(m),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := checkHooks(m, a.hooks); err != nil {
		return nil, err
	}
	if !a.hooks.Overridden(lightning.TrainingStep) {
		return nil, invalidModel("module does not implement %q", lightning.TrainingStep)
	}

	ctx.WrapModel(m)

	setup, err := lightning.InitOptimizers(m)
	if err != nil {
		return nil, err
	}
	for i, freq := range setup.Frequencies {
		if freq != 1 {
			return nil, &UnsupportedConfigurationError{
				Reason: fmt.Sprintf("optimizer %d has frequency %d; only a frequency of 1 is supported", i, freq),
			}
		}
	}

	for _, o := range setup.Optimizers {
		a.optimizers = append(a.optimizers, ctx.WrapOptimizer(o))
	}

	for _, d := range setup.Schedulers {
		wrapped := ctx.WrapLRScheduler(d.Scheduler, StepModeFor(d.Interval))
		if d.ReduceOnPlateau {
			wrapped.SetMonitor(d.Monitor, d.Strict)
		}
		a.schedulers = append(a.schedulers, wrapped)
	}

	a.base.ClearDistributedFlags()

	dist := ctx.Distributed()
	a.base.SetRanks(dist.GetLocalRank(), dist.GetRank())
	a.base.SetUseAMP(ctx.MixedPrecision())

	device := ctx.Device()
	for i, p := range m.Parameters() {
		if err := p.MoveTo(device); err != nil {
			return nil, errors.Wrapf(err, "moving parameter %d to %s", i, device)
		}
	}
	a.base.SetDevice(device)

	a.logger.Debug("lightning module adapted",
		"hooks", a.hooks.String(),
		"optimizers", len(a.optimizers),
		"schedulers", len(a.schedulers),
		"local_rank", a.base.LocalRank(),
		"global_rank", a.base.GlobalRank(),
		"amp", a.base.UseAMP(),
		"device", device.String(),
	)

	return a, nil
}

// NewTrialFactory returns a factory that builds the module with build and
// adapts it to the context the harness supplies.
func NewTrialFactory(build func(training.TrialContext) (lightning.Module, error), opts ...Option) training.TrialFactory {
	return func(ctx training.TrialContext) (training.Trial, error) {
		m, err := build(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "building lightning module")
		}
		return New(ctx, m, opts...)
	}
}

// Module returns the wrapped module
func (a *Adapter) Module() lightning.Module { return a.module }

// Optimizers returns the wrapped optimizers in index order
func (a *Adapter) Optimizers() []optimizer.Optimizer {
	return append([]optimizer.Optimizer(nil), a.optimizers...)
}

// LRSchedulers returns the harness wrappers of the module's schedulers
func (a *Adapter) LRSchedulers() []*training.LRScheduler {
	return append([]*training.LRScheduler(nil), a.schedulers...)
}

// Hooks returns the hook set computed at construction
func (a *Adapter) Hooks() lightning.HookSet { return a.hooks }

// TrainBatch runs the training step once per optimizer, handing backward
// and optimizer steps to the harness, and returns the metrics of every
// optimizer prefixed with opt{index}_.
func (a *Adapter) TrainBatch(batch any, epochIdx int, batchIdx int) (training.Metrics, error) {
	step, err := a.trainingStep()
	if err != nil {
		return nil, err
	}

	a.base.SetGlobalStep(batchIdx)

	if h, ok := a.module.(lightning.OnTrainBatchStartHook); ok {
		if err := h.OnTrainBatchStart(batch, batchIdx, 0); err != nil {
			return nil, errors.Wrap(err, string(lightning.OnTrainBatchStart))
		}
	}

	outputs := make([]map[string]any, len(a.optimizers))
	var last map[string]any
	for i, opt := range a.optimizers {
		metrics, err := a.trainOptimizer(step, batch, batchIdx, i, opt)
		if err != nil {
			return nil, err
		}
		outputs[i] = metrics
		last = metrics
	}

	if h, ok := a.module.(lightning.OnTrainBatchEndHook); ok {
		if err := h.OnTrainBatchEnd(last, batch, batchIdx, 0); err != nil {
			return nil, errors.Wrap(err, string(lightning.OnTrainBatchEnd))
		}
	}

	aggregated := training.Metrics{}
	for i, metrics := range outputs {
		for name, value := range metrics {
			aggregated[fmt.Sprintf("opt%d_%s", i, name)] = value
		}
	}
	return aggregated, nil
}

type stepFunc func(batch any, batchIdx, optimizerIdx int) (any, error)

// trainingStep resolves the training step call for the configured number
// of optimizers.
func (a *Adapter) trainingStep() (stepFunc, error) {
	if h, ok := a.module.(lightning.MultiOptimizerTrainingStepHook); ok && a.hooks.HasParam(lightning.TrainingStep, lightning.ParamOptimizerIdx) {
		return h.TrainingStep, nil
	}
	if n := len(a.optimizers); n > 1 {
		return nil, invalidModel("Your LightningModule defines %d optimizers but training_step is missing the %q argument.", n, lightning.ParamOptimizerIdx)
	}
	h, ok := a.module.(lightning.TrainingStepHook)
	if !ok {
		return nil, invalidModel("module does not implement %q", lightning.TrainingStep)
	}
	return func(batch any, batchIdx, _ int) (any, error) {
		return h.TrainingStep(batch, batchIdx)
	}, nil
}

func (a *Adapter) trainOptimizer(step stepFunc, batch any, batchIdx, idx int, opt optimizer.Optimizer) (map[string]any, error) {
	if err := a.withOptimizers(func() error { return a.module.ToggleOptimizer(opt, idx) }); err != nil {
		return nil, errors.Wrapf(err, "toggle_optimizer(%d)", idx)
	}

	metrics, err := a.stepOptimizer(step, batch, batchIdx, idx, opt)
	if err != nil {
		return nil, err
	}

	if err := a.withOptimizers(func() error { return a.module.UntoggleOptimizer(idx) }); err != nil {
		return nil, errors.Wrapf(err, "untoggle_optimizer(%d)", idx)
	}
	return metrics, nil
}

// stepOptimizer runs the training step for one optimizer and, unless the
// step skipped the batch, backward and the optimizer step.
func (a *Adapter) stepOptimizer(step stepFunc, batch any, batchIdx, idx int, opt optimizer.Optimizer) (map[string]any, error) {
	result, err := step(batch, batchIdx, idx)
	if err != nil {
		return nil, errors.Wrapf(err, "%s (optimizer %d)", lightning.TrainingStep, idx)
	}
	if isNil(result) {
		return nil, nil
	}

	metrics := normalizeResult(result)
	loss, ok := metrics["loss"].(*tensor.Tensor)
	if !ok || loss == nil {
		return nil, invalidModel("%s (optimizer %d) returned no loss tensor", lightning.TrainingStep, idx)
	}

	if err := a.ctx.Backward(loss); err != nil {
		return nil, errors.Wrapf(err, "backward (optimizer %d)", idx)
	}

	if h, ok := a.module.(lightning.OnAfterBackwardHook); ok {
		if err := h.OnAfterBackward(); err != nil {
			return nil, errors.Wrapf(err, "%s (optimizer %d)", lightning.OnAfterBackward, idx)
		}
	}

	var beforeZeroGrad func(optimizer.Optimizer) error
	if h, ok := a.module.(lightning.OnBeforeZeroGradHook); ok {
		beforeZeroGrad = h.OnBeforeZeroGrad
	}
	if err := a.ctx.StepOptimizer(opt, beforeZeroGrad); err != nil {
		return nil, errors.Wrapf(err, "optimizer step (optimizer %d)", idx)
	}

	return metrics, nil
}

// withOptimizers runs fn while the module's optimizer accessor returns the
// wrapped optimizers.
func (a *Adapter) withOptimizers(fn func() error) error {
	release := a.base.ScopeOptimizers(a.optimizers)
	defer release()
	return fn()
}

// EvaluateBatch runs the validation step and normalizes its result. A
// module without a validation step reports no metrics.
func (a *Adapter) EvaluateBatch(batch any, batchIdx int) (training.Metrics, error) {
	if h, ok := a.module.(lightning.OnValidationBatchStartHook); ok {
		if err := h.OnValidationBatchStart(batch, batchIdx, 0); err != nil {
			return nil, errors.Wrap(err, string(lightning.OnValidationBatchStart))
		}
	}

	var result any
	if h, ok := a.module.(lightning.ValidationStepHook); ok {
		var err error
		result, err = h.ValidationStep(batch, batchIdx)
		if err != nil {
			return nil, errors.Wrap(err, string(lightning.ValidationStep))
		}
	}

	if end, ok := a.module.(lightning.OnValidationBatchEndHook); ok {
		if err := end.OnValidationBatchEnd(result, batch, batchIdx, 0); err != nil {
			return nil, errors.Wrap(err, string(lightning.OnValidationBatchEnd))
		}
	}

	if isNil(result) {
		return training.Metrics{}, nil
	}
	return training.Metrics(normalizeResult(result)), nil
}

// isNil reports whether a hook result carries nothing, including nil
// pointers and maps boxed in the interface.
func isNil(result any) bool {
	if result == nil {
		return true
	}
	v := reflect.ValueOf(result)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// normalizeResult turns a hook result into a metrics map. Maps keyed by
// string are copied entry by entry; any other value becomes the "loss" entry.
func normalizeResult(result any) map[string]any {
	switch v := result.(type) {
	case map[string]any:
		return v
	case training.Metrics:
		return v
	case map[string]*tensor.Tensor:
		out := make(map[string]any, len(v))
		for k, x := range v {
			out[k] = x
		}
		return out
	case map[string]float64:
		out := make(map[string]any, len(v))
		for k, x := range v {
			out[k] = x
		}
		return out
	}

	v := reflect.ValueOf(result)
	if v.Kind() == reflect.Map && v.Type().Key().Kind() == reflect.String {
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	}
	return map[string]any{"loss": result}
}
