package adapter

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-lightning/lightning"
	"github.com/tsawler/go-lightning/optimizer"
	"github.com/tsawler/go-lightning/tensor"
	"github.com/tsawler/go-lightning/training"
)

// scheduledModule configures step and plateau schedulers and a custom
// optimizer frequency
type scheduledModule struct {
	singleModule
	frequency int
}

func (m *scheduledModule) ConfigureOptimizers() (lightning.OptimizerConfig, error) {
	opt := optimizer.NewSGD(m.Parameters(), optimizer.SGDConfig{LearningRate: 0.1})

	perBatch := lightning.Schedule(optimizer.NewLRScheduler(opt, optimizer.NewStepLR(1, 0.5)))
	perBatch.Interval = lightning.IntervalStep

	plateau := lightning.Schedule(optimizer.NewLRScheduler(opt, optimizer.NewReduceLROnPlateau(0.5, 1, 0, "min")))
	plateau.Monitor = "val_loss"
	plateau.Strict = false

	cfg := lightning.OptimizerConfig{
		Optimizers: []lightning.OptimizerSpec{{Optimizer: opt, Frequency: m.frequency}},
	}
	return cfg.WithSchedulerDescriptors(perBatch, plateau), nil
}

type noStepModule struct {
	lightning.Base
	w *tensor.Tensor
}

func (m *noStepModule) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.w} }

func (m *noStepModule) ConfigureOptimizers() (lightning.OptimizerConfig, error) {
	return lightning.Configure(optimizer.NewSGD(m.Parameters(), optimizer.DefaultSGDConfig())), nil
}

func TestStepModeFor(t *testing.T) {
	tests := []struct {
		interval string
		want     training.StepMode
	}{
		{"epoch", training.StepEveryEpoch},
		{"step", training.StepEveryBatch},
		{"", training.StepEveryBatch},
		{"fortnight", training.StepEveryBatch},
	}

	for _, tt := range tests {
		if got := StepModeFor(tt.interval); got != tt.want {
			t.Errorf("StepModeFor(%q) = %v, want %v", tt.interval, got, tt.want)
		}
	}
}

func TestNewPreparesModule(t *testing.T) {
	rec := &recorder{}
	ctx := newFakeContext(rec)
	ctx.dist = &training.StaticDistributed{Rank: 3, LocalRank: 1, Size: 4, LocalSize: 2, CrossRank: 1}
	ctx.amp = true

	m := &scheduledModule{singleModule: *newSingleModule(t, rec), frequency: 1}
	m.SetDistributedFlags(lightning.DistributedFlags{UseDDP: true, UseTPU: true})

	var logs bytes.Buffer
	a, err := New(ctx, m, WithLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	require.NoError(t, err)

	assert.Equal(t, []training.Model{m}, ctx.models)
	assert.Equal(t, ctx.optimizers, a.Optimizers())
	assert.Same(t, m, a.Module())
	assert.True(t, a.Hooks().Overridden(lightning.TrainingStep))

	require.Len(t, a.LRSchedulers(), 2)
	assert.Equal(t, training.StepEveryBatch, a.LRSchedulers()[0].StepMode())
	assert.Equal(t, training.StepEveryEpoch, a.LRSchedulers()[1].StepMode())
	assert.Equal(t, "val_loss", a.LRSchedulers()[1].Monitor())
	// Non-strict monitor: a missing metric is skipped
	assert.NoError(t, a.LRSchedulers()[1].Step(training.Metrics{}))

	assert.Equal(t, lightning.DistributedFlags{}, m.DistributedFlags())
	assert.Equal(t, 1, m.LocalRank())
	assert.Equal(t, 3, m.GlobalRank())
	assert.True(t, m.UseAMP())
	assert.Equal(t, tensor.CPU, m.Device())
	assert.Contains(t, logs.String(), "lightning module adapted")
}

func TestNewRejectsConfiguration(t *testing.T) {
	rec := &recorder{}

	for _, frequency := range []int{2, -1} {
		_, err := New(newFakeContext(rec), &scheduledModule{singleModule: *newSingleModule(t, rec), frequency: frequency})
		var unsupported *UnsupportedConfigurationError
		assert.ErrorAs(t, err, &unsupported, "frequency %d", frequency)
	}

	_, err := New(newFakeContext(rec), &noStepModule{w: param(t, 1)})
	var invalid *InvalidModelError
	assert.ErrorAs(t, err, &invalid)

	gpu := newFakeContext(rec)
	gpu.device = tensor.GPU
	_, err = New(gpu, newSingleModule(t, rec))
	assert.ErrorIs(t, err, tensor.ErrDeviceUnavailable)
}

func TestTrainBatchSingleOptimizer(t *testing.T) {
	rec := &recorder{}
	m := newSingleModule(t, rec)
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	metrics, err := a.TrainBatch("batch", 0, 7)
	require.NoError(t, err)

	assert.Equal(t, []string{"opt0_loss"}, metrics.Keys())
	assert.Equal(t, 7, m.GlobalStep())
	// d(2w)/dw = 2, lr 0.5
	assert.InDelta(t, 0.0, float64(m.w.Data[0]), 1e-6)

	want := []string{"toggle 0", "training_step", "backward", "optimizer_step 0", "untoggle 0"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestTrainBatchTwoOptimizers(t *testing.T) {
	rec := &recorder{}
	m := newPairModule(t, rec)
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	metrics, err := a.TrainBatch("batch", 0, 5)
	require.NoError(t, err)

	want := []string{
		"on_train_batch_start 5",
		"toggle 0",
		"training_step 0",
		"backward",
		"on_after_backward",
		"optimizer_step 0",
		"on_before_zero_grad",
		"untoggle 0",
		"toggle 1",
		"training_step 1",
		"backward",
		"on_after_backward",
		"optimizer_step 1",
		"on_before_zero_grad",
		"untoggle 1",
		"on_train_batch_end idx=1",
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{"opt0_idx", "opt0_loss", "opt1_idx", "opt1_loss"}, metrics.Keys())
	assert.Equal(t, 0, metrics["opt0_idx"])
	assert.Equal(t, 1, metrics["opt1_idx"])

	// Toggling saw the wrapped optimizers; the override is gone afterwards
	require.Len(t, m.seen, 2)
	for _, seen := range m.seen {
		assert.Equal(t, a.Optimizers(), seen)
	}
	assert.Nil(t, m.Optimizers())

	assert.InDelta(t, 0.5, float64(m.a.Data[0]), 1e-6)
	assert.InDelta(t, 0.5, float64(m.b.Data[0]), 1e-6)
	assert.True(t, m.a.RequiresGrad())
	assert.True(t, m.b.RequiresGrad())
}

func TestTrainBatchRequiresOptimizerIndex(t *testing.T) {
	rec := &recorder{}
	m := &unindexedPairModule{pairModule: *newPairModule(t, rec)}
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	_, err = a.TrainBatch("batch", 0, 0)
	var invalid *InvalidModelError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), `defines 2 optimizers but training_step is missing the "optimizer_idx" argument`)

	assert.Empty(t, rec.events)
	assert.Equal(t, float32(1), m.a.Data[0])
	assert.Equal(t, float32(1), m.b.Data[0])
}

func TestTrainBatchSkipsNilResult(t *testing.T) {
	rec := &recorder{}
	m := newSingleModule(t, rec)
	m.result = func(*tensor.Tensor) any { return nil }
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	metrics, err := a.TrainBatch("batch", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, metrics)
	assert.Equal(t, []string{"toggle 0", "training_step", "untoggle 0"}, rec.events)
	assert.Equal(t, float32(1), m.w.Data[0])
}

func TestTrainBatchSkipsTypedNilResult(t *testing.T) {
	rec := &recorder{}
	m := newSingleModule(t, rec)
	m.result = func(*tensor.Tensor) any { return (*tensor.Tensor)(nil) }
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	metrics, err := a.TrainBatch("batch", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, metrics)
	assert.Equal(t, []string{"toggle 0", "training_step", "untoggle 0"}, rec.events)
}

func TestTrainBatchTensorMap(t *testing.T) {
	rec := &recorder{}
	m := newSingleModule(t, rec)
	m.result = func(w *tensor.Tensor) any {
		return map[string]*tensor.Tensor{"loss": tensor.Scale(w, 2)}
	}
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	metrics, err := a.TrainBatch("batch", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"opt0_loss"}, metrics.Keys())
	assert.IsType(t, &tensor.Tensor{}, metrics["opt0_loss"])
	assert.Equal(t, []string{"toggle 0", "training_step", "backward", "optimizer_step 0", "untoggle 0"}, rec.events)
	assert.InDelta(t, 0.0, float64(m.w.Data[0]), 1e-6)
}

func TestTrainBatchRequiresLossTensor(t *testing.T) {
	rec := &recorder{}
	m := newSingleModule(t, rec)
	m.result = func(*tensor.Tensor) any { return map[string]any{"accuracy": 1.0} }
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	_, err = a.TrainBatch("batch", 0, 0)
	var invalid *InvalidModelError
	assert.ErrorAs(t, err, &invalid)
	assert.NotContains(t, rec.events, "backward")
	assert.Nil(t, m.Optimizers())
}

type failingBackwardModule struct {
	pairModule
	err error
}

func (m *failingBackwardModule) OnAfterBackward() error { return m.err }

func TestTrainBatchWrapsHookErrors(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	m := &failingBackwardModule{pairModule: *newPairModule(t, rec), err: boom}
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	_, err = a.TrainBatch("batch", 0, 0)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "on_after_backward (optimizer 0)")
	assert.NotContains(t, rec.events, "optimizer_step 0")
	assert.Nil(t, m.Optimizers())
}

// validatingModule returns a configurable validation result
type validatingModule struct {
	singleModule
	value any
}

func (m *validatingModule) ValidationStep(batch any, batchIdx int) (any, error) {
	m.rec.add("validation_step %d", batchIdx)
	return m.value, nil
}

func (m *validatingModule) OnValidationBatchStart(batch any, batchIdx int, dataloaderIdx int) error {
	m.rec.add("on_validation_batch_start")
	return nil
}

func (m *validatingModule) OnValidationBatchEnd(outputs any, batch any, batchIdx int, dataloaderIdx int) error {
	m.rec.add("on_validation_batch_end")
	return nil
}

func TestEvaluateBatch(t *testing.T) {
	x := tensor.FromScalar(0.25)
	mapping := map[string]any{"accuracy": 0.5, "loss": x}

	tests := []struct {
		name  string
		value any
		want  training.Metrics
	}{
		{"tensor", x, training.Metrics{"loss": x}},
		{"float", 0.75, training.Metrics{"loss": 0.75}},
		{"nil", nil, training.Metrics{}},
		{"nil tensor", (*tensor.Tensor)(nil), training.Metrics{}},
		{"nil mapping", map[string]any(nil), training.Metrics{}},
		{"mapping", mapping, training.Metrics(mapping)},
		{"float mapping", map[string]float64{"acc": 0.5}, training.Metrics{"acc": 0.5}},
		{"int mapping", map[string]int{"correct": 3}, training.Metrics{"correct": 3}},
		{"tensor mapping", map[string]*tensor.Tensor{"loss": x}, training.Metrics{"loss": x}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			m := &validatingModule{singleModule: *newSingleModule(t, rec), value: tt.value}
			a, err := New(newFakeContext(rec), m)
			require.NoError(t, err)

			got, err := a.EvaluateBatch("batch", 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{"on_validation_batch_start", "validation_step 3", "on_validation_batch_end"}, rec.events)
		})
	}
}

// batchHooksModule has validation batch hooks but no validation step
type batchHooksModule struct {
	singleModule
	outputs []any
}

func (m *batchHooksModule) OnValidationBatchStart(batch any, batchIdx int, dataloaderIdx int) error {
	m.rec.add("on_validation_batch_start")
	return nil
}

func (m *batchHooksModule) OnValidationBatchEnd(outputs any, batch any, batchIdx int, dataloaderIdx int) error {
	m.rec.add("on_validation_batch_end")
	m.outputs = append(m.outputs, outputs)
	return nil
}

func TestEvaluateBatchWithoutValidationStep(t *testing.T) {
	rec := &recorder{}
	m := &batchHooksModule{singleModule: *newSingleModule(t, rec)}
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	metrics, err := a.EvaluateBatch("batch", 0)
	require.NoError(t, err)
	assert.Equal(t, training.Metrics{}, metrics)
	assert.Equal(t, []string{"on_validation_batch_start", "on_validation_batch_end"}, rec.events)
	assert.Equal(t, []any{nil}, m.outputs)
}

// toggleFailureModule fails or panics while toggling or untoggling
type toggleFailureModule struct {
	singleModule
	toggleErr   error
	untoggleErr error
	panics      bool
	seen        [][]optimizer.Optimizer
}

func (m *toggleFailureModule) ToggleOptimizer(opt optimizer.Optimizer, optimizerIdx int) error {
	m.rec.add("toggle %d", optimizerIdx)
	m.seen = append(m.seen, m.Optimizers())
	if m.panics {
		panic("toggle failed")
	}
	if m.toggleErr != nil {
		return m.toggleErr
	}
	return m.Base.ToggleOptimizer(opt, optimizerIdx)
}

func (m *toggleFailureModule) UntoggleOptimizer(optimizerIdx int) error {
	m.rec.add("untoggle %d", optimizerIdx)
	m.seen = append(m.seen, m.Optimizers())
	if m.untoggleErr != nil {
		return m.untoggleErr
	}
	return m.Base.UntoggleOptimizer(optimizerIdx)
}

func TestTrainBatchReleasesOptimizersOnToggleFailure(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name        string
		toggleErr   error
		untoggleErr error
		want        string
		events      []string
	}{
		{
			name:      "toggle",
			toggleErr: boom,
			want:      "toggle_optimizer(0): boom",
			events:    []string{"toggle 0"},
		},
		{
			name:        "untoggle",
			untoggleErr: boom,
			want:        "untoggle_optimizer(0): boom",
			events:      []string{"toggle 0", "training_step", "backward", "optimizer_step 0", "untoggle 0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			m := &toggleFailureModule{singleModule: *newSingleModule(t, rec), toggleErr: tt.toggleErr, untoggleErr: tt.untoggleErr}
			a, err := New(newFakeContext(rec), m)
			require.NoError(t, err)

			_, err = a.TrainBatch("batch", 0, 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, tt.events, rec.events)

			for _, seen := range m.seen {
				assert.Equal(t, a.Optimizers(), seen)
			}
			assert.Nil(t, m.Optimizers())
		})
	}
}

func TestTrainBatchReleasesOptimizersOnTogglePanic(t *testing.T) {
	rec := &recorder{}
	m := &toggleFailureModule{singleModule: *newSingleModule(t, rec), panics: true}
	a, err := New(newFakeContext(rec), m)
	require.NoError(t, err)

	assert.PanicsWithValue(t, "toggle failed", func() {
		_, _ = a.TrainBatch("batch", 0, 0)
	})
	require.Len(t, m.seen, 1)
	assert.Equal(t, a.Optimizers(), m.seen[0])
	assert.Nil(t, m.Optimizers())
}

func TestNewTrialFactory(t *testing.T) {
	rec := &recorder{}
	factory := NewTrialFactory(func(training.TrialContext) (lightning.Module, error) {
		return newSingleModule(t, rec), nil
	})

	trial, err := factory(newFakeContext(rec))
	require.NoError(t, err)
	assert.IsType(t, &Adapter{}, trial)

	boom := errors.New("boom")
	failing := NewTrialFactory(func(training.TrialContext) (lightning.Module, error) { return nil, boom })
	_, err = failing(newFakeContext(rec))
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "building lightning module")
}
