package adapter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-lightning/lightning"
	"github.com/tsawler/go-lightning/optimizer"
	"github.com/tsawler/go-lightning/tensor"
	"github.com/tsawler/go-lightning/training"
)

type recorder struct {
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// fakeContext is a TrialContext that records the harness calls it receives
type fakeContext struct {
	rec *recorder

	models     []training.Model
	optimizers []optimizer.Optimizer
	schedulers []*training.LRScheduler

	dist     training.DistributedContext
	amp      bool
	device   tensor.DeviceType
	batchIdx int
	tracking bool
	epoch    int
}

func newFakeContext(rec *recorder) *fakeContext {
	return &fakeContext{rec: rec, dist: training.SingleProcess()}
}

func (c *fakeContext) WrapModel(m training.Model) { c.models = append(c.models, m) }

func (c *fakeContext) WrapOptimizer(opt optimizer.Optimizer) optimizer.Optimizer {
	c.optimizers = append(c.optimizers, opt)
	return opt
}

func (c *fakeContext) WrapLRScheduler(s *optimizer.LRScheduler, mode training.StepMode) *training.LRScheduler {
	wrapped := training.NewLRScheduler(s, mode)
	c.schedulers = append(c.schedulers, wrapped)
	return wrapped
}

func (c *fakeContext) Backward(loss *tensor.Tensor) error {
	c.rec.add("backward")
	return loss.Backward()
}

func (c *fakeContext) StepOptimizer(opt optimizer.Optimizer, onBeforeZeroGrad func(optimizer.Optimizer) error) error {
	c.rec.add("optimizer_step %d", c.index(opt))
	if err := opt.Step(); err != nil {
		return err
	}
	if onBeforeZeroGrad != nil {
		if err := onBeforeZeroGrad(opt); err != nil {
			return err
		}
	}
	opt.ZeroGrad()
	return nil
}

func (c *fakeContext) index(opt optimizer.Optimizer) int {
	for i, o := range c.optimizers {
		if o == opt {
			return i
		}
	}
	return -1
}

func (c *fakeContext) Distributed() training.DistributedContext { return c.dist }
func (c *fakeContext) MixedPrecision() bool                     { return c.amp }
func (c *fakeContext) Device() tensor.DeviceType                { return c.device }
func (c *fakeContext) CurrentTrainEpoch() int                   { return c.epoch }
func (c *fakeContext) CurrentBatchIdx() (int, bool)             { return c.batchIdx, c.tracking }

func param(t *testing.T, v float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.Parameter([]int{1}, []float32{v})
	require.NoError(t, err)
	return p
}

// singleModule trains one parameter with one optimizer
type singleModule struct {
	lightning.Base
	rec    *recorder
	w      *tensor.Tensor
	result func(w *tensor.Tensor) any
}

func newSingleModule(t *testing.T, rec *recorder) *singleModule {
	return &singleModule{
		rec:    rec,
		w:      param(t, 1),
		result: func(w *tensor.Tensor) any { return tensor.Scale(w, 2) },
	}
}

func (m *singleModule) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.w} }

func (m *singleModule) ConfigureOptimizers() (lightning.OptimizerConfig, error) {
	return lightning.Configure(optimizer.NewSGD(m.Parameters(), optimizer.SGDConfig{LearningRate: 0.5})), nil
}

func (m *singleModule) TrainingStep(batch any, batchIdx int) (any, error) {
	m.rec.add("training_step")
	return m.result(m.w), nil
}

func (m *singleModule) ToggleOptimizer(opt optimizer.Optimizer, optimizerIdx int) error {
	m.rec.add("toggle %d", optimizerIdx)
	return m.Base.ToggleOptimizer(opt, optimizerIdx)
}

func (m *singleModule) UntoggleOptimizer(optimizerIdx int) error {
	m.rec.add("untoggle %d", optimizerIdx)
	return m.Base.UntoggleOptimizer(optimizerIdx)
}

// pairModule trains two parameters with one optimizer each
type pairModule struct {
	lightning.Base
	rec  *recorder
	a, b *tensor.Tensor
	seen [][]optimizer.Optimizer
}

func newPairModule(t *testing.T, rec *recorder) *pairModule {
	return &pairModule{rec: rec, a: param(t, 1), b: param(t, 1)}
}

func (m *pairModule) Parameters() []*tensor.Tensor { return []*tensor.Tensor{m.a, m.b} }

func (m *pairModule) ConfigureOptimizers() (lightning.OptimizerConfig, error) {
	return lightning.Configure(
		optimizer.NewSGD([]*tensor.Tensor{m.a}, optimizer.SGDConfig{LearningRate: 0.5}),
		optimizer.NewSGD([]*tensor.Tensor{m.b}, optimizer.SGDConfig{LearningRate: 0.5}),
	), nil
}

func (m *pairModule) TrainingStep(batch any, batchIdx int, optimizerIdx int) (any, error) {
	m.rec.add("training_step %d", optimizerIdx)
	p := m.a
	if optimizerIdx == 1 {
		p = m.b
	}
	return map[string]any{"loss": tensor.Scale(p, 1), "idx": optimizerIdx}, nil
}

func (m *pairModule) ToggleOptimizer(opt optimizer.Optimizer, optimizerIdx int) error {
	m.rec.add("toggle %d", optimizerIdx)
	m.seen = append(m.seen, m.Optimizers())
	return m.Base.ToggleOptimizer(opt, optimizerIdx)
}

func (m *pairModule) UntoggleOptimizer(optimizerIdx int) error {
	m.rec.add("untoggle %d", optimizerIdx)
	return m.Base.UntoggleOptimizer(optimizerIdx)
}

func (m *pairModule) OnTrainBatchStart(batch any, batchIdx int, dataloaderIdx int) error {
	m.rec.add("on_train_batch_start %d", batchIdx)
	return nil
}

func (m *pairModule) OnTrainBatchEnd(outputs map[string]any, batch any, batchIdx int, dataloaderIdx int) error {
	m.rec.add("on_train_batch_end idx=%v", outputs["idx"])
	return nil
}

func (m *pairModule) OnAfterBackward() error {
	m.rec.add("on_after_backward")
	return nil
}

func (m *pairModule) OnBeforeZeroGrad(opt optimizer.Optimizer) error {
	m.rec.add("on_before_zero_grad")
	return nil
}

// unindexedPairModule has two optimizers but a training step without an
// optimizer index
type unindexedPairModule struct {
	pairModule
}

func (m *unindexedPairModule) TrainingStep(batch any, batchIdx int) (any, error) {
	m.rec.add("training_step")
	return tensor.Scale(m.a, 1), nil
}
