package training

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tsawler/go-lightning/optimizer"
	"github.com/tsawler/go-lightning/tensor"
)

// DefaultLossScale is the static loss scale used under mixed precision
const DefaultLossScale = 1024.0

// LocalConfig configures a LocalContext
type LocalConfig struct {
	Device         tensor.DeviceType
	MixedPrecision bool
	LossScale      float64 // 0 means DefaultLossScale
	EpochLength    int     // batches per epoch, used by CurrentTrainEpoch
	Distributed    DistributedContext
}

// LocalContext is a TrialContext for a single process
type LocalContext struct {
	id     string
	config LocalConfig
	logger *slog.Logger

	models     []Model
	optimizers []optimizer.Optimizer
	schedulers []*LRScheduler

	batchIdx      int
	batchTracking bool

	mutex sync.Mutex
}

// NewLocalContext creates a new LocalContext
func NewLocalContext(config LocalConfig, logger *slog.Logger) *LocalContext {
	if config.Distributed == nil {
		config.Distributed = SingleProcess()
	}
	if config.LossScale <= 0 {
		config.LossScale = DefaultLossScale
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	id := uuid.NewString()
	return &LocalContext{
		id:     id,
		config: config,
		logger: logger.With("trial_id", id),
	}
}

// ID returns the identifier of this trial run
func (c *LocalContext) ID() string {
	return c.id
}

func (c *LocalContext) WrapModel(m Model) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.models = append(c.models, m)
	c.logger.Debug("wrapped model", "parameters", len(m.Parameters()))
}

func (c *LocalContext) WrapOptimizer(opt optimizer.Optimizer) optimizer.Optimizer {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.optimizers = append(c.optimizers, opt)
	c.logger.Debug("wrapped optimizer", "index", len(c.optimizers)-1, "name", opt.Name())
	return opt
}

func (c *LocalContext) WrapLRScheduler(s *optimizer.LRScheduler, mode StepMode) *LRScheduler {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	wrapped := NewLRScheduler(s, mode)
	c.schedulers = append(c.schedulers, wrapped)
	c.logger.Debug("wrapped lr scheduler", "policy", s.Policy().GetName(), "mode", mode.String())
	return wrapped
}

// Models returns the wrapped models in registration order
func (c *LocalContext) Models() []Model {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Model(nil), c.models...)
}

// Optimizers returns the wrapped optimizers in registration order
func (c *LocalContext) Optimizers() []optimizer.Optimizer {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]optimizer.Optimizer(nil), c.optimizers...)
}

// LRSchedulers returns the wrapped schedulers in registration order
func (c *LocalContext) LRSchedulers() []*LRScheduler {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]*LRScheduler(nil), c.schedulers...)
}

// Backward computes gradients of loss, scaled under mixed precision
func (c *LocalContext) Backward(loss *tensor.Tensor) error {
	if loss == nil {
		return ErrNilLoss
	}
	if c.config.MixedPrecision {
		loss = tensor.Scale(loss, c.config.LossScale)
	}
	if err := loss.Backward(); err != nil {
		return fmt.Errorf("backward pass failed: %w", err)
	}
	return nil
}

// StepOptimizer runs Step, then onBeforeZeroGrad, then ZeroGrad
func (c *LocalContext) StepOptimizer(opt optimizer.Optimizer, onBeforeZeroGrad func(optimizer.Optimizer) error) error {
	if !c.wrapped(opt) {
		return ErrUnknownOptimizer
	}

	if c.config.MixedPrecision {
		unscale(opt.Parameters(), 1/c.config.LossScale)
	}

	if err := opt.Step(); err != nil {
		return fmt.Errorf("optimizer step failed: %w", err)
	}

	if onBeforeZeroGrad != nil {
		if err := onBeforeZeroGrad(opt); err != nil {
			return err
		}
	}

	opt.ZeroGrad()
	return nil
}

func (c *LocalContext) wrapped(opt optimizer.Optimizer) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, o := range c.optimizers {
		if o == opt {
			return true
		}
	}
	return false
}

func unscale(params []*tensor.Tensor, factor float64) {
	for _, p := range params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		for i := range grad.Data {
			grad.Data[i] *= float32(factor)
		}
	}
}

func (c *LocalContext) Distributed() DistributedContext {
	return c.config.Distributed
}

func (c *LocalContext) MixedPrecision() bool {
	return c.config.MixedPrecision
}

func (c *LocalContext) Device() tensor.DeviceType {
	return c.config.Device
}

// SetEpochLength sets the number of batches per epoch
func (c *LocalContext) SetEpochLength(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.config.EpochLength = n
}

// SetBatchIdx records the global index of the batch about to be trained
func (c *LocalContext) SetBatchIdx(batchIdx int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.batchIdx = batchIdx
	c.batchTracking = true
}

func (c *LocalContext) CurrentBatchIdx() (int, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.batchIdx, c.batchTracking
}

func (c *LocalContext) CurrentTrainEpoch() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.config.EpochLength <= 0 {
		return 0
	}
	return c.batchIdx / c.config.EpochLength
}
