package lightning

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-lightning/optimizer"
)

// Scheduler intervals
const (
	IntervalEpoch = "epoch"
	IntervalStep  = "step"
)

// MisconfigurationError reports an optimizer configuration that cannot be used
type MisconfigurationError struct {
	Reason string
}

func (e *MisconfigurationError) Error() string {
	return "misconfigured optimizers: " + e.Reason
}

func misconfigured(format string, args ...any) error {
	return &MisconfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// SchedulerDescriptor describes how a learning rate scheduler is stepped
type SchedulerDescriptor struct {
	Scheduler       *optimizer.LRScheduler
	Name            string
	Interval        string // IntervalEpoch or IntervalStep
	Frequency       int    // scheduler steps every Frequency intervals
	ReduceOnPlateau bool
	Monitor         string // metric fed to plateau schedulers
	Strict          bool   // fail when Monitor is missing from the metrics
}

// Schedule returns a descriptor for s with the default settings
func Schedule(s *optimizer.LRScheduler) SchedulerDescriptor {
	return SchedulerDescriptor{
		Scheduler: s,
		Interval:  IntervalEpoch,
		Frequency: 1,
		Strict:    true,
	}
}

// OptimizerSpec pairs an optimizer with its own scheduler and step frequency.
// A zero Frequency means every batch.
type OptimizerSpec struct {
	Optimizer optimizer.Optimizer
	Scheduler *SchedulerDescriptor
	Frequency int
}

// OptimizerConfig is what ConfigureOptimizers returns. Schedulers are bare
// schedulers that take default settings; SchedulerDescriptors are used as
// given. Monitor applies to bare plateau schedulers.
type OptimizerConfig struct {
	Optimizers           []OptimizerSpec
	Schedulers           []*optimizer.LRScheduler
	SchedulerDescriptors []SchedulerDescriptor
	Monitor              string
}

// Configure builds a configuration from plain optimizers
func Configure(opts ...optimizer.Optimizer) OptimizerConfig {
	cfg := OptimizerConfig{}
	for _, o := range opts {
		cfg.Optimizers = append(cfg.Optimizers, OptimizerSpec{Optimizer: o})
	}
	return cfg
}

// WithSchedulers adds bare schedulers
func (c OptimizerConfig) WithSchedulers(s ...*optimizer.LRScheduler) OptimizerConfig {
	c.Schedulers = append(append([]*optimizer.LRScheduler(nil), c.Schedulers...), s...)
	return c
}

// WithSchedulerDescriptors adds fully described schedulers
func (c OptimizerConfig) WithSchedulerDescriptors(d ...SchedulerDescriptor) OptimizerConfig {
	c.SchedulerDescriptors = append(append([]SchedulerDescriptor(nil), c.SchedulerDescriptors...), d...)
	return c
}

// OptimizerSetup is the normalized result of ConfigureOptimizers
type OptimizerSetup struct {
	Optimizers  []optimizer.Optimizer
	Schedulers  []SchedulerDescriptor
	Frequencies []int
}

// InitOptimizers calls m.ConfigureOptimizers and normalizes the result
func InitOptimizers(m Module) (OptimizerSetup, error) {
	cfg, err := m.ConfigureOptimizers()
	if err != nil {
		return OptimizerSetup{}, errors.Wrap(err, "configure_optimizers")
	}
	if len(cfg.Optimizers) == 0 {
		return OptimizerSetup{}, misconfigured("configure_optimizers returned no optimizers")
	}

	var setup OptimizerSetup
	var descriptors []SchedulerDescriptor

	for i, spec := range cfg.Optimizers {
		if spec.Optimizer == nil {
			return OptimizerSetup{}, misconfigured("optimizer %d is nil", i)
		}
		freq := spec.Frequency
		if freq == 0 {
			freq = 1
		}
		setup.Optimizers = append(setup.Optimizers, spec.Optimizer)
		setup.Frequencies = append(setup.Frequencies, freq)
		if spec.Scheduler != nil {
			descriptors = append(descriptors, *spec.Scheduler)
		}
	}

	for _, s := range cfg.Schedulers {
		d := Schedule(s)
		if s != nil && s.IsPlateau() {
			d.Monitor = cfg.Monitor
		}
		descriptors = append(descriptors, d)
	}
	descriptors = append(descriptors, cfg.SchedulerDescriptors...)

	for i, d := range descriptors {
		normalized, err := normalizeScheduler(i, d, setup.Optimizers)
		if err != nil {
			return OptimizerSetup{}, err
		}
		setup.Schedulers = append(setup.Schedulers, normalized)
	}

	return setup, nil
}

func normalizeScheduler(i int, d SchedulerDescriptor, opts []optimizer.Optimizer) (SchedulerDescriptor, error) {
	if d.Scheduler == nil {
		return d, misconfigured("scheduler %d is nil", i)
	}
	if d.Interval == "" {
		d.Interval = IntervalEpoch
	}
	if d.Interval != IntervalEpoch && d.Interval != IntervalStep {
		return d, misconfigured("scheduler %d has interval %q, expected %q or %q", i, d.Interval, IntervalEpoch, IntervalStep)
	}
	if d.Frequency < 0 {
		return d, misconfigured("scheduler %d has negative frequency %d", i, d.Frequency)
	}
	if d.Frequency == 0 {
		d.Frequency = 1
	}
	if d.Scheduler.IsPlateau() {
		d.ReduceOnPlateau = true
	}
	if d.ReduceOnPlateau && d.Monitor == "" {
		return d, misconfigured("scheduler %d reduces on plateau but has no monitor", i)
	}

	owned := false
	for _, o := range opts {
		if o == d.Scheduler.Optimizer() {
			owned = true
			break
		}
	}
	if !owned {
		return d, misconfigured("scheduler %d drives an optimizer not returned by configure_optimizers", i)
	}

	return d, nil
}
