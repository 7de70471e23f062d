package training

import (
	"fmt"

	"github.com/tsawler/go-lightning/optimizer"
)

// StepMode says when the harness steps a wrapped scheduler
type StepMode int

const (
	// StepEveryEpoch steps the scheduler after each training epoch
	StepEveryEpoch StepMode = iota
	// StepEveryBatch steps the scheduler after each training batch
	StepEveryBatch
	// ManualStep leaves stepping to the trial
	ManualStep
)

func (m StepMode) String() string {
	switch m {
	case StepEveryEpoch:
		return "STEP_EVERY_EPOCH"
	case StepEveryBatch:
		return "STEP_EVERY_BATCH"
	case ManualStep:
		return "MANUAL_STEP"
	default:
		return fmt.Sprintf("StepMode(%d)", int(m))
	}
}

// LRScheduler is a scheduler whose stepping the harness owns
type LRScheduler struct {
	scheduler *optimizer.LRScheduler
	mode      StepMode
	monitor   string
	strict    bool
}

// NewLRScheduler wraps s with the given step mode
func NewLRScheduler(s *optimizer.LRScheduler, mode StepMode) *LRScheduler {
	return &LRScheduler{scheduler: s, mode: mode, strict: true}
}

func (s *LRScheduler) StepMode() StepMode { return s.mode }

func (s *LRScheduler) Scheduler() *optimizer.LRScheduler { return s.scheduler }

// SetMonitor names the validation metric fed to a plateau scheduler. With
// strict set, a missing metric fails the step instead of skipping it.
func (s *LRScheduler) SetMonitor(name string, strict bool) {
	s.monitor = name
	s.strict = strict
}

func (s *LRScheduler) Monitor() string { return s.monitor }

// Step advances the schedule. Plateau schedulers read their monitored
// metric from validation, which may be nil when no validation has run yet.
func (s *LRScheduler) Step(validation Metrics) error {
	if !s.scheduler.IsPlateau() {
		s.scheduler.Step()
		return nil
	}

	value, ok := validation.Scalar(s.monitor)
	if !ok {
		if s.strict {
			return fmt.Errorf("%w: %q", ErrMonitorMissing, s.monitor)
		}
		return nil
	}
	return s.scheduler.StepWithMetric(value)
}

// GetLastLR returns the optimizer's current learning rate
func (s *LRScheduler) GetLastLR() float64 {
	return s.scheduler.GetLastLR()
}
