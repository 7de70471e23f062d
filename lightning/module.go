// Package lightning is the module API that user training code is written
// against: a Module embeds Base, returns its optimizers from
// ConfigureOptimizers and implements whichever optional hooks it needs.
package lightning

import (
	"fmt"

	"github.com/tsawler/go-lightning/optimizer"
	"github.com/tsawler/go-lightning/tensor"
)

// Module is a user-authored training unit.
// Optimizers, ToggleOptimizer and UntoggleOptimizer are supplied by an
// embedded Base; a module may shadow them with its own versions.
type Module interface {
	Parameters() []*tensor.Tensor
	ConfigureOptimizers() (OptimizerConfig, error)
	LightningBase() *Base

	Optimizers() []optimizer.Optimizer
	ToggleOptimizer(opt optimizer.Optimizer, optimizerIdx int) error
	UntoggleOptimizer(optimizerIdx int) error
}

// Trainer is a native training loop a module can be attached to
type Trainer interface {
	Optimizers() []optimizer.Optimizer
}

// DistributedFlags are the legacy per-module distribution switches
type DistributedFlags struct {
	UseDDP  bool
	UseDDP2 bool
	UseDP   bool
	UseTPU  bool
}

// Base carries the mutable state every module exposes to its own code:
// progress counters, rank identity, precision and placement.
type Base struct {
	currentEpoch int
	globalStep   int
	localRank    int
	globalRank   int
	flags        DistributedFlags
	useAMP       bool
	device       tensor.DeviceType
	trainer      Trainer

	scoped            [][]optimizer.Optimizer
	paramRequiresGrad map[*tensor.Tensor]bool
}

// LightningBase returns the embedded state
func (b *Base) LightningBase() *Base {
	return b
}

func (b *Base) CurrentEpoch() int { return b.currentEpoch }

func (b *Base) SetCurrentEpoch(epoch int) { b.currentEpoch = epoch }

func (b *Base) GlobalStep() int { return b.globalStep }

func (b *Base) SetGlobalStep(step int) { b.globalStep = step }

func (b *Base) LocalRank() int { return b.localRank }

func (b *Base) GlobalRank() int { return b.globalRank }

// SetRanks records the process identity within the job
func (b *Base) SetRanks(localRank, globalRank int) {
	b.localRank = localRank
	b.globalRank = globalRank
}

func (b *Base) DistributedFlags() DistributedFlags { return b.flags }

func (b *Base) SetDistributedFlags(flags DistributedFlags) { b.flags = flags }

// ClearDistributedFlags turns every legacy distribution switch off
func (b *Base) ClearDistributedFlags() { b.flags = DistributedFlags{} }

func (b *Base) UseAMP() bool { return b.useAMP }

func (b *Base) SetUseAMP(enabled bool) { b.useAMP = enabled }

func (b *Base) Device() tensor.DeviceType { return b.device }

func (b *Base) SetDevice(device tensor.DeviceType) { b.device = device }

// Trainer returns the native trainer the module is attached to, if any
func (b *Base) Trainer() Trainer { return b.trainer }

// AttachTrainer links the module to a native trainer
func (b *Base) AttachTrainer(t Trainer) { b.trainer = t }

// Optimizers returns the optimizer list visible to module code: the
// innermost scoped override when one is active, otherwise the attached
// trainer's optimizers.
func (b *Base) Optimizers() []optimizer.Optimizer {
	if n := len(b.scoped); n > 0 {
		return b.scoped[n-1]
	}
	if b.trainer != nil {
		return b.trainer.Optimizers()
	}
	return nil
}

// ScopeOptimizers makes opts the result of Optimizers until release is
// called. Scopes nest; release is safe to call more than once.
func (b *Base) ScopeOptimizers(opts []optimizer.Optimizer) (release func()) {
	depth := len(b.scoped)
	scoped := make([]optimizer.Optimizer, len(opts))
	copy(scoped, opts)
	b.scoped = append(b.scoped, scoped)

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if len(b.scoped) > depth {
			b.scoped = b.scoped[:depth]
		}
	}
}

// ToggleOptimizer freezes every parameter owned by the other optimizers so
// only the active optimizer's parameters accumulate gradients. The previous
// requires-grad state is remembered for UntoggleOptimizer.
func (b *Base) ToggleOptimizer(opt optimizer.Optimizer, optimizerIdx int) error {
	opts := b.Optimizers()
	if len(opts) == 0 {
		return fmt.Errorf("toggle_optimizer(%d): no optimizers configured", optimizerIdx)
	}

	state := make(map[*tensor.Tensor]bool)
	for _, o := range opts {
		for _, p := range o.Parameters() {
			if _, seen := state[p]; seen {
				continue
			}
			state[p] = p.RequiresGrad()
			p.SetRequiresGrad(false)
		}
	}

	for _, p := range opt.Parameters() {
		if requires, ok := state[p]; ok {
			p.SetRequiresGrad(requires)
		}
	}

	b.paramRequiresGrad = state
	return nil
}

// UntoggleOptimizer restores the requires-grad state saved by the last
// ToggleOptimizer for every optimizer except optimizerIdx.
func (b *Base) UntoggleOptimizer(optimizerIdx int) error {
	opts := b.Optimizers()
	if len(opts) == 0 {
		return fmt.Errorf("untoggle_optimizer(%d): no optimizers configured", optimizerIdx)
	}

	for i, o := range opts {
		if i == optimizerIdx {
			continue
		}
		for _, p := range o.Parameters() {
			if requires, ok := b.paramRequiresGrad[p]; ok {
				p.SetRequiresGrad(requires)
			}
		}
	}

	b.paramRequiresGrad = nil
	return nil
}
