package adapter

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-lightning/lightning"
	"github.com/tsawler/go-lightning/training"
)

// CallbackName is the key the module's epoch hooks are registered under
const CallbackName = "_lightning_module"

// BuildCallbacks returns the callback that forwards epoch events to the
// module. Each call returns a fresh, equivalent bundle.
func (a *Adapter) BuildCallbacks() map[string]training.Callback {
	return map[string]training.Callback{
		CallbackName: &moduleCallback{ctx: a.ctx, module: a.module},
	}
}

type moduleCallback struct {
	ctx    training.TrialContext
	module lightning.Module
}

func (c *moduleCallback) OnTrainEpochStart() error {
	if _, started := c.ctx.CurrentBatchIdx(); started {
		c.module.LightningBase().SetCurrentEpoch(c.ctx.CurrentTrainEpoch())
	}
	if h, ok := c.module.(lightning.OnTrainEpochStartHook); ok {
		return errors.Wrap(h.OnTrainEpochStart(), string(lightning.OnTrainEpochStart))
	}
	return nil
}

func (c *moduleCallback) OnTrainEpochEnd(outputs []training.Metrics) error {
	raw := rawOutputs(outputs)
	if h, ok := c.module.(lightning.OnTrainEpochEndHook); ok {
		if err := h.OnTrainEpochEnd(raw); err != nil {
			return errors.Wrap(err, string(lightning.OnTrainEpochEnd))
		}
	}
	if h, ok := c.module.(lightning.TrainingEpochEndHook); ok {
		if err := h.TrainingEpochEnd(raw); err != nil {
			return errors.Wrap(err, string(lightning.TrainingEpochEnd))
		}
	}
	return nil
}

func (c *moduleCallback) OnValidationEpochStart() error {
	if h, ok := c.module.(lightning.OnValidationEpochStartHook); ok {
		return errors.Wrap(h.OnValidationEpochStart(), string(lightning.OnValidationEpochStart))
	}
	return nil
}

func (c *moduleCallback) OnValidationEpochEnd(outputs []training.Metrics) error {
	if h, ok := c.module.(lightning.OnValidationEpochEndHook); ok {
		if err := h.OnValidationEpochEnd(); err != nil {
			return errors.Wrap(err, string(lightning.OnValidationEpochEnd))
		}
	}
	if h, ok := c.module.(lightning.ValidationEpochEndHook); ok {
		if err := h.ValidationEpochEnd(rawOutputs(outputs)); err != nil {
			return errors.Wrap(err, string(lightning.ValidationEpochEnd))
		}
	}
	return nil
}

func rawOutputs(outputs []training.Metrics) []map[string]any {
	raw := make([]map[string]any, len(outputs))
	for i, m := range outputs {
		raw[i] = m
	}
	return raw
}
