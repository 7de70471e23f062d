// Package adapter runs a lightning.Module inside the training harness. It
// checks the module once, hands its optimizers and schedulers to the
// harness, and calls the module's hooks in the order its own trainer would.
package adapter

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-lightning/lightning"
)

// unsupportedHooks split or bypass the step/backward boundary the adapter owns
var unsupportedHooks = []lightning.Hook{
	lightning.ManualBackward,
	lightning.TrainingStepEnd,
	lightning.ValidationStepEnd,
}

// CheckCompatibility reports whether m can be driven by the adapter. It
// never mutates m.
func CheckCompatibility(m lightning.Module) error {
	return checkHooks(m, lightning.Inspect(m))
}

func checkHooks(m lightning.Module, hooks lightning.HookSet) error {
	var matches []string
	for _, h := range unsupportedHooks {
		if hooks.Overridden(h) {
			matches = append(matches, string(h))
		}
	}
	if len(matches) > 0 {
		return &IncompatibleModuleError{
			Reasons: []string{fmt.Sprintf("{%s}", strings.Join(matches, ", "))},
		}
	}

	for _, h := range hooks.Hooks() {
		for _, p := range hooks.ExtraParams(h) {
			if p == lightning.ParamDataloaderIdx {
				return &IncompatibleModuleError{
					Reasons: []string{fmt.Sprintf("multiple dataloaders and `%s` are not supported in %q", p, h)},
				}
			}
		}
	}

	if hooks.HasParam(lightning.TrainingStep, lightning.ParamHiddens) || len(hooks.Params(lightning.TrainingStep)) >= 4 {
		return &IncompatibleModuleError{
			Reasons: []string{fmt.Sprintf("`%s` argument in %q", lightning.ParamHiddens, lightning.TrainingStep)},
		}
	}

	if m.LightningBase().Trainer() != nil {
		return &IncompatibleModuleError{Reasons: []string{"module is attached to a lightning trainer"}}
	}

	return nil
}
