package lightning

import (
	"sort"
	"strings"
)

// baseSignatures are the parameters each hook accepts in its base definition
var baseSignatures = map[Hook][]string{
	TrainingStep:           {ParamBatch, ParamBatchIdx, ParamOptimizerIdx, ParamHiddens},
	TrainingStepEnd:        {ParamOutputs},
	ValidationStep:         {ParamBatch, ParamBatchIdx},
	ValidationStepEnd:      {ParamOutputs},
	ManualBackward:         {ParamLoss, ParamOptimizer},
	OnTrainBatchStart:      {ParamBatch, ParamBatchIdx, ParamDataloaderIdx},
	OnTrainBatchEnd:        {ParamOutputs, ParamBatch, ParamBatchIdx, ParamDataloaderIdx},
	OnValidationBatchStart: {ParamBatch, ParamBatchIdx, ParamDataloaderIdx},
	OnValidationBatchEnd:   {ParamOutputs, ParamBatch, ParamBatchIdx, ParamDataloaderIdx},
	OnAfterBackward:        {},
	OnBeforeZeroGrad:       {ParamOptimizer},
	OnTrainEpochStart:      {},
	OnTrainEpochEnd:        {ParamOutputs},
	TrainingEpochEnd:       {ParamOutputs},
	OnValidationEpochStart: {},
	OnValidationEpochEnd:   {},
	ValidationEpochEnd:     {ParamOutputs},
}

// HookSet records which hooks a module overrides and the parameters each
// override declares. It is computed once by Inspect.
type HookSet struct {
	params map[Hook][]string
}

// Inspect computes the hook set of m
func Inspect(m Module) HookSet {
	hs := HookSet{params: make(map[Hook][]string)}

	switch m.(type) {
	case TruncatedTrainingStepHook:
		hs.params[TrainingStep] = []string{ParamBatch, ParamBatchIdx, ParamOptimizerIdx, ParamHiddens}
	case MultiOptimizerTrainingStepHook:
		hs.params[TrainingStep] = []string{ParamBatch, ParamBatchIdx, ParamOptimizerIdx}
	case TrainingStepHook:
		hs.params[TrainingStep] = []string{ParamBatch, ParamBatchIdx}
	}

	switch m.(type) {
	case MultiDataloaderValidationStepHook:
		hs.params[ValidationStep] = []string{ParamBatch, ParamBatchIdx, ParamDataloaderIdx}
	case ValidationStepHook:
		hs.params[ValidationStep] = []string{ParamBatch, ParamBatchIdx}
	}

	if _, ok := m.(TrainingStepEndHook); ok {
		hs.params[TrainingStepEnd] = baseSignatures[TrainingStepEnd]
	}
	if _, ok := m.(ValidationStepEndHook); ok {
		hs.params[ValidationStepEnd] = baseSignatures[ValidationStepEnd]
	}
	if _, ok := m.(ManualBackwardHook); ok {
		hs.params[ManualBackward] = baseSignatures[ManualBackward]
	}
	if _, ok := m.(OnTrainBatchStartHook); ok {
		hs.params[OnTrainBatchStart] = baseSignatures[OnTrainBatchStart]
	}
	if _, ok := m.(OnTrainBatchEndHook); ok {
		hs.params[OnTrainBatchEnd] = baseSignatures[OnTrainBatchEnd]
	}
	if _, ok := m.(OnValidationBatchStartHook); ok {
		hs.params[OnValidationBatchStart] = baseSignatures[OnValidationBatchStart]
	}
	if _, ok := m.(OnValidationBatchEndHook); ok {
		hs.params[OnValidationBatchEnd] = baseSignatures[OnValidationBatchEnd]
	}
	if _, ok := m.(OnAfterBackwardHook); ok {
		hs.params[OnAfterBackward] = baseSignatures[OnAfterBackward]
	}
	if _, ok := m.(OnBeforeZeroGradHook); ok {
		hs.params[OnBeforeZeroGrad] = baseSignatures[OnBeforeZeroGrad]
	}
	if _, ok := m.(OnTrainEpochStartHook); ok {
		hs.params[OnTrainEpochStart] = baseSignatures[OnTrainEpochStart]
	}
	if _, ok := m.(OnTrainEpochEndHook); ok {
		hs.params[OnTrainEpochEnd] = baseSignatures[OnTrainEpochEnd]
	}
	if _, ok := m.(TrainingEpochEndHook); ok {
		hs.params[TrainingEpochEnd] = baseSignatures[TrainingEpochEnd]
	}
	if _, ok := m.(OnValidationEpochStartHook); ok {
		hs.params[OnValidationEpochStart] = baseSignatures[OnValidationEpochStart]
	}
	if _, ok := m.(OnValidationEpochEndHook); ok {
		hs.params[OnValidationEpochEnd] = baseSignatures[OnValidationEpochEnd]
	}
	if _, ok := m.(ValidationEpochEndHook); ok {
		hs.params[ValidationEpochEnd] = baseSignatures[ValidationEpochEnd]
	}

	if d, ok := m.(ParamDeclarer); ok {
		for hook, declared := range d.DeclaredParams() {
			current, overridden := hs.params[hook]
			if !overridden {
				// Declarations only describe hooks the module actually implements
				continue
			}
			hs.params[hook] = mergeParams(current, declared)
		}
	}

	return hs
}

func mergeParams(current, declared []string) []string {
	merged := append([]string(nil), current...)
	for _, name := range declared {
		if !contains(merged, name) {
			merged = append(merged, name)
		}
	}
	return merged
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

// Overridden reports whether the module implements hook
func (hs HookSet) Overridden(hook Hook) bool {
	_, ok := hs.params[hook]
	return ok
}

// Params returns the parameters the override of hook declares, in order
func (hs HookSet) Params(hook Hook) []string {
	return append([]string(nil), hs.params[hook]...)
}

// HasParam reports whether the override of hook declares name
func (hs HookSet) HasParam(hook Hook, name string) bool {
	return contains(hs.params[hook], name)
}

// ExtraParams returns the declared parameters of hook that its base
// definition does not accept.
func (hs HookSet) ExtraParams(hook Hook) []string {
	var extra []string
	base := baseSignatures[hook]
	for _, name := range hs.params[hook] {
		if !contains(base, name) {
			extra = append(extra, name)
		}
	}
	return extra
}

// Hooks returns the overridden hooks sorted by name
func (hs HookSet) Hooks() []Hook {
	hooks := make([]Hook, 0, len(hs.params))
	for h := range hs.params {
		hooks = append(hooks, h)
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i] < hooks[j] })
	return hooks
}

func (hs HookSet) String() string {
	names := make([]string, 0, len(hs.params))
	for _, h := range hs.Hooks() {
		names = append(names, string(h))
	}
	return "{" + strings.Join(names, ", ") + "}"
}
