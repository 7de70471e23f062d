package lightning

import (
	"github.com/tsawler/go-lightning/optimizer"
	"github.com/tsawler/go-lightning/tensor"
)

// Hook names a lifecycle method a module may override
type Hook string

const (
	TrainingStep           Hook = "training_step"
	TrainingStepEnd        Hook = "training_step_end"
	ValidationStep         Hook = "validation_step"
	ValidationStepEnd      Hook = "validation_step_end"
	ManualBackward         Hook = "manual_backward"
	OnTrainBatchStart      Hook = "on_train_batch_start"
	OnTrainBatchEnd        Hook = "on_train_batch_end"
	OnValidationBatchStart Hook = "on_validation_batch_start"
	OnValidationBatchEnd   Hook = "on_validation_batch_end"
	OnAfterBackward        Hook = "on_after_backward"
	OnBeforeZeroGrad       Hook = "on_before_zero_grad"
	OnTrainEpochStart      Hook = "on_train_epoch_start"
	OnTrainEpochEnd        Hook = "on_train_epoch_end"
	TrainingEpochEnd       Hook = "training_epoch_end"
	OnValidationEpochStart Hook = "on_validation_epoch_start"
	OnValidationEpochEnd   Hook = "on_validation_epoch_end"
	ValidationEpochEnd     Hook = "validation_epoch_end"
)

// Parameter names used in hook signatures
const (
	ParamBatch         = "batch"
	ParamBatchIdx      = "batch_idx"
	ParamOptimizerIdx  = "optimizer_idx"
	ParamDataloaderIdx = "dataloader_idx"
	ParamHiddens       = "hiddens"
	ParamOutputs       = "outputs"
	ParamOptimizer     = "optimizer"
	ParamLoss          = "loss"
)

// TrainingStepHook computes the loss for one batch with a single optimizer.
// The result is nil (skip), a *tensor.Tensor (the loss), or a map keyed by
// string whose "loss" entry is a *tensor.Tensor.
type TrainingStepHook interface {
	TrainingStep(batch any, batchIdx int) (any, error)
}

// MultiOptimizerTrainingStepHook is the training step of a module that
// configures several optimizers; it is called once per optimizer.
type MultiOptimizerTrainingStepHook interface {
	TrainingStep(batch any, batchIdx int, optimizerIdx int) (any, error)
}

// TruncatedTrainingStepHook carries hidden state across truncated
// sequence segments.
type TruncatedTrainingStepHook interface {
	TrainingStep(batch any, batchIdx int, optimizerIdx int, hiddens any) (any, error)
}

type ValidationStepHook interface {
	ValidationStep(batch any, batchIdx int) (any, error)
}

// MultiDataloaderValidationStepHook receives the index of the validation
// dataloader the batch came from.
type MultiDataloaderValidationStepHook interface {
	ValidationStep(batch any, batchIdx int, dataloaderIdx int) (any, error)
}

type TrainingStepEndHook interface {
	TrainingStepEnd(outputs any) (any, error)
}

type ValidationStepEndHook interface {
	ValidationStepEnd(outputs any) (any, error)
}

type ManualBackwardHook interface {
	ManualBackward(loss *tensor.Tensor, opt optimizer.Optimizer) error
}

type OnTrainBatchStartHook interface {
	OnTrainBatchStart(batch any, batchIdx int, dataloaderIdx int) error
}

type OnTrainBatchEndHook interface {
	OnTrainBatchEnd(outputs map[string]any, batch any, batchIdx int, dataloaderIdx int) error
}

type OnValidationBatchStartHook interface {
	OnValidationBatchStart(batch any, batchIdx int, dataloaderIdx int) error
}

type OnValidationBatchEndHook interface {
	OnValidationBatchEnd(outputs any, batch any, batchIdx int, dataloaderIdx int) error
}

// OnAfterBackwardHook runs after gradients are computed and before the
// optimizer steps.
type OnAfterBackwardHook interface {
	OnAfterBackward() error
}

// OnBeforeZeroGradHook runs after the optimizer step, right before the
// optimizer's gradients are cleared.
type OnBeforeZeroGradHook interface {
	OnBeforeZeroGrad(opt optimizer.Optimizer) error
}

type OnTrainEpochStartHook interface {
	OnTrainEpochStart() error
}

type OnTrainEpochEndHook interface {
	OnTrainEpochEnd(outputs []map[string]any) error
}

type TrainingEpochEndHook interface {
	TrainingEpochEnd(outputs []map[string]any) error
}

type OnValidationEpochStartHook interface {
	OnValidationEpochStart() error
}

type OnValidationEpochEndHook interface {
	OnValidationEpochEnd() error
}

type ValidationEpochEndHook interface {
	ValidationEpochEnd(outputs []map[string]any) error
}

// ParamDeclarer lets a module state hook parameter lists explicitly. Declared
// names are merged into the ones implied by the hook interfaces.
type ParamDeclarer interface {
	DeclaredParams() map[Hook][]string
}
