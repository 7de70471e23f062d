package training

import "errors"

var (
	// ErrMonitorMissing is returned when a plateau scheduler's metric was not reported
	ErrMonitorMissing = errors.New("monitored metric not found")
	// ErrNoTrainingData is returned when the controller has nothing to train on
	ErrNoTrainingData = errors.New("training data loader is empty")
	// ErrNilLoss is returned by Backward when no loss tensor is given
	ErrNilLoss = errors.New("loss tensor is nil")
	// ErrUnknownOptimizer is returned when stepping an optimizer the context never wrapped
	ErrUnknownOptimizer = errors.New("optimizer was not wrapped by this context")
)
