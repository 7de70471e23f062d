package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
)

// EpochSummary holds the reduced metrics of one epoch
type EpochSummary struct {
	Epoch         int
	Batches       int
	Train         Metrics
	Validation    Metrics // nil when validation did not run
	EpochDuration time.Duration
}

// MetricsReporter receives a summary after every epoch
type MetricsReporter interface {
	Report(ctx context.Context, summary EpochSummary) error
}

// LogReporter writes epoch summaries as protobuf JSON through a logger
type LogReporter struct {
	logger  *slog.Logger
	marshal protojson.MarshalOptions
}

// NewLogReporter creates a new LogReporter
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{
		logger:  logger,
		marshal: protojson.MarshalOptions{UseProtoNames: true},
	}
}

func (r *LogReporter) Report(ctx context.Context, summary EpochSummary) error {
	train, err := r.encode(summary.Train)
	if err != nil {
		return err
	}
	attrs := []any{
		"epoch", summary.Epoch,
		"batches", summary.Batches,
		"duration", summary.EpochDuration,
		"train", train,
	}

	if summary.Validation != nil {
		validation, err := r.encode(summary.Validation)
		if err != nil {
			return err
		}
		attrs = append(attrs, "validation", validation)
	}

	r.logger.InfoContext(ctx, "epoch complete", attrs...)
	return nil
}

func (r *LogReporter) encode(m Metrics) (string, error) {
	s, err := m.ToStruct()
	if err != nil {
		return "", err
	}
	b, err := r.marshal.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode metrics: %v", err)
	}
	return string(b), nil
}
