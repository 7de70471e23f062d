package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tsawler/go-lightning/training"

// ControllerConfig holds configuration for a training run
type ControllerConfig struct {
	Epochs        int
	ValidateEvery int // Run validation every N epochs (0 = no validation)
}

// ControllerOption configures a TrialController
type ControllerOption func(*TrialController)

// WithLogger sets the controller's logger
func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *TrialController) { c.logger = logger }
}

// WithReporter sets where epoch summaries are sent
func WithReporter(r MetricsReporter) ControllerOption {
	return func(c *TrialController) { c.reporter = r }
}

// WithInstruments enables Prometheus instrumentation
func WithInstruments(in *Instruments) ControllerOption {
	return func(c *TrialController) { c.instruments = in }
}

// WithTracer overrides the OpenTelemetry tracer
func WithTracer(t trace.Tracer) ControllerOption {
	return func(c *TrialController) { c.tracer = t }
}

// WithProgress draws progress bars to out
func WithProgress(out io.Writer) ControllerOption {
	return func(c *TrialController) { c.progress = out }
}

// TrialController drives a trial through epochs of training and validation
type TrialController struct {
	context     *LocalContext
	trial       Trial
	config      ControllerConfig
	logger      *slog.Logger
	reporter    MetricsReporter
	instruments *Instruments
	tracer      trace.Tracer
	progress    io.Writer
	summaries   []EpochSummary
}

// NewTrialController builds the trial from factory and prepares a controller
func NewTrialController(lctx *LocalContext, factory TrialFactory, config ControllerConfig, opts ...ControllerOption) (*TrialController, error) {
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}

	c := &TrialController{
		context: lctx,
		config:  config,
		logger:  slog.New(slog.DiscardHandler),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.reporter == nil {
		c.reporter = NewLogReporter(c.logger)
	}

	trial, err := factory(lctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build trial: %w", err)
	}
	c.trial = trial
	return c, nil
}

// Trial returns the trial being driven
func (c *TrialController) Trial() Trial {
	return c.trial
}

// Summaries returns the summaries of completed epochs
func (c *TrialController) Summaries() []EpochSummary {
	return c.summaries
}

type namedCallback struct {
	name string
	Callback
}

// callbacks returns the trial's callbacks ordered by name
func (c *TrialController) callbacks() []namedCallback {
	built := c.trial.BuildCallbacks()
	names := make([]string, 0, len(built))
	for name := range built {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]namedCallback, 0, len(names))
	for _, name := range names {
		out = append(out, namedCallback{name: name, Callback: built[name]})
	}
	return out
}

// Run trains for the configured number of epochs. validation may be nil.
func (c *TrialController) Run(ctx context.Context, train, validation *DataLoader) ([]EpochSummary, error) {
	epochLen := train.Len()
	if epochLen == 0 {
		return nil, ErrNoTrainingData
	}
	c.context.SetEpochLength(epochLen)

	callbacks := c.callbacks()
	c.logger.Info("starting training",
		"trial_id", c.context.ID(),
		"epochs", c.config.Epochs,
		"batches_per_epoch", epochLen,
		"device", c.context.Device().String(),
	)

	var lastValidation Metrics
	for epoch := 0; epoch < c.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return c.summaries, err
		}

		summary, err := c.runEpoch(ctx, epoch, callbacks, train, lastValidation)
		if err != nil {
			return c.summaries, fmt.Errorf("training epoch %d failed: %w", epoch, err)
		}

		if validation != nil && c.config.ValidateEvery > 0 && (epoch+1)%c.config.ValidateEvery == 0 {
			metrics, err := c.runValidation(ctx, epoch, callbacks, validation)
			if err != nil {
				return c.summaries, fmt.Errorf("validation epoch %d failed: %w", epoch, err)
			}
			summary.Validation = metrics
			lastValidation = metrics
		}

		if err := c.stepSchedulers(StepEveryEpoch, summary.Validation); err != nil {
			return c.summaries, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		c.recordLearningRates()

		c.summaries = append(c.summaries, summary)
		if err := c.reporter.Report(ctx, summary); err != nil {
			return c.summaries, fmt.Errorf("failed to report epoch %d: %w", epoch, err)
		}
	}

	return c.summaries, nil
}

// runEpoch runs one training epoch
func (c *TrialController) runEpoch(ctx context.Context, epoch int, callbacks []namedCallback, loader *DataLoader, lastValidation Metrics) (EpochSummary, error) {
	ctx, span := c.tracer.Start(ctx, "lightning.train_epoch",
		trace.WithAttributes(
			attribute.String("lightning.trial_id", c.context.ID()),
			attribute.Int("lightning.epoch", epoch),
		),
	)
	defer span.End()

	epochStart := time.Now()
	batches, err := loader.Batches()
	if err != nil {
		return EpochSummary{}, failSpan(span, err)
	}

	var bar *ProgressBar
	if c.progress != nil {
		bar = NewProgressBar(c.progress, fmt.Sprintf("Epoch %d/%d (Training)", epoch+1, c.config.Epochs), len(batches))
	}

	epochLen := loader.Len()
	outputs := make([]Metrics, 0, len(batches))

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return EpochSummary{}, failSpan(span, err)
		}

		batchIdx := epoch*epochLen + i
		c.context.SetBatchIdx(batchIdx)

		if i == 0 {
			for _, cb := range callbacks {
				if err := cb.OnTrainEpochStart(); err != nil {
					return EpochSummary{}, failSpan(span, fmt.Errorf("callback %q on_train_epoch_start: %w", cb.name, err))
				}
			}
		}

		batchStart := time.Now()
		metrics, err := c.trial.TrainBatch(batch, epoch, batchIdx)
		if err != nil {
			return EpochSummary{}, failSpan(span, fmt.Errorf("batch %d: %w", batchIdx, err))
		}
		c.instruments.observeBatch(c.context.ID(), PhaseTrain, time.Since(batchStart))
		outputs = append(outputs, metrics)

		if err := c.stepSchedulers(StepEveryBatch, lastValidation); err != nil {
			return EpochSummary{}, failSpan(span, fmt.Errorf("batch %d: %w", batchIdx, err))
		}

		if bar != nil {
			bar.Update(i+1, metrics.Scalars())
		}
	}
	if bar != nil {
		bar.Finish()
	}

	for _, cb := range callbacks {
		if err := cb.OnTrainEpochEnd(outputs); err != nil {
			return EpochSummary{}, failSpan(span, fmt.Errorf("callback %q on_train_epoch_end: %w", cb.name, err))
		}
	}

	reduced := ReduceMetrics(outputs)
	c.instruments.observeEpoch(c.context.ID(), PhaseTrain, reduced)

	return EpochSummary{
		Epoch:         epoch,
		Batches:       len(batches),
		Train:         reduced,
		EpochDuration: time.Since(epochStart),
	}, nil
}

// runValidation evaluates every validation batch
func (c *TrialController) runValidation(ctx context.Context, epoch int, callbacks []namedCallback, loader *DataLoader) (Metrics, error) {
	ctx, span := c.tracer.Start(ctx, "lightning.validation",
		trace.WithAttributes(
			attribute.String("lightning.trial_id", c.context.ID()),
			attribute.Int("lightning.epoch", epoch),
		),
	)
	defer span.End()

	batches, err := loader.Batches()
	if err != nil {
		return nil, failSpan(span, err)
	}

	for _, cb := range callbacks {
		if err := cb.OnValidationEpochStart(); err != nil {
			return nil, failSpan(span, fmt.Errorf("callback %q on_validation_epoch_start: %w", cb.name, err))
		}
	}

	var bar *ProgressBar
	if c.progress != nil {
		bar = NewProgressBar(c.progress, fmt.Sprintf("Epoch %d/%d (Validation)", epoch+1, c.config.Epochs), len(batches))
	}

	outputs := make([]Metrics, 0, len(batches))
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, failSpan(span, err)
		}

		batchStart := time.Now()
		metrics, err := c.trial.EvaluateBatch(batch, i)
		if err != nil {
			return nil, failSpan(span, fmt.Errorf("validation batch %d: %w", i, err))
		}
		c.instruments.observeBatch(c.context.ID(), PhaseValidation, time.Since(batchStart))
		outputs = append(outputs, metrics)

		if bar != nil {
			bar.Update(i+1, metrics.Scalars())
		}
	}
	if bar != nil {
		bar.Finish()
	}

	for _, cb := range callbacks {
		if err := cb.OnValidationEpochEnd(outputs); err != nil {
			return nil, failSpan(span, fmt.Errorf("callback %q on_validation_epoch_end: %w", cb.name, err))
		}
	}

	reduced := ReduceMetrics(outputs)
	c.instruments.observeEpoch(c.context.ID(), PhaseValidation, reduced)
	return reduced, nil
}

// stepSchedulers steps every wrapped scheduler registered with mode.
// Plateau schedulers wait until validation metrics exist.
func (c *TrialController) stepSchedulers(mode StepMode, validation Metrics) error {
	for i, s := range c.context.LRSchedulers() {
		if s.StepMode() != mode {
			continue
		}
		if s.Scheduler().IsPlateau() && validation == nil {
			continue
		}
		if err := s.Step(validation); err != nil {
			return fmt.Errorf("lr scheduler %d: %w", i, err)
		}
	}
	return nil
}

func (c *TrialController) recordLearningRates() {
	for i, opt := range c.context.Optimizers() {
		name := fmt.Sprintf("%d_%s", i, opt.Name())
		c.instruments.observeLR(c.context.ID(), name, opt.GetLR())
		c.logger.Debug("learning rate", "optimizer", name, "lr", opt.GetLR())
	}
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
