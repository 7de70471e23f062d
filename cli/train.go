package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-lightning/adapter"
	"github.com/tsawler/go-lightning/checkpoints"
	"github.com/tsawler/go-lightning/config"
	"github.com/tsawler/go-lightning/examples/gan"
	"github.com/tsawler/go-lightning/lightning"
	"github.com/tsawler/go-lightning/training"
)

const shutdownTimeout = 5 * time.Second

// RunResult is printed after a training run
type RunResult struct {
	TrialID    string             `json:"trial_id"`
	Epochs     int                `json:"epochs"`
	Train      map[string]float64 `json:"train"`
	Validation map[string]float64 `json:"validation,omitempty"`
	Generator  map[string]float64 `json:"generator"`
	Checkpoint string             `json:"checkpoint,omitempty"`
}

type runOptions struct {
	progress   bool
	checkpoint string
	resume     string
}

// NewTrainCmd trains the GAN example through the lightning adapter
func NewTrainCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "train",
		Short: "Train the example GAN module",
		Long:  `Loads the configuration, adapts the GAN module to the local harness and trains it.`,
		Run: func(cmd *cobra.Command, args []string) {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
				cfg.Metrics.Addr = addr
			}
			var run runOptions
			run.progress, _ = cmd.Flags().GetBool("progress")
			run.checkpoint, _ = cmd.Flags().GetString("checkpoint")
			run.resume, _ = cmd.Flags().GetString("resume")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := configureLogger(cfg.Log, cmd.ErrOrStderr())
			result, err := train(ctx, cfg, logger, run, cmd)
			if err != nil {
				logErrorCmd(*cmd, err)
				return
			}
			logJSONCmd(*cmd, result)
		},
	}

	cmd.Flags().StringP("config", "c", "", "Path to the TOML configuration file")
	cmd.Flags().StringP("metrics-addr", "m", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolP("progress", "p", false, "Draw progress bars")
	cmd.Flags().String("checkpoint", "", "Write a checkpoint here after training (.pb for protobuf, JSON otherwise)")
	cmd.Flags().String("resume", "", "Restore weights and learning rates from this checkpoint before training")

	return &cmd
}

func train(ctx context.Context, cfg *config.Config, logger *slog.Logger, run runOptions, cmd *cobra.Command) (*RunResult, error) {
	device, err := cfg.DeviceType()
	if err != nil {
		return nil, err
	}
	dist, err := training.DistributedContextFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to read distributed context: %w", err)
	}

	lctx := training.NewLocalContext(training.LocalConfig{
		Device:         device,
		MixedPrecision: cfg.Harness.MixedPrecision,
		LossScale:      cfg.Harness.LossScale,
		Distributed:    dist,
	}, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	var module *gan.GAN
	factory := adapter.NewTrialFactory(func(training.TrialContext) (lightning.Module, error) {
		ganConfig := gan.DefaultConfig()
		ganConfig.LearningRate = cfg.Trial.LearningRate
		ganConfig.Seed = cfg.Trial.Seed
		m, err := gan.New(ganConfig, logger)
		module = m
		return m, err
	}, adapter.WithLogger(logger))

	opts := []training.ControllerOption{
		training.WithLogger(logger),
		training.WithInstruments(training.NewInstruments(reg)),
	}
	if run.progress {
		opts = append(opts, training.WithProgress(cmd.ErrOrStderr()))
	}

	controller, err := training.NewTrialController(lctx, factory, training.ControllerConfig{
		Epochs:        cfg.Trial.Epochs,
		ValidateEvery: cfg.Trial.ValidateEvery,
	}, opts...)
	if err != nil {
		return nil, err
	}

	if run.resume != "" {
		checkpoint, err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(run.resume)).LoadCheckpoint(run.resume)
		if err != nil {
			return nil, err
		}
		if err := checkpoints.Restore(checkpoint, lctx); err != nil {
			return nil, fmt.Errorf("failed to restore checkpoint %s: %w", run.resume, err)
		}
		logger.Info("restored checkpoint", slog.String("path", run.resume), slog.Int("epoch", checkpoint.TrainingState.Epoch))
	}

	trainSet, err := gan.NewGaussianDataset(cfg.Trial.Samples, gan.TargetMean, gan.TargetStd, cfg.Trial.Seed)
	if err != nil {
		return nil, err
	}
	var validation *training.DataLoader
	if cfg.Trial.ValidateEvery > 0 {
		validationSet, err := gan.NewGaussianDataset(cfg.Trial.BatchSize, gan.TargetMean, gan.TargetStd, cfg.Trial.Seed+1)
		if err != nil {
			return nil, err
		}
		validation = training.NewDataLoader(validationSet, cfg.Trial.BatchSize, false, cfg.Trial.Seed)
	}

	summaries, err := controller.Run(ctx, training.NewDataLoader(trainSet, cfg.Trial.BatchSize, cfg.Harness.Shuffle, cfg.Trial.Seed), validation)
	if err != nil {
		return nil, err
	}

	scale, shift := module.GeneratorParams()
	result := &RunResult{
		TrialID:   lctx.ID(),
		Epochs:    len(summaries),
		Generator: map[string]float64{"scale": scale, "shift": shift},
	}
	if n := len(summaries); n > 0 {
		last := summaries[n-1]
		result.Train = last.Train.Scalars()
		if last.Validation != nil {
			result.Validation = last.Validation.Scalars()
		}

		if run.checkpoint != "" {
			checkpoint := checkpoints.Capture(lctx, last)
			if err := checkpoints.NewCheckpointSaver(checkpoints.FormatForPath(run.checkpoint)).SaveCheckpoint(checkpoint, run.checkpoint); err != nil {
				return nil, err
			}
			result.Checkpoint = run.checkpoint
		}
	}
	return result, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}
	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}
