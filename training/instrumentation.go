package training

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Training phases used as metric labels
const (
	PhaseTrain      = "train"
	PhaseValidation = "validation"
)

// Instruments are the Prometheus collectors a TrialController updates
type Instruments struct {
	BatchTotal    *prometheus.CounterVec
	EpochTotal    *prometheus.CounterVec
	BatchDuration *prometheus.HistogramVec
	MetricValue   *prometheus.GaugeVec
	LearningRate  *prometheus.GaugeVec
}

// NewInstruments registers the training collectors with reg
func NewInstruments(reg prometheus.Registerer) *Instruments {
	factory := promauto.With(reg)
	return &Instruments{
		BatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lightning_batch_total",
				Help: "Total number of batches processed",
			},
			[]string{"trial_id", "phase"},
		),
		EpochTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lightning_epoch_total",
				Help: "Total number of epochs completed",
			},
			[]string{"trial_id", "phase"},
		),
		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lightning_batch_duration_seconds",
				Help:    "Batch execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
			},
			[]string{"trial_id", "phase"},
		),
		MetricValue: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lightning_epoch_metric",
				Help: "Reduced metric value of the last epoch",
			},
			[]string{"trial_id", "phase", "name"},
		),
		LearningRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lightning_learning_rate",
				Help: "Current learning rate per optimizer",
			},
			[]string{"trial_id", "optimizer"},
		),
	}
}

func (in *Instruments) observeBatch(trialID, phase string, d time.Duration) {
	if in == nil {
		return
	}
	in.BatchTotal.WithLabelValues(trialID, phase).Inc()
	in.BatchDuration.WithLabelValues(trialID, phase).Observe(d.Seconds())
}

func (in *Instruments) observeEpoch(trialID, phase string, m Metrics) {
	if in == nil {
		return
	}
	in.EpochTotal.WithLabelValues(trialID, phase).Inc()
	for name, v := range m.Scalars() {
		in.MetricValue.WithLabelValues(trialID, phase, name).Set(v)
	}
}

func (in *Instruments) observeLR(trialID, optimizer string, lr float64) {
	if in == nil {
		return
	}
	in.LearningRate.WithLabelValues(trialID, optimizer).Set(lr)
}
