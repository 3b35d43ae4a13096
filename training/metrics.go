package training

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports training progress to Prometheus.
type Metrics struct {
	Epochs        prometheus.Counter
	Samples       *prometheus.CounterVec
	Loss          *prometheus.GaugeVec
	Accuracy      *prometheus.GaugeVec
	LearningRate  prometheus.Gauge
	BatchDuration prometheus.Histogram
}

// NewMetrics creates the training collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Epochs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "imgtrain",
			Name:      "epochs_total",
			Help:      "Completed training epochs",
		}),
		Samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imgtrain",
			Name:      "samples_total",
			Help:      "Samples processed, by split",
		}, []string{"split"}),
		Loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imgtrain",
			Name:      "loss",
			Help:      "Loss of the last completed epoch, by split",
		}, []string{"split"}),
		Accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imgtrain",
			Name:      "accuracy",
			Help:      "Accuracy of the last completed epoch, by split",
		}, []string{"split"}),
		LearningRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "imgtrain",
			Name:      "learning_rate",
			Help:      "Current optimizer learning rate",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "imgtrain",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of one training step",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Epochs, m.Samples, m.Loss, m.Accuracy, m.LearningRate, m.BatchDuration)
	}
	return m
}

func (m *Metrics) observeBatch(size int, d time.Duration) {
	if m == nil {
		return
	}
	m.Samples.WithLabelValues("train").Add(float64(size))
	m.BatchDuration.Observe(d.Seconds())
}

func (m *Metrics) observeEpoch(s EpochStats, valSamples int, lr float64) {
	if m == nil {
		return
	}
	m.Epochs.Inc()
	m.Samples.WithLabelValues("validation").Add(float64(valSamples))
	m.Loss.WithLabelValues("train").Set(s.Loss)
	m.Loss.WithLabelValues("validation").Set(s.ValLoss)
	m.Accuracy.WithLabelValues("train").Set(s.Accuracy)
	m.Accuracy.WithLabelValues("validation").Set(s.ValAccuracy)
	m.LearningRate.Set(lr)
}
