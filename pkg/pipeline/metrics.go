package pipeline

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Processed      prometheus.Counter
	Rejected       *prometheus.CounterVec
	Confirmed      prometheus.Counter
	QueueDepth     prometheus.Gauge
	ThrottleRate   prometheus.Gauge
	ProcessSeconds prometheus.Histogram
}

// NewMetrics creates the pipeline collectors and registers them with reg
// when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantaledger", Subsystem: "pipeline", Name: "quanta_processed_total",
			Help: "Quanta appended to the log.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantaledger", Subsystem: "pipeline", Name: "rejected_total",
			Help: "Items rejected before getting an apex, by status.",
		}, []string{"status"}),
		Confirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantaledger", Subsystem: "pipeline", Name: "quanta_confirmed_total",
			Help: "Quanta that reached a signature quorum.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quantaledger", Subsystem: "pipeline", Name: "queue_depth",
			Help: "Items waiting for the writer.",
		}),
		ThrottleRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quantaledger", Subsystem: "pipeline", Name: "throttle_rate",
			Help: "Target items per second, 0 when not throttled.",
		}),
		ProcessSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quantaledger", Subsystem: "pipeline", Name: "process_seconds",
			Help:    "Time from enqueue to result.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Processed, m.Rejected, m.Confirmed, m.QueueDepth, m.ThrottleRate, m.ProcessSeconds)
	}
	return m
}
