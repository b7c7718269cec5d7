package replication

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Sent    *prometheus.CounterVec
	Errors  *prometheus.CounterVec
	Lagging prometheus.Gauge
	Peers   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer, mode Mode) *Metrics {
	labels := prometheus.Labels{"mode": mode.String()}
	m := &Metrics{
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantaledger", Subsystem: "replication", Name: "items_sent_total",
			Help: "Quanta or signatures sent to peers.", ConstLabels: labels,
		}, []string{"peer"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantaledger", Subsystem: "replication", Name: "send_errors_total",
			Help: "Failed sends to peers.", ConstLabels: labels,
		}, []string{"peer"}),
		Lagging: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quantaledger", Subsystem: "replication", Name: "lagging_peers",
			Help: "Peers demoted for falling behind.", ConstLabels: labels,
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "quantaledger", Subsystem: "replication", Name: "peers",
			Help: "Peers with a running worker.", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Sent, m.Errors, m.Lagging, m.Peers)
	}
	return m
}
