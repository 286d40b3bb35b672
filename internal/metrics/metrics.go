// Package metrics exposes the server's Prometheus registry: per-connection
// transport counters (RTO, loss rate, retransmissions, FEC recoveries) and
// fan-out gauges, served over /metrics via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the counters and gauges every connection and the
// fan-out update as they run.
type Registry struct {
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	DatagramsSent      prometheus.Counter
	DatagramsReceived  prometheus.Counter
	Retransmissions    prometheus.Counter
	FecRecoveries      prometheus.Counter
	FramesDropped      prometheus.Counter
	RTOMilliseconds    prometheus.Histogram
	LossRate           prometheus.Histogram
	FanoutSubscribers  prometheus.Gauge
}

// New registers and returns a fresh metric set on its own registry.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	r := &Registry{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_connections_active",
			Help: "Number of currently open transport connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_connections_total",
			Help: "Total transport connections accepted.",
		}),
		DatagramsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_datagrams_sent_total",
			Help: "Total unreliable datagrams sent across all connections.",
		}),
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_datagrams_received_total",
			Help: "Total unreliable datagrams received across all connections.",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_retransmissions_total",
			Help: "Total NACK-driven retransmissions sent.",
		}),
		FecRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_fec_recoveries_total",
			Help: "Total packets recovered via FEC instead of retransmission.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_frames_dropped_total",
			Help: "Total frames dropped for exceeding cap or never completing.",
		}),
		RTOMilliseconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_rto_milliseconds",
			Help:    "Distribution of per-connection retransmission timeout estimates.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		LossRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_loss_rate",
			Help:    "Distribution of per-connection smoothed loss rate estimates.",
			Buckets: prometheus.LinearBuckets(0, 0.05, 20),
		}),
		FanoutSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_fanout_subscribers",
			Help: "Number of subscribers currently registered with the fan-out.",
		}),
	}

	reg.MustRegister(
		r.ConnectionsActive, r.ConnectionsTotal, r.DatagramsSent, r.DatagramsReceived,
		r.Retransmissions, r.FecRecoveries, r.FramesDropped, r.RTOMilliseconds,
		r.LossRate, r.FanoutSubscribers,
	)
	return r, reg
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
