// Package metrics defines the Prometheus collectors of the workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bgp_guard"

// Update outcomes.
const (
	OutcomeBuffered   = "buffered"
	OutcomeDuplicate  = "duplicate"
	OutcomeOutOfScope = "out_of_scope"
	OutcomeInvalid    = "invalid"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	Updates            *prometheus.CounterVec
	Messages           *prometheus.CounterVec
	HandlerErrors      *prometheus.CounterVec
	FlushRows          *prometheus.CounterVec
	FlushFailures      *prometheus.CounterVec
	FlushDuration      prometheus.Histogram
	HijacksWithdrawn   prometheus.Counter
	Rekeys             prometheus.Counter
	Mitigations        *prometheus.CounterVec
	ConfiguredPrefixes prometheus.Gauge
	MonitoredPrefixes  prometheus.Gauge
	MonitorPeers       prometheus.Gauge
	ConfigVersion      prometheus.Gauge
	BuildInfo          *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Route events received, by outcome.",
		}, []string{"outcome"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Bus messages handled, by topic.",
		}, []string{"topic"}),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Bus messages whose handler failed, by topic.",
		}, []string{"topic"}),
		FlushRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_rows_total",
			Help:      "Rows affected by flush stages.",
		}, []string{"stage"}),
		FlushFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Failed flush stages.",
		}, []string{"stage"}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of a full flush.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		HijacksWithdrawn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hijacks_withdrawn_total",
			Help:      "Hijacks ended by a full peer withdrawal.",
		}),
		Rekeys: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rekeys_total",
			Help:      "Hijack notifications for unknown persistent keys.",
		}),
		Mitigations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mitigations_total",
			Help:      "Mitigation requests, by result.",
		}, []string{"result"}),
		ConfiguredPrefixes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "configured_prefixes",
			Help:      "Prefixes covered by the configuration.",
		}),
		MonitoredPrefixes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_prefixes",
			Help:      "Top-level prefixes covered by the configuration.",
		}),
		MonitorPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitor_peers",
			Help:      "Distinct peer ASNs seen in route events.",
		}),
		ConfigVersion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_version_timestamp_seconds",
			Help:      "Timestamp of the configuration in use.",
		}),
		BuildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version", "commit", "date"}),
	}
}

// NewUnregistered returns collectors that are not exported anywhere.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
