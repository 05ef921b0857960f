package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "linechat"

// Drop reasons used as the "reason" label on Metrics.Dropped.
const (
	dropUnknownRecipient = "unknown_recipient"
	dropMailboxFull      = "mailbox_full"
	dropRateLimited      = "rate_limited"
	dropSenderMismatch   = "sender_mismatch"
)

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	OpenConnections   prometheus.Gauge
	RegisteredPeers   prometheus.Gauge
	FramesReceived    prometheus.Counter
	Deliveries        prometheus.Counter
	Dropped           *prometheus.CounterVec
	DuplicateNames    prometheus.Counter
	HandshakeFailures prometheus.Counter
	WriteFailures     prometheus.Counter
}

// NewMetrics creates and registers relay metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Number of connections with a running reader.",
		}),
		RegisteredPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "registered_peers",
			Help:      "Number of names currently held in the broker registry.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of message frames parsed from peers.",
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "deliveries_total",
			Help:      "Total number of lines pushed onto peer mailboxes.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Total number of frames or deliveries dropped, by reason.",
		}, []string{"reason"}),
		DuplicateNames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "duplicate_names_total",
			Help:      "Total number of registrations rejected because the name was taken.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of connections that ended before sending a name.",
		}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Total number of writers stopped by a socket write error.",
		}),
	}

	reg.MustRegister(
		m.OpenConnections,
		m.RegisteredPeers,
		m.FramesReceived,
		m.Deliveries,
		m.Dropped,
		m.DuplicateNames,
		m.HandshakeFailures,
		m.WriteFailures,
	)
	return m
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// MetricsHandler returns an http.Handler that serves the registry.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
