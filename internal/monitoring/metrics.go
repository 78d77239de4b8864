package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exported by the telemetry link.
type Metrics struct {
	registry *prometheus.Registry

	PacketsReceived  prometheus.Counter
	BytesReceived    prometheus.Counter
	PacketsMalformed prometheus.Counter
	ObserverPanics   prometheus.Counter
	ForwardDropped   prometheus.Counter
	CommLoss         prometheus.Gauge
	CommLossChanges  prometheus.Counter
	Sends            *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a private
// registry, so several instances can coexist in tests.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervision_packets_received_total",
			Help: "Telemetry datagrams decoded successfully.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervision_bytes_received_total",
			Help: "Bytes of telemetry datagrams received.",
		}),
		PacketsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervision_packets_malformed_total",
			Help: "Datagrams dropped because they were too short to decode.",
		}),
		ObserverPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervision_observer_panics_total",
			Help: "Observer invocations that panicked and were isolated.",
		}),
		ForwardDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervision_forward_dropped_total",
			Help: "Datagrams not mirrored because the forward queue was full.",
		}),
		CommLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervision_comm_loss",
			Help: "1 while no valid packet arrived within the staleness threshold.",
		}),
		CommLossChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervision_comm_loss_transitions_total",
			Help: "Comm-loss state transitions emitted by the watchdog.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervision_send_total",
			Help: "Telemetry packets sent, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.PacketsReceived,
		m.BytesReceived,
		m.PacketsMalformed,
		m.ObserverPanics,
		m.ForwardDropped,
		m.CommLoss,
		m.CommLossChanges,
		m.Sends,
		collectors.NewGoCollector(),
	)
	return m
}

// SetCommLoss records the current comm-loss state.
func (m *Metrics) SetCommLoss(loss bool) {
	m.CommLossChanges.Inc()
	if loss {
		m.CommLoss.Set(1)
		return
	}
	m.CommLoss.Set(0)
}

// ObserveSend counts one send attempt.
func (m *Metrics) ObserveSend(err error) {
	if err != nil {
		m.Sends.WithLabelValues("error").Inc()
		return
	}
	m.Sends.WithLabelValues("ok").Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
