// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsHandled    *prometheus.CounterVec
	sendsTotal       *prometheus.CounterVec
	sendDuration     *prometheus.HistogramVec
	uploadsTotal     *prometheus.CounterVec
	uploadBytes      prometheus.Counter
	relayEntries     *prometheus.CounterVec
	wsClients        prometheus.Gauge
	wsDroppedTotal   prometheus.Counter
	conversations    prometheus.Gauge
	activeThreadOpen prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsHandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_events_handled_total",
			Help: "Inbound events dispatched by the sync engine",
		}, []string{"kind", "result"}),
		sendsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_outbox_sends_total",
			Help: "Outbound pipeline runs by kind and final stage",
		}, []string{"kind", "stage"}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convsync_outbox_send_duration_seconds",
			Help:    "Time spent in the outbound pipeline",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		uploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_uploads_total",
			Help: "Attachment uploads by result",
		}, []string{"result"}),
		uploadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "convsync_upload_bytes_total",
			Help: "Encrypted bytes uploaded",
		}),
		relayEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_relay_entries_total",
			Help: "Relay stream entries read by type",
		}, []string{"type"}),
		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "convsync_ws_clients",
			Help: "Connected presentation clients",
		}),
		wsDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "convsync_ws_dropped_total",
			Help: "Frames dropped for slow presentation clients",
		}),
		conversations: f.NewGauge(prometheus.GaugeOpts{
			Name: "convsync_conversations",
			Help: "Conversations in the index",
		}),
		activeThreadOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "convsync_active_thread_open",
			Help: "1 when a thread is active, 0 when unselected",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// EventHandled counts an engine dispatch.
func (m *Metrics) EventHandled(kind string, err error) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(kind, result(err)).Inc()
}

// SendFinished records an outbound pipeline run.
func (m *Metrics) SendFinished(kind, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(kind, stage).Inc()
	m.sendDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// UploadFinished records an attachment upload.
func (m *Metrics) UploadFinished(bytes int64, err error) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.uploadBytes.Add(float64(bytes))
	}
}

// RelayEntry counts a stream entry read from the relay.
func (m *Metrics) RelayEntry(typ string) {
	if m == nil {
		return
	}
	m.relayEntries.WithLabelValues(typ).Inc()
}

// ClientsConnected sets the presentation client gauge.
func (m *Metrics) ClientsConnected(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}

// FrameDropped counts a frame dropped for a slow client.
func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.wsDroppedTotal.Inc()
}

// IndexSize sets the conversation gauge.
func (m *Metrics) IndexSize(n int) {
	if m == nil {
		return
	}
	m.conversations.Set(float64(n))
}

// ThreadActive sets the active thread gauge.
func (m *Metrics) ThreadActive(open bool) {
	if m == nil {
		return
	}
	if open {
		m.activeThreadOpen.Set(1)
		return
	}
	m.activeThreadOpen.Set(0)
}
