package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proctor"

// Offer results.
const (
	OfferAccepted    = "accepted"
	OfferInvalid     = "invalid"
	OfferFailed      = "failed"
	OfferRateLimited = "rate_limited"
	OfferRejected    = "shutting_down"
)

// Verdicts.
const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
)

// Metrics owns its registry so tests can build as many as they like.
// All methods are safe on a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	sessionsActive  prometheus.Gauge
	offersTotal     *prometheus.CounterVec
	tracksTotal     *prometheus.CounterVec
	framesTotal     *prometheus.CounterVec
	decodeSeconds   prometheus.Histogram
	verdictsTotal   *prometheus.CounterVec
	inspectorSkips  prometheus.Counter
	inspectorErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered peer connection sessions",
		}),
		offersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_total",
			Help:      "Total number of received offers by result",
		}, []string{"result"}),
		tracksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_total",
			Help:      "Total number of incoming tracks by kind",
		}, []string{"kind"}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of assembled video frames",
		}, []string{"mime_type"}),
		decodeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_decode_seconds",
			Help:      "Duration of key frame pixel conversion",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inspector_verdicts_total",
			Help:      "Total number of inspector matches by verdict",
		}, []string{"verdict"}),
		inspectorSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inspector_skipped_frames_total",
			Help:      "Total number of frames not inspected because the inspector was busy",
		}),
		inspectorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inspector_errors_total",
			Help:      "Total number of failed inspections",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsActive,
		m.offersTotal,
		m.tracksTotal,
		m.framesTotal,
		m.decodeSeconds,
		m.verdictsTotal,
		m.inspectorSkips,
		m.inspectorErrors,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

func (m *Metrics) Offer(result string) {
	if m == nil {
		return
	}
	m.offersTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Track(kind string) {
	if m == nil {
		return
	}
	m.tracksTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Frame(mimeType string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(mimeType).Inc()
}

func (m *Metrics) Decode(d time.Duration) {
	if m == nil {
		return
	}
	m.decodeSeconds.Observe(d.Seconds())
}

func (m *Metrics) Verdict(verdict string) {
	if m == nil {
		return
	}
	m.verdictsTotal.WithLabelValues(verdict).Inc()
}

func (m *Metrics) InspectorSkipped() {
	if m == nil {
		return
	}
	m.inspectorSkips.Inc()
}

func (m *Metrics) InspectorFailed() {
	if m == nil {
		return
	}
	m.inspectorErrors.Inc()
}
