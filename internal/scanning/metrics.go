package scanning

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zombor/bewirtungsbeleg/internal/errs"
)

// Metrics records pipeline activity. A nil *Metrics records nothing.
type Metrics struct {
	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	classifications  *prometheus.CounterVec
	extractionErrors *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
}

// NewMetrics creates the pipeline metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bewirtung",
			Name:      "provider_calls_total",
			Help:      "Calls to the OCR/LLM provider by operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bewirtung",
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of OCR/LLM provider calls.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"provider", "operation"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bewirtung",
			Name:      "classifications_total",
			Help:      "Pages classified by resulting document type.",
		}, []string{"document_type"}),
		extractionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bewirtung",
			Name:      "extraction_errors_total",
			Help:      "Failed page extractions by error kind.",
		}, []string{"kind"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bewirtung",
			Name:      "provider_breaker_open",
			Help:      "1 while the provider circuit breaker is open.",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.providerCalls, m.providerLatency, m.classifications, m.extractionErrors, m.breakerState)
	return m
}

func (m *Metrics) observeCall(provider, operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(errs.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	m.providerCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.providerLatency.WithLabelValues(provider, operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeClassification(t DocumentType) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) observeExtractionError(err error) {
	if m == nil {
		return
	}
	kind := string(errs.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	m.extractionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) setBreakerOpen(provider string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.breakerState.WithLabelValues(provider).Set(v)
}
