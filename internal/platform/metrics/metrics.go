// Package metrics exposes Prometheus collectors for order, payment and
// authentication flows.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpack"

// Payment link outcomes.
const (
	LinkOutcomeCreated = "created"
	LinkOutcomeReused  = "reused"
	LinkOutcomeFailed  = "failed"
	LinkOutcomeUnknown = "unknown"
)

// Metrics holds the domain collectors registered on one registry.
type Metrics struct {
	reconciliations *prometheus.CounterVec
	paymentLinks    *prometheus.CounterVec
	linkDuration    *prometheus.HistogramVec
	verifications   *prometheus.CounterVec
	verifyDuration  *prometheus.HistogramVec
	sweepOrders     *prometheus.CounterVec
	lastSweep       prometheus.Gauge
	gatherer        prometheus.Gatherer
}

// New registers the collectors on registerer. A nil registerer uses a fresh
// registry so tests and multiple instances do not collide.
func New(registerer prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer = registry
		gatherer = registry
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	return &Metrics{
		reconciliations: registerCounterVec(registerer, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_reconciliations_total",
			Help:      "Paid and delivered transitions by source and whether the call changed the order.",
		}, []string{"kind", "source", "changed"}),
		paymentLinks: registerCounterVec(registerer, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_links_total",
			Help:      "Payment link requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		linkDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_link_duration_seconds",
			Help:      "Latency of payment link requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider"}),
		verifications: registerCounterVec(registerer, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_verifications_total",
			Help:      "Token and webhook signature verifications by kind and result.",
		}, []string{"kind", "result", "reason"}),
		verifyDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_verification_duration_seconds",
			Help:      "Latency of token and signature verification.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		sweepOrders: registerCounterVec(registerer, prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_sweep_orders_total",
			Help:      "Orders examined by the payment sweeper by result.",
		}, []string{"result"}),
		lastSweep: registerGauge(registerer, prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_sweep_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed payment sweep.",
		}),
		gatherer: gatherer,
	}
}

// RecordReconciliation counts a paid or delivered transition attempt.
func (m *Metrics) RecordReconciliation(kind, source string, changed bool) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(kind, source, strconv.FormatBool(changed)).Inc()
}

// RecordPaymentLink counts a payment link request and observes its latency.
func (m *Metrics) RecordPaymentLink(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.paymentLinks.WithLabelValues(provider, outcome).Inc()
	if duration > 0 {
		m.linkDuration.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// RecordVerification implements auth.MetricsRecorder.
func (m *Metrics) RecordVerification(_ context.Context, kind string, success bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
		reason = ""
	}
	m.verifications.WithLabelValues(kind, result, reason).Inc()
	m.verifyDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSweep adds the per-run counts of a payment sweep.
func (m *Metrics) RecordSweep(checked, paid, failed int, at time.Time) {
	if m == nil {
		return
	}
	m.sweepOrders.WithLabelValues("checked").Add(float64(checked))
	m.sweepOrders.WithLabelValues("paid").Add(float64(paid))
	m.sweepOrders.WithLabelValues("failed").Add(float64(failed))
	m.lastSweep.Set(float64(at.Unix()))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}
