package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every gateway metric.
const Namespace = "momo"

var (
	registerDomainOnce sync.Once

	// PaymentIntentTotal counts payment initiation outcomes per provider.
	PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "payment_intent_total",
		Help:      "Count of payment intent initiation outcomes.",
	}, []string{"provider", "result"})

	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "payment_webhook_total",
		Help:      "Count of processed payment webhooks by outcome.",
	}, []string{"provider", "result"})

	// RefundTotal counts refund attempts by provider and outcome.
	RefundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "refund_total",
		Help:      "Count of refund attempts by outcome.",
	}, []string{"provider", "result"})

	// ReconcileTotal counts background status-poll reconciliation outcomes.
	ReconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reconcile_total",
		Help:      "Count of pending-intent reconciliation outcomes.",
	}, []string{"provider", "result"})

	// ProviderRequestLatency records outbound provider call latency in milliseconds.
	ProviderRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "provider_request_duration_ms",
		Help:      "Latency of outbound provider API calls in milliseconds.",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"provider", "operation"})
)

// MustRegisterDomainMetrics registers the gateway's Prometheus collectors.
// Safe to call more than once.
func MustRegisterDomainMetrics(reg prometheus.Registerer) {
	registerDomainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		registerCounterVec(reg, &PaymentIntentTotal)
		registerCounterVec(reg, &PaymentWebhookTotal)
		registerCounterVec(reg, &RefundTotal)
		registerCounterVec(reg, &ReconcileTotal)
		registerHistogramVec(reg, &ProviderRequestLatency)
	})
}

func registerCounterVec(reg prometheus.Registerer, vec **prometheus.CounterVec) {
	if err := reg.Register(*vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				*vec = existing
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}

func registerHistogramVec(reg prometheus.Registerer, vec **prometheus.HistogramVec) {
	if err := reg.Register(*vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				*vec = existing
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
