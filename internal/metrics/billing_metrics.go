// Package metrics exposes Prometheus instrumentation for the billing
// connection lifecycle and purchase flows.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/billbridge/billbridge/internal/billing"
)

var (
	// Connection lifecycle metrics
	ServiceReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billbridge_service_ready",
			Help: "Whether the billing service connection is ready (1) or not (0)",
		},
	)

	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billbridge_connect_attempts_total",
			Help: "Total number of billing service connection results by code",
		},
		[]string{"result"},
	)

	ReconnectsScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billbridge_reconnects_scheduled_total",
			Help: "Total number of reconnects scheduled by the retry policy",
		},
	)

	ReconnectDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billbridge_reconnect_delay_seconds",
			Help:    "Backoff delay applied to scheduled reconnects",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64}, // doubling ladder
		},
	)

	RetryAttempt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billbridge_retry_attempt",
			Help: "Current reconnect attempt counter; resets to 1 after a successful connection",
		},
	)

	RetriesExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billbridge_retries_exhausted_total",
			Help: "Total number of times the reconnect budget ran out",
		},
	)

	// Entitlement and purchase flow metrics
	Subscribed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billbridge_subscribed",
			Help: "Whether the tracked subscription is owned (1) or not (0)",
		},
	)

	PurchaseUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billbridge_purchase_updates_total",
			Help: "Total number of purchase update deliveries by result code",
		},
		[]string{"result"},
	)

	PurchaseFlowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billbridge_purchase_flows_total",
			Help: "Total number of purchase flow launches by result code",
		},
		[]string{"result"},
	)

	// History metrics
	HistoryEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billbridge_history_events_total",
			Help: "Total number of billing events written to the history store",
		},
	)
)

// RecordReady records the current connection readiness
func RecordReady(ready bool) {
	ServiceReady.Set(boolToGauge(ready))
}

// RecordSubscribed records the current entitlement state
func RecordSubscribed(owned bool) {
	Subscribed.Set(boolToGauge(owned))
}

// RecordConnectResult records the outcome of a connection attempt
func RecordConnectResult(code billing.ResultCode) {
	ConnectAttemptsTotal.WithLabelValues(string(code)).Inc()
	if code.OK() {
		RetryAttempt.Set(1)
	}
}

// RecordReconnectScheduled records a reconnect scheduled by the retry policy
func RecordReconnectScheduled(attempt int64, delay time.Duration) {
	ReconnectsScheduledTotal.Inc()
	ReconnectDelaySeconds.Observe(delay.Seconds())
	RetryAttempt.Set(float64(attempt))
}

// RecordRetriesExhausted records a reconnect refused because the budget ran out
func RecordRetriesExhausted() {
	RetriesExhaustedTotal.Inc()
}

// RecordPurchasesUpdated records a purchase update delivery
func RecordPurchasesUpdated(code billing.ResultCode) {
	PurchaseUpdatesTotal.WithLabelValues(string(code)).Inc()
}

// RecordPurchaseFlow records a purchase flow launch
func RecordPurchaseFlow(code billing.ResultCode) {
	PurchaseFlowsTotal.WithLabelValues(string(code)).Inc()
}

// RecordHistoryEvents records events written to the history store
func RecordHistoryEvents(count int) {
	if count > 0 {
		HistoryEventsTotal.Add(float64(count))
	}
}

func boolToGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
