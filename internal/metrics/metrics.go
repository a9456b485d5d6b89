// Package metrics Prometheus 指标
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	matchingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_latency_seconds",
		Help:    "Latency of order matching in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	tradesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_created_total",
			Help: "Total number of trades created.",
		},
		[]string{"instrument"},
	)
	orderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderbook_depth",
			Help: "Current orderbook depth.",
		},
		[]string{"instrument", "side"},
	)
	ordersAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_admitted_total",
			Help: "Orders admitted through the gateway.",
		},
		[]string{"instrument"},
	)
	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_rejected_total",
			Help: "Orders rejected before matching, by error code.",
		},
		[]string{"code"},
	)
	twapSlices = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "twap_slices_submitted_total",
		Help: "Child slices submitted by the TWAP scheduler.",
	})
	streamPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_pending_messages",
			Help: "Pending messages in a consumer group.",
		},
		[]string{"stream", "group"},
	)
	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_errors_total",
			Help: "Stream processing errors.",
		},
		[]string{"stream", "group"},
	)
	streamDLQ = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_dlq_total",
			Help: "Messages routed to the dead letter queue.",
		},
		[]string{"stream", "group"},
	)
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			matchingLatency,
			tradesCreated,
			orderbookDepth,
			ordersAdmitted,
			ordersRejected,
			twapSlices,
			streamPending,
			streamErrors,
			streamDLQ,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveMatchingLatency records a matching latency duration.
func ObserveMatchingLatency(d time.Duration) {
	Init()
	matchingLatency.Observe(d.Seconds())
}

// IncTradesCreated increments the trades created counter for an instrument.
func IncTradesCreated(instrument string) {
	Init()
	tradesCreated.WithLabelValues(instrument).Inc()
}

// SetOrderbookDepth sets the current orderbook depth for an instrument and side.
func SetOrderbookDepth(instrument, side string, depth float64) {
	Init()
	orderbookDepth.WithLabelValues(instrument, side).Set(depth)
}

// IncOrdersAdmitted increments the gateway admission counter.
func IncOrdersAdmitted(instrument string) {
	Init()
	ordersAdmitted.WithLabelValues(instrument).Inc()
}

// IncOrdersRejected increments the pre-matching rejection counter.
func IncOrdersRejected(code string) {
	Init()
	ordersRejected.WithLabelValues(code).Inc()
}

// IncTWAPSlices increments the submitted slice counter.
func IncTWAPSlices() {
	Init()
	twapSlices.Inc()
}

// SetStreamPending sets the pending message gauge for a consumer group.
func SetStreamPending(stream, group string, count int64) {
	Init()
	streamPending.WithLabelValues(stream, group).Set(float64(count))
}

// IncStreamError increments the stream error counter.
func IncStreamError(stream, group string) {
	Init()
	streamErrors.WithLabelValues(stream, group).Inc()
}

// IncStreamDLQ increments the dead letter counter.
func IncStreamDLQ(stream, group string) {
	Init()
	streamDLQ.WithLabelValues(stream, group).Inc()
}
