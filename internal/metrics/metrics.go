// Package metrics defines the Prometheus instruments for the book engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "l2book"

// Metrics groups every instrument the engine and its adapters update.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Messages        *prometheus.CounterVec
	DecodeErrors    *prometheus.CounterVec
	RejectedUpdates prometheus.Counter
	CrossedBook     prometheus.Counter
	Resets          prometheus.Counter
	Notifications   prometheus.Counter
	WSReconnects    prometheus.Counter
	RedisWrites     *prometheus.CounterVec
	BookLevels      *prometheus.GaugeVec
	ApplySeconds    prometheus.Histogram
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates the instruments and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Feed messages received by type",
		}, []string{"type"}),
		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_errors_total",
			Help: "Messages dropped by the decoder, by kind",
		}, []string{"kind"}),
		RejectedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_updates_total",
			Help: "Snapshots and updates rejected by the store",
		}),
		CrossedBook: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "crossed_book_total",
			Help: "Transitions into a crossed book",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "resets_total",
			Help: "Book resets",
		}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Coalesced change notifications delivered",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_reconnects_total",
			Help: "Feed websocket reconnects",
		}),
		RedisWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "redis_writes_total",
			Help: "Book views published to Redis, by result",
		}, []string{"result"}),
		BookLevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "book_levels",
			Help: "Price levels resting on each side",
		}, []string{"side"}),
		ApplySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "apply_seconds",
			Help:    "Time to apply a snapshot or update",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Messages, m.DecodeErrors, m.RejectedUpdates, m.CrossedBook,
			m.Resets, m.Notifications, m.WSReconnects, m.RedisWrites,
			m.BookLevels, m.ApplySeconds,
		)
	}
	return m
}

func (m *Metrics) ObserveMessage(typ string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(typ).Inc()
}

func (m *Metrics) ObserveDecodeError(kind string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveRejected() {
	if m == nil {
		return
	}
	m.RejectedUpdates.Inc()
}

func (m *Metrics) ObserveCrossed() {
	if m == nil {
		return
	}
	m.CrossedBook.Inc()
}

func (m *Metrics) ObserveReset() {
	if m == nil {
		return
	}
	m.Resets.Inc()
}

func (m *Metrics) ObserveNotification() {
	if m == nil {
		return
	}
	m.Notifications.Inc()
}

func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.WSReconnects.Inc()
}

// ObserveRedisWrite records a publish attempt; err nil counts as ok.
func (m *Metrics) ObserveRedisWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RedisWrites.WithLabelValues(result).Inc()
}

// ObserveApply records one committed mutation.
func (m *Metrics) ObserveApply(seconds float64, bids, asks int) {
	if m == nil {
		return
	}
	m.ApplySeconds.Observe(seconds)
	m.ObserveLevels(bids, asks)
}

// ObserveLevels sets the per-side level gauges.
func (m *Metrics) ObserveLevels(bids, asks int) {
	if m == nil {
		return
	}
	m.BookLevels.WithLabelValues("bid").Set(float64(bids))
	m.BookLevels.WithLabelValues("ask").Set(float64(asks))
}
