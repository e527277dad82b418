package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket sessions on this instance",
	})

	SessionsEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_sessions_evicted_total",
		Help: "Sessions evicted by the hub",
	}, []string{"reason"})

	FanoutDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_deliveries_total",
		Help: "Envelopes offered to local sessions",
	}, []string{"result"})

	FanoutErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fanout_emit_errors_total",
		Help: "Fanout emits that failed and were swallowed",
	})

	MessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_appended_total",
		Help: "Messages durably appended",
	})

	SagaOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "social_saga_outcomes_total",
		Help: "Two-sided social graph writes by outcome",
	}, []string{"outcome"})

	EventPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "event_publish_errors_total",
		Help: "Domain events that could not be published",
	})

	HTTPRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "REST request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		SessionsEvicted,
		FanoutDeliveries,
		FanoutErrors,
		MessagesAppended,
		SagaOutcomes,
		EventPublishErrors,
		HTTPRequests,
	)
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
