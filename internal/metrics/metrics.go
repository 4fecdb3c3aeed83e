package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_total",
		Help: "Inbound real-time events by name and outcome",
	}, []string{"event", "outcome"})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of chat messages persisted",
	})
	SessionEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_session_evictions_total",
		Help: "Sessions closed because the same user connected again",
	})
	FanoutFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_failures_total",
		Help: "Outbound events that could not be queued on a connection",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		EventsTotal,
		MessagesTotal,
		SessionEvictions,
		FanoutFailures,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// Middleware records request counts and latency by route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{"method": r.Method, "path": path, "status": strconv.Itoa(status)}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
