package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dosprobe",
		Name:      "http_requests_total",
		Help:      "Control-plane HTTP requests by method and status.",
	}, []string{"method", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dosprobe",
		Name:      "http_request_duration_seconds",
		Help:      "Control-plane HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dosprobe",
		Name:      "websocket_connections",
		Help:      "Currently connected WebSocket clients.",
	})

	wsMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dosprobe",
		Name:      "websocket_messages_total",
		Help:      "WebSocket messages handled, by client message type.",
	}, []string{"type"})

	memoryWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dosprobe",
		Name:      "memory_watches",
		Help:      "Active memory watches across all WebSocket clients.",
	})

	captureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dosprobe",
		Name:      "capture_duration_seconds",
		Help:      "End-to-end capture pipeline duration.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"outcome"})
)

func observeCaptureDuration(d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	captureDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through so the WebSocket upgrade works behind the metrics
// middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: res, status: http.StatusOK}
		next.ServeHTTP(recorder, req)
		httpRequests.WithLabelValues(req.Method, strconv.Itoa(recorder.status)).Inc()
		httpDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	})
}
