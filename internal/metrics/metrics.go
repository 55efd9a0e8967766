// Package metrics holds the Prometheus collectors of the occupancy service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "gymflow"

type Metrics struct {
	CheckIns             *prometheus.CounterVec
	CheckOuts            *prometheus.CounterVec
	Denials              *prometheus.CounterVec
	Replays              prometheus.Counter
	Broadcasts           *prometheus.CounterVec
	WebsocketConnections prometheus.Gauge
	HTTPRequests         *prometheus.CounterVec
	GRPCRequests         *prometheus.CounterVec
	GRPCDuration         *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CheckIns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "occupancy",
			Name:      "checkins_total",
			Help:      "Check-ins created, by entry path.",
		}, []string{"path"}),
		CheckOuts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "occupancy",
			Name:      "checkouts_total",
			Help:      "Check-ins closed, by exit path.",
		}, []string{"path"}),
		Denials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "occupancy",
			Name:      "denials_total",
			Help:      "Rejected access attempts, by error code.",
		}, []string{"code"}),
		Replays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "occupancy",
			Name:      "replays_total",
			Help:      "Requests answered from an already recorded event id.",
		}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Realtime events, by outcome (published, delivered, dropped, failed).",
		}, []string{"outcome"}),
		WebsocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "websocket_connections",
			Help:      "Open websocket connections.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route and status.",
		}, []string{"method", "route", "status"}),
		GRPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "requests_total",
			Help:      "gRPC requests, by method and status code.",
		}, []string{"method", "status"}),
		GRPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grpc",
			Name:      "request_duration_seconds",
			Help:      "gRPC request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) CheckIn(path string) {
	if m == nil {
		return
	}
	m.CheckIns.WithLabelValues(path).Inc()
}

func (m *Metrics) CheckOut(path string) {
	if m == nil {
		return
	}
	m.CheckOuts.WithLabelValues(path).Inc()
}

func (m *Metrics) Denied(code string) {
	if m == nil {
		return
	}
	m.Denials.WithLabelValues(code).Inc()
}

func (m *Metrics) Replayed() {
	if m == nil {
		return
	}
	m.Replays.Inc()
}

func (m *Metrics) Broadcast(outcome string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebsocketOpened() {
	if m == nil {
		return
	}
	m.WebsocketConnections.Inc()
}

func (m *Metrics) WebsocketClosed() {
	if m == nil {
		return
	}
	m.WebsocketConnections.Dec()
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func UnaryServerInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if m == nil {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		m.GRPCDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
		m.GRPCRequests.WithLabelValues(info.FullMethod, status.Code(err).String()).Inc()
		return resp, err
	}
}
