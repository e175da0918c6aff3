package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transport",
		Name:      "http_request_seconds",
		Help:      "Latency of HTTP requests by route and status.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"route", "status"})

	gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active websocket sync sessions.",
	})

	gatewayFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_total",
		Help:      "Websocket frames by type and direction.",
	}, []string{"type", "direction"})

	gatewaySendQueueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound frames observed when enqueueing.",
		Buckets:   prometheus.LinearBuckets(0, 8, 9),
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(requestLatency, gatewayConnections, gatewayFrames, gatewaySendQueueDepth)
	})
}

var tracer = otel.Tracer("github.com/example/cellsync/transport")
