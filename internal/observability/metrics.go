package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded by RecordDrop.
const (
	DropNoEntry         = "no_entry"
	DropUnreachable     = "unreachable"
	DropReservedPolicy  = "reserved_policy"
	DropBeforeHandshake = "before_handshake"
	DropSourceMismatch  = "source_mismatch"
	DropWriteFailed     = "write_failed"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procgraph",
			Subsystem: "router",
			Name:      "frames_received_total",
			Help:      "Frames parsed from attached transports.",
		},
		[]string{"type"},
	)
	framesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procgraph",
			Subsystem: "router",
			Name:      "frames_forwarded_total",
			Help:      "Frame copies written to targets.",
		},
		[]string{"policy"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procgraph",
			Subsystem: "router",
			Name:      "frames_dropped_total",
			Help:      "Frames or frame copies dropped during routing.",
		},
		[]string{"reason"},
	)
	desyncBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "procgraph",
			Subsystem: "stream",
			Name:      "desync_bytes_total",
			Help:      "Bytes discarded while resynchronizing to a frame boundary.",
		},
	)
	ringBackpressure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "procgraph",
			Subsystem: "stream",
			Name:      "ring_backpressure_total",
			Help:      "Ring buffer writes rejected for lack of space.",
		},
	)
	activeConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "procgraph",
			Subsystem: "router",
			Name:      "connections",
			Help:      "Attached connections by lifecycle state.",
		},
		[]string{"state"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procgraph",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "procgraph",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesReceived,
			framesForwarded,
			framesDropped,
			desyncBytes,
			ringBackpressure,
			activeConnections,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordFrameReceived(frameType string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(frameType).Inc()
}

func RecordForward(policy string, copies int) {
	RegisterMetrics()
	framesForwarded.WithLabelValues(policy).Add(float64(copies))
}

func RecordDrop(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}

func RecordDesync(discarded int) {
	RegisterMetrics()
	desyncBytes.Add(float64(discarded))
}

func RecordBackpressure() {
	RegisterMetrics()
	ringBackpressure.Inc()
}

// RecordConnectionState moves one connection from one lifecycle state gauge
// to another. An empty from only increments to.
func RecordConnectionState(from, to string) {
	RegisterMetrics()
	if from != "" {
		activeConnections.WithLabelValues(from).Dec()
	}
	if to != "" {
		activeConnections.WithLabelValues(to).Inc()
	}
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
