package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	channelMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devchannel",
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Channel messages by side, direction and type.",
		},
		[]string{"side", "direction", "type"},
	)
	channelSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devchannel",
			Subsystem: "channel",
			Name:      "sessions_active",
			Help:      "Open channels by side.",
		},
		[]string{"side"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devchannel",
			Subsystem: "codeserver",
			Name:      "handshakes_total",
			Help:      "Code server handshakes by result.",
		},
		[]string{"result"},
	)
	invokeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devchannel",
			Subsystem: "codeserver",
			Name:      "invoke_duration_seconds",
			Help:      "Time spent servicing one inbound call.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "exception"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devchannel",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devchannel",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(channelMessages, channelSessions, handshakes, invokeDuration, httpRequests, httpDuration)
	})
}

func RecordMessage(side, direction, msgType string) {
	RegisterMetrics()
	channelMessages.WithLabelValues(side, direction, msgType).Inc()
}

func ChannelOpened(side string) {
	RegisterMetrics()
	channelSessions.WithLabelValues(side).Inc()
}

func ChannelClosed(side string) {
	RegisterMetrics()
	channelSessions.WithLabelValues(side).Dec()
}

func RecordHandshake(result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(result).Inc()
}

func RecordInvoke(kind string, exception bool, duration time.Duration) {
	RegisterMetrics()
	invokeDuration.WithLabelValues(kind, strconv.FormatBool(exception)).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
