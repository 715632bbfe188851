// Package metrics provides Prometheus metrics for encoder sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2menc",
		Subsystem: "encoder",
		Name:      "frames_submitted_total",
		Help:      "Raw frames handed to the device",
	}, []string{"device"})

	packetsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2menc",
		Subsystem: "encoder",
		Name:      "packets_emitted_total",
		Help:      "Encoded packets delivered to the handler",
	}, []string{"device", "keyframe"})

	bytesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2menc",
		Subsystem: "encoder",
		Name:      "bytes_emitted_total",
		Help:      "Encoded bytes delivered to the handler",
	}, []string{"device"})

	frameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2menc",
		Subsystem: "encoder",
		Name:      "frame_errors_total",
		Help:      "Frames reported to the handler as errors, by error code",
	}, []string{"device", "code"})

	outstandingBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "m2menc",
		Subsystem: "encoder",
		Name:      "outstanding_buffers",
		Help:      "Buffers currently owned by the device",
	}, []string{"device", "plane"})

	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "m2menc",
		Subsystem: "encoder",
		Name:      "session_state",
		Help:      "Session state (0 uninitialized, 1 initializing, 2 streaming, 3 draining, 4 shutdown)",
	}, []string{"device"})

	packetLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "m2menc",
		Subsystem: "encoder",
		Name:      "packet_latency_seconds",
		Help:      "Time from frame submission to packet delivery",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"device"})
)

// RecordFrameSubmitted counts one frame accepted by the device.
func RecordFrameSubmitted(device string) {
	framesSubmitted.WithLabelValues(device).Inc()
}

// RecordPacket counts one delivered packet.
func RecordPacket(device string, bytes int, keyframe bool, latency time.Duration) {
	key := "false"
	if keyframe {
		key = "true"
	}
	packetsEmitted.WithLabelValues(device, key).Inc()
	bytesEmitted.WithLabelValues(device).Add(float64(bytes))
	packetLatency.WithLabelValues(device).Observe(latency.Seconds())
}

// RecordFrameError counts one frame reported as an error.
func RecordFrameError(device, code string) {
	frameErrors.WithLabelValues(device, code).Inc()
}

// SetOutstanding sets the number of buffers the device holds on a plane.
func SetOutstanding(device, plane string, n int) {
	outstandingBuffers.WithLabelValues(device, plane).Set(float64(n))
}

// SetSessionState sets the numeric session state.
func SetSessionState(device string, state int) {
	sessionState.WithLabelValues(device).Set(float64(state))
}

// DeleteEncoderMetrics removes all gauges for a device.
func DeleteEncoderMetrics(device string) {
	outstandingBuffers.DeletePartialMatch(prometheus.Labels{"device": device})
	sessionState.DeleteLabelValues(device)
}
