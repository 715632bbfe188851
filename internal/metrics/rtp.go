package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rtpPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2menc",
		Subsystem: "rtp",
		Name:      "packets_sent_total",
		Help:      "RTP packets written to the socket",
	}, []string{"destination"})

	rtpBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2menc",
		Subsystem: "rtp",
		Name:      "bytes_sent_total",
		Help:      "RTP bytes written to the socket, headers included",
	}, []string{"destination"})

	rtpErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m2menc",
		Subsystem: "rtp",
		Name:      "send_errors_total",
		Help:      "Failed RTP socket writes",
	}, []string{"destination"})
)

// RecordRTPSent counts one RTP packet of n bytes.
func RecordRTPSent(destination string, n int) {
	rtpPackets.WithLabelValues(destination).Inc()
	rtpBytes.WithLabelValues(destination).Add(float64(n))
}

// RecordRTPError counts one failed write.
func RecordRTPError(destination string) {
	rtpErrors.WithLabelValues(destination).Inc()
}
