package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEncoderCounters(t *testing.T) {
	device := "counters-test"

	RecordFrameSubmitted(device)
	RecordFrameSubmitted(device)
	RecordPacket(device, 1200, true, 5*time.Millisecond)
	RecordPacket(device, 300, false, 3*time.Millisecond)
	RecordFrameError(device, "FRAME_DROPPED")

	if got := testutil.ToFloat64(framesSubmitted.WithLabelValues(device)); got != 2 {
		t.Errorf("framesSubmitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(packetsEmitted.WithLabelValues(device, "true")); got != 1 {
		t.Errorf("keyframe packets = %v, want 1", got)
	}
	if got := testutil.ToFloat64(packetsEmitted.WithLabelValues(device, "false")); got != 1 {
		t.Errorf("delta packets = %v, want 1", got)
	}
	if got := testutil.ToFloat64(bytesEmitted.WithLabelValues(device)); got != 1500 {
		t.Errorf("bytesEmitted = %v, want 1500", got)
	}
	if got := testutil.ToFloat64(frameErrors.WithLabelValues(device, "FRAME_DROPPED")); got != 1 {
		t.Errorf("frameErrors = %v, want 1", got)
	}
}

func TestEncoderGauges(t *testing.T) {
	device := "gauges-test"

	SetOutstanding(device, "input", 3)
	SetOutstanding(device, "output", 6)
	SetSessionState(device, 2)

	if got := testutil.ToFloat64(outstandingBuffers.WithLabelValues(device, "input")); got != 3 {
		t.Errorf("input outstanding = %v, want 3", got)
	}
	if got := testutil.ToFloat64(sessionState.WithLabelValues(device)); got != 2 {
		t.Errorf("session state = %v, want 2", got)
	}

	DeleteEncoderMetrics(device)

	// Delete non-existent should not panic
	DeleteEncoderMetrics("non-existent-device")
}

func TestRTPCounters(t *testing.T) {
	dest := "127.0.0.1:5004"

	RecordRTPSent(dest, 1200)
	RecordRTPSent(dest, 100)
	RecordRTPError(dest)

	if got := testutil.ToFloat64(rtpPackets.WithLabelValues(dest)); got != 2 {
		t.Errorf("rtpPackets = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rtpBytes.WithLabelValues(dest)); got != 1300 {
		t.Errorf("rtpBytes = %v, want 1300", got)
	}
	if got := testutil.ToFloat64(rtpErrors.WithLabelValues(dest)); got != 1 {
		t.Errorf("rtpErrors = %v, want 1", got)
	}
}
