package rtpout

import (
	"errors"
	"net"
	"time"

	"github.com/pion/rtcp"
)

// ntpEpochOffset is the number of seconds from 1900 to 1970.
const ntpEpochOffset = 2208988800

func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / 1_000_000_000
	return secs<<32 | frac
}

// reporter tracks what the sender has sent and emits RTCP sender reports.
type reporter struct {
	conn     net.Conn
	ssrc     uint32
	interval time.Duration

	packets  uint32
	octets   uint32
	lastTS   uint32
	lastAt   time.Time
	reported time.Time
}

func newReporter(conn net.Conn, ssrc uint32, interval time.Duration) *reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &reporter{conn: conn, ssrc: ssrc, interval: interval}
}

// sent records one access unit. Counters wrap as RFC 3550 allows.
func (r *reporter) sent(ts uint32, at time.Time, packets, payloadBytes int) {
	r.packets += uint32(packets)
	r.octets += uint32(payloadBytes)
	r.lastTS = ts
	r.lastAt = at
}

func (r *reporter) report(now time.Time) *rtcp.SenderReport {
	// Extrapolate the RTP clock from the last sent unit to now.
	rtpTime := r.lastTS
	if !r.lastAt.IsZero() && now.After(r.lastAt) {
		rtpTime += uint32(now.Sub(r.lastAt).Seconds() * ClockRate)
	}
	return &rtcp.SenderReport{
		SSRC:        r.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     rtpTime,
		PacketCount: r.packets,
		OctetCount:  r.octets,
	}
}

func (r *reporter) maybeSend(now time.Time) error {
	if !r.reported.IsZero() && now.Sub(r.reported) < r.interval {
		return nil
	}
	r.reported = now
	return r.write(r.report(now))
}

func (r *reporter) write(pkts ...rtcp.Packet) error {
	buf, err := rtcp.Marshal(pkts)
	if err != nil {
		return err
	}
	_, err = r.conn.Write(buf)
	return err
}

func (r *reporter) close(now time.Time) error {
	bye := &rtcp.Goodbye{Sources: []uint32{r.ssrc}, Reason: "end of stream"}
	return errors.Join(r.write(r.report(now), bye), r.conn.Close())
}
