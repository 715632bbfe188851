// Package rtpout sends encoded access units as RTP over UDP.
package rtpout

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/smazurov/m2menc/internal/bitstream"
	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/logging"
	"github.com/smazurov/m2menc/internal/metrics"
)

// ClockRate is the RTP video clock.
const ClockRate = 90000

const (
	defaultMTU         = 1200
	defaultPayloadType = 96
)

// Option configures a Sender.
type Option func(*Sender)

// WithMTU sets the largest RTP packet, header included.
func WithMTU(mtu uint16) Option {
	return func(s *Sender) { s.mtu = mtu }
}

// WithPayloadType sets the dynamic payload type.
func WithPayloadType(pt uint8) Option {
	return func(s *Sender) { s.payloadType = pt }
}

// WithSSRC fixes the SSRC instead of picking a random one.
func WithSSRC(ssrc uint32) Option {
	return func(s *Sender) { s.ssrc = ssrc }
}

// WithFrameRate sets the rate used to turn frame sequence numbers into
// timestamps. Default 30.
func WithFrameRate(fps int) Option {
	return func(s *Sender) {
		if fps > 0 {
			s.fps = fps
		}
	}
}

// WithRTCP sends sender reports to addr every interval, and a BYE on Close.
func WithRTCP(addr string, interval time.Duration) Option {
	return func(s *Sender) {
		s.rtcpAddr = addr
		s.reportInterval = interval
	}
}

// Sender packetizes access units for one codec and writes them to a
// connected UDP socket.
type Sender struct {
	conn        net.Conn
	dest        string
	codec       bitstream.Codec
	mtu         uint16
	payloadType uint8
	ssrc        uint32
	fps         int
	logger      *slog.Logger

	rtcpAddr       string
	reportInterval time.Duration
	now            func() time.Time

	mu         sync.Mutex
	packetizer rtp.Packetizer
	baseTS     uint32
	params     paramSets
	reports    *reporter
	packets    uint64
	closed     bool
}

// Dial opens a UDP socket to addr.
func Dial(addr string, codec bitstream.Codec, opts ...Option) (*Sender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial rtp destination %s: %w", addr, err)
	}
	s, err := New(conn, codec, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The Sender owns conn from here on.
func New(conn net.Conn, codec bitstream.Codec, opts ...Option) (*Sender, error) {
	var payloader rtp.Payloader
	switch codec {
	case bitstream.CodecH264:
		payloader = &codecs.H264Payloader{}
	case bitstream.CodecHEVC:
		payloader = &codecs.H265Payloader{}
	default:
		return nil, fmt.Errorf("no RTP payloader for codec %q", codec)
	}

	s := &Sender{
		conn:        conn,
		dest:        conn.RemoteAddr().String(),
		codec:       codec,
		mtu:         defaultMTU,
		payloadType: defaultPayloadType,
		ssrc:        rand.Uint32(),
		fps:         30,
		baseTS:      rand.Uint32(),
		params:      paramSets{codec: codec},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.GetLogger("rtp").With("destination", s.dest, "ssrc", s.ssrc)
	s.packetizer = rtp.NewPacketizer(s.mtu, s.payloadType, s.ssrc, payloader, rtp.NewRandomSequencer(), ClockRate)

	if s.rtcpAddr != "" {
		rc, err := net.Dial("udp", s.rtcpAddr)
		if err != nil {
			return nil, fmt.Errorf("dial rtcp destination %s: %w", s.rtcpAddr, err)
		}
		s.reports = newReporter(rc, s.ssrc, s.reportInterval)
	}
	return s, nil
}

// RTCPAddr returns the conventional RTCP address for an RTP address: the
// same host, port plus one.
func RTCPAddr(rtpAddr string) (string, error) {
	host, port, err := net.SplitHostPort(rtpAddr)
	if err != nil {
		return "", err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("rtp port %q: %w", port, err)
	}
	if p <= 0 || p >= 65535 {
		return "", fmt.Errorf("rtp port %d out of range", p)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+1)), nil
}

// Timestamp converts a frame sequence number to an RTP timestamp.
func (s *Sender) Timestamp(seq uint64) uint32 {
	return s.baseTS + uint32(seq*ClockRate/uint64(s.fps))
}

// WritePacket sends one access unit. Keyframes that arrive without
// parameter sets get the most recently seen ones prepended so receivers
// joining late can decode.
func (s *Sender) WritePacket(p encoder.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}
	if len(p.Data) == 0 {
		return nil
	}

	au := s.params.apply(p.Data, p.Keyframe)
	ts := s.Timestamp(p.Sequence)
	sent, payloadBytes := 0, 0
	for _, pkt := range s.packetizer.Packetize(au, 0) {
		pkt.Timestamp = ts
		buf, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp packet: %w", err)
		}
		if _, err := s.conn.Write(buf); err != nil {
			metrics.RecordRTPError(s.dest)
			return fmt.Errorf("send rtp packet: %w", err)
		}
		s.packets++
		sent++
		payloadBytes += len(pkt.Payload)
		metrics.RecordRTPSent(s.dest, len(buf))
	}

	if s.reports != nil {
		now := s.now()
		s.reports.sent(ts, now, sent, payloadBytes)
		if err := s.reports.maybeSend(now); err != nil {
			s.logger.Warn("RTCP sender report failed", "error", err)
		}
	}
	return nil
}

// Handler adapts the Sender to an encoder packet callback. Send errors are
// logged and do not stop the encode.
func (s *Sender) Handler() encoder.PacketHandler {
	return func(p encoder.Packet, err error) {
		if err != nil {
			return
		}
		if sendErr := s.WritePacket(p); sendErr != nil {
			s.logger.Warn("RTP send failed", "sequence", p.Sequence, "error", sendErr)
		}
	}
}

// Packets returns the number of RTP packets written.
func (s *Sender) Packets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

// Close sends a BYE when RTCP is enabled and closes the sockets.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("RTP sender closed", "packets", s.packets)

	var errs []error
	if s.reports != nil {
		errs = append(errs, s.reports.close(s.now()))
	}
	errs = append(errs, s.conn.Close())
	return errors.Join(errs...)
}
