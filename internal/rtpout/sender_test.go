package rtpout

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/smazurov/m2menc/internal/bitstream"
	"github.com/smazurov/m2menc/internal/encoder"
	"github.com/smazurov/m2menc/internal/simdevice"
)

func listen(t *testing.T) net.PacketConn {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

func receive(t *testing.T, pc net.PacketConn, n int) []*rtp.Packet {
	t.Helper()
	var out []*rtp.Packet
	buf := make([]byte, 2048)
	for len(out) < n {
		_ = pc.SetReadDeadline(time.Now().Add(2 * time.Second))
		m, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read after %d packets: %v", len(out), err)
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(bytes.Clone(buf[:m])); err != nil {
			t.Fatal(err)
		}
		out = append(out, pkt)
	}
	return out
}

func TestSenderKeyframe(t *testing.T) {
	pc := listen(t)
	s, err := Dial(pc.LocalAddr().String(), bitstream.CodecH264, WithSSRC(42), WithPayloadType(102))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	au := simdevice.AccessUnit(bitstream.CodecH264, 100, 40, true, []byte{1, 2, 3, 4})
	if err := s.WritePacket(encoder.Packet{Data: au, Keyframe: true, Sequence: 3}); err != nil {
		t.Fatal(err)
	}

	sent := int(s.Packets())
	if sent == 0 {
		t.Fatal("no packets sent")
	}
	pkts := receive(t, pc, sent)
	for i, p := range pkts {
		if p.SSRC != 42 || p.PayloadType != 102 {
			t.Errorf("packet %d header = %+v", i, p.Header)
		}
		if p.Timestamp != s.Timestamp(3) {
			t.Errorf("packet %d timestamp = %d, want %d", i, p.Timestamp, s.Timestamp(3))
		}
	}
	if !pkts[len(pkts)-1].Marker {
		t.Error("last packet of the access unit should carry the marker bit")
	}
}

func TestSenderFragmentsLargeUnits(t *testing.T) {
	pc := listen(t)
	s, err := Dial(pc.LocalAddr().String(), bitstream.CodecH264, WithMTU(500))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	payload := bytes.Repeat([]byte{0xAB}, 4000)
	au := simdevice.AccessUnit(bitstream.CodecH264, 66, 31, false, payload)
	if err := s.WritePacket(encoder.Packet{Data: au, Sequence: 1}); err != nil {
		t.Fatal(err)
	}

	pkts := receive(t, pc, int(s.Packets()))
	if len(pkts) < 8 {
		t.Fatalf("got %d packets, want the unit split into at least 8", len(pkts))
	}
	for i, p := range pkts {
		if size := p.MarshalSize(); size > 500 {
			t.Errorf("packet %d is %d bytes, over MTU", i, size)
		}
		if typ := p.Payload[0] & 0x1F; typ != 28 {
			t.Errorf("packet %d NAL type = %d, want FU-A", i, typ)
		}
	}
}

func TestSenderHEVC(t *testing.T) {
	pc := listen(t)
	s, err := Dial(pc.LocalAddr().String(), bitstream.CodecHEVC)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	au := simdevice.AccessUnit(bitstream.CodecHEVC, 1, 93, true, []byte{9, 9, 9})
	if err := s.WritePacket(encoder.Packet{Data: au, Keyframe: true}); err != nil {
		t.Fatal(err)
	}
	if pkts := receive(t, pc, int(s.Packets())); len(pkts) == 0 {
		t.Error("no HEVC packets")
	}
}

func TestSenderTimestamps(t *testing.T) {
	pc := listen(t)
	conn, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(conn, bitstream.CodecH264, WithFrameRate(25))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if d := s.Timestamp(25) - s.Timestamp(0); d != ClockRate {
		t.Errorf("one second of frames spans %d ticks, want %d", d, ClockRate)
	}
	if d := s.Timestamp(1) - s.Timestamp(0); d != 3600 {
		t.Errorf("frame duration = %d ticks, want 3600", d)
	}
}

func TestSenderClosed(t *testing.T) {
	pc := listen(t)
	s, err := Dial(pc.LocalAddr().String(), bitstream.CodecH264)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if err := s.WritePacket(encoder.Packet{Data: []byte{0, 0, 0, 1, 0x41}}); err == nil {
		t.Error("WritePacket after Close should fail")
	}
}

func TestUnsupportedCodec(t *testing.T) {
	pc := listen(t)
	if _, err := Dial(pc.LocalAddr().String(), "vp8"); err == nil {
		t.Error("expected error for vp8")
	}
}

func TestParamSetInjection(t *testing.T) {
	codec := bitstream.CodecH264
	ps := paramSets{codec: codec}

	withSPS := simdevice.AccessUnit(codec, 100, 40, true, []byte{1})
	if got := ps.apply(withSPS, true); !bytes.Equal(got, withSPS) {
		t.Error("unit carrying an SPS should pass through unchanged")
	}

	delta := simdevice.AccessUnit(codec, 100, 40, false, []byte{2})
	if got := ps.apply(delta, false); !bytes.Equal(got, delta) {
		t.Error("delta frame should not get parameter sets")
	}

	bareIDR := bitstream.AppendNAL(nil, []byte{0x65, 0x88, 0x80})
	got := ps.apply(bareIDR, true)
	units := bitstream.ParseAnnexB(codec, got)
	if len(units) != 3 {
		t.Fatalf("got %d units, want SPS, PPS, IDR", len(units))
	}
	want := []byte{bitstream.NALTypeSPS, bitstream.NALTypePPS, bitstream.NALTypeIDR}
	for i, u := range units {
		if u.Type != want[i] {
			t.Errorf("unit %d type = %d, want %d", i, u.Type, want[i])
		}
	}

	empty := paramSets{codec: codec}
	if got := empty.apply(bareIDR, true); !bytes.Equal(got, bareIDR) {
		t.Error("nothing to inject before any SPS is seen")
	}
}
