package encoder

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/smazurov/m2menc/internal/bitstream"
)

// bareSession builds a session around a pool without a device, for driving
// submit directly.
func bareSession(state State, pool *BufferPool) *Session {
	logger := slog.Default()
	return &Session{
		name:     "bare",
		logger:   logger,
		state:    state,
		pool:     pool,
		emitter:  newPacketEmitter(bitstream.CodecH264, func(Packet, error) {}, logger),
		progress: make(chan struct{}, 1),
	}
}

func TestSubmitReleasesBufferOnReject(t *testing.T) {
	tests := []struct {
		name  string
		state State
		setup func(p *BufferPool, idx int)
		want  error
	}{
		{
			name:  "draining",
			state: StateDraining,
			want:  ErrSessionClosed,
		},
		{
			name:  "buffer not filling",
			state: StateStreaming,
			setup: func(p *BufferPool, idx int) { _ = p.MarkQueued(idx, 99) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewBufferPool(testBuffers(2))
			s := bareSession(tt.state, pool)

			buf, err := pool.Acquire(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if tt.setup != nil {
				tt.setup(pool, buf.Index)
			}

			err = s.submit(pool, buf.Index, []int{16}, "late", false)
			if err == nil {
				t.Fatal("submit should fail")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if st := pool.State(buf.Index); st != SlotFree {
				t.Errorf("buffer state = %s, want free", st)
			}
			if s.emitter.pending() != 0 {
				t.Errorf("pending = %d, want 0", s.emitter.pending())
			}
			select {
			case <-s.progress:
			default:
				t.Error("releasing the buffer should signal progress")
			}
		})
	}
}

// A frame still being copied when the drain starts must not hold the drain
// until its timeout.
func TestDrainWaitsForLateSubmitter(t *testing.T) {
	pool := NewBufferPool(testBuffers(2))
	s := bareSession(StateDraining, pool)

	buf, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- s.waitDrained(context.Background(), 5*time.Second) }()

	time.Sleep(50 * time.Millisecond)
	if err := s.submit(pool, buf.Index, []int{16}, "late", false); err == nil {
		t.Fatal("submit while draining should fail")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waitDrained: %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("drain took %s", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not notice the released buffer")
	}
}

func TestOutputPayload(t *testing.T) {
	buf := DeviceBuffer{Index: 0, Planes: [][]byte{[]byte("hdr:payload")}}

	tests := []struct {
		name    string
		ev      BufferReady
		want    string
		wantErr bool
	}{
		{"from start", BufferReady{BytesUsed: 3}, "hdr", false},
		{"with offset", BufferReady{DataOffset: 4, BytesUsed: 7}, "payload", false},
		{"empty", BufferReady{DataOffset: 4}, "", false},
		{"past end", BufferReady{DataOffset: 4, BytesUsed: 8}, "", true},
		{"negative offset", BufferReady{DataOffset: -1, BytesUsed: 2}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := outputPayload(buf, tt.ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if string(got) != tt.want {
				t.Errorf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}
