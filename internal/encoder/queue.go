package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// BufferReady is a completion translated off the device's completion
// context. Err is set, and Index is -1, when the plane failed.
type BufferReady struct {
	Index      int
	Sequence   uint64
	BytesUsed  int
	DataOffset int
	Keyframe   bool
	Last       bool
	Err        error
}

// planeQueue wraps one device plane: Submit hands buffers over, run turns
// device completions into BufferReady events. It keeps a bounded FIFO ring
// of outstanding handles and nothing else.
type planeQueue struct {
	plane  Plane
	dev    Device
	logger *slog.Logger

	mu    sync.Mutex
	ring  []int
	head  int
	count int

	ready chan BufferReady
}

func newPlaneQueue(plane Plane, dev Device, depth int, logger *slog.Logger) *planeQueue {
	return &planeQueue{
		plane:  plane,
		dev:    dev,
		logger: logger.With("plane", plane.String()),
		ring:   make([]int, depth),
		ready:  make(chan BufferReady, depth+1),
	}
}

// Submit hands a buffer to the device without blocking.
func (q *planeQueue) Submit(sub Submission) error {
	q.mu.Lock()
	if q.count == len(q.ring) {
		q.mu.Unlock()
		return fmt.Errorf("%s queue full (%d outstanding)", q.plane, q.count)
	}
	q.ring[(q.head+q.count)%len(q.ring)] = sub.Index
	q.count++
	q.mu.Unlock()

	if err := q.dev.Queue(q.plane, sub); err != nil {
		q.mu.Lock()
		q.count--
		q.mu.Unlock()
		return err
	}
	return nil
}

// Outstanding returns how many buffers the device currently holds.
func (q *planeQueue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// complete removes idx from the ring. Completions are expected in FIFO
// order; an out-of-order one is tolerated but logged.
func (q *planeQueue) complete(idx int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return fmt.Errorf("%s buffer %d completed but none outstanding", q.plane, idx)
	}
	if q.ring[q.head] == idx {
		q.head = (q.head + 1) % len(q.ring)
		q.count--
		return nil
	}

	for i := 1; i < q.count; i++ {
		pos := (q.head + i) % len(q.ring)
		if q.ring[pos] != idx {
			continue
		}
		q.logger.Debug("Buffer completed out of order", "index", idx, "expected", q.ring[q.head])
		for j := i; j < q.count-1; j++ {
			q.ring[(q.head+j)%len(q.ring)] = q.ring[(q.head+j+1)%len(q.ring)]
		}
		q.count--
		return nil
	}
	return fmt.Errorf("%s buffer %d completed but was not queued", q.plane, idx)
}

// run dequeues completions until ctx is done or the plane stops, then
// closes ready. A device fault is delivered as a final event.
func (q *planeQueue) run(ctx context.Context) {
	defer close(q.ready)

	for {
		c, err := q.dev.Dequeue(ctx, q.plane)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrStreamStopped) {
				q.logger.Debug("Completion loop stopped", "reason", err)
				return
			}
			q.ready <- BufferReady{Index: -1, Err: err}
			return
		}

		if err := q.complete(c.Index); err != nil {
			q.ready <- BufferReady{Index: -1, Err: err}
			return
		}

		q.ready <- BufferReady{
			Index:      c.Index,
			Sequence:   c.Sequence,
			BytesUsed:  c.BytesUsed,
			DataOffset: c.DataOffset,
			Keyframe:   c.Keyframe,
			Last:       c.Last,
			Err:        c.Err,
		}
	}
}
