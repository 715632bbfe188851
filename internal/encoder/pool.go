package encoder

import (
	"context"
	"fmt"
	"sync"
)

// SlotState tracks who owns an input buffer.
type SlotState int

// Input buffer lifecycle: Free -> Filling -> Queued -> InFlight -> Free.
const (
	SlotFree SlotState = iota
	SlotFilling
	SlotQueued
	SlotInFlight
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotFilling:
		return "filling"
	case SlotQueued:
		return "queued"
	case SlotInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// InputBuffer is one slot of the pool. Planes alias device memory.
type InputBuffer struct {
	Index    int
	Planes   [][]byte
	State    SlotState
	Sequence uint64
}

// BufferPool owns a fixed arena of input buffers indexed by handle.
// Acquire blocks while every buffer is owned by the device, which is what
// bounds memory when the device falls behind.
type BufferPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slots  []InputBuffer
	free   []int // FIFO of free handles
	closed bool
}

// NewBufferPool wraps device buffers. All start Free.
func NewBufferPool(buffers []DeviceBuffer) *BufferPool {
	p := &BufferPool{
		slots: make([]InputBuffer, len(buffers)),
		free:  make([]int, 0, len(buffers)),
	}
	p.cond = sync.NewCond(&p.mu)
	for i, b := range buffers {
		p.slots[i] = InputBuffer{Index: i, Planes: b.Planes}
		p.free = append(p.free, i)
	}
	return p
}

// Capacity returns the number of buffers in the pool.
func (p *BufferPool) Capacity() int {
	return len(p.slots)
}

// Acquire takes a Free buffer and marks it Filling, blocking until one is
// released, ctx is done or the pool is closed.
func (p *BufferPool) Acquire(ctx context.Context) (*InputBuffer, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free) == 0 && !p.closed && ctx.Err() == nil {
		p.cond.Wait()
	}
	if p.closed {
		return nil, NewError(ErrCodeSessionClosed, "buffer pool closed", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx := p.free[0]
	p.free = p.free[1:]
	slot := &p.slots[idx]
	slot.State = SlotFilling
	return slot, nil
}

// MarkQueued tags a Filling buffer with its frame sequence.
func (p *BufferPool) MarkQueued(idx int, seq uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := &p.slots[idx]
	if slot.State != SlotFilling {
		return fmt.Errorf("input buffer %d is %s, want %s", idx, slot.State, SlotFilling)
	}
	slot.State = SlotQueued
	slot.Sequence = seq
	return nil
}

// MarkInFlight records that the device accepted the buffer. It is a no-op
// if the buffer already completed, which can happen when the completion
// races the submitter.
func (p *BufferPool) MarkInFlight(idx int, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := &p.slots[idx]
	if slot.State == SlotQueued && slot.Sequence == seq {
		slot.State = SlotInFlight
	}
}

// Release returns a buffer to the free list and wakes one waiter.
func (p *BufferPool) Release(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < 0 || idx >= len(p.slots) {
		return fmt.Errorf("input buffer %d out of range", idx)
	}
	slot := &p.slots[idx]
	if slot.State == SlotFree {
		return fmt.Errorf("input buffer %d released twice", idx)
	}
	slot.State = SlotFree
	p.free = append(p.free, idx)
	p.cond.Signal()
	return nil
}

// ReleaseAll forces every buffer back to Free. Used once the device has
// been stopped and can no longer touch the memory.
func (p *BufferPool) ReleaseAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for i := range p.slots {
		if p.slots[i].State != SlotFree {
			p.slots[i].State = SlotFree
			p.free = append(p.free, i)
			n++
		}
	}
	p.cond.Broadcast()
	return n
}

// Outstanding returns the number of buffers that are not Free.
func (p *BufferPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots) - len(p.free)
}

// State returns the state of one buffer.
func (p *BufferPool) State(idx int) SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[idx].State
}

// Close fails current and future Acquire calls. Release keeps working so
// in-flight buffers can still come home.
func (p *BufferPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}
