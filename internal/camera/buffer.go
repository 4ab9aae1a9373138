package camera

import (
	"sync"
	"time"
)

// DefaultBufferSize is used when a camera does not configure one
const DefaultBufferSize = 10

// FrameBuffer is a bounded FIFO of the most recent frames of one camera.
// Push never blocks: a full buffer evicts its oldest frame first.
type FrameBuffer struct {
	mu       sync.Mutex
	frames   []*Frame
	head     int
	tail     int
	count    int
	capacity int

	// ready holds at most one wake-up token for blocked readers
	ready chan struct{}
}

// NewFrameBuffer creates a buffer holding at most capacity frames
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 1 {
		capacity = DefaultBufferSize
	}
	return &FrameBuffer{
		frames:   make([]*Frame, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// Push appends a frame and reports whether the oldest frame was evicted
func (b *FrameBuffer) Push(f *Frame) (evicted bool) {
	b.mu.Lock()
	if b.count == b.capacity {
		b.frames[b.tail] = nil
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		evicted = true
	}
	b.frames[b.head] = f
	b.head = (b.head + 1) % b.capacity
	b.count++
	b.mu.Unlock()

	b.signal()
	return evicted
}

// TryPop removes and returns the oldest frame, or nil when empty
func (b *FrameBuffer) TryPop() *Frame {
	b.mu.Lock()
	f := b.popLocked()
	more := b.count > 0
	b.mu.Unlock()

	// pass the wake-up on to the next waiting reader
	if f != nil && more {
		b.signal()
	}
	return f
}

// Pop waits up to timeout for a frame and returns the oldest one
func (b *FrameBuffer) Pop(timeout time.Duration) *Frame {
	if f := b.TryPop(); f != nil {
		return f
	}
	if timeout <= 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-b.ready:
			if f := b.TryPop(); f != nil {
				return f
			}
		case <-timer.C:
			return b.TryPop()
		}
	}
}

// Latest drains the buffer and returns only the newest frame
func (b *FrameBuffer) Latest() *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	var latest *Frame
	for b.count > 0 {
		latest = b.popLocked()
	}
	return latest
}

// Snapshot returns the buffered frames oldest first without consuming them
func (b *FrameBuffer) Snapshot() []*Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}
	frames := make([]*Frame, b.count)
	idx := b.tail
	for i := 0; i < b.count; i++ {
		frames[i] = b.frames[idx]
		idx = (idx + 1) % b.capacity
	}
	return frames
}

// Len returns the number of buffered frames
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity
func (b *FrameBuffer) Cap() int {
	return b.capacity
}

// Clear drops every buffered frame and returns how many were dropped
func (b *FrameBuffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head, b.tail, b.count = 0, 0, 0
	return n
}

// popLocked must be called with the lock held
func (b *FrameBuffer) popLocked() *Frame {
	if b.count == 0 {
		return nil
	}
	f := b.frames[b.tail]
	b.frames[b.tail] = nil
	b.tail = (b.tail + 1) % b.capacity
	b.count--
	return f
}

func (b *FrameBuffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
