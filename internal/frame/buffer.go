package frame

import (
	"sync"

	"github.com/adverant/nexus/counterscan-worker/internal/errors"
	"github.com/adverant/nexus/counterscan-worker/internal/logging"
)

// DefaultCapacity is the number of frames kept when no capacity is configured.
const DefaultCapacity = 4

// Buffer is a fixed-capacity FIFO of the most recent frames. Push and Snapshot
// may be called from different goroutines.
type Buffer struct {
	mu      sync.RWMutex
	ring    []*Frame
	head    int // index of the oldest frame
	size    int
	nextSeq uint64
	logger  *logging.Logger
}

// NewBuffer creates a buffer holding at most capacity frames.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		ring:   make([]*Frame, capacity),
		logger: logging.NewLogger("FrameBuffer"),
	}
}

// Push inserts f, evicting the oldest frame when full. Invalid frames are
// rejected and leave the buffer untouched. The buffer keeps its own copy of the
// frame header, numbered with the next sequence number; f itself is not
// modified and any Seq it carries is ignored.
func (b *Buffer) Push(f *Frame) error {
	if reason := f.valid(); reason != "" {
		w, h := 0, 0
		if f != nil {
			w, h = f.Width, f.Height
		}
		b.logger.Warn("Rejected frame", "width", w, "height", h, "reason", reason)
		return errors.NewInvalidFrameError(w, h, reason)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	stored := *f
	stored.Seq = b.nextSeq

	capacity := len(b.ring)
	if b.size < capacity {
		b.ring[(b.head+b.size)%capacity] = &stored
		b.size++
		return nil
	}

	b.ring[b.head] = &stored
	b.head = (b.head + 1) % capacity
	return nil
}

// Snapshot returns the buffered frames ordered oldest to newest. The slice is
// fresh; the frames (and their pixels) are shared.
func (b *Buffer) Snapshot() []*Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Frame, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

// Latest returns the newest frame, or nil when empty.
func (b *Buffer) Latest() *Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	return b.ring[(b.head+b.size-1)%len(b.ring)]
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.ring)
}
