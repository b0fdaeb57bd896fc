// Package audio decouples bursty network delivery of decoded audio frames
// from a fixed-cadence output device.
package audio

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/Intercom/internal/core"
)

const (
	DefaultCapacity = 5
	DefaultWarmup   = 2
)

// Buffer is a bounded FIFO of audio frames. Push never blocks; a full buffer
// evicts its oldest frame. Pull yields nothing until warmup frames are queued,
// and re-arms the warm-up after an underrun.
type Buffer struct {
	mu       sync.Mutex
	frames   []core.Frame
	head     int
	size     int
	warmup   int
	draining bool

	evicted atomic.Uint64
}

func NewBuffer(capacity, warmup int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if warmup <= 0 {
		warmup = 1
	}
	if warmup > capacity {
		warmup = capacity
	}
	return &Buffer{
		frames: make([]core.Frame, capacity),
		warmup: warmup,
	}
}

func (b *Buffer) Capacity() int { return len(b.frames) }

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Evicted reports how many frames were dropped to make room.
func (b *Buffer) Evicted() uint64 { return b.evicted.Load() }

func (b *Buffer) Push(f core.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	capacity := len(b.frames)
	if b.size == capacity {
		b.frames[b.head] = nil
		b.head = (b.head + 1) % capacity
		b.size--
		b.evicted.Add(1)
	}
	b.frames[(b.head+b.size)%capacity] = f
	b.size++
	if b.size >= b.warmup {
		b.draining = true
	}
}

// Pull dequeues the oldest frame once the buffer has warmed up.
func (b *Buffer) Pull() (core.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.draining || b.size == 0 {
		return nil, false
	}
	f := b.frames[b.head]
	b.frames[b.head] = nil
	b.head = (b.head + 1) % len(b.frames)
	b.size--
	if b.size == 0 {
		b.draining = false
	}
	return f, true
}

// Snapshot returns the queued frames in presentation order.
func (b *Buffer) Snapshot() []core.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Frame, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.frames[(b.head+i)%len(b.frames)])
	}
	return out
}

// Reset discards every queued frame and the warm-up state.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head = 0
	b.size = 0
	b.draining = false
}
