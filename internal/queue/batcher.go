// Package queue groups a stream of items into batches.
package queue

import (
	"sync"
	"time"
)

// Batcher collects pushed items and emits them as batches on Out.
// A batch is emitted when it reaches the configured size, or when the
// maximum wait has passed since its first item arrived, whichever comes
// first. Out is bounded, so Push blocks while consumers are behind.
type Batcher[T any] struct {
	size    int
	maxWait time.Duration

	mu     sync.Mutex
	buf    []T
	timer  *time.Timer
	gen    uint64
	closed bool

	out     chan []T
	sending sync.WaitGroup
}

// NewBatcher creates a Batcher. size and buffer are clamped to at least 1;
// a non-positive maxWait disables the timeout flush.
func NewBatcher[T any](size int, maxWait time.Duration, buffer int) *Batcher[T] {
	if size < 1 {
		size = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Batcher[T]{
		size:    size,
		maxWait: maxWait,
		out:     make(chan []T, buffer),
	}
}

// Out delivers batches. It is closed after Close has emitted the
// remainder. Consumers must keep reading until then.
func (b *Batcher[T]) Out() <-chan []T {
	return b.out
}

// Push adds an item. It returns false after Close.
func (b *Batcher[T]) Push(item T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.buf = append(b.buf, item)
	if len(b.buf) == 1 && b.maxWait > 0 {
		gen := b.gen
		b.timer = time.AfterFunc(b.maxWait, func() { b.onTimer(gen) })
	}
	var batch []T
	if len(b.buf) >= b.size {
		batch = b.takeLocked()
	}
	b.mu.Unlock()

	b.send(batch)
	return true
}

// Flush emits the pending items now, if any.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.send(batch)
}

// Pending returns the number of items waiting for their batch.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Close emits the remainder and closes Out. Safe to call more than once.
func (b *Batcher[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()

	b.send(batch)
	b.sending.Wait()
	close(b.out)
}

func (b *Batcher[T]) onTimer(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()
	b.send(batch)
}

// takeLocked detaches the buffer and registers the pending send so Close
// cannot close Out underneath it.
func (b *Batcher[T]) takeLocked() []T {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	if len(b.buf) == 0 {
		return nil
	}
	batch := b.buf
	b.buf = nil
	b.sending.Add(1)
	return batch
}

func (b *Batcher[T]) send(batch []T) {
	if batch == nil {
		return
	}
	defer b.sending.Done()
	b.out <- batch
}
