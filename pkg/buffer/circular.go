package buffer

import (
	"sync"

	"github.com/c360/reef/errors"
)

type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest item
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	notFull *sync.Cond
	closed  bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	cb.notFull = sync.NewCond(&cb.mu)
	return cb, nil
}

// at returns the i-th live item counting from the oldest.
func (cb *circularBuffer[T]) at(i int) T {
	return cb.items[(cb.tail+i)%cb.capacity]
}

func (cb *circularBuffer[T]) Write(item T) error {
	var dropped []T
	err := cb.write(item, &dropped)
	cb.notifyDropped(dropped)
	return err
}

func (cb *circularBuffer[T]) write(item T, dropped *[]T) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	if cb.size == cb.capacity {
		cb.stats.Overflow()
		if cb.metrics != nil {
			cb.metrics.recordOverflow()
		}

		switch cb.opts.overflowPolicy {
		case DropNewest:
			cb.recordDrop()
			*dropped = append(*dropped, item)
			return nil

		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write",
					"buffer closed during blocking wait")
			}

		default:
			var zero T
			*dropped = append(*dropped, cb.items[cb.tail])
			cb.items[cb.tail] = zero
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
			cb.recordDrop()
		}
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	return nil
}

func (cb *circularBuffer[T]) recordDrop() {
	cb.stats.Drop()
	if cb.metrics != nil {
		cb.metrics.recordDrop()
	}
}

func (cb *circularBuffer[T]) notifyDropped(items []T) {
	if cb.opts.dropCallback == nil {
		return
	}
	for _, item := range items {
		cb.opts.dropCallback(item)
	}
}

func (cb *circularBuffer[T]) Read() (T, bool) {
	items := cb.ReadBatch(1)
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}

	var zero T
	result := make([]T, n)
	for i := range result {
		result[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % cb.capacity
		cb.stats.Read()
	}
	cb.size -= n

	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordReads(n, cb.size, cb.capacity)
	}
	cb.notFull.Broadcast()
	return result
}

func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	cb.stats.Peek()
	return cb.items[cb.tail], true
}

func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make([]T, cb.size)
	for i := range out {
		out[i] = cb.at(i)
	}
	cb.stats.Peek()
	return out
}

func (cb *circularBuffer[T]) RemoveFunc(pred func(T) bool) int {
	if pred == nil {
		return 0
	}

	cb.mu.Lock()
	kept := make([]T, 0, cb.size)
	var removed []T
	for i := 0; i < cb.size; i++ {
		item := cb.at(i)
		if pred(item) {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}

	if len(removed) > 0 {
		var zero T
		for i := range cb.items {
			cb.items[i] = zero
		}
		copy(cb.items, kept)
		cb.tail = 0
		cb.size = len(kept)
		cb.head = cb.size % cb.capacity

		cb.stats.UpdateSize(int64(cb.size))
		if cb.metrics != nil {
			cb.metrics.updateSize(cb.size, cb.capacity)
		}
		cb.notFull.Broadcast()
	}
	cb.mu.Unlock()

	cb.notifyDropped(removed)
	return len(removed)
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == 0
}

func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	var zero T
	for i := range cb.items {
		cb.items[i] = zero
	}
	cb.head, cb.tail, cb.size = 0, 0, 0
	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}
	cb.notFull.Broadcast()
	cb.mu.Unlock()
}

func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.closed {
		cb.closed = true
		cb.notFull.Broadcast()
	}
	return nil
}
