package buffer

// Buffer is a bounded, thread-safe FIFO of items of type T.
type Buffer[T any] interface {
	// Write appends an item. When the buffer is full the overflow policy
	// decides which item is dropped or whether Write waits.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max of the oldest items.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Snapshot returns a copy of the live items, oldest first.
	Snapshot() []T

	// RemoveFunc removes every item for which pred returns true, keeping the
	// relative order of the rest, and reports how many were removed. Removed
	// items are passed to the drop callback.
	RemoveFunc(pred func(T) bool) int

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items.
	Clear()

	// Stats returns the buffer statistics.
	Stats() *Statistics

	// Close wakes blocked writers; later writes fail.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, for each dropped item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// It fails only when metrics were requested and registration fails.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
