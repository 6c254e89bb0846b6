// Package queue provides a minimal FIFO abstraction shared by the Request
// Queue, the client connection's outbound buffer, and anywhere else in the
// gateway that needs ordered, untyped storage without pulling in a
// container/list dependency.
package queue

// Queue is a generic FIFO over any, letting the Request Queue hold
// (request, callback) pairs and the client connection hold raw frames
// behind the same interface.
type Queue interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(any)
	// Dequeue removes and returns the item at the head of the queue, or nil
	// if the queue is empty.
	Dequeue() any
	// Peek returns the item at the head of the queue without removing it,
	// or nil if the queue is empty.
	Peek() any
	// Reset discards every queued item.
	Reset()
	// IsEmpty reports whether the queue currently holds no items.
	IsEmpty() bool
	// Length returns the number of items currently queued.
	Length() int
}
