// Package boundedchan provides a queue of bounded depth whose data are entered
// and removed via channels. Sending never waits for the receiver: when the
// queue is full, the oldest queued value is discarded.
package boundedchan

import "sync/atomic"

// BoundedChannel is a drop-oldest queue between a producer that must not
// block and a consumer that may be slow.
// Beware! You almost certainly want T to be a small value; use pointers for large objects.
type BoundedChannel[T any] struct {
	in      chan T
	out     chan T
	depth   int
	queue   []T
	dropped atomic.Int64
}

// NewBoundedChannel creates and starts a BoundedChannel holding at most depth values.
func NewBoundedChannel[T any](depth int) *BoundedChannel[T] {
	if depth < 1 {
		depth = 1
	}
	bc := &BoundedChannel[T]{
		in:    make(chan T),
		out:   make(chan T),
		depth: depth,
		queue: make([]T, 0, depth),
	}
	go bc.run()
	return bc
}

func (bc *BoundedChannel[T]) push(val T) {
	if len(bc.queue) == bc.depth {
		var zero T
		bc.queue[0] = zero
		bc.queue = bc.queue[1:]
		bc.dropped.Add(1)
	}
	bc.queue = append(bc.queue, val)
}

func (bc *BoundedChannel[T]) run() {
	for {
		if len(bc.queue) == 0 {
			val, ok := <-bc.in
			if !ok {
				close(bc.out)
				return
			}
			bc.push(val)
			continue
		}
		select {
		case bc.out <- bc.queue[0]:
			bc.queue = bc.queue[1:]
		case val, ok := <-bc.in:
			if !ok {
				// Deliver what is queued, then close the output.
				for _, item := range bc.queue {
					bc.out <- item
				}
				close(bc.out)
				return
			}
			bc.push(val)
		}
	}
}

// In returns the input channel. Close it to end the stream.
func (bc *BoundedChannel[T]) In() chan<- T {
	return bc.in
}

// Out returns the output channel, closed after the input is closed and the queue drained.
func (bc *BoundedChannel[T]) Out() <-chan T {
	return bc.out
}

// Dropped returns how many values were discarded because the queue was full.
func (bc *BoundedChannel[T]) Dropped() int64 {
	return bc.dropped.Load()
}
