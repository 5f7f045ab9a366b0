// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import "sync/atomic"

// RingChannel wraps a buffered channel so producers never block: when the
// buffer is full the oldest element is discarded to make room.
//
// Readers use C() like a normal receive-only channel. Writers use Send.
//
//	rc := ringchan.New[Event](16)
//	rc.Send(ev)      // always succeeds, drops the oldest if full
//	for ev := range rc.C() { ... }
type RingChannel[T any] struct {
	ch      chan T
	written atomic.Int64
	dropped atomic.Int64
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It never blocks as long as it is the only writer. Reports whether an
// element was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return false
	default:
	}

	dropped := false
	select {
	case <-rc.ch:
		rc.dropped.Add(1)
		dropped = true
	default:
	}

	select {
	case rc.ch <- v:
		rc.written.Add(1)
	default:
		// A concurrent writer took the freed slot; v is the element lost.
		rc.dropped.Add(1)
		dropped = true
	}
	return dropped
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Written returns how many elements were accepted.
func (rc *RingChannel[T]) Written() int64 {
	return rc.written.Load()
}

// Dropped returns how many elements were discarded.
func (rc *RingChannel[T]) Dropped() int64 {
	return rc.dropped.Load()
}

// Close closes the underlying channel. Send must not be called afterwards.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
