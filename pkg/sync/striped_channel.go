package sync

import (
	base "sync"
)

const hashEntriesPerChannel = 200

// StripedChannel is a set of buffered channels with keys consistently mapped
// onto them. Values sent with the same key are received in order by the
// same receiver.
type StripedChannel[T any] struct {
	ring     *ring
	channels []chan T

	mu     base.RWMutex
	closed bool
}

// NewStripedChannel returns count channels, each buffering queueSize values.
// A count of zero is treated as one.
func NewStripedChannel[T any](count, queueSize uint) *StripedChannel[T] {
	count = max(count, 1)

	channels := make([]chan T, count)
	for i := range channels {
		channels[i] = make(chan T, queueSize)
	}

	return &StripedChannel[T]{
		ring:     newRing(stripeNames("chan", count), hashEntriesPerChannel),
		channels: channels,
	}
}

// GetChannels returns the receiving end of every stripe.
func (c *StripedChannel[T]) GetChannels() []<-chan T {
	receivers := make([]<-chan T, len(c.channels))
	for i, ch := range c.channels {
		receivers[i] = ch
	}
	return receivers
}

// Send offers value to the stripe owning key without blocking. It returns
// false when the stripe is full or the channel is closed.
func (c *StripedChannel[T]) Send(key []byte, value T) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.channels[c.ring.shard(key)] <- value:
		return true
	default:
		return false
	}
}

// Close closes every stripe. Later sends are rejected.
func (c *StripedChannel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		close(ch)
	}
}
