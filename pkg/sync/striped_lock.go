package sync

import (
	"sort"
	base "sync"
)

const (
	hashEntriesPerLock = 200
)

// StripedLock is a partitioned locking mechanism that consistently maps a key
// space to a set of locks. This provides concurrent data access while also
// limiting the total memory footprint.
type StripedLock struct {
	locks    []base.RWMutex
	hashRing *ring
}

// NewStripedLock returns a new StripedLock with a static number of stripes,
// at least one.
func NewStripedLock(stripes uint) *StripedLock {
	stripes = max(stripes, 1)
	return &StripedLock{
		locks:    make([]base.RWMutex, stripes),
		hashRing: newRing(stripeNames("lock", stripes), hashEntriesPerLock),
	}
}

// Get gets the lock for a key
func (l *StripedLock) Get(key []byte) *base.RWMutex {
	return &l.locks[l.stripe(key)]
}

func (l *StripedLock) stripe(key []byte) int {
	return l.hashRing.shard(key)
}

// TryLockAll attempts to take every stripe covering the provided keys without
// blocking. Stripes covering a writable key are taken exclusively, all others
// shared. Either every stripe is taken and unlock releases them, or none are.
//
// Distinct keys can share a stripe, so a conflict may be reported for keys
// that don't overlap.
func (l *StripedLock) TryLockAll(writable, readonly [][]byte) (unlock func(), ok bool) {
	exclusive := make(map[int]bool)
	for _, key := range readonly {
		exclusive[l.stripe(key)] = false
	}
	for _, key := range writable {
		exclusive[l.stripe(key)] = true
	}

	stripes := make([]int, 0, len(exclusive))
	for stripe := range exclusive {
		stripes = append(stripes, stripe)
	}
	sort.Ints(stripes)

	release := func(held []int) {
		for _, stripe := range held {
			if exclusive[stripe] {
				l.locks[stripe].Unlock()
			} else {
				l.locks[stripe].RUnlock()
			}
		}
	}

	for i, stripe := range stripes {
		var locked bool
		if exclusive[stripe] {
			locked = l.locks[stripe].TryLock()
		} else {
			locked = l.locks[stripe].TryRLock()
		}

		if !locked {
			release(stripes[:i])
			return nil, false
		}
	}

	var once base.Once
	return func() { once.Do(func() { release(stripes) }) }, true
}
