package local

import (
	"context"

	"github.com/code-payments/escrow-server/pkg/lock"
	"github.com/code-payments/escrow-server/pkg/sync"
)

const (
	DefaultStripes = 1024
)

type locker struct {
	locks *sync.StripedLock
}

// NewAccountLocker returns an in-process lock.AccountLocker backed by striped
// read-write mutexes.
func NewAccountLocker(stripes uint) lock.AccountLocker {
	if stripes == 0 {
		stripes = DefaultStripes
	}

	return &locker{
		locks: sync.NewStripedLock(stripes),
	}
}

// Lock implements lock.AccountLocker.Lock
func (l *locker) Lock(ctx context.Context, writable, readonly [][]byte) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release, ok := l.locks.TryLockAll(writable, readonly)
	if !ok {
		return nil, lock.ErrLocked
	}
	return release, nil
}
