package lock

import (
	"context"
	"errors"
)

// ErrLocked indicates at least one requested account is held by another
// transaction.
var ErrLocked = errors.New("lock: account in use")

// AccountLocker guards the accounts touched by an in-flight transaction.
//
// Lock never waits on a conflicting holder. It either acquires every key and
// returns a release func, or acquires nothing and returns ErrLocked. Writable
// keys are exclusive. Readonly keys may be shared, though implementations are
// free to take them exclusively.
type AccountLocker interface {
	Lock(ctx context.Context, writable, readonly [][]byte) (release func(), err error)
}
