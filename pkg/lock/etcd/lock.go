package etcd

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	base "sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/code-payments/escrow-server/pkg/lock"
	"github.com/code-payments/escrow-server/pkg/sync"
)

const (
	releaseTimeout = 5 * time.Second
	localStripes   = 1024
)

// AccountLocker is a lock.AccountLocker shared by every node attached to the
// same etcd cluster. Each account maps to one etcd mutex under rootKey.
// Readonly keys are locked exclusively.
//
// etcd mutexes are re-entrant per session, so transactions within the same
// process are first arbitrated by a local striped lock.
type AccountLocker struct {
	log     *logrus.Entry
	client  *v3.Client
	rootKey string
	lockTTL int

	local *sync.StripedLock

	closeOnce base.Once
	closeCh   chan struct{}

	sessionMu base.Mutex
	session   *concurrency.Session
}

func NewAccountLocker(
	client *v3.Client,
	rootKey string,
	lockTTL time.Duration,
) (*AccountLocker, error) {
	// WithTTL() will default the TTL to 60 seconds if TTL <= 0 || TTL > 60 seconds.
	if lockTTL < time.Second || lockTTL > time.Minute {
		return nil, fmt.Errorf("invalid lock ttl: %d (must be [1s, 60s]", lockTTL)
	}

	lockTTLSeconds := int(lockTTL.Round(time.Second).Seconds())

	session, err := newSession(client, lockTTLSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	l := &AccountLocker{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type": "lock/etcd",
			"root": rootKey,
		}),
		client:  client,
		rootKey: rootKey,
		lockTTL: lockTTLSeconds,

		local: sync.NewStripedLock(localStripes),

		closeCh: make(chan struct{}),
		session: session,
	}

	// The session keeps itself alive, but can still end for good if the
	// cluster is leaderless for longer than the TTL. watchSession replaces it.
	go l.watchSession()

	return l, nil
}

func newSession(client *v3.Client, ttl int) (*concurrency.Session, error) {
	return concurrency.NewSession(
		client,
		concurrency.WithTTL(ttl),
		concurrency.WithContext(v3.WithRequireLeader(context.Background())),
	)
}

// Lock implements lock.AccountLocker.Lock
func (l *AccountLocker) Lock(ctx context.Context, writable, readonly [][]byte) (func(), error) {
	l.sessionMu.Lock()
	session := l.session
	l.sessionMu.Unlock()

	if session == nil {
		return nil, fmt.Errorf("account locker is closed")
	}

	releaseLocal, ok := l.local.TryLockAll(writable, readonly)
	if !ok {
		return nil, lock.ErrLocked
	}

	keys := l.lockKeys(writable, readonly)

	held := make([]*concurrency.Mutex, 0, len(keys))
	release := func() {
		defer releaseLocal()

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		for _, m := range held {
			if err := m.Unlock(ctx); err != nil {
				// The lease expiring releases the key regardless.
				l.log.WithError(err).WithField("key", m.Key()).Warn("failed to release account lock")
			}
		}
	}

	for _, key := range keys {
		m := concurrency.NewMutex(session, key)

		err := m.TryLock(ctx)
		if err == concurrency.ErrLocked {
			release()
			return nil, lock.ErrLocked
		} else if err != nil {
			release()
			return nil, fmt.Errorf("failed to lock %s: %w", key, err)
		}

		held = append(held, m)
	}

	var once base.Once
	return func() { once.Do(release) }, nil
}

// lockKeys returns the sorted, de-duplicated etcd prefixes for the accounts.
func (l *AccountLocker) lockKeys(writable, readonly [][]byte) []string {
	all := make([][]byte, 0, len(writable)+len(readonly))
	all = append(all, writable...)
	all = append(all, readonly...)

	sort.Slice(all, func(i, j int) bool {
		return bytes.Compare(all[i], all[j]) < 0
	})

	keys := make([]string, 0, len(all))
	for i, account := range all {
		if i > 0 && bytes.Equal(all[i-1], account) {
			continue
		}
		keys = append(keys, path.Join(l.rootKey, base58.Encode(account)))
	}
	return keys
}

// Close closes the locker. Every lock held through it is released.
func (l *AccountLocker) Close() {
	l.closeOnce.Do(func() {
		l.sessionMu.Lock()
		defer l.sessionMu.Unlock()

		close(l.closeCh)

		if err := l.session.Close(); err != nil {
			l.log.WithError(err).Warn("failed to close etcd session on close")
		}

		l.session = nil
	})
}

func (l *AccountLocker) watchSession() {
	for {
		l.sessionMu.Lock()
		session := l.session
		l.sessionMu.Unlock()

		if session == nil {
			return
		}

		select {
		case <-l.closeCh:
			return
		case <-session.Done():
		}

		l.log.Info("Locker session expired. Attempting to recreate session...")

		session, err := newSession(l.client, l.lockTTL)
		if err != nil {
			l.log.WithError(err).Warn("failed to recreate session for locker, retrying in 1s")
			time.Sleep(1 * time.Second)
			continue
		}

		l.sessionMu.Lock()
		if l.session == nil {
			l.sessionMu.Unlock()
			_ = session.Close()
			return
		}
		l.session = session
		l.sessionMu.Unlock()
	}
}
