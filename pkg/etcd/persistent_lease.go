package etcd

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/code-payments/escrow-server/pkg/retry"
	"github.com/code-payments/escrow-server/pkg/retry/backoff"
)

const (
	minLeaseTTL = time.Second
	maxLeaseTTL = time.Minute

	leaseRetryDelay = time.Second
)

var errSessionLost = errors.New("session lost")

// PersistentLease keeps a <key, value> pair attached to a lease in etcd until
// it is closed.
//
// If the process dies or is partitioned from etcd, the lease expires and the
// key disappears. Once etcd is reachable again, or if the key is deleted by
// someone else, the pair is written back under a fresh lease. Cluster
// memberships are built on this.
type PersistentLease struct {
	log    *logrus.Entry
	client *v3.Client
	ttl    int

	key        string
	val        string
	valCh      chan string
	recreateCh chan struct{}

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

// NewPersistentLease starts maintaining key in the background. ttl is
// truncated to whole seconds and must be within [1s, 60s].
func NewPersistentLease(client *v3.Client, key, val string, ttl time.Duration) (*PersistentLease, error) {
	ttl = ttl.Truncate(time.Second)
	if ttl < minLeaseTTL || ttl > maxLeaseTTL {
		return nil, errors.Errorf("invalid ttl %v: must be within [%v, %v]", ttl, minLeaseTTL, maxLeaseTTL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pl := &PersistentLease{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type": "etcd/persistent_lease",
			"key":  key,
		}),
		client: client,
		ttl:    int(ttl / time.Second),

		key:        key,
		val:        val,
		valCh:      make(chan string),
		recreateCh: make(chan struct{}),

		ctx:    ctx,
		cancel: cancel,
	}

	pl.wg.Add(2)
	go pl.run(pl.hold)
	go pl.run(pl.watch)

	return pl, nil
}

// SetValue replaces the value held under the key. It returns before the write
// reaches etcd, and is a no-op once the lease is closed.
func (pl *PersistentLease) SetValue(val string) {
	select {
	case pl.valCh <- val:
	case <-pl.ctx.Done():
	}
}

// Close stops maintaining the key and revokes the lease. It is idempotent, and
// a closed PersistentLease cannot be restarted.
func (pl *PersistentLease) Close() {
	pl.cancel()
	pl.wg.Wait()
}

// run repeats fn with a jittered delay until the lease is closed.
func (pl *PersistentLease) run(fn func() error) {
	defer pl.wg.Done()

	_, _ = retry.Retry(
		func() error {
			if pl.ctx.Err() != nil {
				return nil
			}
			return fn()
		},
		retry.RetriableFunc(func(err error) bool {
			pl.log.WithError(err).Warn("failure maintaining lease, retrying")
			return pl.ctx.Err() == nil
		}),
		retry.BackoffWithJitter(backoff.Constant(leaseRetryDelay), leaseRetryDelay, 0.1),
	)
}

// hold writes the key under a new session's lease, rewriting it whenever the
// value changes or the watcher reports it missing.
func (pl *PersistentLease) hold() error {
	// The session outlives pl.ctx so that closing it can still revoke the lease.
	session, err := concurrency.NewSession(pl.client, concurrency.WithTTL(pl.ttl))
	if err != nil {
		return errors.Wrap(err, "failed to create session")
	}
	defer func() {
		if err := session.Close(); err != nil {
			pl.log.WithError(err).Warn("failed to close session")
		}
	}()

	for {
		ctx, cancel := context.WithTimeout(pl.ctx, time.Duration(pl.ttl)*time.Second)
		_, err := pl.client.Put(ctx, pl.key, pl.val, v3.WithLease(session.Lease()))
		cancel()
		if err != nil {
			return errors.Wrapf(err, "failed to write key %q", pl.key)
		}

		select {
		case <-pl.ctx.Done():
			return nil
		case <-session.Done():
			return errSessionLost
		case <-pl.recreateCh:
		case pl.val = <-pl.valCh:
		}
	}
}

// watch signals hold whenever the key is deleted, which covers both external
// deletes and expiries the session has not noticed yet.
func (pl *PersistentLease) watch() error {
	for resp := range pl.client.Watch(pl.ctx, pl.key) {
		if err := resp.Err(); err != nil {
			return err
		}

		for _, e := range resp.Events {
			if e.Type != v3.EventTypeDelete {
				continue
			}

			select {
			case pl.recreateCh <- struct{}{}:
			case <-pl.ctx.Done():
				return nil
			}
		}
	}
	return nil
}
