package etcd

import (
	"context"
	"maps"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	v3 "go.etcd.io/etcd/client/v3"

	"github.com/code-payments/escrow-server/pkg/retry"
	"github.com/code-payments/escrow-server/pkg/retry/backoff"
)

const watchRetryDelay = time.Second

// Snapshot is every record under a prefix at a point in time.
type Snapshot[K comparable, V any] struct {
	Tree map[K]V
}

// KVTransform maps a raw etcd record to the entry it represents. Records it
// rejects are left out of snapshots.
type KVTransform[K comparable, V any] func(k, v []byte) (K, V, error)

type prefixWatcher[K comparable, V any] struct {
	log       *logrus.Entry
	client    *v3.Client
	prefix    string
	transform KVTransform[K, V]
	out       chan Snapshot[K, V]
}

// WatchPrefix emits a Snapshot of the records under prefix, first as they are
// now and again after every change. Watches that fail are restarted from a
// fresh read. The channel is closed once ctx is cancelled.
func WatchPrefix[K comparable, V any](
	ctx context.Context,
	client *v3.Client,
	prefix string,
	transform KVTransform[K, V],
) <-chan Snapshot[K, V] {
	w := &prefixWatcher[K, V]{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"method": "WatchPrefix",
			"prefix": prefix,
		}),
		client:    client,
		prefix:    prefix,
		transform: transform,
		out:       make(chan Snapshot[K, V], 1),
	}

	go func() {
		defer close(w.out)

		_, _ = retry.Retry(
			func() error { return w.watch(ctx) },
			retry.NonRetriableErrors(context.Canceled),
			retry.RetriableFunc(func(err error) bool {
				w.log.WithError(err).Warn("failure watching prefix, restarting")
				return ctx.Err() == nil
			}),
			retry.BackoffWithJitter(backoff.Constant(watchRetryDelay), 2*watchRetryDelay, 0.1),
		)
		w.log.Debug("watch closed")
	}()

	return w.out
}

func (w *prefixWatcher[K, V]) watch(ctx context.Context) error {
	get, err := w.client.Get(ctx, w.prefix, v3.WithPrefix())
	if err != nil {
		return err
	}
	if get.More {
		w.log.WithFields(logrus.Fields{
			"total":    get.Count,
			"returned": len(get.Kvs),
		}).Warn("prefix truncated, snapshot is partial")
	}

	tree := make(map[K]V)
	for _, kv := range get.Kvs {
		w.put(tree, kv)
	}
	if !w.emit(ctx, tree) {
		return nil
	}

	// Previous values identify which entry a delete removes.
	watchCh := w.client.Watch(
		ctx,
		w.prefix,
		v3.WithPrefix(),
		v3.WithRev(get.Header.Revision+1),
		v3.WithPrevKV(),
	)
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			return err
		}

		for _, event := range resp.Events {
			switch event.Type {
			case v3.EventTypePut:
				w.put(tree, event.Kv)
			case v3.EventTypeDelete:
				if event.PrevKv == nil {
					continue
				}
				// Records that failed to transform were never added.
				if key, _, err := w.transform(event.PrevKv.Key, event.PrevKv.Value); err == nil {
					delete(tree, key)
				}
			}
		}

		if !w.emit(ctx, tree) {
			return nil
		}
	}

	return ctx.Err()
}

func (w *prefixWatcher[K, V]) put(tree map[K]V, kv *mvccpb.KeyValue) {
	key, val, err := w.transform(kv.Key, kv.Value)
	if err != nil {
		w.log.WithError(err).WithField("key", string(kv.Key)).Warn("invalid record, dropping")
		return
	}
	tree[key] = val
}

// emit returns false if ctx was cancelled before the snapshot was taken.
func (w *prefixWatcher[K, V]) emit(ctx context.Context, tree map[K]V) bool {
	select {
	case w.out <- Snapshot[K, V]{Tree: maps.Clone(tree)}:
		return true
	case <-ctx.Done():
		return false
	}
}
