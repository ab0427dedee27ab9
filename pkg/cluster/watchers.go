package cluster

import (
	"context"
	"slices"
	"sync"
)

// Watchers fans member sets out to WatchMembers channels. The zero value is
// ready to use.
type Watchers struct {
	mu  sync.Mutex
	chs []chan []Member
}

// Add registers a watcher primed with current. Its channel is closed once ctx
// is cancelled or done is closed.
func (w *Watchers) Add(ctx context.Context, done <-chan struct{}, current []Member) <-chan []Member {
	ch := make(chan []Member, 1)
	ch <- slices.Clone(current)

	w.mu.Lock()
	w.chs = append(w.chs, ch)
	w.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}

		w.mu.Lock()
		defer w.mu.Unlock()

		if i := slices.Index(w.chs, ch); i >= 0 {
			w.chs = slices.Delete(w.chs, i, i+1)
		}
		close(ch)
	}()

	return ch
}

// Notify offers members to every watcher. Watchers still holding an unread
// set are skipped.
func (w *Watchers) Notify(members []Member) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ch := range w.chs {
		select {
		case ch <- slices.Clone(members):
		default:
		}
	}
}
