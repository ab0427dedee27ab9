package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/cluster"
)

var errClosed = errors.New("cluster closed")

// Cluster keeps membership in process. It is used by single node deployments
// and tests.
type Cluster struct {
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	registered map[string]string
	watchers   cluster.Watchers
}

func NewCluster() *Cluster {
	return &Cluster{
		done:       make(chan struct{}),
		registered: make(map[string]string),
	}
}

func (c *Cluster) CreateMembership() (cluster.Membership, error) {
	select {
	case <-c.done:
		return nil, errClosed
	default:
	}
	return &membership{c: c, id: uuid.NewString()}, nil
}

func (c *Cluster) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cluster) GetMembers(_ context.Context) ([]cluster.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), nil
}

func (c *Cluster) WatchMembers(ctx context.Context) <-chan []cluster.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchers.Add(ctx, c.done, c.snapshot())
}

// snapshot requires c.mu.
func (c *Cluster) snapshot() []cluster.Member {
	ids := slices.Sorted(maps.Keys(c.registered))
	members := make([]cluster.Member, len(ids))
	for i, id := range ids {
		members[i] = cluster.Member{ID: id, Data: c.registered[id]}
	}
	return members
}

// update applies fn under the lock and notifies watchers when it reports a
// change to the registered set.
func (c *Cluster) update(fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !fn() {
		return
	}
	select {
	case <-c.done:
	default:
		c.watchers.Notify(c.snapshot())
	}
}

type membership struct {
	c  *Cluster
	id string

	mu   sync.Mutex
	data string
}

func (m *membership) ID() string {
	return m.id
}

func (m *membership) Data() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

func (m *membership) SetData(data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = data
	m.c.update(func() bool {
		old, ok := m.c.registered[m.id]
		if !ok || old == data {
			return false
		}
		m.c.registered[m.id] = data
		return true
	})
	return nil
}

func (m *membership) Register(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.c.update(func() bool {
		if _, ok := m.c.registered[m.id]; ok {
			return false
		}
		m.c.registered[m.id] = m.data
		return true
	})
	return nil
}

func (m *membership) Deregister(_ context.Context) error {
	m.c.update(func() bool {
		if _, ok := m.c.registered[m.id]; !ok {
			return false
		}
		delete(m.c.registered, m.id)
		return true
	})
	return nil
}
