package etcd

import (
	"cmp"
	"context"
	"encoding/json"
	"maps"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"

	"github.com/code-payments/escrow-server/pkg/cluster"
	"github.com/code-payments/escrow-server/pkg/etcd"
)

// Cluster is a cluster.Cluster whose members are JSON records under a root
// prefix, each kept alive by its own lease.
type Cluster struct {
	log    *logrus.Entry
	client *v3.Client
	root   string
	ttl    time.Duration

	ctx    context.Context
	cancel func()

	mu       sync.Mutex
	members  []cluster.Member
	watchers cluster.Watchers
}

// NewCluster loads the current members under root and keeps them up to date
// until Close. Memberships it creates are leased for ttl. It fails if ctx ends
// before the initial load completes.
func NewCluster(ctx context.Context, client *v3.Client, root string, ttl time.Duration) (*Cluster, error) {
	c := &Cluster{
		log:    logrus.StandardLogger().WithFields(logrus.Fields{"type": "cluster/etcd", "root": root}),
		client: client,
		root:   root,
		ttl:    ttl,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	snapshots := etcd.WatchPrefix(c.ctx, client, root, decodeMember)

	select {
	case snapshot, ok := <-snapshots:
		if !ok {
			c.cancel()
			return nil, errors.New("member watch closed")
		}
		c.update(snapshot.Tree)
	case <-ctx.Done():
		c.cancel()
		return nil, errors.Wrap(ctx.Err(), "timed out loading cluster members")
	}

	go func() {
		for snapshot := range snapshots {
			c.update(snapshot.Tree)
		}
	}()

	return c, nil
}

func decodeMember(_, v []byte) (string, cluster.Member, error) {
	var member cluster.Member
	if err := json.Unmarshal(v, &member); err != nil {
		return "", cluster.Member{}, err
	}
	if len(member.ID) == 0 {
		return "", cluster.Member{}, errors.New("member has no id")
	}
	return member.ID, member, nil
}

func (c *Cluster) update(tree map[string]cluster.Member) {
	members := slices.SortedFunc(maps.Values(tree), func(a, b cluster.Member) int {
		return cmp.Compare(a.ID, b.ID)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	c.members = members
	c.watchers.Notify(members)
	c.log.WithField("members", len(members)).Debug("cluster members updated")
}

func (c *Cluster) CreateMembership() (cluster.Membership, error) {
	id := uuid.NewString()
	return &Membership{
		client: c.client,
		ttl:    c.ttl,
		key:    path.Join(c.root, id),
		member: cluster.Member{ID: id},
	}, nil
}

func (c *Cluster) GetMembers(_ context.Context) ([]cluster.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.members), nil
}

func (c *Cluster) WatchMembers(ctx context.Context) <-chan []cluster.Member {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.watchers.Add(ctx, c.ctx.Done(), c.members)
}

// Close stops the member watch. Registered memberships are not affected.
func (c *Cluster) Close() {
	c.cancel()
}

// Membership is a cluster.Membership whose record is held by an
// etcd.PersistentLease while registered.
type Membership struct {
	client *v3.Client
	ttl    time.Duration
	key    string

	mu     sync.Mutex
	member cluster.Member
	lease  *etcd.PersistentLease
}

func (m *Membership) ID() string {
	return m.member.ID
}

func (m *Membership) Data() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.member.Data
}

func (m *Membership) SetData(data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.member.Data = data
	if m.lease == nil {
		return nil
	}

	record, err := m.record()
	if err != nil {
		return err
	}
	m.lease.SetValue(record)
	return nil
}

// record requires m.mu.
func (m *Membership) record() (string, error) {
	b, err := json.Marshal(m.member)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode member")
	}
	return string(b), nil
}

func (m *Membership) Register(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lease != nil {
		return nil
	}

	record, err := m.record()
	if err != nil {
		return err
	}

	lease, err := etcd.NewPersistentLease(m.client, m.key, record, m.ttl)
	if err != nil {
		return errors.Wrap(err, "failed to create lease")
	}
	m.lease = lease
	return nil
}

func (m *Membership) Deregister(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lease != nil {
		m.lease.Close()
		m.lease = nil
	}
	return nil
}
