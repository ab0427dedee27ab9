package etcd

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v3 "go.etcd.io/etcd/client/v3"

	"github.com/code-payments/escrow-server/pkg/cluster"
	clustertests "github.com/code-payments/escrow-server/pkg/cluster/tests"
	"github.com/code-payments/escrow-server/pkg/etcdtest"
)

const testTTL = 5 * time.Second

func startEtcd(t *testing.T) *v3.Client {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	client, teardown, err := etcdtest.StartEtcd(pool)
	require.NoError(t, err)
	t.Cleanup(teardown)

	return client
}

func TestEtcd(t *testing.T) {
	client := startEtcd(t)

	clustertests.RunClusterTests(t, func() (cluster.Cluster, error) {
		return NewCluster(context.Background(), client, "/escrow-"+uuid.NewString()+"/nodes", testTTL)
	})
}

func TestInvalidRecords(t *testing.T) {
	client := startEtcd(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const root = "/escrow/nodes"

	// Present before the cluster loads.
	_, err := client.Put(ctx, path.Join(root, "garbage"), "not json")
	require.NoError(t, err)
	_, err = client.Put(ctx, path.Join(root, "anonymous"), `{"data":"no id"}`)
	require.NoError(t, err)

	c, err := NewCluster(ctx, client, root, testTTL)
	require.NoError(t, err)
	defer c.Close()

	watch := c.WatchMembers(ctx)
	assert.Empty(t, <-watch)

	m, err := c.CreateMembership()
	require.NoError(t, err)
	require.NoError(t, m.SetData("http://node-0:8899"))
	require.NoError(t, m.Register(ctx))
	defer m.Deregister(ctx)

	expected := []cluster.Member{{ID: m.ID(), Data: "http://node-0:8899"}}
	require.Equal(t, expected, <-watch)

	// A new invalid record still produces an update, without the record.
	_, err = client.Put(ctx, path.Join(root, uuid.NewString()), "hello")
	require.NoError(t, err)
	require.Equal(t, expected, <-watch)
}

func TestNewCluster_Timeout(t *testing.T) {
	client, err := v3.New(v3.Config{
		Endpoints:   []string{"localhost:1"},
		DialTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = NewCluster(ctx, client, "/escrow/nodes", testTTL)
	assert.Error(t, err)
}
