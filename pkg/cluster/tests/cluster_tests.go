// Package tests holds the behaviour every cluster.Cluster implementation must
// share.
package tests

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/escrow-server/pkg/cluster"
)

const receiveTimeout = 5 * time.Second

func RunClusterTests(t *testing.T, ctor func() (cluster.Cluster, error)) {
	for _, tc := range []struct {
		name string
		tf   func(*testing.T, cluster.Cluster)
	}{
		{name: "Lifecycle", tf: testLifecycle},
		{name: "CancelledWatchers", tf: testCancelledWatchers},
		{name: "SlowWatchers", tf: testSlowWatchers},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ctor()
			require.NoError(t, err)
			defer c.Close()

			tc.tf(t, c)
		})
	}
}

func receive(t *testing.T, ch <-chan []cluster.Member) []cluster.Member {
	select {
	case members, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return members
	case <-time.After(receiveTimeout):
		require.FailNow(t, "timed out waiting for members")
		return nil
	}
}

func requireClosed(t *testing.T, ch <-chan []cluster.Member) {
	deadline := time.After(receiveTimeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			require.FailNow(t, "watch channel not closed")
		}
	}
}

func nodeAddress(i int) string {
	return fmt.Sprintf(`{"rpc":"http://node-%d:8899"}`, i)
}

// testLifecycle walks memberships through register, update and deregister,
// checking that watches and GetMembers agree at every step.
func testLifecycle(t *testing.T, c cluster.Cluster) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watch := c.WatchMembers(ctx)
	next := func() []cluster.Member {
		watched := receive(t, watch)
		listed, err := c.GetMembers(ctx)
		require.NoError(t, err)
		require.Equal(t, listed, watched)
		return watched
	}

	require.Empty(t, next())

	memberships := make([]cluster.Membership, 8)
	for i := range memberships {
		m, err := c.CreateMembership()
		require.NoError(t, err)
		require.NotEmpty(t, m.ID())
		memberships[i] = m
	}
	slices.SortFunc(memberships, func(a, b cluster.Membership) int {
		return strings.Compare(a.ID(), b.ID())
	})

	// Unregistered memberships are invisible.
	listed, err := c.GetMembers(ctx)
	require.NoError(t, err)
	require.Empty(t, listed)

	var expected []cluster.Member
	for i, m := range memberships {
		require.NoError(t, m.SetData(nodeAddress(i)))
		require.NoError(t, m.Register(ctx))
		require.NoError(t, m.Register(ctx))

		expected = append(expected, cluster.Member{ID: m.ID(), Data: nodeAddress(i)})
		require.Equal(t, expected, next())
	}

	for i, m := range memberships {
		require.NoError(t, m.SetData(nodeAddress(100+i)))
		require.Equal(t, nodeAddress(100+i), m.Data())

		expected[i].Data = nodeAddress(100 + i)
		require.Equal(t, expected, next())
	}

	for len(memberships) > 0 {
		require.NoError(t, memberships[0].Deregister(ctx))
		require.NoError(t, memberships[0].Deregister(ctx))

		memberships, expected = memberships[1:], expected[1:]
		if len(expected) == 0 {
			require.Empty(t, next())
		} else {
			require.Equal(t, expected, next())
		}
	}
}

// testCancelledWatchers checks that watch channels close when their context
// is cancelled or the cluster is closed, and that nothing is sent afterwards.
func testCancelledWatchers(t *testing.T, c cluster.Cluster) {
	ctx := context.Background()

	cancels := make([]func(), 6)
	watches := make([]<-chan []cluster.Member, len(cancels))
	for i := range watches {
		var watchCtx context.Context
		watchCtx, cancels[i] = context.WithCancel(ctx)
		defer cancels[i]()

		watches[i] = c.WatchMembers(watchCtx)
		require.Empty(t, receive(t, watches[i]))
	}

	m, err := c.CreateMembership()
	require.NoError(t, err)
	require.NoError(t, m.Register(ctx))
	defer m.Deregister(ctx)

	for _, w := range watches {
		require.Len(t, receive(t, w), 1)
	}

	for i := 0; i < len(watches); i += 2 {
		cancels[i]()
		requireClosed(t, watches[i])
	}

	require.NoError(t, m.SetData(nodeAddress(1)))
	for i := 1; i < len(watches); i += 2 {
		require.Equal(t, nodeAddress(1), receive(t, watches[i])[0].Data)
	}

	c.Close()
	for i := 1; i < len(watches); i += 2 {
		requireClosed(t, watches[i])
	}
}

// testSlowWatchers checks that a watcher that stops reading neither blocks
// the cluster nor other watchers, and catches up once it reads again.
func testSlowWatchers(t *testing.T, c cluster.Cluster) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := c.WatchMembers(ctx)
	slow := c.WatchMembers(ctx)
	require.Empty(t, receive(t, fast))
	require.Empty(t, receive(t, slow))

	m, err := c.CreateMembership()
	require.NoError(t, err)
	require.NoError(t, m.SetData(nodeAddress(0)))
	require.NoError(t, m.Register(ctx))
	defer m.Deregister(ctx)

	member := func(i int) []cluster.Member {
		return []cluster.Member{{ID: m.ID(), Data: nodeAddress(i)}}
	}

	require.Equal(t, member(0), receive(t, fast))
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.SetData(nodeAddress(i)))
		require.Equal(t, member(i), receive(t, fast))
	}

	// The slow watcher kept the first set it was offered and missed the rest.
	require.Equal(t, member(0), receive(t, slow))

	require.NoError(t, m.SetData(nodeAddress(6)))
	require.Equal(t, member(6), receive(t, fast))
	require.Equal(t, member(6), receive(t, slow))
}
