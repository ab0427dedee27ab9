// Package etcdtest runs throwaway etcd containers for tests.
package etcdtest

import (
	"context"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"

	"github.com/code-payments/escrow-server/pkg/retry"
	"github.com/code-payments/escrow-server/pkg/retry/backoff"
)

const (
	containerName     = "quay.io/coreos/etcd"
	containerVersion  = "v3.5.13"
	containerAutoKill = 120 * time.Second

	clientPort = "2379/tcp"

	readyTimeout = time.Second
	readyKey     = "__ready"
)

// StartEtcd starts a single node etcd container and returns a client connected
// to it. teardown closes the client and purges the container.
func StartEtcd(pool *dockertest.Pool) (client *v3.Client, teardown func(), err error) {
	teardown = func() {}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: containerName,
		Tag:        containerVersion,
		Cmd: []string{
			"etcd",
			"--listen-client-urls=http://0.0.0.0:2379",
			"--advertise-client-urls=http://0.0.0.0:2379",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, teardown, errors.Wrap(err, "failed to start etcd container")
	}

	// Expire() never returns an error.
	_ = resource.Expire(uint(containerAutoKill.Seconds()))

	purge := func() {
		if err := pool.Purge(resource); err != nil {
			logrus.StandardLogger().WithError(err).Warn("failed to purge etcd container")
		}
	}

	client, err = v3.New(v3.Config{
		Endpoints:   []string{resource.GetHostPort(clientPort)},
		DialTimeout: readyTimeout,
	})
	if err != nil {
		purge()
		return nil, teardown, errors.Wrap(err, "failed to create etcd client")
	}

	teardown = func() {
		_ = client.Close()
		purge()
	}

	_, err = retry.Retry(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
			defer cancel()

			_, err := client.Get(ctx, readyKey)
			return err
		},
		retry.Limit(60),
		retry.Backoff(backoff.Constant(500*time.Millisecond), 500*time.Millisecond),
	)
	if err != nil {
		teardown()
		return nil, func() {}, errors.Wrap(err, "timed out waiting for etcd container to become available")
	}

	return client, teardown, nil
}
