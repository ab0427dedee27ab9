// Package test runs throwaway postgres containers for store tests.
package test

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v4/stdlib" //nolint:revive

	"github.com/code-payments/escrow-server/pkg/retry"
	"github.com/code-payments/escrow-server/pkg/retry/backoff"
)

const (
	image      = "postgres"
	imageTag   = "14"
	autoKill   = 120 * time.Second
	pingWindow = 2 * time.Second

	user     = "localtest"
	password = "localpassword"
	dbname   = "testdb"
)

// Database is a postgres database running in a container, with the schema
// applied.
type Database struct {
	*sql.DB

	schema   string
	teardown string

	pool     *dockertest.Pool
	resource *dockertest.Resource
}

// Start runs a postgres container and applies schema. teardown must drop
// everything schema creates, so Reset can rebuild it.
func Start(pool *dockertest.Pool, schema, teardown string) (*Database, error) {
	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: image,
		Tag:        imageTag,
		Env: []string{
			"POSTGRES_USER=" + user,
			"POSTGRES_PASSWORD=" + password,
			"POSTGRES_DB=" + dbname,
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start postgres container")
	}

	// Expire() never returns an error.
	_ = resource.Expire(uint(autoKill.Seconds()))

	d := &Database{
		schema:   schema,
		teardown: teardown,
		pool:     pool,
		resource: resource,
	}

	url := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", user, password, resource.GetHostPort("5432/tcp"), dbname)
	if d.DB, err = sql.Open("pgx", url); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "failed to open postgres")
	}

	// The server restarts once during initialization, so connections may be
	// refused for a while.
	_, err = retry.Retry(
		func() error {
			ctx, cancel := context.WithTimeout(context.Background(), pingWindow)
			defer cancel()
			return d.PingContext(ctx)
		},
		retry.Limit(60),
		retry.Backoff(backoff.Constant(500*time.Millisecond), 500*time.Millisecond),
	)
	if err != nil {
		d.Close()
		return nil, errors.Wrap(err, "postgres container never became ready")
	}

	if _, err := d.Exec(schema); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "failed to apply schema")
	}
	return d, nil
}

// Reset drops and recreates the schema.
func (d *Database) Reset() error {
	if _, err := d.Exec(d.teardown); err != nil {
		return errors.Wrap(err, "failed to drop schema")
	}
	if _, err := d.Exec(d.schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

// Close closes the connection pool and purges the container.
func (d *Database) Close() {
	if d.DB != nil {
		_ = d.DB.Close()
	}
	if err := d.pool.Purge(d.resource); err != nil {
		logrus.StandardLogger().WithError(err).Warn("failed to purge postgres container")
	}
}
