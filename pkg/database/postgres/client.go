package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/external"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/rdsutils"
	"github.com/pkg/errors"

	_ "github.com/newrelic/go-agent/v3/integrations/nrpgx"
)

const (
	driverName = "nrpgx"

	pingTimeout = 10 * time.Second
)

// Config describes how to reach a postgres database. DSN, when set, takes
// precedence over the individual fields.
type Config struct {
	DSN string

	User     string
	Password string
	Host     string
	Port     int
	DbName   string

	// UseAwsIam authenticates with an RDS IAM token in place of Password.
	UseAwsIam bool

	MaxOpenConnections int
	MaxIdleConnections int
}

// Open returns a pooled, pinged connection to the database described by
// config.
func Open(ctx context.Context, config *Config) (*sql.DB, error) {
	var db *sql.DB
	var err error
	switch {
	case len(config.DSN) > 0:
		db, err = sql.Open(driverName, config.DSN)
	case config.UseAwsIam:
		var awsConfig aws.Config
		awsConfig, err = external.LoadDefaultAWSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load aws config")
		}
		db, err = NewWithAwsIam(config.User, config.Host, config.Port, config.DbName, awsConfig)
	default:
		db, err = NewWithUsernameAndPassword(config.User, config.Password, config.Host, config.Port, config.DbName)
	}
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConnections > 0 {
		db.SetMaxOpenConns(config.MaxOpenConnections)
	}
	if config.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(config.MaxIdleConnections)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return db, nil
}

// NewWithAwsIam opens a connection pool authenticated with an RDS IAM token.
//
// https://docs.aws.amazon.com/AmazonRDS/latest/AuroraUserGuide/UsingWithRDS.IAMDBAuth.Connecting.Go.html
func NewWithAwsIam(username, hostname string, port int, dbname string, config aws.Config) (*sql.DB, error) {
	// IMPORTANT: Only Supported on provisioned Aurora RDS clusters (not on Aurora Serverless)
	rdsClient := rds.New(config)

	endpoint := fmt.Sprintf("%s:%d", hostname, port)
	authToken, err := rdsutils.BuildAuthToken(endpoint, rdsClient.Region, username, rdsClient.Credentials)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build rds auth token")
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		hostname, port, username, authToken, dbname,
	)
	return sql.Open(driverName, dsn)
}

// NewWithUsernameAndPassword opens a connection pool with password
// authentication.
func NewWithUsernameAndPassword(username, password, hostname string, port int, dbname string) (*sql.DB, error) {
	// TODO: enable SSL once the db cert is distributed alongside the node
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		username, password, hostname, port, dbname,
	)
	return sql.Open(driverName, dsn)
}
