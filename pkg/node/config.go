package node

import (
	"context"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/app"
	"github.com/code-payments/escrow-server/pkg/config"
	"github.com/code-payments/escrow-server/pkg/config/env"
	"github.com/code-payments/escrow-server/pkg/config/memory"
	"github.com/code-payments/escrow-server/pkg/config/wrapper"
)

const (
	envConfigPrefix = "ESCROW_NODE_"

	StoreConfigEnvName = envConfigPrefix + "STORE"
	defaultStore       = StoreMemory

	PostgresDSNConfigEnvName = envConfigPrefix + "POSTGRES_DSN"
	defaultPostgresDSN       = ""

	PostgresHostConfigEnvName = envConfigPrefix + "POSTGRES_HOST"
	defaultPostgresHost       = "localhost"

	PostgresPortConfigEnvName = envConfigPrefix + "POSTGRES_PORT"
	defaultPostgresPort       = 5432

	PostgresUserConfigEnvName = envConfigPrefix + "POSTGRES_USER"
	defaultPostgresUser       = "escrow"

	PostgresPasswordConfigEnvName = envConfigPrefix + "POSTGRES_PASSWORD"
	defaultPostgresPassword       = ""

	PostgresDbNameConfigEnvName = envConfigPrefix + "POSTGRES_DB_NAME"
	defaultPostgresDbName       = "escrow"

	PostgresUseAwsIamConfigEnvName = envConfigPrefix + "POSTGRES_USE_AWS_IAM"
	defaultPostgresUseAwsIam       = false

	PostgresMaxOpenConnectionsConfigEnvName = envConfigPrefix + "POSTGRES_MAX_OPEN_CONNECTIONS"
	defaultPostgresMaxOpenConnections       = 32

	PebbleDirConfigEnvName = envConfigPrefix + "PEBBLE_DIR"
	defaultPebbleDir       = "ledger"

	LockerConfigEnvName = envConfigPrefix + "LOCKER"
	defaultLocker       = LockerLocal

	EtcdEndpointsConfigEnvName = envConfigPrefix + "ETCD_ENDPOINTS"
	defaultEtcdEndpoints       = "localhost:2379"

	EtcdRootConfigEnvName = envConfigPrefix + "ETCD_ROOT"
	defaultEtcdRoot       = "/escrow"

	EtcdLockTTLConfigEnvName = envConfigPrefix + "ETCD_LOCK_TTL"
	defaultEtcdLockTTL       = 10 * time.Second

	PublisherConfigEnvName = envConfigPrefix + "PUBLISHER"
	defaultPublisher       = PublisherNoop

	KafkaBrokersConfigEnvName = envConfigPrefix + "KAFKA_BROKERS"
	defaultKafkaBrokers       = "localhost:9092"

	KafkaTopicConfigEnvName = envConfigPrefix + "KAFKA_TOPIC"
	defaultKafkaTopic       = "escrow-events"

	PublisherWorkersConfigEnvName = envConfigPrefix + "PUBLISHER_WORKERS"
	defaultPublisherWorkers       = 4

	PublisherQueueSizeConfigEnvName = envConfigPrefix + "PUBLISHER_QUEUE_SIZE"
	defaultPublisherQueueSize       = 1024

	FaucetSeedConfigEnvName = envConfigPrefix + "FAUCET_SEED"
	defaultFaucetSeed       = ""

	IdentitySeedConfigEnvName = envConfigPrefix + "IDENTITY_SEED"
	defaultIdentitySeed       = ""

	AdvertisedRPCAddressConfigEnvName = envConfigPrefix + "ADVERTISED_RPC_ADDRESS"
	defaultAdvertisedRPCAddress       = "http://localhost:8899"

	RateLimitConfigEnvName = envConfigPrefix + "RATE_LIMIT"
	defaultRateLimit       = 0

	LockStripesConfigEnvName = envConfigPrefix + "LOCK_STRIPES"
	defaultLockStripes       = 1024
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"

	LockerLocal = "local"
	LockerEtcd  = "etcd"

	PublisherNoop  = "noop"
	PublisherKafka = "kafka"
)

type conf struct {
	store string

	postgresDSN                string
	postgresHost               string
	postgresPort               int64
	postgresUser               string
	postgresPassword           string
	postgresDbName             string
	postgresUseAwsIam          bool
	postgresMaxOpenConnections int64

	pebbleDir string

	locker        string
	lockStripes   uint64
	etcdEndpoints []string
	etcdRoot      string
	etcdLockTTL   time.Duration

	publisher          string
	kafkaBrokers       []string
	kafkaTopic         string
	publisherWorkers   uint64
	publisherQueueSize uint64

	// Base58 encoded ed25519 seeds. An empty faucet seed disables airdrops,
	// while an empty identity seed yields a random identity.
	faucetSeed           string
	identitySeed         string
	advertisedRPCAddress string

	// Requests per second per client IP, zero disables limiting.
	rateLimit float64
}

// ConfigProvider defines how config values are pulled. Values under the
// app section of the config file take precedence over the environment.
type ConfigProvider func(ctx context.Context, fileConfig app.Config) (*conf, error)

// WithEnvConfigs returns configuration pulled from the app section of the
// config file, falling back to environment variables.
func WithEnvConfigs() ConfigProvider {
	return func(ctx context.Context, fileConfig app.Config) (*conf, error) {
		file, err := decodeFileConfig(fileConfig)
		if err != nil {
			return nil, err
		}

		source := func(key string) config.Config {
			var override config.Config = config.NoopConfig
			if v, ok := file[strings.ToLower(strings.TrimPrefix(key, envConfigPrefix))]; ok {
				override = memory.NewConfig([]byte(v))
			}
			return config.NewChain(override, env.NewConfig(key))
		}

		return loadConf(ctx, source)
	}
}

type testOverrides struct {
	store      string
	pebbleDir  string
	faucetSeed string
	rateLimit  float64
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	return func(ctx context.Context, _ app.Config) (*conf, error) {
		values := map[string]interface{}{
			StoreConfigEnvName:      overrides.store,
			PebbleDirConfigEnvName:  overrides.pebbleDir,
			FaucetSeedConfigEnvName: overrides.faucetSeed,
			RateLimitConfigEnvName:  overrides.rateLimit,
		}

		return loadConf(ctx, func(key string) config.Config {
			v, ok := values[key]
			if !ok || v == "" {
				return config.NoopConfig
			}
			return memory.NewConfig(v)
		})
	}
}

func loadConf(ctx context.Context, source func(key string) config.Config) (*conf, error) {
	c := &conf{}
	var errs []error
	getString := func(key, defaultValue string) string {
		v, err := wrapper.NewStringConfig(source(key), defaultValue).GetSafe(ctx)
		errs = append(errs, errors.Wrap(err, key))
		return v
	}
	getInt := func(key string, defaultValue int64) int64 {
		v, err := wrapper.NewInt64Config(source(key), defaultValue).GetSafe(ctx)
		errs = append(errs, errors.Wrap(err, key))
		return v
	}
	getUint := func(key string, defaultValue uint64) uint64 {
		v, err := wrapper.NewUint64Config(source(key), defaultValue).GetSafe(ctx)
		errs = append(errs, errors.Wrap(err, key))
		return v
	}
	getBool := func(key string, defaultValue bool) bool {
		v, err := wrapper.NewBoolConfig(source(key), defaultValue).GetSafe(ctx)
		errs = append(errs, errors.Wrap(err, key))
		return v
	}
	getFloat := func(key string, defaultValue float64) float64 {
		v, err := wrapper.NewFloat64Config(source(key), defaultValue).GetSafe(ctx)
		errs = append(errs, errors.Wrap(err, key))
		return v
	}
	getDuration := func(key string, defaultValue time.Duration) time.Duration {
		v, err := wrapper.NewDurationConfig(source(key), defaultValue).GetSafe(ctx)
		errs = append(errs, errors.Wrap(err, key))
		return v
	}

	c.store = getString(StoreConfigEnvName, defaultStore)
	c.postgresDSN = getString(PostgresDSNConfigEnvName, defaultPostgresDSN)
	c.postgresHost = getString(PostgresHostConfigEnvName, defaultPostgresHost)
	c.postgresPort = getInt(PostgresPortConfigEnvName, defaultPostgresPort)
	c.postgresUser = getString(PostgresUserConfigEnvName, defaultPostgresUser)
	c.postgresPassword = getString(PostgresPasswordConfigEnvName, defaultPostgresPassword)
	c.postgresDbName = getString(PostgresDbNameConfigEnvName, defaultPostgresDbName)
	c.postgresUseAwsIam = getBool(PostgresUseAwsIamConfigEnvName, defaultPostgresUseAwsIam)
	c.postgresMaxOpenConnections = getInt(PostgresMaxOpenConnectionsConfigEnvName, defaultPostgresMaxOpenConnections)
	c.pebbleDir = getString(PebbleDirConfigEnvName, defaultPebbleDir)

	c.locker = getString(LockerConfigEnvName, defaultLocker)
	c.lockStripes = getUint(LockStripesConfigEnvName, defaultLockStripes)
	c.etcdEndpoints = splitList(getString(EtcdEndpointsConfigEnvName, defaultEtcdEndpoints))
	c.etcdRoot = getString(EtcdRootConfigEnvName, defaultEtcdRoot)
	c.etcdLockTTL = getDuration(EtcdLockTTLConfigEnvName, defaultEtcdLockTTL)

	c.publisher = getString(PublisherConfigEnvName, defaultPublisher)
	c.kafkaBrokers = splitList(getString(KafkaBrokersConfigEnvName, defaultKafkaBrokers))
	c.kafkaTopic = getString(KafkaTopicConfigEnvName, defaultKafkaTopic)
	c.publisherWorkers = getUint(PublisherWorkersConfigEnvName, defaultPublisherWorkers)
	c.publisherQueueSize = getUint(PublisherQueueSizeConfigEnvName, defaultPublisherQueueSize)

	c.faucetSeed = getString(FaucetSeedConfigEnvName, defaultFaucetSeed)
	c.identitySeed = getString(IdentitySeedConfigEnvName, defaultIdentitySeed)
	c.advertisedRPCAddress = getString(AdvertisedRPCAddressConfigEnvName, defaultAdvertisedRPCAddress)
	c.rateLimit = getFloat(RateLimitConfigEnvName, defaultRateLimit)

	for _, err := range errs {
		if err != nil {
			return nil, errors.Wrap(err, "invalid node config")
		}
	}

	return c, c.validate()
}

func (c *conf) validate() error {
	switch c.store {
	case StoreMemory, StorePostgres, StorePebble:
	default:
		return errors.Errorf("unknown store %q", c.store)
	}

	switch c.locker {
	case LockerLocal:
	case LockerEtcd:
		if len(c.etcdEndpoints) == 0 {
			return errors.New("etcd locker requires endpoints")
		}
	default:
		return errors.Errorf("unknown locker %q", c.locker)
	}

	switch c.publisher {
	case PublisherNoop:
	case PublisherKafka:
		if len(c.kafkaBrokers) == 0 || len(c.kafkaTopic) == 0 {
			return errors.New("kafka publisher requires brokers and a topic")
		}
	default:
		return errors.Errorf("unknown publisher %q", c.publisher)
	}

	if c.publisherWorkers == 0 || c.lockStripes == 0 {
		return errors.New("publisher workers and lock stripes must be positive")
	}

	if c.rateLimit < 0 {
		return errors.Errorf("invalid rate limit %v", c.rateLimit)
	}
	return nil
}

// decodeFileConfig flattens the app section into lower case keys without the
// env prefix, e.g. store or kafka_topic.
func decodeFileConfig(fileConfig app.Config) (map[string]string, error) {
	values := make(map[string]string)
	if len(fileConfig) == 0 {
		return values, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &values,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create config decoder")
	}
	if err := decoder.Decode(map[string]interface{}(fileConfig)); err != nil {
		return nil, errors.Wrap(err, "failed to decode app config")
	}

	lowered := make(map[string]string, len(values))
	for k, v := range values {
		lowered[strings.ToLower(k)] = v
	}
	return lowered, nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); len(item) > 0 {
			items = append(items, item)
		}
	}
	return items
}
