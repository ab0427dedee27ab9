package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/escrow-server/pkg/app"
)

func TestConfig_Defaults(t *testing.T) {
	c, err := WithEnvConfigs()(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, c.store)
	assert.Equal(t, LockerLocal, c.locker)
	assert.Equal(t, PublisherNoop, c.publisher)
	assert.EqualValues(t, defaultPostgresPort, c.postgresPort)
	assert.EqualValues(t, defaultLockStripes, c.lockStripes)
	assert.Equal(t, []string{"localhost:2379"}, c.etcdEndpoints)
	assert.Equal(t, defaultEtcdLockTTL, c.etcdLockTTL)
	assert.Empty(t, c.faucetSeed)
	assert.Zero(t, c.rateLimit)
}

func TestConfig_Env(t *testing.T) {
	t.Setenv(StoreConfigEnvName, StorePebble)
	t.Setenv(PebbleDirConfigEnvName, "/var/lib/escrow")
	t.Setenv(LockerConfigEnvName, LockerEtcd)
	t.Setenv(EtcdEndpointsConfigEnvName, "etcd-0:2379, etcd-1:2379,")
	t.Setenv(EtcdLockTTLConfigEnvName, "3s")
	t.Setenv(PostgresUseAwsIamConfigEnvName, "true")
	t.Setenv(RateLimitConfigEnvName, "12.5")

	c, err := WithEnvConfigs()(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, StorePebble, c.store)
	assert.Equal(t, "/var/lib/escrow", c.pebbleDir)
	assert.Equal(t, LockerEtcd, c.locker)
	assert.Equal(t, []string{"etcd-0:2379", "etcd-1:2379"}, c.etcdEndpoints)
	assert.Equal(t, 3*time.Second, c.etcdLockTTL)
	assert.True(t, c.postgresUseAwsIam)
	assert.Equal(t, 12.5, c.rateLimit)
}

func TestConfig_FileTakesPrecedence(t *testing.T) {
	t.Setenv(KafkaTopicConfigEnvName, "from-env")
	t.Setenv(PublisherWorkersConfigEnvName, "2")

	fileConfig := app.Config{
		"publisher":            "kafka",
		"KAFKA_TOPIC":          "from-file",
		"publisher_queue_size": 64,
	}

	c, err := WithEnvConfigs()(context.Background(), fileConfig)
	require.NoError(t, err)

	assert.Equal(t, PublisherKafka, c.publisher)
	assert.Equal(t, "from-file", c.kafkaTopic)
	assert.EqualValues(t, 2, c.publisherWorkers)
	assert.EqualValues(t, 64, c.publisherQueueSize)
}

func TestConfig_Invalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{StoreConfigEnvName: "sqlite"}},
		{"unknown locker", map[string]string{LockerConfigEnvName: "redis"}},
		{"unknown publisher", map[string]string{PublisherConfigEnvName: "sqs"}},
		{"etcd without endpoints", map[string]string{LockerConfigEnvName: LockerEtcd, EtcdEndpointsConfigEnvName: " , "}},
		{"kafka without brokers", map[string]string{PublisherConfigEnvName: PublisherKafka, KafkaBrokersConfigEnvName: ","}},
		{"negative rate limit", map[string]string{RateLimitConfigEnvName: "-1"}},
		{"malformed port", map[string]string{PostgresPortConfigEnvName: "http"}},
		{"malformed ttl", map[string]string{EtcdLockTTLConfigEnvName: "10"}},
		{"zero workers", map[string]string{PublisherWorkersConfigEnvName: "0"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := WithEnvConfigs()(context.Background(), nil)
			assert.Error(t, err)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a"}, splitList("a"))
	assert.Equal(t, []string{"a", "b"}, splitList(" a ,, b "))
}
