// Package node assembles an escrow node from its configured components: the
// ledger store, the account locker, the event publisher, the bank with its
// programs, and the JSON-RPC server.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	xrate "golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/code-payments/escrow-server/pkg/app"
	"github.com/code-payments/escrow-server/pkg/bank"
	"github.com/code-payments/escrow-server/pkg/bank/systemprogram"
	"github.com/code-payments/escrow-server/pkg/bank/tokenprogram"
	"github.com/code-payments/escrow-server/pkg/cluster"
	etcd_cluster "github.com/code-payments/escrow-server/pkg/cluster/etcd"
	memory_cluster "github.com/code-payments/escrow-server/pkg/cluster/memory"
	pg "github.com/code-payments/escrow-server/pkg/database/postgres"
	"github.com/code-payments/escrow-server/pkg/escrow"
	"github.com/code-payments/escrow-server/pkg/events"
	kafka_events "github.com/code-payments/escrow-server/pkg/events/kafka"
	"github.com/code-payments/escrow-server/pkg/ledger"
	memory_ledger "github.com/code-payments/escrow-server/pkg/ledger/memory"
	pebble_ledger "github.com/code-payments/escrow-server/pkg/ledger/pebble"
	postgres_ledger "github.com/code-payments/escrow-server/pkg/ledger/postgres"
	"github.com/code-payments/escrow-server/pkg/lock"
	etcd_lock "github.com/code-payments/escrow-server/pkg/lock/etcd"
	"github.com/code-payments/escrow-server/pkg/lock/local"
	"github.com/code-payments/escrow-server/pkg/rate"
	"github.com/code-payments/escrow-server/pkg/rpc"
)

const (
	initTimeout     = 30 * time.Second
	etcdDialTimeout = 5 * time.Second
	membershipTTL   = 10 * time.Second

	locksPrefix = "locks"
	nodesPrefix = "nodes"
)

// Version is reported by getVersion and in cluster membership. It is set at
// build time.
var Version = "dev"

type node struct {
	log            *logrus.Entry
	configProvider ConfigProvider

	conf       *conf
	identity   ed25519.PrivateKey
	bank       *bank.Bank
	server     *rpc.Server
	membership cluster.Membership

	// Run in reverse order on Stop.
	closers []func()

	stopOnce   sync.Once
	shutdownCh chan struct{}
}

// New returns the escrow node application, configured from the app section
// of the config file and ESCROW_* environment variables.
func New() app.App {
	return newNode(WithEnvConfigs())
}

func newNode(configProvider ConfigProvider) *node {
	return &node{
		log:            logrus.StandardLogger().WithField("type", "node"),
		configProvider: configProvider,
		shutdownCh:     make(chan struct{}),
	}
}

// Init implements app.App.Init
func (n *node) Init(appConfig app.Config, metricsProvider *newrelic.Application) error {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	err := n.init(ctx, appConfig, metricsProvider)
	if err != nil {
		n.Stop()
	}
	return err
}

func (n *node) init(ctx context.Context, appConfig app.Config, metricsProvider *newrelic.Application) error {
	var err error
	n.conf, err = n.configProvider(ctx, appConfig)
	if err != nil {
		return err
	}

	n.identity, err = keyFromSeed(n.conf.identitySeed)
	if err != nil {
		return errors.Wrap(err, "invalid identity seed")
	}

	log := n.log.WithFields(logrus.Fields{
		"identity":  base58.Encode(n.identity.Public().(ed25519.PublicKey)),
		"store":     n.conf.store,
		"locker":    n.conf.locker,
		"publisher": n.conf.publisher,
	})

	store, err := n.openStore(ctx)
	if err != nil {
		return err
	}

	var etcdClient *v3.Client
	if n.conf.locker == LockerEtcd {
		etcdClient, err = v3.New(v3.Config{
			Endpoints:   n.conf.etcdEndpoints,
			DialTimeout: etcdDialTimeout,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create etcd client")
		}
		n.closeWith(func() {
			if err := etcdClient.Close(); err != nil {
				n.log.WithError(err).Warn("failed to close etcd client")
			}
		})
	}

	locker, err := n.newLocker(etcdClient)
	if err != nil {
		return err
	}

	members, err := n.newCluster(ctx, etcdClient)
	if err != nil {
		return err
	}

	publisher, err := n.newPublisher()
	if err != nil {
		return err
	}

	bankOpts := []bank.Option{
		systemprogram.Register(),
		tokenprogram.Register(),
		bank.WithLocker(locker),
		bank.WithPublisher(publisher),
	}

	escrowOption, err := escrow.Register()
	if err != nil {
		return errors.Wrap(err, "failed to create escrow program")
	}
	bankOpts = append(bankOpts, escrowOption)

	if len(n.conf.faucetSeed) > 0 {
		faucet, err := keyFromSeed(n.conf.faucetSeed)
		if err != nil {
			return errors.Wrap(err, "invalid faucet seed")
		}
		bankOpts = append(bankOpts, bank.WithFaucet(faucet))
	}

	n.bank, err = bank.New(ctx, store, bank.WithEnvConfigs(), bankOpts...)
	if err != nil {
		return errors.Wrap(err, "failed to create bank")
	}
	if err := n.bank.Genesis(ctx); err != nil {
		return errors.Wrap(err, "failed to run genesis")
	}

	self := rpc.ClusterNode{
		Pubkey:  base58.Encode(n.identity.Public().(ed25519.PublicKey)),
		RPC:     n.conf.advertisedRPCAddress,
		Version: Version,
	}
	if err := n.register(ctx, members, self); err != nil {
		return err
	}

	var limiter rate.Limiter = &rate.NoLimiter{}
	if n.conf.rateLimit > 0 {
		limiter = rate.NewLocalRateLimiter(xrate.Limit(n.conf.rateLimit))
	}

	n.server = rpc.NewServer(
		n.bank,
		rpc.WithLimiter(limiter),
		rpc.WithNewRelic(metricsProvider),
		rpc.WithCluster(members),
		rpc.WithNodeInfo(self),
	)

	slot, err := n.bank.Slot(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get slot")
	}
	log.WithField("slot", slot).Info("node initialized")

	return nil
}

// HTTPHandler implements app.App.HTTPHandler
func (n *node) HTTPHandler() http.Handler {
	return n.server
}

// RegisterWithGRPC implements app.App.RegisterWithGRPC. The node only serves
// the health service, which the app registers itself.
func (n *node) RegisterWithGRPC(_ *grpc.Server) {
}

// ShutdownChan implements app.App.ShutdownChan
func (n *node) ShutdownChan() <-chan struct{} {
	return n.shutdownCh
}

// Stop implements app.App.Stop
func (n *node) Stop() {
	n.stopOnce.Do(func() {
		for i := len(n.closers) - 1; i >= 0; i-- {
			n.closers[i]()
		}
		close(n.shutdownCh)
	})
}

func (n *node) closeWith(closer func()) {
	n.closers = append(n.closers, closer)
}

func (n *node) openStore(ctx context.Context) (ledger.Store, error) {
	switch n.conf.store {
	case StorePostgres:
		db, err := pg.Open(ctx, &pg.Config{
			DSN:                n.conf.postgresDSN,
			User:               n.conf.postgresUser,
			Password:           n.conf.postgresPassword,
			Host:               n.conf.postgresHost,
			Port:               int(n.conf.postgresPort),
			DbName:             n.conf.postgresDbName,
			UseAwsIam:          n.conf.postgresUseAwsIam,
			MaxOpenConnections: int(n.conf.postgresMaxOpenConnections),
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to postgres")
		}
		n.closeWith(func() {
			if err := db.Close(); err != nil {
				n.log.WithError(err).Warn("failed to close postgres")
			}
		})
		return postgres_ledger.New(db), nil
	case StorePebble:
		store, err := pebble_ledger.Open(n.conf.pebbleDir)
		if err != nil {
			return nil, err
		}
		n.closeWith(func() {
			if err := store.Close(); err != nil {
				n.log.WithError(err).Warn("failed to close pebble")
			}
		})
		return store, nil
	default:
		return memory_ledger.New(), nil
	}
}

func (n *node) newLocker(etcdClient *v3.Client) (lock.AccountLocker, error) {
	if etcdClient == nil {
		return local.NewAccountLocker(uint(n.conf.lockStripes)), nil
	}

	locker, err := etcd_lock.NewAccountLocker(etcdClient, path.Join(n.conf.etcdRoot, locksPrefix), n.conf.etcdLockTTL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create etcd locker")
	}
	n.closeWith(locker.Close)
	return locker, nil
}

func (n *node) newCluster(ctx context.Context, etcdClient *v3.Client) (cluster.Cluster, error) {
	if etcdClient == nil {
		c := memory_cluster.NewCluster()
		n.closeWith(c.Close)
		return c, nil
	}

	c, err := etcd_cluster.NewCluster(ctx, etcdClient, path.Join(n.conf.etcdRoot, nodesPrefix), membershipTTL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to join cluster")
	}
	n.closeWith(c.Close)
	return c, nil
}

func (n *node) register(ctx context.Context, members cluster.Cluster, self rpc.ClusterNode) error {
	data, err := json.Marshal(self)
	if err != nil {
		return errors.Wrap(err, "failed to encode node info")
	}

	membership, err := members.CreateMembership()
	if err != nil {
		return errors.Wrap(err, "failed to create membership")
	}
	if err := membership.SetData(string(data)); err != nil {
		return errors.Wrap(err, "failed to set membership data")
	}
	if err := membership.Register(ctx); err != nil {
		return errors.Wrap(err, "failed to register membership")
	}

	n.membership = membership
	n.closeWith(func() {
		if err := membership.Deregister(context.Background()); err != nil {
			n.log.WithError(err).Warn("failed to deregister membership")
		}
	})
	return nil
}

func (n *node) newPublisher() (events.Publisher, error) {
	if n.conf.publisher != PublisherKafka {
		return events.NewNoopPublisher(), nil
	}

	inner, closeKafka := kafka_events.NewPublisher(n.conf.kafkaBrokers, n.conf.kafkaTopic)
	n.closeWith(func() {
		if err := closeKafka(); err != nil {
			n.log.WithError(err).Warn("failed to close kafka writer")
		}
	})

	async := events.NewAsyncPublisher(inner, uint(n.conf.publisherWorkers), uint(n.conf.publisherQueueSize))
	n.closeWith(async.Close)
	return async, nil
}

// keyFromSeed decodes a base58 ed25519 seed. An empty seed yields a random key.
func keyFromSeed(seed string) (ed25519.PrivateKey, error) {
	if len(seed) == 0 {
		_, key, err := ed25519.GenerateKey(nil)
		return key, err
	}

	decoded, err := base58.Decode(seed)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, errors.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(decoded))
	}
	return ed25519.NewKeyFromSeed(decoded), nil
}
