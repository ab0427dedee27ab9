package bank

import (
	"github.com/code-payments/escrow-server/pkg/config"
	"github.com/code-payments/escrow-server/pkg/config/env"
	"github.com/code-payments/escrow-server/pkg/config/memory"
	"github.com/code-payments/escrow-server/pkg/config/wrapper"
)

const (
	envConfigPrefix = "ESCROW_BANK_"

	StatusCacheSizeConfigEnvName = envConfigPrefix + "STATUS_CACHE_SIZE"
	defaultStatusCacheSize       = 100_000

	MaxBlockhashAgeConfigEnvName = envConfigPrefix + "MAX_BLOCKHASH_AGE"
	defaultMaxBlockhashAge       = 150

	FaucetLamportsConfigEnvName = envConfigPrefix + "FAUCET_LAMPORTS"
	defaultFaucetLamports       = 1_000_000_000_000_000

	MaxAirdropLamportsConfigEnvName = envConfigPrefix + "MAX_AIRDROP_LAMPORTS"
	defaultMaxAirdropLamports       = 10_000_000_000
)

type conf struct {
	statusCacheSize    config.Uint64
	maxBlockhashAge    config.Uint64
	faucetLamports     config.Uint64
	maxAirdropLamports config.Uint64
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			statusCacheSize:    env.NewUint64Config(StatusCacheSizeConfigEnvName, defaultStatusCacheSize),
			maxBlockhashAge:    env.NewUint64Config(MaxBlockhashAgeConfigEnvName, defaultMaxBlockhashAge),
			faucetLamports:     env.NewUint64Config(FaucetLamportsConfigEnvName, defaultFaucetLamports),
			maxAirdropLamports: env.NewUint64Config(MaxAirdropLamportsConfigEnvName, defaultMaxAirdropLamports),
		}
	}
}

type testOverrides struct {
	statusCacheSize    uint64
	maxBlockhashAge    uint64
	faucetLamports     uint64
	maxAirdropLamports uint64
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	return func() *conf {
		return &conf{
			statusCacheSize:    wrapper.NewUint64Config(memory.NewConfig(overrides.statusCacheSize), defaultStatusCacheSize),
			maxBlockhashAge:    wrapper.NewUint64Config(memory.NewConfig(overrides.maxBlockhashAge), defaultMaxBlockhashAge),
			faucetLamports:     wrapper.NewUint64Config(memory.NewConfig(overrides.faucetLamports), defaultFaucetLamports),
			maxAirdropLamports: wrapper.NewUint64Config(memory.NewConfig(overrides.maxAirdropLamports), defaultMaxAirdropLamports),
		}
	}
}
