// Package env provides config.Config values read from environment variables.
package env

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/code-payments/escrow-server/pkg/config"
	"github.com/code-payments/escrow-server/pkg/config/wrapper"
)

// Var is a config.Config backed by an environment variable. The variable is
// read on every Get, so changes are picked up without a restart. Values are
// returned as []byte.
type Var string

// NewConfig returns the config for the variable key. Keys are case
// insensitive and always read upper cased.
func NewConfig(key string) config.Config {
	return Var(strings.ToUpper(key))
}

// Get implements config.Config.Get. An empty variable counts as unset.
func (v Var) Get(_ context.Context) (interface{}, error) {
	if val, ok := os.LookupEnv(string(v)); ok && val != "" {
		return []byte(val), nil
	}
	return nil, config.ErrNoValue
}

// Shutdown implements config.Config.Shutdown
func (Var) Shutdown() {}

// NewUint64Config reads key as a base 10 uint64.
func NewUint64Config(key string, defaultValue uint64) config.Uint64 {
	return wrapper.NewUint64Config(NewConfig(key), defaultValue)
}

// NewStringConfig reads key verbatim.
func NewStringConfig(key string, defaultValue string) config.String {
	return wrapper.NewStringConfig(NewConfig(key), defaultValue)
}

// NewDurationConfig reads key in time.ParseDuration form.
func NewDurationConfig(key string, defaultValue time.Duration) config.Duration {
	return wrapper.NewDurationConfig(NewConfig(key), defaultValue)
}
