// Package config provides layered configuration values. A Config yields raw
// values from one source, and the wrapper package turns them into typed
// values with defaults.
package config

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNoValue indicates no value was set for the config
	ErrNoValue = errors.New("config: no value set")

	// ErrShutdown indicates the use of a Config after calling Shutdown
	ErrShutdown = errors.New("config: shutdown")
)

// Config is a source of a single raw configuration value.
type Config interface {
	// Get returns the latest value, or ErrNoValue if the source has none.
	Get(ctx context.Context) (interface{}, error)

	// Shutdown signals the config to stop all underlying resources
	Shutdown()
}

// NoopConfig never yields a value.
var NoopConfig Config = noopConfig{}

type noopConfig struct{}

func (noopConfig) Get(_ context.Context) (interface{}, error) {
	return nil, ErrNoValue
}

func (noopConfig) Shutdown() {}

// Value is a typed config. Get falls back to the last known good value when
// the source fails, while GetSafe surfaces the failure.
type Value[T any] interface {
	Get(ctx context.Context) T
	GetSafe(ctx context.Context) (T, error)
	Shutdown()
}

type (
	Bool     = Value[bool]
	Bytes    = Value[[]byte]
	Duration = Value[time.Duration]
	Float64  = Value[float64]
	Int64    = Value[int64]
	Uint64   = Value[uint64]
	String   = Value[string]
)
