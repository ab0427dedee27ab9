package wrapper

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/code-payments/escrow-server/pkg/config"
)

// ErrUnsuportedConversion is returned when the source yields a type the
// wrapper cannot convert.
var ErrUnsuportedConversion = errors.New("config: wrapper conversion from source type not implemented")

// Typed converts the raw values of a config.Config into T. Sources yield
// either text ([]byte or string), parsed with parse, or a T directly.
type Typed[T any] struct {
	source       config.Config
	defaultValue T
	parse        func(string) (T, error)

	mu   sync.RWMutex
	last T
}

func newTyped[T any](source config.Config, defaultValue T, parse func(string) (T, error)) *Typed[T] {
	return &Typed[T]{
		source:       source,
		defaultValue: defaultValue,
		parse:        parse,
		last:         defaultValue,
	}
}

// GetSafe returns the current value. On failure the last good value is
// returned together with the error.
func (c *Typed[T]) GetSafe(ctx context.Context) (T, error) {
	raw, err := c.source.Get(ctx)
	switch {
	case errors.Is(err, config.ErrNoValue):
		return c.remember(c.defaultValue), nil
	case err != nil:
		return c.lastValue(), err
	}

	v, err := c.convert(raw)
	if err != nil {
		return c.lastValue(), errors.Wrapf(err, "config: invalid value %v", raw)
	}
	return c.remember(v), nil
}

func (c *Typed[T]) Get(ctx context.Context) T {
	v, _ := c.GetSafe(ctx)
	return v
}

func (c *Typed[T]) Shutdown() {
	c.source.Shutdown()
}

func (c *Typed[T]) convert(raw interface{}) (T, error) {
	switch v := raw.(type) {
	case T:
		return v, nil
	case []byte:
		return c.parse(string(v))
	case string:
		return c.parse(v)
	}
	var zero T
	return zero, ErrUnsuportedConversion
}

func (c *Typed[T]) lastValue() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Typed[T]) remember(v T) T {
	c.mu.Lock()
	c.last = v
	c.mu.Unlock()
	return v
}

func NewBytesConfig(source config.Config, defaultValue []byte) config.Bytes {
	return newTyped(source, defaultValue, func(s string) ([]byte, error) {
		return []byte(s), nil
	})
}

func NewBoolConfig(source config.Config, defaultValue bool) config.Bool {
	return newTyped(source, defaultValue, strconv.ParseBool)
}

func NewInt64Config(source config.Config, defaultValue int64) config.Int64 {
	return newTyped(source, defaultValue, func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	})
}

func NewUint64Config(source config.Config, defaultValue uint64) config.Uint64 {
	return newTyped(source, defaultValue, func(s string) (uint64, error) {
		return strconv.ParseUint(s, 10, 64)
	})
}

func NewFloat64Config(source config.Config, defaultValue float64) config.Float64 {
	return newTyped(source, defaultValue, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

func NewStringConfig(source config.Config, defaultValue string) config.String {
	return newTyped(source, defaultValue, func(s string) (string, error) {
		return s, nil
	})
}

func NewDurationConfig(source config.Config, defaultValue time.Duration) config.Duration {
	return newTyped(source, defaultValue, time.ParseDuration)
}
