package config

import (
	"context"
)

type chain struct {
	configs []Config
}

// NewChain returns a Config that yields the value of the first config in the
// chain that has one. Errors other than ErrNoValue stop the lookup.
func NewChain(configs ...Config) Config {
	return &chain{configs: configs}
}

// Get implements Config.Get
func (c *chain) Get(ctx context.Context) (interface{}, error) {
	for _, config := range c.configs {
		val, err := config.Get(ctx)
		if err == ErrNoValue {
			continue
		}
		return val, err
	}
	return nil, ErrNoValue
}

// Shutdown implements Config.Shutdown
func (c *chain) Shutdown() {
	for _, config := range c.configs {
		config.Shutdown()
	}
}
