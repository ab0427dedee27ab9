package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/escrow-server/pkg/config"
)

func TestConfig(t *testing.T) {
	ctx := context.Background()

	c := NewConfig(nil)
	_, err := c.Get(ctx)
	assert.Equal(t, config.ErrNoValue, err)

	c.SetValue([]byte("pebble"))
	val, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pebble"), val)

	errUnavailable := errors.New("unavailable")
	c.SetError(errUnavailable)
	_, err = c.Get(ctx)
	assert.Equal(t, errUnavailable, err)

	c.SetError(nil)
	c.ClearValue()
	_, err = c.Get(ctx)
	assert.Equal(t, config.ErrNoValue, err)

	c.SetValue(42)
	c.Shutdown()
	_, err = c.Get(ctx)
	assert.Equal(t, config.ErrShutdown, err)
}
