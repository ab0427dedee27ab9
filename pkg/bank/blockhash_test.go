package bank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/escrow-server/pkg/solana"
)

func TestBlockhashQueue(t *testing.T) {
	seed := seedBlockhash(7)
	assert.Equal(t, seed, seedBlockhash(7))
	assert.NotEqual(t, seed, seedBlockhash(8))

	q := newBlockhashQueue(seed, 3)
	assert.Equal(t, seed, q.latest())
	assert.True(t, q.contains(seed))

	var issued []solana.Blockhash
	for i := 0; i < 3; i++ {
		issued = append(issued, q.advance(solana.Signature{byte(i)}))
		assert.Equal(t, issued[i], q.latest())
	}

	// The window holds the last three blockhashes, so only the seed fell out.
	assert.False(t, q.contains(seed))
	for _, bh := range issued {
		assert.True(t, q.contains(bh))
	}

	issued = append(issued, q.advance(solana.Signature{3}))
	assert.False(t, q.contains(issued[0]))
	for _, bh := range issued[1:] {
		assert.True(t, q.contains(bh))
	}

	other := newBlockhashQueue(seed, 3)
	assert.Equal(t, issued[0], other.advance(solana.Signature{0}))
}

func TestStatusCache(t *testing.T) {
	c := newStatusCache(2)

	_, ok := c.get(solana.Signature{1})
	assert.False(t, ok)

	failed := &SignatureStatus{Slot: 3, Err: solana.NewTransactionError(solana.TransactionErrorAccountInUse)}
	require.NoError(t, c.put(solana.Signature{1}, &SignatureStatus{Slot: 2}))
	require.NoError(t, c.put(solana.Signature{2}, failed))

	status, ok := c.get(solana.Signature{2})
	require.True(t, ok)
	assert.Equal(t, failed, status)

	// Oldest entry is evicted once the cache is full.
	require.NoError(t, c.put(solana.Signature{3}, &SignatureStatus{Slot: 4}))
	_, ok = c.get(solana.Signature{1})
	assert.False(t, ok)
	_, ok = c.get(solana.Signature{3})
	assert.True(t, ok)
}
