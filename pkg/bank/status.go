package bank

import (
	"github.com/code-payments/escrow-server/pkg/cache"
	"github.com/code-payments/escrow-server/pkg/solana"
)

// SignatureStatus is the outcome of an executed transaction.
type SignatureStatus struct {
	Slot uint64
	Err  *solana.TransactionError
}

// statusCache remembers the outcome of recently executed transactions. A
// signature in the cache is never executed again.
type statusCache struct {
	entries *cache.Cache[solana.Signature, *SignatureStatus]
}

func newStatusCache(size int) *statusCache {
	return &statusCache{entries: cache.New[solana.Signature, *SignatureStatus](size)}
}

func (c *statusCache) get(sig solana.Signature) (*SignatureStatus, bool) {
	return c.entries.Get(sig)
}

func (c *statusCache) put(sig solana.Signature, status *SignatureStatus) error {
	return c.entries.Insert(sig, status, 1)
}
