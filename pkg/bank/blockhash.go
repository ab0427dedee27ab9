package bank

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/code-payments/escrow-server/pkg/solana"
)

const genesisBlockhashSeed = "escrow-server/genesis"

// blockhashQueue holds the most recent blockhashes issued by this node,
// oldest first.
type blockhashQueue struct {
	mu     sync.RWMutex
	hashes []solana.Blockhash
	lookup map[solana.Blockhash]struct{}
	max    int
}

// seedBlockhash derives the first blockhash of a node from the ledger's slot.
func seedBlockhash(slot uint64) solana.Blockhash {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], slot)

	h := sha256.New()
	h.Write([]byte(genesisBlockhashSeed))
	h.Write(b[:])

	var bh solana.Blockhash
	copy(bh[:], h.Sum(nil))
	return bh
}

func newBlockhashQueue(seed solana.Blockhash, max int) *blockhashQueue {
	if max < 1 {
		max = 1
	}

	return &blockhashQueue{
		hashes: []solana.Blockhash{seed},
		lookup: map[solana.Blockhash]struct{}{seed: {}},
		max:    max,
	}
}

func (q *blockhashQueue) latest() solana.Blockhash {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.hashes[len(q.hashes)-1]
}

func (q *blockhashQueue) contains(bh solana.Blockhash) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, ok := q.lookup[bh]
	return ok
}

// advance appends sha256(latest || sig), evicting the oldest entry once the
// queue is full.
func (q *blockhashQueue) advance(sig solana.Signature) solana.Blockhash {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev := q.hashes[len(q.hashes)-1]

	h := sha256.New()
	h.Write(prev[:])
	h.Write(sig[:])

	var next solana.Blockhash
	copy(next[:], h.Sum(nil))

	q.hashes = append(q.hashes, next)
	q.lookup[next] = struct{}{}

	for len(q.hashes) > q.max {
		delete(q.lookup, q.hashes[0])
		q.hashes = q.hashes[1:]
	}

	return next
}
