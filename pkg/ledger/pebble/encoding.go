package pebble

import (
	"crypto/ed25519"
	"errors"

	"github.com/code-payments/escrow-server/pkg/ledger"
	"github.com/code-payments/escrow-server/pkg/solana/binary"
)

var (
	accountPrefix = []byte("a/")
	ownerPrefix   = []byte("o/")
	slotKey       = []byte("m/slot")

	errInvalidRecord = errors.New("pebble: invalid account record")
)

const (
	accountHeaderSize = (32 + // owner
		8 + // lamports
		1 + // executable
		8) // slot
)

func accountKey(address ed25519.PublicKey) []byte {
	return append(append([]byte{}, accountPrefix...), address...)
}

func ownerIndexKey(owner, address ed25519.PublicKey) []byte {
	key := make([]byte, 0, len(ownerPrefix)+2*ed25519.PublicKeySize)
	key = append(key, ownerPrefix...)
	key = append(key, owner...)
	return append(key, address...)
}

func ownerIndexBounds(owner ed25519.PublicKey) (lower, upper []byte) {
	lower = append(append([]byte{}, ownerPrefix...), owner...)
	upper = append([]byte{}, lower...)

	// Owner keys are fixed width, so incrementing the last non-0xff byte
	// yields the smallest key past the prefix.
	for i := len(upper) - 1; i >= len(ownerPrefix); i-- {
		if upper[i] < 0xff {
			upper[i]++
			return lower, upper[:i+1]
		}
	}
	return lower, []byte{ownerPrefix[0], ownerPrefix[1] + 1}
}

func encodeAccount(account *ledger.Account, slot uint64) []byte {
	e := binary.NewEncoder(accountHeaderSize + len(account.Data))
	e.Key(account.Owner)
	e.Uint64(account.Lamports)
	e.Bool(account.Executable)
	e.Uint64(slot)
	e.Raw(account.Data)
	return e.Bytes()
}

func decodeAccount(address ed25519.PublicKey, b []byte) (*ledger.Account, error) {
	if len(b) < accountHeaderSize {
		return nil, errInvalidRecord
	}

	d := binary.NewDecoder(b)
	account := &ledger.Account{
		Address:    append(ed25519.PublicKey(nil), address...),
		Owner:      d.Key(),
		Lamports:   d.Uint64(),
		Executable: d.Bool(),
		Slot:       d.Uint64(),
		Data:       d.Remaining(),
	}
	if d.Err() != nil {
		return nil, errInvalidRecord
	}
	return account, nil
}
