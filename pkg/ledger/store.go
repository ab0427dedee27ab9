package ledger

import (
	"context"
	"crypto/ed25519"
)

type Store interface {
	// Get returns the account at an address.
	//
	// Returns ErrAccountNotFound if the account doesn't exist.
	Get(ctx context.Context, address ed25519.PublicKey) (*Account, error)

	// GetMany returns the accounts at the provided addresses. The result has
	// the same length and order as the input, with nil for missing accounts.
	GetMany(ctx context.Context, addresses ...ed25519.PublicKey) ([]*Account, error)

	// GetAllByOwner returns every account owned by a program, ordered by
	// address.
	//
	// Returns ErrAccountNotFound if no accounts are found.
	GetAllByOwner(ctx context.Context, owner ed25519.PublicKey) ([]*Account, error)

	// GetLatestSlot returns the highest slot committed so far, or zero for an
	// empty ledger.
	GetLatestSlot(ctx context.Context) (uint64, error)

	// Commit applies every upsert and delete in the change set, or none of
	// them. Upserted accounts are stamped with the change set's slot.
	Commit(ctx context.Context, changes *ChangeSet) error
}
