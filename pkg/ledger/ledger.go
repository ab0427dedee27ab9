package ledger

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	ErrAccountNotFound  = errors.New("ledger: account not found")
	ErrInvalidAccount   = errors.New("ledger: invalid account")
	ErrInvalidChangeSet = errors.New("ledger: invalid change set")
)

// Account is the persisted state of a single address.
type Account struct {
	Address    ed25519.PublicKey
	Owner      ed25519.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool

	// Slot is the slot at which the account was last written.
	Slot uint64
}

func (a *Account) Validate() error {
	if len(a.Address) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: address must be %d bytes", ErrInvalidAccount, ed25519.PublicKeySize)
	}
	if len(a.Owner) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: owner must be %d bytes", ErrInvalidAccount, ed25519.PublicKeySize)
	}
	return nil
}

func (a *Account) Clone() *Account {
	cloned := &Account{
		Lamports:   a.Lamports,
		Executable: a.Executable,
		Slot:       a.Slot,
	}
	a.CopyTo(cloned)
	return cloned
}

func (a *Account) CopyTo(dst *Account) {
	dst.Address = append(ed25519.PublicKey(nil), a.Address...)
	dst.Owner = append(ed25519.PublicKey(nil), a.Owner...)
	dst.Lamports = a.Lamports
	dst.Data = append([]byte{}, a.Data...)
	dst.Executable = a.Executable
	dst.Slot = a.Slot
}

// Equal compares the account state, ignoring the slot.
func (a *Account) Equal(other *Account) bool {
	return bytes.Equal(a.Address, other.Address) &&
		bytes.Equal(a.Owner, other.Owner) &&
		a.Lamports == other.Lamports &&
		bytes.Equal(a.Data, other.Data) &&
		a.Executable == other.Executable
}

func (a *Account) String() string {
	return fmt.Sprintf(
		"Account{address=%s,owner=%s,lamports=%d,data_len=%d,executable=%t,slot=%d}",
		base58.Encode(a.Address),
		base58.Encode(a.Owner),
		a.Lamports,
		len(a.Data),
		a.Executable,
		a.Slot,
	)
}

// ChangeSet is the set of writes produced by one transaction. It is applied
// atomically by Store.Commit.
type ChangeSet struct {
	Slot    uint64
	Upserts []*Account
	Deletes []ed25519.PublicKey
}

func (c *ChangeSet) IsEmpty() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}

func (c *ChangeSet) Validate() error {
	if c.Slot == 0 {
		return fmt.Errorf("%w: slot must be positive", ErrInvalidChangeSet)
	}

	seen := make(map[string]struct{}, len(c.Upserts)+len(c.Deletes))
	for _, account := range c.Upserts {
		if err := account.Validate(); err != nil {
			return err
		}

		key := string(account.Address)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s written twice", ErrInvalidChangeSet, base58.Encode(account.Address))
		}
		seen[key] = struct{}{}
	}
	for _, address := range c.Deletes {
		if len(address) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: invalid delete address", ErrInvalidChangeSet)
		}

		key := string(address)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s written twice", ErrInvalidChangeSet, base58.Encode(address))
		}
		seen[key] = struct{}{}
	}

	return nil
}
