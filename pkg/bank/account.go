package bank

import (
	"bytes"
	"crypto/ed25519"

	"github.com/code-payments/escrow-server/pkg/ledger"
)

// Account is the mutable state of an address within a transaction. Every
// AccountInfo for the same address shares one Account.
type Account struct {
	Owner      ed25519.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
}

func (a *Account) clone() *Account {
	return &Account{
		Owner:      append(ed25519.PublicKey(nil), a.Owner...),
		Lamports:   a.Lamports,
		Data:       append([]byte{}, a.Data...),
		Executable: a.Executable,
	}
}

func (a *Account) equal(other *Account) bool {
	return bytes.Equal(a.Owner, other.Owner) &&
		a.Lamports == other.Lamports &&
		bytes.Equal(a.Data, other.Data) &&
		a.Executable == other.Executable
}

func (a *Account) toLedger(address ed25519.PublicKey) *ledger.Account {
	return &ledger.Account{
		Address:    address,
		Owner:      a.Owner,
		Lamports:   a.Lamports,
		Data:       a.Data,
		Executable: a.Executable,
	}
}

func fromLedger(account *ledger.Account) *Account {
	return &Account{
		Owner:      account.Owner,
		Lamports:   account.Lamports,
		Data:       account.Data,
		Executable: account.Executable,
	}
}

// AccountInfo is a program's view of one instruction account.
type AccountInfo struct {
	Key        ed25519.PublicKey
	IsSigner   bool
	IsWritable bool

	*Account
}
